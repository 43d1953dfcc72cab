package loyalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	cashier = loyalty.Actor{ID: "staff-cashier", Role: loyalty.RoleCashier}
	alice   = loyalty.Actor{ID: "alice", Role: loyalty.RoleMember}
	bob     = loyalty.Actor{ID: "bob", Role: loyalty.RoleMember}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func i64(n int64) *int64 { return &n }

func testLevels() []loyalty.Level {
	return []loyalty.Level{
		{ID: "bronze", Name: "Bronze", MinPoints: 0, PointMultiplier: d("1.0")},
		{ID: "silver", Name: "Silver", MinPoints: 500, PointMultiplier: d("1.2")},
		{ID: "gold", Name: "Gold", MinPoints: 1000, PointMultiplier: d("1.5")},
		{ID: "platinum", Name: "Platinum", MinPoints: 3000, PointMultiplier: d("2.0")},
	}
}

type fixture struct {
	store  *store.Memory
	engine *loyalty.Engine
	now    time.Time
}

// newFixture seeds a memory store with levels, voucher types, recharge tiers,
// both stores, one cashier and two Bronze members (alice, bob). The engine
// clock reads f.now, so tests may move it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store: store.NewMemory(),
		now:   time.Date(2025, time.June, 15, 10, 0, 0, 0, time.UTC),
	}

	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	f.engine = loyalty.NewEngine(f.store,
		loyalty.WithClock(func() time.Time { return f.now }),
		loyalty.WithLogger(logger),
	)

	for _, l := range testLevels() {
		l := l
		require.NoError(t, f.store.SaveLevel(ctx, &l))
	}

	voucherTypes := []loyalty.VoucherType{
		{ID: "vt-10-off", Name: "$10 Off", Value: d("10"), Threshold: d("50"), ExpiryDays: 30},
		{ID: "vt-50-off", Name: "$50 Off", Value: d("50"), Threshold: d("100"), ExpiryDays: 30},
		{ID: "vt-5-off", Name: "$5 Off", Value: d("5"), ExpiryDays: 30},
		{ID: "vt-coffee", Name: "Free Coffee", Value: decimal.Zero, ExpiryDays: 30, CostOfGoods: dp("1.50")},
		{ID: "vt-mug", Name: "Mug", Value: decimal.Zero, ExpiryDays: 90, CostOfGoods: dp("8.00"), StockCount: i64(2)},
		{ID: "vt-sticker", Name: "Sticker", Value: decimal.Zero, ExpiryDays: 30},
	}
	for _, vt := range voucherTypes {
		vt := vt
		require.NoError(t, f.store.SaveVoucherType(ctx, &vt))
	}

	tiers := []loyalty.RechargeTier{
		{ID: "tier-100", Amount: d("100")},
		{ID: "tier-300", Amount: d("300"), GrantVoucherTypeID: "vt-10-off", GrantVoucherCount: 1},
		{ID: "tier-500", Amount: d("500"), GrantVoucherTypeID: "vt-50-off", GrantVoucherCount: 1},
		{ID: "tier-1000", Amount: d("1000"), GrantVoucherTypeID: "vt-50-off", GrantVoucherCount: 3},
		{ID: "tier-broken", Amount: d("200"), GrantVoucherTypeID: "vt-missing", GrantVoucherCount: 1},
	}
	for _, tier := range tiers {
		tier := tier
		require.NoError(t, f.store.SaveRechargeTier(ctx, &tier))
	}

	pointsItems := []loyalty.PointsStoreItem{
		{ID: "ps-coffee", Name: "Free Coffee", PointsCost: 150, LinkedVoucherTypeID: "vt-coffee", IsActive: true},
		{ID: "ps-mug", Name: "Mug", PointsCost: 1200, LinkedVoucherTypeID: "vt-mug", IsActive: true},
		{ID: "ps-sticker", Name: "Sticker", PointsCost: 10, LinkedVoucherTypeID: "vt-sticker", IsActive: true},
		{ID: "ps-broken", Name: "Broken", PointsCost: 10, IsActive: true},
		{ID: "ps-retired", Name: "Retired", PointsCost: 10, LinkedVoucherTypeID: "vt-sticker", IsActive: false},
	}
	for _, it := range pointsItems {
		it := it
		require.NoError(t, f.store.SavePointsStoreItem(ctx, &it))
	}

	balanceItems := []loyalty.BalanceStoreItem{
		{ID: "bs-mug", Name: "Mug", BalancePrice: d("22.50"), LinkedVoucherTypeID: "vt-mug", IsActive: true},
		{ID: "bs-coffee", Name: "Coffee Beans", BalancePrice: d("5.00"), LinkedVoucherTypeID: "vt-coffee", IsActive: true},
	}
	for _, it := range balanceItems {
		it := it
		require.NoError(t, f.store.SaveBalanceStoreItem(ctx, &it))
	}

	f.addMember(t, cashier.ID, func(m *loyalty.Member) {
		m.Role = loyalty.RoleCashier
		m.LevelID = ""
		m.LevelExpiryDate = nil
	})
	f.addMember(t, alice.ID, nil)
	f.addMember(t, bob.ID, nil)
	return f
}

// addMember registers a Bronze member whose level term runs a full year from
// today. mutate may adjust the row before it is stored.
func (f *fixture) addMember(t *testing.T, id loyalty.MemberID, mutate func(*loyalty.Member)) {
	t.Helper()
	expiry := loyalty.AddDays(loyalty.DateOf(f.now), 365)
	m := &loyalty.Member{
		ID:              id,
		Email:           string(id) + "@example.com",
		Nickname:        string(id),
		Role:            loyalty.RoleMember,
		LevelID:         "bronze",
		LevelExpiryDate: &expiry,
		Balance:         decimal.Zero,
		IsActive:        true,
		CreatedAt:       f.now,
	}
	if mutate != nil {
		mutate(m)
	}
	require.NoError(t, f.store.CreateMember(context.Background(), m))
}

// setMember overwrites a member row inside a unit of work.
func (f *fixture) setMember(t *testing.T, id loyalty.MemberID, mutate func(*loyalty.Member)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx loyalty.Tx) error {
		m, err := tx.LockMember(ctx, id)
		if err != nil {
			return err
		}
		mutate(m)
		return tx.SaveMember(ctx, m)
	}))
}

func (f *fixture) member(t *testing.T, id loyalty.MemberID) *loyalty.Member {
	t.Helper()
	m, err := f.store.GetMember(context.Background(), id)
	require.NoError(t, err)
	return m
}

// grant issues a voucher of vtID to member as if at issuedAt.
func (f *fixture) grant(t *testing.T, member loyalty.MemberID, vtID loyalty.VoucherTypeID, issuedAt time.Time) *loyalty.Voucher {
	t.Helper()
	ctx := context.Background()
	vt, err := f.store.GetVoucherType(ctx, vtID)
	require.NoError(t, err)
	v := loyalty.IssueVoucher(member, vt, issuedAt)
	require.NoError(t, f.store.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.InsertVoucher(ctx, v)
	}))
	return v
}

func (f *fixture) transactions(t *testing.T, member loyalty.MemberID) []loyalty.Transaction {
	t.Helper()
	txs, err := f.store.ListTransactions(context.Background(), loyalty.TransactionFilter{MemberID: member})
	require.NoError(t, err)
	return txs
}

func (f *fixture) entries(t *testing.T) []loyalty.FinancialEntry {
	t.Helper()
	entries, err := f.store.ListFinancialEntries(context.Background(), loyalty.FinancialFilter{})
	require.NoError(t, err)
	return entries
}

func (f *fixture) stock(t *testing.T, id loyalty.VoucherTypeID) int64 {
	t.Helper()
	vt, err := f.store.GetVoucherType(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, vt.StockCount)
	return *vt.StockCount
}
