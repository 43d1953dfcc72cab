package loyalty_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// RECHARGE
// =============================================================================

func TestRecharge_CreditsBalancePromotesAndIssuesBonus(t *testing.T) {
	// GIVEN: A Bronze member with no balance
	f := newFixture(t)
	ctx := context.Background()

	// WHEN: A cashier recharges the $500 tier
	r, err := f.engine.Recharge(ctx, cashier, loyalty.RechargeRequest{MemberID: alice.ID, TierID: "tier-500"})

	// THEN: Balance, expiry, level and the bonus voucher are all committed
	require.NoError(t, err)
	m := f.member(t, alice.ID)
	assert.True(t, d("500").Equal(m.Balance))
	require.NotNil(t, m.BalanceExpiryDate)
	assert.True(t, f.now.AddDate(0, 0, 365).Equal(*m.BalanceExpiryDate))
	assert.Equal(t, loyalty.LevelID("gold"), m.LevelID)
	assert.True(t, loyalty.AddDays(loyalty.DateOf(f.now), 365).Equal(*m.LevelExpiryDate))
	assert.Equal(t, int64(0), m.LoyaltyPoints, "recharges earn no points")
	assert.Equal(t, int64(0), m.LifetimePoints)

	assert.Equal(t, loyalty.LevelPromoted, r.Level.Outcome)
	assert.Contains(t, r.Message, "UPGRADED to Gold")
	require.Len(t, r.IssuedVouchers, 1)
	assert.Equal(t, loyalty.VoucherTypeID("vt-50-off"), r.IssuedVouchers[0].VoucherTypeID)

	vouchers, err := f.engine.MemberVouchers(ctx, alice.ID)
	require.NoError(t, err)
	assert.Len(t, vouchers, 1)

	txs := f.transactions(t, alice.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, loyalty.TxRecharge, txs[0].Type)
	assert.True(t, d("500").Equal(txs[0].Amount))
	assert.Equal(t, cashier.ID, txs[0].StaffID)
	assert.Equal(t, int64(0), txs[0].PointsEarned)
	assert.Empty(t, f.entries(t), "recharges write no company ledger rows")
}

func TestRecharge_MultipleBonusVouchers(t *testing.T) {
	f := newFixture(t)

	r, err := f.engine.Recharge(context.Background(), cashier, loyalty.RechargeRequest{MemberID: alice.ID, TierID: "tier-1000"})

	require.NoError(t, err)
	assert.Len(t, r.IssuedVouchers, 3)
	assert.Equal(t, loyalty.LevelID("platinum"), r.Member.LevelID)
}

func TestRecharge_NeverDowngradesLevel(t *testing.T) {
	// GIVEN: A Platinum member
	f := newFixture(t)
	f.setMember(t, alice.ID, func(m *loyalty.Member) { m.LevelID = "platinum" })

	// WHEN: Recharging a tier whose promotion is Silver
	r, err := f.engine.Recharge(context.Background(), cashier, loyalty.RechargeRequest{MemberID: alice.ID, TierID: "tier-300"})

	// THEN: The level stays Platinum
	require.NoError(t, err)
	assert.Equal(t, loyalty.LevelID("platinum"), f.member(t, alice.ID).LevelID)
	assert.NotContains(t, r.Message, "UPGRADED")
}

func TestRecharge_SmallTierHasNoPromotion(t *testing.T) {
	f := newFixture(t)

	r, err := f.engine.Recharge(context.Background(), cashier, loyalty.RechargeRequest{MemberID: alice.ID, TierID: "tier-100"})

	require.NoError(t, err)
	assert.Equal(t, loyalty.LevelID("bronze"), r.Member.LevelID)
	assert.Empty(t, r.IssuedVouchers)
	assert.Equal(t, "Successfully recharged $100.00.", r.Message)
}

func TestRecharge_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		actor   loyalty.Actor
		req     loyalty.RechargeRequest
		wantErr error
	}{
		{"member cannot recharge", alice, loyalty.RechargeRequest{MemberID: alice.ID, TierID: "tier-100"}, loyalty.ErrForbidden},
		{"unknown member", cashier, loyalty.RechargeRequest{MemberID: "ghost", TierID: "tier-100"}, loyalty.ErrNotFound},
		{"unknown tier", cashier, loyalty.RechargeRequest{MemberID: alice.ID, TierID: "tier-7"}, loyalty.ErrNotFound},
		{"tier grants unknown voucher type", cashier, loyalty.RechargeRequest{MemberID: alice.ID, TierID: "tier-broken"}, loyalty.ErrMisconfiguredItem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			r, err := f.engine.Recharge(context.Background(), tt.actor, tt.req)

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, r)
			m := f.member(t, alice.ID)
			assert.True(t, m.Balance.IsZero(), "balance must be rolled back")
			assert.Equal(t, loyalty.LevelID("bronze"), m.LevelID)
			assert.Empty(t, f.transactions(t, alice.ID))
		})
	}
}

// =============================================================================
// CONSUME BALANCE / TRACK CASH SPEND
// =============================================================================

func TestConsumeBalance_DebitsAndEarnsPoints(t *testing.T) {
	// GIVEN: A Silver member with $100
	f := newFixture(t)
	f.setMember(t, alice.ID, func(m *loyalty.Member) {
		m.LevelID = "silver"
		m.Balance = d("100")
	})

	// WHEN: $33.33 is consumed
	r, err := f.engine.ConsumeBalance(context.Background(), cashier, loyalty.ConsumeBalanceRequest{MemberID: alice.ID, Amount: d("33.33")})

	// THEN: floor(33.33 * 1.2) = 39 points are credited
	require.NoError(t, err)
	m := f.member(t, alice.ID)
	assert.True(t, d("66.67").Equal(m.Balance))
	assert.Equal(t, int64(39), m.LoyaltyPoints)
	assert.Equal(t, int64(39), m.LifetimePoints)
	assert.Equal(t, int64(39), r.PointsEarned)

	txs := f.transactions(t, alice.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, loyalty.TxConsumeBalance, txs[0].Type)
	assert.True(t, d("-33.33").Equal(txs[0].Amount))
	assert.Equal(t, int64(39), txs[0].PointsEarned)
}

func TestConsumeBalance_InsufficientFunds(t *testing.T) {
	// GIVEN: A member with $40
	f := newFixture(t)
	f.setMember(t, alice.ID, func(m *loyalty.Member) { m.Balance = d("40") })

	// WHEN: $50 is consumed
	_, err := f.engine.ConsumeBalance(context.Background(), cashier, loyalty.ConsumeBalanceRequest{MemberID: alice.ID, Amount: d("50")})

	// THEN: Rejected with no change and no ledger rows
	assert.ErrorIs(t, err, loyalty.ErrInsufficientFunds)
	assert.ErrorIs(t, err, loyalty.ErrInsufficientBalance)
	var ife *loyalty.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.True(t, d("40").Equal(ife.Available))
	assert.True(t, d("50").Equal(ife.Requested))

	m := f.member(t, alice.ID)
	assert.True(t, d("40").Equal(m.Balance))
	assert.Equal(t, int64(0), m.LoyaltyPoints)
	assert.Empty(t, f.transactions(t, alice.ID))
}

func TestConsumeBalance_ValidatesAmount(t *testing.T) {
	for _, amount := range []string{"0", "-5", "10.001"} {
		t.Run(amount, func(t *testing.T) {
			f := newFixture(t)
			f.setMember(t, alice.ID, func(m *loyalty.Member) { m.Balance = d("100") })

			_, err := f.engine.ConsumeBalance(context.Background(), cashier, loyalty.ConsumeBalanceRequest{MemberID: alice.ID, Amount: d(amount)})

			assert.ErrorIs(t, err, loyalty.ErrValidation)
			assert.True(t, d("100").Equal(f.member(t, alice.ID).Balance))
		})
	}
}

func TestTrackCashSpend_UpgradesAndConsumesThreshold(t *testing.T) {
	// GIVEN: A Bronze member one point short of Silver
	f := newFixture(t)
	f.setMember(t, alice.ID, func(m *loyalty.Member) { m.LifetimePoints = 499 })

	// WHEN: A $101 cash bill is tracked
	r, err := f.engine.TrackCashSpend(context.Background(), cashier, loyalty.TrackCashSpendRequest{MemberID: alice.ID, Amount: d("101")})

	// THEN: 600 lifetime -> Silver with 100 left over
	require.NoError(t, err)
	m := f.member(t, alice.ID)
	assert.Equal(t, loyalty.LevelID("silver"), m.LevelID)
	assert.Equal(t, int64(100), m.LifetimePoints)
	assert.Equal(t, int64(101), m.LoyaltyPoints)
	assert.True(t, m.Balance.IsZero(), "cash spend never touches the balance")
	assert.Equal(t, loyalty.LevelUpgraded, r.Level.Outcome)
	assert.Equal(t, "Silver", r.Level.ToName)

	txs := f.transactions(t, alice.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, loyalty.TxConsumeCash, txs[0].Type)
	assert.True(t, d("-101").Equal(txs[0].Amount))
}

func TestTrackCashSpend_UpgradesBeforeEarning(t *testing.T) {
	// GIVEN: A Bronze member who already holds enough points for Silver
	f := newFixture(t)
	f.setMember(t, alice.ID, func(m *loyalty.Member) { m.LifetimePoints = 550 })

	// WHEN: A $50 cash bill is tracked
	r, err := f.engine.TrackCashSpend(context.Background(), cashier, loyalty.TrackCashSpendRequest{MemberID: alice.ID, Amount: d("50")})

	// THEN: The upgrade lands first, so the spend earns at the Silver rate
	require.NoError(t, err)
	m := f.member(t, alice.ID)
	assert.Equal(t, loyalty.LevelID("silver"), m.LevelID)
	assert.Equal(t, int64(50+60), m.LifetimePoints)
	assert.Equal(t, int64(60), m.LoyaltyPoints)
	assert.Equal(t, loyalty.LevelUpgraded, r.Level.Outcome)
	assert.Equal(t, "Silver", r.Level.ToName)
}

func TestTrackCashSpend_SettlesOverdueLevelFirst(t *testing.T) {
	// GIVEN: A Gold member whose term ended yesterday with 200 lifetime points
	f := newFixture(t)
	f.setMember(t, alice.ID, func(m *loyalty.Member) {
		m.LevelID = "gold"
		yesterday := loyalty.AddDays(loyalty.DateOf(f.now), -1)
		m.LevelExpiryDate = &yesterday
		m.LifetimePoints = 200
	})

	// WHEN: A $100 cash bill is tracked
	r, err := f.engine.TrackCashSpend(context.Background(), cashier, loyalty.TrackCashSpendRequest{MemberID: alice.ID, Amount: d("100")})

	// THEN: Settlement runs before earning, so points use the Bronze rate
	require.NoError(t, err)
	m := f.member(t, alice.ID)
	assert.Equal(t, loyalty.LevelID("bronze"), m.LevelID)
	assert.Equal(t, int64(100), r.PointsEarned)
	assert.Equal(t, int64(100), m.LifetimePoints)
	assert.Equal(t, loyalty.LevelSettled, r.Level.Outcome)
}

func TestTrackCashSpend_SeedsMemberWithoutLevel(t *testing.T) {
	f := newFixture(t)
	f.setMember(t, alice.ID, func(m *loyalty.Member) {
		m.LevelID = ""
		m.LevelExpiryDate = nil
	})

	_, err := f.engine.TrackCashSpend(context.Background(), cashier, loyalty.TrackCashSpendRequest{MemberID: alice.ID, Amount: d("10")})

	require.NoError(t, err)
	assert.Equal(t, loyalty.LevelID("bronze"), f.member(t, alice.ID).LevelID)
}

// =============================================================================
// REDEEM VOUCHER
// =============================================================================

func TestRedeemVoucher_DiscountWithCashRemainder(t *testing.T) {
	// GIVEN: A $50 off voucher with a $100 threshold
	f := newFixture(t)
	v := f.grant(t, alice.ID, "vt-50-off", f.now)

	// WHEN: Redeemed against a $120 bill
	r, err := f.engine.RedeemVoucher(context.Background(), cashier, loyalty.RedeemVoucherRequest{VoucherID: v.ID, BillAmount: dp("120")})

	// THEN: $70 is paid in cash and earns points, two ledger rows
	require.NoError(t, err)
	assert.True(t, d("50").Equal(r.Discount))
	assert.True(t, d("70").Equal(r.CashPayment))
	assert.Equal(t, int64(70), r.PointsEarned)
	assert.Equal(t, int64(70), f.member(t, alice.ID).LoyaltyPoints)

	stored, err := f.store.GetVoucher(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.VoucherUsed, stored.Status)
	require.NotNil(t, stored.UsedDate)

	require.Len(t, r.Transactions, 2)
	assert.Equal(t, loyalty.TxConsumeVoucher, r.Transactions[0].Type)
	assert.True(t, d("-50").Equal(r.Transactions[0].Amount))
	assert.True(t, d("50").Equal(r.Transactions[0].DiscountApplied))
	assert.Equal(t, v.ID, r.Transactions[0].VoucherID)
	assert.Equal(t, loyalty.TxConsumeCash, r.Transactions[1].Type)
	assert.True(t, d("-70").Equal(r.Transactions[1].Amount))
	assert.Equal(t, int64(70), r.Transactions[1].PointsEarned)
	assert.Len(t, f.transactions(t, alice.ID), 2)
}

func TestRedeemVoucher_FullyCoveredBillWritesOneRow(t *testing.T) {
	// GIVEN: A $5 off voucher with no threshold
	f := newFixture(t)
	v := f.grant(t, alice.ID, "vt-5-off", f.now)

	// WHEN: The bill is smaller than the voucher
	r, err := f.engine.RedeemVoucher(context.Background(), cashier, loyalty.RedeemVoucherRequest{VoucherID: v.ID, BillAmount: dp("4.50")})

	// THEN: No cash is due, so only the voucher row is written
	require.NoError(t, err)
	assert.True(t, r.CashPayment.IsZero())
	assert.Equal(t, int64(0), r.PointsEarned)
	require.Len(t, r.Transactions, 1)
	assert.Equal(t, loyalty.TxConsumeVoucher, r.Transactions[0].Type)
}

func TestRedeemVoucher_Product(t *testing.T) {
	// GIVEN: A free coffee voucher
	f := newFixture(t)
	v := f.grant(t, alice.ID, "vt-coffee", f.now)

	// WHEN: Redeemed without a bill
	r, err := f.engine.RedeemVoucher(context.Background(), cashier, loyalty.RedeemVoucherRequest{VoucherID: v.ID})

	// THEN: Marked used, no money moves
	require.NoError(t, err)
	assert.Equal(t, loyalty.VoucherUsed, r.Voucher.Status)
	assert.True(t, r.Discount.IsZero())
	assert.Equal(t, int64(0), r.PointsEarned)
	assert.Empty(t, r.Transactions)
	assert.Contains(t, r.Message, "Free Coffee")
}

func TestRedeemVoucher_Failures(t *testing.T) {
	t.Run("below threshold leaves voucher unused", func(t *testing.T) {
		f := newFixture(t)
		v := f.grant(t, alice.ID, "vt-50-off", f.now)

		_, err := f.engine.RedeemVoucher(context.Background(), cashier, loyalty.RedeemVoucherRequest{VoucherID: v.ID, BillAmount: dp("80")})

		assert.ErrorIs(t, err, loyalty.ErrBelowThreshold)
		stored, _ := f.store.GetVoucher(context.Background(), v.ID)
		assert.Equal(t, loyalty.VoucherUnused, stored.Status)
		assert.Empty(t, f.transactions(t, alice.ID))
	})

	t.Run("second redemption is rejected", func(t *testing.T) {
		f := newFixture(t)
		v := f.grant(t, alice.ID, "vt-coffee", f.now)
		_, err := f.engine.RedeemVoucher(context.Background(), cashier, loyalty.RedeemVoucherRequest{VoucherID: v.ID})
		require.NoError(t, err)

		_, err = f.engine.RedeemVoucher(context.Background(), cashier, loyalty.RedeemVoucherRequest{VoucherID: v.ID})

		assert.ErrorIs(t, err, loyalty.ErrAlreadyUsed)
	})

	t.Run("members cannot redeem at the till", func(t *testing.T) {
		f := newFixture(t)
		v := f.grant(t, alice.ID, "vt-coffee", f.now)

		_, err := f.engine.RedeemVoucher(context.Background(), alice, loyalty.RedeemVoucherRequest{VoucherID: v.ID})

		assert.ErrorIs(t, err, loyalty.ErrForbidden)
	})

	t.Run("unknown voucher", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.engine.RedeemVoucher(context.Background(), cashier, loyalty.RedeemVoucherRequest{VoucherID: "nope"})

		assert.ErrorIs(t, err, loyalty.ErrNotFound)
		var nf *loyalty.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, "voucher", nf.Kind)
	})
}

func TestRedeemVoucher_ExpiredTransitionIsPersisted(t *testing.T) {
	// GIVEN: A 30-day voucher issued 40 days ago
	f := newFixture(t)
	v := f.grant(t, alice.ID, "vt-50-off", f.now.AddDate(0, 0, -40))

	// WHEN: Someone tries to redeem it
	r, err := f.engine.RedeemVoucher(context.Background(), cashier, loyalty.RedeemVoucherRequest{VoucherID: v.ID, BillAmount: dp("120")})

	// THEN: ErrExpired is returned, but the expired status sticks
	assert.ErrorIs(t, err, loyalty.ErrExpired)
	assert.Nil(t, r)
	stored, err := f.store.GetVoucher(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.VoucherExpired, stored.Status)
	assert.Empty(t, f.transactions(t, alice.ID))
	assert.Equal(t, int64(0), f.member(t, alice.ID).LoyaltyPoints)
}

// =============================================================================
// POINTS STORE
// =============================================================================

func TestRedeemPoints_IssuesVoucherAndBooksCost(t *testing.T) {
	// GIVEN: A member with 2000 points and a mug with stock 2
	f := newFixture(t)
	f.setMember(t, alice.ID, func(m *loyalty.Member) {
		m.LoyaltyPoints = 2000
		m.LifetimePoints = 300
	})

	// WHEN: The member redeems the mug
	r, err := f.engine.RedeemPoints(context.Background(), alice, loyalty.RedeemPointsRequest{MemberID: alice.ID, ItemID: "ps-mug"})

	// THEN: Points, stock, voucher and both ledgers move together
	require.NoError(t, err)
	m := f.member(t, alice.ID)
	assert.Equal(t, int64(800), m.LoyaltyPoints)
	assert.Equal(t, int64(300), m.LifetimePoints, "spending never reduces lifetime points")
	assert.Equal(t, int64(1), f.stock(t, "vt-mug"))
	assert.Equal(t, int64(1200), r.PointsSpent)
	require.NotNil(t, r.Voucher)
	assert.Equal(t, loyalty.VoucherTypeID("vt-mug"), r.Voucher.VoucherTypeID)
	assert.True(t, f.now.AddDate(0, 0, 90).Equal(r.Voucher.ExpiryDate))

	txs := f.transactions(t, alice.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, loyalty.TxRewardIssue, txs[0].Type)
	assert.True(t, txs[0].Amount.IsZero())
	assert.Equal(t, int64(-1200), txs[0].PointsEarned)
	assert.Equal(t, r.Voucher.ID, txs[0].VoucherID)
	assert.Equal(t, loyalty.StoreItemID("ps-mug"), txs[0].ProductID)
	assert.Empty(t, txs[0].StaffID, "self-service rows carry no staff")

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, loyalty.FinCostOfGoods, entries[0].Type)
	assert.True(t, d("-8").Equal(entries[0].Amount))
	assert.Equal(t, txs[0].ID, entries[0].TransactionID)
}

func TestRedeemPoints_NoCostOfGoodsWhenFree(t *testing.T) {
	f := newFixture(t)
	f.setMember(t, alice.ID, func(m *loyalty.Member) { m.LoyaltyPoints = 10 })

	_, err := f.engine.RedeemPoints(context.Background(), alice, loyalty.RedeemPointsRequest{MemberID: alice.ID, ItemID: "ps-sticker"})

	require.NoError(t, err)
	assert.Equal(t, int64(0), f.member(t, alice.ID).LoyaltyPoints)
	assert.Empty(t, f.entries(t))
}

func TestRedeemPoints_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		actor   loyalty.Actor
		item    loyalty.StoreItemID
		points  int64
		stock   *int64
		wantErr error
	}{
		{"insufficient points", alice, "ps-coffee", 149, nil, loyalty.ErrInsufficientPoints},
		{"out of stock", alice, "ps-mug", 5000, i64(0), loyalty.ErrOutOfStock},
		{"no linked voucher type", alice, "ps-broken", 5000, nil, loyalty.ErrMisconfiguredItem},
		{"inactive item", alice, "ps-retired", 5000, nil, loyalty.ErrNotFound},
		{"unknown item", alice, "ps-nothing", 5000, nil, loyalty.ErrNotFound},
		{"another member's account", bob, "ps-coffee", 5000, nil, loyalty.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.setMember(t, alice.ID, func(m *loyalty.Member) { m.LoyaltyPoints = tt.points })
			if tt.stock != nil {
				require.NoError(t, f.store.RestockVoucherType(context.Background(), "vt-mug", tt.stock))
			}

			_, err := f.engine.RedeemPoints(context.Background(), tt.actor, loyalty.RedeemPointsRequest{MemberID: alice.ID, ItemID: tt.item})

			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.points, f.member(t, alice.ID).LoyaltyPoints)
			vouchers, err := f.engine.MemberVouchers(context.Background(), alice.ID)
			require.NoError(t, err)
			assert.Empty(t, vouchers)
			assert.Empty(t, f.entries(t))
		})
	}
}

func TestRedeemPoints_StaffMayActForMember(t *testing.T) {
	f := newFixture(t)
	f.setMember(t, alice.ID, func(m *loyalty.Member) { m.LoyaltyPoints = 150 })

	r, err := f.engine.RedeemPoints(context.Background(), cashier, loyalty.RedeemPointsRequest{MemberID: alice.ID, ItemID: "ps-coffee"})

	require.NoError(t, err)
	assert.Equal(t, cashier.ID, r.Transactions[0].StaffID)
}

func TestRedeemPoints_ConcurrentRedemptionsNeverOversell(t *testing.T) {
	// GIVEN: A mug with stock 3 and a member who can afford ten
	f := newFixture(t)
	const stock, attempts = 3, 10
	require.NoError(t, f.store.RestockVoucherType(context.Background(), "vt-mug", i64(stock)))
	f.setMember(t, alice.ID, func(m *loyalty.Member) { m.LoyaltyPoints = 1200 * attempts })

	// WHEN: Ten redemptions race
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		outOfStock int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RedeemPoints(context.Background(), alice, loyalty.RedeemPointsRequest{MemberID: alice.ID, ItemID: "ps-mug"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, loyalty.ErrOutOfStock):
				outOfStock++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly `stock` succeed and the stock ends at zero
	assert.Equal(t, stock, successes)
	assert.Equal(t, attempts-stock, outOfStock)
	assert.Equal(t, int64(0), f.stock(t, "vt-mug"))
	assert.Equal(t, int64(1200*(attempts-stock)), f.member(t, alice.ID).LoyaltyPoints)
	assert.Len(t, f.entries(t), stock)
}

// =============================================================================
// BALANCE STORE
// =============================================================================

func TestPurchaseBalanceStoreItem(t *testing.T) {
	// GIVEN: A Bronze member with $100
	f := newFixture(t)
	f.setMember(t, alice.ID, func(m *loyalty.Member) { m.Balance = d("100") })

	// WHEN: The member buys the $22.50 mug
	r, err := f.engine.PurchaseBalanceStoreItem(context.Background(), alice, loyalty.PurchaseRequest{MemberID: alice.ID, ItemID: "bs-mug"})

	// THEN: Balance is debited, points earned, cost and revenue booked
	require.NoError(t, err)
	m := f.member(t, alice.ID)
	assert.True(t, d("77.50").Equal(m.Balance))
	assert.Equal(t, int64(22), m.LoyaltyPoints)
	assert.Equal(t, int64(1), f.stock(t, "vt-mug"))
	require.NotNil(t, r.Voucher)

	txs := f.transactions(t, alice.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, loyalty.TxRedeemMerch, txs[0].Type)
	assert.True(t, d("-22.50").Equal(txs[0].Amount))
	assert.Equal(t, int64(22), txs[0].PointsEarned)
	assert.Equal(t, r.Voucher.ID, txs[0].VoucherID)

	require.Len(t, r.FinancialEntries, 2)
	assert.Equal(t, loyalty.FinCostOfGoods, r.FinancialEntries[0].Type)
	assert.True(t, d("-8").Equal(r.FinancialEntries[0].Amount))
	assert.Equal(t, loyalty.FinRevenueStore, r.FinancialEntries[1].Type)
	assert.True(t, d("22.50").Equal(r.FinancialEntries[1].Amount))
	for _, e := range r.FinancialEntries {
		assert.Equal(t, txs[0].ID, e.TransactionID)
		assert.Equal(t, alice.ID, e.MemberID)
	}
}

func TestPurchaseBalanceStoreItem_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.setMember(t, alice.ID, func(m *loyalty.Member) { m.Balance = d("20") })

	_, err := f.engine.PurchaseBalanceStoreItem(context.Background(), alice, loyalty.PurchaseRequest{MemberID: alice.ID, ItemID: "bs-mug"})

	assert.ErrorIs(t, err, loyalty.ErrInsufficientBalance)
	assert.True(t, d("20").Equal(f.member(t, alice.ID).Balance))
	assert.Equal(t, int64(2), f.stock(t, "vt-mug"))
	assert.Empty(t, f.entries(t))
}

// =============================================================================
// ATOMICITY & IDEMPOTENCY
// =============================================================================

func TestIdempotencyKey_ReplayIsRejected(t *testing.T) {
	// GIVEN: A committed debit with key "till-7-0042"
	f := newFixture(t)
	f.setMember(t, alice.ID, func(m *loyalty.Member) { m.Balance = d("100") })
	req := loyalty.ConsumeBalanceRequest{MemberID: alice.ID, Amount: d("30"), IdempotencyKey: "till-7-0042"}
	_, err := f.engine.ConsumeBalance(context.Background(), cashier, req)
	require.NoError(t, err)

	// WHEN: The same request is replayed
	_, err = f.engine.ConsumeBalance(context.Background(), cashier, req)

	// THEN: It is rejected and the balance was debited once
	assert.ErrorIs(t, err, loyalty.ErrDuplicateRequest)
	assert.True(t, d("70").Equal(f.member(t, alice.ID).Balance))
	assert.Len(t, f.transactions(t, alice.ID), 1)
}

func TestFailedWrite_RollsBackWholeUnit(t *testing.T) {
	tests := []struct {
		name   string
		method string
	}{
		{"ledger row", "AppendTransaction"},
		{"company ledger row", "AppendFinancialEntry"},
		{"voucher insert", "InsertVoucher"},
		{"stock update", "UpdateVoucherTypeStock"},
		{"member save", "SaveMember"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: A store that fails one write
			f := newFixture(t)
			f.setMember(t, alice.ID, func(m *loyalty.Member) { m.Balance = d("100") })
			f.store.FailNext(tt.method, errors.New("disk full"))

			// WHEN: A purchase touches every table
			_, err := f.engine.PurchaseBalanceStoreItem(context.Background(), alice, loyalty.PurchaseRequest{MemberID: alice.ID, ItemID: "bs-mug"})

			// THEN: The failure is transient and nothing was kept
			assert.ErrorIs(t, err, loyalty.ErrTransient)
			assert.True(t, loyalty.IsRetryable(err))
			m := f.member(t, alice.ID)
			assert.True(t, d("100").Equal(m.Balance))
			assert.Equal(t, int64(0), m.LoyaltyPoints)
			assert.Equal(t, int64(2), f.stock(t, "vt-mug"))
			vouchers, err := f.engine.MemberVouchers(context.Background(), alice.ID)
			require.NoError(t, err)
			assert.Empty(t, vouchers)
			assert.Empty(t, f.transactions(t, alice.ID))
			assert.Empty(t, f.entries(t))
		})
	}
}

func TestCancelledContext_IsTransient(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.TrackCashSpend(ctx, cashier, loyalty.TrackCashSpendRequest{MemberID: alice.ID, Amount: d("10")})

	assert.True(t, loyalty.IsRetryable(err))
}

// =============================================================================
// OBSERVER
// =============================================================================

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (o *recordingObserver) ObserveOperation(op, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string][]string{}
	}
	o.outcomes[op] = append(o.outcomes[op], outcome)
}

func TestObserver_SeesEveryOutcome(t *testing.T) {
	f := newFixture(t)
	obs := &recordingObserver{}
	engine := loyalty.NewEngine(f.store, loyalty.WithClock(func() time.Time { return f.now }), loyalty.WithObserver(obs))

	_, _ = engine.TrackCashSpend(context.Background(), cashier, loyalty.TrackCashSpendRequest{MemberID: alice.ID, Amount: d("10")})
	_, _ = engine.TrackCashSpend(context.Background(), alice, loyalty.TrackCashSpendRequest{MemberID: alice.ID, Amount: d("10")})
	_, _ = engine.ConsumeBalance(context.Background(), cashier, loyalty.ConsumeBalanceRequest{MemberID: alice.ID, Amount: d("10")})

	assert.Equal(t, []string{"ok", "forbidden"}, obs.outcomes[string(loyalty.OpTrackCashSpend)])
	assert.Equal(t, []string{"insufficient_funds"}, obs.outcomes[string(loyalty.OpConsumeBalance)])
}

// =============================================================================
// BALANCES NEVER GO NEGATIVE
// =============================================================================

func TestBalancesStayNonNegative(t *testing.T) {
	// GIVEN: A member with small balance and points
	f := newFixture(t)
	f.setMember(t, alice.ID, func(m *loyalty.Member) {
		m.Balance = d("30")
		m.LoyaltyPoints = 200
	})
	ctx := context.Background()

	// WHEN: A mix of operations, several of which overdraw
	ops := []func() error{
		func() error {
			_, err := f.engine.ConsumeBalance(ctx, cashier, loyalty.ConsumeBalanceRequest{MemberID: alice.ID, Amount: d("25")})
			return err
		},
		func() error {
			_, err := f.engine.ConsumeBalance(ctx, cashier, loyalty.ConsumeBalanceRequest{MemberID: alice.ID, Amount: d("25")})
			return err
		},
		func() error {
			_, err := f.engine.PurchaseBalanceStoreItem(ctx, alice, loyalty.PurchaseRequest{MemberID: alice.ID, ItemID: "bs-coffee"})
			return err
		},
		func() error {
			_, err := f.engine.PurchaseBalanceStoreItem(ctx, alice, loyalty.PurchaseRequest{MemberID: alice.ID, ItemID: "bs-coffee"})
			return err
		},
		func() error {
			_, err := f.engine.RedeemPoints(ctx, alice, loyalty.RedeemPointsRequest{MemberID: alice.ID, ItemID: "ps-coffee"})
			return err
		},
		func() error {
			_, err := f.engine.RedeemPoints(ctx, alice, loyalty.RedeemPointsRequest{MemberID: alice.ID, ItemID: "ps-coffee"})
			return err
		},
	}
	var failures int
	for _, op := range ops {
		if err := op(); err != nil {
			require.ErrorIs(t, err, loyalty.ErrInsufficientFunds)
			failures++
		}
		m := f.member(t, alice.ID)
		require.False(t, m.Balance.IsNegative(), "balance %s", m.Balance)
		require.GreaterOrEqual(t, m.LoyaltyPoints, int64(0))
	}

	// THEN: Every overdraw was refused
	// 30 -25 = 5, second 25 refused, 5 coffee -> 0, second coffee refused;
	// 200+25+5 points, one 150 redemption fits, the second does not.
	assert.Equal(t, 3, failures)
	m := f.member(t, alice.ID)
	assert.True(t, m.Balance.IsZero())
	assert.Equal(t, int64(80), m.LoyaltyPoints)
}
