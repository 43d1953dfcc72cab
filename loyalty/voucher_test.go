package loyalty_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// POINTS
// =============================================================================

func TestPointsFor(t *testing.T) {
	levels := testLevels()

	tests := []struct {
		name  string
		level loyalty.LevelID
		spend string
		want  int64
	}{
		{"bronze earns one per dollar", "bronze", "40", 40},
		{"fractions are floored", "bronze", "19.99", 19},
		{"silver multiplier floors exactly", "silver", "33.33", 39},
		{"gold multiplier", "gold", "70", 105},
		{"platinum multiplier", "platinum", "22.50", 45},
		{"no level earns at 1.0", "", "12.75", 12},
		{"unknown level earns at 1.0", "diamond", "12.75", 12},
		{"zero spend earns nothing", "gold", "0", 0},
		{"negative spend earns nothing", "gold", "-10", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &loyalty.Member{LevelID: tt.level}
			assert.Equal(t, tt.want, loyalty.PointsFor(m, levels, d(tt.spend)))
		})
	}
}

// =============================================================================
// ISSUE & STOCK
// =============================================================================

func TestIssueVoucher_ExpiryComputedAtIssue(t *testing.T) {
	now := time.Date(2025, time.January, 31, 12, 0, 0, 0, time.UTC)

	t.Run("type expiry", func(t *testing.T) {
		vt := &loyalty.VoucherType{ID: "vt", ExpiryDays: 30}

		v := loyalty.IssueVoucher("alice", vt, now)

		assert.NotEmpty(t, v.ID)
		assert.Equal(t, loyalty.VoucherUnused, v.Status)
		assert.Equal(t, loyalty.MemberID("alice"), v.MemberID)
		assert.Equal(t, loyalty.VoucherTypeID("vt"), v.VoucherTypeID)
		assert.True(t, now.Equal(v.IssueDate))
		assert.True(t, now.AddDate(0, 0, 30).Equal(v.ExpiryDate))
		assert.Nil(t, v.UsedDate)
	})

	t.Run("default expiry", func(t *testing.T) {
		vt := &loyalty.VoucherType{ID: "vt"}

		v := loyalty.IssueVoucher("alice", vt, now)

		assert.True(t, now.AddDate(0, 0, loyalty.DefaultVoucherExpiryDays).Equal(v.ExpiryDate))
	})

	t.Run("unique ids", func(t *testing.T) {
		vt := &loyalty.VoucherType{ID: "vt"}
		assert.NotEqual(t, loyalty.IssueVoucher("a", vt, now).ID, loyalty.IssueVoucher("a", vt, now).ID)
	})
}

func TestDecrementStock(t *testing.T) {
	t.Run("unlimited is untouched", func(t *testing.T) {
		vt := &loyalty.VoucherType{}
		changed, err := loyalty.DecrementStock(vt)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Nil(t, vt.StockCount)
	})

	t.Run("limited takes one", func(t *testing.T) {
		vt := &loyalty.VoucherType{StockCount: i64(1)}
		changed, err := loyalty.DecrementStock(vt)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, int64(0), *vt.StockCount)
	})

	t.Run("empty is out of stock", func(t *testing.T) {
		vt := &loyalty.VoucherType{StockCount: i64(0)}
		changed, err := loyalty.DecrementStock(vt)
		assert.ErrorIs(t, err, loyalty.ErrOutOfStock)
		assert.False(t, changed)
		assert.Equal(t, int64(0), *vt.StockCount)
	})
}

// =============================================================================
// REDEMPTION RULES
// =============================================================================

func TestRedeemVoucher_Rules(t *testing.T) {
	now := time.Date(2025, time.June, 15, 10, 0, 0, 0, time.UTC)
	discount := &loyalty.VoucherType{ID: "vt-50-off", Value: d("50"), Threshold: d("100")}
	product := &loyalty.VoucherType{ID: "vt-coffee", Value: decimal.Zero}

	unused := func() *loyalty.Voucher {
		return &loyalty.Voucher{ID: "v1", Status: loyalty.VoucherUnused, IssueDate: now.AddDate(0, 0, -1), ExpiryDate: now.AddDate(0, 0, 29)}
	}

	t.Run("discount leaves the remainder as cash", func(t *testing.T) {
		v := unused()
		r, err := loyalty.RedeemVoucher(v, discount, dp("120"), now)
		require.NoError(t, err)
		assert.False(t, r.Product)
		assert.True(t, d("50").Equal(r.Discount))
		assert.True(t, d("70").Equal(r.CashPayment))
		assert.Equal(t, loyalty.VoucherUsed, v.Status)
		require.NotNil(t, v.UsedDate)
		assert.True(t, now.Equal(*v.UsedDate))
	})

	t.Run("cash is clamped at zero", func(t *testing.T) {
		v := unused()
		noThreshold := &loyalty.VoucherType{ID: "vt", Value: d("50")}
		r, err := loyalty.RedeemVoucher(v, noThreshold, dp("30"), now)
		require.NoError(t, err)
		assert.True(t, r.CashPayment.IsZero())
	})

	t.Run("bill at threshold is accepted", func(t *testing.T) {
		_, err := loyalty.RedeemVoucher(unused(), discount, dp("100"), now)
		assert.NoError(t, err)
	})

	t.Run("bill below threshold", func(t *testing.T) {
		v := unused()
		_, err := loyalty.RedeemVoucher(v, discount, dp("99.99"), now)
		assert.ErrorIs(t, err, loyalty.ErrBelowThreshold)
		var te *loyalty.ThresholdError
		require.ErrorAs(t, err, &te)
		assert.True(t, d("100").Equal(te.Threshold))
		assert.Equal(t, loyalty.VoucherUnused, v.Status)
	})

	t.Run("discount needs a bill", func(t *testing.T) {
		_, err := loyalty.RedeemVoucher(unused(), discount, nil, now)
		assert.ErrorIs(t, err, loyalty.ErrValidation)
	})

	t.Run("bill with more than two decimals", func(t *testing.T) {
		_, err := loyalty.RedeemVoucher(unused(), discount, dp("120.001"), now)
		assert.ErrorIs(t, err, loyalty.ErrValidation)
	})

	t.Run("product needs no bill", func(t *testing.T) {
		v := unused()
		r, err := loyalty.RedeemVoucher(v, product, nil, now)
		require.NoError(t, err)
		assert.True(t, r.Product)
		assert.True(t, r.Discount.IsZero())
		assert.Equal(t, loyalty.VoucherUsed, v.Status)
	})

	t.Run("used", func(t *testing.T) {
		v := unused()
		v.Status = loyalty.VoucherUsed
		_, err := loyalty.RedeemVoucher(v, product, nil, now)
		assert.ErrorIs(t, err, loyalty.ErrAlreadyUsed)
	})

	t.Run("past expiry moves to expired", func(t *testing.T) {
		v := unused()
		v.ExpiryDate = now.Add(-time.Minute)
		_, err := loyalty.RedeemVoucher(v, product, nil, now)
		assert.ErrorIs(t, err, loyalty.ErrExpired)
		assert.Equal(t, loyalty.VoucherExpired, v.Status)
		assert.Nil(t, v.UsedDate)
	})

	t.Run("already expired", func(t *testing.T) {
		v := unused()
		v.Status = loyalty.VoucherExpired
		_, err := loyalty.RedeemVoucher(v, discount, dp("120"), now)
		assert.ErrorIs(t, err, loyalty.ErrExpired)
	})
}
