package rewards

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

func TestStandardCatalog_IsValid(t *testing.T) {
	cat, err := StandardCatalog()

	require.NoError(t, err)
	assert.Len(t, cat.Levels, 4)
	assert.Len(t, cat.Promotions, 3)
	assert.NotEmpty(t, cat.PointsStore)
	assert.NotEmpty(t, cat.BalanceStore)
}

func TestStandardLevels_Ladder(t *testing.T) {
	cat, err := StandardCatalog()
	require.NoError(t, err)

	want := []struct {
		name       string
		minPoints  int64
		multiplier string
	}{
		{"Bronze", 0, "1"},
		{"Silver", 500, "1.2"},
		{"Gold", 1000, "1.5"},
		{"Platinum", 3000, "2"},
	}
	for i, w := range want {
		t.Run(w.name, func(t *testing.T) {
			l := cat.Levels[i]
			assert.Equal(t, w.name, l.Name)
			assert.Equal(t, w.minPoints, l.MinPoints)
			assert.True(t, decimal.RequireFromString(w.multiplier).Equal(l.PointMultiplier))
		})
	}
	assert.True(t, cat.Levels[3].UnlockGames)
	assert.False(t, cat.Levels[0].UnlockSocial)
}

func TestStandardPromotions_MatchRechargeAmounts(t *testing.T) {
	cat, err := StandardCatalog()
	require.NoError(t, err)

	tests := []struct {
		amount string
		want   string
	}{
		{"100", ""},
		{"300", "Silver"},
		{"500", "Gold"},
		{"1000", "Platinum"},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			assert.Equal(t, tt.want, loyalty.PromotionFor(cat.Promotions, decimal.RequireFromString(tt.amount)))
		})
	}
}

func TestProductVoucher_Stock(t *testing.T) {
	unlimited := ProductVoucher("vt", "Coffee", decimal.RequireFromString("1.20"), -1, 30)
	limited := ProductVoucher("vt", "Mug", decimal.RequireFromString("6"), 0, 30)

	assert.Nil(t, unlimited.StockCount)
	require.NotNil(t, limited.StockCount)
	assert.Equal(t, int64(0), *limited.StockCount, "zero is sold out, not unlimited")
}

func TestStandardProgramYAML_RoundTrips(t *testing.T) {
	// GIVEN: The standard program rendered as a catalog file
	text := StandardProgramYAML()
	require.NotEmpty(t, text)

	// WHEN: It is parsed back
	cat, err := factory.ParseYAML([]byte(text))

	// THEN: It matches the in-memory program
	require.NoError(t, err)
	want, err := StandardCatalog()
	require.NoError(t, err)
	assert.Equal(t, len(want.VoucherTypes), len(cat.VoucherTypes))
	assert.Equal(t, len(want.RechargeTiers), len(cat.RechargeTiers))
	for i := range want.VoucherTypes {
		assert.True(t, want.VoucherTypes[i].Value.Equal(cat.VoucherTypes[i].Value), want.VoucherTypes[i].ID)
		assert.Equal(t, want.VoucherTypes[i].StockCount, cat.VoucherTypes[i].StockCount)
	}
}
