package loyalty

import (
	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// PointsFor returns floor(spend * multiplier) where multiplier comes from the
// member's level, 1.0 when the member has none. Non-positive spend earns 0.
//
// The product is exact decimal, not float64. Where a float product lands just
// under a whole number (e.g. 28.999999999999996) a float rendition floors one
// point lower than this does.
func PointsFor(m *Member, levels []Level, spend decimal.Decimal) int64 {
	if !spend.IsPositive() {
		return 0
	}
	multiplier := one
	if lvl := findLevel(levels, m.LevelID); lvl != nil && lvl.PointMultiplier.IsPositive() {
		multiplier = lvl.PointMultiplier
	}
	return spend.Mul(multiplier).Floor().IntPart()
}

// validateAmount accepts strictly positive amounts with at most two decimal
// places.
func validateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: field, Message: "must be positive"}
	}
	if !amount.Mul(hundred).Equal(amount.Mul(hundred).Truncate(0)) {
		return &ValidationError{Field: field, Message: "at most two decimal places"}
	}
	return nil
}

func creditPoints(m *Member, points int64) {
	if points <= 0 {
		return
	}
	m.LoyaltyPoints += points
	m.LifetimePoints += points
}
