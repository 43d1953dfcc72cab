/*
Package rewards provides the standard membership program.

PURPOSE:
  A ready-to-use catalog for a new deployment: the four-tier level table,
  a set of product and discount voucher types, recharge tiers with bonus
  vouchers, a points store, a balance store and the recharge promotions.
  It is expressed as a factory.Document, so it goes through exactly the
  same validation and seeding path as a catalog file.

LEVELS:
  Bronze      0 points  x1.0
  Silver    500 points  x1.2  social gallery
  Gold     1000 points  x1.5  + avatars
  Platinum 3000 points  x2.0  + game center

RECHARGE PROMOTIONS:
  $300 -> Silver, $500 -> Gold, $1000 -> Platinum (upgrade only)

USAGE:
  cat, err := rewards.StandardCatalog()
  if err != nil { ... }
  factory.Seed(ctx, store, cat)

  // or write it out as a starting point for a custom catalog
  os.WriteFile("catalog.yaml", []byte(rewards.StandardProgramYAML()), 0o644)

SEE ALSO:
  - factory/catalog.go: document schema and validation
*/
package rewards

import (
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/loyalty-engine/factory"
)

// =============================================================================
// LEVELS
// =============================================================================

// Level IDs of the standard program.
const (
	LevelBronze   = "bronze"
	LevelSilver   = "silver"
	LevelGold     = "gold"
	LevelPlatinum = "platinum"
)

// StandardLevels returns the four-tier level table.
func StandardLevels() []factory.LevelDoc {
	return []factory.LevelDoc{
		{ID: LevelBronze, Name: "Bronze", MinPoints: 0, PointMultiplier: "1.0", ThemeName: "classic"},
		{ID: LevelSilver, Name: "Silver", MinPoints: 500, PointMultiplier: "1.2", ThemeName: "silver",
			UnlockSocial: true},
		{ID: LevelGold, Name: "Gold", MinPoints: 1000, PointMultiplier: "1.5", ThemeName: "gold",
			UnlockSocial: true, UnlockAvatar: true},
		{ID: LevelPlatinum, Name: "Platinum", MinPoints: 3000, PointMultiplier: "2.0", ThemeName: "platinum",
			UnlockSocial: true, UnlockAvatar: true, UnlockGames: true},
	}
}

// StandardPromotions returns the recharge upgrades: $300 Silver, $500 Gold,
// $1000 Platinum.
func StandardPromotions() []factory.PromotionDoc {
	return []factory.PromotionDoc{
		{MinAmount: "300", Level: "Silver"},
		{MinAmount: "500", Level: "Gold"},
		{MinAmount: "1000", Level: "Platinum"},
	}
}

// =============================================================================
// VOUCHERS & STORES
// =============================================================================

// Voucher type IDs of the standard program.
const (
	VoucherCoffee   = "vt-coffee"
	VoucherDessert  = "vt-dessert"
	VoucherMug      = "vt-mug"
	VoucherTote     = "vt-tote"
	VoucherTenOff   = "vt-10-off"
	VoucherFiftyOff = "vt-50-off"
)

// DiscountVoucher returns a cash-off voucher type: value off a bill of at
// least threshold.
func DiscountVoucher(id, name string, value, threshold decimal.Decimal, expiryDays int) factory.VoucherTypeDoc {
	return factory.VoucherTypeDoc{
		ID:         id,
		Name:       name,
		Value:      factory.AmountOf(value),
		Threshold:  factory.AmountOf(threshold),
		ExpiryDays: expiryDays,
	}
}

// ProductVoucher returns a merchandise voucher type. stock < 0 means
// unlimited.
func ProductVoucher(id, name string, cost decimal.Decimal, stock int64, expiryDays int) factory.VoucherTypeDoc {
	vt := factory.VoucherTypeDoc{
		ID:          id,
		Name:        name,
		Value:       "0",
		ExpiryDays:  expiryDays,
		CostOfGoods: factory.AmountOf(cost),
	}
	if stock >= 0 {
		vt.StockCount = &stock
	}
	return vt
}

// StandardVoucherTypes returns the product and discount voucher types used by
// the standard stores and recharge tiers.
func StandardVoucherTypes() []factory.VoucherTypeDoc {
	return []factory.VoucherTypeDoc{
		ProductVoucher(VoucherCoffee, "Free Coffee", decimal.RequireFromString("1.20"), -1, 30),
		ProductVoucher(VoucherDessert, "Free Dessert", decimal.RequireFromString("2.50"), -1, 30),
		ProductVoucher(VoucherMug, "Branded Mug", decimal.RequireFromString("6.00"), 200, 0),
		ProductVoucher(VoucherTote, "Canvas Tote", decimal.RequireFromString("4.50"), 100, 0),
		DiscountVoucher(VoucherTenOff, "$10 Off", decimal.NewFromInt(10), decimal.NewFromInt(50), 90),
		DiscountVoucher(VoucherFiftyOff, "$50 Off", decimal.NewFromInt(50), decimal.NewFromInt(100), 0),
	}
}

// StandardRechargeTiers returns the recharge ladder. Larger tiers carry
// bonus discount vouchers.
func StandardRechargeTiers() []factory.RechargeTierDoc {
	return []factory.RechargeTierDoc{
		{ID: "tier-100", Amount: "100"},
		{ID: "tier-300", Amount: "300", GrantVoucherTypeID: VoucherTenOff, GrantVoucherCount: 1},
		{ID: "tier-500", Amount: "500", GrantVoucherTypeID: VoucherFiftyOff, GrantVoucherCount: 1},
		{ID: "tier-1000", Amount: "1000", GrantVoucherTypeID: VoucherFiftyOff, GrantVoucherCount: 3},
	}
}

func StandardPointsStore() []factory.PointsItemDoc {
	return []factory.PointsItemDoc{
		{ID: "ps-coffee", Name: "Free Coffee", PointsCost: 150, LinkedVoucherTypeID: VoucherCoffee,
			Description: "Any regular coffee"},
		{ID: "ps-dessert", Name: "Free Dessert", PointsCost: 300, LinkedVoucherTypeID: VoucherDessert,
			Description: "Dessert of the day"},
		{ID: "ps-10-off", Name: "$10 Off Voucher", PointsCost: 800, LinkedVoucherTypeID: VoucherTenOff,
			Description: "$10 off a bill of $50 or more"},
		{ID: "ps-mug", Name: "Branded Mug", PointsCost: 1200, LinkedVoucherTypeID: VoucherMug},
	}
}

func StandardBalanceStore() []factory.BalanceItemDoc {
	return []factory.BalanceItemDoc{
		{ID: "bs-tote", Name: "Canvas Tote", BalancePrice: "15", LinkedVoucherTypeID: VoucherTote},
		{ID: "bs-mug", Name: "Branded Mug", BalancePrice: "22.50", LinkedVoucherTypeID: VoucherMug},
	}
}

// =============================================================================
// PROGRAM
// =============================================================================

// StandardProgram returns the complete standard program as a document.
func StandardProgram() factory.Document {
	return factory.Document{
		Levels:        StandardLevels(),
		VoucherTypes:  StandardVoucherTypes(),
		RechargeTiers: StandardRechargeTiers(),
		PointsStore:   StandardPointsStore(),
		BalanceStore:  StandardBalanceStore(),
		Promotions:    StandardPromotions(),
	}
}

// StandardCatalog returns the standard program validated and converted to
// domain types.
func StandardCatalog() (*factory.Catalog, error) {
	return factory.FromDocument(StandardProgram())
}

// StandardProgramYAML renders the standard program as a catalog file.
func StandardProgramYAML() string {
	b, _ := yaml.Marshal(StandardProgram())
	return string(b)
}
