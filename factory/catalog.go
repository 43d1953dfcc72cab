/*
Package factory converts catalog documents into loyalty reference data.

PURPOSE:
  The level table, voucher types, recharge tiers, both stores and the
  recharge promotions are reference data. They are described in a YAML or
  JSON document, validated here, and seeded into a loyalty.CatalogStore at
  startup. Program changes then need no code change.

DOCUMENT SCHEMA (YAML):
  levels:
    - {id: bronze, name: Bronze, min_points: 0, point_multiplier: 1.0}
    - {id: silver, name: Silver, min_points: 500, point_multiplier: 1.2}
  voucher_types:
    - {id: vt-coffee, name: Free Coffee, value: 0, expiry_days: 30,
       cost_of_goods: 1.50, stock_count: 100}
    - {id: vt-50off, name: $50 Off, value: 50, threshold: 100}
  recharge_tiers:
    - {id: tier-500, amount: 500, grant_voucher_type_id: vt-50off, grant_voucher_count: 2}
  points_store:
    - {id: ps-coffee, name: Coffee, points_cost: 200, linked_voucher_type_id: vt-coffee}
  balance_store:
    - {id: bs-mug, name: Mug, balance_price: 25, linked_voucher_type_id: vt-mug}
  promotions:
    - {min_amount: 1000, level: Platinum}
  members:
    - {id: staff-1, nickname: Front Desk, role: CASHIER}

AMOUNTS:
  Money may be written as a number or a string ("12.50"). Either way it is
  parsed with shopspring/decimal and never passes through a float.

VALIDATION:
  - IDs unique per section
  - Level thresholds unique, lowest tier at 0, multiplier > 0 with one decimal
  - Amounts positive (threshold, value, cost: non-negative), two decimals
  - Linked and granted voucher types must exist
  - Promotion levels must exist

USAGE:
  cat, err := factory.LoadFile("catalog.yaml")
  if err != nil { ... }
  if err := factory.Seed(ctx, store, cat); err != nil { ... }
  engine := loyalty.NewEngine(store, loyalty.WithPromotions(cat.Promotions))

SEE ALSO:
  - rewards/: the standard program as a document
  - loyalty/store.go: CatalogStore
*/
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// Amount is a decimal written either as a number or a string.
type Amount string

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*a = ""
		return nil
	}
	*a = Amount(strings.Trim(s, `"`))
	return nil
}

func (a *Amount) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: amount must be a scalar", n.Line)
	}
	if n.Tag == "!!null" {
		*a = ""
		return nil
	}
	*a = Amount(n.Value)
	return nil
}

// AmountOf formats d for a document.
func AmountOf(d decimal.Decimal) Amount { return Amount(d.String()) }

// Document is the on-disk catalog.
type Document struct {
	Levels        []LevelDoc        `json:"levels" yaml:"levels"`
	VoucherTypes  []VoucherTypeDoc  `json:"voucher_types" yaml:"voucher_types"`
	RechargeTiers []RechargeTierDoc `json:"recharge_tiers,omitempty" yaml:"recharge_tiers,omitempty"`
	PointsStore   []PointsItemDoc   `json:"points_store,omitempty" yaml:"points_store,omitempty"`
	BalanceStore  []BalanceItemDoc  `json:"balance_store,omitempty" yaml:"balance_store,omitempty"`
	Promotions    []PromotionDoc    `json:"promotions,omitempty" yaml:"promotions,omitempty"`
	Members       []MemberDoc       `json:"members,omitempty" yaml:"members,omitempty"`
}

type LevelDoc struct {
	ID              string `json:"id" yaml:"id"`
	Name            string `json:"name" yaml:"name"`
	MinPoints       int64  `json:"min_points" yaml:"min_points"`
	PointMultiplier Amount `json:"point_multiplier" yaml:"point_multiplier"`
	ThemeName       string `json:"theme_name,omitempty" yaml:"theme_name,omitempty"`
	UnlockSocial    bool   `json:"unlock_social,omitempty" yaml:"unlock_social,omitempty"`
	UnlockAvatar    bool   `json:"unlock_avatar,omitempty" yaml:"unlock_avatar,omitempty"`
	UnlockGames     bool   `json:"unlock_games,omitempty" yaml:"unlock_games,omitempty"`
}

type VoucherTypeDoc struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Value       Amount `json:"value,omitempty" yaml:"value,omitempty"`
	Threshold   Amount `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	ExpiryDays  int    `json:"expiry_days,omitempty" yaml:"expiry_days,omitempty"`
	CostOfGoods Amount `json:"cost_of_goods,omitempty" yaml:"cost_of_goods,omitempty"`
	StockCount  *int64 `json:"stock_count,omitempty" yaml:"stock_count,omitempty"`
}

type RechargeTierDoc struct {
	ID                 string `json:"id" yaml:"id"`
	Amount             Amount `json:"amount" yaml:"amount"`
	GrantVoucherTypeID string `json:"grant_voucher_type_id,omitempty" yaml:"grant_voucher_type_id,omitempty"`
	GrantVoucherCount  int    `json:"grant_voucher_count,omitempty" yaml:"grant_voucher_count,omitempty"`
}

type PointsItemDoc struct {
	ID                  string `json:"id" yaml:"id"`
	Name                string `json:"name" yaml:"name"`
	Description         string `json:"description,omitempty" yaml:"description,omitempty"`
	ImageURL            string `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	PointsCost          int64  `json:"points_cost" yaml:"points_cost"`
	LinkedVoucherTypeID string `json:"linked_voucher_type_id" yaml:"linked_voucher_type_id"`
	Inactive            bool   `json:"inactive,omitempty" yaml:"inactive,omitempty"`
}

type BalanceItemDoc struct {
	ID                  string `json:"id" yaml:"id"`
	Name                string `json:"name" yaml:"name"`
	Description         string `json:"description,omitempty" yaml:"description,omitempty"`
	ImageURL            string `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	BalancePrice        Amount `json:"balance_price" yaml:"balance_price"`
	LinkedVoucherTypeID string `json:"linked_voucher_type_id" yaml:"linked_voucher_type_id"`
	Inactive            bool   `json:"inactive,omitempty" yaml:"inactive,omitempty"`
}

type PromotionDoc struct {
	MinAmount Amount `json:"min_amount" yaml:"min_amount"`
	Level     string `json:"level" yaml:"level"`
}

type MemberDoc struct {
	ID       string `json:"id" yaml:"id"`
	Email    string `json:"email,omitempty" yaml:"email,omitempty"`
	Phone    string `json:"phone,omitempty" yaml:"phone,omitempty"`
	Nickname string `json:"nickname,omitempty" yaml:"nickname,omitempty"`
	Role     string `json:"role,omitempty" yaml:"role,omitempty"`
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is a validated document in domain types.
type Catalog struct {
	Levels        []loyalty.Level
	VoucherTypes  []loyalty.VoucherType
	RechargeTiers []loyalty.RechargeTier
	PointsStore   []loyalty.PointsStoreItem
	BalanceStore  []loyalty.BalanceStoreItem
	Promotions    []loyalty.RechargePromotion
	Members       []loyalty.Member
}

// ParseYAML parses and validates a YAML document.
func ParseYAML(data []byte) (*Catalog, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	return FromDocument(doc)
}

// ParseJSON parses and validates a JSON document.
func ParseJSON(data []byte) (*Catalog, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return FromDocument(doc)
}

// LoadFile reads a catalog file; ".json" files are parsed as JSON, anything
// else as YAML.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}

// FromDocument converts doc to domain types and validates it.
func FromDocument(doc Document) (*Catalog, error) {
	c := &Catalog{}
	var errs []error
	fail := func(section string, i int, field, msg string) {
		errs = append(errs, &loyalty.ValidationError{
			Field:   fmt.Sprintf("%s[%d].%s", section, i, field),
			Message: msg,
		})
	}

	for i, ld := range doc.Levels {
		mult := decimal.NewFromInt(1)
		if ld.PointMultiplier != "" {
			d, err := decimal.NewFromString(string(ld.PointMultiplier))
			if err != nil {
				fail("levels", i, "point_multiplier", err.Error())
				continue
			}
			mult = d
		}
		c.Levels = append(c.Levels, loyalty.Level{
			ID:              loyalty.LevelID(ld.ID),
			Name:            ld.Name,
			MinPoints:       ld.MinPoints,
			PointMultiplier: mult,
			ThemeName:       ld.ThemeName,
			UnlockSocial:    ld.UnlockSocial,
			UnlockAvatar:    ld.UnlockAvatar,
			UnlockGames:     ld.UnlockGames,
		})
	}

	for i, vd := range doc.VoucherTypes {
		value, err1 := parseAmount(vd.Value, true)
		threshold, err2 := parseAmount(vd.Threshold, true)
		if err := errors.Join(err1, err2); err != nil {
			fail("voucher_types", i, "value", err.Error())
			continue
		}
		vt := loyalty.VoucherType{
			ID:         loyalty.VoucherTypeID(vd.ID),
			Name:       vd.Name,
			Value:      value,
			Threshold:  threshold,
			ExpiryDays: vd.ExpiryDays,
		}
		if vd.CostOfGoods != "" {
			cost, err := parseAmount(vd.CostOfGoods, true)
			if err != nil {
				fail("voucher_types", i, "cost_of_goods", err.Error())
				continue
			}
			vt.CostOfGoods = &cost
		}
		if vd.StockCount != nil {
			stock := *vd.StockCount
			vt.StockCount = &stock
		}
		c.VoucherTypes = append(c.VoucherTypes, vt)
	}

	for i, td := range doc.RechargeTiers {
		amount, err := parseAmount(td.Amount, false)
		if err != nil {
			fail("recharge_tiers", i, "amount", err.Error())
			continue
		}
		c.RechargeTiers = append(c.RechargeTiers, loyalty.RechargeTier{
			ID:                 loyalty.RechargeTierID(td.ID),
			Amount:             amount,
			GrantVoucherTypeID: loyalty.VoucherTypeID(td.GrantVoucherTypeID),
			GrantVoucherCount:  td.GrantVoucherCount,
		})
	}

	for _, pd := range doc.PointsStore {
		c.PointsStore = append(c.PointsStore, loyalty.PointsStoreItem{
			ID:                  loyalty.StoreItemID(pd.ID),
			Name:                pd.Name,
			Description:         pd.Description,
			ImageURL:            pd.ImageURL,
			PointsCost:          pd.PointsCost,
			LinkedVoucherTypeID: loyalty.VoucherTypeID(pd.LinkedVoucherTypeID),
			IsActive:            !pd.Inactive,
		})
	}

	for i, bd := range doc.BalanceStore {
		price, err := parseAmount(bd.BalancePrice, false)
		if err != nil {
			fail("balance_store", i, "balance_price", err.Error())
			continue
		}
		c.BalanceStore = append(c.BalanceStore, loyalty.BalanceStoreItem{
			ID:                  loyalty.StoreItemID(bd.ID),
			Name:                bd.Name,
			Description:         bd.Description,
			ImageURL:            bd.ImageURL,
			BalancePrice:        price,
			LinkedVoucherTypeID: loyalty.VoucherTypeID(bd.LinkedVoucherTypeID),
			IsActive:            !bd.Inactive,
		})
	}

	for i, pd := range doc.Promotions {
		minAmount, err := parseAmount(pd.MinAmount, false)
		if err != nil {
			fail("promotions", i, "min_amount", err.Error())
			continue
		}
		c.Promotions = append(c.Promotions, loyalty.RechargePromotion{MinAmount: minAmount, LevelName: pd.Level})
	}

	for _, md := range doc.Members {
		role := loyalty.Role(strings.ToUpper(md.Role))
		if role == "" {
			role = loyalty.RoleMember
		}
		c.Members = append(c.Members, loyalty.Member{
			ID:       loyalty.MemberID(md.ID),
			Email:    md.Email,
			Phone:    md.Phone,
			Nickname: md.Nickname,
			Role:     role,
			IsActive: true,
		})
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// parseAmount parses a money amount with at most two decimals. Empty means
// zero when zeroOK, otherwise it is rejected along with non-positive values.
func parseAmount(a Amount, zeroOK bool) (decimal.Decimal, error) {
	if a == "" {
		if zeroOK {
			return decimal.Zero, nil
		}
		return decimal.Zero, errors.New("required")
	}
	d, err := decimal.NewFromString(string(a))
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a decimal: %q", string(a))
	}
	if d.IsNegative() || (!zeroOK && d.IsZero()) {
		return decimal.Zero, errors.New("must be positive")
	}
	if !d.Equal(d.Round(2)) {
		return decimal.Zero, errors.New("at most two decimal places")
	}
	return d, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks cross-references and level ordering.
func (c *Catalog) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, &loyalty.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	levelNames := map[string]bool{}
	levelIDs := map[loyalty.LevelID]bool{}
	thresholds := map[int64]string{}
	lowest := int64(-1)
	for _, l := range c.Levels {
		if l.ID == "" || l.Name == "" {
			bad("levels", "id and name are required")
			continue
		}
		if levelIDs[l.ID] {
			bad("levels", "duplicate id %s", l.ID)
		}
		if levelNames[l.Name] {
			bad("levels", "duplicate name %s", l.Name)
		}
		if other, ok := thresholds[l.MinPoints]; ok {
			bad("levels", "%s and %s share min_points %d", other, l.Name, l.MinPoints)
		}
		if !l.PointMultiplier.IsPositive() {
			bad("levels", "%s multiplier must be positive", l.Name)
		}
		if !l.PointMultiplier.Equal(l.PointMultiplier.Round(1)) {
			bad("levels", "%s multiplier allows one decimal place", l.Name)
		}
		if lowest < 0 || l.MinPoints < lowest {
			lowest = l.MinPoints
		}
		levelIDs[l.ID] = true
		levelNames[l.Name] = true
		thresholds[l.MinPoints] = l.Name
	}
	if lowest > 0 {
		bad("levels", "lowest tier must start at 0 points, got %d", lowest)
	}

	types := map[loyalty.VoucherTypeID]bool{}
	for _, vt := range c.VoucherTypes {
		if vt.ID == "" || vt.Name == "" {
			bad("voucher_types", "id and name are required")
			continue
		}
		if types[vt.ID] {
			bad("voucher_types", "duplicate id %s", vt.ID)
		}
		if vt.StockCount != nil && *vt.StockCount < 0 {
			bad("voucher_types", "%s stock_count must not be negative", vt.ID)
		}
		types[vt.ID] = true
	}

	amounts := map[string]loyalty.RechargeTierID{}
	tierIDs := map[loyalty.RechargeTierID]bool{}
	for _, t := range c.RechargeTiers {
		if t.ID == "" {
			bad("recharge_tiers", "id is required")
			continue
		}
		if tierIDs[t.ID] {
			bad("recharge_tiers", "duplicate id %s", t.ID)
		}
		key := t.Amount.StringFixed(2)
		if other, ok := amounts[key]; ok {
			bad("recharge_tiers", "%s and %s share amount %s", other, t.ID, key)
		}
		if t.GrantVoucherTypeID != "" && !types[t.GrantVoucherTypeID] {
			bad("recharge_tiers", "%s grants unknown voucher type %s", t.ID, t.GrantVoucherTypeID)
		}
		if t.GrantVoucherCount < 0 {
			bad("recharge_tiers", "%s grant_voucher_count must not be negative", t.ID)
		}
		tierIDs[t.ID] = true
		amounts[key] = t.ID
	}

	items := map[loyalty.StoreItemID]bool{}
	for _, it := range c.PointsStore {
		if it.ID == "" || items[it.ID] {
			bad("points_store", "missing or duplicate id %q", it.ID)
		}
		if it.PointsCost <= 0 {
			bad("points_store", "%s points_cost must be positive", it.ID)
		}
		if !types[it.LinkedVoucherTypeID] {
			bad("points_store", "%s links unknown voucher type %q", it.ID, it.LinkedVoucherTypeID)
		}
		items[it.ID] = true
	}

	items = map[loyalty.StoreItemID]bool{}
	for _, it := range c.BalanceStore {
		if it.ID == "" || items[it.ID] {
			bad("balance_store", "missing or duplicate id %q", it.ID)
		}
		if !types[it.LinkedVoucherTypeID] {
			bad("balance_store", "%s links unknown voucher type %q", it.ID, it.LinkedVoucherTypeID)
		}
		items[it.ID] = true
	}

	for _, p := range c.Promotions {
		if !levelNames[p.LevelName] {
			bad("promotions", "unknown level %q", p.LevelName)
		}
	}

	for _, m := range c.Members {
		if m.ID == "" {
			bad("members", "id is required")
		}
		if !m.Role.Valid() {
			bad("members", "%s has unknown role %q", m.ID, m.Role)
		}
	}

	return errors.Join(errs...)
}

// =============================================================================
// SEEDING
// =============================================================================

// Seed writes the catalog into store. Reference data is upserted, so seeding
// the same catalog twice is harmless; members that already exist are skipped.
// Stock is only set when a voucher type is first created.
func Seed(ctx context.Context, store loyalty.CatalogStore, c *Catalog) error {
	for i := range c.Levels {
		if err := store.SaveLevel(ctx, &c.Levels[i]); err != nil {
			return fmt.Errorf("seed level %s: %w", c.Levels[i].ID, err)
		}
	}
	for i := range c.VoucherTypes {
		if err := store.SaveVoucherType(ctx, &c.VoucherTypes[i]); err != nil {
			return fmt.Errorf("seed voucher type %s: %w", c.VoucherTypes[i].ID, err)
		}
	}
	for i := range c.RechargeTiers {
		if err := store.SaveRechargeTier(ctx, &c.RechargeTiers[i]); err != nil {
			return fmt.Errorf("seed recharge tier %s: %w", c.RechargeTiers[i].ID, err)
		}
	}
	for i := range c.PointsStore {
		if err := store.SavePointsStoreItem(ctx, &c.PointsStore[i]); err != nil {
			return fmt.Errorf("seed points store item %s: %w", c.PointsStore[i].ID, err)
		}
	}
	for i := range c.BalanceStore {
		if err := store.SaveBalanceStoreItem(ctx, &c.BalanceStore[i]); err != nil {
			return fmt.Errorf("seed balance store item %s: %w", c.BalanceStore[i].ID, err)
		}
	}

	created := 0
	for i := range c.Members {
		m := c.Members[i]
		err := store.CreateMember(ctx, &m)
		if errors.Is(err, loyalty.ErrValidation) {
			log.WithField("member_id", m.ID).Debug("catalog member already exists")
			continue
		}
		if err != nil {
			return fmt.Errorf("seed member %s: %w", m.ID, err)
		}
		created++
	}

	log.WithFields(log.Fields{
		"levels":         len(c.Levels),
		"voucher_types":  len(c.VoucherTypes),
		"recharge_tiers": len(c.RechargeTiers),
		"points_store":   len(c.PointsStore),
		"balance_store":  len(c.BalanceStore),
		"members":        created,
	}).Info("catalog seeded")
	return nil
}
