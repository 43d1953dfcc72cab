/*
Package loyalty provides the account ledger and redemption engine for the
membership program.

PURPOSE:
  This package owns every mutation of a member's points, prepaid balance,
  level and voucher inventory. Each business operation (recharge, balance
  spend, cash tracking, points redemption, store purchase, voucher
  redemption) runs as one atomic unit against a transactional Store and
  leaves an append-only audit trail behind it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Member: the account being mutated (points, balance, level)
  - Level: ordered tier with a point threshold and earning multiplier
  - VoucherType / Voucher: template and issued instance
  - Transaction: member-facing ledger row (append-only)
  - FinancialEntry: company-facing ledger row (append-only)
  - Catalog items: recharge tiers, points store, balance store

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, points are int64
  2. Immutability: ledger rows are never updated or deleted
  3. Explicit effects: level recalculation is a call, never a save hook
  4. Explicit actors: the acting staff/member is a parameter, not ambient

SEE ALSO:
  - engine.go: the six public operations
  - level.go: level progression rules
  - voucher.go: voucher issuance and redemption
  - ledger.go: audit recorder
  - store.go: persistence interfaces
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type LevelID string
type VoucherTypeID string
type VoucherID string
type TransactionID string
type FinancialEntryID string
type RechargeTierID string
type StoreItemID string

// =============================================================================
// ROLES
// =============================================================================

type Role string

const (
	RoleMember         Role = "MEMBER"
	RoleCashier        Role = "CASHIER"
	RoleStoreManager   Role = "STORE_MANAGER"
	RoleAccountManager Role = "ACCOUNT_MANAGER"
	RoleSuperuser      Role = "SUPERUSER"
)

// IsStaff reports whether the role belongs to back-office staff.
// Staff accounts never carry a level.
func (r Role) IsStaff() bool {
	switch r {
	case RoleCashier, RoleStoreManager, RoleAccountManager, RoleSuperuser:
		return true
	}
	return false
}

func (r Role) Valid() bool {
	return r == RoleMember || r.IsStaff()
}

// Actor is the identity performing an operation. It is passed explicitly to
// every engine call.
type Actor struct {
	ID   MemberID
	Role Role
}

// SystemActor is used by scheduled maintenance.
var SystemActor = Actor{ID: "", Role: RoleSuperuser}

func (a Actor) IsStaff() bool { return a.Role.IsStaff() }

// staffRef returns the actor ID when the actor is staff, for Transaction.StaffID.
func (a Actor) staffRef() MemberID {
	if a.IsStaff() {
		return a.ID
	}
	return ""
}

// =============================================================================
// MEMBER
// =============================================================================

type Member struct {
	ID       MemberID
	Email    string
	Phone    string
	Nickname string
	Role     Role

	LevelID         LevelID // empty = no level
	LevelExpiryDate *time.Time

	LoyaltyPoints  int64 // spendable
	LifetimePoints int64 // threshold counter, partially consumed on upgrade

	Balance           decimal.Decimal
	BalanceExpiryDate *time.Time

	IsActive  bool
	CreatedAt time.Time
}

// HasLevel reports whether a level is assigned.
func (m *Member) HasLevel() bool { return m.LevelID != "" }

// Clone returns a copy that shares no pointers with m.
func (m *Member) Clone() *Member {
	c := *m
	c.LevelExpiryDate = cloneTime(m.LevelExpiryDate)
	c.BalanceExpiryDate = cloneTime(m.BalanceExpiryDate)
	return &c
}

// =============================================================================
// LEVEL
// =============================================================================

type Level struct {
	ID              LevelID
	Name            string
	MinPoints       int64
	PointMultiplier decimal.Decimal

	ThemeName    string
	UnlockSocial bool
	UnlockAvatar bool
	UnlockGames  bool
}

// =============================================================================
// VOUCHERS
// =============================================================================

// DefaultVoucherExpiryDays applies when a VoucherType has ExpiryDays <= 0.
const DefaultVoucherExpiryDays = 365

type VoucherType struct {
	ID          VoucherTypeID
	Name        string
	Value       decimal.Decimal // 0 for product vouchers
	Threshold   decimal.Decimal
	ExpiryDays  int
	CostOfGoods *decimal.Decimal // nil/0 for discount-only vouchers
	StockCount  *int64           // nil = unlimited
}

// IsProduct reports whether vouchers of this type stand for merchandise
// rather than a cash discount.
func (vt *VoucherType) IsProduct() bool { return vt.Value.IsZero() }

// Cost returns the cost of goods, zero when unset.
func (vt *VoucherType) Cost() decimal.Decimal {
	if vt.CostOfGoods == nil {
		return decimal.Zero
	}
	return *vt.CostOfGoods
}

// Clone returns a copy that shares no pointers with vt.
func (vt *VoucherType) Clone() *VoucherType {
	c := *vt
	if vt.CostOfGoods != nil {
		cost := *vt.CostOfGoods
		c.CostOfGoods = &cost
	}
	if vt.StockCount != nil {
		stock := *vt.StockCount
		c.StockCount = &stock
	}
	return &c
}

type VoucherStatus string

const (
	VoucherUnused  VoucherStatus = "unused"
	VoucherUsed    VoucherStatus = "used"
	VoucherExpired VoucherStatus = "expired"
)

type Voucher struct {
	ID            VoucherID
	MemberID      MemberID
	VoucherTypeID VoucherTypeID
	Status        VoucherStatus
	IssueDate     time.Time
	ExpiryDate    time.Time // computed once at issue
	UsedDate      *time.Time
}

func (v *Voucher) Clone() *Voucher {
	c := *v
	c.UsedDate = cloneTime(v.UsedDate)
	return &c
}

// =============================================================================
// LEDGERS
// =============================================================================

type TransactionType string

const (
	TxRecharge       TransactionType = "RECHARGE"
	TxConsumeBalance TransactionType = "CONSUME_BALANCE"
	TxConsumeCash    TransactionType = "CONSUME_CASH"
	TxConsumeVoucher TransactionType = "CONSUME_VOUCHER"
	TxRedeemMerch    TransactionType = "REDEEM_MERCH"
	TxRewardIssue    TransactionType = "REWARD_ISSUE"
	TxSystemAdjust   TransactionType = "SYSTEM_ADJUST"
)

// Transaction is the member-facing ledger row. Immutable once created.
type Transaction struct {
	ID              TransactionID
	MemberID        MemberID
	Type            TransactionType
	Amount          decimal.Decimal // signed
	DiscountApplied decimal.Decimal
	PointsEarned    int64 // signed

	StaffID   MemberID
	VoucherID VoucherID
	ProductID StoreItemID

	IdempotencyKey string
	Timestamp      time.Time
}

type FinancialEntryType string

const (
	FinRevenueBalance FinancialEntryType = "REVENUE_BALANCE"
	FinRevenueStore   FinancialEntryType = "REVENUE_STORE"
	FinCostOfGoods    FinancialEntryType = "COST_OF_GOODS"
	FinAdjustment     FinancialEntryType = "ADJUSTMENT"
)

// FinancialEntry is the company-facing ledger row. Immutable once created.
type FinancialEntry struct {
	ID            FinancialEntryID
	Type          FinancialEntryType
	Amount        decimal.Decimal // signed
	Description   string
	MemberID      MemberID
	TransactionID TransactionID
	Timestamp     time.Time
}

// =============================================================================
// CATALOG
// =============================================================================

type RechargeTier struct {
	ID                 RechargeTierID
	Amount             decimal.Decimal
	GrantVoucherTypeID VoucherTypeID // empty = no bonus
	GrantVoucherCount  int
}

type PointsStoreItem struct {
	ID                  StoreItemID
	Name                string
	Description         string
	ImageURL            string
	PointsCost          int64
	LinkedVoucherTypeID VoucherTypeID
	IsActive            bool
}

type BalanceStoreItem struct {
	ID                  StoreItemID
	Name                string
	Description         string
	ImageURL            string
	BalancePrice        decimal.Decimal
	LinkedVoucherTypeID VoucherTypeID
	IsActive            bool
}

// RechargePromotion grants LevelName directly when a recharge of at least
// MinAmount is made.
type RechargePromotion struct {
	MinAmount decimal.Decimal
	LevelName string
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
