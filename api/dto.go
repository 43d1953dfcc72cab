/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the loyalty domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal strings on the way out ("12.50") and accept either a
  JSON number or a string on the way in. They never pass through float64.

TYPES:
  Members:      MemberDTO, ProfileDTO, CreateMemberRequest
  Operations:   RechargeRequest, AmountRequest, RedeemVoucherRequest,
                StoreRequest, ReceiptDTO
  Ledger:       VoucherDTO, TransactionDTO, FinancialEntryDTO, ReportDTO
  Catalog:      LevelDTO, RechargeTierDTO, PointsItemDTO, BalanceItemDTO

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMBERS
// =============================================================================

type MemberDTO struct {
	ID                string     `json:"id"`
	Email             string     `json:"email,omitempty"`
	Phone             string     `json:"phone,omitempty"`
	Nickname          string     `json:"nickname"`
	Role              string     `json:"role"`
	LevelID           string     `json:"level_id,omitempty"`
	LevelExpiryDate   *time.Time `json:"level_expiry_date,omitempty"`
	LoyaltyPoints     int64      `json:"loyalty_points"`
	LifetimePoints    int64      `json:"lifetime_points"`
	Balance           string     `json:"balance"`
	BalanceExpiryDate *time.Time `json:"balance_expiry_date,omitempty"`
	IsActive          bool       `json:"is_active"`
	CreatedAt         time.Time  `json:"created_at"`
}

type ProfileDTO struct {
	MemberDTO
	Level *LevelDTO `json:"level,omitempty"`
}

type CreateMemberRequest struct {
	ID       string `json:"id,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Nickname string `json:"nickname"`
	Role     string `json:"role,omitempty"`
}

func toMemberDTO(m *loyalty.Member) MemberDTO {
	return MemberDTO{
		ID:                string(m.ID),
		Email:             m.Email,
		Phone:             m.Phone,
		Nickname:          m.Nickname,
		Role:              string(m.Role),
		LevelID:           string(m.LevelID),
		LevelExpiryDate:   m.LevelExpiryDate,
		LoyaltyPoints:     m.LoyaltyPoints,
		LifetimePoints:    m.LifetimePoints,
		Balance:           m.Balance.StringFixed(2),
		BalanceExpiryDate: m.BalanceExpiryDate,
		IsActive:          m.IsActive,
		CreatedAt:         m.CreatedAt,
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

type RechargeRequest struct {
	TierID         string `json:"tier_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// AmountRequest is the body of consume and track-spend.
type AmountRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type RedeemVoucherRequest struct {
	VoucherID      string           `json:"voucher_id"`
	BillAmount     *decimal.Decimal `json:"bill_amount,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// StoreRequest is the body of points redemption and balance purchase.
// MemberID defaults to the acting member.
type StoreRequest struct {
	MemberID       string `json:"member_id,omitempty"`
	ItemID         string `json:"item_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type LevelChangeDTO struct {
	Outcome        string `json:"outcome"`
	From           string `json:"from,omitempty"`
	To             string `json:"to,omitempty"`
	ToName         string `json:"to_name,omitempty"`
	LifetimeBefore int64  `json:"lifetime_before"`
	LifetimeAfter  int64  `json:"lifetime_after"`
}

type ReceiptDTO struct {
	Operation      string              `json:"operation"`
	Message        string              `json:"message"`
	Member         MemberDTO           `json:"member"`
	Amount         string              `json:"amount,omitempty"`
	Discount       string              `json:"discount,omitempty"`
	CashPayment    string              `json:"cash_payment,omitempty"`
	PointsEarned   int64               `json:"points_earned"`
	PointsSpent    int64               `json:"points_spent,omitempty"`
	Voucher        *VoucherDTO         `json:"voucher,omitempty"`
	IssuedVouchers []VoucherDTO        `json:"issued_vouchers,omitempty"`
	Level          *LevelChangeDTO     `json:"level,omitempty"`
	Transactions   []TransactionDTO    `json:"transactions"`
	Entries        []FinancialEntryDTO `json:"financial_entries,omitempty"`
}

func toReceiptDTO(r *loyalty.Receipt) ReceiptDTO {
	dto := ReceiptDTO{
		Operation:    string(r.Operation),
		Message:      r.Message,
		PointsEarned: r.PointsEarned,
		PointsSpent:  r.PointsSpent,
		Transactions: toTransactionDTOs(r.Transactions),
		Entries:      toFinancialEntryDTOs(r.FinancialEntries),
	}
	if r.Member != nil {
		dto.Member = toMemberDTO(r.Member)
	}
	if !r.Amount.IsZero() {
		dto.Amount = r.Amount.StringFixed(2)
	}
	if !r.Discount.IsZero() || !r.CashPayment.IsZero() {
		dto.Discount = r.Discount.StringFixed(2)
		dto.CashPayment = r.CashPayment.StringFixed(2)
	}
	if r.Voucher != nil {
		v := toVoucherDTO(*r.Voucher)
		dto.Voucher = &v
	}
	for _, v := range r.IssuedVouchers {
		dto.IssuedVouchers = append(dto.IssuedVouchers, toVoucherDTO(v))
	}
	if r.Level.Outcome != "" && r.Level.Outcome != loyalty.LevelUnchanged {
		dto.Level = &LevelChangeDTO{
			Outcome:        string(r.Level.Outcome),
			From:           string(r.Level.From),
			To:             string(r.Level.To),
			ToName:         r.Level.ToName,
			LifetimeBefore: r.Level.LifetimeBefore,
			LifetimeAfter:  r.Level.LifetimeAfter,
		}
	}
	return dto
}

// =============================================================================
// LEDGER
// =============================================================================

type VoucherDTO struct {
	ID            string     `json:"id"`
	MemberID      string     `json:"member_id"`
	VoucherTypeID string     `json:"voucher_type_id"`
	Status        string     `json:"status"`
	IssueDate     time.Time  `json:"issue_date"`
	ExpiryDate    time.Time  `json:"expiry_date"`
	UsedDate      *time.Time `json:"used_date,omitempty"`
}

func toVoucherDTO(v loyalty.Voucher) VoucherDTO {
	return VoucherDTO{
		ID:            string(v.ID),
		MemberID:      string(v.MemberID),
		VoucherTypeID: string(v.VoucherTypeID),
		Status:        string(v.Status),
		IssueDate:     v.IssueDate,
		ExpiryDate:    v.ExpiryDate,
		UsedDate:      v.UsedDate,
	}
}

type TransactionDTO struct {
	ID              string    `json:"id"`
	MemberID        string    `json:"member_id"`
	Type            string    `json:"type"`
	Amount          string    `json:"amount"`
	DiscountApplied string    `json:"discount_applied,omitempty"`
	PointsEarned    int64     `json:"points_earned"`
	StaffID         string    `json:"staff_id,omitempty"`
	VoucherID       string    `json:"voucher_id,omitempty"`
	ProductID       string    `json:"product_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

func toTransactionDTOs(txs []loyalty.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		out[i] = TransactionDTO{
			ID:           string(t.ID),
			MemberID:     string(t.MemberID),
			Type:         string(t.Type),
			Amount:       t.Amount.StringFixed(2),
			PointsEarned: t.PointsEarned,
			StaffID:      string(t.StaffID),
			VoucherID:    string(t.VoucherID),
			ProductID:    string(t.ProductID),
			Timestamp:    t.Timestamp,
		}
		if !t.DiscountApplied.IsZero() {
			out[i].DiscountApplied = t.DiscountApplied.StringFixed(2)
		}
	}
	return out
}

type FinancialEntryDTO struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Amount        string    `json:"amount"`
	Description   string    `json:"description"`
	MemberID      string    `json:"member_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func toFinancialEntryDTOs(entries []loyalty.FinancialEntry) []FinancialEntryDTO {
	if len(entries) == 0 {
		return nil
	}
	out := make([]FinancialEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = FinancialEntryDTO{
			ID:            string(e.ID),
			Type:          string(e.Type),
			Amount:        e.Amount.StringFixed(2),
			Description:   e.Description,
			MemberID:      string(e.MemberID),
			TransactionID: string(e.TransactionID),
			Timestamp:     e.Timestamp,
		}
	}
	return out
}

type ReportDTO struct {
	From             *time.Time          `json:"from,omitempty"`
	To               *time.Time          `json:"to,omitempty"`
	Recharges        []TransactionDTO    `json:"recharges"`
	BalanceUsage     []TransactionDTO    `json:"balance_usage"`
	VoucherUsage     []TransactionDTO    `json:"voucher_usage"`
	CashIncome       []TransactionDTO    `json:"cash_income"`
	Ledger           []FinancialEntryDTO `json:"financial_ledger"`
	TotalRecharged   string              `json:"total_recharged"`
	TotalBalanceUsed string              `json:"total_balance_used"`
	TotalDiscounts   string              `json:"total_discounts"`
	TotalCash        string              `json:"total_cash"`
	LedgerNet        string              `json:"ledger_net"`
}

func toReportDTO(r *loyalty.FinancialReport) ReportDTO {
	ledger := toFinancialEntryDTOs(r.Ledger)
	if ledger == nil {
		ledger = []FinancialEntryDTO{}
	}
	return ReportDTO{
		From:             r.From,
		To:               r.To,
		Recharges:        toTransactionDTOs(r.Recharges),
		BalanceUsage:     toTransactionDTOs(r.BalanceUsage),
		VoucherUsage:     toTransactionDTOs(r.VoucherUsage),
		CashIncome:       toTransactionDTOs(r.CashIncome),
		Ledger:           ledger,
		TotalRecharged:   r.TotalRecharged.StringFixed(2),
		TotalBalanceUsed: r.TotalBalanceUsed.StringFixed(2),
		TotalDiscounts:   r.TotalDiscounts.StringFixed(2),
		TotalCash:        r.TotalCash.StringFixed(2),
		LedgerNet:        r.LedgerNet.StringFixed(2),
	}
}

// =============================================================================
// CATALOG
// =============================================================================

type LevelDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	MinPoints       int64  `json:"min_points"`
	PointMultiplier string `json:"point_multiplier"`
	ThemeName       string `json:"theme_name,omitempty"`
	UnlockSocial    bool   `json:"unlock_social"`
	UnlockAvatar    bool   `json:"unlock_avatar"`
	UnlockGames     bool   `json:"unlock_games"`
}

func toLevelDTO(l loyalty.Level) LevelDTO {
	return LevelDTO{
		ID:              string(l.ID),
		Name:            l.Name,
		MinPoints:       l.MinPoints,
		PointMultiplier: l.PointMultiplier.StringFixed(1),
		ThemeName:       l.ThemeName,
		UnlockSocial:    l.UnlockSocial,
		UnlockAvatar:    l.UnlockAvatar,
		UnlockGames:     l.UnlockGames,
	}
}

type RechargeTierDTO struct {
	ID                 string `json:"id"`
	Amount             string `json:"amount"`
	GrantVoucherTypeID string `json:"grant_voucher_type_id,omitempty"`
	GrantVoucherCount  int    `json:"grant_voucher_count,omitempty"`
}

type PointsItemDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	PointsCost  int64  `json:"points_cost"`
}

type BalanceItemDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	BalancePrice string `json:"balance_price"`
}

// SweepDTO reports a manually triggered maintenance run.
type SweepDTO struct {
	Job     string `json:"job"`
	Scanned int    `json:"scanned"`
	Changed int    `json:"changed"`
	Failed  int    `json:"failed"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
