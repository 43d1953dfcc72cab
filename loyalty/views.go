package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// READ VIEWS - Thin queries over the Store, no locks taken
// =============================================================================

// Profile is a member with their resolved level.
type Profile struct {
	Member *Member
	Level  *Level
}

func (e *Engine) MemberProfile(ctx context.Context, id MemberID) (*Profile, error) {
	m, err := e.store.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	levels, err := e.store.ListLevels(ctx)
	if err != nil {
		return nil, err
	}
	p := &Profile{Member: m}
	if lvl := findLevel(levels, m.LevelID); lvl != nil {
		l := *lvl
		p.Level = &l
	}
	return p, nil
}

// MemberVouchers returns the member's unused vouchers, soonest expiry first.
func (e *Engine) MemberVouchers(ctx context.Context, id MemberID) ([]Voucher, error) {
	if _, err := e.store.GetMember(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListMemberVouchers(ctx, id, VoucherUnused)
}

// MemberTransactions returns the member's ledger rows, newest first.
func (e *Engine) MemberTransactions(ctx context.Context, id MemberID, limit int) ([]Transaction, error) {
	if _, err := e.store.GetMember(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListTransactions(ctx, TransactionFilter{MemberID: id, Limit: limit})
}

func (e *Engine) PointsStore(ctx context.Context) ([]PointsStoreItem, error) {
	return e.store.ListPointsStoreItems(ctx, true)
}

func (e *Engine) BalanceStore(ctx context.Context) ([]BalanceStoreItem, error) {
	return e.store.ListBalanceStoreItems(ctx, true)
}

func (e *Engine) RechargeTiers(ctx context.Context) ([]RechargeTier, error) {
	return e.store.ListRechargeTiers(ctx)
}

func (e *Engine) Levels(ctx context.Context) ([]Level, error) {
	return e.store.ListLevels(ctx)
}

// =============================================================================
// FINANCIAL REPORT
// =============================================================================

// FinancialReport groups member transactions the way finance reads them and
// includes the company ledger for the same window.
type FinancialReport struct {
	From *time.Time
	To   *time.Time

	Recharges    []Transaction // RECHARGE
	BalanceUsage []Transaction // CONSUME_BALANCE, REDEEM_MERCH
	VoucherUsage []Transaction // CONSUME_VOUCHER
	CashIncome   []Transaction // CONSUME_CASH

	Ledger []FinancialEntry

	TotalRecharged   decimal.Decimal
	TotalBalanceUsed decimal.Decimal
	TotalDiscounts   decimal.Decimal
	TotalCash        decimal.Decimal
	LedgerNet        decimal.Decimal
}

func (e *Engine) FinancialReport(ctx context.Context, from, to *time.Time) (*FinancialReport, error) {
	txs, err := e.store.ListTransactions(ctx, TransactionFilter{From: from, To: to})
	if err != nil {
		return nil, err
	}
	entries, err := e.store.ListFinancialEntries(ctx, FinancialFilter{From: from, To: to})
	if err != nil {
		return nil, err
	}

	r := &FinancialReport{
		From:             from,
		To:               to,
		Ledger:           entries,
		TotalRecharged:   decimal.Zero,
		TotalBalanceUsed: decimal.Zero,
		TotalDiscounts:   decimal.Zero,
		TotalCash:        decimal.Zero,
		LedgerNet:        decimal.Zero,
	}
	for _, t := range txs {
		switch t.Type {
		case TxRecharge:
			r.Recharges = append(r.Recharges, t)
			r.TotalRecharged = r.TotalRecharged.Add(t.Amount)
		case TxConsumeBalance, TxRedeemMerch:
			r.BalanceUsage = append(r.BalanceUsage, t)
			r.TotalBalanceUsed = r.TotalBalanceUsed.Add(t.Amount.Abs())
		case TxConsumeVoucher:
			r.VoucherUsage = append(r.VoucherUsage, t)
			r.TotalDiscounts = r.TotalDiscounts.Add(t.Amount.Abs())
		case TxConsumeCash:
			r.CashIncome = append(r.CashIncome, t)
			r.TotalCash = r.TotalCash.Add(t.Amount.Abs())
		}
	}
	for _, fe := range entries {
		r.LedgerNet = r.LedgerNet.Add(fe.Amount)
	}
	return r, nil
}
