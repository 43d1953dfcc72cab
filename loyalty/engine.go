/*
engine.go - Redemption transaction engine

PURPOSE:
  The six public operations that move points, balance and vouchers. Each
  one runs as exactly one unit of work (Store.WithTx): row locks are taken
  inside, level progression is applied explicitly, and the member state plus
  its audit rows commit together or not at all.

OPERATIONS:
  Recharge                 staff   balance += tier amount, promo upgrade, bonus vouchers
  ConsumeBalance           staff   balance -= amount, points on amount
  TrackCashSpend           staff   points on cash spent elsewhere
  RedeemVoucher            staff   product: mark used; discount: cash remainder earns points
  RedeemPoints             member  points -> voucher from the points store
  PurchaseBalanceStoreItem member  balance -> voucher from the balance store

LOCK ORDER:
  voucher -> member -> voucher type. Every operation follows it, so two
  units can never wait on each other in a cycle.

LEVEL PROGRESSION:
  Evaluate runs right after the member row is locked (seeding, settlement)
  and again after lifetime points change (upgrade). Nothing runs implicitly
  on save.

SEE ALSO:
  - level.go, voucher.go, points.go: the rules applied here
  - ledger.go: audit rows
  - views.go: read-only queries
  - maintenance.go: scheduled settlement and voucher expiry
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// =============================================================================
// ENGINE
// =============================================================================

type Operation string

const (
	OpRecharge       Operation = "recharge"
	OpConsumeBalance Operation = "consume_balance"
	OpTrackCashSpend Operation = "track_cash_spend"
	OpRedeemVoucher  Operation = "redeem_voucher"
	OpRedeemPoints   Operation = "redeem_points"
	OpPurchaseItem   Operation = "purchase_balance_item"
	OpSettleLevel    Operation = "settle_level"
	OpExpireVoucher  Operation = "expire_voucher"
)

// Observer receives one call per finished operation. The metrics package
// provides a Prometheus implementation.
type Observer interface {
	ObserveOperation(op string, outcome string, elapsed time.Duration)
}

type Engine struct {
	store       Store
	progression Progression
	promotions  []RechargePromotion
	now         Clock
	observer    Observer
	logger      log.FieldLogger
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.now = c } }

func WithPromotions(p []RechargePromotion) Option {
	return func(e *Engine) { e.promotions = append([]RechargePromotion(nil), p...) }
}

func WithProgression(p Progression) Option { return func(e *Engine) { e.progression = p } }

func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

func WithLogger(l log.FieldLogger) Option { return func(e *Engine) { e.logger = l } }

// DefaultPromotions are the recharge upgrades offered by the standard program.
func DefaultPromotions() []RechargePromotion {
	return []RechargePromotion{
		{MinAmount: decimal.NewFromInt(1000), LevelName: "Platinum"},
		{MinAmount: decimal.NewFromInt(500), LevelName: "Gold"},
		{MinAmount: decimal.NewFromInt(300), LevelName: "Silver"},
	}
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		promotions: DefaultPromotions(),
		now:        SystemClock,
		logger:     log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the backing store, for read views.
func (e *Engine) Store() Store { return e.store }

// =============================================================================
// REQUESTS & RECEIPT
// =============================================================================

type RechargeRequest struct {
	MemberID       MemberID
	TierID         RechargeTierID
	IdempotencyKey string
}

type ConsumeBalanceRequest struct {
	MemberID       MemberID
	Amount         decimal.Decimal
	IdempotencyKey string
}

type TrackCashSpendRequest struct {
	MemberID       MemberID
	Amount         decimal.Decimal
	IdempotencyKey string
}

type RedeemVoucherRequest struct {
	VoucherID      VoucherID
	BillAmount     *decimal.Decimal // required for discount vouchers
	IdempotencyKey string
}

type RedeemPointsRequest struct {
	MemberID       MemberID
	ItemID         StoreItemID
	IdempotencyKey string
}

type PurchaseRequest struct {
	MemberID       MemberID
	ItemID         StoreItemID
	IdempotencyKey string
}

// Receipt is the committed result of an operation.
type Receipt struct {
	Operation Operation
	Member    *Member // state after commit

	Amount       decimal.Decimal // money moved: recharge, debit or price
	Discount     decimal.Decimal
	CashPayment  decimal.Decimal
	PointsEarned int64
	PointsSpent  int64

	Voucher        *Voucher  // redeemed or purchased voucher
	IssuedVouchers []Voucher // recharge bonus vouchers
	Level          LevelChange
	Message        string

	Transactions     []Transaction
	FinancialEntries []FinancialEntry
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

type unit struct {
	tx      Tx
	rec     *Recorder
	receipt *Receipt
	levels  []Level
	now     time.Time

	// after is returned once the unit has committed. Used when a failure
	// must still persist a state transition (an expired voucher).
	after error
}

func (u *unit) loadLevels(ctx context.Context) error {
	levels, err := u.tx.ListLevels(ctx)
	if err != nil {
		return err
	}
	u.levels = levels
	return nil
}

// evaluate runs level progression and folds the change into the receipt.
func (u *unit) evaluate(p Progression, m *Member) {
	u.foldLevel(p.Evaluate(m, u.levels, u.now))
}

func (u *unit) foldLevel(c LevelChange) {
	r := u.receipt
	if r.Level.Outcome == "" {
		r.Level = c
		return
	}
	if c.Outcome != LevelUnchanged {
		r.Level.Outcome = c.Outcome
	}
	r.Level.To = c.To
	if c.ToName != "" {
		r.Level.ToName = c.ToName
	}
	r.Level.LifetimeAfter = c.LifetimeAfter
}

func (e *Engine) run(ctx context.Context, op Operation, actor Actor, key string, fields log.Fields, fn func(ctx context.Context, u *unit) error) (*Receipt, error) {
	start := time.Now()
	now := e.now()

	var u *unit
	err := e.store.WithTx(ctx, func(tx Tx) error {
		u = &unit{
			tx:      tx,
			rec:     newRecorder(tx, actor, now, key),
			receipt: &Receipt{Operation: op},
			now:     now,
		}
		if err := u.loadLevels(ctx); err != nil {
			return err
		}
		return fn(ctx, u)
	})
	if err == nil && u.after != nil {
		err = u.after
	}
	err = classify(op, err)
	e.finish(op, actor, fields, start, err)
	if err != nil {
		return nil, err
	}

	u.receipt.Transactions = u.rec.Transactions
	u.receipt.FinancialEntries = u.rec.Entries
	return u.receipt, nil
}

// classify wraps unknown failures as transient so callers only ever see
// the documented error set.
func classify(op Operation, err error) error {
	if err == nil || IsClientError(err) || IsNotFound(err) || IsRetryable(err) || errors.Is(err, ErrForbidden) {
		return err
	}
	return Transient(string(op), err)
}

func (e *Engine) finish(op Operation, actor Actor, fields log.Fields, start time.Time, err error) {
	elapsed := time.Since(start)
	outcome := Outcome(err)
	if e.observer != nil {
		e.observer.ObserveOperation(string(op), outcome, elapsed)
	}

	entry := e.logger.WithFields(log.Fields{
		"operation":   op,
		"actor":       actor.ID,
		"outcome":     outcome,
		"duration_ms": elapsed.Milliseconds(),
	}).WithFields(fields)
	switch {
	case err == nil:
		entry.Info("operation committed")
	case IsRetryable(err):
		entry.WithError(err).Error("operation failed")
	default:
		entry.WithError(err).Warn("operation rejected")
	}
}

func requireStaff(actor Actor) error {
	if !actor.IsStaff() {
		return fmt.Errorf("%w: staff role required", ErrForbidden)
	}
	return nil
}

func requireSelfOrStaff(actor Actor, member MemberID) error {
	if actor.IsStaff() || actor.ID == member {
		return nil
	}
	return fmt.Errorf("%w: cannot act on another member's account", ErrForbidden)
}

// =============================================================================
// RECHARGE
// =============================================================================

// Recharge adds a recharge tier's amount to the member's balance, applies
// the promotional upgrade for that amount and issues the tier's bonus
// vouchers. Recharges earn no points.
func (e *Engine) Recharge(ctx context.Context, actor Actor, req RechargeRequest) (*Receipt, error) {
	fields := log.Fields{"member_id": req.MemberID, "tier_id": req.TierID}
	if err := requireStaff(actor); err != nil {
		return nil, e.reject(OpRecharge, actor, fields, err)
	}

	return e.run(ctx, OpRecharge, actor, req.IdempotencyKey, fields, func(ctx context.Context, u *unit) error {
		m, err := u.tx.LockMember(ctx, req.MemberID)
		if err != nil {
			return err
		}
		tier, err := u.tx.GetRechargeTier(ctx, req.TierID)
		if err != nil {
			return err
		}
		u.evaluate(e.progression, m)

		m.Balance = m.Balance.Add(tier.Amount)
		m.BalanceExpiryDate = ptrTime(AddDays(u.now, DefaultLevelTermDays))

		promo := ""
		if m.Role == RoleMember {
			change := e.progression.Promote(m, u.levels, PromotionFor(e.promotions, tier.Amount), u.now)
			u.foldLevel(change)
			if change.Outcome == LevelPromoted {
				promo = fmt.Sprintf(" (UPGRADED to %s!)", change.ToName)
			}
		}

		if err := u.tx.SaveMember(ctx, m); err != nil {
			return err
		}
		if _, err := u.rec.Record(ctx, Transaction{
			MemberID: m.ID,
			Type:     TxRecharge,
			Amount:   tier.Amount,
		}); err != nil {
			return err
		}

		if tier.GrantVoucherTypeID != "" && tier.GrantVoucherCount > 0 {
			vt, err := u.tx.GetVoucherType(ctx, tier.GrantVoucherTypeID)
			if err != nil {
				if IsNotFound(err) {
					return fmt.Errorf("%w: recharge tier %s grants unknown voucher type %s",
						ErrMisconfiguredItem, tier.ID, tier.GrantVoucherTypeID)
				}
				return err
			}
			for i := 0; i < tier.GrantVoucherCount; i++ {
				v := IssueVoucher(m.ID, vt, u.now)
				if err := u.tx.InsertVoucher(ctx, v); err != nil {
					return err
				}
				u.receipt.IssuedVouchers = append(u.receipt.IssuedVouchers, *v)
			}
		}

		u.receipt.Member = m
		u.receipt.Amount = tier.Amount
		u.receipt.Message = fmt.Sprintf("Successfully recharged $%s.%s", tier.Amount.StringFixed(2), promo)
		return nil
	})
}

// =============================================================================
// CONSUME BALANCE / TRACK CASH SPEND
// =============================================================================

// ConsumeBalance pays a bill from prepaid balance and credits points on it.
func (e *Engine) ConsumeBalance(ctx context.Context, actor Actor, req ConsumeBalanceRequest) (*Receipt, error) {
	fields := log.Fields{"member_id": req.MemberID, "amount": req.Amount.String()}
	if err := requireStaff(actor); err != nil {
		return nil, e.reject(OpConsumeBalance, actor, fields, err)
	}
	if err := validateAmount("amount", req.Amount); err != nil {
		return nil, e.reject(OpConsumeBalance, actor, fields, err)
	}

	return e.run(ctx, OpConsumeBalance, actor, req.IdempotencyKey, fields, func(ctx context.Context, u *unit) error {
		m, err := u.tx.LockMember(ctx, req.MemberID)
		if err != nil {
			return err
		}
		u.evaluate(e.progression, m)

		if m.Balance.LessThan(req.Amount) {
			return &InsufficientFundsError{
				MemberID:  m.ID,
				Resource:  "balance",
				Available: m.Balance,
				Requested: req.Amount,
			}
		}

		points := PointsFor(m, u.levels, req.Amount)
		m.Balance = m.Balance.Sub(req.Amount)
		creditPoints(m, points)
		u.evaluate(e.progression, m)

		if err := u.tx.SaveMember(ctx, m); err != nil {
			return err
		}
		if _, err := u.rec.Record(ctx, Transaction{
			MemberID:     m.ID,
			Type:         TxConsumeBalance,
			Amount:       req.Amount.Neg(),
			PointsEarned: points,
		}); err != nil {
			return err
		}

		u.receipt.Member = m
		u.receipt.Amount = req.Amount
		u.receipt.PointsEarned = points
		u.receipt.Message = fmt.Sprintf("Consumed $%s from balance, earned %d points.", req.Amount.StringFixed(2), points)
		return nil
	})
}

// TrackCashSpend credits points for a bill paid outside the balance.
func (e *Engine) TrackCashSpend(ctx context.Context, actor Actor, req TrackCashSpendRequest) (*Receipt, error) {
	fields := log.Fields{"member_id": req.MemberID, "amount": req.Amount.String()}
	if err := requireStaff(actor); err != nil {
		return nil, e.reject(OpTrackCashSpend, actor, fields, err)
	}
	if err := validateAmount("amount", req.Amount); err != nil {
		return nil, e.reject(OpTrackCashSpend, actor, fields, err)
	}

	return e.run(ctx, OpTrackCashSpend, actor, req.IdempotencyKey, fields, func(ctx context.Context, u *unit) error {
		m, err := u.tx.LockMember(ctx, req.MemberID)
		if err != nil {
			return err
		}
		u.evaluate(e.progression, m)

		points := PointsFor(m, u.levels, req.Amount)
		creditPoints(m, points)
		u.evaluate(e.progression, m)

		if err := u.tx.SaveMember(ctx, m); err != nil {
			return err
		}
		if _, err := u.rec.Record(ctx, Transaction{
			MemberID:     m.ID,
			Type:         TxConsumeCash,
			Amount:       req.Amount.Neg(),
			PointsEarned: points,
		}); err != nil {
			return err
		}

		u.receipt.Member = m
		u.receipt.Amount = req.Amount
		u.receipt.PointsEarned = points
		u.receipt.Message = fmt.Sprintf("Tracked $%s cash spend, earned %d points.", req.Amount.StringFixed(2), points)
		return nil
	})
}

// =============================================================================
// REDEEM VOUCHER
// =============================================================================

// RedeemVoucher consumes a voucher at the till. Product vouchers are simply
// marked used. Discount vouchers need the bill; the part of the bill not
// covered by the voucher earns points.
func (e *Engine) RedeemVoucher(ctx context.Context, actor Actor, req RedeemVoucherRequest) (*Receipt, error) {
	fields := log.Fields{"voucher_id": req.VoucherID}
	if req.BillAmount != nil {
		fields["bill_amount"] = req.BillAmount.String()
	}
	if err := requireStaff(actor); err != nil {
		return nil, e.reject(OpRedeemVoucher, actor, fields, err)
	}

	return e.run(ctx, OpRedeemVoucher, actor, req.IdempotencyKey, fields, func(ctx context.Context, u *unit) error {
		v, err := u.tx.LockVoucher(ctx, req.VoucherID)
		if err != nil {
			return err
		}
		m, err := u.tx.LockMember(ctx, v.MemberID)
		if err != nil {
			return err
		}
		vt, err := u.tx.GetVoucherType(ctx, v.VoucherTypeID)
		if err != nil {
			return err
		}
		u.evaluate(e.progression, m)

		wasUnused := v.Status == VoucherUnused
		redemption, err := RedeemVoucher(v, vt, req.BillAmount, u.now)
		if errors.Is(err, ErrExpired) && wasUnused {
			if err := u.tx.UpdateVoucher(ctx, v); err != nil {
				return err
			}
			if err := u.tx.SaveMember(ctx, m); err != nil {
				return err
			}
			u.after = err
			return nil
		}
		if err != nil {
			return err
		}

		if err := u.tx.UpdateVoucher(ctx, v); err != nil {
			return err
		}
		u.receipt.Voucher = v
		u.receipt.Discount = redemption.Discount
		u.receipt.CashPayment = redemption.CashPayment

		if redemption.Product {
			if err := u.tx.SaveMember(ctx, m); err != nil {
				return err
			}
			u.receipt.Member = m
			u.receipt.Message = fmt.Sprintf("Product voucher %q successfully redeemed.", vt.Name)
			return nil
		}

		points := PointsFor(m, u.levels, redemption.CashPayment)
		creditPoints(m, points)
		u.evaluate(e.progression, m)
		if err := u.tx.SaveMember(ctx, m); err != nil {
			return err
		}

		if _, err := u.rec.Record(ctx, Transaction{
			MemberID:        m.ID,
			Type:            TxConsumeVoucher,
			Amount:          vt.Value.Neg(),
			DiscountApplied: vt.Value,
			VoucherID:       v.ID,
		}); err != nil {
			return err
		}
		if redemption.CashPayment.IsPositive() {
			if _, err := u.rec.Record(ctx, Transaction{
				MemberID:     m.ID,
				Type:         TxConsumeCash,
				Amount:       redemption.CashPayment.Neg(),
				PointsEarned: points,
			}); err != nil {
				return err
			}
		}

		u.receipt.Member = m
		u.receipt.Amount = *req.BillAmount
		u.receipt.PointsEarned = points
		u.receipt.Message = fmt.Sprintf("Successfully redeemed %s (Bill: $%s, Paid Cash: $%s)",
			vt.Name, req.BillAmount.StringFixed(2), redemption.CashPayment.StringFixed(2))
		return nil
	})
}

// =============================================================================
// POINTS STORE / BALANCE STORE
// =============================================================================

// RedeemPoints exchanges loyalty points for a voucher from the points store.
func (e *Engine) RedeemPoints(ctx context.Context, actor Actor, req RedeemPointsRequest) (*Receipt, error) {
	fields := log.Fields{"member_id": req.MemberID, "item_id": req.ItemID}
	if err := requireSelfOrStaff(actor, req.MemberID); err != nil {
		return nil, e.reject(OpRedeemPoints, actor, fields, err)
	}

	return e.run(ctx, OpRedeemPoints, actor, req.IdempotencyKey, fields, func(ctx context.Context, u *unit) error {
		m, err := u.tx.LockMember(ctx, req.MemberID)
		if err != nil {
			return err
		}
		item, err := u.tx.GetPointsStoreItem(ctx, req.ItemID)
		if err != nil {
			return err
		}
		if !item.IsActive {
			return NotFound("points_store_item", item.ID)
		}
		u.evaluate(e.progression, m)

		if m.LoyaltyPoints < item.PointsCost {
			return &InsufficientFundsError{
				MemberID:  m.ID,
				Resource:  "points",
				Available: decimal.NewFromInt(m.LoyaltyPoints),
				Requested: decimal.NewFromInt(item.PointsCost),
			}
		}

		vt, err := e.lockLinkedType(ctx, u, string(item.ID), item.LinkedVoucherTypeID)
		if err != nil {
			return err
		}
		v := IssueVoucher(m.ID, vt, u.now)
		if err := u.tx.InsertVoucher(ctx, v); err != nil {
			return err
		}

		row, err := u.rec.Record(ctx, Transaction{
			MemberID:     m.ID,
			Type:         TxRewardIssue,
			Amount:       decimal.Zero,
			PointsEarned: -item.PointsCost,
			VoucherID:    v.ID,
			ProductID:    item.ID,
		})
		if err != nil {
			return err
		}
		if cost := vt.Cost(); cost.IsPositive() {
			if err := u.rec.Financial(ctx, FinCostOfGoods, cost.Neg(),
				fmt.Sprintf("Cost for %s (points redemption)", vt.Name), m.ID, row.ID); err != nil {
				return err
			}
		}

		m.LoyaltyPoints -= item.PointsCost
		if err := u.tx.SaveMember(ctx, m); err != nil {
			return err
		}

		u.receipt.Member = m
		u.receipt.PointsSpent = item.PointsCost
		u.receipt.Voucher = v
		u.receipt.Message = fmt.Sprintf("Redeemed %s for %d points.", item.Name, item.PointsCost)
		return nil
	})
}

// PurchaseBalanceStoreItem buys a balance-store item at list price. The
// price earns points like any balance spend.
func (e *Engine) PurchaseBalanceStoreItem(ctx context.Context, actor Actor, req PurchaseRequest) (*Receipt, error) {
	fields := log.Fields{"member_id": req.MemberID, "item_id": req.ItemID}
	if err := requireSelfOrStaff(actor, req.MemberID); err != nil {
		return nil, e.reject(OpPurchaseItem, actor, fields, err)
	}

	return e.run(ctx, OpPurchaseItem, actor, req.IdempotencyKey, fields, func(ctx context.Context, u *unit) error {
		m, err := u.tx.LockMember(ctx, req.MemberID)
		if err != nil {
			return err
		}
		item, err := u.tx.GetBalanceStoreItem(ctx, req.ItemID)
		if err != nil {
			return err
		}
		if !item.IsActive {
			return NotFound("balance_store_item", item.ID)
		}
		u.evaluate(e.progression, m)

		price := item.BalancePrice
		if m.Balance.LessThan(price) {
			return &InsufficientFundsError{
				MemberID:  m.ID,
				Resource:  "balance",
				Available: m.Balance,
				Requested: price,
			}
		}

		vt, err := e.lockLinkedType(ctx, u, string(item.ID), item.LinkedVoucherTypeID)
		if err != nil {
			return err
		}
		v := IssueVoucher(m.ID, vt, u.now)
		if err := u.tx.InsertVoucher(ctx, v); err != nil {
			return err
		}

		points := PointsFor(m, u.levels, price)
		m.Balance = m.Balance.Sub(price)
		creditPoints(m, points)
		u.evaluate(e.progression, m)
		if err := u.tx.SaveMember(ctx, m); err != nil {
			return err
		}

		row, err := u.rec.Record(ctx, Transaction{
			MemberID:     m.ID,
			Type:         TxRedeemMerch,
			Amount:       price.Neg(),
			PointsEarned: points,
			VoucherID:    v.ID,
			ProductID:    item.ID,
		})
		if err != nil {
			return err
		}
		if cost := vt.Cost(); cost.IsPositive() {
			if err := u.rec.Financial(ctx, FinCostOfGoods, cost.Neg(),
				fmt.Sprintf("Cost for %s", vt.Name), m.ID, row.ID); err != nil {
				return err
			}
		}
		if err := u.rec.Financial(ctx, FinRevenueStore, price,
			fmt.Sprintf("Revenue for %s", item.Name), m.ID, row.ID); err != nil {
			return err
		}

		u.receipt.Member = m
		u.receipt.Amount = price
		u.receipt.PointsEarned = points
		u.receipt.Voucher = v
		u.receipt.Message = fmt.Sprintf("Purchased %s for $%s.", item.Name, price.StringFixed(2))
		return nil
	})
}

// lockLinkedType locks a store item's voucher type and takes one unit of
// stock from it.
func (e *Engine) lockLinkedType(ctx context.Context, u *unit, itemID string, id VoucherTypeID) (*VoucherType, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: item %s has no linked voucher type", ErrMisconfiguredItem, itemID)
	}
	vt, err := u.tx.LockVoucherType(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: item %s links unknown voucher type %s", ErrMisconfiguredItem, itemID, id)
		}
		return nil, err
	}
	changed, err := DecrementStock(vt)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := u.tx.UpdateVoucherTypeStock(ctx, vt.ID, *vt.StockCount); err != nil {
			return nil, err
		}
	}
	return vt, nil
}

// reject reports a request refused before any unit of work was opened.
func (e *Engine) reject(op Operation, actor Actor, fields log.Fields, err error) error {
	e.finish(op, actor, fields, time.Now(), err)
	return err
}
