/*
voucher.go - Voucher lifecycle

PURPOSE:
  Issues vouchers from their type, decrements limited stock and decides the
  outcome of a redemption. Functions here mutate the values they are given
  and report effects; the engine persists and audits them.

LIFECYCLE:
  unused --Redeem--> used
  unused --expiry--> expired   (on redemption attempt or by the sweep)

  Product voucher  (Value == 0): redeem marks used, no money moves.
  Discount voucher (Value  > 0): bill required, must meet Threshold,
                                 the cash remainder earns points.

SEE ALSO:
  - engine.go: RedeemVoucher, RedeemPoints, PurchaseBalanceStoreItem
  - maintenance.go: ExpireVouchers sweep
*/
package loyalty

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IssueVoucher creates an unused voucher of vt for member. ExpiryDate is
// computed once here and never recomputed.
func IssueVoucher(member MemberID, vt *VoucherType, now time.Time) *Voucher {
	days := vt.ExpiryDays
	if days <= 0 {
		days = DefaultVoucherExpiryDays
	}
	return &Voucher{
		ID:            VoucherID(uuid.NewString()),
		MemberID:      member,
		VoucherTypeID: vt.ID,
		Status:        VoucherUnused,
		IssueDate:     now,
		ExpiryDate:    AddDays(now, days),
	}
}

// DecrementStock takes one unit from a limited type. vt must be locked by the
// caller. Unlimited types are untouched and report false.
func DecrementStock(vt *VoucherType) (changed bool, err error) {
	if vt.StockCount == nil {
		return false, nil
	}
	if *vt.StockCount <= 0 {
		return false, ErrOutOfStock
	}
	left := *vt.StockCount - 1
	vt.StockCount = &left
	return true, nil
}

// Redemption is the outcome of redeeming one voucher.
type Redemption struct {
	Product     bool
	Discount    decimal.Decimal
	CashPayment decimal.Decimal
}

// RedeemVoucher validates v against vt and the bill, and marks v used.
// On expiry it moves v to expired and returns ErrExpired; the caller is
// expected to persist that transition.
func RedeemVoucher(v *Voucher, vt *VoucherType, bill *decimal.Decimal, now time.Time) (*Redemption, error) {
	switch v.Status {
	case VoucherUsed:
		return nil, ErrAlreadyUsed
	case VoucherExpired:
		return nil, ErrExpired
	}
	if v.ExpiryDate.Before(now) {
		v.Status = VoucherExpired
		return nil, ErrExpired
	}

	if vt.IsProduct() {
		markUsed(v, now)
		return &Redemption{Product: true, Discount: decimal.Zero, CashPayment: decimal.Zero}, nil
	}

	if bill == nil || !bill.IsPositive() {
		return nil, &ValidationError{Field: "bill_amount", Message: "required for discount vouchers"}
	}
	if err := validateAmount("bill_amount", *bill); err != nil {
		return nil, err
	}
	if bill.LessThan(vt.Threshold) {
		return nil, &ThresholdError{Bill: *bill, Threshold: vt.Threshold}
	}

	cash := bill.Sub(vt.Value)
	if cash.IsNegative() {
		cash = decimal.Zero
	}
	markUsed(v, now)
	return &Redemption{Discount: vt.Value, CashPayment: cash}, nil
}

func markUsed(v *Voucher, now time.Time) {
	v.Status = VoucherUsed
	v.UsedDate = ptrTime(now)
}
