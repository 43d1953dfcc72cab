/*
ledger.go - Audit recorder

PURPOSE:
  Writes the two append-only ledgers for one unit of work:
    - Transaction rows (member-facing history)
    - FinancialEntry rows (company revenue / cost ledger)
  Rows are stamped with IDs, the unit's timestamp, the acting staff member and
  the request's idempotency key, and are written through the unit's Tx so
  they commit or roll back with the balance changes they describe.

IDEMPOTENCY:
  The request's key goes on the first Transaction row only. A replayed key
  hits the unique index and the whole unit rolls back with
  ErrDuplicateRequest.

SEE ALSO:
  - store.go: AppendTransaction / AppendFinancialEntry
  - engine.go: one recorder per operation
*/
package loyalty

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Recorder collects the audit rows of one unit of work.
type Recorder struct {
	tx      Tx
	actor   Actor
	now     time.Time
	key     string
	keyUsed bool

	Transactions []Transaction
	Entries      []FinancialEntry
}

func newRecorder(tx Tx, actor Actor, now time.Time, idempotencyKey string) *Recorder {
	return &Recorder{tx: tx, actor: actor, now: now, key: idempotencyKey}
}

// Record appends a Transaction row. ID, StaffID, Timestamp and the
// idempotency key are filled in here.
func (r *Recorder) Record(ctx context.Context, t Transaction) (*Transaction, error) {
	t.ID = TransactionID(uuid.NewString())
	t.Timestamp = r.now
	if t.StaffID == "" {
		t.StaffID = r.actor.staffRef()
	}
	if !r.keyUsed && r.key != "" {
		t.IdempotencyKey = r.key
		r.keyUsed = true
	}
	if err := r.tx.AppendTransaction(ctx, &t); err != nil {
		return nil, err
	}
	r.Transactions = append(r.Transactions, t)
	return &t, nil
}

// Financial appends a company ledger row.
func (r *Recorder) Financial(ctx context.Context, typ FinancialEntryType, amount decimal.Decimal, desc string, member MemberID, txID TransactionID) error {
	e := FinancialEntry{
		ID:            FinancialEntryID(uuid.NewString()),
		Type:          typ,
		Amount:        amount,
		Description:   desc,
		MemberID:      member,
		TransactionID: txID,
		Timestamp:     r.now,
	}
	if err := r.tx.AppendFinancialEntry(ctx, &e); err != nil {
		return err
	}
	r.Entries = append(r.Entries, e)
	return nil
}
