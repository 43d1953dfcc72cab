/*
store.go - Persistence interfaces for the loyalty ledger

PURPOSE:
  Defines the boundary between the engine and the database. The engine never
  talks SQL; it asks a Store for a unit of work (WithTx) and performs all
  reads, row locks and writes through the Tx it is handed.

KEY INTERFACES:
  Reader:       Point reads and list queries (views, maintenance scans)
  Tx:           Reader + row locks + writes, valid only inside WithTx
  Store:        Reader + WithTx
  CatalogStore: Reference data and member registration (seeding, admin)

LOCKING CONTRACT:
  Lock* methods return the current row and hold an exclusive lock on it until
  the unit commits or rolls back. Callers lock in the order
  voucher -> member -> voucher type.

APPEND-ONLY CONTRACT:
  Transactions and FinancialEntries have Append methods only. There is no
  Update or Delete for either ledger.

IDEMPOTENCY:
  AppendTransaction rejects a non-empty IdempotencyKey that already exists
  with ErrDuplicateRequest. The whole unit then rolls back.

ERRORS:
  Missing rows  -> NotFound(kind, id)
  I/O, locking  -> Transient(op, err)

IMPLEMENTATIONS:
  - loyalty/store/memory.go: in-memory, for tests and demos
  - store/sqlite/sqlite.go:  SQLite, single writer
  - store/postgres/postgres.go: PostgreSQL via pgx, SELECT ... FOR UPDATE

SEE ALSO:
  - engine.go: the only caller of WithTx
  - ledger.go: the audit recorder writing through Tx
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// READER - Queries usable inside and outside a unit of work
// =============================================================================

// TransactionFilter narrows ListTransactions. Zero values mean "any".
type TransactionFilter struct {
	MemberID MemberID
	Types    []TransactionType
	From     *time.Time
	To       *time.Time
	Limit    int
}

// FinancialFilter narrows ListFinancialEntries.
type FinancialFilter struct {
	Types []FinancialEntryType
	From  *time.Time
	To    *time.Time
	Limit int
}

type Reader interface {
	GetMember(ctx context.Context, id MemberID) (*Member, error)
	GetVoucher(ctx context.Context, id VoucherID) (*Voucher, error)
	GetVoucherType(ctx context.Context, id VoucherTypeID) (*VoucherType, error)
	GetRechargeTier(ctx context.Context, id RechargeTierID) (*RechargeTier, error)
	GetPointsStoreItem(ctx context.Context, id StoreItemID) (*PointsStoreItem, error)
	GetBalanceStoreItem(ctx context.Context, id StoreItemID) (*BalanceStoreItem, error)

	// ListLevels returns all levels ordered by MinPoints ascending.
	ListLevels(ctx context.Context) ([]Level, error)
	// ListRechargeTiers returns tiers ordered by Amount ascending.
	ListRechargeTiers(ctx context.Context) ([]RechargeTier, error)
	// ListPointsStoreItems returns items ordered by PointsCost ascending.
	ListPointsStoreItems(ctx context.Context, activeOnly bool) ([]PointsStoreItem, error)
	// ListBalanceStoreItems returns items ordered by BalancePrice ascending.
	ListBalanceStoreItems(ctx context.Context, activeOnly bool) ([]BalanceStoreItem, error)
	ListVoucherTypes(ctx context.Context) ([]VoucherType, error)

	// ListMemberVouchers returns a member's vouchers with the given status,
	// ordered by ExpiryDate ascending. Empty status means all.
	ListMemberVouchers(ctx context.Context, memberID MemberID, status VoucherStatus) ([]Voucher, error)
	// ListTransactions returns ledger rows newest first.
	ListTransactions(ctx context.Context, f TransactionFilter) ([]Transaction, error)
	// ListFinancialEntries returns company ledger rows newest first.
	ListFinancialEntries(ctx context.Context, f FinancialFilter) ([]FinancialEntry, error)

	// ListMembersDueForSettlement returns members whose level expiry date is
	// strictly before the given date.
	ListMembersDueForSettlement(ctx context.Context, before time.Time) ([]MemberID, error)
	// ListOverdueVouchers returns unused vouchers whose ExpiryDate is before t.
	ListOverdueVouchers(ctx context.Context, before time.Time) ([]VoucherID, error)
}

// =============================================================================
// TX - One atomic unit of work
// =============================================================================

type Tx interface {
	Reader

	LockVoucher(ctx context.Context, id VoucherID) (*Voucher, error)
	LockMember(ctx context.Context, id MemberID) (*Member, error)
	LockVoucherType(ctx context.Context, id VoucherTypeID) (*VoucherType, error)

	SaveMember(ctx context.Context, m *Member) error
	UpdateVoucherTypeStock(ctx context.Context, id VoucherTypeID, stock int64) error
	InsertVoucher(ctx context.Context, v *Voucher) error
	UpdateVoucher(ctx context.Context, v *Voucher) error

	AppendTransaction(ctx context.Context, t *Transaction) error
	AppendFinancialEntry(ctx context.Context, e *FinancialEntry) error
}

// Store is the engine's view of persistence.
type Store interface {
	Reader

	// WithTx executes fn within a unit of work.
	// If fn returns an error, every write is rolled back.
	// If fn returns nil, all writes are committed together.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// =============================================================================
// CATALOG STORE - Reference data, written outside engine operations
// =============================================================================

type CatalogStore interface {
	CreateMember(ctx context.Context, m *Member) error
	SaveLevel(ctx context.Context, l *Level) error
	// SaveVoucherType upserts a voucher type. The stock of an existing type
	// is left alone; stock only moves through DecrementStock and Restock.
	SaveVoucherType(ctx context.Context, vt *VoucherType) error
	// RestockVoucherType sets the remaining stock. nil means unlimited.
	RestockVoucherType(ctx context.Context, id VoucherTypeID, stock *int64) error
	SaveRechargeTier(ctx context.Context, t *RechargeTier) error
	SavePointsStoreItem(ctx context.Context, it *PointsStoreItem) error
	SaveBalanceStoreItem(ctx context.Context, it *BalanceStoreItem) error
}

// FullStore is implemented by every backend.
type FullStore interface {
	Store
	CatalogStore
}
