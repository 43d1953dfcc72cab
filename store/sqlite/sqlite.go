/*
Package sqlite provides a SQLite-backed implementation of loyalty.Store.

PURPOSE:
  Persists members, the level table, vouchers, the catalog and both ledgers
  in one SQLite file. Every engine operation runs inside a single SQL
  transaction opened by WithTx.

INTERFACES IMPLEMENTED:
  loyalty.Store:        reads + WithTx
  loyalty.Tx:          row locks and writes inside a unit of work
  loyalty.CatalogStore: reference data and member registration

APPEND-ONLY ENFORCEMENT:
  transactions and financial_ledger carry BEFORE UPDATE / BEFORE DELETE
  triggers that abort. The store never issues either statement for them.

KEY TABLES:
  members, levels, voucher_types, vouchers,
  transactions, financial_ledger,
  recharge_tiers, points_store_items, balance_store_items

CONCURRENCY:
  SQLite has one writer. The pool is limited to one connection, units of
  work are serialised by the store mutex and opened with _txlock=immediate,
  so a unit owns the database from its first statement to commit. This is a
  superset of row locking: Lock* methods are plain reads inside the unit.
  In production with PostgreSQL, use store/postgres (SELECT ... FOR UPDATE).

MONEY & TIME:
  Money is stored as decimal TEXT and parsed with shopspring/decimal.
  Timestamps are fixed-width UTC TEXT so they sort lexically.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := loyalty.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// timeLayout is fixed-width so TEXT comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements the loyalty storage interfaces using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	if dbPath == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := FromDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// FromDB wraps an already opened database without migrating it.
func FromDB(db *sql.DB) *Store {
	s := &Store{db: db}
	s.queries = queries{q: db, lock: &s.mu}
	return s
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS levels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		min_points INTEGER NOT NULL UNIQUE,
		point_multiplier TEXT NOT NULL DEFAULT '1.0',
		theme_name TEXT NOT NULL DEFAULT '',
		unlock_social BOOLEAN NOT NULL DEFAULT FALSE,
		unlock_avatar BOOLEAN NOT NULL DEFAULT FALSE,
		unlock_games BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE,
		phone TEXT UNIQUE,
		nickname TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'MEMBER',
		level_id TEXT REFERENCES levels(id),
		level_expiry_date TEXT,
		loyalty_points INTEGER NOT NULL DEFAULT 0 CHECK (loyalty_points >= 0),
		lifetime_points INTEGER NOT NULL DEFAULT 0 CHECK (lifetime_points >= 0),
		balance TEXT NOT NULL DEFAULT '0' CHECK (CAST(balance AS REAL) >= 0),
		balance_expiry_date TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_members_level_expiry
		ON members(level_expiry_date) WHERE level_expiry_date IS NOT NULL;

	CREATE TABLE IF NOT EXISTS voucher_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '0',
		threshold TEXT NOT NULL DEFAULT '0',
		expiry_days INTEGER NOT NULL DEFAULT 365,
		cost_of_goods TEXT,
		stock_count INTEGER CHECK (stock_count IS NULL OR stock_count >= 0)
	);

	CREATE TABLE IF NOT EXISTS vouchers (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL REFERENCES members(id),
		voucher_type_id TEXT NOT NULL REFERENCES voucher_types(id),
		status TEXT NOT NULL DEFAULT 'unused',
		issue_date TEXT NOT NULL,
		expiry_date TEXT NOT NULL,
		used_date TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_vouchers_member_status
		ON vouchers(member_id, status, expiry_date);
	CREATE INDEX IF NOT EXISTS idx_vouchers_unused_expiry
		ON vouchers(expiry_date) WHERE status = 'unused';

	-- Member-facing ledger (append-only)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL REFERENCES members(id),
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		discount_applied TEXT NOT NULL DEFAULT '0',
		points_earned INTEGER NOT NULL DEFAULT 0,
		staff_id TEXT,
		voucher_id TEXT,
		product_id TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_member_date
		ON transactions(member_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_type_date
		ON transactions(tx_type, created_at DESC);

	CREATE TRIGGER IF NOT EXISTS transactions_no_update
		BEFORE UPDATE ON transactions
		BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS transactions_no_delete
		BEFORE DELETE ON transactions
		BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;

	-- Company ledger (append-only)
	CREATE TABLE IF NOT EXISTS financial_ledger (
		id TEXT PRIMARY KEY,
		entry_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		member_id TEXT,
		transaction_id TEXT REFERENCES transactions(id),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_financial_ledger_date
		ON financial_ledger(created_at DESC);

	CREATE TRIGGER IF NOT EXISTS financial_ledger_no_update
		BEFORE UPDATE ON financial_ledger
		BEGIN SELECT RAISE(ABORT, 'financial ledger is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS financial_ledger_no_delete
		BEFORE DELETE ON financial_ledger
		BEGIN SELECT RAISE(ABORT, 'financial ledger is append-only'); END;

	CREATE TABLE IF NOT EXISTS recharge_tiers (
		id TEXT PRIMARY KEY,
		amount TEXT NOT NULL UNIQUE,
		grant_voucher_type_id TEXT REFERENCES voucher_types(id),
		grant_voucher_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS points_store_items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		points_cost INTEGER NOT NULL,
		linked_voucher_type_id TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS balance_store_items (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		balance_price TEXT NOT NULL,
		linked_voucher_type_id TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (loyalty.Store.WithTx)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return loyalty.Transient("begin", err)
	}
	defer sqlTx.Rollback()

	ts := &txStore{queries: queries{q: sqlTx}, tx: sqlTx}
	if err := fn(ts); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return loyalty.Transient("commit", err)
	}
	return nil
}

type txStore struct {
	queries
	tx *sql.Tx
}

func (ts *txStore) LockVoucher(ctx context.Context, id loyalty.VoucherID) (*loyalty.Voucher, error) {
	return ts.GetVoucher(ctx, id)
}

func (ts *txStore) LockMember(ctx context.Context, id loyalty.MemberID) (*loyalty.Member, error) {
	return ts.GetMember(ctx, id)
}

func (ts *txStore) LockVoucherType(ctx context.Context, id loyalty.VoucherTypeID) (*loyalty.VoucherType, error) {
	return ts.GetVoucherType(ctx, id)
}

func (ts *txStore) SaveMember(ctx context.Context, m *loyalty.Member) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE members SET
			email = ?, phone = ?, nickname = ?, role = ?,
			level_id = ?, level_expiry_date = ?,
			loyalty_points = ?, lifetime_points = ?,
			balance = ?, balance_expiry_date = ?, is_active = ?
		WHERE id = ?`,
		nullString(m.Email), nullString(m.Phone), m.Nickname, string(m.Role),
		nullString(string(m.LevelID)), formatTimePtr(m.LevelExpiryDate),
		m.LoyaltyPoints, m.LifetimePoints,
		m.Balance.String(), formatTimePtr(m.BalanceExpiryDate), m.IsActive,
		string(m.ID),
	)
	return expectOne(res, err, "save member", "member", m.ID)
}

func (ts *txStore) UpdateVoucherTypeStock(ctx context.Context, id loyalty.VoucherTypeID, stock int64) error {
	res, err := ts.tx.ExecContext(ctx,
		`UPDATE voucher_types SET stock_count = ? WHERE id = ?`, stock, string(id))
	return expectOne(res, err, "update stock", "voucher_type", id)
}

func (ts *txStore) InsertVoucher(ctx context.Context, v *loyalty.Voucher) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO vouchers (id, member_id, voucher_type_id, status, issue_date, expiry_date, used_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(v.ID), string(v.MemberID), string(v.VoucherTypeID), string(v.Status),
		formatTime(v.IssueDate), formatTime(v.ExpiryDate), formatTimePtr(v.UsedDate),
	)
	if err != nil {
		return loyalty.Transient("insert voucher", err)
	}
	return nil
}

func (ts *txStore) UpdateVoucher(ctx context.Context, v *loyalty.Voucher) error {
	res, err := ts.tx.ExecContext(ctx,
		`UPDATE vouchers SET status = ?, used_date = ? WHERE id = ?`,
		string(v.Status), formatTimePtr(v.UsedDate), string(v.ID))
	return expectOne(res, err, "update voucher", "voucher", v.ID)
}

func (ts *txStore) AppendTransaction(ctx context.Context, t *loyalty.Transaction) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, member_id, tx_type, amount, discount_applied, points_earned,
		 staff_id, voucher_id, product_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.ID), string(t.MemberID), string(t.Type),
		t.Amount.String(), t.DiscountApplied.String(), t.PointsEarned,
		nullString(string(t.StaffID)), nullString(string(t.VoucherID)), nullString(string(t.ProductID)),
		nullString(t.IdempotencyKey), formatTime(t.Timestamp),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key") {
			return loyalty.ErrDuplicateRequest
		}
		return loyalty.Transient("append transaction", err)
	}
	return nil
}

func (ts *txStore) AppendFinancialEntry(ctx context.Context, e *loyalty.FinancialEntry) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO financial_ledger
		(id, entry_type, amount, description, member_id, transaction_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), string(e.Type), e.Amount.String(), e.Description,
		nullString(string(e.MemberID)), nullString(string(e.TransactionID)), formatTime(e.Timestamp),
	)
	if err != nil {
		return loyalty.Transient("append financial entry", err)
	}
	return nil
}

// =============================================================================
// CATALOG STORE
// =============================================================================

func (s *Store) CreateMember(ctx context.Context, m *loyalty.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members
		(id, email, phone, nickname, role, level_id, level_expiry_date,
		 loyalty_points, lifetime_points, balance, balance_expiry_date, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.ID), nullString(m.Email), nullString(m.Phone), m.Nickname, string(m.Role),
		nullString(string(m.LevelID)), formatTimePtr(m.LevelExpiryDate),
		m.LoyaltyPoints, m.LifetimePoints, m.Balance.String(), formatTimePtr(m.BalanceExpiryDate),
		m.IsActive, formatTime(created),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &loyalty.ValidationError{Field: "member", Message: "id, email or phone already registered"}
		}
		return loyalty.Transient("create member", err)
	}
	return nil
}

func (s *Store) SaveLevel(ctx context.Context, l *loyalty.Level) error {
	return s.upsert(ctx, "save level", `
		INSERT INTO levels (id, name, min_points, point_multiplier, theme_name, unlock_social, unlock_avatar, unlock_games)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			min_points = excluded.min_points,
			point_multiplier = excluded.point_multiplier,
			theme_name = excluded.theme_name,
			unlock_social = excluded.unlock_social,
			unlock_avatar = excluded.unlock_avatar,
			unlock_games = excluded.unlock_games`,
		string(l.ID), l.Name, l.MinPoints, l.PointMultiplier.String(), l.ThemeName,
		l.UnlockSocial, l.UnlockAvatar, l.UnlockGames,
	)
}

func (s *Store) SaveVoucherType(ctx context.Context, vt *loyalty.VoucherType) error {
	var cost sql.NullString
	if vt.CostOfGoods != nil {
		cost = sql.NullString{String: vt.CostOfGoods.String(), Valid: true}
	}
	var stock sql.NullInt64
	if vt.StockCount != nil {
		stock = sql.NullInt64{Int64: *vt.StockCount, Valid: true}
	}
	return s.upsert(ctx, "save voucher type", `
		INSERT INTO voucher_types (id, name, value, threshold, expiry_days, cost_of_goods, stock_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			value = excluded.value,
			threshold = excluded.threshold,
			expiry_days = excluded.expiry_days,
			cost_of_goods = excluded.cost_of_goods`,
		string(vt.ID), vt.Name, vt.Value.String(), vt.Threshold.String(), vt.ExpiryDays, cost, stock,
	)
}

func (s *Store) RestockVoucherType(ctx context.Context, id loyalty.VoucherTypeID, stock *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n sql.NullInt64
	if stock != nil {
		n = sql.NullInt64{Int64: *stock, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE voucher_types SET stock_count = ? WHERE id = ?`, n, string(id))
	if err != nil {
		return loyalty.Transient("restock voucher type", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return loyalty.NotFound("voucher_type", id)
	}
	return nil
}

func (s *Store) SaveRechargeTier(ctx context.Context, t *loyalty.RechargeTier) error {
	return s.upsert(ctx, "save recharge tier", `
		INSERT INTO recharge_tiers (id, amount, grant_voucher_type_id, grant_voucher_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			grant_voucher_type_id = excluded.grant_voucher_type_id,
			grant_voucher_count = excluded.grant_voucher_count`,
		string(t.ID), t.Amount.String(), nullString(string(t.GrantVoucherTypeID)), t.GrantVoucherCount,
	)
}

func (s *Store) SavePointsStoreItem(ctx context.Context, it *loyalty.PointsStoreItem) error {
	return s.upsert(ctx, "save points store item", `
		INSERT INTO points_store_items (id, name, description, image_url, points_cost, linked_voucher_type_id, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			image_url = excluded.image_url,
			points_cost = excluded.points_cost,
			linked_voucher_type_id = excluded.linked_voucher_type_id,
			is_active = excluded.is_active`,
		string(it.ID), it.Name, it.Description, it.ImageURL, it.PointsCost,
		nullString(string(it.LinkedVoucherTypeID)), it.IsActive,
	)
}

func (s *Store) SaveBalanceStoreItem(ctx context.Context, it *loyalty.BalanceStoreItem) error {
	return s.upsert(ctx, "save balance store item", `
		INSERT INTO balance_store_items (id, name, description, image_url, balance_price, linked_voucher_type_id, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			image_url = excluded.image_url,
			balance_price = excluded.balance_price,
			linked_voucher_type_id = excluded.linked_voucher_type_id,
			is_active = excluded.is_active`,
		string(it.ID), it.Name, it.Description, it.ImageURL, it.BalancePrice.String(),
		nullString(string(it.LinkedVoucherTypeID)), it.IsActive,
	)
}

func (s *Store) upsert(ctx context.Context, op, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueConstraintError(err) {
			return &loyalty.ValidationError{Field: op, Message: "conflicts with an existing row"}
		}
		return loyalty.Transient(op, err)
	}
	return nil
}

// Reset clears all data. Transactions and ledger rows are removed by
// dropping the tables, which the append-only triggers do not cover.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"financial_ledger", "transactions", "vouchers", "recharge_tiers",
		"points_store_items", "balance_store_items", "members", "voucher_types", "levels",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("failed to drop %s: %w", t, err)
		}
	}
	return s.migrate()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func expectOne(res sql.Result, err error, op, kind string, id any) error {
	if err != nil {
		return loyalty.Transient(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return loyalty.Transient(op, err)
	}
	if n == 0 {
		return loyalty.NotFound(kind, id)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
