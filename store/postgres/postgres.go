// Package postgres implements loyalty.Store on PostgreSQL through a pgx
// connection pool.
//
// Each unit of work is one database transaction. Lock* methods issue
// SELECT ... FOR UPDATE, so concurrent units touching the same member,
// voucher or voucher type queue on the row while unrelated rows proceed in
// parallel. Money columns are NUMERIC(14,2); they are read as text and
// parsed with shopspring/decimal, and written as text cast to numeric, so no
// value ever passes through a float.
//
// Example:
//
//	store, err := postgres.New(ctx, dsn, 10)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/loyalty"
)

// lockTimeout bounds how long a unit waits on a row lock before failing
// with a transient error.
const lockTimeout = "5s"

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

type Store struct {
	queries
	pool *pgxpool.Pool
}

// New connects, verifies the database is reachable and applies migrations.
func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	s := &Store{queries: queries{q: pool}, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("connected to PostgreSQL")
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// =============================================================================
// MIGRATIONS
// =============================================================================

var migrations = []struct {
	version int
	sql     string
}{
	{1, migration001Schema},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		if err := s.applyMigration(ctx, m.version, m.sql); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int, sql string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var applied bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&applied); err != nil {
		return err
	}
	if applied {
		return nil
	}
	if _, err := tx.Exec(ctx, sql); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return err
	}
	log.Infof("migration %d applied", version)
	return tx.Commit(ctx)
}

const migration001Schema = `
CREATE TABLE levels (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	min_points BIGINT NOT NULL UNIQUE,
	point_multiplier NUMERIC(4,1) NOT NULL DEFAULT 1.0,
	theme_name TEXT NOT NULL DEFAULT '',
	unlock_social BOOLEAN NOT NULL DEFAULT FALSE,
	unlock_avatar BOOLEAN NOT NULL DEFAULT FALSE,
	unlock_games BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE members (
	id TEXT PRIMARY KEY,
	email TEXT UNIQUE,
	phone TEXT UNIQUE,
	nickname TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'MEMBER',
	level_id TEXT REFERENCES levels(id),
	level_expiry_date TIMESTAMPTZ,
	loyalty_points BIGINT NOT NULL DEFAULT 0 CHECK (loyalty_points >= 0),
	lifetime_points BIGINT NOT NULL DEFAULT 0 CHECK (lifetime_points >= 0),
	balance NUMERIC(14,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	balance_expiry_date TIMESTAMPTZ,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX idx_members_level_expiry ON members(level_expiry_date) WHERE level_expiry_date IS NOT NULL;

CREATE TABLE voucher_types (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	value NUMERIC(14,2) NOT NULL DEFAULT 0,
	threshold NUMERIC(14,2) NOT NULL DEFAULT 0,
	expiry_days INTEGER NOT NULL DEFAULT 365,
	cost_of_goods NUMERIC(14,2),
	stock_count BIGINT CHECK (stock_count IS NULL OR stock_count >= 0)
);

CREATE TABLE vouchers (
	id TEXT PRIMARY KEY,
	member_id TEXT NOT NULL REFERENCES members(id),
	voucher_type_id TEXT NOT NULL REFERENCES voucher_types(id),
	status TEXT NOT NULL DEFAULT 'unused',
	issue_date TIMESTAMPTZ NOT NULL,
	expiry_date TIMESTAMPTZ NOT NULL,
	used_date TIMESTAMPTZ
);
CREATE INDEX idx_vouchers_member_status ON vouchers(member_id, status, expiry_date);
CREATE INDEX idx_vouchers_unused_expiry ON vouchers(expiry_date) WHERE status = 'unused';

CREATE TABLE transactions (
	id TEXT PRIMARY KEY,
	member_id TEXT NOT NULL REFERENCES members(id),
	tx_type TEXT NOT NULL,
	amount NUMERIC(14,2) NOT NULL,
	discount_applied NUMERIC(14,2) NOT NULL DEFAULT 0,
	points_earned BIGINT NOT NULL DEFAULT 0,
	staff_id TEXT,
	voucher_id TEXT,
	product_id TEXT,
	idempotency_key TEXT UNIQUE,
	created_at TIMESTAMPTZ NOT NULL,
	seq BIGSERIAL
);
CREATE INDEX idx_transactions_member_date ON transactions(member_id, created_at DESC);
CREATE INDEX idx_transactions_type_date ON transactions(tx_type, created_at DESC);

CREATE TABLE financial_ledger (
	id TEXT PRIMARY KEY,
	entry_type TEXT NOT NULL,
	amount NUMERIC(14,2) NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	member_id TEXT,
	transaction_id TEXT REFERENCES transactions(id),
	created_at TIMESTAMPTZ NOT NULL,
	seq BIGSERIAL
);
CREATE INDEX idx_financial_ledger_date ON financial_ledger(created_at DESC);

CREATE OR REPLACE FUNCTION reject_ledger_change() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

CREATE TRIGGER transactions_append_only BEFORE UPDATE OR DELETE ON transactions
	FOR EACH ROW EXECUTE FUNCTION reject_ledger_change();
CREATE TRIGGER financial_ledger_append_only BEFORE UPDATE OR DELETE ON financial_ledger
	FOR EACH ROW EXECUTE FUNCTION reject_ledger_change();

CREATE TABLE recharge_tiers (
	id TEXT PRIMARY KEY,
	amount NUMERIC(14,2) NOT NULL UNIQUE,
	grant_voucher_type_id TEXT REFERENCES voucher_types(id),
	grant_voucher_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE points_store_items (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	image_url TEXT NOT NULL DEFAULT '',
	points_cost BIGINT NOT NULL,
	linked_voucher_type_id TEXT,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE balance_store_items (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	image_url TEXT NOT NULL DEFAULT '',
	balance_price NUMERIC(14,2) NOT NULL,
	linked_voucher_type_id TEXT,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
);
`

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return loyalty.Transient("begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET LOCAL lock_timeout = '"+lockTimeout+"'"); err != nil {
		return loyalty.Transient("set lock timeout", err)
	}

	if err := fn(&txStore{queries: queries{q: tx}, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return loyalty.Transient("commit", err)
	}
	return nil
}

type txStore struct {
	queries
	tx pgx.Tx
}

func (ts *txStore) LockVoucher(ctx context.Context, id loyalty.VoucherID) (*loyalty.Voucher, error) {
	row := ts.tx.QueryRow(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id = $1 FOR UPDATE`, string(id))
	v, err := scanVoucher(row)
	return found(v, err, "voucher", id)
}

func (ts *txStore) LockMember(ctx context.Context, id loyalty.MemberID) (*loyalty.Member, error) {
	row := ts.tx.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1 FOR UPDATE`, string(id))
	m, err := scanMember(row)
	return found(m, err, "member", id)
}

func (ts *txStore) LockVoucherType(ctx context.Context, id loyalty.VoucherTypeID) (*loyalty.VoucherType, error) {
	row := ts.tx.QueryRow(ctx, `SELECT `+voucherTypeColumns+` FROM voucher_types WHERE id = $1 FOR UPDATE`, string(id))
	vt, err := scanVoucherType(row)
	return found(vt, err, "voucher_type", id)
}

func (ts *txStore) SaveMember(ctx context.Context, m *loyalty.Member) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE members SET
			email = $2, phone = $3, nickname = $4, role = $5,
			level_id = $6, level_expiry_date = $7,
			loyalty_points = $8, lifetime_points = $9,
			balance = $10::numeric, balance_expiry_date = $11, is_active = $12
		WHERE id = $1`,
		string(m.ID), nullText(m.Email), nullText(m.Phone), m.Nickname, string(m.Role),
		nullText(string(m.LevelID)), m.LevelExpiryDate,
		m.LoyaltyPoints, m.LifetimePoints,
		m.Balance.String(), m.BalanceExpiryDate, m.IsActive,
	)
	return affected(tag, err, "save member", "member", m.ID)
}

func (ts *txStore) UpdateVoucherTypeStock(ctx context.Context, id loyalty.VoucherTypeID, stock int64) error {
	tag, err := ts.tx.Exec(ctx, `UPDATE voucher_types SET stock_count = $2 WHERE id = $1`, string(id), stock)
	return affected(tag, err, "update stock", "voucher_type", id)
}

func (ts *txStore) InsertVoucher(ctx context.Context, v *loyalty.Voucher) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO vouchers (id, member_id, voucher_type_id, status, issue_date, expiry_date, used_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(v.ID), string(v.MemberID), string(v.VoucherTypeID), string(v.Status),
		v.IssueDate, v.ExpiryDate, v.UsedDate,
	)
	if err != nil {
		return loyalty.Transient("insert voucher", err)
	}
	return nil
}

func (ts *txStore) UpdateVoucher(ctx context.Context, v *loyalty.Voucher) error {
	tag, err := ts.tx.Exec(ctx, `UPDATE vouchers SET status = $2, used_date = $3 WHERE id = $1`,
		string(v.ID), string(v.Status), v.UsedDate)
	return affected(tag, err, "update voucher", "voucher", v.ID)
}

func (ts *txStore) AppendTransaction(ctx context.Context, t *loyalty.Transaction) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO transactions
		(id, member_id, tx_type, amount, discount_applied, points_earned,
		 staff_id, voucher_id, product_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11)`,
		string(t.ID), string(t.MemberID), string(t.Type),
		t.Amount.String(), t.DiscountApplied.String(), t.PointsEarned,
		nullText(string(t.StaffID)), nullText(string(t.VoucherID)), nullText(string(t.ProductID)),
		nullText(t.IdempotencyKey), t.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation &&
			strings.Contains(pgErr.ConstraintName, "idempotency_key") {
			return loyalty.ErrDuplicateRequest
		}
		return loyalty.Transient("append transaction", err)
	}
	return nil
}

func (ts *txStore) AppendFinancialEntry(ctx context.Context, e *loyalty.FinancialEntry) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO financial_ledger (id, entry_type, amount, description, member_id, transaction_id, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)`,
		string(e.ID), string(e.Type), e.Amount.String(), e.Description,
		nullText(string(e.MemberID)), nullText(string(e.TransactionID)), e.Timestamp,
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
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO members
		(id, email, phone, nickname, role, level_id, level_expiry_date,
		 loyalty_points, lifetime_points, balance, balance_expiry_date, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13)`,
		string(m.ID), nullText(m.Email), nullText(m.Phone), m.Nickname, string(m.Role),
		nullText(string(m.LevelID)), m.LevelExpiryDate,
		m.LoyaltyPoints, m.LifetimePoints, m.Balance.String(), m.BalanceExpiryDate,
		m.IsActive, created,
	)
	return catalogErr("create member", err)
}

func (s *Store) SaveLevel(ctx context.Context, l *loyalty.Level) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO levels (id, name, min_points, point_multiplier, theme_name, unlock_social, unlock_avatar, unlock_games)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			min_points = EXCLUDED.min_points,
			point_multiplier = EXCLUDED.point_multiplier,
			theme_name = EXCLUDED.theme_name,
			unlock_social = EXCLUDED.unlock_social,
			unlock_avatar = EXCLUDED.unlock_avatar,
			unlock_games = EXCLUDED.unlock_games`,
		string(l.ID), l.Name, l.MinPoints, l.PointMultiplier.String(), l.ThemeName,
		l.UnlockSocial, l.UnlockAvatar, l.UnlockGames,
	)
	return catalogErr("save level", err)
}

func (s *Store) SaveVoucherType(ctx context.Context, vt *loyalty.VoucherType) error {
	var cost *string
	if vt.CostOfGoods != nil {
		c := vt.CostOfGoods.String()
		cost = &c
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO voucher_types (id, name, value, threshold, expiry_days, cost_of_goods, stock_count)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6::numeric, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			value = EXCLUDED.value,
			threshold = EXCLUDED.threshold,
			expiry_days = EXCLUDED.expiry_days,
			cost_of_goods = EXCLUDED.cost_of_goods`,
		string(vt.ID), vt.Name, vt.Value.String(), vt.Threshold.String(), vt.ExpiryDays, cost, vt.StockCount,
	)
	return catalogErr("save voucher type", err)
}

func (s *Store) RestockVoucherType(ctx context.Context, id loyalty.VoucherTypeID, stock *int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE voucher_types SET stock_count = $1 WHERE id = $2`, stock, string(id))
	return affected(tag, err, "restock voucher type", "voucher_type", id)
}

func (s *Store) SaveRechargeTier(ctx context.Context, t *loyalty.RechargeTier) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recharge_tiers (id, amount, grant_voucher_type_id, grant_voucher_count)
		VALUES ($1, $2::numeric, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			amount = EXCLUDED.amount,
			grant_voucher_type_id = EXCLUDED.grant_voucher_type_id,
			grant_voucher_count = EXCLUDED.grant_voucher_count`,
		string(t.ID), t.Amount.String(), nullText(string(t.GrantVoucherTypeID)), t.GrantVoucherCount,
	)
	return catalogErr("save recharge tier", err)
}

func (s *Store) SavePointsStoreItem(ctx context.Context, it *loyalty.PointsStoreItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO points_store_items (id, name, description, image_url, points_cost, linked_voucher_type_id, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			image_url = EXCLUDED.image_url,
			points_cost = EXCLUDED.points_cost,
			linked_voucher_type_id = EXCLUDED.linked_voucher_type_id,
			is_active = EXCLUDED.is_active`,
		string(it.ID), it.Name, it.Description, it.ImageURL, it.PointsCost,
		nullText(string(it.LinkedVoucherTypeID)), it.IsActive,
	)
	return catalogErr("save points store item", err)
}

func (s *Store) SaveBalanceStoreItem(ctx context.Context, it *loyalty.BalanceStoreItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO balance_store_items (id, name, description, image_url, balance_price, linked_voucher_type_id, is_active)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			image_url = EXCLUDED.image_url,
			balance_price = EXCLUDED.balance_price,
			linked_voucher_type_id = EXCLUDED.linked_voucher_type_id,
			is_active = EXCLUDED.is_active`,
		string(it.ID), it.Name, it.Description, it.ImageURL, it.BalancePrice.String(),
		nullText(string(it.LinkedVoucherTypeID)), it.IsActive,
	)
	return catalogErr("save balance store item", err)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func affected(tag pgconn.CommandTag, err error, op, kind string, id any) error {
	if err != nil {
		return loyalty.Transient(op, err)
	}
	if tag.RowsAffected() == 0 {
		return loyalty.NotFound(kind, id)
	}
	return nil
}

func catalogErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &loyalty.ValidationError{Field: op, Message: "conflicts with " + pgErr.ConstraintName}
	}
	return loyalty.Transient(op, err)
}

// found maps pgx.ErrNoRows to NotFound and anything else to Transient.
func found[T any](v *T, err error, kind string, id any) (*T, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, loyalty.NotFound(kind, id)
	}
	if err != nil {
		return nil, loyalty.Transient("get "+kind, err)
	}
	return v, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
