package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements loyalty.Reader. Outside a unit of work it takes the
// store's read lock; inside one (lock == nil) it reads through the SQL tx.
type queries struct {
	q    querier
	lock *sync.RWMutex
}

func (qs queries) rlock() func() {
	if qs.lock == nil {
		return func() {}
	}
	qs.lock.RLock()
	return qs.lock.RUnlock
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// MEMBERS
// =============================================================================

const memberColumns = `id, email, phone, nickname, role, level_id, level_expiry_date,
	loyalty_points, lifetime_points, balance, balance_expiry_date, is_active, created_at`

func (qs queries) GetMember(ctx context.Context, id loyalty.MemberID) (*loyalty.Member, error) {
	defer qs.rlock()()
	row := qs.q.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ?`, string(id))
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loyalty.NotFound("member", id)
	}
	if err != nil {
		return nil, loyalty.Transient("get member", err)
	}
	return m, nil
}

func scanMember(row scanner) (*loyalty.Member, error) {
	var (
		m                      loyalty.Member
		id, role, balance      string
		email, phone, levelID  sql.NullString
		levelExpiry, balExpiry sql.NullString
		createdAt              string
	)
	if err := row.Scan(&id, &email, &phone, &m.Nickname, &role, &levelID, &levelExpiry,
		&m.LoyaltyPoints, &m.LifetimePoints, &balance, &balExpiry, &m.IsActive, &createdAt); err != nil {
		return nil, err
	}
	m.ID = loyalty.MemberID(id)
	m.Email = email.String
	m.Phone = phone.String
	m.Role = loyalty.Role(role)
	m.LevelID = loyalty.LevelID(levelID.String)

	var err error
	if m.Balance, err = parseDecimal(balance); err != nil {
		return nil, fmt.Errorf("member %s balance: %w", id, err)
	}
	if m.LevelExpiryDate, err = parseTimePtr(levelExpiry); err != nil {
		return nil, err
	}
	if m.BalanceExpiryDate, err = parseTimePtr(balExpiry); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (qs queries) ListMembersDueForSettlement(ctx context.Context, before time.Time) ([]loyalty.MemberID, error) {
	defer qs.rlock()()
	rows, err := qs.q.QueryContext(ctx,
		`SELECT id FROM members WHERE level_expiry_date IS NOT NULL AND level_expiry_date < ? ORDER BY id`,
		formatTime(before))
	if err != nil {
		return nil, loyalty.Transient("list due members", err)
	}
	defer rows.Close()

	var ids []loyalty.MemberID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, loyalty.Transient("list due members", err)
		}
		ids = append(ids, loyalty.MemberID(id))
	}
	return ids, rows.Err()
}

// =============================================================================
// LEVELS
// =============================================================================

func (qs queries) ListLevels(ctx context.Context) ([]loyalty.Level, error) {
	defer qs.rlock()()
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, name, min_points, point_multiplier, theme_name, unlock_social, unlock_avatar, unlock_games
		FROM levels ORDER BY min_points ASC`)
	if err != nil {
		return nil, loyalty.Transient("list levels", err)
	}
	defer rows.Close()

	var levels []loyalty.Level
	for rows.Next() {
		var (
			l        loyalty.Level
			id, mult string
		)
		if err := rows.Scan(&id, &l.Name, &l.MinPoints, &mult, &l.ThemeName,
			&l.UnlockSocial, &l.UnlockAvatar, &l.UnlockGames); err != nil {
			return nil, loyalty.Transient("scan level", err)
		}
		l.ID = loyalty.LevelID(id)
		if l.PointMultiplier, err = parseDecimal(mult); err != nil {
			return nil, fmt.Errorf("level %s multiplier: %w", id, err)
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

// =============================================================================
// VOUCHER TYPES & VOUCHERS
// =============================================================================

const voucherTypeColumns = `id, name, value, threshold, expiry_days, cost_of_goods, stock_count`

func (qs queries) GetVoucherType(ctx context.Context, id loyalty.VoucherTypeID) (*loyalty.VoucherType, error) {
	defer qs.rlock()()
	row := qs.q.QueryRowContext(ctx, `SELECT `+voucherTypeColumns+` FROM voucher_types WHERE id = ?`, string(id))
	vt, err := scanVoucherType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loyalty.NotFound("voucher_type", id)
	}
	if err != nil {
		return nil, loyalty.Transient("get voucher type", err)
	}
	return vt, nil
}

func (qs queries) ListVoucherTypes(ctx context.Context) ([]loyalty.VoucherType, error) {
	defer qs.rlock()()
	rows, err := qs.q.QueryContext(ctx, `SELECT `+voucherTypeColumns+` FROM voucher_types ORDER BY id`)
	if err != nil {
		return nil, loyalty.Transient("list voucher types", err)
	}
	defer rows.Close()

	var out []loyalty.VoucherType
	for rows.Next() {
		vt, err := scanVoucherType(rows)
		if err != nil {
			return nil, loyalty.Transient("scan voucher type", err)
		}
		out = append(out, *vt)
	}
	return out, rows.Err()
}

func scanVoucherType(row scanner) (*loyalty.VoucherType, error) {
	var (
		vt               loyalty.VoucherType
		id, value, thres string
		cost             sql.NullString
		stock            sql.NullInt64
	)
	if err := row.Scan(&id, &vt.Name, &value, &thres, &vt.ExpiryDays, &cost, &stock); err != nil {
		return nil, err
	}
	vt.ID = loyalty.VoucherTypeID(id)

	var err error
	if vt.Value, err = parseDecimal(value); err != nil {
		return nil, err
	}
	if vt.Threshold, err = parseDecimal(thres); err != nil {
		return nil, err
	}
	if cost.Valid {
		c, err := parseDecimal(cost.String)
		if err != nil {
			return nil, err
		}
		vt.CostOfGoods = &c
	}
	if stock.Valid {
		s := stock.Int64
		vt.StockCount = &s
	}
	return &vt, nil
}

const voucherColumns = `id, member_id, voucher_type_id, status, issue_date, expiry_date, used_date`

func (qs queries) GetVoucher(ctx context.Context, id loyalty.VoucherID) (*loyalty.Voucher, error) {
	defer qs.rlock()()
	row := qs.q.QueryRowContext(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id = ?`, string(id))
	v, err := scanVoucher(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loyalty.NotFound("voucher", id)
	}
	if err != nil {
		return nil, loyalty.Transient("get voucher", err)
	}
	return v, nil
}

func (qs queries) ListMemberVouchers(ctx context.Context, memberID loyalty.MemberID, status loyalty.VoucherStatus) ([]loyalty.Voucher, error) {
	defer qs.rlock()()
	query := `SELECT ` + voucherColumns + ` FROM vouchers WHERE member_id = ?`
	args := []any{string(memberID)}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY expiry_date ASC, id ASC`
	return qs.queryVouchers(ctx, query, args...)
}

func (qs queries) queryVouchers(ctx context.Context, query string, args ...any) ([]loyalty.Voucher, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, loyalty.Transient("query vouchers", err)
	}
	defer rows.Close()

	var out []loyalty.Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, loyalty.Transient("scan voucher", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func scanVoucher(row scanner) (*loyalty.Voucher, error) {
	var (
		v                         loyalty.Voucher
		id, member, vtype, status string
		issue, expiry             string
		used                      sql.NullString
	)
	if err := row.Scan(&id, &member, &vtype, &status, &issue, &expiry, &used); err != nil {
		return nil, err
	}
	v.ID = loyalty.VoucherID(id)
	v.MemberID = loyalty.MemberID(member)
	v.VoucherTypeID = loyalty.VoucherTypeID(vtype)
	v.Status = loyalty.VoucherStatus(status)

	var err error
	if v.IssueDate, err = parseTime(issue); err != nil {
		return nil, err
	}
	if v.ExpiryDate, err = parseTime(expiry); err != nil {
		return nil, err
	}
	if v.UsedDate, err = parseTimePtr(used); err != nil {
		return nil, err
	}
	return &v, nil
}

func (qs queries) ListOverdueVouchers(ctx context.Context, before time.Time) ([]loyalty.VoucherID, error) {
	defer qs.rlock()()
	rows, err := qs.q.QueryContext(ctx,
		`SELECT id FROM vouchers WHERE status = 'unused' AND expiry_date < ? ORDER BY id`,
		formatTime(before))
	if err != nil {
		return nil, loyalty.Transient("list overdue vouchers", err)
	}
	defer rows.Close()

	var ids []loyalty.VoucherID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, loyalty.Transient("list overdue vouchers", err)
		}
		ids = append(ids, loyalty.VoucherID(id))
	}
	return ids, rows.Err()
}

// =============================================================================
// CATALOG
// =============================================================================

func (qs queries) GetRechargeTier(ctx context.Context, id loyalty.RechargeTierID) (*loyalty.RechargeTier, error) {
	defer qs.rlock()()
	row := qs.q.QueryRowContext(ctx,
		`SELECT id, amount, grant_voucher_type_id, grant_voucher_count FROM recharge_tiers WHERE id = ?`, string(id))
	t, err := scanRechargeTier(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loyalty.NotFound("recharge_tier", id)
	}
	if err != nil {
		return nil, loyalty.Transient("get recharge tier", err)
	}
	return t, nil
}

func (qs queries) ListRechargeTiers(ctx context.Context) ([]loyalty.RechargeTier, error) {
	defer qs.rlock()()
	rows, err := qs.q.QueryContext(ctx,
		`SELECT id, amount, grant_voucher_type_id, grant_voucher_count FROM recharge_tiers
		 ORDER BY CAST(amount AS REAL) ASC`)
	if err != nil {
		return nil, loyalty.Transient("list recharge tiers", err)
	}
	defer rows.Close()

	var out []loyalty.RechargeTier
	for rows.Next() {
		t, err := scanRechargeTier(rows)
		if err != nil {
			return nil, loyalty.Transient("scan recharge tier", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanRechargeTier(row scanner) (*loyalty.RechargeTier, error) {
	var (
		t          loyalty.RechargeTier
		id, amount string
		grant      sql.NullString
	)
	if err := row.Scan(&id, &amount, &grant, &t.GrantVoucherCount); err != nil {
		return nil, err
	}
	t.ID = loyalty.RechargeTierID(id)
	t.GrantVoucherTypeID = loyalty.VoucherTypeID(grant.String)
	var err error
	if t.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	return &t, nil
}

func (qs queries) GetPointsStoreItem(ctx context.Context, id loyalty.StoreItemID) (*loyalty.PointsStoreItem, error) {
	defer qs.rlock()()
	row := qs.q.QueryRowContext(ctx, `
		SELECT id, name, description, image_url, points_cost, linked_voucher_type_id, is_active
		FROM points_store_items WHERE id = ?`, string(id))
	it, err := scanPointsItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loyalty.NotFound("points_store_item", id)
	}
	if err != nil {
		return nil, loyalty.Transient("get points store item", err)
	}
	return it, nil
}

func (qs queries) ListPointsStoreItems(ctx context.Context, activeOnly bool) ([]loyalty.PointsStoreItem, error) {
	defer qs.rlock()()
	query := `SELECT id, name, description, image_url, points_cost, linked_voucher_type_id, is_active
		FROM points_store_items`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY points_cost ASC, id ASC`

	rows, err := qs.q.QueryContext(ctx, query)
	if err != nil {
		return nil, loyalty.Transient("list points store", err)
	}
	defer rows.Close()

	var out []loyalty.PointsStoreItem
	for rows.Next() {
		it, err := scanPointsItem(rows)
		if err != nil {
			return nil, loyalty.Transient("scan points store item", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func scanPointsItem(row scanner) (*loyalty.PointsStoreItem, error) {
	var (
		it     loyalty.PointsStoreItem
		id     string
		linked sql.NullString
	)
	if err := row.Scan(&id, &it.Name, &it.Description, &it.ImageURL, &it.PointsCost, &linked, &it.IsActive); err != nil {
		return nil, err
	}
	it.ID = loyalty.StoreItemID(id)
	it.LinkedVoucherTypeID = loyalty.VoucherTypeID(linked.String)
	return &it, nil
}

func (qs queries) GetBalanceStoreItem(ctx context.Context, id loyalty.StoreItemID) (*loyalty.BalanceStoreItem, error) {
	defer qs.rlock()()
	row := qs.q.QueryRowContext(ctx, `
		SELECT id, name, description, image_url, balance_price, linked_voucher_type_id, is_active
		FROM balance_store_items WHERE id = ?`, string(id))
	it, err := scanBalanceItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, loyalty.NotFound("balance_store_item", id)
	}
	if err != nil {
		return nil, loyalty.Transient("get balance store item", err)
	}
	return it, nil
}

func (qs queries) ListBalanceStoreItems(ctx context.Context, activeOnly bool) ([]loyalty.BalanceStoreItem, error) {
	defer qs.rlock()()
	query := `SELECT id, name, description, image_url, balance_price, linked_voucher_type_id, is_active
		FROM balance_store_items`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY CAST(balance_price AS REAL) ASC, id ASC`

	rows, err := qs.q.QueryContext(ctx, query)
	if err != nil {
		return nil, loyalty.Transient("list balance store", err)
	}
	defer rows.Close()

	var out []loyalty.BalanceStoreItem
	for rows.Next() {
		it, err := scanBalanceItem(rows)
		if err != nil {
			return nil, loyalty.Transient("scan balance store item", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func scanBalanceItem(row scanner) (*loyalty.BalanceStoreItem, error) {
	var (
		it        loyalty.BalanceStoreItem
		id, price string
		linked    sql.NullString
	)
	if err := row.Scan(&id, &it.Name, &it.Description, &it.ImageURL, &price, &linked, &it.IsActive); err != nil {
		return nil, err
	}
	it.ID = loyalty.StoreItemID(id)
	it.LinkedVoucherTypeID = loyalty.VoucherTypeID(linked.String)
	var err error
	if it.BalancePrice, err = parseDecimal(price); err != nil {
		return nil, err
	}
	return &it, nil
}

// =============================================================================
// LEDGERS
// =============================================================================

func (qs queries) ListTransactions(ctx context.Context, f loyalty.TransactionFilter) ([]loyalty.Transaction, error) {
	defer qs.rlock()()
	var (
		where []string
		args  []any
	)
	if f.MemberID != "" {
		where = append(where, "member_id = ?")
		args = append(args, string(f.MemberID))
	}
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "tx_type IN ("+strings.Join(ph, ", ")+")")
	}
	where, args = appendWindow(where, args, f.From, f.To)

	query := `SELECT id, member_id, tx_type, amount, discount_applied, points_earned,
		staff_id, voucher_id, product_id, idempotency_key, created_at FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, loyalty.Transient("list transactions", err)
	}
	defer rows.Close()

	var out []loyalty.Transaction
	for rows.Next() {
		var (
			t                         loyalty.Transaction
			id, member, typ           string
			amount, discount, created string
			staff, voucher, product   sql.NullString
			key                       sql.NullString
		)
		if err := rows.Scan(&id, &member, &typ, &amount, &discount, &t.PointsEarned,
			&staff, &voucher, &product, &key, &created); err != nil {
			return nil, loyalty.Transient("scan transaction", err)
		}
		t.ID = loyalty.TransactionID(id)
		t.MemberID = loyalty.MemberID(member)
		t.Type = loyalty.TransactionType(typ)
		t.StaffID = loyalty.MemberID(staff.String)
		t.VoucherID = loyalty.VoucherID(voucher.String)
		t.ProductID = loyalty.StoreItemID(product.String)
		t.IdempotencyKey = key.String
		if t.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if t.DiscountApplied, err = parseDecimal(discount); err != nil {
			return nil, err
		}
		if t.Timestamp, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (qs queries) ListFinancialEntries(ctx context.Context, f loyalty.FinancialFilter) ([]loyalty.FinancialEntry, error) {
	defer qs.rlock()()
	var (
		where []string
		args  []any
	)
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "entry_type IN ("+strings.Join(ph, ", ")+")")
	}
	where, args = appendWindow(where, args, f.From, f.To)

	query := `SELECT id, entry_type, amount, description, member_id, transaction_id, created_at
		FROM financial_ledger`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, loyalty.Transient("list financial entries", err)
	}
	defer rows.Close()

	var out []loyalty.FinancialEntry
	for rows.Next() {
		var (
			e                        loyalty.FinancialEntry
			id, typ, amount, created string
			member, txID             sql.NullString
		)
		if err := rows.Scan(&id, &typ, &amount, &e.Description, &member, &txID, &created); err != nil {
			return nil, loyalty.Transient("scan financial entry", err)
		}
		e.ID = loyalty.FinancialEntryID(id)
		e.Type = loyalty.FinancialEntryType(typ)
		e.MemberID = loyalty.MemberID(member.String)
		e.TransactionID = loyalty.TransactionID(txID.String)
		if e.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func appendWindow(where []string, args []any, from, to *time.Time) ([]string, []any) {
	if from != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*from))
	}
	if to != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*to))
	}
	return where, args
}
