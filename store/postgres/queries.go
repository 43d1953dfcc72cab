package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/warp/loyalty-engine/loyalty"
)

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// queries implements loyalty.Reader on top of either the pool or a tx.
type queries struct {
	q querier
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// MEMBERS
// =============================================================================

const memberColumns = `id, email, phone, nickname, role, level_id, level_expiry_date,
	loyalty_points, lifetime_points, balance::text, balance_expiry_date, is_active, created_at`

func (qs queries) GetMember(ctx context.Context, id loyalty.MemberID) (*loyalty.Member, error) {
	row := qs.q.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, string(id))
	m, err := scanMember(row)
	return found(m, err, "member", id)
}

func scanMember(row scanner) (*loyalty.Member, error) {
	var (
		m                     loyalty.Member
		id, role, balance     string
		email, phone, levelID *string
	)
	if err := row.Scan(&id, &email, &phone, &m.Nickname, &role, &levelID, &m.LevelExpiryDate,
		&m.LoyaltyPoints, &m.LifetimePoints, &balance, &m.BalanceExpiryDate, &m.IsActive, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.ID = loyalty.MemberID(id)
	m.Email = deref(email)
	m.Phone = deref(phone)
	m.Role = loyalty.Role(role)
	m.LevelID = loyalty.LevelID(deref(levelID))

	var err error
	if m.Balance, err = parseDecimal(balance); err != nil {
		return nil, fmt.Errorf("member %s balance: %w", id, err)
	}
	return &m, nil
}

func (qs queries) ListMembersDueForSettlement(ctx context.Context, before time.Time) ([]loyalty.MemberID, error) {
	rows, err := qs.q.Query(ctx,
		`SELECT id FROM members WHERE level_expiry_date IS NOT NULL AND level_expiry_date < $1 ORDER BY id`, before)
	if err != nil {
		return nil, loyalty.Transient("list due members", err)
	}
	ids, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (loyalty.MemberID, error) {
		var id string
		err := r.Scan(&id)
		return loyalty.MemberID(id), err
	})
	if err != nil {
		return nil, loyalty.Transient("list due members", err)
	}
	return ids, nil
}

// =============================================================================
// LEVELS
// =============================================================================

func (qs queries) ListLevels(ctx context.Context) ([]loyalty.Level, error) {
	rows, err := qs.q.Query(ctx, `
		SELECT id, name, min_points, point_multiplier::text, theme_name, unlock_social, unlock_avatar, unlock_games
		FROM levels ORDER BY min_points ASC`)
	if err != nil {
		return nil, loyalty.Transient("list levels", err)
	}
	levels, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (loyalty.Level, error) {
		var (
			l        loyalty.Level
			id, mult string
		)
		if err := r.Scan(&id, &l.Name, &l.MinPoints, &mult, &l.ThemeName,
			&l.UnlockSocial, &l.UnlockAvatar, &l.UnlockGames); err != nil {
			return l, err
		}
		l.ID = loyalty.LevelID(id)
		var err error
		l.PointMultiplier, err = parseDecimal(mult)
		return l, err
	})
	if err != nil {
		return nil, loyalty.Transient("list levels", err)
	}
	return levels, nil
}

// =============================================================================
// VOUCHER TYPES & VOUCHERS
// =============================================================================

const voucherTypeColumns = `id, name, value::text, threshold::text, expiry_days, cost_of_goods::text, stock_count`

func (qs queries) GetVoucherType(ctx context.Context, id loyalty.VoucherTypeID) (*loyalty.VoucherType, error) {
	row := qs.q.QueryRow(ctx, `SELECT `+voucherTypeColumns+` FROM voucher_types WHERE id = $1`, string(id))
	vt, err := scanVoucherType(row)
	return found(vt, err, "voucher_type", id)
}

func (qs queries) ListVoucherTypes(ctx context.Context) ([]loyalty.VoucherType, error) {
	rows, err := qs.q.Query(ctx, `SELECT `+voucherTypeColumns+` FROM voucher_types ORDER BY id`)
	if err != nil {
		return nil, loyalty.Transient("list voucher types", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (loyalty.VoucherType, error) {
		vt, err := scanVoucherType(r)
		if err != nil {
			return loyalty.VoucherType{}, err
		}
		return *vt, nil
	})
	if err != nil {
		return nil, loyalty.Transient("list voucher types", err)
	}
	return out, nil
}

func scanVoucherType(row scanner) (*loyalty.VoucherType, error) {
	var (
		vt               loyalty.VoucherType
		id, value, thres string
		cost             *string
	)
	if err := row.Scan(&id, &vt.Name, &value, &thres, &vt.ExpiryDays, &cost, &vt.StockCount); err != nil {
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
	if cost != nil {
		c, err := parseDecimal(*cost)
		if err != nil {
			return nil, err
		}
		vt.CostOfGoods = &c
	}
	return &vt, nil
}

const voucherColumns = `id, member_id, voucher_type_id, status, issue_date, expiry_date, used_date`

func (qs queries) GetVoucher(ctx context.Context, id loyalty.VoucherID) (*loyalty.Voucher, error) {
	row := qs.q.QueryRow(ctx, `SELECT `+voucherColumns+` FROM vouchers WHERE id = $1`, string(id))
	v, err := scanVoucher(row)
	return found(v, err, "voucher", id)
}

func (qs queries) ListMemberVouchers(ctx context.Context, memberID loyalty.MemberID, status loyalty.VoucherStatus) ([]loyalty.Voucher, error) {
	query := `SELECT ` + voucherColumns + ` FROM vouchers WHERE member_id = $1`
	args := []any{string(memberID)}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += ` ORDER BY expiry_date ASC, id ASC`

	rows, err := qs.q.Query(ctx, query, args...)
	if err != nil {
		return nil, loyalty.Transient("list vouchers", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (loyalty.Voucher, error) {
		v, err := scanVoucher(r)
		if err != nil {
			return loyalty.Voucher{}, err
		}
		return *v, nil
	})
	if err != nil {
		return nil, loyalty.Transient("list vouchers", err)
	}
	return out, nil
}

func scanVoucher(row scanner) (*loyalty.Voucher, error) {
	var (
		v                         loyalty.Voucher
		id, member, vtype, status string
	)
	if err := row.Scan(&id, &member, &vtype, &status, &v.IssueDate, &v.ExpiryDate, &v.UsedDate); err != nil {
		return nil, err
	}
	v.ID = loyalty.VoucherID(id)
	v.MemberID = loyalty.MemberID(member)
	v.VoucherTypeID = loyalty.VoucherTypeID(vtype)
	v.Status = loyalty.VoucherStatus(status)
	return &v, nil
}

func (qs queries) ListOverdueVouchers(ctx context.Context, before time.Time) ([]loyalty.VoucherID, error) {
	rows, err := qs.q.Query(ctx,
		`SELECT id FROM vouchers WHERE status = 'unused' AND expiry_date < $1 ORDER BY id`, before)
	if err != nil {
		return nil, loyalty.Transient("list overdue vouchers", err)
	}
	ids, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (loyalty.VoucherID, error) {
		var id string
		err := r.Scan(&id)
		return loyalty.VoucherID(id), err
	})
	if err != nil {
		return nil, loyalty.Transient("list overdue vouchers", err)
	}
	return ids, nil
}

// =============================================================================
// CATALOG
// =============================================================================

const tierColumns = `id, amount::text, grant_voucher_type_id, grant_voucher_count`

func (qs queries) GetRechargeTier(ctx context.Context, id loyalty.RechargeTierID) (*loyalty.RechargeTier, error) {
	row := qs.q.QueryRow(ctx, `SELECT `+tierColumns+` FROM recharge_tiers WHERE id = $1`, string(id))
	t, err := scanTier(row)
	return found(t, err, "recharge_tier", id)
}

func (qs queries) ListRechargeTiers(ctx context.Context) ([]loyalty.RechargeTier, error) {
	rows, err := qs.q.Query(ctx, `SELECT `+tierColumns+` FROM recharge_tiers ORDER BY amount ASC`)
	if err != nil {
		return nil, loyalty.Transient("list recharge tiers", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (loyalty.RechargeTier, error) {
		t, err := scanTier(r)
		if err != nil {
			return loyalty.RechargeTier{}, err
		}
		return *t, nil
	})
	if err != nil {
		return nil, loyalty.Transient("list recharge tiers", err)
	}
	return out, nil
}

func scanTier(row scanner) (*loyalty.RechargeTier, error) {
	var (
		t          loyalty.RechargeTier
		id, amount string
		grant      *string
	)
	if err := row.Scan(&id, &amount, &grant, &t.GrantVoucherCount); err != nil {
		return nil, err
	}
	t.ID = loyalty.RechargeTierID(id)
	t.GrantVoucherTypeID = loyalty.VoucherTypeID(deref(grant))
	var err error
	if t.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	return &t, nil
}

const pointsItemColumns = `id, name, description, image_url, points_cost, linked_voucher_type_id, is_active`

func (qs queries) GetPointsStoreItem(ctx context.Context, id loyalty.StoreItemID) (*loyalty.PointsStoreItem, error) {
	row := qs.q.QueryRow(ctx, `SELECT `+pointsItemColumns+` FROM points_store_items WHERE id = $1`, string(id))
	it, err := scanPointsItem(row)
	return found(it, err, "points_store_item", id)
}

func (qs queries) ListPointsStoreItems(ctx context.Context, activeOnly bool) ([]loyalty.PointsStoreItem, error) {
	query := `SELECT ` + pointsItemColumns + ` FROM points_store_items`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY points_cost ASC, id ASC`

	rows, err := qs.q.Query(ctx, query)
	if err != nil {
		return nil, loyalty.Transient("list points store", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (loyalty.PointsStoreItem, error) {
		it, err := scanPointsItem(r)
		if err != nil {
			return loyalty.PointsStoreItem{}, err
		}
		return *it, nil
	})
	if err != nil {
		return nil, loyalty.Transient("list points store", err)
	}
	return out, nil
}

func scanPointsItem(row scanner) (*loyalty.PointsStoreItem, error) {
	var (
		it     loyalty.PointsStoreItem
		id     string
		linked *string
	)
	if err := row.Scan(&id, &it.Name, &it.Description, &it.ImageURL, &it.PointsCost, &linked, &it.IsActive); err != nil {
		return nil, err
	}
	it.ID = loyalty.StoreItemID(id)
	it.LinkedVoucherTypeID = loyalty.VoucherTypeID(deref(linked))
	return &it, nil
}

const balanceItemColumns = `id, name, description, image_url, balance_price::text, linked_voucher_type_id, is_active`

func (qs queries) GetBalanceStoreItem(ctx context.Context, id loyalty.StoreItemID) (*loyalty.BalanceStoreItem, error) {
	row := qs.q.QueryRow(ctx, `SELECT `+balanceItemColumns+` FROM balance_store_items WHERE id = $1`, string(id))
	it, err := scanBalanceItem(row)
	return found(it, err, "balance_store_item", id)
}

func (qs queries) ListBalanceStoreItems(ctx context.Context, activeOnly bool) ([]loyalty.BalanceStoreItem, error) {
	query := `SELECT ` + balanceItemColumns + ` FROM balance_store_items`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY balance_price ASC, id ASC`

	rows, err := qs.q.Query(ctx, query)
	if err != nil {
		return nil, loyalty.Transient("list balance store", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (loyalty.BalanceStoreItem, error) {
		it, err := scanBalanceItem(r)
		if err != nil {
			return loyalty.BalanceStoreItem{}, err
		}
		return *it, nil
	})
	if err != nil {
		return nil, loyalty.Transient("list balance store", err)
	}
	return out, nil
}

func scanBalanceItem(row scanner) (*loyalty.BalanceStoreItem, error) {
	var (
		it        loyalty.BalanceStoreItem
		id, price string
		linked    *string
	)
	if err := row.Scan(&id, &it.Name, &it.Description, &it.ImageURL, &price, &linked, &it.IsActive); err != nil {
		return nil, err
	}
	it.ID = loyalty.StoreItemID(id)
	it.LinkedVoucherTypeID = loyalty.VoucherTypeID(deref(linked))
	var err error
	if it.BalancePrice, err = parseDecimal(price); err != nil {
		return nil, err
	}
	return &it, nil
}

// =============================================================================
// LEDGERS
// =============================================================================

// filterBuilder accumulates WHERE clauses with numbered placeholders.
type filterBuilder struct {
	where []string
	args  []any
}

func (b *filterBuilder) add(clause string, arg any) {
	b.args = append(b.args, arg)
	b.where = append(b.where, fmt.Sprintf(clause, len(b.args)))
}

func (b *filterBuilder) window(from, to *time.Time) {
	if from != nil {
		b.add("created_at >= $%d", *from)
	}
	if to != nil {
		b.add("created_at <= $%d", *to)
	}
}

func (b *filterBuilder) sql(base, order string, limit int) string {
	if len(b.where) > 0 {
		base += " WHERE " + strings.Join(b.where, " AND ")
	}
	base += " ORDER BY " + order
	if limit > 0 {
		base += fmt.Sprintf(" LIMIT %d", limit)
	}
	return base
}

func (qs queries) ListTransactions(ctx context.Context, f loyalty.TransactionFilter) ([]loyalty.Transaction, error) {
	var b filterBuilder
	if f.MemberID != "" {
		b.add("member_id = $%d", string(f.MemberID))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		b.add("tx_type = ANY($%d)", types)
	}
	b.window(f.From, f.To)

	query := b.sql(`SELECT id, member_id, tx_type, amount::text, discount_applied::text, points_earned,
		staff_id, voucher_id, product_id, idempotency_key, created_at FROM transactions`,
		"created_at DESC, seq DESC", f.Limit)

	rows, err := qs.q.Query(ctx, query, b.args...)
	if err != nil {
		return nil, loyalty.Transient("list transactions", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (loyalty.Transaction, error) {
		var (
			t                       loyalty.Transaction
			id, member, typ         string
			amount, discount        string
			staff, voucher, product *string
			key                     *string
		)
		if err := r.Scan(&id, &member, &typ, &amount, &discount, &t.PointsEarned,
			&staff, &voucher, &product, &key, &t.Timestamp); err != nil {
			return t, err
		}
		t.ID = loyalty.TransactionID(id)
		t.MemberID = loyalty.MemberID(member)
		t.Type = loyalty.TransactionType(typ)
		t.StaffID = loyalty.MemberID(deref(staff))
		t.VoucherID = loyalty.VoucherID(deref(voucher))
		t.ProductID = loyalty.StoreItemID(deref(product))
		t.IdempotencyKey = deref(key)
		var err error
		if t.Amount, err = parseDecimal(amount); err != nil {
			return t, err
		}
		t.DiscountApplied, err = parseDecimal(discount)
		return t, err
	})
	if err != nil {
		return nil, loyalty.Transient("list transactions", err)
	}
	return out, nil
}

func (qs queries) ListFinancialEntries(ctx context.Context, f loyalty.FinancialFilter) ([]loyalty.FinancialEntry, error) {
	var b filterBuilder
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		b.add("entry_type = ANY($%d)", types)
	}
	b.window(f.From, f.To)

	query := b.sql(`SELECT id, entry_type, amount::text, description, member_id, transaction_id, created_at
		FROM financial_ledger`, "created_at DESC, seq DESC", f.Limit)

	rows, err := qs.q.Query(ctx, query, b.args...)
	if err != nil {
		return nil, loyalty.Transient("list financial entries", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (loyalty.FinancialEntry, error) {
		var (
			e               loyalty.FinancialEntry
			id, typ, amount string
			member, txID    *string
		)
		if err := r.Scan(&id, &typ, &amount, &e.Description, &member, &txID, &e.Timestamp); err != nil {
			return e, err
		}
		e.ID = loyalty.FinancialEntryID(id)
		e.Type = loyalty.FinancialEntryType(typ)
		e.MemberID = loyalty.MemberID(deref(member))
		e.TransactionID = loyalty.TransactionID(deref(txID))
		var err error
		e.Amount, err = parseDecimal(amount)
		return e, err
	})
	if err != nil {
		return nil, loyalty.Transient("list financial entries", err)
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
