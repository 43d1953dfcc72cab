// Package store provides an in-memory loyalty.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one mutex. A unit of work holds
// the write lock from start to finish, which serialises writers; an undo log
// restores the previous rows when the unit fails.
type Memory struct {
	reader
	mu sync.RWMutex

	members      map[loyalty.MemberID]*loyalty.Member
	levels       map[loyalty.LevelID]loyalty.Level
	voucherTypes map[loyalty.VoucherTypeID]*loyalty.VoucherType
	vouchers     map[loyalty.VoucherID]*loyalty.Voucher
	tiers        map[loyalty.RechargeTierID]loyalty.RechargeTier
	pointsItems  map[loyalty.StoreItemID]loyalty.PointsStoreItem
	balanceItems map[loyalty.StoreItemID]loyalty.BalanceStoreItem

	transactions []loyalty.Transaction
	entries      []loyalty.FinancialEntry
	idempotency  map[string]loyalty.TransactionID

	// faults makes the named write method fail once. Tests use it to check
	// that a failing unit leaves nothing behind.
	faults map[string]error
}

func NewMemory() *Memory {
	m := &Memory{
		members:      make(map[loyalty.MemberID]*loyalty.Member),
		levels:       make(map[loyalty.LevelID]loyalty.Level),
		voucherTypes: make(map[loyalty.VoucherTypeID]*loyalty.VoucherType),
		vouchers:     make(map[loyalty.VoucherID]*loyalty.Voucher),
		tiers:        make(map[loyalty.RechargeTierID]loyalty.RechargeTier),
		pointsItems:  make(map[loyalty.StoreItemID]loyalty.PointsStoreItem),
		balanceItems: make(map[loyalty.StoreItemID]loyalty.BalanceStoreItem),
		idempotency:  make(map[string]loyalty.TransactionID),
		faults:       make(map[string]error),
	}
	m.reader = reader{m: m, locked: true}
	return m
}

// FailNext makes the next call to the named Tx write method return err.
func (m *Memory) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[method] = err
}

func (m *Memory) fault(method string) error {
	if err, ok := m.faults[method]; ok {
		delete(m.faults, method)
		return loyalty.Transient(method, err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a unit of work.
func (m *Memory) WithTx(ctx context.Context, fn func(loyalty.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return loyalty.Transient("begin", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	view := &txView{
		reader: reader{m: m},
		txLen:  len(m.transactions),
		entLen: len(m.entries),
	}
	if err := fn(view); err != nil {
		view.rollback()
		return err
	}
	return nil
}

type txView struct {
	reader
	undo   []func()
	txLen  int
	entLen int
}

func (v *txView) rollback() {
	for i := len(v.undo) - 1; i >= 0; i-- {
		v.undo[i]()
	}
	m := v.m
	for _, t := range m.transactions[v.txLen:] {
		if t.IdempotencyKey != "" {
			delete(m.idempotency, t.IdempotencyKey)
		}
	}
	m.transactions = m.transactions[:v.txLen]
	m.entries = m.entries[:v.entLen]
}

func (v *txView) LockVoucher(ctx context.Context, id loyalty.VoucherID) (*loyalty.Voucher, error) {
	return v.GetVoucher(ctx, id)
}

func (v *txView) LockMember(ctx context.Context, id loyalty.MemberID) (*loyalty.Member, error) {
	return v.GetMember(ctx, id)
}

func (v *txView) LockVoucherType(ctx context.Context, id loyalty.VoucherTypeID) (*loyalty.VoucherType, error) {
	return v.GetVoucherType(ctx, id)
}

func (v *txView) SaveMember(_ context.Context, mem *loyalty.Member) error {
	m := v.m
	if err := m.fault("SaveMember"); err != nil {
		return err
	}
	prev, ok := m.members[mem.ID]
	if !ok {
		return loyalty.NotFound("member", mem.ID)
	}
	v.undo = append(v.undo, func() { m.members[mem.ID] = prev })
	m.members[mem.ID] = mem.Clone()
	return nil
}

func (v *txView) UpdateVoucherTypeStock(_ context.Context, id loyalty.VoucherTypeID, stock int64) error {
	m := v.m
	if err := m.fault("UpdateVoucherTypeStock"); err != nil {
		return err
	}
	prev, ok := m.voucherTypes[id]
	if !ok {
		return loyalty.NotFound("voucher_type", id)
	}
	next := prev.Clone()
	next.StockCount = &stock
	v.undo = append(v.undo, func() { m.voucherTypes[id] = prev })
	m.voucherTypes[id] = next
	return nil
}

func (v *txView) InsertVoucher(_ context.Context, vo *loyalty.Voucher) error {
	m := v.m
	if err := m.fault("InsertVoucher"); err != nil {
		return err
	}
	id := vo.ID
	v.undo = append(v.undo, func() { delete(m.vouchers, id) })
	m.vouchers[id] = vo.Clone()
	return nil
}

func (v *txView) UpdateVoucher(_ context.Context, vo *loyalty.Voucher) error {
	m := v.m
	if err := m.fault("UpdateVoucher"); err != nil {
		return err
	}
	prev, ok := m.vouchers[vo.ID]
	if !ok {
		return loyalty.NotFound("voucher", vo.ID)
	}
	v.undo = append(v.undo, func() { m.vouchers[vo.ID] = prev })
	m.vouchers[vo.ID] = vo.Clone()
	return nil
}

func (v *txView) AppendTransaction(_ context.Context, t *loyalty.Transaction) error {
	m := v.m
	if err := m.fault("AppendTransaction"); err != nil {
		return err
	}
	if t.IdempotencyKey != "" {
		if _, dup := m.idempotency[t.IdempotencyKey]; dup {
			return loyalty.ErrDuplicateRequest
		}
		m.idempotency[t.IdempotencyKey] = t.ID
	}
	m.transactions = append(m.transactions, *t)
	return nil
}

func (v *txView) AppendFinancialEntry(_ context.Context, e *loyalty.FinancialEntry) error {
	m := v.m
	if err := m.fault("AppendFinancialEntry"); err != nil {
		return err
	}
	m.entries = append(m.entries, *e)
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

func (m *Memory) CreateMember(_ context.Context, mem *loyalty.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.members {
		if existing.ID == mem.ID ||
			(mem.Email != "" && existing.Email == mem.Email) ||
			(mem.Phone != "" && existing.Phone == mem.Phone) {
			return &loyalty.ValidationError{Field: "member", Message: "id, email or phone already registered"}
		}
	}
	m.members[mem.ID] = mem.Clone()
	return nil
}

func (m *Memory) SaveLevel(_ context.Context, l *loyalty.Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.levels {
		if existing.ID != l.ID && existing.MinPoints == l.MinPoints {
			return &loyalty.ValidationError{Field: "min_points", Message: "must be unique"}
		}
	}
	m.levels[l.ID] = *l
	return nil
}

func (m *Memory) SaveVoucherType(_ context.Context, vt *loyalty.VoucherType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := vt.Clone()
	if prev, ok := m.voucherTypes[vt.ID]; ok {
		next.StockCount = prev.Clone().StockCount
	}
	m.voucherTypes[vt.ID] = next
	return nil
}

func (m *Memory) RestockVoucherType(_ context.Context, id loyalty.VoucherTypeID, stock *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vt, ok := m.voucherTypes[id]
	if !ok {
		return loyalty.NotFound("voucher_type", id)
	}
	next := vt.Clone()
	next.StockCount = nil
	if stock != nil {
		s := *stock
		next.StockCount = &s
	}
	m.voucherTypes[id] = next
	return nil
}

func (m *Memory) SaveRechargeTier(_ context.Context, t *loyalty.RechargeTier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[t.ID] = *t
	return nil
}

func (m *Memory) SavePointsStoreItem(_ context.Context, it *loyalty.PointsStoreItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pointsItems[it.ID] = *it
	return nil
}

func (m *Memory) SaveBalanceStoreItem(_ context.Context, it *loyalty.BalanceStoreItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceItems[it.ID] = *it
	return nil
}

// =============================================================================
// READER - Shared by Memory (locking) and txView (already locked)
// =============================================================================

type reader struct {
	m      *Memory
	locked bool
}

func (r reader) rlock() func() {
	if !r.locked {
		return func() {}
	}
	r.m.mu.RLock()
	return r.m.mu.RUnlock
}

func (r reader) GetMember(_ context.Context, id loyalty.MemberID) (*loyalty.Member, error) {
	defer r.rlock()()
	mem, ok := r.m.members[id]
	if !ok {
		return nil, loyalty.NotFound("member", id)
	}
	return mem.Clone(), nil
}

func (r reader) GetVoucher(_ context.Context, id loyalty.VoucherID) (*loyalty.Voucher, error) {
	defer r.rlock()()
	v, ok := r.m.vouchers[id]
	if !ok {
		return nil, loyalty.NotFound("voucher", id)
	}
	return v.Clone(), nil
}

func (r reader) GetVoucherType(_ context.Context, id loyalty.VoucherTypeID) (*loyalty.VoucherType, error) {
	defer r.rlock()()
	vt, ok := r.m.voucherTypes[id]
	if !ok {
		return nil, loyalty.NotFound("voucher_type", id)
	}
	return vt.Clone(), nil
}

func (r reader) GetRechargeTier(_ context.Context, id loyalty.RechargeTierID) (*loyalty.RechargeTier, error) {
	defer r.rlock()()
	t, ok := r.m.tiers[id]
	if !ok {
		return nil, loyalty.NotFound("recharge_tier", id)
	}
	return &t, nil
}

func (r reader) GetPointsStoreItem(_ context.Context, id loyalty.StoreItemID) (*loyalty.PointsStoreItem, error) {
	defer r.rlock()()
	it, ok := r.m.pointsItems[id]
	if !ok {
		return nil, loyalty.NotFound("points_store_item", id)
	}
	return &it, nil
}

func (r reader) GetBalanceStoreItem(_ context.Context, id loyalty.StoreItemID) (*loyalty.BalanceStoreItem, error) {
	defer r.rlock()()
	it, ok := r.m.balanceItems[id]
	if !ok {
		return nil, loyalty.NotFound("balance_store_item", id)
	}
	return &it, nil
}

func (r reader) ListLevels(_ context.Context) ([]loyalty.Level, error) {
	defer r.rlock()()
	out := make([]loyalty.Level, 0, len(r.m.levels))
	for _, l := range r.m.levels {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinPoints < out[j].MinPoints })
	return out, nil
}

func (r reader) ListRechargeTiers(_ context.Context) ([]loyalty.RechargeTier, error) {
	defer r.rlock()()
	out := make([]loyalty.RechargeTier, 0, len(r.m.tiers))
	for _, t := range r.m.tiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount.LessThan(out[j].Amount) })
	return out, nil
}

func (r reader) ListPointsStoreItems(_ context.Context, activeOnly bool) ([]loyalty.PointsStoreItem, error) {
	defer r.rlock()()
	out := make([]loyalty.PointsStoreItem, 0, len(r.m.pointsItems))
	for _, it := range r.m.pointsItems {
		if activeOnly && !it.IsActive {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PointsCost == out[j].PointsCost {
			return out[i].ID < out[j].ID
		}
		return out[i].PointsCost < out[j].PointsCost
	})
	return out, nil
}

func (r reader) ListBalanceStoreItems(_ context.Context, activeOnly bool) ([]loyalty.BalanceStoreItem, error) {
	defer r.rlock()()
	out := make([]loyalty.BalanceStoreItem, 0, len(r.m.balanceItems))
	for _, it := range r.m.balanceItems {
		if activeOnly && !it.IsActive {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BalancePrice.Equal(out[j].BalancePrice) {
			return out[i].ID < out[j].ID
		}
		return out[i].BalancePrice.LessThan(out[j].BalancePrice)
	})
	return out, nil
}

func (r reader) ListVoucherTypes(_ context.Context) ([]loyalty.VoucherType, error) {
	defer r.rlock()()
	out := make([]loyalty.VoucherType, 0, len(r.m.voucherTypes))
	for _, vt := range r.m.voucherTypes {
		out = append(out, *vt.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r reader) ListMemberVouchers(_ context.Context, memberID loyalty.MemberID, status loyalty.VoucherStatus) ([]loyalty.Voucher, error) {
	defer r.rlock()()
	var out []loyalty.Voucher
	for _, v := range r.m.vouchers {
		if v.MemberID != memberID || (status != "" && v.Status != status) {
			continue
		}
		out = append(out, *v.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiryDate.Equal(out[j].ExpiryDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExpiryDate.Before(out[j].ExpiryDate)
	})
	return out, nil
}

func (r reader) ListTransactions(_ context.Context, f loyalty.TransactionFilter) ([]loyalty.Transaction, error) {
	defer r.rlock()()
	var out []loyalty.Transaction
	for i := len(r.m.transactions) - 1; i >= 0; i-- {
		t := r.m.transactions[i]
		if f.MemberID != "" && t.MemberID != f.MemberID {
			continue
		}
		if len(f.Types) > 0 && !containsType(f.Types, t.Type) {
			continue
		}
		if !inWindow(t.Timestamp, f.From, f.To) {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (r reader) ListFinancialEntries(_ context.Context, f loyalty.FinancialFilter) ([]loyalty.FinancialEntry, error) {
	defer r.rlock()()
	var out []loyalty.FinancialEntry
	for i := len(r.m.entries) - 1; i >= 0; i-- {
		e := r.m.entries[i]
		if len(f.Types) > 0 && !containsEntryType(f.Types, e.Type) {
			continue
		}
		if !inWindow(e.Timestamp, f.From, f.To) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (r reader) ListMembersDueForSettlement(_ context.Context, before time.Time) ([]loyalty.MemberID, error) {
	defer r.rlock()()
	var out []loyalty.MemberID
	for id, mem := range r.m.members {
		if mem.LevelExpiryDate != nil && mem.LevelExpiryDate.Before(before) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r reader) ListOverdueVouchers(_ context.Context, before time.Time) ([]loyalty.VoucherID, error) {
	defer r.rlock()()
	var out []loyalty.VoucherID
	for id, v := range r.m.vouchers {
		if v.Status == loyalty.VoucherUnused && v.ExpiryDate.Before(before) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func containsType(types []loyalty.TransactionType, t loyalty.TransactionType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func containsEntryType(types []loyalty.FinancialEntryType, t loyalty.FinancialEntryType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func inWindow(ts time.Time, from, to *time.Time) bool {
	if from != nil && ts.Before(*from) {
		return false
	}
	if to != nil && ts.After(*to) {
		return false
	}
	return true
}
