package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
)

func seedMember(t *testing.T, m *Memory, id loyalty.MemberID) {
	t.Helper()
	require.NoError(t, m.CreateMember(context.Background(), &loyalty.Member{
		ID:       id,
		Email:    string(id) + "@example.com",
		Role:     loyalty.RoleMember,
		Balance:  decimal.NewFromInt(10),
		IsActive: true,
	}))
}

func TestMemory_RollbackRestoresEveryTable(t *testing.T) {
	// GIVEN: A member and a limited voucher type
	m := NewMemory()
	ctx := context.Background()
	seedMember(t, m, "alice")
	stock := int64(5)
	require.NoError(t, m.SaveVoucherType(ctx, &loyalty.VoucherType{ID: "vt", StockCount: &stock}))

	// WHEN: A unit writes to every table and then fails
	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx loyalty.Tx) error {
		mem, err := tx.LockMember(ctx, "alice")
		require.NoError(t, err)
		mem.Balance = decimal.NewFromInt(999)
		require.NoError(t, tx.SaveMember(ctx, mem))
		require.NoError(t, tx.UpdateVoucherTypeStock(ctx, "vt", 4))
		require.NoError(t, tx.InsertVoucher(ctx, &loyalty.Voucher{ID: "v1", MemberID: "alice", Status: loyalty.VoucherUnused}))
		require.NoError(t, tx.AppendTransaction(ctx, &loyalty.Transaction{ID: "t1", MemberID: "alice", IdempotencyKey: "k1"}))
		require.NoError(t, tx.AppendFinancialEntry(ctx, &loyalty.FinancialEntry{ID: "f1"}))
		return boom
	})

	// THEN: The error surfaces and no write survived
	assert.ErrorIs(t, err, boom)
	mem, err := m.GetMember(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(mem.Balance))
	vt, err := m.GetVoucherType(ctx, "vt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), *vt.StockCount)
	_, err = m.GetVoucher(ctx, "v1")
	assert.ErrorIs(t, err, loyalty.ErrNotFound)
	txs, _ := m.ListTransactions(ctx, loyalty.TransactionFilter{})
	assert.Empty(t, txs)
	entries, _ := m.ListFinancialEntries(ctx, loyalty.FinancialFilter{})
	assert.Empty(t, entries)

	// AND: The rolled-back idempotency key is free again
	err = m.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.AppendTransaction(ctx, &loyalty.Transaction{ID: "t2", MemberID: "alice", IdempotencyKey: "k1"})
	})
	assert.NoError(t, err)
}

func TestMemory_DuplicateIdempotencyKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	appendKey := func(id loyalty.TransactionID) error {
		return m.WithTx(ctx, func(tx loyalty.Tx) error {
			return tx.AppendTransaction(ctx, &loyalty.Transaction{ID: id, IdempotencyKey: "same"})
		})
	}

	require.NoError(t, appendKey("t1"))
	assert.ErrorIs(t, appendKey("t2"), loyalty.ErrDuplicateRequest)

	txs, _ := m.ListTransactions(ctx, loyalty.TransactionFilter{})
	assert.Len(t, txs, 1)
}

func TestMemory_FailNextFiresOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedMember(t, m, "alice")
	m.FailNext("SaveMember", errors.New("io"))

	save := func() error {
		return m.WithTx(ctx, func(tx loyalty.Tx) error {
			mem, err := tx.LockMember(ctx, "alice")
			if err != nil {
				return err
			}
			return tx.SaveMember(ctx, mem)
		})
	}

	err := save()
	assert.ErrorIs(t, err, loyalty.ErrTransient)
	assert.NoError(t, save())
}

func TestMemory_ReturnedRowsAreCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedMember(t, m, "alice")

	mem, err := m.GetMember(ctx, "alice")
	require.NoError(t, err)
	mem.Balance = decimal.NewFromInt(1_000_000)

	again, err := m.GetMember(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(again.Balance))
}

func TestMemory_CreateMemberRejectsDuplicates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedMember(t, m, "alice")

	err := m.CreateMember(ctx, &loyalty.Member{ID: "alice2", Email: "alice@example.com"})

	assert.ErrorIs(t, err, loyalty.ErrValidation)
}

func TestMemory_SaveLevelRejectsDuplicateThreshold(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveLevel(ctx, &loyalty.Level{ID: "a", MinPoints: 0}))

	err := m.SaveLevel(ctx, &loyalty.Level{ID: "b", MinPoints: 0})

	assert.ErrorIs(t, err, loyalty.ErrValidation)
	assert.NoError(t, m.SaveLevel(ctx, &loyalty.Level{ID: "a", Name: "renamed", MinPoints: 0}), "updating a level in place is fine")
}

func TestMemory_ListFilters(t *testing.T) {
	// GIVEN: Ledger rows for two members across two days
	m := NewMemory()
	ctx := context.Background()
	day1 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	rows := []loyalty.Transaction{
		{ID: "t1", MemberID: "alice", Type: loyalty.TxRecharge, Timestamp: day1},
		{ID: "t2", MemberID: "bob", Type: loyalty.TxConsumeCash, Timestamp: day1},
		{ID: "t3", MemberID: "alice", Type: loyalty.TxConsumeCash, Timestamp: day2},
	}
	require.NoError(t, m.WithTx(ctx, func(tx loyalty.Tx) error {
		for i := range rows {
			if err := tx.AppendTransaction(ctx, &rows[i]); err != nil {
				return err
			}
		}
		return nil
	}))

	t.Run("by member newest first", func(t *testing.T) {
		txs, err := m.ListTransactions(ctx, loyalty.TransactionFilter{MemberID: "alice"})
		require.NoError(t, err)
		require.Len(t, txs, 2)
		assert.Equal(t, loyalty.TransactionID("t3"), txs[0].ID)
	})

	t.Run("by type", func(t *testing.T) {
		txs, err := m.ListTransactions(ctx, loyalty.TransactionFilter{Types: []loyalty.TransactionType{loyalty.TxConsumeCash}})
		require.NoError(t, err)
		assert.Len(t, txs, 2)
	})

	t.Run("by window", func(t *testing.T) {
		to := day1.Add(time.Hour)
		txs, err := m.ListTransactions(ctx, loyalty.TransactionFilter{To: &to})
		require.NoError(t, err)
		assert.Len(t, txs, 2)
	})

	t.Run("limit", func(t *testing.T) {
		txs, err := m.ListTransactions(ctx, loyalty.TransactionFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, loyalty.TransactionID("t3"), txs[0].ID)
	})
}

func TestMemory_CancelledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.WithTx(ctx, func(loyalty.Tx) error { return nil })

	assert.True(t, loyalty.IsRetryable(err))
}
