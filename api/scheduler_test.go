package api

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
)

type sweepRecorder struct {
	mu   sync.Mutex
	jobs map[string]int
}

func (r *sweepRecorder) ObserveSweep(job string, changed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs == nil {
		r.jobs = map[string]int{}
	}
	r.jobs[job] += changed
}

func TestNewMaintenanceScheduler_RejectsBadSpec(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewMaintenanceScheduler(env.engine, SchedulerConfig{SettlementSpec: "every day", VoucherExpirySpec: "*/30 * * * *"})
	assert.Error(t, err)

	_, err = NewMaintenanceScheduler(env.engine, SchedulerConfig{SettlementSpec: "0 3 * * *", VoucherExpirySpec: "61 * * * *"})
	assert.Error(t, err)
}

func TestMaintenanceScheduler_NextRuns(t *testing.T) {
	env := newTestEnv(t)
	s, err := NewMaintenanceScheduler(env.engine, SchedulerConfig{SettlementSpec: "0 3 * * *", VoucherExpirySpec: "*/30 * * * *"})
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	next := s.NextRuns()
	require.Contains(t, next, JobSettleLevels)
	require.Contains(t, next, JobExpireVouchers)
	assert.Equal(t, 3, next[JobSettleLevels].In(time.UTC).Hour())
	assert.True(t, next[JobExpireVouchers].After(time.Now()))
}

func TestMaintenanceScheduler_RunsReportToObserver(t *testing.T) {
	// GIVEN: An overdue voucher and a member whose level term has ended
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "alice", "vt-coffee", env.now.AddDate(0, 0, -40))
	yesterday := loyalty.AddDays(loyalty.DateOf(env.now), -1)
	env.setMember(t, "bob", func(m *loyalty.Member) { m.LevelExpiryDate = &yesterday })

	obs := &sweepRecorder{}
	s, err := NewMaintenanceScheduler(env.engine, SchedulerConfig{
		SettlementSpec:    "0 3 * * *",
		VoucherExpirySpec: "*/30 * * * *",
		Observer:          obs,
	})
	require.NoError(t, err)

	// WHEN: Both jobs run once by hand
	expired := s.RunVoucherExpiry(ctx)
	settled := s.RunSettlement(ctx)

	// THEN
	assert.Equal(t, 1, expired.Changed)
	assert.Equal(t, 1, settled.Changed)
	assert.Equal(t, map[string]int{JobExpireVouchers: 1, JobSettleLevels: 1}, obs.jobs)
}
