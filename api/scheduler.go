// scheduler.go - Scheduled maintenance (level settlement, voucher expiry)
//
// PURPOSE:
//   Level settlement must happen for every member whose term ended, not only
//   for members who happen to transact. Vouchers past their expiry date should
//   read as expired without waiting for a redemption attempt. Both sweeps run
//   here on cron schedules.
//
// JOBS:
//   settle_levels     SETTLEMENT_CRON     (default "0 3 * * *")
//   expire_vouchers   VOUCHER_EXPIRY_CRON (default "*/30 * * * *")
//
// DESIGN:
//   - robfig/cron runs each job in its own goroutine
//   - SkipIfStillRunning: a slow sweep is never overlapped by the next tick
//   - Recover: a panicking job is logged, the scheduler keeps going
//   - Each sweep settles or expires one row per unit of work, so a sweep
//     never holds a lock for longer than one member or voucher
//
// USAGE:
//   scheduler, err := NewMaintenanceScheduler(engine, SchedulerConfig{...})
//   scheduler.Start()
//   defer scheduler.Stop()
//
// SEE ALSO:
//   - loyalty/maintenance.go: the sweeps
//   - handlers.go: manual triggers under /api/admin/maintenance
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/warp/loyalty-engine/loyalty"
)

const (
	JobSettleLevels   = "settle_levels"
	JobExpireVouchers = "expire_vouchers"
)

// SweepObserver receives the number of rows each job run changed.
type SweepObserver interface {
	ObserveSweep(job string, changed int)
}

type SchedulerConfig struct {
	SettlementSpec    string
	VoucherExpirySpec string
	Location          *time.Location
	Observer          SweepObserver
}

// MaintenanceScheduler runs the engine's maintenance sweeps on a schedule.
type MaintenanceScheduler struct {
	engine   *loyalty.Engine
	cron     *cron.Cron
	cfg      SchedulerConfig
	settleID cron.EntryID
	expireID cron.EntryID
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct{ entry *log.Entry }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.entry.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(kv []any) log.Fields {
	f := log.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}

// NewMaintenanceScheduler validates both schedules and registers the jobs.
// Nothing runs until Start.
func NewMaintenanceScheduler(engine *loyalty.Engine, cfg SchedulerConfig) (*MaintenanceScheduler, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	logger := cronLogger{entry: log.WithField("component", "scheduler")}
	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	s := &MaintenanceScheduler{engine: engine, cron: c, cfg: cfg}
	var err error
	if s.settleID, err = c.AddFunc(cfg.SettlementSpec, func() { s.RunSettlement(context.Background()) }); err != nil {
		return nil, fmt.Errorf("settlement schedule %q: %w", cfg.SettlementSpec, err)
	}
	if s.expireID, err = c.AddFunc(cfg.VoucherExpirySpec, func() { s.RunVoucherExpiry(context.Background()) }); err != nil {
		return nil, fmt.Errorf("voucher expiry schedule %q: %w", cfg.VoucherExpirySpec, err)
	}
	return s, nil
}

// Start begins running jobs in the background.
func (s *MaintenanceScheduler) Start() {
	s.cron.Start()
	log.WithFields(log.Fields{
		"settlement":     s.cfg.SettlementSpec,
		"voucher_expiry": s.cfg.VoucherExpirySpec,
		"location":       s.cfg.Location.String(),
	}).Info("maintenance scheduler started")
}

// Stop waits for running jobs to finish.
func (s *MaintenanceScheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info("maintenance scheduler stopped")
}

// NextRuns returns the next activation of each job.
func (s *MaintenanceScheduler) NextRuns() map[string]time.Time {
	return map[string]time.Time{
		JobSettleLevels:   s.cron.Entry(s.settleID).Next,
		JobExpireVouchers: s.cron.Entry(s.expireID).Next,
	}
}

// RunSettlement runs one settlement sweep.
func (s *MaintenanceScheduler) RunSettlement(ctx context.Context) loyalty.SweepResult {
	return s.run(ctx, JobSettleLevels, s.engine.SettleExpiredLevels)
}

// RunVoucherExpiry runs one voucher expiry sweep.
func (s *MaintenanceScheduler) RunVoucherExpiry(ctx context.Context) loyalty.SweepResult {
	return s.run(ctx, JobExpireVouchers, s.engine.ExpireVouchers)
}

func (s *MaintenanceScheduler) run(ctx context.Context, job string, sweep func(context.Context) (loyalty.SweepResult, error)) loyalty.SweepResult {
	start := time.Now()
	res, err := sweep(ctx)
	entry := log.WithFields(log.Fields{
		"job":         job,
		"scanned":     res.Scanned,
		"changed":     res.Changed,
		"failed":      res.Failed,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("[CRON] maintenance job failed")
	} else {
		entry.Info("[CRON] maintenance job finished")
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveSweep(job, res.Changed)
	}
	return res
}
