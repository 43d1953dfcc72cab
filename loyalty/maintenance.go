package loyalty

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// =============================================================================
// MAINTENANCE - Scheduled sweeps
// =============================================================================

// SweepResult summarises one maintenance run.
type SweepResult struct {
	Scanned int
	Changed int
	Failed  int
}

// SettleExpiredLevels runs level settlement for every member whose level
// term ended before today, including members who made no purchase. Each
// member is settled in its own unit of work; one failure does not stop the
// sweep. No ledger rows are written.
func (e *Engine) SettleExpiredLevels(ctx context.Context) (SweepResult, error) {
	now := e.now()
	ids, err := e.store.ListMembersDueForSettlement(ctx, DateOf(now))
	if err != nil {
		return SweepResult{}, classify(OpSettleLevel, err)
	}

	res := SweepResult{Scanned: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		start := time.Now()
		var change LevelChange
		err := e.store.WithTx(ctx, func(tx Tx) error {
			m, err := tx.LockMember(ctx, id)
			if err != nil {
				return err
			}
			levels, err := tx.ListLevels(ctx)
			if err != nil {
				return err
			}
			change = e.progression.Evaluate(m, levels, now)
			if change.Outcome == LevelUnchanged {
				return nil
			}
			return tx.SaveMember(ctx, m)
		})
		err = classify(OpSettleLevel, err)
		e.finish(OpSettleLevel, SystemActor, log.Fields{
			"member_id":       id,
			"level_outcome":   change.Outcome,
			"level_to":        change.To,
			"lifetime_before": change.LifetimeBefore,
		}, start, err)
		switch {
		case err != nil:
			res.Failed++
		case change.Outcome != LevelUnchanged:
			res.Changed++
		}
	}
	return res, nil
}

// ExpireVouchers moves unused vouchers past their expiry date to expired.
func (e *Engine) ExpireVouchers(ctx context.Context) (SweepResult, error) {
	now := e.now()
	ids, err := e.store.ListOverdueVouchers(ctx, now)
	if err != nil {
		return SweepResult{}, classify(OpExpireVoucher, err)
	}

	res := SweepResult{Scanned: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		expired := false
		err := e.store.WithTx(ctx, func(tx Tx) error {
			v, err := tx.LockVoucher(ctx, id)
			if err != nil {
				return err
			}
			if v.Status != VoucherUnused || !v.ExpiryDate.Before(now) {
				return nil
			}
			v.Status = VoucherExpired
			expired = true
			return tx.UpdateVoucher(ctx, v)
		})
		switch {
		case err != nil:
			res.Failed++
			e.logger.WithFields(log.Fields{"voucher_id": id}).WithError(err).Error("voucher expiry failed")
		case expired:
			res.Changed++
		}
	}

	e.logger.WithFields(log.Fields{
		"operation": OpExpireVoucher,
		"scanned":   res.Scanned,
		"expired":   res.Changed,
		"failed":    res.Failed,
	}).Info("voucher expiry sweep finished")
	return res, nil
}
