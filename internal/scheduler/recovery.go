package scheduler

import (
	"context"

	obsmetrics "github.com/fableworks/loreline/internal/observability/metrics"
	"go.uber.org/zap"
)

// RecoverySweepJob finalizes sessions left RUNNING past the recovery
// threshold, typically after a crash mid-generation. Their reservations are
// closed exactly once by the session service.
func (s *Scheduler) RecoverySweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "recovery_sweep", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	acquired, err := s.acquireLease(ctx, "recovery_sweep", s.leaseHolder, s.clock.Now())
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.lease.failed", "recovery_sweep", 0, err)
		return err
	}
	if !acquired {
		schedMetrics.IncBatchDeferred("recovery_sweep", obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		return nil
	}
	defer func() {
		if err := s.releaseLease(context.Background(), "recovery_sweep", s.leaseHolder); err != nil {
			s.log.Warn("failed to release job lease", zap.String("job", "recovery_sweep"), zap.Error(err))
		}
	}()

	recovered, err := s.sessionSvc.RecoverStale(ctx, s.cfg.RecoveryThreshold)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.recovery.failed", "recovery_sweep", 0, err)
		return err
	}
	if recovered > 0 {
		schedMetrics.IncSessionsRecovered(recovered)
		schedMetrics.AddBatchProcessed("recovery_sweep", "sessions", recovered)
		run.AddProcessed(recovered)
		s.logger(ctx).Info("stale sessions recovered",
			zap.Int("count", recovered),
			zap.Duration("threshold", s.cfg.RecoveryThreshold),
		)
	}

	return nil
}
