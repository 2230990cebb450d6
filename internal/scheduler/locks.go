package scheduler

import (
	"context"
	"time"

	obsmetrics "github.com/fableworks/loreline/internal/observability/metrics"
	"gorm.io/gorm"
)

// acquireLease claims the named job lease for holder until now+ttl. Only one
// scheduler replica runs a job at a time; a crashed holder's lease is taken
// over once it expires.
func (s *Scheduler) acquireLease(ctx context.Context, job, holder string, now time.Time) (bool, error) {
	expiresAt := now.Add(s.cfg.LeaseTTL)
	acquired := false
	schedMetrics := obsmetrics.Scheduler()
	lockStart := time.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`UPDATE scheduler_job_locks
			 SET holder = ?, expires_at = ?
			 WHERE job_name = ? AND (holder = ? OR expires_at <= ?)`,
			holder,
			expiresAt,
			job,
			holder,
			now,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			acquired = true
			return nil
		}

		var held int64
		if err := tx.WithContext(ctx).Raw(
			`SELECT COUNT(1) FROM scheduler_job_locks WHERE job_name = ?`,
			job,
		).Scan(&held).Error; err != nil {
			return err
		}
		if held > 0 {
			return nil
		}

		result = tx.WithContext(ctx).Exec(
			`INSERT INTO scheduler_job_locks (job_name, holder, expires_at)
			 VALUES (?, ?, ?)`,
			job,
			holder,
			expiresAt,
		)
		if result.Error != nil {
			return result.Error
		}
		acquired = true
		return nil
	})
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceJobLease, time.Since(lockStart))
	if err != nil {
		// Concurrent insert of the same lease loses the race, not the run.
		if obsmetrics.ClassifySchedulerJobReason(err) == obsmetrics.SchedulerJobReasonUniqueViolation {
			return false, nil
		}
		return false, err
	}
	return acquired, nil
}

// releaseLease drops the lease if we still hold it. An expired lease taken
// over by another holder is left alone.
func (s *Scheduler) releaseLease(ctx context.Context, job, holder string) error {
	return s.db.WithContext(ctx).Exec(
		`DELETE FROM scheduler_job_locks WHERE job_name = ? AND holder = ?`,
		job,
		holder,
	).Error
}
