package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fableworks/loreline/internal/clock"
	"github.com/fableworks/loreline/internal/config"
	ledgerdomain "github.com/fableworks/loreline/internal/ledger/domain"
	obsmetrics "github.com/fableworks/loreline/internal/observability/metrics"
	sessiondomain "github.com/fableworks/loreline/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

// SessionRunner executes an admitted session on the caller's goroutine while
// still honoring the global in-flight cap.
type SessionRunner interface {
	RunSync(ctx context.Context, sessionID snowflake.ID) error
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Quota      *config.QuotaHolder
	SessionSvc sessiondomain.Service
	Runner     SessionRunner `optional:"true"`
	Config     Config        `optional:"true"`
}

// Scheduler scans bot-owned entities for defects and admits correction
// sessions against the system account, bounded by per-criterion daily quotas
// and the global in-flight cap. Corrections run one entity at a time on the
// scheduler's goroutine. It also runs the stale session recovery sweep.
type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	quota       *config.QuotaHolder
	sessionSvc  sessiondomain.Service
	runner      SessionRunner
	leaseHolder string
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Quota == nil || p.SessionSvc == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         cfg,
		genID:       p.GenID,
		clock:       p.Clock,
		quota:       p.Quota,
		sessionSvc:  p.SessionSvc,
		runner:      p.Runner,
		leaseHolder: p.GenID.Generate().String(),
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = s.withLogContext(ctx, 0)
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Deadline is a soft timeout: the next tick picks the work back up.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{CriterionAvatarMissing, s.isJobEnabled(CriterionAvatarMissing), func(ctx context.Context) error {
			return s.runJob(ctx, CriterionAvatarMissing, s.cfg.BatchSize, 60*time.Second, func(ctx context.Context) error {
				return s.runCorrection(ctx, CriterionAvatarMissing)
			})
		}},
		{CriterionSpeciesUnset, s.isJobEnabled(CriterionSpeciesUnset), func(ctx context.Context) error {
			return s.runJob(ctx, CriterionSpeciesUnset, s.cfg.BatchSize, 60*time.Second, func(ctx context.Context) error {
				return s.runCorrection(ctx, CriterionSpeciesUnset)
			})
		}},
		{CriterionStoryStub, s.isJobEnabled(CriterionStoryStub), func(ctx context.Context) error {
			return s.runJob(ctx, CriterionStoryStub, s.cfg.BatchSize, 60*time.Second, func(ctx context.Context) error {
				return s.runCorrection(ctx, CriterionStoryStub)
			})
		}},
		{"recovery_sweep", s.isJobEnabled("recovery_sweep"), func(ctx context.Context) error {
			return s.runJob(ctx, "recovery_sweep", s.cfg.BatchSize, 30*time.Second, s.RecoverySweepJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs means all jobs run (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) runCorrection(ctx context.Context, criterionName string) error {
	ctx, run, owner := s.ensureJobRun(ctx, criterionName, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	crit, ok := s.quota.Criterion(criterionName)
	if !ok || !crit.Enabled {
		return nil
	}
	now := s.clock.Now()
	cutoff := now.Add(-time.Duration(crit.CooldownHours) * time.Hour)
	sel, ok := criterionFor(criterionName, cutoff)
	if !ok {
		return nil
	}
	schedMetrics := obsmetrics.Scheduler()

	acquired, err := s.acquireLease(ctx, criterionName, s.leaseHolder, now)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.lease.failed", criterionName, 0, err)
		return err
	}
	if !acquired {
		schedMetrics.IncBatchDeferred(criterionName, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		return nil
	}
	defer func() {
		if err := s.releaseLease(context.Background(), criterionName, s.leaseHolder); err != nil {
			s.log.Warn("failed to release job lease", zap.String("job", criterionName), zap.Error(err))
		}
	}()

	admittedToday, err := s.countAdmittedSince(ctx, criterionName, now.Add(-24*time.Hour))
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.quota.count.failed", criterionName, 0, err)
		return err
	}
	remaining := crit.DailyQuota - admittedToday
	if remaining <= 0 {
		schedMetrics.IncBatchDeferred(criterionName, obsmetrics.SchedulerBatchDeferredReasonQuotaExhausted)
		return nil
	}

	quota := s.quota.Get()
	inFlight, err := s.countActiveSystemSessions(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.quota.count.failed", criterionName, 0, err)
		return err
	}
	headroom := quota.MaxInFlight - inFlight
	if headroom <= 0 {
		schedMetrics.IncBatchDeferred(criterionName, obsmetrics.SchedulerBatchDeferredReasonQuotaExhausted)
		return nil
	}

	limit := minInt(remaining, headroom, s.cfg.BatchSize)

	// Claim in a short transaction; the PENDING session row created by Admit
	// keeps the entity out of later scans.
	var entities []WorkEntity
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var fetchErr error
		entities, fetchErr = s.fetchEntitiesForWork(ctx, tx, sel, limit)
		return fetchErr
	})
	if err != nil {
		schedMetrics.IncBatchDeferred(criterionName, obsmetrics.ClassifySchedulerJobReason(err))
		s.logSchedulerError(ctx, run, "scheduler.entity.fetch.failed", criterionName, 0, err)
		return err
	}
	if len(entities) == 0 {
		schedMetrics.IncBatchDeferred(criterionName, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		return nil
	}

	var jobErr error
	runStarted := s.clock.Now()
	admitted := 0
	var failures []entityFailure
	for i, entity := range entities {
		if ctx.Err() != nil {
			jobErr = errors.Join(jobErr, ctx.Err())
			break
		}
		if i > 0 && quota.ItemDelayMillis > 0 {
			if err := sleepCtx(ctx, time.Duration(quota.ItemDelayMillis)*time.Millisecond); err != nil {
				jobErr = errors.Join(jobErr, err)
				break
			}
		}

		s.logEntityClaimed(ctx, criterionName, entity)
		snapshot, err := s.sessionSvc.Admit(s.withLogContext(ctx, 0), sessiondomain.AdmitRequest{
			OwnerID:        snowflake.ID(s.cfg.SystemOwnerID),
			Kind:           sel.Kind,
			TargetEntityID: entity.ID,
			Payload:        map[string]any{"criterion": criterionName},
			Synchronous:    s.runner != nil,
		})
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			failures = append(failures, entityFailure{
				EntityID:  entity.ID.String(),
				ErrorKind: obsmetrics.ClassifySchedulerErrorType(err),
			})
			s.logSchedulerError(ctx, run, "scheduler.session.admit.failed", criterionName, entity.ID, err)
			if errors.Is(err, ledgerdomain.ErrInsufficientBalance) {
				// The system account is drained; every later admit fails the
				// same way until it is topped up.
				break
			}
			continue
		}

		sessionID := snapshot.ID
		schedMetrics.IncSessionScheduled(criterionName)
		s.logSessionAdmitted(ctx, criterionName, entity, sessionID)
		run.AddProcessed(1)
		admitted++

		if s.runner != nil {
			// Each correction runs on this goroutine before the next entity
			// is touched; the session's own refund policy answers run
			// failures, so they do not count against the batch.
			if err := s.runner.RunSync(s.withLogContext(ctx, sessionID), sessionID); err != nil {
				s.logSchedulerError(ctx, run, "scheduler.session.run.failed", criterionName, entity.ID, err)
			}
		}
	}

	s.recordRunLog(ctx, criterionName, runStarted, len(entities), admitted, failures)
	if admitted > 0 {
		schedMetrics.AddBatchProcessed(criterionName, "entities", admitted)
	}
	return jobErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func minInt(values ...int) int {
	min := 0
	for i, value := range values {
		if i == 0 || value < min {
			min = value
		}
	}
	return min
}
