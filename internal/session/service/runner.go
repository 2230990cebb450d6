package service

import (
	"context"
	"sync"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/fableworks/loreline/internal/config"
)

// Runner executes admitted sessions on a bounded pool of goroutines. The
// semaphore is the global in-flight cap shared by API-triggered and
// scheduler-triggered sessions.
type Runner struct {
	svc *Service
	log *zap.Logger
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewRunner(svc *Service, quota *config.QuotaHolder, log *zap.Logger) *Runner {
	maxInFlight := quota.Get().MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Runner{
		svc: svc,
		log: log.Named("session.runner"),
		sem: make(chan struct{}, maxInFlight),
	}
}

// Dispatch schedules the session for execution and returns immediately. The
// run outlives the admission request's context.
func (r *Runner) Dispatch(ctx context.Context, sessionID snowflake.ID) error {
	runCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sem <- struct{}{}
		defer func() { <-r.sem }()

		if err := r.svc.Run(runCtx, sessionID); err != nil {
			r.log.Error("session run failed",
				zap.String("session_id", sessionID.String()),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// RunSync executes the session on the caller's goroutine, still honoring the
// in-flight cap. The batch scheduler uses this to process entities one at a
// time.
func (r *Runner) RunSync(ctx context.Context, sessionID snowflake.ID) error {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.sem }()
	return r.svc.Run(ctx, sessionID)
}

// Wait blocks until every dispatched session finished. Used on shutdown.
func (r *Runner) Wait() { r.wg.Wait() }
