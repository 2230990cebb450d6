// Package queue moves session execution through Redis so admission and the
// worker pool can live in different processes.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fableworks/loreline/internal/config"
	"github.com/fableworks/loreline/internal/session/service"
)

const pendingKey = "loreline:sessions:pending"

// Connect opens and pings a Redis client for the configured address.
func Connect(cfg config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Username:     cfg.RedisUsername,
		Password:     cfg.RedisPassword,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}

// Queue is a Dispatcher that enqueues instead of executing locally.
type Queue struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *Queue {
	return &Queue{rdb: rdb, log: log.Named("session.queue")}
}

func (q *Queue) Dispatch(ctx context.Context, sessionID snowflake.ID) error {
	return q.rdb.LPush(ctx, pendingKey, sessionID.String()).Err()
}

// Worker consumes queued session ids and hands them to the runner pool.
type Worker struct {
	rdb    *redis.Client
	runner *service.Runner
	log    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(rdb *redis.Client, runner *service.Runner, log *zap.Logger) *Worker {
	return &Worker{
		rdb:    rdb,
		runner: runner,
		log:    log.Named("session.queue.worker"),
	}
}

func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)
}

func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.runner.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	for {
		result, err := w.rdb.BRPop(ctx, 5*time.Second, pendingKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			w.log.Warn("queue pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		sessionID, err := snowflake.ParseString(result[1])
		if err != nil {
			w.log.Warn("dropping malformed queue entry", zap.String("raw", result[1]))
			continue
		}
		if err := w.runner.Dispatch(ctx, sessionID); err != nil {
			w.log.Error("dispatch from queue failed",
				zap.String("session_id", sessionID.String()),
				zap.Error(err),
			)
		}
	}
}
