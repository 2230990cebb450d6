package session

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fableworks/loreline/internal/config"
	sessiondomain "github.com/fableworks/loreline/internal/session/domain"
	"github.com/fableworks/loreline/internal/session/queue"
	"github.com/fableworks/loreline/internal/session/service"
)

var Module = fx.Module("session.service",
	fx.Provide(service.NewHTTPFetcher),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) sessiondomain.Service { return s }),
	fx.Provide(service.NewRunner),
	fx.Provide(newDispatcher),
	fx.Invoke(func(s *service.Service, d sessiondomain.Dispatcher) {
		s.SetDispatcher(d)
	}),
)

// newDispatcher picks the execution path: Redis queue when configured, the
// in-process runner pool otherwise.
func newDispatcher(lc fx.Lifecycle, cfg config.Config, runner *service.Runner, log *zap.Logger) (sessiondomain.Dispatcher, error) {
	if cfg.RedisAddr == "" {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				runner.Wait()
				return nil
			},
		})
		return runner, nil
	}

	rdb, err := queue.Connect(cfg)
	if err != nil {
		return nil, err
	}

	worker := queue.NewWorker(rdb, runner, log)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			worker.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			worker.Stop()
			return rdb.Close()
		},
	})
	return queue.New(rdb, log), nil
}
