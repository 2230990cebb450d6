package gateway

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fableworks/loreline/internal/config"
	"github.com/fableworks/loreline/internal/gateway/diffusion"
	"github.com/fableworks/loreline/internal/gateway/gemini"
)

var Module = fx.Module("gateway",
	fx.Provide(func(cfg config.Config, log *zap.Logger) TextBackend {
		return gemini.NewBackend(cfg, log)
	}),
	fx.Provide(func(cfg config.Config, log *zap.Logger) SynthesisBackend {
		return diffusion.NewClient(cfg, log)
	}),
	fx.Provide(New),
)
