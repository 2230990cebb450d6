package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/fableworks/loreline/internal/config"
	"github.com/fableworks/loreline/internal/entity"
	"github.com/fableworks/loreline/internal/gateway"
	"github.com/fableworks/loreline/internal/ledger"
	ledgerdomain "github.com/fableworks/loreline/internal/ledger/domain"
	"github.com/fableworks/loreline/internal/observability"
	obsmiddleware "github.com/fableworks/loreline/internal/observability/logger"
	obsmetrics "github.com/fableworks/loreline/internal/observability/metrics"
	obstracing "github.com/fableworks/loreline/internal/observability/tracing"
	"github.com/fableworks/loreline/internal/progress"
	"github.com/fableworks/loreline/internal/ratelimit"
	"github.com/fableworks/loreline/internal/session"
	sessiondomain "github.com/fableworks/loreline/internal/session/domain"
)

var Module = fx.Module("http.server",
	config.Module,
	fx.Provide(registerGin),
	ledger.Module,
	entity.Module,
	gateway.Module,
	progress.Module,
	session.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	db         *gorm.DB
	genID      *snowflake.Node
	sessionSvc sessiondomain.Service
	ledgerSvc  ledgerdomain.Service
	hub        *progress.Hub
	limiter    *ratelimit.AdmissionLimiter
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	GenID      *snowflake.Node
	SessionSvc sessiondomain.Service
	LedgerSvc  ledgerdomain.Service
	Hub        *progress.Hub
	Limiter    *ratelimit.AdmissionLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics         `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		db:         p.DB,
		genID:      p.GenID,
		sessionSvc: p.SessionSvc,
		ledgerSvc:  p.LedgerSvc,
		hub:        p.Hub,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	generations := v1.Group("/generations")
	generations.POST("", s.CreateGeneration)
	generations.GET("/:id", s.GetGeneration)
	generations.POST("/:id/cancel", s.CancelGeneration)
	generations.GET("/:id/events", s.StreamGenerationEvents)

	credits := v1.Group("/credits")
	credits.GET("/:owner_id", s.GetCreditAccount)
	credits.POST("/:owner_id/topup", s.TopupCredits)
}
