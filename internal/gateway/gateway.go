// Package gateway fronts the paid external AI services with uniform timeout,
// retry and cost reporting semantics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fableworks/loreline/internal/config"
	"github.com/fableworks/loreline/internal/gateway/backoff"
	gatewaydomain "github.com/fableworks/loreline/internal/gateway/domain"
	obsmetrics "github.com/fableworks/loreline/internal/observability/metrics"
)

// TextBackend produces text artifacts from the LLM provider.
type TextBackend interface {
	CompileText(ctx context.Context, req gatewaydomain.CompileTextRequest) (string, error)
	AnalyzeImage(ctx context.Context, req gatewaydomain.AnalyzeImageRequest) (string, error)
}

// SynthesisBackend submits and polls asynchronous image generation jobs.
type SynthesisBackend interface {
	Submit(ctx context.Context, req gatewaydomain.SynthesisRequest) (string, error)
	Poll(ctx context.Context, jobID string) (*gatewaydomain.PollResult, error)
}

type Params struct {
	fx.In

	Cfg     config.Config
	Quota   *config.QuotaHolder
	Log     *zap.Logger
	Text    TextBackend
	Synth   SynthesisBackend
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Gateway struct {
	quota   *config.QuotaHolder
	log     *zap.Logger
	text    TextBackend
	synth   SynthesisBackend
	metrics *obsmetrics.Metrics

	textTimeout   time.Duration
	visionTimeout time.Duration
	submitTimeout time.Duration
	pollTimeout   time.Duration
	retryBase     time.Duration
}

func New(p Params) gatewaydomain.Gateway {
	return &Gateway{
		quota:         p.Quota,
		log:           p.Log.Named("gateway"),
		text:          p.Text,
		synth:         p.Synth,
		metrics:       p.Metrics,
		textTimeout:   time.Duration(p.Cfg.TextOpTimeoutSec) * time.Second,
		visionTimeout: time.Duration(p.Cfg.VisionOpTimeoutSec) * time.Second,
		submitTimeout: time.Duration(p.Cfg.SubmitOpTimeoutSec) * time.Second,
		pollTimeout:   time.Duration(p.Cfg.PollOpTimeoutSec) * time.Second,
		retryBase:     2 * time.Second,
	}
}

func (g *Gateway) CompileText(ctx context.Context, req gatewaydomain.CompileTextRequest) (*gatewaydomain.OperationResult, error) {
	var output string
	err := g.call(ctx, gatewaydomain.OperationCompileText, g.textTimeout, func(ctx context.Context) error {
		var err error
		output, err = g.text.CompileText(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &gatewaydomain.OperationResult{
		Output:    output,
		CostUnits: g.quota.StageCost(config.StageCompileText),
	}, nil
}

func (g *Gateway) AnalyzeImage(ctx context.Context, req gatewaydomain.AnalyzeImageRequest) (*gatewaydomain.OperationResult, error) {
	var output string
	err := g.call(ctx, gatewaydomain.OperationAnalyzeImage, g.visionTimeout, func(ctx context.Context) error {
		var err error
		output, err = g.text.AnalyzeImage(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &gatewaydomain.OperationResult{
		Output:    output,
		CostUnits: g.quota.StageCost(config.StageAnalyzeImage),
	}, nil
}

func (g *Gateway) SubmitSynthesis(ctx context.Context, req gatewaydomain.SynthesisRequest) (*gatewaydomain.SynthesisSubmission, error) {
	var jobID string
	err := g.call(ctx, gatewaydomain.OperationSynthesizeImage, g.submitTimeout, func(ctx context.Context) error {
		var err error
		jobID, err = g.synth.Submit(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &gatewaydomain.SynthesisSubmission{
		JobID:     jobID,
		CostUnits: g.quota.StageCost(config.StageSynthesizeImage),
	}, nil
}

func (g *Gateway) PollSynthesis(ctx context.Context, jobID string) (*gatewaydomain.PollResult, error) {
	var result *gatewaydomain.PollResult
	err := g.call(ctx, gatewaydomain.OperationSynthesizeImage, g.pollTimeout, func(ctx context.Context) error {
		var err error
		result, err = g.synth.Poll(ctx, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// call brackets one external operation with its timeout and the bounded
// retry policy, then normalizes whatever comes back into the gateway error
// taxonomy: OperationError for semantic failures, ErrOperationTimeout once
// the retry budget is spent.
func (g *Gateway) call(ctx context.Context, kind gatewaydomain.OperationKind, timeout time.Duration, fn func(ctx context.Context) error) error {
	opCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := backoff.Retry(opCtx, g.retryBase, fn)
	if err == nil {
		g.metrics.RecordExternalOperation(ctx, string(kind), "ok")
		return nil
	}
	g.metrics.RecordExternalOperation(ctx, string(kind), "error")

	g.log.Warn("external operation failed",
		zap.String("operation", string(kind)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)

	var opErr *gatewaydomain.OperationError
	switch {
	case errors.As(err, &opErr):
		return err
	case errors.Is(err, gatewaydomain.ErrSynthesisJobNotFound):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		if ctx.Err() != nil {
			// caller's context, not the per-op budget
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", kind, gatewaydomain.ErrOperationTimeout)
	case backoff.Transient(err):
		return fmt.Errorf("%s after retries: %w", kind, gatewaydomain.ErrOperationTimeout)
	default:
		return &gatewaydomain.OperationError{Kind: kind, Reason: err.Error()}
	}
}
