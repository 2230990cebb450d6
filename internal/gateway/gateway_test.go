package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fableworks/loreline/internal/config"
	gatewaydomain "github.com/fableworks/loreline/internal/gateway/domain"
)

type fakeTextBackend struct {
	compileErrs []error
	output      string
	calls       int
}

func (f *fakeTextBackend) CompileText(ctx context.Context, req gatewaydomain.CompileTextRequest) (string, error) {
	f.calls++
	if len(f.compileErrs) > 0 {
		err := f.compileErrs[0]
		f.compileErrs = f.compileErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.output, nil
}

func (f *fakeTextBackend) AnalyzeImage(ctx context.Context, req gatewaydomain.AnalyzeImageRequest) (string, error) {
	return f.CompileText(ctx, gatewaydomain.CompileTextRequest{Prompt: req.Prompt})
}

type fakeSynthBackend struct {
	jobID       string
	pollResults []*gatewaydomain.PollResult
	pollErr     error
	submitErr   error
}

func (f *fakeSynthBackend) Submit(ctx context.Context, req gatewaydomain.SynthesisRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.jobID, nil
}

func (f *fakeSynthBackend) Poll(ctx context.Context, jobID string) (*gatewaydomain.PollResult, error) {
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.pollResults) == 0 {
		return &gatewaydomain.PollResult{Status: gatewaydomain.SynthesisStatusPending}, nil
	}
	result := f.pollResults[0]
	f.pollResults = f.pollResults[1:]
	return result, nil
}

func newTestGateway(text TextBackend, synth SynthesisBackend) *Gateway {
	g := New(Params{
		Cfg: config.Config{
			TextOpTimeoutSec:   5,
			VisionOpTimeoutSec: 5,
			SubmitOpTimeoutSec: 5,
			PollOpTimeoutSec:   5,
		},
		Quota: config.NewStaticQuotaHolder(config.DefaultQuotaConfig()),
		Log:   zap.NewNop(),
		Text:  text,
		Synth: synth,
	}).(*Gateway)
	g.retryBase = time.Millisecond
	return g
}

func TestCompileTextReportsConfiguredCost(t *testing.T) {
	text := &fakeTextBackend{output: "a character sheet"}
	g := newTestGateway(text, &fakeSynthBackend{})

	result, err := g.CompileText(context.Background(), gatewaydomain.CompileTextRequest{Prompt: "describe"})
	if err != nil {
		t.Fatalf("compile text: %v", err)
	}
	if result.Output != "a character sheet" {
		t.Fatalf("unexpected output %q", result.Output)
	}
	if result.CostUnits != 5 {
		t.Fatalf("expected cost 5, got %d", result.CostUnits)
	}
}

func TestCompileTextRetriesTransientThenSucceeds(t *testing.T) {
	text := &fakeTextBackend{
		output:      "ok",
		compileErrs: []error{errors.New("503 service unavailable"), nil},
	}
	g := newTestGateway(text, &fakeSynthBackend{})

	result, err := g.CompileText(context.Background(), gatewaydomain.CompileTextRequest{Prompt: "p"})
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if text.calls != 2 {
		t.Fatalf("expected 2 backend calls, got %d", text.calls)
	}
	if result.CostUnits != 5 {
		t.Fatalf("expected cost 5, got %d", result.CostUnits)
	}
}

func TestCompileTextSemanticFailureNotRetried(t *testing.T) {
	semantic := &gatewaydomain.OperationError{
		Kind:   gatewaydomain.OperationCompileText,
		Reason: "moderation_rejected",
	}
	text := &fakeTextBackend{compileErrs: []error{semantic, semantic, semantic}}
	g := newTestGateway(text, &fakeSynthBackend{})

	_, err := g.CompileText(context.Background(), gatewaydomain.CompileTextRequest{Prompt: "p"})
	if !errors.Is(err, gatewaydomain.ErrOperationFailed) {
		t.Fatalf("expected operation failed, got %v", err)
	}
	if text.calls != 1 {
		t.Fatalf("expected no retries on semantic failure, got %d calls", text.calls)
	}

	var opErr *gatewaydomain.OperationError
	if !errors.As(err, &opErr) || opErr.Reason != "moderation_rejected" {
		t.Fatalf("expected moderation reason, got %v", err)
	}
}

func TestCompileTextExhaustedRetriesSurfaceAsTimeout(t *testing.T) {
	transient := errors.New("429 resource exhausted")
	text := &fakeTextBackend{compileErrs: []error{transient, transient, transient}}
	g := newTestGateway(text, &fakeSynthBackend{})

	_, err := g.CompileText(context.Background(), gatewaydomain.CompileTextRequest{Prompt: "p"})
	if !errors.Is(err, gatewaydomain.ErrOperationTimeout) {
		t.Fatalf("expected operation timeout, got %v", err)
	}
	if text.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", text.calls)
	}
}

func TestSubmitSynthesisCarriesCost(t *testing.T) {
	g := newTestGateway(&fakeTextBackend{}, &fakeSynthBackend{jobID: "job-1"})

	submission, err := g.SubmitSynthesis(context.Background(), gatewaydomain.SynthesisRequest{Prompt: "a portrait"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submission.JobID != "job-1" {
		t.Fatalf("unexpected job id %q", submission.JobID)
	}
	if submission.CostUnits != 20 {
		t.Fatalf("expected cost 20, got %d", submission.CostUnits)
	}
}

func TestPollSynthesisPassesThroughTerminalStates(t *testing.T) {
	synth := &fakeSynthBackend{
		pollResults: []*gatewaydomain.PollResult{
			{Status: gatewaydomain.SynthesisStatusPending},
			{Status: gatewaydomain.SynthesisStatusSucceeded, OutputRef: "https://cdn/img.png"},
		},
	}
	g := newTestGateway(&fakeTextBackend{}, synth)
	ctx := context.Background()

	first, err := g.PollSynthesis(ctx, "job-1")
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if first.Status != gatewaydomain.SynthesisStatusPending {
		t.Fatalf("expected pending, got %s", first.Status)
	}

	second, err := g.PollSynthesis(ctx, "job-1")
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if second.Status != gatewaydomain.SynthesisStatusSucceeded || second.OutputRef == "" {
		t.Fatalf("expected succeeded with output ref, got %+v", second)
	}
}

func TestPollSynthesisUnknownJob(t *testing.T) {
	g := newTestGateway(&fakeTextBackend{}, &fakeSynthBackend{pollErr: gatewaydomain.ErrSynthesisJobNotFound})

	_, err := g.PollSynthesis(context.Background(), "missing")
	if !errors.Is(err, gatewaydomain.ErrSynthesisJobNotFound) {
		t.Fatalf("expected job not found, got %v", err)
	}
}
