package domain

import (
	"context"
	"errors"
	"fmt"
)

// OperationKind identifies one of the paid external call types.
type OperationKind string

const (
	OperationCompileText     OperationKind = "compile_text"
	OperationAnalyzeImage    OperationKind = "analyze_image"
	OperationSynthesizeImage OperationKind = "synthesize_image"
)

var (
	// ErrOperationFailed is a semantic failure from the external service
	// (malformed model output, moderation rejection). Never retried.
	ErrOperationFailed = errors.New("external_operation_failed")

	// ErrOperationTimeout surfaces after the gateway exhausted its own
	// retry budget. Callers must not retry again.
	ErrOperationTimeout = errors.New("external_operation_timeout")

	ErrSynthesisJobNotFound = errors.New("synthesis_job_not_found")
)

// OperationError wraps ErrOperationFailed with the failing operation kind and
// a low-cardinality reason suitable for stage error records.
type OperationError struct {
	Kind   OperationKind
	Reason string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("external operation %s failed: %s", e.Kind, e.Reason)
}

func (e *OperationError) Unwrap() error { return ErrOperationFailed }

// CompileTextRequest asks the text model to produce a structured text
// artifact (character sheet, story body, field correction).
type CompileTextRequest struct {
	Prompt      string
	Instruction string
}

// AnalyzeImageRequest asks the vision model to describe or critique an image.
type AnalyzeImageRequest struct {
	Prompt    string
	ImageData []byte
	MIMEType  string
}

// SynthesisRequest submits an asynchronous image generation job.
type SynthesisRequest struct {
	Prompt       string
	ReferenceRef string
}

// OperationResult is the uniform synchronous-call outcome. CostUnits is
// always populated, including on partial failure, so sessions can settle
// for actual spend.
type OperationResult struct {
	Output    string
	CostUnits int64
}

// SynthesisSubmission acknowledges an accepted synthesis job.
type SynthesisSubmission struct {
	JobID     string
	CostUnits int64
}

type SynthesisStatus string

const (
	SynthesisStatusPending   SynthesisStatus = "pending"
	SynthesisStatusSucceeded SynthesisStatus = "succeeded"
	SynthesisStatusFailed    SynthesisStatus = "failed"
)

// PollResult reports the current state of a synthesis job. OutputRef is set
// only once Status is succeeded.
type PollResult struct {
	Status    SynthesisStatus
	OutputRef string
	Reason    string
}

// Gateway is the uniform interface to the three kinds of paid external
// calls. Implementations own timeout and retry policy; callers see either a
// result with cost, ErrOperationTimeout, or an OperationError.
type Gateway interface {
	CompileText(ctx context.Context, req CompileTextRequest) (*OperationResult, error)
	AnalyzeImage(ctx context.Context, req AnalyzeImageRequest) (*OperationResult, error)
	SubmitSynthesis(ctx context.Context, req SynthesisRequest) (*SynthesisSubmission, error)
	PollSynthesis(ctx context.Context, jobID string) (*PollResult, error)
}
