// Package diffusion talks to the asynchronous image synthesis service over
// its submit/poll HTTP API.
package diffusion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fableworks/loreline/internal/config"
	gatewaydomain "github.com/fableworks/loreline/internal/gateway/domain"
)

type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	log      *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) *Client {
	return &Client{
		endpoint: strings.TrimRight(cfg.DiffusionEndpoint, "/"),
		apiKey:   cfg.DiffusionAPIKey,
		http:     &http.Client{},
		log:      log.Named("gateway.diffusion"),
	}
}

type submitRequest struct {
	Prompt       string `json:"prompt"`
	ReferenceRef string `json:"reference_ref,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type jobResponse struct {
	Status    string `json:"status"`
	OutputURL string `json:"output_url"`
	Error     string `json:"error"`
}

// Submit enqueues a synthesis job and returns its id without waiting for the
// image.
func (c *Client) Submit(ctx context.Context, req gatewaydomain.SynthesisRequest) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: req.Prompt, ReferenceRef: req.ReferenceRef})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("diffusion submit: http %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", &gatewaydomain.OperationError{
			Kind:   gatewaydomain.OperationSynthesizeImage,
			Reason: rejectionReason(resp),
		}
	}

	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return "", &gatewaydomain.OperationError{
			Kind:   gatewaydomain.OperationSynthesizeImage,
			Reason: "malformed_submit_response",
		}
	}
	if submitted.JobID == "" {
		return "", &gatewaydomain.OperationError{
			Kind:   gatewaydomain.OperationSynthesizeImage,
			Reason: "missing_job_id",
		}
	}
	return submitted.JobID, nil
}

// Poll reads the current state of a previously submitted job.
func (c *Client) Poll(ctx context.Context, jobID string) (*gatewaydomain.PollResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, gatewaydomain.ErrSynthesisJobNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("diffusion poll: http %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, &gatewaydomain.OperationError{
			Kind:   gatewaydomain.OperationSynthesizeImage,
			Reason: rejectionReason(resp),
		}
	}

	var job jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, &gatewaydomain.OperationError{
			Kind:   gatewaydomain.OperationSynthesizeImage,
			Reason: "malformed_poll_response",
		}
	}

	switch job.Status {
	case "succeeded":
		return &gatewaydomain.PollResult{
			Status:    gatewaydomain.SynthesisStatusSucceeded,
			OutputRef: job.OutputURL,
		}, nil
	case "failed":
		reason := job.Error
		if reason == "" {
			reason = "synthesis_failed"
		}
		return &gatewaydomain.PollResult{
			Status: gatewaydomain.SynthesisStatusFailed,
			Reason: reason,
		}, nil
	default:
		return &gatewaydomain.PollResult{Status: gatewaydomain.SynthesisStatusPending}, nil
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func rejectionReason(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil || len(raw) == 0 {
		return fmt.Sprintf("http_%d", resp.StatusCode)
	}

	var decoded struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error != "" {
		return decoded.Error
	}
	return fmt.Sprintf("http_%d", resp.StatusCode)
}
