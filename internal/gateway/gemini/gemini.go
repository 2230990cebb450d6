// Package gemini backs the text and vision operations with the Gemini API.
package gemini

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/fableworks/loreline/internal/config"
	"github.com/fableworks/loreline/internal/gateway/backoff"
	gatewaydomain "github.com/fableworks/loreline/internal/gateway/domain"
)

var errNoAPIKeys = errors.New("gemini_api_keys_missing")

// Backend calls the Gemini models. Each call walks the configured API key
// list so a rate-limited key falls over to the next one.
type Backend struct {
	keys        []string
	textModel   string
	visionModel string
	log         *zap.Logger
}

func NewBackend(cfg config.Config, log *zap.Logger) *Backend {
	return &Backend{
		keys:        cfg.GeminiAPIKeys,
		textModel:   cfg.GeminiTextModel,
		visionModel: cfg.GeminiVisionModel,
		log:         log.Named("gateway.gemini"),
	}
}

func (b *Backend) CompileText(ctx context.Context, req gatewaydomain.CompileTextRequest) (string, error) {
	parts := []genai.Part{genai.Text(req.Prompt)}
	return b.generate(ctx, gatewaydomain.OperationCompileText, b.textModel, req.Instruction, parts)
}

func (b *Backend) AnalyzeImage(ctx context.Context, req gatewaydomain.AnalyzeImageRequest) (string, error) {
	parts := []genai.Part{
		genai.ImageData(imageFormat(req.MIMEType), req.ImageData),
		genai.Text(req.Prompt),
	}
	return b.generate(ctx, gatewaydomain.OperationAnalyzeImage, b.visionModel, "", parts)
}

func (b *Backend) generate(ctx context.Context, kind gatewaydomain.OperationKind, modelName, instruction string, parts []genai.Part) (string, error) {
	if len(b.keys) == 0 {
		return "", errNoAPIKeys
	}

	var lastErr error
	for i, key := range b.keys {
		output, err := b.generateWithKey(ctx, kind, key, modelName, instruction, parts)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if !backoff.Transient(err) {
			return "", err
		}
		b.log.Warn("gemini key rate limited, rotating",
			zap.String("operation", string(kind)),
			zap.Int("key_index", i),
			zap.Error(err),
		)
	}
	return "", lastErr
}

func (b *Backend) generateWithKey(ctx context.Context, kind gatewaydomain.OperationKind, key, modelName, instruction string, parts []genai.Part) (string, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return "", err
	}
	defer client.Close()

	model := client.GenerativeModel(modelName)
	if instruction != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(instruction)}}
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", err
	}
	return extractText(kind, resp)
}

func extractText(kind gatewaydomain.OperationKind, resp *genai.GenerateContentResponse) (string, error) {
	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	if sb.Len() == 0 {
		return "", &gatewaydomain.OperationError{
			Kind:   kind,
			Reason: "empty_model_output",
		}
	}
	return sb.String(), nil
}

func imageFormat(mimeType string) string {
	format := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/")
	if format == "" {
		return "png"
	}
	return format
}
