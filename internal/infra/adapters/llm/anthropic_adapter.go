package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/adapter"

	"github.com/rs/zerolog"
)

var _ adapter.LLMAdapter = (*AnthropicAdapter)(nil)

// maxResponseBytes caps how much of a response body is read into memory.
const maxResponseBytes = 8 << 20

// AnthropicAdapter implements the Messages API over plain HTTP.
// Auth: x-api-key header plus a pinned anthropic-version.
type AnthropicAdapter struct {
	apiKey  string
	base    string // e.g., https://api.anthropic.com
	version string
	pool    *clientPool
	log     *zerolog.Logger
}

func NewAnthropicAdapter(apiKey, base, version string, logger *zerolog.Logger) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: empty api key")
	}
	if base == "" {
		base = "https://api.anthropic.com"
	}
	if version == "" {
		version = "2023-06-01"
	}
	l := logger.With().Str("component", "AnthropicAdapter").Logger()
	return &AnthropicAdapter{
		apiKey:  apiKey,
		base:    strings.TrimRight(base, "/"),
		version: version,
		pool:    newClientPool(),
		log:     &l,
	}, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *AnthropicAdapter) body(req model.Request, p model.ProviderProfile) anthropicRequest {
	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.DefaultMaxTokens
	}
	out := anthropicRequest{
		Model:         req.Model,
		MaxTokens:     maxTokens,
		System:        req.SystemPrompt,
		Messages:      []anthropicMessage{{Role: "user", Content: req.Prompt}},
		StopSequences: req.Config.Stop,
	}
	if p.SamplingAccepted() {
		out.Temperature = req.Config.Temperature
		out.TopP = req.Config.TopP
	}
	return out
}

func (a *AnthropicAdapter) Invoke(ctx context.Context, req model.Request, p model.ProviderProfile) (model.Outcome, time.Duration) {
	b, err := json.Marshal(a.body(req, p))
	if err != nil {
		return model.Failed(model.NewFailure(model.FailureProviderError, "anthropic: encode request: "+err.Error()).WithRetriable(false)), 0
	}

	callCtx, cancel := attemptContext(ctx, p)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.base+"/v1/messages", bytes.NewReader(b))
	if err != nil {
		return model.Failed(model.NewFailure(model.FailureProviderError, err.Error()).WithRetriable(false)), 0
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", a.version)

	start := time.Now()
	resp, err := a.pool.get(p.ConnectTimeout).Do(httpReq)
	if err != nil {
		return model.Failed(classifyTransport(ctx, err)), time.Since(start)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	latency := time.Since(start)
	if err != nil {
		return model.Failed(classifyTransport(ctx, err)), latency
	}
	if len(raw) > maxResponseBytes {
		return model.Failed(model.NewFailure(model.FailureProviderError,
			fmt.Sprintf("anthropic: response body exceeds %d bytes", maxResponseBytes)).
			WithDetail("response_too_large").WithStatus(resp.StatusCode).WithRetriable(false)), latency
	}

	if resp.StatusCode >= 300 {
		var apiErr anthropicError
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("anthropic http %d", resp.StatusCode)
		}
		a.log.Debug().Int("status", resp.StatusCode).Str("model", req.Model).Str("type", apiErr.Error.Type).Msg("anthropic call failed")
		return model.Failed(classifyStatus(resp.StatusCode, apiErr.Error.Type, msg, resp.Header)), latency
	}

	var payload anthropicResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return model.Failed(model.NewFailure(model.FailureProviderError, "anthropic: decode response: "+err.Error())), latency
	}
	if payload.StopReason == "refusal" {
		return model.Failed(model.NewFailure(model.FailureContentBlocked, "anthropic: model refused").WithDetail("refusal")), latency
	}
	var sb strings.Builder
	for _, c := range payload.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return model.Failed(model.NewFailure(model.FailureValidationError, "anthropic: empty completion").
			WithDetail("stop_reason=" + payload.StopReason)), latency
	}
	usage := estimateUsage(model.TokenUsage{
		PromptTokens:     payload.Usage.InputTokens,
		CompletionTokens: payload.Usage.OutputTokens,
	}, req, text)
	return model.Succeeded(model.Success{RawText: text, Usage: usage}), latency
}
