package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/adapter"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

var _ adapter.LLMAdapter = (*GeminiAdapter)(nil)

// GeminiAdapter calls generateContent through the official SDK. The SDK
// client is bound to an *http.Client, so one client is kept per connect
// timeout.
type GeminiAdapter struct {
	apiKey  string
	baseURL string
	pool    *clientPool

	mu      sync.Mutex
	clients map[time.Duration]*genai.Client
	log     *zerolog.Logger
}

func NewGeminiAdapter(apiKey, baseURL string, logger *zerolog.Logger) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	l := logger.With().Str("component", "GeminiAdapter").Logger()
	return &GeminiAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		pool:    newClientPool(),
		clients: make(map[time.Duration]*genai.Client),
		log:     &l,
	}, nil
}

func (g *GeminiAdapter) client(ctx context.Context, connect time.Duration) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[connect]; ok {
		return c, nil
	}
	cfg := &genai.ClientConfig{
		APIKey:     g.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.pool.get(connect),
	}
	if g.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	g.clients[connect] = c
	return c, nil
}

func generateConfig(req model.Request, p model.ProviderProfile) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.DefaultMaxTokens
	}
	cfg.MaxOutputTokens = int32(maxTokens)
	if p.SamplingAccepted() {
		if t := req.Config.Temperature; t != nil {
			v := float32(*t)
			cfg.Temperature = &v
		}
		if tp := req.Config.TopP; tp != nil {
			v := float32(*tp)
			cfg.TopP = &v
		}
	}
	if len(req.Config.Stop) > 0 {
		cfg.StopSequences = req.Config.Stop
	}
	return cfg
}

func (g *GeminiAdapter) Invoke(ctx context.Context, req model.Request, p model.ProviderProfile) (model.Outcome, time.Duration) {
	c, err := g.client(ctx, p.ConnectTimeout)
	if err != nil {
		return model.Failed(model.NewFailure(model.FailureProviderError, "gemini: client: "+err.Error()).WithRetriable(false)), 0
	}

	callCtx, cancel := attemptContext(ctx, p)
	defer cancel()

	start := time.Now()
	resp, err := c.Models.GenerateContent(callCtx, req.Model, genai.Text(req.Prompt), generateConfig(req, p))
	latency := time.Since(start)
	if err != nil {
		f := g.classify(ctx, err)
		g.log.Debug().Err(err).Str("model", req.Model).Str("kind", string(f.Kind)).Msg("gemini call failed")
		return model.Failed(f), latency
	}
	return geminiOutcome(req, resp), latency
}

func (g *GeminiAdapter) classify(parent context.Context, err error) *model.Failure {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var ptr *genai.APIError
		if !errors.As(err, &ptr) || ptr == nil {
			return classifyTransport(parent, err)
		}
		apiErr = *ptr
	}
	msg := apiErr.Message
	if msg == "" {
		msg = fmt.Sprintf("gemini http %d", apiErr.Code)
	}
	f := classifyStatus(apiErr.Code, apiErr.Status, msg, nil)
	if f.Retriable {
		f.RetryAfter = retryDelayFromDetails(apiErr.Details)
	}
	return f
}

// retryDelayFromDetails reads google.rpc.RetryInfo.retryDelay ("30s").
func retryDelayFromDetails(details []map[string]any) time.Duration {
	for _, d := range details {
		t, _ := d["@type"].(string)
		if !strings.HasSuffix(t, "google.rpc.RetryInfo") {
			continue
		}
		s, _ := d["retryDelay"].(string)
		if dur, err := time.ParseDuration(s); err == nil && dur > 0 {
			if dur > maxRetryHint {
				return maxRetryHint
			}
			return dur
		}
	}
	return 0
}

var blockedFinishReasons = map[string]bool{
	"SAFETY":             true,
	"PROHIBITED_CONTENT": true,
	"BLOCKLIST":          true,
	"SPII":               true,
	"RECITATION":         true,
	"IMAGE_SAFETY":       true,
}

func geminiOutcome(req model.Request, resp *genai.GenerateContentResponse) model.Outcome {
	if resp == nil {
		return model.Failed(model.NewFailure(model.FailureProviderError, "gemini: empty response"))
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		msg := fb.BlockReasonMessage
		if msg == "" {
			msg = "gemini: prompt blocked"
		}
		return model.Failed(model.NewFailure(model.FailureContentBlocked, msg).WithDetail(string(fb.BlockReason)))
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return model.Failed(model.NewFailure(model.FailureProviderError, "gemini: response has no candidates"))
	}
	cand := resp.Candidates[0]
	if reason := string(cand.FinishReason); blockedFinishReasons[reason] {
		return model.Failed(model.NewFailure(model.FailureContentBlocked, "gemini: candidate blocked").WithDetail(reason))
	}
	var sb strings.Builder
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if part != nil && !part.Thought {
				sb.WriteString(part.Text)
			}
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return model.Failed(model.NewFailure(model.FailureValidationError, "gemini: empty completion").
			WithDetail("finish_reason=" + string(cand.FinishReason)))
	}
	u := model.TokenUsage{}
	if m := resp.UsageMetadata; m != nil {
		u.PromptTokens = int(m.PromptTokenCount)
		u.CompletionTokens = int(m.CandidatesTokenCount)
		u.TotalTokens = int(m.TotalTokenCount)
	}
	return model.Succeeded(model.Success{RawText: text, Usage: estimateUsage(u, req, text)})
}
