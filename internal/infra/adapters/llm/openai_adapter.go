package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/adapter"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog"
)

var _ adapter.LLMAdapter = (*OpenAIAdapter)(nil)

// OpenAIAdapter talks to any OpenAI-compatible chat completions endpoint
// through the official SDK. SDK retries are disabled; the retry controller
// owns that decision.
type OpenAIAdapter struct {
	client openai.Client
	pool   *clientPool
	log    *zerolog.Logger
}

func NewOpenAIAdapter(apiKey, baseURL string, logger *zerolog.Logger) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai: empty api key")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	l := logger.With().Str("component", "OpenAIAdapter").Logger()
	return &OpenAIAdapter{
		client: openai.NewClient(opts...),
		pool:   newClientPool(),
		log:    &l,
	}, nil
}

func (a *OpenAIAdapter) Invoke(ctx context.Context, req model.Request, p model.ProviderProfile) (model.Outcome, time.Duration) {
	return a.invoke(ctx, req, p, chatParams(req, p))
}

func (a *OpenAIAdapter) invoke(ctx context.Context, req model.Request, p model.ProviderProfile, params openai.ChatCompletionNewParams) (model.Outcome, time.Duration) {
	callCtx, cancel := attemptContext(ctx, p)
	defer cancel()

	start := time.Now()
	resp, err := a.client.Chat.Completions.New(callCtx, params, option.WithHTTPClient(a.pool.get(p.ConnectTimeout)))
	latency := time.Since(start)
	if err != nil {
		f := a.classify(ctx, err)
		a.log.Debug().Err(err).Str("model", req.Model).Str("kind", string(f.Kind)).Msg("openai call failed")
		return model.Failed(f), latency
	}
	return completionOutcome(req, resp), latency
}

func (a *OpenAIAdapter) classify(parent context.Context, err error) *model.Failure {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var h http.Header
		if apiErr.Response != nil {
			h = apiErr.Response.Header
		}
		msg := apiErr.Message
		if msg == "" {
			msg = fmt.Sprintf("openai http %d", apiErr.StatusCode)
		}
		f := classifyStatus(apiErr.StatusCode, apiErr.Code, msg, h)
		if apiErr.StatusCode == http.StatusBadRequest && apiErr.Code == "content_policy_violation" {
			f.Kind = model.FailureContentBlocked
		}
		return f
	}
	return classifyTransport(parent, err)
}

func completionOutcome(req model.Request, resp *openai.ChatCompletion) model.Outcome {
	if resp == nil || len(resp.Choices) == 0 {
		return model.Failed(model.NewFailure(model.FailureProviderError, "openai: response has no choices"))
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return model.Failed(model.NewFailure(model.FailureContentBlocked, choice.Message.Refusal).WithDetail("refusal"))
	}
	if choice.FinishReason == "content_filter" {
		return model.Failed(model.NewFailure(model.FailureContentBlocked, "openai: completion stopped by content filter").WithDetail("content_filter"))
	}
	text := choice.Message.Content
	if strings.TrimSpace(text) == "" {
		// Reasoning models can spend the whole budget thinking.
		return model.Failed(model.NewFailure(model.FailureValidationError, "openai: empty completion").
			WithDetail("finish_reason=" + string(choice.FinishReason)))
	}
	usage := estimateUsage(model.TokenUsage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}, req, text)
	return model.Succeeded(model.Success{RawText: text, Usage: usage})
}

func chatMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	for _, m := range adapter.Messages(req) {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return msgs
}

// chatParams builds a standard chat request. Sampling knobs are dropped when
// the profile says the model rejects them.
func chatParams(req model.Request, p model.ProviderProfile) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: chatMessages(req),
	}
	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.DefaultMaxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if p.SamplingAccepted() {
		if req.Config.Temperature != nil {
			params.Temperature = openai.Float(*req.Config.Temperature)
		}
		if req.Config.TopP != nil {
			params.TopP = openai.Float(*req.Config.TopP)
		}
	}
	if len(req.Config.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.Config.Stop}
	}
	if p.IsReasoning() {
		return reasoningParams(req, p, params)
	}
	return params
}
