package llm

import (
	"context"
	"time"

	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/adapter"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/openai/openai-go/v2/shared"
)

var _ adapter.LLMAdapter = (*ReasoningAdapter)(nil)

// ReasoningAdapter is the OpenAI adapter for o-series and gpt-5 models.
// Those models reject temperature, top_p and stop, and count output with
// max_completion_tokens instead of max_tokens.
type ReasoningAdapter struct {
	base *OpenAIAdapter
}

func NewReasoningAdapter(base *OpenAIAdapter) *ReasoningAdapter {
	return &ReasoningAdapter{base: base}
}

func (r *ReasoningAdapter) Invoke(ctx context.Context, req model.Request, p model.ProviderProfile) (model.Outcome, time.Duration) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: chatMessages(req),
	}
	return r.base.invoke(ctx, req, p, reasoningParams(req, p, params))
}

func reasoningParams(req model.Request, p model.ProviderProfile, params openai.ChatCompletionNewParams) openai.ChatCompletionNewParams {
	params.Temperature = param.Opt[float64]{}
	params.TopP = param.Opt[float64]{}
	params.Stop = openai.ChatCompletionNewParamsStopUnion{}
	params.MaxTokens = param.Opt[int64]{}

	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.DefaultMaxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	effort := p.ReasoningEffort
	if v := req.Config.Extra["reasoning_effort"]; v != "" {
		effort = v
	}
	if effort != "" {
		params.ReasoningEffort = shared.ReasoningEffort(effort)
	}
	return params
}
