package llm

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"

	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/adapter"
)

var _ adapter.LLMAdapter = (*EchoAdapter)(nil)

// EchoAdapter answers locally with a deterministic verdict. It is meant for
// development and smoke tests; no network is involved.
type EchoAdapter struct {
	latency time.Duration
}

func NewEchoAdapter(latency time.Duration) *EchoAdapter {
	return &EchoAdapter{latency: latency}
}

func (e *EchoAdapter) Invoke(ctx context.Context, req model.Request, p model.ProviderProfile) (model.Outcome, time.Duration) {
	start := time.Now()
	if e.latency > 0 {
		select {
		case <-ctx.Done():
			return model.Failed(model.NewFailure(model.FailureCancelled, ctx.Err().Error())), time.Since(start)
		case <-time.After(e.latency):
		}
	}
	labels := model.DefaultLabels(req.TaskType)
	h := fnv.New32a()
	_, _ = h.Write([]byte(req.ItemID + "\x00" + req.Prompt))
	label := labels[h.Sum32()%uint32(len(labels))]

	b, _ := json.Marshal(map[string]string{
		"label":         label,
		"justification": "Deterministic echo verdict for item " + req.ItemID + ".",
	})
	text := string(b)
	prompt := (len(req.SystemPrompt) + len(req.Prompt) + 3) / 4
	completion := (len(text) + 3) / 4
	return model.Succeeded(model.Success{
		RawText: text,
		Usage: model.TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
			Estimated:        true,
		},
	}), time.Since(start)
}
