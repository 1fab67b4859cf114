package adapter

import (
	"context"
	"time"

	"screening-engine/internal/domain/model"
)

// Message is one chat turn as sent to a provider.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// Messages renders the request prompts as chat turns.
func Messages(req model.Request) []Message {
	out := make([]Message, 0, 2)
	if req.SystemPrompt != "" {
		out = append(out, Message{Role: "system", Content: req.SystemPrompt})
	}
	return append(out, Message{Role: "user", Content: req.Prompt})
}

// LLMAdapter is the port every provider family implements.
//
// Invoke performs exactly one network call. Provider and transport errors
// are never returned as Go errors; they come back as a Failure outcome.
// The returned duration is the wire latency of the call.
type LLMAdapter interface {
	Invoke(ctx context.Context, req model.Request, profile model.ProviderProfile) (model.Outcome, time.Duration)
}
