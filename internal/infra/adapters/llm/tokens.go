package llm

import (
	"strings"
	"sync"

	"screening-engine/internal/domain/model"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encMu    sync.Mutex
	encCache = map[string]*tiktoken.Tiktoken{}
)

func encoderFor(modelName string) *tiktoken.Tiktoken {
	encMu.Lock()
	defer encMu.Unlock()
	if enc, ok := encCache[modelName]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		name := "cl100k_base"
		if model.IsReasoningModel(modelName) || strings.HasPrefix(strings.ToLower(modelName), "gpt-4o") {
			name = "o200k_base"
		}
		enc, err = tiktoken.GetEncoding(name)
	}
	if err != nil {
		enc = nil
	}
	encCache[modelName] = enc
	return enc
}

func countTokens(modelName, text string) int {
	if text == "" {
		return 0
	}
	if enc := encoderFor(modelName); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// estimateUsage fills usage when the provider did not report it.
func estimateUsage(u model.TokenUsage, req model.Request, completion string) model.TokenUsage {
	if u.TotalTokens > 0 || u.PromptTokens > 0 || u.CompletionTokens > 0 {
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		return u
	}
	u.PromptTokens = countTokens(req.Model, req.SystemPrompt) + countTokens(req.Model, req.Prompt)
	u.CompletionTokens = countTokens(req.Model, completion)
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	u.Estimated = true
	return u
}
