package model

import (
	"strings"
)

type TaskType string

const (
	TaskScreen  TaskType = "screen"
	TaskExtract TaskType = "extract"
	TaskAssess  TaskType = "assess"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskScreen, TaskExtract, TaskAssess:
		return true
	}
	return false
}

// RequestConfig carries the sampling and length knobs of a single call.
// Nil pointers mean "provider default".
type RequestConfig struct {
	Temperature *float64          `json:"temperature,omitempty" yaml:"temperature"`
	TopP        *float64          `json:"top_p,omitempty" yaml:"top_p"`
	MaxTokens   int               `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Stop        []string          `json:"stop,omitempty" yaml:"stop"`
	Extra       map[string]string `json:"extra,omitempty" yaml:"extra"`
}

func (c RequestConfig) clone() RequestConfig {
	out := c
	if c.Temperature != nil {
		v := *c.Temperature
		out.Temperature = &v
	}
	if c.TopP != nil {
		v := *c.TopP
		out.TopP = &v
	}
	if c.Stop != nil {
		out.Stop = append([]string(nil), c.Stop...)
	}
	if c.Extra != nil {
		out.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Request is the provider-agnostic description of one model call.
// Build it with NewRequest; adapters treat it as read-only.
type Request struct {
	BatchID      string
	ItemID       string
	TaskType     TaskType
	SystemPrompt string
	Prompt       string
	Provider     string
	Model        string
	Config       RequestConfig
}

func NewRequest(batchID string, item ItemRecord, task TaskType, sel Selection, cfg RequestConfig) Request {
	return Request{
		BatchID:      batchID,
		ItemID:       item.ID,
		TaskType:     task,
		SystemPrompt: item.SystemPrompt,
		Prompt:       item.Prompt,
		Provider:     strings.ToLower(sel.Provider),
		Model:        sel.Model,
		Config:       cfg.clone(),
	}
}

// Selection names the provider and model a batch runs against.
type Selection struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Resolve fills an empty provider from the model name.
func (s Selection) Resolve() Selection {
	s.Provider = strings.ToLower(strings.TrimSpace(s.Provider))
	s.Model = strings.TrimSpace(s.Model)
	if s.Provider == "" {
		s.Provider = InferProvider(s.Model)
	}
	return s
}

func (s Selection) String() string { return s.Provider + "/" + s.Model }

// TokenUsage is what the provider reported (or what we estimated).
type TokenUsage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}
