package model

import (
	"fmt"
	"strings"

	"screening-engine/internal/domain"
)

var defaultLabels = map[TaskType][]string{
	TaskScreen:  {"INCLUDE", "EXCLUDE", "MAYBE"},
	TaskExtract: {"FOUND", "NOT_FOUND", "PARTIAL"},
	TaskAssess:  {"LOW", "HIGH", "UNCLEAR"},
}

var defaultLabelFields = map[TaskType]string{
	TaskScreen:  "decision",
	TaskExtract: "status",
	TaskAssess:  "risk",
}

// TaskConfig tells the validator what a well-formed answer looks like.
type TaskConfig struct {
	Type               TaskType `json:"type"`
	Labels             []string `json:"labels,omitempty"`
	LabelField         string   `json:"label_field,omitempty"`
	JustificationField string   `json:"justification_field,omitempty"`
	MinJustification   int      `json:"min_justification,omitempty"`
	MaxJustification   int      `json:"max_justification,omitempty"`
	ValidationRetry    bool     `json:"validation_retry,omitempty"`
}

// Normalize fills defaults for the task type and upper-cases labels.
func (c TaskConfig) Normalize() (TaskConfig, error) {
	if c.Type == "" {
		c.Type = TaskScreen
	}
	if !c.Type.Valid() {
		return c, fmt.Errorf("task type %q: %w", c.Type, domain.ErrInvalidArgument)
	}
	if len(c.Labels) == 0 {
		c.Labels = append([]string(nil), defaultLabels[c.Type]...)
	} else {
		labels := make([]string, 0, len(c.Labels))
		for _, l := range c.Labels {
			if l = strings.ToUpper(strings.TrimSpace(l)); l != "" {
				labels = append(labels, l)
			}
		}
		c.Labels = labels
	}
	if c.LabelField == "" {
		c.LabelField = defaultLabelFields[c.Type]
	}
	if c.JustificationField == "" {
		c.JustificationField = "justification"
	}
	if c.MinJustification <= 0 {
		c.MinJustification = 10
	}
	if c.MaxJustification <= 0 {
		c.MaxJustification = 2000
	}
	if c.MaxJustification < c.MinJustification {
		return c, fmt.Errorf("justification bounds %d..%d: %w", c.MinJustification, c.MaxJustification, domain.ErrInvalidArgument)
	}
	return c, nil
}

func (c TaskConfig) AllowsLabel(label string) bool {
	for _, l := range c.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// DefaultLabels returns the built-in allow-list of a task type.
func DefaultLabels(t TaskType) []string {
	if l, ok := defaultLabels[t]; ok {
		return append([]string(nil), l...)
	}
	return append([]string(nil), defaultLabels[TaskScreen]...)
}
