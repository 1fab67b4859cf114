package model

import (
	"fmt"
	"time"
)

type FailureKind string

const (
	FailureRateLimited     FailureKind = "rate_limited"
	FailureTimeout         FailureKind = "timeout"
	FailureNetworkError    FailureKind = "network_error"
	FailureAuthError       FailureKind = "auth_error"
	FailureValidationError FailureKind = "validation_error"
	FailureProviderError   FailureKind = "provider_error"
	FailureContentBlocked  FailureKind = "content_blocked"
	FailureCancelled       FailureKind = "cancelled"
)

// defaultRetriable is the retry class of each kind when the adapter has no
// better information (e.g. ProviderError on a 4xx is fatal, on a 5xx it is not).
func (k FailureKind) defaultRetriable() bool {
	switch k {
	case FailureRateLimited, FailureTimeout, FailureNetworkError, FailureProviderError:
		return true
	}
	return false
}

// Success is a parsed model answer. Label and Justification are empty until
// the validator has run.
type Success struct {
	Label         string     `json:"label,omitempty"`
	Justification string     `json:"justification,omitempty"`
	RawText       string     `json:"raw_text"`
	Usage         TokenUsage `json:"token_usage"`
	Flags         []string   `json:"flags,omitempty"`
}

type Failure struct {
	Kind       FailureKind   `json:"kind"`
	Message    string        `json:"message"`
	HTTPStatus *int          `json:"http_status,omitempty"`
	Retriable  bool          `json:"retriable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}

func (f *Failure) Error() string {
	if f.HTTPStatus != nil {
		return fmt.Sprintf("%s (http %d): %s", f.Kind, *f.HTTPStatus, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// NewFailure builds a failure with the kind's default retry class.
func NewFailure(kind FailureKind, msg string) *Failure {
	return &Failure{Kind: kind, Message: msg, Retriable: kind.defaultRetriable()}
}

func (f *Failure) WithStatus(code int) *Failure {
	f.HTTPStatus = &code
	return f
}

func (f *Failure) WithDetail(detail string) *Failure {
	f.Detail = detail
	return f
}

func (f *Failure) WithRetriable(v bool) *Failure {
	f.Retriable = v
	return f
}

// Outcome is exactly one of Success or Failure.
type Outcome struct {
	Success *Success `json:"success,omitempty"`
	Failure *Failure `json:"failure,omitempty"`
}

func Succeeded(s Success) Outcome { return Outcome{Success: &s} }

func Failed(f *Failure) Outcome { return Outcome{Failure: f} }

func (o Outcome) IsSuccess() bool { return o.Success != nil && o.Failure == nil }

func (o Outcome) Kind() string {
	if o.IsSuccess() {
		return "success"
	}
	if o.Failure == nil {
		return "unknown"
	}
	return string(o.Failure.Kind)
}
