//go:build !integration

package model

import (
	"errors"
	"testing"
	"time"

	"screening-engine/internal/domain"
)

// --- Item lifecycle ---

func TestItemRecordApply(t *testing.T) {
	now := time.Now()

	t.Run("should move pending to processing and count attempts", func(t *testing.T) {
		rec := ItemRecord{ID: "a", Status: ItemPending}
		got, err := rec.Apply(ItemUpdate{Status: ItemProcessing, Attempts: 1}, now)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if got.Status != ItemProcessing || got.Attempts != 1 {
			t.Errorf("unexpected record: %+v", got)
		}
		if !got.UpdatedAt.Equal(now) {
			t.Errorf("expected UpdatedAt to be set")
		}
	})

	t.Run("should allow processing to processing for successive attempts", func(t *testing.T) {
		rec := ItemRecord{ID: "a", Status: ItemProcessing, Attempts: 1}
		got, err := rec.Apply(ItemUpdate{Status: ItemProcessing, Attempts: 2}, now)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if got.Attempts != 2 {
			t.Errorf("expected 2 attempts, got %d", got.Attempts)
		}
	})

	t.Run("should reject processing back to pending", func(t *testing.T) {
		rec := ItemRecord{ID: "a", Status: ItemProcessing}
		_, err := rec.Apply(ItemUpdate{Status: ItemPending}, now)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("should never change a terminal item", func(t *testing.T) {
		for _, s := range []ItemStatus{ItemCompleted, ItemError, ItemCancelled} {
			rec := ItemRecord{ID: "a", Status: s}
			if _, err := rec.Apply(ItemUpdate{Status: ItemProcessing}, now); !errors.Is(err, domain.ErrInvalidTransition) {
				t.Errorf("%s: expected ErrInvalidTransition, got %v", s, err)
			}
		}
	})

	t.Run("should not decrease attempts", func(t *testing.T) {
		rec := ItemRecord{ID: "a", Status: ItemProcessing, Attempts: 3}
		got, _ := rec.Apply(ItemUpdate{Status: ItemError, Attempts: 1}, now)
		if got.Attempts != 3 {
			t.Errorf("expected attempts to stay 3, got %d", got.Attempts)
		}
	})
}

func TestFinalStatus(t *testing.T) {
	cases := []struct {
		name   string
		counts Counts
		want   BatchStatus
		ok     bool
	}{
		{"outstanding work", Counts{Pending: 1, Completed: 2}, "", false},
		{"all completed", Counts{Completed: 3}, BatchCompleted, true},
		{"some errors", Counts{Completed: 4, Error: 1}, BatchCompletedWithErrors, true},
		{"cancel wins", Counts{Completed: 1, Cancelled: 2, Error: 1}, BatchCancelled, true},
		{"late cancel after all completed", Counts{Completed: 3}, BatchCompleted, true},
		{"late cancel after errors", Counts{Completed: 2, Error: 1}, BatchCompletedWithErrors, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := FinalStatus(tc.counts)
			if ok != tc.ok || got != tc.want {
				t.Errorf("FinalStatus(%+v) = %q,%v; want %q,%v", tc.counts, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestCountsMove(t *testing.T) {
	c := Counts{Pending: 2}
	c.Move(ItemPending, ItemProcessing)
	c.Move(ItemProcessing, ItemProcessing)
	c.Move(ItemProcessing, ItemCompleted)
	if c.Pending != 1 || c.Processing != 0 || c.Completed != 1 {
		t.Errorf("unexpected counts: %+v", c)
	}
	if c.Total() != 2 {
		t.Errorf("expected total 2, got %d", c.Total())
	}
}

func TestItemRecordResult(t *testing.T) {
	code := 401
	rec := ItemRecord{
		ID:       "x",
		Status:   ItemError,
		Attempts: 1,
		Outcome:  &Outcome{Failure: NewFailure(FailureAuthError, "bad key").WithStatus(code)},
	}
	res := rec.Result()
	if res.Error == nil || res.Error.Kind != FailureAuthError || *res.Error.HTTPStatus != 401 {
		t.Fatalf("unexpected error view: %+v", res.Error)
	}
	if res.Label != "" {
		t.Errorf("expected no label on failed item")
	}
}

// --- Profiles ---

func TestProfileRegistryLookup(t *testing.T) {
	reg, err := NewProfileRegistry([]ProviderProfile{
		{Provider: "openai", Model: "gpt-4o-mini", MaxRetries: 3, MaxConcurrent: 8},
		{Provider: "OpenAI", Model: "*", RequestsPerMinute: 500},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("exact match", func(t *testing.T) {
		p := reg.Lookup(Selection{Provider: "openai", Model: "gpt-4o-mini"})
		if p.MaxRetries != 3 || p.MaxConcurrent != 8 {
			t.Errorf("unexpected profile: %+v", p)
		}
		if !p.SamplingAccepted() || p.IsReasoning() {
			t.Errorf("gpt-4o-mini should accept sampling")
		}
	})

	t.Run("wildcard fallback infers reasoning", func(t *testing.T) {
		p := reg.Lookup(Selection{Model: "o3-mini"})
		if p.Provider != ProviderOpenAI || p.Model != "o3-mini" {
			t.Errorf("unexpected selection: %s", p.Key())
		}
		if p.RequestsPerMinute != 500 {
			t.Errorf("expected wildcard rpm 500, got %d", p.RequestsPerMinute)
		}
		if !p.IsReasoning() || p.SamplingAccepted() {
			t.Errorf("o3-mini should be reasoning-class without sampling")
		}
		if p.TimeoutCeiling <= p.ReadTimeout {
			t.Errorf("reasoning ceiling %v should exceed read timeout %v", p.TimeoutCeiling, p.ReadTimeout)
		}
	})

	t.Run("built-in defaults", func(t *testing.T) {
		p := reg.Lookup(Selection{Provider: "anthropic", Model: "claude-3-5-haiku"})
		if p.MaxRetries != 5 || p.BaseRetryDelay != time.Second || p.MaxRetryDelay != 30*time.Second {
			t.Errorf("unexpected defaults: %+v", p)
		}
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		_, err := NewProfileRegistry([]ProviderProfile{
			{Provider: "gemini", Model: "gemini-2.0-flash"},
			{Provider: "gemini", Model: "gemini-2.0-flash"},
		})
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
	})
}

func TestInferProvider(t *testing.T) {
	cases := map[string]string{
		"gemini-2.5-pro":    ProviderGemini,
		"claude-sonnet-4":   ProviderAnthropic,
		"gpt-4o":            ProviderOpenAI,
		"o1-preview":        ProviderOpenAI,
		"echo":              ProviderEcho,
		"some-custom-model": ProviderOpenAI,
	}
	for m, want := range cases {
		if got := InferProvider(m); got != want {
			t.Errorf("InferProvider(%q) = %q, want %q", m, got, want)
		}
	}
}

// --- Task config ---

func TestTaskConfigNormalize(t *testing.T) {
	t.Run("fills defaults per task type", func(t *testing.T) {
		c, err := TaskConfig{Type: TaskAssess}.Normalize()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !c.AllowsLabel("UNCLEAR") || c.AllowsLabel("INCLUDE") {
			t.Errorf("unexpected labels: %v", c.Labels)
		}
		if c.LabelField != "risk" {
			t.Errorf("expected label field risk, got %q", c.LabelField)
		}
	})

	t.Run("upper-cases caller labels", func(t *testing.T) {
		c, _ := TaskConfig{Labels: []string{" yes ", "no"}}.Normalize()
		if !c.AllowsLabel("YES") || !c.AllowsLabel("NO") {
			t.Errorf("unexpected labels: %v", c.Labels)
		}
	})

	t.Run("rejects unknown task type", func(t *testing.T) {
		_, err := TaskConfig{Type: "summarize"}.Normalize()
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})
}
