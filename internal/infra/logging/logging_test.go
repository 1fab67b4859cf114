//go:build !integration

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestWithAttachesContextFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "t-1")
	ctx = WithBatchID(ctx, "b-1")
	ctx = WithItemID(ctx, "i-1")

	With(ctx, &base).Info().Msg("hello")

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid json log line: %v", err)
	}
	for k, want := range map[string]string{"trace_id": "t-1", "batch_id": "b-1", "item_id": "i-1"} {
		if got[k] != want {
			t.Errorf("expected %s=%s, got %v", k, want, got[k])
		}
	}
	if _, ok := got["subject"]; ok {
		t.Error("subject should be absent when not set")
	}
	if BatchID(ctx) != "b-1" {
		t.Errorf("BatchID helper returned %q", BatchID(ctx))
	}
}

func TestRedact(t *testing.T) {
	if Redact("sk-1234567890", false) != "sk-1...90" {
		t.Errorf("unexpected redaction: %s", Redact("sk-1234567890", false))
	}
	if Redact("short", false) != "***" {
		t.Error("short values should be fully masked")
	}
	if Redact("sk-1234567890", true) != "sk-1234567890" {
		t.Error("dev mode should not redact")
	}
}
