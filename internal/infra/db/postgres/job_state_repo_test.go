//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"screening-engine/internal/domain"
	"screening-engine/internal/domain/model"
)

func newRepo() *JobStateRepo {
	nop := zerolog.Nop()
	return NewJobStateRepo(testPool, NewTxManager(testPool), &nop)
}

func seedBatch(t *testing.T, r *JobStateRepo, id string, n int) *model.BatchJob {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	b := &model.BatchJob{
		ID:        id,
		CreatedAt: now,
		ExpiresAt: now.Add(72 * time.Hour),
		Selection: model.Selection{Provider: "echo", Model: "echo-1"},
		Status:    model.BatchProcessing,
	}
	items := make([]model.ItemRecord, 0, n)
	for i := 0; i < n; i++ {
		itemID := fmt.Sprintf("item-%d", i)
		b.ItemIDs = append(b.ItemIDs, itemID)
		items = append(items, model.ItemRecord{ID: itemID, BatchID: id, Prompt: "p", Status: model.ItemPending, UpdatedAt: now})
	}
	if err := r.CreateBatch(context.Background(), b, items); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return b
}

func success(label string) *model.Outcome {
	o := model.Succeeded(model.Success{Label: label, Justification: "fits the protocol", RawText: "{}"})
	return &o
}

func TestJobStateRepo_CreateAndGet(t *testing.T) {
	cleanup(t)
	r := newRepo()
	ctx := context.Background()
	seedBatch(t, r, "b1", 3)

	t.Run("duplicate id is rejected", func(t *testing.T) {
		b := &model.BatchJob{ID: "b1", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour), Status: model.BatchProcessing}
		if err := r.CreateBatch(ctx, b, nil); !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("snapshot keeps submission order", func(t *testing.T) {
		snap, err := r.GetBatch(ctx, "b1")
		if err != nil {
			t.Fatalf("GetBatch: %v", err)
		}
		if snap.Batch.Counts.Pending != 3 || len(snap.Items) != 3 {
			t.Fatalf("unexpected snapshot: %+v", snap.Batch.Counts)
		}
		for i, it := range snap.Items {
			if it.ID != fmt.Sprintf("item-%d", i) {
				t.Errorf("item %d out of order: %s", i, it.ID)
			}
		}
		if snap.Batch.Selection.Model != "echo-1" {
			t.Errorf("selection not round-tripped: %+v", snap.Batch.Selection)
		}
	})

	t.Run("missing batch", func(t *testing.T) {
		if _, err := r.GetBatch(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := r.UpdateItem(ctx, "nope", "item-0", model.ItemUpdate{Status: model.ItemProcessing}); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestJobStateRepo_UpdateItemFinalizes(t *testing.T) {
	cleanup(t)
	r := newRepo()
	ctx := context.Background()
	seedBatch(t, r, "b2", 2)

	if _, err := r.UpdateItem(ctx, "b2", "item-0", model.ItemUpdate{Status: model.ItemProcessing, Attempts: 1}); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	res, err := r.UpdateItem(ctx, "b2", "item-0", model.ItemUpdate{Status: model.ItemCompleted, Outcome: success("INCLUDE"), Attempts: 1})
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if res.Finalized || res.Counts.Completed != 1 || res.Counts.Pending != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	fail := model.Failed(model.NewFailure(model.FailureAuthError, "bad key").WithStatus(401))
	res, err = r.UpdateItem(ctx, "b2", "item-1", model.ItemUpdate{Status: model.ItemError, Outcome: &fail, Attempts: 1})
	if err != nil {
		t.Fatalf("to error: %v", err)
	}
	if !res.Finalized || res.Status != model.BatchCompletedWithErrors {
		t.Fatalf("expected completed_with_errors, got %+v", res)
	}

	t.Run("terminal items never change", func(t *testing.T) {
		_, err := r.UpdateItem(ctx, "b2", "item-0", model.ItemUpdate{Status: model.ItemProcessing, Attempts: 2})
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("outcome survives the round trip", func(t *testing.T) {
		snap, err := r.GetBatch(ctx, "b2")
		if err != nil {
			t.Fatal(err)
		}
		got := snap.Items[1].Result()
		if got.Error == nil || got.Error.Kind != model.FailureAuthError || got.Error.HTTPStatus == nil || *got.Error.HTTPStatus != 401 {
			t.Errorf("unexpected result: %+v", got)
		}
		if snap.Batch.FinishedAt == nil {
			t.Error("finished_at not recorded")
		}
	})

	t.Run("finalized batch is no longer active", func(t *testing.T) {
		ids, err := r.ListActiveBatches(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(ids) != 0 {
			t.Errorf("expected no active batches, got %v", ids)
		}
	})
}

func TestJobStateRepo_ConcurrentItemWrites(t *testing.T) {
	cleanup(t)
	r := newRepo()
	ctx := context.Background()
	seedBatch(t, r, "b3", 40)

	var wg sync.WaitGroup
	var mu sync.Mutex
	finalized := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("item-%d", i)
			res, err := r.UpdateItem(ctx, "b3", id, model.ItemUpdate{Status: model.ItemCompleted, Outcome: success("EXCLUDE"), Attempts: 1})
			if err != nil {
				t.Errorf("completed %s: %v", id, err)
				return
			}
			if res.Finalized {
				mu.Lock()
				finalized++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if finalized != 1 {
		t.Fatalf("expected exactly one finalizing write, got %d", finalized)
	}
	meta, err := r.GetBatchMeta(ctx, "b3")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Status != model.BatchCompleted || meta.Counts.Completed != 40 || meta.Counts.Outstanding() != 0 {
		t.Fatalf("unexpected final state: %s %+v", meta.Status, meta.Counts)
	}
}

func TestJobStateRepo_CancelDeleteAndSweep(t *testing.T) {
	cleanup(t)
	r := newRepo()
	ctx := context.Background()
	seedBatch(t, r, "b4", 1)

	b, err := r.MarkCancelRequested(ctx, "b4")
	if err != nil || !b.CancelRequested {
		t.Fatalf("MarkCancelRequested: %v %+v", err, b)
	}
	res, err := r.UpdateItem(ctx, "b4", "item-0", model.ItemUpdate{Status: model.ItemCancelled})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Finalized || res.Status != model.BatchCancelled {
		t.Fatalf("expected cancelled batch, got %+v", res)
	}
	if err := r.SetBatchStatus(ctx, "b4", model.BatchProcessing); !errors.Is(err, domain.ErrBatchFinalized) {
		t.Errorf("expected ErrBatchFinalized, got %v", err)
	}
	if err := r.DeleteBatch(ctx, "b4"); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteBatch(ctx, "b4"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}

	seedBatch(t, r, "b5", 2)
	r.now = func() time.Time { return time.Now().Add(73 * time.Hour) }
	if _, err := r.GetBatch(ctx, "b5"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expired batch should be invisible, got %v", err)
	}
	n, err := r.SweepExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepExpired: n=%d err=%v", n, err)
	}
	var left int
	if err := testPool.QueryRow(ctx, `SELECT count(*) FROM screening_items`).Scan(&left); err != nil || left != 0 {
		t.Errorf("items not cascaded: %d %v", left, err)
	}
}
