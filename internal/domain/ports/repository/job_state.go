package repository

import (
	"context"

	"screening-engine/internal/domain/model"
)

// JobStateStore is the durable home of batches and items.
//
// Every write is confirmed before the call returns. Expired batches behave
// as if they did not exist (domain.ErrNotFound).
type JobStateStore interface {
	// CreateBatch stores the batch and all of its items in one atomic step.
	CreateBatch(ctx context.Context, batch *model.BatchJob, items []model.ItemRecord) error
	// SetBatchStatus moves a non-terminal batch to another non-terminal status.
	SetBatchStatus(ctx context.Context, batchID string, status model.BatchStatus) error
	// UpdateItem applies one item transition, adjusts the batch counts and,
	// when nothing is outstanding, finalizes the batch, all atomically.
	UpdateItem(ctx context.Context, batchID, itemID string, u model.ItemUpdate) (model.UpdateResult, error)
	GetBatch(ctx context.Context, batchID string) (*model.BatchSnapshot, error)
	GetBatchMeta(ctx context.Context, batchID string) (*model.BatchJob, error)
	// ListActiveBatches returns ids of batches that are not yet terminal.
	ListActiveBatches(ctx context.Context) ([]string, error)
	// MarkCancelRequested sets the cancel flag and returns the batch after the write.
	MarkCancelRequested(ctx context.Context, batchID string) (*model.BatchJob, error)
	DeleteBatch(ctx context.Context, batchID string) error
}
