package usecase

import (
	"context"

	"screening-engine/internal/domain/model"
)

type SubmitBatchInput struct {
	Items     []model.ItemInput   `json:"items"`
	Selection model.Selection     `json:"selection"`
	Task      model.TaskConfig    `json:"task"`
	Request   model.RequestConfig `json:"request"`
}

// BatchService is what the HTTP API and other callers use to run batches.
type BatchService interface {
	SubmitBatch(ctx context.Context, in SubmitBatchInput) (string, error)
	GetStatus(ctx context.Context, batchID string) (*model.BatchStatusView, error)
	GetResults(ctx context.Context, batchID string) ([]model.ItemResult, error)
	CancelBatch(ctx context.Context, batchID string) error
	DeleteBatch(ctx context.Context, batchID string) error
	ListActive(ctx context.Context) ([]model.BatchStatusView, error)
}
