package adapter

import (
	"context"

	"screening-engine/internal/domain/model"
)

// BatchNotifier is told once when a batch reaches a terminal status.
type BatchNotifier interface {
	BatchFinished(ctx context.Context, view model.BatchStatusView) error
}
