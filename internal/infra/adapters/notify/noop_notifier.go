package notify

import (
	"context"

	"github.com/rs/zerolog"

	"screening-engine/internal/domain/model"
	"screening-engine/internal/domain/ports/adapter"
)

var _ adapter.BatchNotifier = (*NoopNotifier)(nil)

// NoopNotifier only logs. Used when no Telegram chat is configured.
type NoopNotifier struct {
	log *zerolog.Logger
}

func NewNoopNotifier(logger *zerolog.Logger) *NoopNotifier {
	l := logger.With().Str("component", "NoopNotifier").Logger()
	return &NoopNotifier{log: &l}
}

func (n *NoopNotifier) BatchFinished(ctx context.Context, view model.BatchStatusView) error {
	n.log.Info().Str("batch_id", view.BatchID).Str("status", string(view.Status)).
		Int("completed", view.Counts.Completed).Int("error", view.Counts.Error).Msg("batch finished")
	return nil
}
