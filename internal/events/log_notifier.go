package events

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
)

// LogNotifier is the outcome sink when no broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, o models.Outcome) {
	l.logger.InfoContext(ctx, "search outcome",
		"request_id", o.RequestID,
		"outcome", o.Kind,
		"provider_id", o.ProviderID,
		"reason", o.Reason,
		"batches", o.Batches,
	)
}
