package worker

import (
	"context"
	"time"

	"github.com/jwalitptl/dunning-engine/internal/service/event"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
)

// OutboxCleanupWorker removes published outbox events past the retention window
type OutboxCleanupWorker struct {
	events    event.EventServicer
	retention time.Duration
	interval  time.Duration
	logger    *logger.Logger
}

func NewOutboxCleanupWorker(events event.EventServicer, retention, interval time.Duration, log *logger.Logger) *OutboxCleanupWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &OutboxCleanupWorker{
		events:    events,
		retention: retention,
		interval:  interval,
		logger:    log,
	}
}

func (w *OutboxCleanupWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce deletes one round of expired events; errors are logged and retried next tick
func (w *OutboxCleanupWorker) RunOnce(ctx context.Context) int64 {
	n, err := w.events.CleanupProcessedEvents(ctx, w.retention)
	if err != nil {
		w.logger.Error(err, "Error cleaning up outbox events")
		return 0
	}
	return n
}
