package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
	"github.com/jwalitptl/dunning-engine/pkg/clock"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
)

type EventServicer interface {
	Emit(ctx context.Context, eventType string, aggregateID uuid.UUID, payload interface{}) error
	CleanupProcessedEvents(ctx context.Context, retention time.Duration) (int64, error)
}

// EventService writes standalone events to the outbox. Events that must commit with a
// case mutation are passed to the case repository instead.
type EventService struct {
	outboxRepo repository.OutboxRepository
	clock      clock.Clock
	logger     *logger.Logger
}

func NewEventService(outboxRepo repository.OutboxRepository, clk clock.Clock, log *logger.Logger) *EventService {
	return &EventService{
		outboxRepo: outboxRepo,
		clock:      clk,
		logger:     log,
	}
}

func (s *EventService) Emit(ctx context.Context, eventType string, aggregateID uuid.UUID, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := s.clock.Now()
	event := &model.OutboxEvent{
		ID:          uuid.New(),
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     payloadJSON,
		Status:      model.OutboxStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.outboxRepo.Create(ctx, event); err != nil {
		return fmt.Errorf("failed to create outbox event: %w", err)
	}
	s.logger.Debug("event emitted", "event_id", event.ID.String(), "event_type", eventType)
	return nil
}

func (s *EventService) CleanupProcessedEvents(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-retention)
	count, err := s.outboxRepo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup events: %w", err)
	}
	if count > 0 {
		s.logger.Info("processed outbox events removed", "deleted_count", count, "cutoff", cutoff)
	}
	return count, nil
}
