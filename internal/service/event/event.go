package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/dunning-engine/internal/model"
)

// TransitionEventType maps a target case state onto its lifecycle event type
func TransitionEventType(to model.CaseState) string {
	switch to {
	case model.CaseStateRetrying:
		return model.EventCaseRetryFailed
	case model.CaseStateGracePeriod:
		return model.EventCaseGracePeriod
	case model.CaseStateSuspended:
		return model.EventCaseSuspended
	case model.CaseStateRecovered:
		return model.EventCaseRecovered
	case model.CaseStateCancelled:
		return model.EventCaseCancelled
	default:
		return model.EventCaseCreated
	}
}

// NewCaseEvent builds the outbox row for a case entering c.State from `from`
func NewCaseEvent(c *model.DunningCase, from model.CaseState, at time.Time) (*model.OutboxEvent, error) {
	payload, err := json.Marshal(model.CaseEvent{
		CaseID:         c.ID,
		OrganizationID: c.OrganizationID,
		SubscriptionID: c.SubscriptionID,
		InvoiceID:      c.InvoiceID,
		From:           from,
		To:             c.State,
		Attempt:        c.CurrentRetryAttempt,
		OccurredAt:     at,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal case event: %w", err)
	}
	eventType := model.EventCaseCreated
	if from != "" {
		eventType = TransitionEventType(c.State)
	}
	return &model.OutboxEvent{
		ID:          uuid.New(),
		EventType:   eventType,
		AggregateID: c.ID,
		Payload:     payload,
		Status:      model.OutboxStatusPending,
		CreatedAt:   at,
		UpdatedAt:   at,
	}, nil
}

// AccountEvent is the payload of dunning.account.* events
type AccountEvent struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	CaseID         uuid.UUID `json:"case_id"`
	OccurredAt     time.Time `json:"occurred_at"`
}
