package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusRetry     OutboxStatus = "retry"
	OutboxStatusProcessed OutboxStatus = "processed"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// Lifecycle event types published through the outbox
const (
	EventCaseCreated     = "dunning.case.created"
	EventCaseRetryFailed = "dunning.case.retry_failed"
	EventCaseGracePeriod = "dunning.case.grace_period"
	EventCaseSuspended   = "dunning.case.suspended"
	EventCaseRecovered   = "dunning.case.recovered"
	EventCaseCancelled   = "dunning.case.cancelled"
	EventAccountSuspend  = "dunning.account.suspended"
	EventAccountRestore  = "dunning.account.restored"
)

type OutboxEvent struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	EventType    string          `db:"event_type" json:"event_type"`
	AggregateID  uuid.UUID       `db:"aggregate_id" json:"aggregate_id"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Status       OutboxStatus    `db:"status" json:"status"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	RetryAt      *time.Time      `db:"retry_at" json:"retry_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	ProcessedAt  *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// CaseEvent is the payload of every dunning.case.* event
type CaseEvent struct {
	CaseID         uuid.UUID `json:"case_id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	SubscriptionID string    `json:"subscription_id"`
	InvoiceID      string    `json:"invoice_id"`
	From           CaseState `json:"from,omitempty"`
	To             CaseState `json:"to"`
	Attempt        int       `json:"attempt"`
	OccurredAt     time.Time `json:"occurred_at"`
}
