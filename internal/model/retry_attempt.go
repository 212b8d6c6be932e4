package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
)

// FailureCodeGatewayTimeout seals attempts the gateway never resolved
const FailureCodeGatewayTimeout = "gateway_timeout"

// RetryAttempt is one recovery charge; it is written pending and sealed once
type RetryAttempt struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	CaseID           uuid.UUID       `db:"case_id" json:"case_id"`
	AttemptNumber    int             `db:"attempt_number" json:"attempt_number"`
	Amount           decimal.Decimal `db:"amount" json:"amount"`
	Currency         string          `db:"currency" json:"currency"`
	Status           AttemptStatus   `db:"status" json:"status"`
	FailureReason    *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	FailureCode      *string         `db:"failure_code" json:"failure_code,omitempty"`
	GatewayReference *string         `db:"gateway_reference" json:"gateway_reference,omitempty"`
	IdempotencyKey   string          `db:"idempotency_key" json:"idempotency_key"`
	AttemptedAt      time.Time       `db:"attempted_at" json:"attempted_at"`
	CompletedAt      *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	NextRetryAt      *time.Time      `db:"next_retry_at" json:"next_retry_at,omitempty"`
}

func (a *RetryAttempt) Sealed() bool {
	return a.Status != AttemptStatusPending
}

func (a *RetryAttempt) Clone() *RetryAttempt {
	out := *a
	out.FailureReason = cloneString(a.FailureReason)
	out.FailureCode = cloneString(a.FailureCode)
	out.GatewayReference = cloneString(a.GatewayReference)
	out.CompletedAt = cloneTime(a.CompletedAt)
	out.NextRetryAt = cloneTime(a.NextRetryAt)
	return &out
}
