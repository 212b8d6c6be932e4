package dunning

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jwalitptl/dunning-engine/internal/model"
)

type ChargeOutcome string

const (
	ChargeSucceeded ChargeOutcome = "succeeded"
	ChargeFailed    ChargeOutcome = "failed"
	// ChargePending means the gateway accepted the charge but has not settled it
	ChargePending ChargeOutcome = "pending"
)

type ChargeRequest struct {
	CaseID          uuid.UUID
	Attempt         int
	InvoiceID       string
	PaymentIntentID *string
	Amount          decimal.Decimal
	Currency        string
	IdempotencyKey  string
}

// ChargeResult is the business outcome of a charge. A declined card is a ChargeFailed
// result, never an error.
type ChargeResult struct {
	Outcome       ChargeOutcome
	Reference     string
	FailureCode   string
	FailureReason string
}

// PaymentGateway charges the outstanding amount of a case. Errors mean the gateway
// could not be reached or answered unexpectedly; the charge outcome is then unknown.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Status(ctx context.Context, invoiceID, reference string) (*ChargeResult, error)
}

// AccountAccess suspends and restores organization access. Both calls are idempotent.
type AccountAccess interface {
	Suspend(ctx context.Context, orgID, caseID uuid.UUID) error
	Restore(ctx context.Context, orgID, caseID uuid.UUID) error
	IsSuspended(ctx context.Context, orgID uuid.UUID) (bool, error)
}

type PolicyLookup interface {
	Lookup(ctx context.Context, planName string) (model.DunningConfig, error)
}
