package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Gateway event types the ingestor acts on
const (
	GatewayEventPaymentFailed    = "invoice.payment_failed"
	GatewayEventPaymentSucceeded = "invoice.payment_succeeded"
	GatewayEventInvoicePaid      = "invoice.paid"
)

// GatewayEvent is a verified, gateway-neutral webhook event
type GatewayEvent struct {
	ID   string
	Type string
	// OccurredAt is when the gateway created the event, not when it was delivered
	OccurredAt time.Time
	Invoice    *InvoiceEvent
}

// InvoiceEvent is the invoice object carried by invoice.* events
type InvoiceEvent struct {
	InvoiceID       string
	SubscriptionID  string
	OrganizationID  uuid.UUID
	PlanName        string
	PaymentIntentID *string
	Amount          decimal.Decimal
	Currency        string
	CustomerEmail   *string
	CustomerPhone   *string
	FailureReason   *string
	FailureCode     *string
}
