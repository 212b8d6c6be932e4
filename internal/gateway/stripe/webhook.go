package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/jwalitptl/dunning-engine/internal/model"
)

// ErrInvalidSignature is returned for payloads that fail Stripe-Signature verification
var ErrInvalidSignature = errors.New("invalid webhook signature")

// zero-decimal currencies are charged in whole units
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// FromMinorUnits converts a Stripe integer amount into a decimal in major units
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	if zeroDecimal[strings.ToLower(currency)] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify checks the signature header and maps the event onto a GatewayEvent.
// Events the engine does not act on come back with a nil Invoice.
func (v *Verifier) Verify(payload []byte, signature string) (*model.GatewayEvent, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: missing Stripe-Signature header", ErrInvalidSignature)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &model.GatewayEvent{ID: evt.ID, Type: string(evt.Type)}
	if evt.Created > 0 {
		out.OccurredAt = time.Unix(evt.Created, 0).UTC()
	}
	switch out.Type {
	case model.GatewayEventPaymentFailed, model.GatewayEventPaymentSucceeded, model.GatewayEventInvoicePaid:
	default:
		return out, nil
	}

	var inv stripe.Invoice
	if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("failed to decode invoice from event %s: %w", evt.ID, err)
	}
	out.Invoice = invoiceEvent(&inv)
	return out, nil
}

func invoiceEvent(inv *stripe.Invoice) *model.InvoiceEvent {
	currency := string(inv.Currency)
	ie := &model.InvoiceEvent{
		InvoiceID:     inv.ID,
		Amount:        FromMinorUnits(inv.AmountDue, currency),
		Currency:      strings.ToUpper(currency),
		CustomerEmail: optional(inv.CustomerEmail),
		CustomerPhone: optional(inv.CustomerPhone),
	}
	if inv.Subscription != nil {
		ie.SubscriptionID = inv.Subscription.ID
	}
	if inv.Metadata != nil {
		if id, err := uuid.Parse(inv.Metadata["organization_id"]); err == nil {
			ie.OrganizationID = id
		}
		ie.PlanName = inv.Metadata["plan"]
	}

	var failure *stripe.Error
	if pi := inv.PaymentIntent; pi != nil {
		ie.PaymentIntentID = optional(pi.ID)
		failure = pi.LastPaymentError
	}
	if failure == nil {
		failure = inv.LastFinalizationError
	}
	if failure != nil {
		code := string(failure.Code)
		if failure.DeclineCode != "" {
			code = string(failure.DeclineCode)
		}
		ie.FailureCode = optional(code)
		ie.FailureReason = optional(failure.Msg)
	}
	return ie
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
