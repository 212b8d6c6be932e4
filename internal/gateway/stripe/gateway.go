// Package stripe adapts Stripe invoices to the dunning payment gateway.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/jwalitptl/dunning-engine/internal/config"
	"github.com/jwalitptl/dunning-engine/internal/service/dunning"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
)

// Gateway charges open invoices off-session through client.API, never the
// package-level globals.
type Gateway struct {
	api    *client.API
	logger *logger.Logger
}

func NewGateway(cfg config.StripeConfig, log *logger.Logger) *Gateway {
	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)
	api := client.New(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &Gateway{api: api, logger: log}
}

// Charge asks Stripe to collect the invoice again. The attempt idempotency key
// makes a replayed charge return the first outcome instead of charging twice.
func (g *Gateway) Charge(ctx context.Context, req dunning.ChargeRequest) (*dunning.ChargeResult, error) {
	params := &stripe.InvoicePayParams{OffSession: stripe.Bool(true)}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddExpand("payment_intent")

	inv, err := g.api.Invoices.Pay(req.InvoiceID, params)
	if err != nil {
		return g.chargeError(ctx, req, err)
	}
	res := invoiceOutcome(inv)
	g.logger.Debug("invoice pay answered",
		"invoice_id", req.InvoiceID,
		"case_id", req.CaseID.String(),
		"attempt", req.Attempt,
		"outcome", string(res.Outcome),
	)
	return res, nil
}

// Status reads the invoice to resolve an attempt whose charge outcome was not seen
func (g *Gateway) Status(ctx context.Context, invoiceID, reference string) (*dunning.ChargeResult, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")

	inv, err := g.api.Invoices.Get(invoiceID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice %s: %w", invoiceID, err)
	}
	return invoiceOutcome(inv), nil
}

// chargeError separates declines, which are outcomes, from failures to reach Stripe
func (g *Gateway) chargeError(ctx context.Context, req dunning.ChargeRequest, err error) (*dunning.ChargeResult, error) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return nil, fmt.Errorf("failed to pay invoice %s: %w", req.InvoiceID, err)
	}

	switch {
	case stripeErr.Type == stripe.ErrorTypeCard || stripeErr.HTTPStatusCode == http.StatusPaymentRequired:
		return declineResult(stripeErr), nil
	case stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.Code == stripe.ErrorCodeIdempotencyKeyInUse,
		stripeErr.Code == stripe.ErrorCodeLockTimeout:
		return nil, fmt.Errorf("failed to pay invoice %s: %w", req.InvoiceID, err)
	}

	// an invoice paid or voided elsewhere is rejected as a bad request; the invoice tells the outcome
	g.logger.Info("invoice pay rejected, reading invoice state",
		"invoice_id", req.InvoiceID,
		"case_id", req.CaseID.String(),
		"code", string(stripeErr.Code),
	)
	res, statusErr := g.Status(ctx, req.InvoiceID, "")
	if statusErr != nil {
		return nil, fmt.Errorf("failed to pay invoice %s: %w", req.InvoiceID, err)
	}
	if res.Outcome == dunning.ChargePending {
		return declineResult(stripeErr), nil
	}
	return res, nil
}

func declineResult(e *stripe.Error) *dunning.ChargeResult {
	code := string(e.Code)
	if e.DeclineCode != "" {
		code = string(e.DeclineCode)
	}
	ref := ""
	if e.PaymentIntent != nil {
		ref = e.PaymentIntent.ID
	}
	return &dunning.ChargeResult{
		Outcome:       dunning.ChargeFailed,
		Reference:     ref,
		FailureCode:   code,
		FailureReason: e.Msg,
	}
}

func invoiceOutcome(inv *stripe.Invoice) *dunning.ChargeResult {
	ref := inv.ID
	if inv.PaymentIntent != nil && inv.PaymentIntent.ID != "" {
		ref = inv.PaymentIntent.ID
	}

	switch inv.Status {
	case stripe.InvoiceStatusPaid:
		return &dunning.ChargeResult{Outcome: dunning.ChargeSucceeded, Reference: ref}
	case stripe.InvoiceStatusVoid, stripe.InvoiceStatusUncollectible:
		return &dunning.ChargeResult{
			Outcome:       dunning.ChargeFailed,
			Reference:     ref,
			FailureCode:   "invoice_" + string(inv.Status),
			FailureReason: fmt.Sprintf("invoice is %s", inv.Status),
		}
	}

	pi := inv.PaymentIntent
	if pi == nil {
		return &dunning.ChargeResult{Outcome: dunning.ChargePending, Reference: ref}
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return &dunning.ChargeResult{Outcome: dunning.ChargeSucceeded, Reference: ref}
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresAction:
		res := &dunning.ChargeResult{
			Outcome:       dunning.ChargeFailed,
			Reference:     ref,
			FailureCode:   string(pi.Status),
			FailureReason: fmt.Sprintf("payment intent %s", pi.Status),
		}
		if e := pi.LastPaymentError; e != nil {
			res.FailureCode = string(e.Code)
			if e.DeclineCode != "" {
				res.FailureCode = string(e.DeclineCode)
			}
			res.FailureReason = e.Msg
		}
		return res
	default:
		return &dunning.ChargeResult{Outcome: dunning.ChargePending, Reference: ref}
	}
}
