// Package webhook turns verified gateway events into dunning operations.
package webhook

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
	"github.com/jwalitptl/dunning-engine/internal/service/dunning"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
	"github.com/jwalitptl/dunning-engine/pkg/metrics"
)

const (
	ResultProcessed = "processed"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultRejected  = "rejected"
)

// Verifier authenticates a raw webhook body
type Verifier interface {
	Verify(payload []byte, signature string) (*model.GatewayEvent, error)
}

type IngestorServicer interface {
	Ingest(ctx context.Context, payload []byte, signature string) (*Result, error)
}

type Result struct {
	EventID string     `json:"event_id"`
	Type    string     `json:"type"`
	Result  string     `json:"result"`
	CaseID  *uuid.UUID `json:"case_id,omitempty"`
}

type Service struct {
	verifier  Verifier
	processed repository.ProcessedEventStore
	cases     dunning.CaseServicer
	retention time.Duration
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

func NewService(verifier Verifier, processed repository.ProcessedEventStore, cases dunning.CaseServicer, retention time.Duration, log *logger.Logger, m *metrics.Metrics) *Service {
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &Service{
		verifier:  verifier,
		processed: processed,
		cases:     cases,
		retention: retention,
		logger:    log,
		metrics:   m,
	}
}

// Ingest verifies, dedupes and routes one delivery. Nothing runs before the
// signature checks out. A delivery that fails on infrastructure gives its event
// id back so the gateway's redelivery is handled.
func (s *Service) Ingest(ctx context.Context, payload []byte, signature string) (*Result, error) {
	evt, err := s.verifier.Verify(payload, signature)
	if err != nil {
		s.metrics.WebhookEvents.WithLabelValues("unknown", "unauthenticated").Inc()
		s.logger.Warn("webhook rejected", "error", err.Error())
		return nil, apperrors.Unauthenticated("invalid webhook signature", err)
	}

	res := &Result{EventID: evt.ID, Type: evt.Type}
	if evt.Invoice == nil {
		res.Result = ResultIgnored
		s.metrics.WebhookEvents.WithLabelValues(evt.Type, res.Result).Inc()
		return res, nil
	}

	fresh, err := s.processed.Reserve(ctx, evt.ID, s.retention)
	if err != nil {
		s.metrics.WebhookEvents.WithLabelValues(evt.Type, "error").Inc()
		return nil, apperrors.Dependency("processed event store", err)
	}
	if !fresh {
		res.Result = ResultDuplicate
		s.metrics.WebhookEvents.WithLabelValues(evt.Type, res.Result).Inc()
		s.logger.Info("duplicate webhook delivery", "event_id", evt.ID, "type", evt.Type)
		return res, nil
	}

	caseID, err := s.route(ctx, evt)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrValidation) {
			// a malformed event will not improve on redelivery
			res.Result = ResultRejected
			s.metrics.WebhookEvents.WithLabelValues(evt.Type, res.Result).Inc()
			s.logger.Warn("webhook event rejected", "event_id", evt.ID, "type", evt.Type, "error", err.Error())
			return res, nil
		}
		if relErr := s.processed.Release(ctx, evt.ID); relErr != nil {
			s.logger.Error(relErr, "failed to release webhook reservation", "event_id", evt.ID)
		}
		s.metrics.WebhookEvents.WithLabelValues(evt.Type, "error").Inc()
		return nil, err
	}

	res.Result = ResultProcessed
	res.CaseID = caseID
	s.metrics.WebhookEvents.WithLabelValues(evt.Type, res.Result).Inc()
	return res, nil
}

func (s *Service) route(ctx context.Context, evt *model.GatewayEvent) (*uuid.UUID, error) {
	inv := evt.Invoice
	switch evt.Type {
	case model.GatewayEventPaymentFailed:
		var failedAt *time.Time
		if !evt.OccurredAt.IsZero() {
			at := evt.OccurredAt
			failedAt = &at
		}
		c, created, err := s.cases.CreateCase(ctx, model.CreateCaseRequest{
			OrganizationID:  inv.OrganizationID,
			SubscriptionID:  inv.SubscriptionID,
			InvoiceID:       inv.InvoiceID,
			PaymentIntentID: inv.PaymentIntentID,
			PlanName:        inv.PlanName,
			Amount:          inv.Amount,
			Currency:        inv.Currency,
			FailureReason:   inv.FailureReason,
			FailureCode:     inv.FailureCode,
			CustomerEmail:   inv.CustomerEmail,
			CustomerPhone:   inv.CustomerPhone,
			FailedAt:        failedAt,
		})
		if err != nil {
			return nil, err
		}
		s.logger.Info("payment failure ingested",
			"event_id", evt.ID,
			"case_id", c.ID.String(),
			"created", created,
		)
		return &c.ID, nil

	case model.GatewayEventPaymentSucceeded, model.GatewayEventInvoicePaid:
		res, err := s.cases.RecoverByInvoice(ctx, inv.SubscriptionID, inv.InvoiceID, inv.PaymentIntentID)
		if err != nil {
			return nil, err
		}
		s.logger.Info("payment success ingested",
			"event_id", evt.ID,
			"invoice_id", inv.InvoiceID,
			"recovered", res.Recovered,
		)
		return nil, nil
	}
	return nil, nil
}
