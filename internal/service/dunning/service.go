// Package dunning is the case lifecycle controller: the only writer of dunning case state.
package dunning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
	"github.com/jwalitptl/dunning-engine/internal/service/event"
	"github.com/jwalitptl/dunning-engine/pkg/clock"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
	"github.com/jwalitptl/dunning-engine/pkg/metrics"
)

// maxWriteAttempts bounds re-read/re-apply loops after a lost conditional write
const maxWriteAttempts = 3

type CaseServicer interface {
	CreateCase(ctx context.Context, req model.CreateCaseRequest) (*model.DunningCase, bool, error)
	ProcessRetry(ctx context.Context, caseID uuid.UUID) (*RetryResult, error)
	RecoverCase(ctx context.Context, caseID uuid.UUID, paymentIntentID *string) (*RecoverResult, error)
	RecoverByInvoice(ctx context.Context, subscriptionID, invoiceID string, paymentIntentID *string) (*RecoverResult, error)
	SuspendAccount(ctx context.Context, orgID, caseID uuid.UUID) error
	RestoreAccount(ctx context.Context, orgID, caseID uuid.UUID) (bool, error)
	QueueNotification(ctx context.Context, caseID uuid.UUID, typ model.CommunicationType) ([]uuid.UUID, error)
	UpdateCommunicationStatus(ctx context.Context, u model.StatusUpdate) (bool, error)

	GetCase(ctx context.Context, caseID uuid.UUID) (*model.DunningCase, error)
	ListCases(ctx context.Context, filter model.CaseFilter) ([]*model.DunningCase, int, error)
	ListAttempts(ctx context.Context, caseID uuid.UUID) ([]*model.RetryAttempt, error)
	ListCommunications(ctx context.Context, caseID uuid.UUID) ([]*model.Communication, error)
	Summary(ctx context.Context, orgID *uuid.UUID) (*model.CaseSummary, error)
}

type Config struct {
	// PendingAttemptTimeout is how long a pending attempt waits before the gateway is polled
	PendingAttemptTimeout time.Duration `mapstructure:"pending_attempt_timeout"`
	// PendingAttemptExpiry seals a still-unresolved attempt as failed
	PendingAttemptExpiry time.Duration `mapstructure:"pending_attempt_expiry"`
}

func DefaultConfig() Config {
	return Config{
		PendingAttemptTimeout: 15 * time.Minute,
		PendingAttemptExpiry:  24 * time.Hour,
	}
}

type RetryResult struct {
	Processed bool                `json:"processed"`
	NewState  model.CaseState     `json:"new_state"`
	Attempt   *model.RetryAttempt `json:"attempt,omitempty"`
}

type RecoverResult struct {
	Recovered bool            `json:"recovered"`
	State     model.CaseState `json:"state"`
}

type Service struct {
	cases    repository.CaseRepository
	attempts repository.RetryAttemptRepository
	comms    repository.CommunicationRepository
	policies PolicyLookup
	gateway  PaymentGateway
	access   AccountAccess
	cfg      Config
	clock    clock.Clock
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewService(
	repos *repository.Repositories,
	policies PolicyLookup,
	gateway PaymentGateway,
	access AccountAccess,
	cfg Config,
	clk clock.Clock,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	def := DefaultConfig()
	if cfg.PendingAttemptTimeout <= 0 {
		cfg.PendingAttemptTimeout = def.PendingAttemptTimeout
	}
	if cfg.PendingAttemptExpiry <= 0 {
		cfg.PendingAttemptExpiry = def.PendingAttemptExpiry
	}
	return &Service{
		cases:    repos.Cases,
		attempts: repos.Attempts,
		comms:    repos.Communications,
		policies: policies,
		gateway:  gateway,
		access:   access,
		cfg:      cfg,
		clock:    clk,
		logger:   log,
		metrics:  m,
	}
}

func storeErr(err error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NotFound(what, err)
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return apperrors.Dependency("dunning store", err)
}

func (s *Service) conflict(op string, caseID uuid.UUID) {
	s.metrics.Conflicts.WithLabelValues(op).Inc()
	s.logger.Debug("conditional write lost", "operation", op, "case_id", caseID.String())
}

// mutation builds the write for the current case; ok=false means nothing to do
type mutation func(c *model.DunningCase, now time.Time) (m *model.CaseMutation, ok bool, err error)

// mutate applies build against freshly read state until the write wins, build
// declines, or the conflict budget runs out. A lost race is never an error.
func (s *Service) mutate(ctx context.Context, op string, caseID uuid.UUID, build mutation) (prev, next *model.DunningCase, changed bool, err error) {
	var c *model.DunningCase
	for i := 0; i < maxWriteAttempts; i++ {
		c, err = s.cases.Get(ctx, caseID)
		if err != nil {
			return nil, nil, false, storeErr(err, "dunning case")
		}
		m, ok, err := build(c, s.clock.Now())
		if err != nil {
			return nil, nil, false, err
		}
		if !ok {
			return c, c, false, nil
		}
		err = s.cases.Apply(ctx, m)
		if err == nil {
			if m.Case.State != c.State {
				s.metrics.Transitions.WithLabelValues(string(c.State), string(m.Case.State)).Inc()
				s.logger.Info("dunning case transitioned",
					"case_id", caseID.String(),
					"operation", op,
					"from", string(c.State),
					"to", string(m.Case.State),
				)
			}
			return c, m.Case, true, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, nil, false, storeErr(err, "dunning case")
		}
		s.conflict(op, caseID)
	}
	return c, c, false, nil
}

func (s *Service) caseEvents(next *model.DunningCase, from model.CaseState, now time.Time) ([]*model.OutboxEvent, error) {
	evt, err := event.NewCaseEvent(next, from, now)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return []*model.OutboxEvent{evt}, nil
}

// CreateCase opens a case for a failed invoice, or returns the open one unchanged
func (s *Service) CreateCase(ctx context.Context, req model.CreateCaseRequest) (*model.DunningCase, bool, error) {
	if err := validateCreate(&req); err != nil {
		return nil, false, err
	}

	existing, err := s.cases.GetOpenByInvoice(ctx, req.SubscriptionID, req.InvoiceID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, storeErr(err, "dunning case")
	}

	cfg, err := s.policies.Lookup(ctx, req.PlanName)
	if err != nil {
		return nil, false, err
	}

	now := s.clock.Now()
	failedAt := now
	// a failure time in the future is clamped to now
	if req.FailedAt != nil && req.FailedAt.Before(now) {
		failedAt = req.FailedAt.UTC()
	}

	c := &model.DunningCase{
		ID:              uuid.New(),
		OrganizationID:  req.OrganizationID,
		SubscriptionID:  req.SubscriptionID,
		InvoiceID:       req.InvoiceID,
		PaymentIntentID: req.PaymentIntentID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		State:           model.CaseStateActive,
		FailureReason:   req.FailureReason,
		FailureCode:     req.FailureCode,
		CustomerEmail:   req.CustomerEmail,
		CustomerPhone:   req.CustomerPhone,
		PaymentFailedAt: failedAt,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	c.ApplyPolicy(cfg)
	c.GracePeriodEndsAt = model.AddDays(failedAt, int64(c.GracePeriodDays))
	next := c.RetryTimeFor(1)
	c.NextRetryAt = &next

	events, err := s.caseEvents(c, "", now)
	if err != nil {
		return nil, false, err
	}
	stored, created, err := s.cases.Create(ctx, c, events)
	if err != nil {
		return nil, false, storeErr(err, "dunning case")
	}
	if created {
		s.metrics.CasesCreated.Inc()
		s.logger.Info("dunning case opened",
			"case_id", stored.ID.String(),
			"organization_id", stored.OrganizationID.String(),
			"subscription_id", stored.SubscriptionID,
			"invoice_id", stored.InvoiceID,
			"plan", stored.PlanName,
		)
	}
	return stored, created, nil
}

func validateCreate(req *model.CreateCaseRequest) error {
	var problems []string
	if req.OrganizationID == uuid.Nil {
		problems = append(problems, "organization_id is required")
	}
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
	if req.SubscriptionID == "" {
		problems = append(problems, "subscription_id is required")
	}
	req.InvoiceID = strings.TrimSpace(req.InvoiceID)
	if req.InvoiceID == "" {
		problems = append(problems, "invoice_id is required")
	}
	if !req.Amount.IsPositive() {
		problems = append(problems, "amount must be greater than 0")
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(req.Currency) != 3 {
		problems = append(problems, "currency must be a 3-letter ISO code")
	}
	if len(problems) > 0 {
		return apperrors.Validation(strings.Join(problems, "; "), nil)
	}
	return nil
}

// ProcessRetry runs the next scheduled charge for a case. The attempt is written
// pending before the gateway is called and sealed afterwards, so a crash in
// between leaves a pending attempt for the reconciler rather than a lost charge.
func (s *Service) ProcessRetry(ctx context.Context, caseID uuid.UUID) (*RetryResult, error) {
	var attempt *model.RetryAttempt
	prev, next, changed, err := s.mutate(ctx, "start_retry", caseID, func(c *model.DunningCase, now time.Time) (*model.CaseMutation, bool, error) {
		if !c.RetryDue(now) {
			return nil, false, nil
		}
		pending, err := s.attempts.HasPending(ctx, c.ID)
		if err != nil {
			return nil, false, storeErr(err, "retry attempt")
		}
		if pending {
			return nil, false, nil
		}

		n := c.CurrentRetryAttempt + 1
		attempt = &model.RetryAttempt{
			ID:             uuid.New(),
			CaseID:         c.ID,
			AttemptNumber:  n,
			Amount:         c.Amount,
			Currency:       c.Currency,
			Status:         model.AttemptStatusPending,
			IdempotencyKey: fmt.Sprintf("%s:%d", c.ID, n),
			AttemptedAt:    now,
		}
		next := c.Clone()
		next.CurrentRetryAttempt = n
		next.UpdatedAt = now
		return &model.CaseMutation{Case: next, ExpectedVersion: c.Version, NewAttempt: attempt}, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return &RetryResult{Processed: false, NewState: prev.State}, nil
	}

	res, err := s.gateway.Charge(ctx, ChargeRequest{
		CaseID:          next.ID,
		Attempt:         attempt.AttemptNumber,
		InvoiceID:       next.InvoiceID,
		PaymentIntentID: next.PaymentIntentID,
		Amount:          next.Amount,
		Currency:        next.Currency,
		IdempotencyKey:  attempt.IdempotencyKey,
	})
	if err != nil {
		s.metrics.RetryAttempts.WithLabelValues("error").Inc()
		s.logger.Warn("charge outcome unknown, attempt left pending",
			"case_id", caseID.String(),
			"attempt", attempt.AttemptNumber,
			"error", err.Error(),
		)
		return nil, apperrors.Dependency("payment gateway", err)
	}

	if res.Outcome == ChargePending {
		s.metrics.RetryAttempts.WithLabelValues(string(ChargePending)).Inc()
		if res.Reference != "" {
			if err := s.attempts.SetGatewayReference(ctx, attempt.ID, res.Reference); err != nil && !errors.Is(err, repository.ErrConflict) {
				s.logger.Error(err, "failed to record gateway reference", "attempt_id", attempt.ID.String())
			}
		}
		return &RetryResult{Processed: true, NewState: next.State, Attempt: attempt}, nil
	}

	state, sealed, err := s.applyOutcome(ctx, attempt.ID, res)
	if err != nil {
		return nil, err
	}
	return &RetryResult{Processed: true, NewState: state, Attempt: sealed}, nil
}

// applyOutcome seals a pending attempt with res and moves the case accordingly.
// If the attempt was sealed elsewhere first, nothing changes.
func (s *Service) applyOutcome(ctx context.Context, attemptID uuid.UUID, res *ChargeResult) (model.CaseState, *model.RetryAttempt, error) {
	var sealed *model.RetryAttempt
	a, err := s.attempts.Get(ctx, attemptID)
	if err != nil {
		return "", nil, storeErr(err, "retry attempt")
	}

	prev, next, changed, err := s.mutate(ctx, "seal_attempt", a.CaseID, func(c *model.DunningCase, now time.Time) (*model.CaseMutation, bool, error) {
		cur, err := s.attempts.Get(ctx, attemptID)
		if err != nil {
			return nil, false, storeErr(err, "retry attempt")
		}
		if cur.Sealed() {
			sealed = cur
			return nil, false, nil
		}
		m := s.outcomeMutation(c, cur, res, now)
		sealed = m.SealAttempt
		return m, true, nil
	})
	if err != nil {
		return "", nil, err
	}
	if !changed {
		return prev.State, sealed, nil
	}

	s.metrics.RetryAttempts.WithLabelValues(string(sealed.Status)).Inc()
	switch {
	case next.State == model.CaseStateSuspended && prev.State != model.CaseStateSuspended:
		s.suspendSideEffect(ctx, next)
	case next.State == model.CaseStateRecovered && prev.State != model.CaseStateRecovered:
		if prev.State == model.CaseStateSuspended || prev.AccountSuspended {
			s.restoreSideEffect(ctx, next)
		}
	}
	return next.State, sealed, nil
}

func (s *Service) outcomeMutation(c *model.DunningCase, a *model.RetryAttempt, res *ChargeResult, now time.Time) *model.CaseMutation {
	sealed := a.Clone()
	sealed.CompletedAt = &now
	if res.Reference != "" {
		ref := res.Reference
		sealed.GatewayReference = &ref
	}

	next := c.Clone()
	next.UpdatedAt = now
	var notify model.CommunicationType

	if res.Outcome == ChargeSucceeded {
		sealed.Status = model.AttemptStatusSucceeded
		// a case closed by another path stays closed
		if !c.State.IsTerminal() {
			next.State = model.CaseStateRecovered
			next.RecoveredAt = &now
			next.NextRetryAt = nil
			if res.Reference != "" {
				ref := res.Reference
				next.PaymentIntentID = &ref
			}
			notify = model.CommunicationRecoveryConfirmation
		}
	} else {
		sealed.Status = model.AttemptStatusFailed
		if res.FailureCode != "" {
			code := res.FailureCode
			sealed.FailureCode = &code
		}
		if res.FailureReason != "" {
			reason := res.FailureReason
			sealed.FailureReason = &reason
		}
		// the case carries the latest decline, which the customer messages quote
		if !c.State.IsTerminal() && sealed.FailureCode != nil {
			next.FailureCode = sealed.FailureCode
			next.FailureReason = sealed.FailureReason
		}

		if c.State == model.CaseStateActive || c.State == model.CaseStateRetrying {
			if next.AttemptsRemaining() {
				at := next.RetryTimeFor(next.CurrentRetryAttempt + 1)
				next.State = model.CaseStateRetrying
				next.NextRetryAt = &at
				sealed.NextRetryAt = &at
				notify = model.CommunicationRetryReminder
			} else {
				next.NextRetryAt = nil
				if now.Before(next.GracePeriodEndsAt) {
					next.State = model.CaseStateGracePeriod
					notify = model.CommunicationGracePeriodWarning
				} else {
					next.State = model.CaseStateSuspended
					next.SuspendedAt = &now
					notify = model.CommunicationSuspensionNotice
				}
			}
		}
	}

	m := &model.CaseMutation{Case: next, ExpectedVersion: c.Version, SealAttempt: sealed}
	if notify != "" {
		m.Communications = s.buildCommunications(next, notify, now)
		if evt, err := event.NewCaseEvent(next, c.State, now); err == nil {
			m.Events = []*model.OutboxEvent{evt}
		} else {
			s.logger.Error(err, "failed to build case event", "case_id", c.ID.String())
		}
	}
	return m
}

// buildCommunications creates one pending communication per enabled channel that has a recipient
func (s *Service) buildCommunications(c *model.DunningCase, typ model.CommunicationType, now time.Time) []*model.Communication {
	subject, body := render(typ, c)
	var out []*model.Communication
	add := func(method model.DeliveryMethod, recipient *string) {
		if recipient == nil || strings.TrimSpace(*recipient) == "" {
			return
		}
		out = append(out, &model.Communication{
			ID:        uuid.New(),
			CaseID:    c.ID,
			Type:      typ,
			Method:    method,
			Recipient: strings.TrimSpace(*recipient),
			Subject:   subject,
			Body:      body,
			Status:    model.CommunicationPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if c.EmailEnabled {
		add(model.DeliveryEmail, c.CustomerEmail)
	}
	if c.SMSEnabled {
		add(model.DeliverySMS, c.CustomerPhone)
	}
	return out
}
