// Package access suspends and restores organization access on behalf of the dunning engine.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
	"github.com/jwalitptl/dunning-engine/internal/service/event"
	"github.com/jwalitptl/dunning-engine/pkg/circuitbreaker"
	"github.com/jwalitptl/dunning-engine/pkg/clock"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
	"github.com/jwalitptl/dunning-engine/pkg/metrics"
	"github.com/jwalitptl/dunning-engine/pkg/retry"
)

const (
	actionSuspend = "suspend"
	actionRestore = "restore"
)

type Service struct {
	orgs    repository.OrganizationRepository
	events  event.EventServicer
	breaker *circuitbreaker.CircuitBreaker
	policy  retry.Policy
	clock   clock.Clock
	logger  *logger.Logger
	metrics *metrics.Metrics
}

type Config struct {
	Retry          retry.Policy  `mapstructure:"retry"`
	BreakerTimeout time.Duration `mapstructure:"breaker_timeout"`
	// BreakerFailures consecutive failures open the breaker
	BreakerFailures uint32 `mapstructure:"breaker_failures"`
}

func NewService(orgs repository.OrganizationRepository, events event.EventServicer, cfg Config, clk clock.Clock, log *logger.Logger, m *metrics.Metrics) *Service {
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:                "account-access",
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             timeout,
		ConsecutiveFailures: cfg.BreakerFailures,
		OnStateChange: func(name, from, to string) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
		},
	})
	return &Service{
		orgs:    orgs,
		events:  events,
		breaker: cb,
		policy:  cfg.Retry,
		clock:   clk,
		logger:  log,
		metrics: m,
	}
}

func (s *Service) Suspend(ctx context.Context, orgID, caseID uuid.UUID) error {
	reason := fmt.Sprintf("dunning case %s", caseID)
	err := s.call(ctx, actionSuspend, orgID, caseID, func() error {
		return s.orgs.SetStatus(ctx, orgID, model.OrganizationStatusSuspended, &reason)
	})
	if err != nil {
		return err
	}
	s.emit(ctx, model.EventAccountSuspend, orgID, caseID)
	return nil
}

func (s *Service) Restore(ctx context.Context, orgID, caseID uuid.UUID) error {
	err := s.call(ctx, actionRestore, orgID, caseID, func() error {
		return s.orgs.SetStatus(ctx, orgID, model.OrganizationStatusActive, nil)
	})
	if err != nil {
		return err
	}
	s.emit(ctx, model.EventAccountRestore, orgID, caseID)
	return nil
}

// IsSuspended reports the organization's current access status; unknown organizations are active
func (s *Service) IsSuspended(ctx context.Context, orgID uuid.UUID) (bool, error) {
	org, err := s.orgs.Get(ctx, orgID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Dependency("account access", err)
	}
	return org.Status == model.OrganizationStatusSuspended, nil
}

// call runs fn through the breaker with bounded exponential backoff.
// Exhaustion is an operator alert, not a silent drop.
func (s *Service) call(ctx context.Context, action string, orgID, caseID uuid.UUID, fn func() error) error {
	err := retry.Do(ctx, s.policy, func(err error, wait time.Duration) {
		s.metrics.SideEffectFails.WithLabelValues(action).Inc()
		s.logger.Warn("account side effect failed, retrying",
			"action", action,
			"organization_id", orgID.String(),
			"case_id", caseID.String(),
			"retry_in", wait.String(),
			"error", err.Error(),
		)
	}, func() error {
		return s.breaker.Execute(fn)
	})
	if err == nil {
		return nil
	}

	s.metrics.SideEffectFails.WithLabelValues(action).Inc()
	s.metrics.SideEffectAlert.WithLabelValues(action).Inc()
	s.logger.Error(err, "account side effect exhausted retries",
		"alert", true,
		"action", action,
		"organization_id", orgID.String(),
		"case_id", caseID.String(),
		"breaker", s.breaker.State(),
	)
	return apperrors.Dependency("account access", err)
}

func (s *Service) emit(ctx context.Context, eventType string, orgID, caseID uuid.UUID) {
	if s.events == nil {
		return
	}
	payload := event.AccountEvent{OrganizationID: orgID, CaseID: caseID, OccurredAt: s.clock.Now()}
	if err := s.events.Emit(ctx, eventType, orgID, payload); err != nil {
		s.logger.Error(err, "failed to emit account event", "event_type", eventType, "organization_id", orgID.String())
	}
}
