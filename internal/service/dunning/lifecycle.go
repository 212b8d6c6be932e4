package dunning

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
)

// TransitionResult reports a scheduler-driven transition
type TransitionResult struct {
	Changed bool            `json:"changed"`
	State   model.CaseState `json:"state"`
}

// SuspendDue moves a grace_period case whose grace has run out to suspended.
// The state change commits first; the account side effect follows and is
// reconciled later if it fails.
func (s *Service) SuspendDue(ctx context.Context, caseID uuid.UUID) (*TransitionResult, error) {
	_, next, changed, err := s.mutate(ctx, "suspend", caseID, func(c *model.DunningCase, now time.Time) (*model.CaseMutation, bool, error) {
		if !c.SuspensionDue(now) {
			return nil, false, nil
		}
		next := c.Clone()
		next.State = model.CaseStateSuspended
		next.SuspendedAt = &now
		next.NextRetryAt = nil
		next.UpdatedAt = now
		return s.transition(c, next, model.CommunicationSuspensionNotice, now)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.suspendSideEffect(ctx, next)
	}
	return &TransitionResult{Changed: changed, State: next.State}, nil
}

// CancelDue closes a suspended case once its auto-cancel deadline has passed
func (s *Service) CancelDue(ctx context.Context, caseID uuid.UUID) (*TransitionResult, error) {
	_, next, changed, err := s.mutate(ctx, "cancel", caseID, func(c *model.DunningCase, now time.Time) (*model.CaseMutation, bool, error) {
		if !c.CancellationDue(now) {
			return nil, false, nil
		}
		next := c.Clone()
		next.State = model.CaseStateCancelled
		next.CancelledAt = &now
		next.NextRetryAt = nil
		next.UpdatedAt = now
		return s.transition(c, next, model.CommunicationCancellationNotice, now)
	})
	if err != nil {
		return nil, err
	}
	return &TransitionResult{Changed: changed, State: next.State}, nil
}

// RecoverCase closes any open case as paid. It needs no retry attempt; a pending
// attempt is sealed later without reopening the case.
func (s *Service) RecoverCase(ctx context.Context, caseID uuid.UUID, paymentIntentID *string) (*RecoverResult, error) {
	prev, next, changed, err := s.mutate(ctx, "recover", caseID, func(c *model.DunningCase, now time.Time) (*model.CaseMutation, bool, error) {
		if c.State.IsTerminal() {
			return nil, false, nil
		}
		next := c.Clone()
		next.State = model.CaseStateRecovered
		next.RecoveredAt = &now
		next.NextRetryAt = nil
		next.UpdatedAt = now
		if paymentIntentID != nil && *paymentIntentID != "" {
			pi := *paymentIntentID
			next.PaymentIntentID = &pi
		}
		return s.transition(c, next, model.CommunicationRecoveryConfirmation, now)
	})
	if err != nil {
		return nil, err
	}
	if changed && (prev.State == model.CaseStateSuspended || prev.AccountSuspended) {
		s.restoreSideEffect(ctx, next)
	}
	return &RecoverResult{Recovered: changed, State: next.State}, nil
}

// RecoverByInvoice recovers the open case for (subscription, invoice); none open is a no-op
func (s *Service) RecoverByInvoice(ctx context.Context, subscriptionID, invoiceID string, paymentIntentID *string) (*RecoverResult, error) {
	c, err := s.cases.GetOpenByInvoice(ctx, subscriptionID, invoiceID)
	if errors.Is(err, repository.ErrNotFound) {
		return &RecoverResult{Recovered: false}, nil
	}
	if err != nil {
		return nil, storeErr(err, "dunning case")
	}
	return s.RecoverCase(ctx, c.ID, paymentIntentID)
}

func (s *Service) transition(prev, next *model.DunningCase, notify model.CommunicationType, now time.Time) (*model.CaseMutation, bool, error) {
	events, err := s.caseEvents(next, prev.State, now)
	if err != nil {
		return nil, false, err
	}
	return &model.CaseMutation{
		Case:            next,
		ExpectedVersion: prev.Version,
		Communications:  s.buildCommunications(next, notify, now),
		Events:          events,
	}, true, nil
}

// caseForOrg loads caseID and checks it belongs to orgID
func (s *Service) caseForOrg(ctx context.Context, orgID, caseID uuid.UUID) (*model.DunningCase, error) {
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return nil, storeErr(err, "dunning case")
	}
	if c.OrganizationID != orgID {
		return nil, apperrors.Validation("case does not belong to organization", nil)
	}
	return c, nil
}

// SuspendAccount runs the suspend side effect for an organization on behalf of a case
func (s *Service) SuspendAccount(ctx context.Context, orgID, caseID uuid.UUID) error {
	c, err := s.caseForOrg(ctx, orgID, caseID)
	if err != nil {
		return err
	}
	if err := s.access.Suspend(ctx, orgID, caseID); err != nil {
		return err
	}
	if c.State == model.CaseStateSuspended {
		s.markAccount(ctx, caseID, true)
	}
	return nil
}

// RestoreAccount restores access unless another case still holds the organization suspended
func (s *Service) RestoreAccount(ctx context.Context, orgID, caseID uuid.UUID) (bool, error) {
	c, err := s.caseForOrg(ctx, orgID, caseID)
	if err != nil {
		return false, err
	}
	if c.State == model.CaseStateSuspended {
		return false, apperrors.Validation("case is still suspended; recover it first", nil)
	}
	others, err := s.cases.CountSuspended(ctx, orgID, caseID)
	if err != nil {
		return false, storeErr(err, "dunning case")
	}
	if others > 0 {
		s.logger.Info("restore skipped, organization has other suspended cases",
			"organization_id", orgID.String(), "case_id", caseID.String(), "suspended_cases", others)
		return false, nil
	}
	if err := s.access.Restore(ctx, orgID, caseID); err != nil {
		return false, err
	}
	s.markAccount(ctx, caseID, false)
	return true, nil
}

// suspendSideEffect suspends the account of a case that just entered suspended.
// Failure is logged and left to account reconciliation.
func (s *Service) suspendSideEffect(ctx context.Context, c *model.DunningCase) {
	if err := s.access.Suspend(ctx, c.OrganizationID, c.ID); err != nil {
		s.logger.Warn("account suspension deferred to reconciliation",
			"case_id", c.ID.String(),
			"organization_id", c.OrganizationID.String(),
			"error", err.Error(),
		)
		return
	}
	s.markAccount(ctx, c.ID, true)
}

func (s *Service) restoreSideEffect(ctx context.Context, c *model.DunningCase) {
	others, err := s.cases.CountSuspended(ctx, c.OrganizationID, c.ID)
	if err != nil {
		s.logger.Error(err, "restore deferred, could not count suspended cases", "case_id", c.ID.String())
		return
	}
	if others == 0 {
		if err := s.access.Restore(ctx, c.OrganizationID, c.ID); err != nil {
			s.logger.Warn("account restore deferred to reconciliation",
				"case_id", c.ID.String(),
				"organization_id", c.OrganizationID.String(),
				"error", err.Error(),
			)
			return
		}
	}
	s.markAccount(ctx, c.ID, false)
}

// markAccount records the confirmed account state on the case
func (s *Service) markAccount(ctx context.Context, caseID uuid.UUID, suspended bool) {
	for i := 0; i < maxWriteAttempts; i++ {
		c, err := s.cases.Get(ctx, caseID)
		if err != nil {
			s.logger.Error(err, "failed to read case for account flag", "case_id", caseID.String())
			return
		}
		if c.AccountSuspended == suspended {
			return
		}
		err = s.cases.SetAccountSuspended(ctx, caseID, c.Version, suspended)
		if err == nil {
			return
		}
		if !errors.Is(err, repository.ErrConflict) {
			s.logger.Error(err, "failed to record account flag", "case_id", caseID.String())
			return
		}
		s.conflict("mark_account", caseID)
	}
}
