package dunning

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/dunning-engine/internal/model"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
)

// ReconcileAttempt resolves an attempt left pending by an unknown charge outcome.
// The gateway is asked first; past the expiry window the attempt is sealed failed
// so the schedule can move on.
func (s *Service) ReconcileAttempt(ctx context.Context, attemptID uuid.UUID) (bool, error) {
	a, err := s.attempts.Get(ctx, attemptID)
	if err != nil {
		return false, storeErr(err, "retry attempt")
	}
	if a.Sealed() {
		return false, nil
	}
	now := s.clock.Now()
	if now.Sub(a.AttemptedAt) < s.cfg.PendingAttemptTimeout {
		return false, nil
	}
	c, err := s.cases.Get(ctx, a.CaseID)
	if err != nil {
		return false, storeErr(err, "dunning case")
	}

	ref := ""
	if a.GatewayReference != nil {
		ref = *a.GatewayReference
	}
	res, statusErr := s.gateway.Status(ctx, c.InvoiceID, ref)
	if statusErr == nil && res.Outcome != ChargePending {
		if _, _, err := s.applyOutcome(ctx, a.ID, res); err != nil {
			return false, err
		}
		return true, nil
	}

	if now.Sub(a.AttemptedAt) >= s.cfg.PendingAttemptExpiry {
		s.logger.Warn("pending attempt expired",
			"attempt_id", a.ID.String(),
			"case_id", a.CaseID.String(),
			"attempted_at", a.AttemptedAt,
		)
		timeout := &ChargeResult{
			Outcome:       ChargeFailed,
			FailureCode:   model.FailureCodeGatewayTimeout,
			FailureReason: fmt.Sprintf("no gateway confirmation within %s", s.cfg.PendingAttemptExpiry),
		}
		if _, _, err := s.applyOutcome(ctx, a.ID, timeout); err != nil {
			return false, err
		}
		return true, nil
	}

	if statusErr != nil {
		return false, apperrors.Dependency("payment gateway", statusErr)
	}
	return false, nil
}

// ReconcileAccount brings the account side effect in line with the case state:
// a suspended case must have a suspended account, and a recovered case that
// suspended its account must release it.
func (s *Service) ReconcileAccount(ctx context.Context, caseID uuid.UUID) (bool, error) {
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return false, storeErr(err, "dunning case")
	}

	switch {
	case c.State == model.CaseStateSuspended:
		suspended, err := s.access.IsSuspended(ctx, c.OrganizationID)
		if err != nil {
			return false, err
		}
		if suspended {
			if !c.AccountSuspended {
				s.markAccount(ctx, c.ID, true)
				return true, nil
			}
			return false, nil
		}
		s.logger.Info("re-applying account suspension", "case_id", c.ID.String(), "organization_id", c.OrganizationID.String())
		if err := s.access.Suspend(ctx, c.OrganizationID, c.ID); err != nil {
			return false, err
		}
		s.markAccount(ctx, c.ID, true)
		return true, nil

	case c.State == model.CaseStateRecovered && c.AccountSuspended:
		others, err := s.cases.CountSuspended(ctx, c.OrganizationID, c.ID)
		if err != nil {
			return false, storeErr(err, "dunning case")
		}
		if others == 0 {
			suspended, err := s.access.IsSuspended(ctx, c.OrganizationID)
			if err != nil {
				return false, err
			}
			if suspended {
				if err := s.access.Restore(ctx, c.OrganizationID, c.ID); err != nil {
					return false, err
				}
			}
		}
		s.markAccount(ctx, c.ID, false)
		return true, nil
	}
	return false, nil
}
