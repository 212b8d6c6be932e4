package dunning

import (
	"context"

	"github.com/google/uuid"

	"github.com/jwalitptl/dunning-engine/internal/model"
)

func (s *Service) GetCase(ctx context.Context, caseID uuid.UUID) (*model.DunningCase, error) {
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return nil, storeErr(err, "dunning case")
	}
	return c, nil
}

func (s *Service) ListCases(ctx context.Context, filter model.CaseFilter) ([]*model.DunningCase, int, error) {
	filter.Pagination = filter.Pagination.Normalize()
	cases, total, err := s.cases.List(ctx, filter)
	if err != nil {
		return nil, 0, storeErr(err, "dunning case")
	}
	return cases, total, nil
}

func (s *Service) ListAttempts(ctx context.Context, caseID uuid.UUID) ([]*model.RetryAttempt, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	attempts, err := s.attempts.ListByCase(ctx, caseID)
	if err != nil {
		return nil, storeErr(err, "retry attempt")
	}
	return attempts, nil
}

func (s *Service) ListCommunications(ctx context.Context, caseID uuid.UUID) ([]*model.Communication, error) {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	comms, err := s.comms.ListByCase(ctx, caseID)
	if err != nil {
		return nil, storeErr(err, "communication")
	}
	return comms, nil
}

func (s *Service) Summary(ctx context.Context, orgID *uuid.UUID) (*model.CaseSummary, error) {
	summary, err := s.cases.Summary(ctx, orgID)
	if err != nil {
		return nil, storeErr(err, "dunning case")
	}
	return summary, nil
}

// Due work for the scheduler; sweeps read ids here and act through the controller.

func (s *Service) DueRetries(ctx context.Context, limit int) ([]uuid.UUID, error) {
	ids, err := s.cases.ListDueRetries(ctx, s.clock.Now(), limit)
	if err != nil {
		return nil, storeErr(err, "dunning case")
	}
	return ids, nil
}

func (s *Service) DueSuspensions(ctx context.Context, limit int) ([]uuid.UUID, error) {
	ids, err := s.cases.ListDueSuspensions(ctx, s.clock.Now(), limit)
	if err != nil {
		return nil, storeErr(err, "dunning case")
	}
	return ids, nil
}

func (s *Service) DueCancellations(ctx context.Context, limit int) ([]uuid.UUID, error) {
	ids, err := s.cases.ListDueCancellations(ctx, s.clock.Now(), limit)
	if err != nil {
		return nil, storeErr(err, "dunning case")
	}
	return ids, nil
}

func (s *Service) StalePendingAttempts(ctx context.Context, limit int) ([]uuid.UUID, error) {
	attempts, err := s.attempts.ListPendingBefore(ctx, s.clock.Now().Add(-s.cfg.PendingAttemptTimeout), limit)
	if err != nil {
		return nil, storeErr(err, "retry attempt")
	}
	ids := make([]uuid.UUID, len(attempts))
	for i, a := range attempts {
		ids[i] = a.ID
	}
	return ids, nil
}

func (s *Service) AccountDrift(ctx context.Context, limit int) ([]uuid.UUID, error) {
	cases, err := s.cases.ListAccountDrift(ctx, limit)
	if err != nil {
		return nil, storeErr(err, "dunning case")
	}
	ids := make([]uuid.UUID, len(cases))
	for i, c := range cases {
		ids[i] = c.ID
	}
	return ids, nil
}
