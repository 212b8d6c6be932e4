package dunning

import (
	"context"

	"github.com/google/uuid"

	"github.com/jwalitptl/dunning-engine/internal/model"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
)

// QueueNotification records one pending communication per enabled channel of the
// case that has a recipient and returns their ids. No channel yields an empty list.
func (s *Service) QueueNotification(ctx context.Context, caseID uuid.UUID, typ model.CommunicationType) ([]uuid.UUID, error) {
	if !typ.Valid() {
		return nil, apperrors.Validation("unknown communication type", nil)
	}
	c, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return nil, storeErr(err, "dunning case")
	}

	comms := s.buildCommunications(c, typ, s.clock.Now())
	if err := s.comms.CreateBatch(ctx, comms); err != nil {
		return nil, storeErr(err, "communication")
	}
	ids := make([]uuid.UUID, 0, len(comms))
	for _, comm := range comms {
		ids = append(ids, comm.ID)
	}
	return ids, nil
}

// UpdateCommunicationStatus applies a delivery callback. Callbacks that do not
// advance the status are accepted and ignored; the case send counters move only
// on the first confirmed send.
func (s *Service) UpdateCommunicationStatus(ctx context.Context, u model.StatusUpdate) (bool, error) {
	if u.CommunicationID == uuid.Nil {
		return false, apperrors.Validation("communication_id is required", nil)
	}
	if !u.Status.Valid() || u.Status == model.CommunicationPending {
		return false, apperrors.Validation("invalid communication status", nil)
	}
	comm, err := s.comms.Get(ctx, u.CommunicationID)
	if err != nil {
		return false, storeErr(err, "communication")
	}
	if u.OccurredAt.IsZero() {
		u.OccurredAt = s.clock.Now()
	}

	applied, err := s.comms.UpdateStatus(ctx, u)
	if err != nil {
		return false, storeErr(err, "communication")
	}
	if applied {
		s.metrics.Notifications.WithLabelValues(string(comm.Method), string(u.Status)).Inc()
	} else {
		s.logger.Debug("stale delivery callback ignored",
			"communication_id", u.CommunicationID.String(),
			"status", string(u.Status),
		)
	}
	return applied, nil
}
