package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
)

const communicationColumns = `id, case_id, type, method, recipient, subject, body, status,
	provider_message_id, failure_reason, attempts, locked_until,
	sent_at, delivered_at, opened_at, clicked_at, created_at, updated_at`

type communicationRepository struct {
	BaseRepository
}

func NewCommunicationRepository(base BaseRepository) repository.CommunicationRepository {
	return &communicationRepository{base}
}

func insertCommunications(ctx context.Context, tx *sqlx.Tx, comms []*model.Communication) error {
	query := `
		INSERT INTO dunning_communications (` + communicationColumns + `) VALUES (
			:id, :case_id, :type, :method, :recipient, :subject, :body, :status,
			:provider_message_id, :failure_reason, :attempts, :locked_until,
			:sent_at, :delivered_at, :opened_at, :clicked_at, :created_at, :updated_at
		)
	`
	for _, c := range comms {
		if _, err := tx.NamedExecContext(ctx, query, c); err != nil {
			return fmt.Errorf("failed to insert communication: %w", err)
		}
	}
	return nil
}

func (r *communicationRepository) CreateBatch(ctx context.Context, comms []*model.Communication) error {
	if len(comms) == 0 {
		return nil
	}
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		return insertCommunications(ctx, tx, comms)
	})
}

func (r *communicationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Communication, error) {
	var c model.Communication
	if err := r.db.GetContext(ctx, &c, `SELECT `+communicationColumns+` FROM dunning_communications WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "communication")
	}
	return &c, nil
}

func (r *communicationRepository) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.Communication, error) {
	var comms []*model.Communication
	err := r.db.SelectContext(ctx, &comms, `
		SELECT `+communicationColumns+` FROM dunning_communications
		WHERE case_id = $1
		ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list communications: %w", err)
	}
	return comms, nil
}

func (r *communicationRepository) ClaimPending(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.Communication, error) {
	var comms []*model.Communication
	err := r.db.SelectContext(ctx, &comms, `
		UPDATE dunning_communications
		SET locked_until = $2, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM dunning_communications
			WHERE status = 'pending' AND (locked_until IS NULL OR locked_until <= $1)
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+communicationColumns,
		now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending communications: %w", err)
	}
	return comms, nil
}

func (r *communicationRepository) UpdateStatus(ctx context.Context, u model.StatusUpdate) (bool, error) {
	applied := false
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		var c model.Communication
		err := tx.GetContext(ctx, &c, `SELECT `+communicationColumns+` FROM dunning_communications WHERE id = $1 FOR UPDATE`, u.CommunicationID)
		if err != nil {
			return notFound(err, "communication")
		}
		prev := c.Status
		if !prev.CanAdvanceTo(u.Status) {
			return nil
		}
		u.Apply(&c)

		_, err = tx.ExecContext(ctx, `
			UPDATE dunning_communications
			SET status = $1, provider_message_id = $2, failure_reason = $3, locked_until = NULL,
				sent_at = $4, delivered_at = $5, opened_at = $6, clicked_at = $7, updated_at = $8
			WHERE id = $9`,
			c.Status, c.ProviderMessageID, c.FailureReason,
			c.SentAt, c.DeliveredAt, c.OpenedAt, c.ClickedAt, c.UpdatedAt, c.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update communication: %w", err)
		}

		if model.CountsAsSent(prev, c.Status) {
			counter := "emails_sent"
			if c.Method == model.DeliverySMS {
				counter = "sms_sent"
			}
			if _, err := tx.ExecContext(ctx, `UPDATE dunning_cases SET `+counter+` = `+counter+` + 1 WHERE id = $1`, c.CaseID); err != nil {
				return fmt.Errorf("failed to increment %s: %w", counter, err)
			}
		}
		applied = true
		return nil
	})
	return applied, err
}
