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

const attemptColumns = `id, case_id, attempt_number, amount, currency, status, failure_reason, failure_code,
	gateway_reference, idempotency_key, attempted_at, completed_at, next_retry_at`

type retryAttemptRepository struct {
	BaseRepository
}

func NewRetryAttemptRepository(base BaseRepository) repository.RetryAttemptRepository {
	return &retryAttemptRepository{base}
}

func insertAttempt(ctx context.Context, tx *sqlx.Tx, a *model.RetryAttempt) error {
	query := `
		INSERT INTO dunning_retry_attempts (` + attemptColumns + `) VALUES (
			:id, :case_id, :attempt_number, :amount, :currency, :status, :failure_reason, :failure_code,
			:gateway_reference, :idempotency_key, :attempted_at, :completed_at, :next_retry_at
		)
	`
	if _, err := tx.NamedExecContext(ctx, query, a); err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("failed to insert retry attempt: %w", err)
	}
	return nil
}

func (r *retryAttemptRepository) Get(ctx context.Context, id uuid.UUID) (*model.RetryAttempt, error) {
	var a model.RetryAttempt
	if err := r.db.GetContext(ctx, &a, `SELECT `+attemptColumns+` FROM dunning_retry_attempts WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "retry attempt")
	}
	return &a, nil
}

func (r *retryAttemptRepository) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.RetryAttempt, error) {
	var attempts []*model.RetryAttempt
	err := r.db.SelectContext(ctx, &attempts, `
		SELECT `+attemptColumns+` FROM dunning_retry_attempts
		WHERE case_id = $1
		ORDER BY attempt_number`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry attempts: %w", err)
	}
	return attempts, nil
}

func (r *retryAttemptRepository) HasPending(ctx context.Context, caseID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM dunning_retry_attempts WHERE case_id = $1 AND status = 'pending')`, caseID)
	if err != nil {
		return false, fmt.Errorf("failed to check pending attempts: %w", err)
	}
	return exists, nil
}

func (r *retryAttemptRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*model.RetryAttempt, error) {
	var attempts []*model.RetryAttempt
	err := r.db.SelectContext(ctx, &attempts, `
		SELECT `+attemptColumns+` FROM dunning_retry_attempts
		WHERE status = 'pending' AND attempted_at <= $1
		ORDER BY attempted_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending attempts: %w", err)
	}
	return attempts, nil
}

func (r *retryAttemptRepository) SetGatewayReference(ctx context.Context, id uuid.UUID, reference string) error {
	return expectOne(r.db.ExecContext(ctx, `
		UPDATE dunning_retry_attempts SET gateway_reference = $1
		WHERE id = $2 AND status = 'pending'`, reference, id))
}
