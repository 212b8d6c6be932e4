package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
)

type organizationRepository struct {
	BaseRepository
}

func NewOrganizationRepository(base BaseRepository) repository.OrganizationRepository {
	return &organizationRepository{base}
}

func (r *organizationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Organization, error) {
	query := `
		SELECT id, status, status_reason, created_at, updated_at
		FROM organizations
		WHERE id = $1
	`
	var org model.Organization
	if err := r.GetDB().GetContext(ctx, &org, query, id); err != nil {
		return nil, notFound(err, "organization")
	}
	return &org, nil
}

func (r *organizationRepository) SetStatus(ctx context.Context, id uuid.UUID, status model.OrganizationStatus, reason *string) error {
	query := `
		INSERT INTO organizations (id, status, status_reason, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			status_reason = EXCLUDED.status_reason,
			updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, id, status, reason); err != nil {
		return fmt.Errorf("failed to set organization status: %w", err)
	}
	return nil
}
