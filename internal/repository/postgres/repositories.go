package postgres

import (
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/dunning-engine/internal/repository"
)

func NewRepositories(db *sqlx.DB) *repository.Repositories {
	base := NewBaseRepository(db)
	return &repository.Repositories{
		Cases:          NewCaseRepository(base),
		Attempts:       NewRetryAttemptRepository(base),
		Communications: NewCommunicationRepository(base),
		Plans:          NewPlanConfigRepository(base),
		Organizations:  NewOrganizationRepository(base),
		Outbox:         NewOutboxRepository(base),
	}
}
