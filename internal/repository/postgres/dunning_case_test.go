package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newMockRepo(t *testing.T) (repository.CaseRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewCaseRepository(NewBaseRepository(sqlx.NewDb(db, "postgres"))), mock
}

func newCase() *model.DunningCase {
	c := &model.DunningCase{
		ID:              uuid.New(),
		OrganizationID:  uuid.New(),
		SubscriptionID:  "S1",
		InvoiceID:       "I1",
		Amount:          decimal.RequireFromString("49.00"),
		Currency:        "USD",
		State:           model.CaseStateActive,
		PaymentFailedAt: now,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	c.ApplyPolicy(model.DefaultDunningConfig())
	c.GracePeriodEndsAt = now.AddDate(0, 0, 3)
	return c
}

func TestCreateInsertsCase(t *testing.T) {
	repo, mock := newMockRepo(t)
	c := newCase()

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO dunning_cases .* ON CONFLICT \(subscription_id, invoice_id\) WHERE state NOT IN \('recovered', 'cancelled'\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stored, created, err := repo.Create(context.Background(), c, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, c.ID, stored.ID)
}

func TestCreateReturnsOpenCaseOnConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	c := newCase()
	winner := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO dunning_cases`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`(?s)SELECT .* FROM dunning_cases\s+WHERE subscription_id = \$1 AND invoice_id = \$2`).
		WithArgs("S1", "I1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "subscription_id", "invoice_id", "state", "version"}).
			AddRow(winner.String(), "S1", "I1", "retrying", 4))
	mock.ExpectCommit()

	stored, created, err := repo.Create(context.Background(), c, []*model.OutboxEvent{{ID: uuid.New(), EventType: model.EventCaseCreated}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, winner, stored.ID)
	assert.Equal(t, model.CaseStateRetrying, stored.State)
	assert.Equal(t, 4, stored.Version)
}

func TestApplyStaleVersionIsConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	c := newCase()
	c.State = model.CaseStateRetrying

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)UPDATE dunning_cases\s+SET state = \$1, .* version = version \+ 1\s+WHERE id = \$12 AND version = \$13`).
		WithArgs(model.CaseStateRetrying, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), c.ID, 3).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Apply(context.Background(), &model.CaseMutation{Case: c, ExpectedVersion: 3})
	assert.ErrorIs(t, err, repository.ErrConflict)
	assert.Equal(t, 1, c.Version)
}

func TestApplySealedAttemptIsConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	c := newCase()
	attempt := &model.RetryAttempt{ID: uuid.New(), CaseID: c.ID, Status: model.AttemptStatusFailed}

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)UPDATE dunning_retry_attempts\s.*WHERE id = \$7 AND status = 'pending'`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Apply(context.Background(), &model.CaseMutation{Case: c, ExpectedVersion: 1, SealAttempt: attempt})
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestApplyBumpsVersion(t *testing.T) {
	repo, mock := newMockRepo(t)
	c := newCase()
	attempt := &model.RetryAttempt{ID: uuid.New(), CaseID: c.ID, Status: model.AttemptStatusFailed}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE dunning_retry_attempts`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE dunning_cases`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Apply(context.Background(), &model.CaseMutation{Case: c, ExpectedVersion: 1, SealAttempt: attempt})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Version)
}
