package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
	"github.com/jwalitptl/dunning-engine/pkg/clock"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newCase(sub, inv string) *model.DunningCase {
	next := start.AddDate(0, 0, 1)
	return &model.DunningCase{
		ID:                uuid.New(),
		OrganizationID:    uuid.New(),
		SubscriptionID:    sub,
		InvoiceID:         inv,
		Amount:            decimal.RequireFromString("49.00"),
		Currency:          "USD",
		State:             model.CaseStateActive,
		MaxRetryAttempts:  3,
		RetryIntervals:    model.DaySchedule{1, 3, 7},
		PaymentFailedAt:   start,
		GracePeriodEndsAt: start.AddDate(0, 0, 3),
		NextRetryAt:       &next,
		Version:           1,
		CreatedAt:         start,
		UpdatedAt:         start,
	}
}

func TestCreateReturnsExistingOpenCase(t *testing.T) {
	ctx := context.Background()
	repos := NewStore(clock.NewMock(start)).Repositories()

	first, created, err := repos.Cases.Create(ctx, newCase("S1", "I1"), nil)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repos.Cases.Create(ctx, newCase("S1", "I1"), nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestApplyRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	repos := NewStore(clock.NewMock(start)).Repositories()
	c, _, err := repos.Cases.Create(ctx, newCase("S1", "I1"), nil)
	require.NoError(t, err)

	next := c.Clone()
	next.State = model.CaseStateRecovered
	require.NoError(t, repos.Cases.Apply(ctx, &model.CaseMutation{Case: next, ExpectedVersion: 1}))
	assert.Equal(t, 2, next.Version)

	stale := c.Clone()
	stale.State = model.CaseStateRetrying
	err = repos.Cases.Apply(ctx, &model.CaseMutation{Case: stale, ExpectedVersion: 1})
	assert.ErrorIs(t, err, repository.ErrConflict)

	got, err := repos.Cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStateRecovered, got.State)
}

func TestApplySealsAttemptOnce(t *testing.T) {
	ctx := context.Background()
	repos := NewStore(clock.NewMock(start)).Repositories()
	c, _, err := repos.Cases.Create(ctx, newCase("S1", "I1"), nil)
	require.NoError(t, err)

	attempt := &model.RetryAttempt{ID: uuid.New(), CaseID: c.ID, AttemptNumber: 1, Status: model.AttemptStatusPending, IdempotencyKey: c.ID.String() + ":1"}
	next := c.Clone()
	next.CurrentRetryAttempt = 1
	require.NoError(t, repos.Cases.Apply(ctx, &model.CaseMutation{Case: next, ExpectedVersion: 1, NewAttempt: attempt}))

	pending, err := repos.Attempts.HasPending(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, pending)

	sealed := attempt.Clone()
	sealed.Status = model.AttemptStatusFailed
	require.NoError(t, repos.Cases.Apply(ctx, &model.CaseMutation{Case: next.Clone(), ExpectedVersion: 2, SealAttempt: sealed}))

	again := attempt.Clone()
	again.Status = model.AttemptStatusSucceeded
	err = repos.Cases.Apply(ctx, &model.CaseMutation{Case: next.Clone(), ExpectedVersion: 3, SealAttempt: again})
	assert.ErrorIs(t, err, repository.ErrConflict)

	got, err := repos.Attempts.Get(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusFailed, got.Status)
}

func TestUpdateStatusCountsSendOnce(t *testing.T) {
	ctx := context.Background()
	repos := NewStore(clock.NewMock(start)).Repositories()
	c, _, err := repos.Cases.Create(ctx, newCase("S1", "I1"), nil)
	require.NoError(t, err)

	comm := &model.Communication{ID: uuid.New(), CaseID: c.ID, Method: model.DeliveryEmail, Status: model.CommunicationPending, CreatedAt: start}
	require.NoError(t, repos.Communications.CreateBatch(ctx, []*model.Communication{comm}))

	for i := 0; i < 3; i++ {
		_, err := repos.Communications.UpdateStatus(ctx, model.StatusUpdate{CommunicationID: comm.ID, Status: model.CommunicationSent, OccurredAt: start})
		require.NoError(t, err)
	}
	applied, err := repos.Communications.UpdateStatus(ctx, model.StatusUpdate{CommunicationID: comm.ID, Status: model.CommunicationDelivered, OccurredAt: start})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := repos.Cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EmailsSent)

	// counters survive a later case mutation built from a stale copy
	next := c.Clone()
	next.State = model.CaseStateRetrying
	require.NoError(t, repos.Cases.Apply(ctx, &model.CaseMutation{Case: next, ExpectedVersion: got.Version}))
	got, err = repos.Cases.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EmailsSent)
}

func TestClaimPendingLeases(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock(start)
	repos := NewStore(clk).Repositories()
	comm := &model.Communication{ID: uuid.New(), CaseID: uuid.New(), Status: model.CommunicationPending, CreatedAt: start}
	require.NoError(t, repos.Communications.CreateBatch(ctx, []*model.Communication{comm}))

	claimed, err := repos.Communications.ClaimPending(ctx, clk.Now(), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)

	claimed, err = repos.Communications.ClaimPending(ctx, clk.Now(), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	clk.Advance(2 * time.Minute)
	claimed, err = repos.Communications.ClaimPending(ctx, clk.Now(), time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	repos := NewStore(clock.NewMock(start)).Repositories()

	_, _, err := repos.Cases.Create(ctx, newCase("S1", "I1"), nil)
	require.NoError(t, err)
	rec, _, err := repos.Cases.Create(ctx, newCase("S2", "I2"), nil)
	require.NoError(t, err)
	cancelled, _, err := repos.Cases.Create(ctx, newCase("S3", "I3"), nil)
	require.NoError(t, err)

	recovered := rec.Clone()
	recovered.State = model.CaseStateRecovered
	at := start.AddDate(0, 0, 2)
	recovered.RecoveredAt = &at
	require.NoError(t, repos.Cases.Apply(ctx, &model.CaseMutation{Case: recovered, ExpectedVersion: 1}))

	gone := cancelled.Clone()
	gone.State = model.CaseStateCancelled
	require.NoError(t, repos.Cases.Apply(ctx, &model.CaseMutation{Case: gone, ExpectedVersion: 1}))

	s, err := repos.Cases.Summary(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.OpenCases)
	assert.Equal(t, 1, s.CountsByState[model.CaseStateActive])
	assert.Equal(t, 0, s.CountsByState[model.CaseStateSuspended])
	assert.True(t, decimal.RequireFromString("49").Equal(s.OutstandingAmount["USD"]))
	assert.InDelta(t, 0.5, s.RecoveryRate, 1e-9)
	assert.InDelta(t, 2.0, s.AvgRecoveryDays, 1e-9)
}

func TestProcessedEventStore(t *testing.T) {
	ctx := context.Background()
	store := NewProcessedEventStore(time.Hour)

	ok, err := store.Reserve(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Reserve(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Release(ctx, "evt_1"))
	ok, err = store.Reserve(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListPastLastPageIsEmpty(t *testing.T) {
	ctx := context.Background()
	repos := NewStore(clock.NewMock(start)).Repositories()
	_, _, err := repos.Cases.Create(ctx, newCase("S1", "I1"), nil)
	require.NoError(t, err)

	cases, total, err := repos.Cases.List(ctx, model.CaseFilter{
		Pagination: model.Pagination{Page: 50000000000000001, PageSize: 200},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Empty(t, cases)
}
