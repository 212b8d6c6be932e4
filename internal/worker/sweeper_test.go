package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository/memory"
	"github.com/jwalitptl/dunning-engine/internal/service/access"
	"github.com/jwalitptl/dunning-engine/internal/service/dunning"
	"github.com/jwalitptl/dunning-engine/internal/service/event"
	"github.com/jwalitptl/dunning-engine/internal/service/notification"
	"github.com/jwalitptl/dunning-engine/internal/service/policy"
	"github.com/jwalitptl/dunning-engine/pkg/clock"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
	"github.com/jwalitptl/dunning-engine/pkg/metrics"
	"github.com/jwalitptl/dunning-engine/pkg/retry"
	"github.com/jwalitptl/dunning-engine/pkg/validator"
)

// fakeCases returns fixed ids and answers per id from behaviour
type fakeCases struct {
	mu        sync.Mutex
	due       []uuid.UUID
	listErr   error
	behaviour map[uuid.UUID]string
	seen      []uuid.UUID
}

func (f *fakeCases) list(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.due) > limit {
		return f.due[:limit], nil
	}
	return f.due, nil
}

func (f *fakeCases) handle(id uuid.UUID) (bool, error) {
	f.mu.Lock()
	f.seen = append(f.seen, id)
	f.mu.Unlock()
	switch f.behaviour[id] {
	case "panic":
		panic("boom")
	case "error":
		return false, errors.New("store unavailable")
	case "noop":
		return false, nil
	}
	return true, nil
}

func (f *fakeCases) DueRetries(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return f.list(ctx, limit)
}

func (f *fakeCases) ProcessRetry(ctx context.Context, id uuid.UUID) (*dunning.RetryResult, error) {
	ok, err := f.handle(id)
	if err != nil {
		return nil, err
	}
	return &dunning.RetryResult{Processed: ok}, nil
}

func (f *fakeCases) DueSuspensions(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return f.list(ctx, limit)
}

func (f *fakeCases) SuspendDue(ctx context.Context, id uuid.UUID) (*dunning.TransitionResult, error) {
	ok, err := f.handle(id)
	if err != nil {
		return nil, err
	}
	return &dunning.TransitionResult{Changed: ok}, nil
}

func (f *fakeCases) DueCancellations(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeCases) CancelDue(ctx context.Context, id uuid.UUID) (*dunning.TransitionResult, error) {
	return &dunning.TransitionResult{}, nil
}

func (f *fakeCases) StalePendingAttempts(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return f.list(ctx, limit)
}

func (f *fakeCases) ReconcileAttempt(ctx context.Context, id uuid.UUID) (bool, error) {
	return f.handle(id)
}

func (f *fakeCases) AccountDrift(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return f.list(ctx, limit)
}

func (f *fakeCases) ReconcileAccount(ctx context.Context, id uuid.UUID) (bool, error) {
	return f.handle(id)
}

type fakeDispatcher struct {
	stats *notification.DispatchStats
	err   error
}

func (d *fakeDispatcher) DispatchPending(ctx context.Context) (*notification.DispatchStats, error) {
	return d.stats, d.err
}

func ids(n int) []uuid.UUID {
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}

func TestSweepIsolatesFailingCases(t *testing.T) {
	due := ids(5)
	cases := &fakeCases{
		due: due,
		behaviour: map[uuid.UUID]string{
			due[1]: "panic",
			due[2]: "error",
			due[3]: "noop",
		},
	}
	m := metrics.NewForTest()
	s := NewSweeper(cases, nil, SweepConfig{BatchSize: 10, Workers: 2}, logger.NewNop(), m)

	stats, err := s.Run(context.Background(), SweepRetries)
	require.NoError(t, err)
	assert.Equal(t, &SweepStats{Sweep: SweepRetries, Due: 5, Processed: 2, Skipped: 1, Failed: 2}, stats)
	assert.Len(t, cases.seen, 5)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.SweepItems.WithLabelValues(SweepRetries, "processed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.SweepItems.WithLabelValues(SweepRetries, "failed")))
}

func TestSweepHonoursBatchSize(t *testing.T) {
	cases := &fakeCases{due: ids(7)}
	s := NewSweeper(cases, nil, SweepConfig{BatchSize: 3, Workers: 4}, logger.NewNop(), metrics.NewForTest())

	stats, err := s.Run(context.Background(), SweepAccounts)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Due)
	assert.Equal(t, 3, stats.Processed)
}

func TestSweepListFailure(t *testing.T) {
	cases := &fakeCases{listErr: errors.New("connection reset")}
	s := NewSweeper(cases, nil, SweepConfig{}, logger.NewNop(), metrics.NewForTest())

	_, err := s.Run(context.Background(), SweepPendingAttempts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestUnknownSweep(t *testing.T) {
	s := NewSweeper(&fakeCases{}, nil, SweepConfig{}, logger.NewNop(), metrics.NewForTest())

	_, err := s.Run(context.Background(), "everything")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrValidation))
	assert.False(t, IsSweep("everything"))
	assert.True(t, IsSweep(SweepSuspensions))
}

func TestNotificationSweepReportsDispatch(t *testing.T) {
	d := &fakeDispatcher{stats: &notification.DispatchStats{Claimed: 4, Sent: 3, Failed: 1}}
	s := NewSweeper(&fakeCases{}, d, SweepConfig{}, logger.NewNop(), metrics.NewForTest())

	stats, err := s.Run(context.Background(), SweepNotifications)
	require.NoError(t, err)
	assert.Equal(t, &SweepStats{Sweep: SweepNotifications, Due: 4, Processed: 3, Failed: 1}, stats)
}

type decliningGateway struct{}

func (decliningGateway) Charge(ctx context.Context, req dunning.ChargeRequest) (*dunning.ChargeResult, error) {
	return &dunning.ChargeResult{
		Outcome:     dunning.ChargeFailed,
		Reference:   "pi_" + req.IdempotencyKey,
		FailureCode: "card_declined",
	}, nil
}

func (decliningGateway) Status(ctx context.Context, invoiceID, reference string) (*dunning.ChargeResult, error) {
	return &dunning.ChargeResult{Outcome: dunning.ChargePending}, nil
}

func TestSweepsDriveCaseToSuspension(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewMock(start)
	store := memory.NewStore(clk)
	repos := store.Repositories()
	log := logger.NewNop()
	m := metrics.NewForTest()

	policies, err := policy.NewService(repos.Plans, model.DefaultDunningConfig(), time.Minute, validator.New(), clk, log)
	require.NoError(t, err)
	acc := access.NewService(repos.Organizations, event.NewEventService(repos.Outbox, clk, log), access.Config{
		Retry: retry.Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxRetries: 1},
	}, clk, log, m)
	cases := dunning.NewService(repos, policies, decliningGateway{}, acc, dunning.DefaultConfig(), clk, log, m)
	s := NewSweeper(cases, nil, SweepConfig{BatchSize: 10, Workers: 2}, log, m)

	c, _, err := cases.CreateCase(context.Background(), model.CreateCaseRequest{
		OrganizationID: uuid.New(),
		SubscriptionID: "sub_1",
		InvoiceID:      "in_1",
		PlanName:       "basic",
		Amount:         decimal.RequireFromString("20.00"),
		Currency:       "usd",
		FailedAt:       &start,
	})
	require.NoError(t, err)

	// default schedule retries on days 1, 3 and 7; grace ends on day 3
	for _, day := range []int{1, 3, 7} {
		clk.Set(start.AddDate(0, 0, day))
		stats, err := s.Run(context.Background(), SweepRetries)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Processed, "day %d", day)
	}

	got, err := cases.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStateSuspended, got.State)
	assert.True(t, got.AccountSuspended)

	clk.Set(start.AddDate(0, 0, 40))
	stats, err := s.Run(context.Background(), SweepSuspensions)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)

	got, err = cases.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStateCancelled, got.State)
}

func TestSchedulerRejectsBadSchedules(t *testing.T) {
	s := NewScheduler(context.Background(), &fakeSweeper{}, logger.NewNop())
	assert.Error(t, s.Register(Schedules{"everything": "@every 1m"}))
	assert.Error(t, s.Register(Schedules{SweepRetries: "not a spec"}))
	assert.NoError(t, s.Register(Schedules{SweepAccounts: "-"}))
	assert.NoError(t, s.Register(DefaultSchedules()))
}

type fakeSweeper struct {
	mu   sync.Mutex
	runs []string
}

func (f *fakeSweeper) Run(ctx context.Context, sweep string) (*SweepStats, error) {
	f.mu.Lock()
	f.runs = append(f.runs, sweep)
	f.mu.Unlock()
	return &SweepStats{Sweep: sweep}, nil
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func TestSchedulerRunsSweeps(t *testing.T) {
	fs := &fakeSweeper{}
	s := NewScheduler(context.Background(), fs, logger.NewNop())
	require.NoError(t, s.Register(Schedules{SweepRetries: "@every 1s"}))
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return fs.count() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestOutboxCleanupRemovesPublishedEvents(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	repos := store.Repositories()
	events := event.NewEventService(repos.Outbox, clk, logger.NewNop())
	require.NoError(t, events.Emit(context.Background(), model.EventAccountRestore, uuid.New(), map[string]string{}))

	claimed, err := repos.Outbox.ClaimPending(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, repos.Outbox.MarkProcessed(context.Background(), claimed[0].ID))

	w := NewOutboxCleanupWorker(events, 72*time.Hour, time.Hour, logger.NewNop())
	assert.Equal(t, int64(0), w.RunOnce(context.Background()))

	clk.Advance(73 * time.Hour)
	assert.Equal(t, int64(1), w.RunOnce(context.Background()))
	assert.Empty(t, store.OutboxEvents())
}
