package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
	"github.com/jwalitptl/dunning-engine/internal/repository/memory"
	"github.com/jwalitptl/dunning-engine/internal/service/event"
	"github.com/jwalitptl/dunning-engine/pkg/clock"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
	"github.com/jwalitptl/dunning-engine/pkg/metrics"
	"github.com/jwalitptl/dunning-engine/pkg/retry"
)

// flakyOrgs fails the first `failures` SetStatus calls
type flakyOrgs struct {
	repository.OrganizationRepository
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyOrgs) SetStatus(ctx context.Context, id uuid.UUID, status model.OrganizationStatus, reason *string) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	return f.OrganizationRepository.SetStatus(ctx, id, status, reason)
}

func fastPolicy(retries int) retry.Policy {
	return retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2, MaxRetries: retries}
}

func newService(orgs repository.OrganizationRepository, store *memory.Store, retries int) (*Service, *metrics.Metrics) {
	clk := clock.NewMock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	m := metrics.NewForTest()
	events := event.NewEventService(store.Repositories().Outbox, clk, logger.NewNop())
	svc := NewService(orgs, events, Config{Retry: fastPolicy(retries), BreakerFailures: 100}, clk, logger.NewNop(), m)
	return svc, m
}

func TestSuspendRetriesUntilSuccess(t *testing.T) {
	store := memory.NewStore(nil)
	orgs := &flakyOrgs{OrganizationRepository: store.Repositories().Organizations, failures: 2}
	svc, _ := newService(orgs, store, 5)
	org := uuid.New()

	require.NoError(t, svc.Suspend(context.Background(), org, uuid.New()))
	assert.Equal(t, 3, orgs.calls)

	suspended, err := svc.IsSuspended(context.Background(), org)
	require.NoError(t, err)
	assert.True(t, suspended)

	events := store.OutboxEvents()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventAccountSuspend, events[0].EventType)
}

func TestSuspendExhaustionIsDependencyError(t *testing.T) {
	store := memory.NewStore(nil)
	orgs := &flakyOrgs{OrganizationRepository: store.Repositories().Organizations, failures: 100}
	svc, _ := newService(orgs, store, 2)
	org := uuid.New()

	err := svc.Suspend(context.Background(), org, uuid.New())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrDependency))
	assert.Equal(t, 3, orgs.calls)
	assert.Empty(t, store.OutboxEvents())

	suspended, err := svc.IsSuspended(context.Background(), org)
	require.NoError(t, err)
	assert.False(t, suspended)
}

func TestRestoreIsIdempotent(t *testing.T) {
	store := memory.NewStore(nil)
	svc, _ := newService(store.Repositories().Organizations, store, 1)
	org := uuid.New()
	ctx := context.Background()

	require.NoError(t, svc.Suspend(ctx, org, uuid.New()))
	require.NoError(t, svc.Restore(ctx, org, uuid.New()))
	require.NoError(t, svc.Restore(ctx, org, uuid.New()))

	suspended, err := svc.IsSuspended(ctx, org)
	require.NoError(t, err)
	assert.False(t, suspended)
}
