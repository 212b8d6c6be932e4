package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/dunning-engine/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write matched no row
	ErrConflict = errors.New("conditional write lost")
)

// All repository interfaces in one file
type (
	// CaseRepository is the DunningCase store. Every state change goes through Apply.
	CaseRepository interface {
		// Create inserts c unless an open case exists for its (subscription, invoice);
		// in that case the existing case is returned with created=false.
		Create(ctx context.Context, c *model.DunningCase, events []*model.OutboxEvent) (stored *model.DunningCase, created bool, err error)
		Get(ctx context.Context, id uuid.UUID) (*model.DunningCase, error)
		GetOpenByInvoice(ctx context.Context, subscriptionID, invoiceID string) (*model.DunningCase, error)
		List(ctx context.Context, filter model.CaseFilter) ([]*model.DunningCase, int, error)
		// Apply commits a case mutation iff the stored version equals ExpectedVersion
		// (and SealAttempt, if set, is still pending). Returns ErrConflict otherwise.
		Apply(ctx context.Context, m *model.CaseMutation) error
		SetAccountSuspended(ctx context.Context, id uuid.UUID, expectedVersion int, suspended bool) error

		ListDueRetries(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
		ListDueSuspensions(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
		ListDueCancellations(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
		// ListAccountDrift returns suspended cases and recovered cases whose account is still marked suspended
		ListAccountDrift(ctx context.Context, limit int) ([]*model.DunningCase, error)
		CountSuspended(ctx context.Context, organizationID uuid.UUID, excludeCaseID uuid.UUID) (int, error)
		Summary(ctx context.Context, organizationID *uuid.UUID) (*model.CaseSummary, error)
	}

	RetryAttemptRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.RetryAttempt, error)
		ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.RetryAttempt, error)
		HasPending(ctx context.Context, caseID uuid.UUID) (bool, error)
		ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*model.RetryAttempt, error)
		SetGatewayReference(ctx context.Context, id uuid.UUID, reference string) error
	}

	CommunicationRepository interface {
		CreateBatch(ctx context.Context, comms []*model.Communication) error
		Get(ctx context.Context, id uuid.UUID) (*model.Communication, error)
		ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.Communication, error)
		// ClaimPending leases up to limit pending communications until now+lease
		ClaimPending(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.Communication, error)
		// UpdateStatus applies u iff it advances the stored status. The owning case's
		// emails_sent/sms_sent counter is incremented in the same transaction on the
		// first transition out of pending.
		UpdateStatus(ctx context.Context, u model.StatusUpdate) (applied bool, err error)
	}

	PlanConfigRepository interface {
		Get(ctx context.Context, planName string) (*model.DunningConfig, error)
		List(ctx context.Context) ([]*model.DunningConfig, error)
		Upsert(ctx context.Context, cfg *model.DunningConfig) error
	}

	OrganizationRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Organization, error)
		// SetStatus is idempotent and creates the record when missing
		SetStatus(ctx context.Context, id uuid.UUID, status model.OrganizationStatus, reason *string) error
	}

	OutboxRepository interface {
		Create(ctx context.Context, event *model.OutboxEvent) error
		// ClaimPending returns due pending/retry events and pushes their retry_at past lease
		ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxEvent, error)
		MarkProcessed(ctx context.Context, id uuid.UUID) error
		MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, retryAt *time.Time) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}

	// ProcessedEventStore remembers webhook event ids for a bounded window
	ProcessedEventStore interface {
		// Reserve records id and reports whether it was new
		Reserve(ctx context.Context, id string, ttl time.Duration) (bool, error)
		Release(ctx context.Context, id string) error
	}
)
