// Package memory is a process-local implementation of the repository interfaces.
// It keeps the same conditional-write semantics as the postgres driver and backs
// the tests and the single-node "memory" storage driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
	"github.com/jwalitptl/dunning-engine/pkg/clock"
)

// Store holds every table behind one mutex so multi-row writes are atomic
type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	cases    map[uuid.UUID]*model.DunningCase
	attempts map[uuid.UUID]*model.RetryAttempt
	attemptK map[string]uuid.UUID
	comms    map[uuid.UUID]*model.Communication
	plans    map[string]*model.DunningConfig
	orgs     map[uuid.UUID]*model.Organization
	outbox   map[uuid.UUID]*model.OutboxEvent

	// failNext makes the next write return this error; used to simulate outages
	failNext error
}

func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Store{
		clock:    clk,
		cases:    make(map[uuid.UUID]*model.DunningCase),
		attempts: make(map[uuid.UUID]*model.RetryAttempt),
		attemptK: make(map[string]uuid.UUID),
		comms:    make(map[uuid.UUID]*model.Communication),
		plans:    make(map[string]*model.DunningConfig),
		orgs:     make(map[uuid.UUID]*model.Organization),
		outbox:   make(map[uuid.UUID]*model.OutboxEvent),
	}
}

// Repositories exposes the store through the repository interfaces
func (s *Store) Repositories() *repository.Repositories {
	return &repository.Repositories{
		Cases:          &caseRepository{s},
		Attempts:       &attemptRepository{s},
		Communications: &communicationRepository{s},
		Plans:          &planRepository{s},
		Organizations:  &organizationRepository{s},
		Outbox:         &outboxRepository{s},
	}
}

// FailNextWrite makes the next mutating call fail with err
func (s *Store) FailNextWrite(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

func (s *Store) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

// OutboxEvents returns a snapshot of every outbox row, oldest first
func (s *Store) OutboxEvents() []*model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.OutboxEvent, 0, len(s.outbox))
	for _, e := range s.outbox {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type caseRepository struct{ s *Store }

func (r *caseRepository) openByInvoice(subscriptionID, invoiceID string) *model.DunningCase {
	for _, c := range r.s.cases {
		if c.SubscriptionID == subscriptionID && c.InvoiceID == invoiceID && !c.State.IsTerminal() {
			return c
		}
	}
	return nil
}

func (r *caseRepository) Create(ctx context.Context, c *model.DunningCase, events []*model.OutboxEvent) (*model.DunningCase, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure(); err != nil {
		return nil, false, err
	}
	if existing := r.openByInvoice(c.SubscriptionID, c.InvoiceID); existing != nil {
		return existing.Clone(), false, nil
	}
	r.s.cases[c.ID] = c.Clone()
	r.s.putEvents(events)
	return c, true, nil
}

func (r *caseRepository) Get(ctx context.Context, id uuid.UUID) (*model.DunningCase, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.cases[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c.Clone(), nil
}

func (r *caseRepository) GetOpenByInvoice(ctx context.Context, subscriptionID, invoiceID string) (*model.DunningCase, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c := r.openByInvoice(subscriptionID, invoiceID); c != nil {
		return c.Clone(), nil
	}
	return nil, repository.ErrNotFound
}

func (r *caseRepository) List(ctx context.Context, filter model.CaseFilter) ([]*model.DunningCase, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var matched []*model.DunningCase
	for _, c := range r.s.cases {
		if filter.OrganizationID != nil && c.OrganizationID != *filter.OrganizationID {
			continue
		}
		if filter.State != nil && c.State != *filter.State {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := filter.Pagination.Normalize()
	total := len(matched)
	start := page.Offset()
	if start > total {
		start = total
	}
	end := start + page.PageSize
	if end > total {
		end = total
	}
	out := make([]*model.DunningCase, 0, end-start)
	for _, c := range matched[start:end] {
		out = append(out, c.Clone())
	}
	return out, total, nil
}

func (r *caseRepository) Apply(ctx context.Context, m *model.CaseMutation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure(); err != nil {
		return err
	}

	stored, ok := r.s.cases[m.Case.ID]
	if !ok || stored.Version != m.ExpectedVersion {
		return repository.ErrConflict
	}
	if a := m.SealAttempt; a != nil {
		cur, ok := r.s.attempts[a.ID]
		if !ok || cur.Sealed() {
			return repository.ErrConflict
		}
	}
	if a := m.NewAttempt; a != nil {
		if _, dup := r.s.attemptK[a.IdempotencyKey]; dup {
			return repository.ErrConflict
		}
	}

	if a := m.SealAttempt; a != nil {
		sealed := a.Clone()
		if sealed.GatewayReference == nil {
			sealed.GatewayReference = r.s.attempts[a.ID].GatewayReference
		}
		r.s.attempts[a.ID] = sealed
	}

	next := m.Case.Clone()
	next.EmailsSent = stored.EmailsSent
	next.SMSSent = stored.SMSSent
	next.Version = m.ExpectedVersion + 1
	r.s.cases[next.ID] = next
	m.Case.Version = next.Version

	if a := m.NewAttempt; a != nil {
		r.s.attempts[a.ID] = a.Clone()
		r.s.attemptK[a.IdempotencyKey] = a.ID
	}
	for _, c := range m.Communications {
		r.s.comms[c.ID] = c.Clone()
	}
	r.s.putEvents(m.Events)
	return nil
}

func (r *caseRepository) SetAccountSuspended(ctx context.Context, id uuid.UUID, expectedVersion int, suspended bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure(); err != nil {
		return err
	}
	c, ok := r.s.cases[id]
	if !ok || c.Version != expectedVersion {
		return repository.ErrConflict
	}
	c.AccountSuspended = suspended
	c.Version++
	c.UpdatedAt = r.s.clock.Now()
	return nil
}

func (r *caseRepository) listIDs(limit int, keep func(*model.DunningCase) bool, key func(*model.DunningCase) time.Time) []uuid.UUID {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var due []*model.DunningCase
	for _, c := range r.s.cases {
		if keep(c) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return key(due[i]).Before(key(due[j])) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]uuid.UUID, len(due))
	for i, c := range due {
		ids[i] = c.ID
	}
	return ids
}

func (r *caseRepository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(limit, func(c *model.DunningCase) bool { return c.RetryDue(now) },
		func(c *model.DunningCase) time.Time { return *c.NextRetryAt }), nil
}

func (r *caseRepository) ListDueSuspensions(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(limit, func(c *model.DunningCase) bool { return c.SuspensionDue(now) },
		func(c *model.DunningCase) time.Time { return c.GracePeriodEndsAt }), nil
}

func (r *caseRepository) ListDueCancellations(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(limit, func(c *model.DunningCase) bool { return c.CancellationDue(now) },
		func(c *model.DunningCase) time.Time { return *c.SuspendedAt }), nil
}

func (r *caseRepository) ListAccountDrift(ctx context.Context, limit int) ([]*model.DunningCase, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.DunningCase
	for _, c := range r.s.cases {
		if c.State == model.CaseStateSuspended || (c.State == model.CaseStateRecovered && c.AccountSuspended) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *caseRepository) CountSuspended(ctx context.Context, organizationID uuid.UUID, excludeCaseID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, c := range r.s.cases {
		if c.OrganizationID == organizationID && c.State == model.CaseStateSuspended && c.ID != excludeCaseID {
			n++
		}
	}
	return n, nil
}

func (r *caseRepository) Summary(ctx context.Context, organizationID *uuid.UUID) (*model.CaseSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	s := &model.CaseSummary{
		CountsByState:     make(map[model.CaseState]int),
		OutstandingAmount: make(map[string]decimal.Decimal),
	}
	var totalDays float64
	recovered := 0
	for _, c := range r.s.cases {
		if organizationID != nil && c.OrganizationID != *organizationID {
			continue
		}
		s.CountsByState[c.State]++
		if !c.State.IsTerminal() {
			s.OutstandingAmount[c.Currency] = s.OutstandingAmount[c.Currency].Add(c.Amount)
		}
		if c.State == model.CaseStateRecovered && c.RecoveredAt != nil {
			totalDays += c.RecoveredAt.Sub(c.PaymentFailedAt).Hours() / 24
			recovered++
		}
	}
	if recovered > 0 {
		s.AvgRecoveryDays = totalDays / float64(recovered)
	}
	s.Finalize()
	return s, nil
}

type attemptRepository struct{ s *Store }

func (r *attemptRepository) Get(ctx context.Context, id uuid.UUID) (*model.RetryAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.attempts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a.Clone(), nil
}

func (r *attemptRepository) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.RetryAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.RetryAttempt
	for _, a := range r.s.attempts {
		if a.CaseID == caseID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (r *attemptRepository) HasPending(ctx context.Context, caseID uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.attempts {
		if a.CaseID == caseID && !a.Sealed() {
			return true, nil
		}
	}
	return false, nil
}

func (r *attemptRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*model.RetryAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.RetryAttempt
	for _, a := range r.s.attempts {
		if !a.Sealed() && !a.AttemptedAt.After(before) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptedAt.Before(out[j].AttemptedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *attemptRepository) SetGatewayReference(ctx context.Context, id uuid.UUID, reference string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.attempts[id]
	if !ok || a.Sealed() {
		return repository.ErrConflict
	}
	a.GatewayReference = &reference
	return nil
}

type communicationRepository struct{ s *Store }

func (r *communicationRepository) CreateBatch(ctx context.Context, comms []*model.Communication) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure(); err != nil {
		return err
	}
	for _, c := range comms {
		r.s.comms[c.ID] = c.Clone()
	}
	return nil
}

func (r *communicationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Communication, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.comms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c.Clone(), nil
}

func sortComms(out []*model.Communication) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

func (r *communicationRepository) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.Communication, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Communication
	for _, c := range r.s.comms {
		if c.CaseID == caseID {
			out = append(out, c.Clone())
		}
	}
	sortComms(out)
	return out, nil
}

func (r *communicationRepository) ClaimPending(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.Communication, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var due []*model.Communication
	for _, c := range r.s.comms {
		if c.Status != model.CommunicationPending {
			continue
		}
		if c.LockedUntil != nil && c.LockedUntil.After(now) {
			continue
		}
		due = append(due, c)
	}
	sortComms(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	until := now.Add(lease)
	out := make([]*model.Communication, 0, len(due))
	for _, c := range due {
		c.LockedUntil = &until
		c.Attempts++
		out = append(out, c.Clone())
	}
	return out, nil
}

func (r *communicationRepository) UpdateStatus(ctx context.Context, u model.StatusUpdate) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure(); err != nil {
		return false, err
	}
	c, ok := r.s.comms[u.CommunicationID]
	if !ok {
		return false, repository.ErrNotFound
	}
	prev := c.Status
	if !prev.CanAdvanceTo(u.Status) {
		return false, nil
	}
	u.Apply(c)
	if model.CountsAsSent(prev, c.Status) {
		if owner, ok := r.s.cases[c.CaseID]; ok {
			if c.Method == model.DeliverySMS {
				owner.SMSSent++
			} else {
				owner.EmailsSent++
			}
		}
	}
	return true, nil
}

type planRepository struct{ s *Store }

func (r *planRepository) Get(ctx context.Context, planName string) (*model.DunningConfig, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cfg, ok := r.s.plans[planName]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cfg.Clone()
	return &out, nil
}

func (r *planRepository) List(ctx context.Context) ([]*model.DunningConfig, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*model.DunningConfig, 0, len(r.s.plans))
	for _, cfg := range r.s.plans {
		cp := cfg.Clone()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanName < out[j].PlanName })
	return out, nil
}

func (r *planRepository) Upsert(ctx context.Context, cfg *model.DunningConfig) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure(); err != nil {
		return err
	}
	next := cfg.Clone()
	if existing, ok := r.s.plans[cfg.PlanName]; ok {
		next.CreatedAt = existing.CreatedAt
	}
	r.s.plans[cfg.PlanName] = &next
	return nil
}

type organizationRepository struct{ s *Store }

func (r *organizationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Organization, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	org, ok := r.s.orgs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (r *organizationRepository) SetStatus(ctx context.Context, id uuid.UUID, status model.OrganizationStatus, reason *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.takeFailure(); err != nil {
		return err
	}
	now := r.s.clock.Now()
	org, ok := r.s.orgs[id]
	if !ok {
		org = &model.Organization{ID: id, CreatedAt: now}
		r.s.orgs[id] = org
	}
	org.Status = status
	org.StatusReason = reason
	org.UpdatedAt = now
	return nil
}

type outboxRepository struct{ s *Store }

// putEvents stores events; callers hold s.mu
func (s *Store) putEvents(events []*model.OutboxEvent) {
	now := s.clock.Now()
	for _, e := range events {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		e.UpdatedAt = e.CreatedAt
		e.Status = model.OutboxStatusPending
		cp := *e
		s.outbox[e.ID] = &cp
	}
}

func (r *outboxRepository) Create(ctx context.Context, event *model.OutboxEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.putEvents([]*model.OutboxEvent{event})
	return nil
}

func (r *outboxRepository) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := r.s.clock.Now()
	var due []*model.OutboxEvent
	for _, e := range r.s.outbox {
		if e.Status != model.OutboxStatusPending && e.Status != model.OutboxStatusRetry {
			continue
		}
		if e.RetryAt != nil && e.RetryAt.After(now) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	until := now.Add(lease)
	out := make([]*model.OutboxEvent, 0, len(due))
	for _, e := range due {
		e.RetryAt = &until
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (r *outboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.outbox[id]
	if !ok {
		return repository.ErrNotFound
	}
	now := r.s.clock.Now()
	e.Status = model.OutboxStatusProcessed
	e.ErrorMessage = nil
	e.ProcessedAt = &now
	e.UpdatedAt = now
	return nil
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, retryAt *time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.outbox[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Status = model.OutboxStatusFailed
	if retryAt != nil {
		e.Status = model.OutboxStatusRetry
	}
	e.ErrorMessage = &errMsg
	e.RetryAt = retryAt
	e.RetryCount++
	e.UpdatedAt = r.s.clock.Now()
	return nil
}

func (r *outboxRepository) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, e := range r.s.outbox {
		if e.Status == model.OutboxStatusProcessed && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			delete(r.s.outbox, id)
			n++
		}
	}
	return n, nil
}
