package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository"
	"github.com/jwalitptl/dunning-engine/internal/repository/memory"
	"github.com/jwalitptl/dunning-engine/internal/service/dunning"
	"github.com/jwalitptl/dunning-engine/internal/service/policy"
	"github.com/jwalitptl/dunning-engine/pkg/clock"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
	"github.com/jwalitptl/dunning-engine/pkg/metrics"
	"github.com/jwalitptl/dunning-engine/pkg/retry"
	"github.com/jwalitptl/dunning-engine/pkg/validator"
)

type fakeMailer struct {
	mu       sync.Mutex
	failures int
	sent     []string
}

func (f *fakeMailer) Send(ctx context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("421 service not available")
	}
	f.sent = append(f.sent, to)
	return nil
}

type published struct {
	exchange, key string
	body          []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.msgs = append(p.msgs, published{exchange: exchange, key: routingKey, body: raw})
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type fixture struct {
	dispatcher *Service
	cases      *dunning.Service
	repos      *repository.Repositories
	clk        *clock.Mock
	mail       *fakeMailer
	sms        *fakePublisher
}

func newFixture(t *testing.T, mailFailures, retries int) *fixture {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	repos := store.Repositories()
	log := logger.NewNop()
	m := metrics.NewForTest()

	plan := model.DefaultDunningConfig()
	plan.PlanName = "basic"
	plan.SMSEnabled = true
	require.NoError(t, repos.Plans.Upsert(context.Background(), &plan))

	policies, err := policy.NewService(repos.Plans, model.DefaultDunningConfig(), time.Minute, validator.New(), clk, log)
	require.NoError(t, err)
	cases := dunning.NewService(repos, policies, nil, nil, dunning.DefaultConfig(), clk, log, m)

	mail := &fakeMailer{failures: mailFailures}
	sms := &fakePublisher{}
	d := NewService(repos.Communications, cases, mail, sms, Config{
		BatchSize: 10,
		Lease:     time.Minute,
		Retry:     retry.Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxRetries: retries},
	}, clk, log, m)
	return &fixture{dispatcher: d, cases: cases, repos: repos, clk: clk, mail: mail, sms: sms}
}

func (f *fixture) queue(t *testing.T) (*model.DunningCase, []uuid.UUID) {
	t.Helper()
	email, phone := "billing@acme.test", "+15550100"
	c, _, err := f.cases.CreateCase(context.Background(), model.CreateCaseRequest{
		OrganizationID: uuid.New(),
		SubscriptionID: "S1",
		InvoiceID:      "I1",
		PlanName:       "basic",
		Amount:         decimal.RequireFromString("49.00"),
		Currency:       "USD",
		CustomerEmail:  &email,
		CustomerPhone:  &phone,
	})
	require.NoError(t, err)
	ids, err := f.cases.QueueNotification(context.Background(), c.ID, model.CommunicationRetryReminder)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	return c, ids
}

func TestDispatchSendsEveryChannel(t *testing.T) {
	f := newFixture(t, 0, 2)
	c, _ := f.queue(t)

	stats, err := f.dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &DispatchStats{Claimed: 2, Sent: 2}, stats)

	assert.Equal(t, []string{"billing@acme.test"}, f.mail.sent)
	require.Len(t, f.sms.msgs, 1)
	assert.Equal(t, "notifications", f.sms.msgs[0].exchange)
	assert.Equal(t, "sms.send", f.sms.msgs[0].key)
	var msg SMSMessage
	require.NoError(t, json.Unmarshal(f.sms.msgs[0].body, &msg))
	assert.Equal(t, "+15550100", msg.To)
	assert.Equal(t, c.ID, msg.CaseID)

	got, err := f.cases.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EmailsSent)
	assert.Equal(t, 1, got.SMSSent)

	// everything is sent, nothing left to claim
	stats, err = f.dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed)
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, 2, 3)
	c, _ := f.queue(t)

	stats, err := f.dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Sent)

	got, err := f.cases.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EmailsSent)
}

func TestDispatchMarksExhaustedSendFailed(t *testing.T) {
	f := newFixture(t, 100, 1)
	c, _ := f.queue(t)

	stats, err := f.dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 1, stats.Failed)

	comms, err := f.cases.ListCommunications(context.Background(), c.ID)
	require.NoError(t, err)
	for _, comm := range comms {
		if comm.Method == model.DeliveryEmail {
			assert.Equal(t, model.CommunicationFailed, comm.Status)
			require.NotNil(t, comm.FailureReason)
			assert.Contains(t, *comm.FailureReason, "421")
		} else {
			assert.Equal(t, model.CommunicationSent, comm.Status)
		}
	}

	got, err := f.cases.GetCase(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.EmailsSent)
	assert.Equal(t, 1, got.SMSSent)
}

func TestClaimedRowsAreLeased(t *testing.T) {
	f := newFixture(t, 0, 0)
	f.queue(t)

	claimed, err := f.repos.Communications.ClaimPending(context.Background(), f.clk.Now(), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	stats, err := f.dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed)

	f.clk.Advance(2 * time.Minute)
	stats, err = f.dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Claimed)
}
