package webhook

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	stripegw "github.com/jwalitptl/dunning-engine/internal/gateway/stripe"
	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository/memory"
	"github.com/jwalitptl/dunning-engine/internal/service/dunning"
	"github.com/jwalitptl/dunning-engine/internal/service/policy"
	"github.com/jwalitptl/dunning-engine/pkg/clock"
	apperrors "github.com/jwalitptl/dunning-engine/pkg/errors"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
	"github.com/jwalitptl/dunning-engine/pkg/metrics"
	"github.com/jwalitptl/dunning-engine/pkg/validator"
)

const secret = "whsec_ingest"

type fixture struct {
	ingestor *Service
	cases    *dunning.Service
	store    *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	repos := store.Repositories()
	log := logger.NewNop()
	m := metrics.NewForTest()

	policies, err := policy.NewService(repos.Plans, model.DefaultDunningConfig(), time.Minute, validator.New(), clk, log)
	require.NoError(t, err)
	cases := dunning.NewService(repos, policies, nil, nil, dunning.DefaultConfig(), clk, log, m)
	ingestor := NewService(stripegw.NewVerifier(secret, 0), memory.NewProcessedEventStore(time.Hour), cases, time.Hour, log, m)
	return &fixture{ingestor: ingestor, cases: cases, store: store}
}

func invoiceEvent(eventID, eventType string, org uuid.UUID) string {
	return fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"type": %q,
		"data": {"object": {
			"id": "I1",
			"object": "invoice",
			"subscription": "S1",
			"amount_due": 4900,
			"currency": "usd",
			"customer_email": "billing@acme.test",
			"metadata": {"organization_id": %q, "plan": "basic"}
		}}
	}`, eventID, eventType, org)
}

func (f *fixture) deliver(t *testing.T, payload string) (*Result, error) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: []byte(payload), Secret: secret})
	return f.ingestor.Ingest(context.Background(), []byte(payload), signed.Header)
}

func (f *fixture) caseCount(t *testing.T) int {
	t.Helper()
	_, total, err := f.cases.ListCases(context.Background(), model.CaseFilter{})
	require.NoError(t, err)
	return total
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	payload := invoiceEvent("evt_1", model.GatewayEventPaymentFailed, uuid.New())

	first, err := f.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, first.Result)
	require.NotNil(t, first.CaseID)

	second, err := f.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, second.Result)

	assert.Equal(t, 1, f.caseCount(t))
	comms, err := f.cases.ListCommunications(context.Background(), *first.CaseID)
	require.NoError(t, err)
	assert.Empty(t, comms)
	assert.Len(t, f.store.OutboxEvents(), 1)
}

func TestPaidEventRecoversCase(t *testing.T) {
	f := newFixture(t)
	org := uuid.New()
	failed, err := f.deliver(t, invoiceEvent("evt_1", model.GatewayEventPaymentFailed, org))
	require.NoError(t, err)

	res, err := f.deliver(t, invoiceEvent("evt_2", model.GatewayEventInvoicePaid, org))
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, res.Result)

	c, err := f.cases.GetCase(context.Background(), *failed.CaseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStateRecovered, c.State)

	// nothing open any more
	res, err = f.deliver(t, invoiceEvent("evt_3", model.GatewayEventPaymentSucceeded, org))
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, res.Result)
}

func TestInvalidSignatureCreatesNothing(t *testing.T) {
	f := newFixture(t)
	payload := invoiceEvent("evt_1", model.GatewayEventPaymentFailed, uuid.New())

	_, err := f.ingestor.Ingest(context.Background(), []byte(payload), "t=123,v1=bogus")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrAuthentication))

	_, err = f.ingestor.Ingest(context.Background(), []byte(payload), "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrAuthentication))
	assert.Equal(t, 0, f.caseCount(t))
}

func TestFailedDeliveryCanBeRedelivered(t *testing.T) {
	f := newFixture(t)
	payload := invoiceEvent("evt_1", model.GatewayEventPaymentFailed, uuid.New())

	f.store.FailNextWrite(errors.New("connection reset"))
	_, err := f.deliver(t, payload)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrDependency))
	assert.Equal(t, 0, f.caseCount(t))

	res, err := f.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, res.Result)
	assert.Equal(t, 1, f.caseCount(t))
}

func TestMalformedEventIsRejectedOnce(t *testing.T) {
	f := newFixture(t)
	payload := invoiceEvent("evt_1", model.GatewayEventPaymentFailed, uuid.Nil)

	res, err := f.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, ResultRejected, res.Result)

	res, err = f.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res.Result)
	assert.Equal(t, 0, f.caseCount(t))
}

func TestUnhandledEventIgnored(t *testing.T) {
	f := newFixture(t)
	payload := `{"id":"evt_9","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1","object":"charge"}}}`

	res, err := f.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, res.Result)
}

func TestLateDeliveryKeepsGatewayFailureTime(t *testing.T) {
	f := newFixture(t)
	// the gateway created the event two days before this delivery
	created := time.Date(2026, 2, 27, 9, 0, 0, 0, time.UTC)
	payload := fmt.Sprintf(`{
		"id": "evt_late",
		"object": "event",
		"type": %q,
		"created": %d,
		"data": {"object": {
			"id": "I1",
			"object": "invoice",
			"subscription": "S1",
			"amount_due": 4900,
			"currency": "usd",
			"metadata": {"organization_id": %q, "plan": "basic"}
		}}
	}`, model.GatewayEventPaymentFailed, created.Unix(), uuid.New())

	res, err := f.deliver(t, payload)
	require.NoError(t, err)
	require.NotNil(t, res.CaseID)

	c, err := f.cases.GetCase(context.Background(), *res.CaseID)
	require.NoError(t, err)
	assert.Equal(t, created, c.PaymentFailedAt)
	assert.Equal(t, created.AddDate(0, 0, 3), c.GracePeriodEndsAt)
	require.NotNil(t, c.NextRetryAt)
	assert.Equal(t, created.AddDate(0, 0, 1), *c.NextRetryAt)
}
