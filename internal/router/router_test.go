package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/dunning-engine/internal/handler/cases"
	"github.com/jwalitptl/dunning-engine/internal/handler/dashboard"
	"github.com/jwalitptl/dunning-engine/internal/handler/health"
	notificationh "github.com/jwalitptl/dunning-engine/internal/handler/notification"
	"github.com/jwalitptl/dunning-engine/internal/handler/organization"
	"github.com/jwalitptl/dunning-engine/internal/handler/plans"
	schedulerh "github.com/jwalitptl/dunning-engine/internal/handler/scheduler"
	webhookh "github.com/jwalitptl/dunning-engine/internal/handler/webhook"
	"github.com/jwalitptl/dunning-engine/internal/middleware"
	"github.com/jwalitptl/dunning-engine/internal/model"
	"github.com/jwalitptl/dunning-engine/internal/repository/memory"
	"github.com/jwalitptl/dunning-engine/internal/service/access"
	"github.com/jwalitptl/dunning-engine/internal/service/dunning"
	"github.com/jwalitptl/dunning-engine/internal/service/event"
	"github.com/jwalitptl/dunning-engine/internal/service/policy"
	"github.com/jwalitptl/dunning-engine/internal/service/webhook"
	"github.com/jwalitptl/dunning-engine/internal/worker"
	stripegw "github.com/jwalitptl/dunning-engine/internal/gateway/stripe"
	"github.com/jwalitptl/dunning-engine/pkg/auth"
	"github.com/jwalitptl/dunning-engine/pkg/clock"
	"github.com/jwalitptl/dunning-engine/pkg/logger"
	"github.com/jwalitptl/dunning-engine/pkg/metrics"
	"github.com/jwalitptl/dunning-engine/pkg/retry"
	"github.com/jwalitptl/dunning-engine/pkg/security"
	"github.com/jwalitptl/dunning-engine/pkg/validator"
)

const serviceKey = "internal-service-key"

var failedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type decliningGateway struct{}

func (decliningGateway) Charge(ctx context.Context, req dunning.ChargeRequest) (*dunning.ChargeResult, error) {
	return &dunning.ChargeResult{Outcome: dunning.ChargeFailed, Reference: "pi_" + req.IdempotencyKey, FailureCode: "card_declined"}, nil
}

func (decliningGateway) Status(ctx context.Context, invoiceID, reference string) (*dunning.ChargeResult, error) {
	return &dunning.ChargeResult{Outcome: dunning.ChargePending}, nil
}

// apiResponse mirrors the response envelope
type apiResponse struct {
	Code   int
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r apiResponse) into(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Data, v))
}

type testAPI struct {
	server   *httptest.Server
	clock    *clock.Mock
	operator string
	admin    string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewMock(failedAt)
	store := memory.NewStore(clk)
	repos := store.Repositories()
	log := logger.NewNop()
	m := metrics.NewForTest()

	policies, err := policy.NewService(repos.Plans, model.DefaultDunningConfig(), time.Minute, validator.New(), clk, log)
	require.NoError(t, err)
	events := event.NewEventService(repos.Outbox, clk, log)
	acc := access.NewService(repos.Organizations, events, access.Config{
		Retry: retry.Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1, MaxRetries: 1},
	}, clk, log, m)
	caseService := dunning.NewService(repos, policies, decliningGateway{}, acc, dunning.DefaultConfig(), clk, log, m)
	ingestor := webhook.NewService(stripegw.NewVerifier("whsec_test", 0), memory.NewProcessedEventStore(time.Hour), caseService, time.Hour, log, m)
	sweeper := worker.NewSweeper(caseService, nil, worker.SweepConfig{BatchSize: 10, Workers: 1}, log, m)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tokens := auth.NewTokenManager("router-test-secret", "dunning-engine", time.Hour)
	hasher := security.NewBcryptHasher(4)
	keyHash, err := hasher.Hash(serviceKey)
	require.NoError(t, err)

	r := NewRouter(middleware.NewAuthMiddleware(tokens), hasher, Handlers{
		Health:        health.NewHandler(nil),
		Webhooks:      webhookh.NewHandler(ingestor),
		Cases:         cases.NewHandler(caseService),
		Dashboard:     dashboard.NewHandler(caseService),
		Organizations: organization.NewHandler(caseService),
		Plans:         plans.NewHandler(policies),
		Notifications: notificationh.NewHandler(caseService),
		Scheduler:     schedulerh.NewHandler(ctx, sweeper, log),
	}, RouterConfig{
		CORS:           middleware.DefaultCORSConfig(),
		Security:       middleware.DefaultSecurityConfig(),
		SizeLimit:      middleware.DefaultSizeLimitConfig(),
		RequestTimeout: 5 * time.Second,
		RateLimit:      &middleware.RateLimiterConfig{Rate: 100, Burst: 100},
		ServiceKeyHash: keyHash,
	}, log, m)
	r.Setup()

	server := httptest.NewServer(r.Engine())
	t.Cleanup(server.Close)

	operator, err := tokens.Issue("ops@example.com", auth.RoleOperator)
	require.NoError(t, err)
	admin, err := tokens.Issue("admin@example.com", auth.RoleAdmin)
	require.NoError(t, err)

	return &testAPI{server: server, clock: clk, operator: operator, admin: admin}
}

// makeRequest sends body as JSON; headers alternate name, value
func (a *testAPI) makeRequest(t *testing.T, method, path string, body interface{}, headers ...string) apiResponse {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.server.URL+"/api/v1"+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := a.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := apiResponse{Code: resp.StatusCode}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return out
}

func bearer(token string) []string {
	return []string{"Authorization", "Bearer " + token}
}

func createCaseBody(org uuid.UUID) map[string]interface{} {
	return map[string]interface{}{
		"organization_id": org,
		"subscription_id": "sub_1",
		"invoice_id":      "in_1",
		"plan_name":       "basic",
		"amount":          "49.00",
		"currency":        "usd",
		"customer_email":  "billing@acme.test",
		"failed_at":       failedAt,
	}
}

func TestHealthIsPublic(t *testing.T) {
	api := newTestAPI(t)

	resp := api.makeRequest(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	resp = api.makeRequest(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestCaseFlow(t *testing.T) {
	api := newTestAPI(t)
	org := uuid.New()

	resp := api.makeRequest(t, http.MethodPost, "/cases", createCaseBody(org))
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = api.makeRequest(t, http.MethodPost, "/cases", createCaseBody(org), bearer(api.operator)...)
	require.Equal(t, http.StatusCreated, resp.Code)
	var created struct {
		Case    model.DunningCase `json:"case"`
		Created bool              `json:"created"`
	}
	resp.into(t, &created)
	assert.True(t, created.Created)
	assert.Equal(t, model.CaseStateActive, created.Case.State)
	caseID := created.Case.ID.String()

	// same invoice again is idempotent
	resp = api.makeRequest(t, http.MethodPost, "/cases", createCaseBody(org), bearer(api.operator)...)
	require.Equal(t, http.StatusOK, resp.Code)
	resp.into(t, &created)
	assert.False(t, created.Created)
	assert.Equal(t, caseID, created.Case.ID.String())

	resp = api.makeRequest(t, http.MethodGet, "/cases?organization_id="+org.String(), nil, bearer(api.operator)...)
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Cases []model.DunningCase `json:"cases"`
		Total int                 `json:"total"`
	}
	resp.into(t, &list)
	assert.Equal(t, 1, list.Total)

	resp = api.makeRequest(t, http.MethodGet, "/cases?state=bogus", nil, bearer(api.operator)...)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = api.makeRequest(t, http.MethodGet, "/cases/not-a-uuid", nil, bearer(api.operator)...)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = api.makeRequest(t, http.MethodGet, "/cases/"+uuid.NewString(), nil, bearer(api.operator)...)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	// first retry falls due one day after the failure
	api.clock.Set(failedAt.AddDate(0, 0, 1))
	resp = api.makeRequest(t, http.MethodPost, "/cases/"+caseID+"/retry", nil, bearer(api.operator)...)
	require.Equal(t, http.StatusOK, resp.Code)
	var retried dunning.RetryResult
	resp.into(t, &retried)
	assert.True(t, retried.Processed)

	resp = api.makeRequest(t, http.MethodGet, "/cases/"+caseID+"/attempts", nil, bearer(api.operator)...)
	require.Equal(t, http.StatusOK, resp.Code)
	var attempts []model.RetryAttempt
	resp.into(t, &attempts)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].AttemptNumber)

	resp = api.makeRequest(t, http.MethodPost, "/cases/"+caseID+"/notifications",
		map[string]string{"type": string(model.CommunicationRetryReminder)}, bearer(api.operator)...)
	require.Equal(t, http.StatusAccepted, resp.Code)
	var queued struct {
		NotificationIDs []uuid.UUID `json:"notification_ids"`
	}
	resp.into(t, &queued)
	require.NotEmpty(t, queued.NotificationIDs)

	// delivery callbacks need the service key, not a bearer token
	callback := map[string]interface{}{
		"communication_id": queued.NotificationIDs[0],
		"status":           model.CommunicationDelivered,
	}
	resp = api.makeRequest(t, http.MethodPost, "/notifications/callbacks", callback, bearer(api.admin)...)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	resp = api.makeRequest(t, http.MethodPost, "/notifications/callbacks", callback, middleware.HeaderServiceKey, serviceKey)
	require.Equal(t, http.StatusOK, resp.Code)
	var applied struct {
		Applied bool `json:"applied"`
	}
	resp.into(t, &applied)
	assert.True(t, applied.Applied)

	resp = api.makeRequest(t, http.MethodPost, "/cases/"+caseID+"/recover", nil, bearer(api.operator)...)
	require.Equal(t, http.StatusOK, resp.Code)
	var recovered dunning.RecoverResult
	resp.into(t, &recovered)
	assert.True(t, recovered.Recovered)
	assert.Equal(t, model.CaseStateRecovered, recovered.State)

	resp = api.makeRequest(t, http.MethodGet, "/dashboard/summary?organization_id="+org.String(), nil, bearer(api.operator)...)
	require.Equal(t, http.StatusOK, resp.Code)
	var summary model.CaseSummary
	resp.into(t, &summary)
	assert.Equal(t, 1, summary.CountsByState[model.CaseStateRecovered])
	assert.Equal(t, 0, summary.OpenCases)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	api := newTestAPI(t)

	body := map[string]interface{}{"grace_period_days": 5}
	resp := api.makeRequest(t, http.MethodPut, "/admin/plans/pro", body, bearer(api.operator)...)
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = api.makeRequest(t, http.MethodPut, "/admin/plans/pro", body, bearer(api.admin)...)
	require.Equal(t, http.StatusOK, resp.Code)
	var cfg model.DunningConfig
	resp.into(t, &cfg)
	assert.Equal(t, "pro", cfg.PlanName)
	assert.Equal(t, 5, cfg.GracePeriodDays)
	assert.Equal(t, "admin@example.com", cfg.UpdatedBy)

	resp = api.makeRequest(t, http.MethodPut, "/admin/plans/pro", map[string]interface{}{"grace_days": 5}, bearer(api.admin)...)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = api.makeRequest(t, http.MethodGet, "/admin/plans/pro", nil, bearer(api.admin)...)
	assert.Equal(t, http.StatusOK, resp.Code)

	org := uuid.New()
	resp = api.makeRequest(t, http.MethodPost, "/cases", createCaseBody(org), bearer(api.operator)...)
	require.Equal(t, http.StatusCreated, resp.Code)
	var created struct {
		Case model.DunningCase `json:"case"`
	}
	resp.into(t, &created)

	path := "/organizations/" + org.String() + "/suspend"
	resp = api.makeRequest(t, http.MethodPost, path, map[string]interface{}{"case_id": created.Case.ID}, bearer(api.operator)...)
	assert.Equal(t, http.StatusForbidden, resp.Code)
	resp = api.makeRequest(t, http.MethodPost, path, map[string]interface{}{}, bearer(api.admin)...)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	resp = api.makeRequest(t, http.MethodPost, path, map[string]interface{}{"case_id": created.Case.ID}, bearer(api.admin)...)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = api.makeRequest(t, http.MethodPost, "/organizations/"+org.String()+"/restore",
		map[string]interface{}{"case_id": created.Case.ID}, bearer(api.admin)...)
	require.Equal(t, http.StatusOK, resp.Code)
	var restored struct {
		Restored bool `json:"restored"`
	}
	resp.into(t, &restored)
	assert.True(t, restored.Restored)
}

func TestWebhookRequiresSignature(t *testing.T) {
	api := newTestAPI(t)

	resp := api.makeRequest(t, http.MethodPost, "/webhooks/stripe", map[string]string{"id": "evt_1"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = api.makeRequest(t, http.MethodPost, "/webhooks/stripe", map[string]string{"id": "evt_1"},
		webhookh.SignatureHeader, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestSchedulerTrigger(t *testing.T) {
	api := newTestAPI(t)

	resp := api.makeRequest(t, http.MethodPost, "/scheduler/sweeps/retries", nil, bearer(api.admin)...)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = api.makeRequest(t, http.MethodPost, "/scheduler/sweeps/everything", nil, middleware.HeaderServiceKey, serviceKey)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = api.makeRequest(t, http.MethodPost, "/scheduler/sweeps/retries", nil, middleware.HeaderServiceKey, serviceKey)
	assert.Equal(t, http.StatusAccepted, resp.Code)
}
