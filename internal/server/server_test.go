package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/subtrack/internal/authorization"
	billingeventdomain "github.com/smallbiznis/subtrack/internal/billingevent/domain"
	"github.com/smallbiznis/subtrack/internal/config"
	"github.com/smallbiznis/subtrack/internal/limits"
	"github.com/smallbiznis/subtrack/internal/plan"
	subscriptiondomain "github.com/smallbiznis/subtrack/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBillingEventSvc struct {
	ingestErr error
	retried   []snowflake.ID
	retryErr  error
}

func (f *fakeBillingEventSvc) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	return f.ingestErr
}

func (f *fakeBillingEventSvc) ReprocessFailed(ctx context.Context, id snowflake.ID) error {
	if f.retryErr != nil {
		return f.retryErr
	}
	f.retried = append(f.retried, id)
	return nil
}

func (f *fakeBillingEventSvc) ListFailed(ctx context.Context, req billingeventdomain.ListFailedEventsRequest) (billingeventdomain.ListFailedEventsResponse, error) {
	return billingeventdomain.ListFailedEventsResponse{}, nil
}

type fakeSubscriptionSvc struct {
	subs    map[snowflake.ID]subscriptiondomain.Subscription
	current subscriptiondomain.Subscription
}

func (f *fakeSubscriptionSvc) Apply(ctx context.Context, event *billingeventdomain.BillingEvent) error {
	return nil
}

func (f *fakeSubscriptionSvc) Transition(ctx context.Context, id snowflake.ID, target subscriptiondomain.Status, reason subscriptiondomain.TransitionReason) error {
	return nil
}

func (f *fakeSubscriptionSvc) GetByID(ctx context.Context, id snowflake.ID) (subscriptiondomain.Subscription, error) {
	sub, ok := f.subs[id]
	if !ok {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (f *fakeSubscriptionSvc) GetByExternalID(ctx context.Context, externalID string) (subscriptiondomain.Subscription, error) {
	return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
}

func (f *fakeSubscriptionSvc) GetCurrentByTenantID(ctx context.Context, tenantID snowflake.ID) (subscriptiondomain.Subscription, error) {
	if f.current.ID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return f.current, nil
}

func (f *fakeSubscriptionSvc) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	return subscriptiondomain.ListSubscriptionResponse{}, nil
}

func (f *fakeSubscriptionSvc) InGraceWindow(ctx context.Context, afterID snowflake.ID, limit int) ([]subscriptiondomain.Subscription, error) {
	return nil, nil
}

func (f *fakeSubscriptionSvc) DueForGrace(ctx context.Context, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return nil, nil
}

func (f *fakeSubscriptionSvc) DueForExpiry(ctx context.Context, cutoff time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return nil, nil
}

type fakeAuthz struct {
	deny       bool
	superAdmin bool
}

func (f *fakeAuthz) Authorize(ctx context.Context, actor, tenantID, object, action string) error {
	if f.deny {
		return authorization.ErrForbidden
	}
	return nil
}

func (f *fakeAuthz) IsSuperAdmin(ctx context.Context, actor, tenantID string) bool {
	return f.superAdmin
}

type fakePlanResolver struct {
	resolved plan.Resolved
	err      error
}

func (f *fakePlanResolver) Resolve(ctx context.Context, tenantID snowflake.ID) (plan.Resolved, error) {
	if f.err != nil {
		return plan.Resolved{}, f.err
	}
	return f.resolved, nil
}

type fakeUsageSource struct {
	counts map[string]int64
}

func (f *fakeUsageSource) Count(ctx context.Context, tenantID snowflake.ID, feature string) (int64, error) {
	return f.counts[feature], nil
}

func (f *fakeUsageSource) Snapshot(ctx context.Context, tenantID snowflake.ID) (map[string]int64, error) {
	return f.counts, nil
}

type serverFixture struct {
	server  *Server
	billing *fakeBillingEventSvc
	subs    *fakeSubscriptionSvc
	authz   *fakeAuthz
	plans   *fakePlanResolver
}

func newTestServer(t *testing.T, billingCfg config.BillingConfig) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	holder, err := config.NewStaticBillingConfigHolder(billingCfg)
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	billing := &fakeBillingEventSvc{}
	subs := &fakeSubscriptionSvc{subs: map[snowflake.ID]subscriptiondomain.Subscription{}}
	authz := &fakeAuthz{}
	plans := &fakePlanResolver{resolved: plan.Resolved{
		Code:     "pro",
		Features: []string{"core"},
	}}
	usage := &fakeUsageSource{counts: map[string]int64{}}

	enforcer := limits.NewEnforcer(limits.EnforcerParam{
		Log:    zap.NewNop(),
		Holder: holder,
		Plans:  plans,
		Usage:  usage,
	})

	srv := NewServer(ServerParams{
		Gin:             engine,
		Log:             zap.NewNop(),
		Holder:          holder,
		BillingEventSvc: billing,
		SubscriptionSvc: subs,
		UsageSrc:        usage,
		Plans:           plans,
		AuthzSvc:        authz,
		Enforcer:        enforcer,
	})

	return &serverFixture{
		server:  srv,
		billing: billing,
		subs:    subs,
		authz:   authz,
		plans:   plans,
	}
}

func (f *serverFixture) do(method, path, tenant, actor string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if tenant != "" {
		req.Header.Set(HeaderTenant, tenant)
	}
	if actor != "" {
		req.Header.Set(HeaderActor, actor)
	}
	rec := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(rec, req)
	return rec
}

func TestWebhookStatusMapping(t *testing.T) {
	cases := []struct {
		name       string
		ingestErr  error
		wantStatus int
		wantBody   string
	}{
		{name: "processed", ingestErr: nil, wantStatus: http.StatusOK, wantBody: `"status":"ok"`},
		{name: "duplicate", ingestErr: billingeventdomain.ErrEventAlreadyProcessed, wantStatus: http.StatusOK, wantBody: `"status":"duplicate"`},
		{name: "ignored", ingestErr: billingeventdomain.ErrEventIgnored, wantStatus: http.StatusOK, wantBody: `"status":"ignored"`},
		{name: "bad_signature", ingestErr: billingeventdomain.ErrInvalidSignature, wantStatus: http.StatusUnauthorized},
		{name: "bad_payload", ingestErr: billingeventdomain.ErrInvalidPayload, wantStatus: http.StatusBadRequest},
		{name: "unknown_provider", ingestErr: billingeventdomain.ErrInvalidProvider, wantStatus: http.StatusBadRequest},
		{name: "transient_failure", ingestErr: errors.New("connection refused"), wantStatus: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fixture := newTestServer(t, config.DefaultBillingConfig())
			fixture.billing.ingestErr = tc.ingestErr

			rec := fixture.do(http.MethodPost, "/webhooks/billing/standard", "", "", `{"id":"evt_1"}`)

			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestTenantContextRejectsMalformedTenant(t *testing.T) {
	fixture := newTestServer(t, config.DefaultBillingConfig())

	rec := fixture.do(http.MethodGet, "/v1/subscriptions", "not-a-number", "user:1", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSubscriptionsRequiresActor(t *testing.T) {
	fixture := newTestServer(t, config.DefaultBillingConfig())

	rec := fixture.do(http.MethodGet, "/v1/subscriptions", "1001", "", "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListSubscriptionsAllowed(t *testing.T) {
	fixture := newTestServer(t, config.DefaultBillingConfig())

	rec := fixture.do(http.MethodGet, "/v1/subscriptions", "1001", "user:1", "")

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetSubscriptionFromAnotherTenantIsNotFound(t *testing.T) {
	fixture := newTestServer(t, config.DefaultBillingConfig())
	fixture.subs.subs[42] = subscriptiondomain.Subscription{
		ID:       42,
		TenantID: 9999,
		Status:   subscriptiondomain.StatusActive,
	}

	rec := fixture.do(http.MethodGet, "/v1/subscriptions/42", "1001", "user:1", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryFailedEventForbiddenForUnprivilegedActor(t *testing.T) {
	fixture := newTestServer(t, config.DefaultBillingConfig())
	fixture.authz.deny = true

	rec := fixture.do(http.MethodPost, "/v1/billing-events/failed/77/retry", "1001", "user:1", "")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, fixture.billing.retried)
}

func TestEnforcePlanLimitsDeniesWithoutActivePlan(t *testing.T) {
	billingCfg := config.DefaultBillingConfig()
	billingCfg.Limits.FeatureRoutes = []config.FeatureRouteConfig{
		{Pattern: "/v1/billing-events/*", Feature: "billing_events"},
	}
	fixture := newTestServer(t, billingCfg)
	fixture.plans.err = plan.ErrNoActivePlan

	rec := fixture.do(http.MethodPost, "/v1/billing-events/failed/77/retry", "1001", "user:1", "")

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reason":"no_active_plan"`)
	assert.Contains(t, rec.Body.String(), `"upgrade_url":"/billing/upgrade"`)
}

func TestEnforcePlanLimitsDeniesMissingFeature(t *testing.T) {
	billingCfg := config.DefaultBillingConfig()
	billingCfg.Limits.FeatureRoutes = []config.FeatureRouteConfig{
		{Pattern: "/v1/billing-events/*", Feature: "billing_events"},
	}
	fixture := newTestServer(t, billingCfg)

	rec := fixture.do(http.MethodPost, "/v1/billing-events/failed/77/retry", "1001", "user:1", "")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reason":"feature_not_included"`)
}
