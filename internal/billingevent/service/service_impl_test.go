package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingeventdomain "github.com/smallbiznis/subtrack/internal/billingevent/domain"
	billingeventrepo "github.com/smallbiznis/subtrack/internal/billingevent/repository"
	"github.com/smallbiznis/subtrack/internal/clock"
	"github.com/smallbiznis/subtrack/internal/config"
	"github.com/smallbiznis/subtrack/internal/providers/billing"
	"github.com/smallbiznis/subtrack/internal/providers/billing/standard"
	subscriptiondomain "github.com/smallbiznis/subtrack/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/subtrack/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/subtrack/internal/subscription/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	// SQLite support hack: remove FOR UPDATE clauses
	stripLocking := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripLocking)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripLocking)

	db.Exec(`CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		external_id TEXT NOT NULL,
		plan_code TEXT NOT NULL,
		status TEXT NOT NULL,
		trial_ends_at TIMESTAMP,
		current_period_end TIMESTAMP,
		ends_at TIMESTAMP,
		canceled_at TIMESTAMP,
		last_event_at TIMESTAMP,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_external_id ON subscriptions(external_id)")

	db.Exec(`CREATE TABLE IF NOT EXISTS webhook_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		tenant_id BIGINT,
		payload TEXT,
		processed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_events_provider_event ON webhook_events(provider, event_id)")

	db.Exec(`CREATE TABLE IF NOT EXISTS failed_webhook_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT,
		tenant_id BIGINT,
		error TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		payload TEXT,
		resolved_at TIMESTAMP,
		last_attempt_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_failed_webhook_events_provider_event ON failed_webhook_events(provider, event_id)")

	return db
}

type testEnv struct {
	db     *gorm.DB
	clk    *clock.FakeClock
	svc    billingeventdomain.Service
	subsvc subscriptiondomain.Service
	repo   billingeventdomain.Repository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	subsvc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  subscriptionrepo.Provide(),
	})

	repo := billingeventrepo.Provide()
	svc := NewService(ServiceParam{
		DB:  db,
		Log: zap.NewNop(),
		Cfg: config.Config{
			WebhookSecrets: map[string]string{"standard": testSecret},
		},
		GenID:    node,
		Clock:    clk,
		Registry: billing.NewRegistry(standard.NewFactory()),
		Repo:     repo,
		Subsvc:   subsvc,
		Metrics:  nil,
	})

	return &testEnv{db: db, clk: clk, svc: svc, subsvc: subsvc, repo: repo}
}

func sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func signedHeaders(payload []byte) http.Header {
	headers := http.Header{}
	headers.Set("X-Billing-Signature", sign(payload))
	return headers
}

func webhookPayload(eventID, eventType, subscriptionID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": %q,
		"occurred_at": 1735689600,
		"data": {
			"tenant_id": "1234567890123456789",
			"subscription_id": %q,
			"plan_code": "pro",
			"current_period_end": 1738368000
		}
	}`, eventID, eventType, subscriptionID))
}

func TestIngestProcessesCreatedEvent(t *testing.T) {
	env := newTestEnv(t)

	payload := webhookPayload("evt_1", "subscription.created", "sub_1")
	err := env.svc.Ingest(context.Background(), "standard", payload, signedHeaders(payload))
	require.NoError(t, err)

	sub, err := env.subsvc.GetByExternalID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)

	event, err := env.repo.FindEvent(context.Background(), env.db, "standard", "evt_1")
	require.NoError(t, err)
	assert.NotNil(t, event.ProcessedAt)
}

func TestIngestRejectsUnknownProvider(t *testing.T) {
	env := newTestEnv(t)

	payload := webhookPayload("evt_1", "subscription.created", "sub_1")
	err := env.svc.Ingest(context.Background(), "nope", payload, signedHeaders(payload))
	assert.ErrorIs(t, err, billingeventdomain.ErrInvalidProvider)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)

	payload := webhookPayload("evt_1", "subscription.created", "sub_1")
	headers := http.Header{}
	headers.Set("X-Billing-Signature", "deadbeef")

	err := env.svc.Ingest(context.Background(), "standard", payload, headers)
	assert.ErrorIs(t, err, billingeventdomain.ErrInvalidSignature)

	// Rejected deliveries never reach the ledger.
	_, err = env.repo.FindEvent(context.Background(), env.db, "standard", "evt_1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestIngestDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)

	payload := webhookPayload("evt_1", "subscription.created", "sub_1")
	require.NoError(t, env.svc.Ingest(context.Background(), "standard", payload, signedHeaders(payload)))

	err := env.svc.Ingest(context.Background(), "standard", payload, signedHeaders(payload))
	assert.ErrorIs(t, err, billingeventdomain.ErrEventAlreadyProcessed)

	// The replay left exactly one subscription behind.
	var count int64
	env.db.Raw(`SELECT COUNT(1) FROM subscriptions WHERE external_id = ?`, "sub_1").Scan(&count)
	assert.Equal(t, int64(1), count)
}

func TestIngestIgnoresUnknownEventType(t *testing.T) {
	env := newTestEnv(t)

	payload := webhookPayload("evt_1", "customer.updated", "sub_1")
	err := env.svc.Ingest(context.Background(), "standard", payload, signedHeaders(payload))
	assert.ErrorIs(t, err, billingeventdomain.ErrEventIgnored)
}

func TestIngestAbsorbsStateMachineRejection(t *testing.T) {
	env := newTestEnv(t)

	// Payment event for a subscription that was never created.
	payload := webhookPayload("evt_orphan", "invoice.payment_succeeded", "sub_missing")
	err := env.svc.Ingest(context.Background(), "standard", payload, signedHeaders(payload))
	require.NoError(t, err)

	resp, err := env.svc.ListFailed(context.Background(), billingeventdomain.ListFailedEventsRequest{Unresolved: true})
	require.NoError(t, err)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "evt_orphan", resp.Events[0].EventID)
	assert.Equal(t, 1, resp.Events[0].Attempts)

	// Redelivery of the same event is a duplicate, not a second failure.
	err = env.svc.Ingest(context.Background(), "standard", payload, signedHeaders(payload))
	assert.ErrorIs(t, err, billingeventdomain.ErrEventAlreadyProcessed)
}

func TestIngestAbsorbsUnparseablePayloadWithEventID(t *testing.T) {
	env := newTestEnv(t)

	// Signed, carries an event id, but names no subscription.
	payload := []byte(`{
		"id": "evt_noparse",
		"type": "subscription.created",
		"occurred_at": 1735689600,
		"data": {"tenant_id": "1234567890123456789"}
	}`)
	err := env.svc.Ingest(context.Background(), "standard", payload, signedHeaders(payload))
	require.NoError(t, err)

	resp, err := env.svc.ListFailed(context.Background(), billingeventdomain.ListFailedEventsRequest{Unresolved: true})
	require.NoError(t, err)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "evt_noparse", resp.Events[0].EventID)

	// No dedup row exists; a corrected redelivery can still go through.
	_, err = env.repo.FindEvent(context.Background(), env.db, "standard", "evt_noparse")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestIngestRejectsPayloadWithoutEventID(t *testing.T) {
	env := newTestEnv(t)

	payload := []byte(`{"type": "subscription.created"}`)
	err := env.svc.Ingest(context.Background(), "standard", payload, signedHeaders(payload))
	assert.ErrorIs(t, err, billingeventdomain.ErrInvalidPayload)

	resp, err := env.svc.ListFailed(context.Background(), billingeventdomain.ListFailedEventsRequest{Unresolved: true})
	require.NoError(t, err)
	assert.Len(t, resp.Events, 0)
}

func TestReprocessFailedSucceedsAfterSubscriptionExists(t *testing.T) {
	env := newTestEnv(t)

	orphan := webhookPayload("evt_orphan", "invoice.payment_succeeded", "sub_1")
	require.NoError(t, env.svc.Ingest(context.Background(), "standard", orphan, signedHeaders(orphan)))

	resp, err := env.svc.ListFailed(context.Background(), billingeventdomain.ListFailedEventsRequest{Unresolved: true})
	require.NoError(t, err)
	require.Len(t, resp.Events, 1)
	failedID := resp.Events[0].ID

	// The missing create arrives out of order.
	created := webhookPayload("evt_create", "subscription.created", "sub_1")
	require.NoError(t, env.svc.Ingest(context.Background(), "standard", created, signedHeaders(created)))

	require.NoError(t, env.svc.ReprocessFailed(context.Background(), failedID))

	resp, err = env.svc.ListFailed(context.Background(), billingeventdomain.ListFailedEventsRequest{Unresolved: true})
	require.NoError(t, err)
	assert.Len(t, resp.Events, 0)
}

func TestReprocessFailedIncrementsAttemptsOnRepeatFailure(t *testing.T) {
	env := newTestEnv(t)

	orphan := webhookPayload("evt_orphan", "invoice.payment_succeeded", "sub_missing")
	require.NoError(t, env.svc.Ingest(context.Background(), "standard", orphan, signedHeaders(orphan)))

	resp, err := env.svc.ListFailed(context.Background(), billingeventdomain.ListFailedEventsRequest{Unresolved: true})
	require.NoError(t, err)
	require.Len(t, resp.Events, 1)
	failedID := resp.Events[0].ID

	err = env.svc.ReprocessFailed(context.Background(), failedID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	resp, err = env.svc.ListFailed(context.Background(), billingeventdomain.ListFailedEventsRequest{Unresolved: true})
	require.NoError(t, err)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, 2, resp.Events[0].Attempts)
}

func TestReprocessFailedUnknownID(t *testing.T) {
	env := newTestEnv(t)

	err := env.svc.ReprocessFailed(context.Background(), snowflake.ID(42))
	assert.ErrorIs(t, err, billingeventdomain.ErrFailedEventNotFound)
}

func TestInsertEventExactlyOnce(t *testing.T) {
	env := newTestEnv(t)

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	now := time.Now().UTC()
	winners := 0
	for i := 0; i < 5; i++ {
		inserted, err := env.repo.InsertEvent(context.Background(), env.db, &billingeventdomain.WebhookEvent{
			ID:        node.Generate(),
			Provider:  "standard",
			EventID:   "evt_race",
			EventType: "subscription.created",
			CreatedAt: now,
			UpdatedAt: now,
		})
		require.NoError(t, err)
		if inserted {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}
