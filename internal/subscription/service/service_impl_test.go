package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingeventdomain "github.com/smallbiznis/subtrack/internal/billingevent/domain"
	"github.com/smallbiznis/subtrack/internal/clock"
	subscriptiondomain "github.com/smallbiznis/subtrack/internal/subscription/domain"
	"github.com/smallbiznis/subtrack/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

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

	return db
}

func newTestService(t *testing.T, db *gorm.DB, clk clock.Clock) subscriptiondomain.Service {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})
}

func createdEvent(tenantID snowflake.ID, externalID, plan string, trial bool, periodEnd *time.Time) *billingeventdomain.BillingEvent {
	return &billingeventdomain.BillingEvent{
		ID:                     "evt_" + externalID,
		Provider:               "standard",
		Type:                   billingeventdomain.EventSubscriptionCreated,
		TenantID:               tenantID,
		SubscriptionExternalID: externalID,
		PlanCode:               plan,
		Trial:                  trial,
		CurrentPeriodEnd:       periodEnd,
	}
}

func eventOfType(base *billingeventdomain.BillingEvent, eventType billingeventdomain.EventType) *billingeventdomain.BillingEvent {
	evt := *base
	evt.Type = eventType
	return &evt
}

func TestApplyCreatesActiveSubscription(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	node, _ := snowflake.NewNode(2)
	tenantID := node.Generate()
	periodEnd := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	err := svc.Apply(context.Background(), createdEvent(tenantID, "sub_1", "pro", false, &periodEnd))
	require.NoError(t, err)

	sub, err := svc.GetByExternalID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.Equal(t, "pro", sub.PlanCode)
	assert.Equal(t, tenantID, sub.TenantID)
	assert.NotNil(t, sub.LastEventAt)
}

func TestApplyCreatesTrialingSubscription(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	node, _ := snowflake.NewNode(2)
	trialEnd := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	err := svc.Apply(context.Background(), createdEvent(node.Generate(), "sub_trial", "starter", true, &trialEnd))
	require.NoError(t, err)

	sub, err := svc.GetByExternalID(context.Background(), "sub_trial")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusTrialing, sub.Status)
	require.NotNil(t, sub.TrialEndsAt)
	assert.True(t, sub.TrialEndsAt.Equal(trialEnd))
}

func TestApplyPaymentFailedMovesActiveToPastDue(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	node, _ := snowflake.NewNode(2)
	base := createdEvent(node.Generate(), "sub_2", "pro", false, nil)
	require.NoError(t, svc.Apply(context.Background(), base))

	err := svc.Apply(context.Background(), eventOfType(base, billingeventdomain.EventPaymentFailed))
	require.NoError(t, err)

	sub, err := svc.GetByExternalID(context.Background(), "sub_2")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusPastDue, sub.Status)

	// Recovery path back to active.
	err = svc.Apply(context.Background(), eventOfType(base, billingeventdomain.EventPaymentSucceeded))
	require.NoError(t, err)

	sub, err = svc.GetByExternalID(context.Background(), "sub_2")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
}

func TestApplyCanceledSetsEndsAt(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	node, _ := snowflake.NewNode(2)
	periodEnd := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	base := createdEvent(node.Generate(), "sub_3", "pro", false, &periodEnd)
	require.NoError(t, svc.Apply(context.Background(), base))

	err := svc.Apply(context.Background(), eventOfType(base, billingeventdomain.EventSubscriptionCanceled))
	require.NoError(t, err)

	sub, err := svc.GetByExternalID(context.Background(), "sub_3")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, sub.Status)
	require.NotNil(t, sub.EndsAt)
	assert.True(t, sub.EndsAt.Equal(periodEnd))
	assert.NotNil(t, sub.CanceledAt)
}

func TestApplyPaymentSucceededResumesCanceledBeforeEndsAt(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	node, _ := snowflake.NewNode(2)
	periodEnd := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	base := createdEvent(node.Generate(), "sub_4", "pro", false, &periodEnd)
	require.NoError(t, svc.Apply(context.Background(), base))
	require.NoError(t, svc.Apply(context.Background(), eventOfType(base, billingeventdomain.EventSubscriptionCanceled)))

	// Payment lands before the paid period lapses: subscription resumes.
	clk.Advance(5 * 24 * time.Hour)
	err := svc.Apply(context.Background(), eventOfType(base, billingeventdomain.EventPaymentSucceeded))
	require.NoError(t, err)

	sub, err := svc.GetByExternalID(context.Background(), "sub_4")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	assert.Nil(t, sub.EndsAt)
	assert.Nil(t, sub.CanceledAt)
}

func TestApplyPaymentSucceededAfterEndsAtIsRejected(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	node, _ := snowflake.NewNode(2)
	periodEnd := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	base := createdEvent(node.Generate(), "sub_5", "pro", false, &periodEnd)
	require.NoError(t, svc.Apply(context.Background(), base))
	require.NoError(t, svc.Apply(context.Background(), eventOfType(base, billingeventdomain.EventSubscriptionCanceled)))

	clk.Advance(11 * 24 * time.Hour)
	err := svc.Apply(context.Background(), eventOfType(base, billingeventdomain.EventPaymentSucceeded))
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	sub, err := svc.GetByExternalID(context.Background(), "sub_5")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, sub.Status)
}

func TestApplyRejectsEventsOnExpiredSubscription(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	node, _ := snowflake.NewNode(2)
	periodEnd := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	base := createdEvent(node.Generate(), "sub_6", "pro", false, &periodEnd)
	require.NoError(t, svc.Apply(context.Background(), base))
	require.NoError(t, svc.Apply(context.Background(), eventOfType(base, billingeventdomain.EventSubscriptionCanceled)))

	sub, err := svc.GetByExternalID(context.Background(), "sub_6")
	require.NoError(t, err)
	require.NoError(t, svc.Transition(context.Background(), sub.ID, subscriptiondomain.StatusGracePeriod, subscriptiondomain.ReasonGracePeriodStarted))
	require.NoError(t, svc.Transition(context.Background(), sub.ID, subscriptiondomain.StatusExpired, subscriptiondomain.ReasonGracePeriodLapsed))

	for _, eventType := range []billingeventdomain.EventType{
		billingeventdomain.EventSubscriptionUpdated,
		billingeventdomain.EventPaymentSucceeded,
		billingeventdomain.EventPaymentFailed,
		billingeventdomain.EventSubscriptionCanceled,
	} {
		err := svc.Apply(context.Background(), eventOfType(base, eventType))
		assert.ErrorIs(t, err, subscriptiondomain.ErrTerminalState, "event %s", eventType)
	}

	sub, err = svc.GetByExternalID(context.Background(), "sub_6")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusExpired, sub.Status)
}

func TestApplyUpdatedChangesPlan(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	node, _ := snowflake.NewNode(2)
	base := createdEvent(node.Generate(), "sub_7", "starter", false, nil)
	require.NoError(t, svc.Apply(context.Background(), base))

	updated := eventOfType(base, billingeventdomain.EventSubscriptionUpdated)
	updated.PlanCode = "enterprise"
	newPeriodEnd := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	updated.CurrentPeriodEnd = &newPeriodEnd
	require.NoError(t, svc.Apply(context.Background(), updated))

	sub, err := svc.GetByExternalID(context.Background(), "sub_7")
	require.NoError(t, err)
	assert.Equal(t, "enterprise", sub.PlanCode)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.Equal(newPeriodEnd))
}

func TestApplyUpdatedWithCancelAtPeriodEndCancels(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	node, _ := snowflake.NewNode(2)
	periodEnd := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	base := createdEvent(node.Generate(), "sub_sched", "pro", false, &periodEnd)
	require.NoError(t, svc.Apply(context.Background(), base))

	updated := eventOfType(base, billingeventdomain.EventSubscriptionUpdated)
	updated.CancelAtPeriodEnd = true
	require.NoError(t, svc.Apply(context.Background(), updated))

	sub, err := svc.GetByExternalID(context.Background(), "sub_sched")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, sub.Status)
	require.NotNil(t, sub.EndsAt)
	assert.True(t, sub.EndsAt.Equal(periodEnd))
	assert.NotNil(t, sub.CanceledAt)

	// A plain update never cancels on its own.
	plain := eventOfType(base, billingeventdomain.EventSubscriptionUpdated)
	require.NoError(t, svc.Apply(context.Background(), plain))

	sub, err = svc.GetByExternalID(context.Background(), "sub_sched")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCanceled, sub.Status)
}

func TestApplyNonCreateEventForUnknownSubscription(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	node, _ := snowflake.NewNode(2)
	base := createdEvent(node.Generate(), "sub_missing", "pro", false, nil)

	err := svc.Apply(context.Background(), eventOfType(base, billingeventdomain.EventPaymentSucceeded))
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestTransitionRejectsInvalidTarget(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	node, _ := snowflake.NewNode(2)
	base := createdEvent(node.Generate(), "sub_8", "pro", false, nil)
	require.NoError(t, svc.Apply(context.Background(), base))

	sub, err := svc.GetByExternalID(context.Background(), "sub_8")
	require.NoError(t, err)

	// Active subscriptions do not move to grace by the scheduler.
	err = svc.Transition(context.Background(), sub.ID, subscriptiondomain.StatusGracePeriod, subscriptiondomain.ReasonGracePeriodStarted)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}

func TestTransitionIsIdempotentForSameStatus(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	node, _ := snowflake.NewNode(2)
	periodEnd := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	base := createdEvent(node.Generate(), "sub_9", "pro", false, &periodEnd)
	require.NoError(t, svc.Apply(context.Background(), base))
	require.NoError(t, svc.Apply(context.Background(), eventOfType(base, billingeventdomain.EventSubscriptionCanceled)))

	sub, err := svc.GetByExternalID(context.Background(), "sub_9")
	require.NoError(t, err)

	require.NoError(t, svc.Transition(context.Background(), sub.ID, subscriptiondomain.StatusGracePeriod, subscriptiondomain.ReasonGracePeriodStarted))
	require.NoError(t, svc.Transition(context.Background(), sub.ID, subscriptiondomain.StatusGracePeriod, subscriptiondomain.ReasonGracePeriodStarted))
}

func TestGetCurrentByTenantIDSkipsExpired(t *testing.T) {
	db := newTestDB(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)

	node, _ := snowflake.NewNode(2)
	tenantID := node.Generate()
	periodEnd := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	base := createdEvent(tenantID, "sub_old", "pro", false, &periodEnd)
	require.NoError(t, svc.Apply(context.Background(), base))
	require.NoError(t, svc.Apply(context.Background(), eventOfType(base, billingeventdomain.EventSubscriptionCanceled)))

	sub, err := svc.GetByExternalID(context.Background(), "sub_old")
	require.NoError(t, err)
	require.NoError(t, svc.Transition(context.Background(), sub.ID, subscriptiondomain.StatusGracePeriod, subscriptiondomain.ReasonGracePeriodStarted))
	require.NoError(t, svc.Transition(context.Background(), sub.ID, subscriptiondomain.StatusExpired, subscriptiondomain.ReasonGracePeriodLapsed))

	_, err = svc.GetCurrentByTenantID(context.Background(), tenantID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	clk.Advance(time.Hour)
	require.NoError(t, svc.Apply(context.Background(), createdEvent(tenantID, "sub_new", "pro", false, nil)))

	current, err := svc.GetCurrentByTenantID(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, "sub_new", current.ExternalID)
}
