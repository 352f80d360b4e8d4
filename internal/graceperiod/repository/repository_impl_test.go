package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	graceperioddomain "github.com/smallbiznis/subtrack/internal/graceperiod/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	db.Exec(`CREATE TABLE IF NOT EXISTS grace_period_notifications (
		id BIGINT PRIMARY KEY,
		subscription_id BIGINT NOT NULL,
		tenant_id BIGINT,
		day_threshold INTEGER NOT NULL,
		sent_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP
	)`)
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_grace_notifications_subscription_day ON grace_period_notifications(subscription_id, day_threshold)")

	return db
}

func notification(id int64, subscriptionID int64, day int) *graceperioddomain.GracePeriodNotification {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	return &graceperioddomain.GracePeriodNotification{
		ID:             snowflake.ID(id),
		SubscriptionID: snowflake.ID(subscriptionID),
		TenantID:       snowflake.ID(1001),
		DayThreshold:   day,
		SentAt:         now,
		CreatedAt:      now,
	}
}

func TestInsertIfAbsentFirstWriteWins(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()
	ctx := context.Background()

	inserted, err := repo.InsertIfAbsent(ctx, db, notification(1, 42, 7))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.InsertIfAbsent(ctx, db, notification(2, 42, 7))
	require.NoError(t, err)
	assert.False(t, inserted)

	rows, err := repo.ListBySubscription(ctx, db, snowflake.ID(42))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, snowflake.ID(1), rows[0].ID)
}

func TestInsertIfAbsentAllowsDistinctThresholds(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()
	ctx := context.Background()

	for i, day := range []int{7, 3, 1} {
		inserted, err := repo.InsertIfAbsent(ctx, db, notification(int64(i+1), 42, day))
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	rows, err := repo.ListBySubscription(ctx, db, snowflake.ID(42))
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestInsertIfAbsentSingleWinnerUnderConcurrency(t *testing.T) {
	db := newTestDB(t)
	repo := Provide()
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan bool, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			inserted, err := repo.InsertIfAbsent(ctx, db, notification(id, 42, 3))
			if err != nil {
				results <- false
				return
			}
			results <- inserted
		}(int64(i + 1))
	}
	wg.Wait()
	close(results)

	winners := 0
	for inserted := range results {
		if inserted {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}
