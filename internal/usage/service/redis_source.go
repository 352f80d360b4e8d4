package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	usagedomain "github.com/smallbiznis/subtrack/internal/usage/domain"
	"go.uber.org/zap"
)

const (
	keyUsageCount = "usage:count:%s:%s"
	usageCountTTL = 10 * time.Second
)

// CachedSource shields the database from per-request usage reads. Cache
// failures fall through to the inner source; staleness is bounded by the TTL.
type CachedSource struct {
	inner  usagedomain.Source
	client *redis.Client
	log    *zap.Logger
}

func NewCachedSource(inner usagedomain.Source, client *redis.Client, log *zap.Logger) usagedomain.Source {
	if client == nil {
		return inner
	}
	return &CachedSource{
		inner:  inner,
		client: client,
		log:    log.Named("usage.cache"),
	}
}

func (c *CachedSource) Count(ctx context.Context, tenantID snowflake.ID, feature string) (int64, error) {
	key := fmt.Sprintf(keyUsageCount, tenantID.String(), feature)

	cached, err := c.client.Get(ctx, key).Result()
	if err == nil {
		if value, parseErr := strconv.ParseInt(cached, 10, 64); parseErr == nil {
			return value, nil
		}
	} else if err != redis.Nil {
		c.log.Debug("usage cache read failed", zap.String("key", key), zap.Error(err))
	}

	value, err := c.inner.Count(ctx, tenantID, feature)
	if err != nil {
		return 0, err
	}

	if setErr := c.client.Set(ctx, key, strconv.FormatInt(value, 10), usageCountTTL).Err(); setErr != nil {
		c.log.Debug("usage cache write failed", zap.String("key", key), zap.Error(setErr))
	}
	return value, nil
}

func (c *CachedSource) Snapshot(ctx context.Context, tenantID snowflake.ID) (map[string]int64, error) {
	return c.inner.Snapshot(ctx, tenantID)
}
