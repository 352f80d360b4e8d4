package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/subtrack/internal/config"
)

const keyWebhookIngress = "webhook:ingress:%s"

// WebhookIngressLimiter throttles inbound webhook deliveries per provider so
// a misbehaving provider cannot starve the ingest pipeline.
type WebhookIngressLimiter struct {
	enabled bool

	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewWebhookIngressLimiter(cfg config.Config, client *redis.Client) (*WebhookIngressLimiter, error) {
	if !cfg.RateLimitEnabled || client == nil {
		return nil, nil
	}
	if cfg.WebhookIngressRate <= 0 || cfg.WebhookIngressBurst <= 0 {
		return nil, fmt.Errorf("webhook ingress rate limit must be positive")
	}

	return &WebhookIngressLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    cfg.WebhookIngressRate,
		burst:   cfg.WebhookIngressBurst,
	}, nil
}

func (l *WebhookIngressLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowProvider reports whether another delivery from the given provider may
// be accepted right now. A disabled limiter always allows.
func (l *WebhookIngressLimiter) AllowProvider(ctx context.Context, provider string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyWebhookIngress, strings.ToLower(strings.TrimSpace(provider)))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
