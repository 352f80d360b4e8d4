// Package notifier delivers subscription lifecycle notices to tenants.
package notifier

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Notification describes one lifecycle notice. Email may be empty when the
// tenant has no billing contact on file; implementations decide whether that
// is an error or a skip.
type Notification struct {
	TenantID       snowflake.ID
	SubscriptionID snowflake.ID
	PlanCode       string
	Email          string
	DaysRemaining  int
	EndsAt         time.Time
}

// Notifier is the outbound port for lifecycle notices. Errors from a single
// notification must not abort the caller's batch.
type Notifier interface {
	NotifyGraceWarning(ctx context.Context, n Notification) error
	NotifyExpired(ctx context.Context, n Notification) error
}

// NoOp drops every notification, used when no channel is configured and by
// tests.
type NoOp struct{}

func (NoOp) NotifyGraceWarning(ctx context.Context, n Notification) error { return nil }
func (NoOp) NotifyExpired(ctx context.Context, n Notification) error      { return nil }
