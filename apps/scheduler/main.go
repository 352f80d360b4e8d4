package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subtrack/internal/billingevent"
	"github.com/smallbiznis/subtrack/internal/clock"
	"github.com/smallbiznis/subtrack/internal/config"
	"github.com/smallbiznis/subtrack/internal/graceperiod"
	"github.com/smallbiznis/subtrack/internal/migration"
	"github.com/smallbiznis/subtrack/internal/notifier"
	"github.com/smallbiznis/subtrack/internal/observability"
	"github.com/smallbiznis/subtrack/internal/providers/billing"
	"github.com/smallbiznis/subtrack/internal/providers/email"
	"github.com/smallbiznis/subtrack/internal/scheduler"
	"github.com/smallbiznis/subtrack/internal/subscription"
	"github.com/smallbiznis/subtrack/pkg/db"
	"go.uber.org/fx"
)

// Scheduler-only entrypoint. Multiple replicas are safe to run; warning and
// expiry work is deduplicated through the notification ledger and idempotent
// status transitions, not through leader election.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services the lifecycle jobs drive.
		billing.Module,
		billingevent.Module,
		subscription.Module,
		graceperiod.Module,
		email.Module,
		notifier.Module,

		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
