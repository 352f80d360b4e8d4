package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subtrack/internal/clock"
	"github.com/smallbiznis/subtrack/internal/config"
	"github.com/smallbiznis/subtrack/internal/migration"
	"github.com/smallbiznis/subtrack/internal/observability"
	"github.com/smallbiznis/subtrack/internal/server"
	"github.com/smallbiznis/subtrack/pkg/db"
	"github.com/smallbiznis/subtrack/pkg/redis"
	"go.uber.org/fx"
)

// API-only entrypoint. The lifecycle scheduler runs in its own deployment so
// webhook ingestion can scale independently of the daily passes.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redis.Module,
		clock.Module,
		migration.Module,

		server.Module,
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
