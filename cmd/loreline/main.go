package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/fableworks/loreline/internal/clock"
	"github.com/fableworks/loreline/internal/migration"
	"github.com/fableworks/loreline/internal/observability"
	"github.com/fableworks/loreline/internal/scheduler"
	"github.com/fableworks/loreline/internal/server"
	"github.com/fableworks/loreline/pkg/db"
)

func main() {
	app := fx.New(
		// config.Module rides in with server.Module.
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
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
