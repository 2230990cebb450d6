package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/fableworks/loreline/internal/clock"
	"github.com/fableworks/loreline/internal/config"
	"github.com/fableworks/loreline/internal/entity"
	"github.com/fableworks/loreline/internal/gateway"
	"github.com/fableworks/loreline/internal/ledger"
	"github.com/fableworks/loreline/internal/migration"
	"github.com/fableworks/loreline/internal/observability"
	"github.com/fableworks/loreline/internal/progress"
	"github.com/fableworks/loreline/internal/scheduler"
	"github.com/fableworks/loreline/internal/session"
	"github.com/fableworks/loreline/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services required by the correction scheduler.
		ledger.Module,
		entity.Module,
		gateway.Module,
		progress.Module,
		session.Module,

		// No server module: this binary only runs batch corrections.
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
