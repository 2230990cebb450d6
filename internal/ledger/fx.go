package ledger

import (
	"go.uber.org/fx"

	"github.com/fableworks/loreline/internal/ledger/service"
)

var Module = fx.Module("ledger.service",
	fx.Provide(service.NewService),
)
