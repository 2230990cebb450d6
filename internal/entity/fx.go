package entity

import (
	"go.uber.org/fx"

	"github.com/fableworks/loreline/internal/entity/repository"
)

var Module = fx.Module("entity.repository",
	fx.Provide(repository.Provide),
)
