package graceperiod

import (
	"github.com/smallbiznis/subtrack/internal/graceperiod/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("graceperiod",
	fx.Provide(repository.Provide),
)
