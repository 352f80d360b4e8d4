package plan

import (
	"github.com/smallbiznis/subtrack/internal/cache"
	"go.uber.org/fx"
)

var Module = fx.Module("plan",
	fx.Provide(cache.NewPlanResolverCache),
	fx.Provide(NewResolver),
)
