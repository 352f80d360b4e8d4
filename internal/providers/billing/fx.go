package billing

import (
	"github.com/smallbiznis/subtrack/internal/providers/billing/standard"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.billing",
	fx.Provide(func() *Registry {
		return NewRegistry(
			standard.NewFactory(),
		)
	}),
)
