package earn

import "go.uber.org/fx"

var Module = fx.Module("earn.service",
	fx.Provide(NewService),
)
