package program

import "go.uber.org/fx"

var Module = fx.Module("program.service",
	fx.Provide(NewService),
)
