package walletsync

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"

	"localspot-loyalty/services/membership"
)

var Module = fx.Module("walletsync.service",
	fx.Provide(
		NewAdapter,
		func(a *Adapter) membership.PassIssuer { return a },
	),
	fx.Invoke(registerTaskHandlers),
)

func registerTaskHandlers(mux *asynq.ServeMux, a *Adapter) {
	mux.HandleFunc(TaskPushBalance, a.HandlePushBalance)
	mux.HandleFunc(TaskReconcile, a.HandleReconcile)
}
