package notify

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("notify.service",
	fx.Provide(NewDispatcher),
	fx.Invoke(registerTaskHandlers),
)

func registerTaskHandlers(mux *asynq.ServeMux, d *Dispatcher) {
	mux.HandleFunc(TaskProgramSubmitted, d.HandleProgramSubmitted)
	mux.HandleFunc(TaskProgramActivated, d.HandleProgramActivated)
}
