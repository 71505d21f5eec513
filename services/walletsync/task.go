package walletsync

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskPushBalance = "walletsync:push_balance"
	TaskReconcile   = "walletsync:reconcile"
)

// PushBalancePayload identifies the membership whose pass needs its fields
// refreshed. Field values are recomputed from the ledger at handling time, so
// a retried or reordered task can never write stale numbers.
type PushBalancePayload struct {
	MembershipID string `json:"membership_id"`
	Notify       bool   `json:"notify"`
	TraceID      string `json:"trace_id,omitempty"`
}

func NewPushBalanceTask(p PushBalancePayload) *asynq.Task {
	payload, _ := json.Marshal(p)
	return asynq.NewTask(TaskPushBalance, payload,
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
		asynq.Queue("walletsync"))
}

type ReconcilePayload struct {
	BusinessID string `json:"business_id"`
}

func NewReconcileTask(p ReconcilePayload) *asynq.Task {
	payload, _ := json.Marshal(p)
	return asynq.NewTask(TaskReconcile, payload,
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
		asynq.Queue("walletsync"))
}
