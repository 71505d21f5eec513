package notify

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskProgramSubmitted = "notify:program_submitted"
	TaskProgramActivated = "notify:program_activated"
)

type ProgramEventPayload struct {
	BusinessID  string `json:"business_id"`
	ProgramID   string `json:"program_id"`
	RequestID   string `json:"request_id,omitempty"`
	RequestCode string `json:"request_code,omitempty"`
	ReviewedBy  string `json:"reviewed_by,omitempty"`
}

func NewProgramSubmittedTask(p ProgramEventPayload) *asynq.Task {
	payload, _ := json.Marshal(p)
	return asynq.NewTask(TaskProgramSubmitted, payload,
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Second),
		asynq.Queue("notify"))
}

func NewProgramActivatedTask(p ProgramEventPayload) *asynq.Task {
	payload, _ := json.Marshal(p)
	return asynq.NewTask(TaskProgramActivated, payload,
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Second),
		asynq.Queue("notify"))
}
