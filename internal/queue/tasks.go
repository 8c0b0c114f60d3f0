package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeRunStage = "stage:run"

// RunStagePayload asks the worker to compute one derivable stage for a
// job. The raw stage is produced by the external model and never
// enqueued here.
type RunStagePayload struct {
	JobID       string    `json:"job_id"`
	Stage       string    `json:"stage"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewRunStageTask(payload RunStagePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal stage payload: %w", err)
	}
	return asynq.NewTask(TypeRunStage, body), nil
}

func ParseRunStagePayload(task *asynq.Task) (RunStagePayload, error) {
	var payload RunStagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RunStagePayload{}, fmt.Errorf("unmarshal stage payload: %w", err)
	}
	return payload, nil
}
