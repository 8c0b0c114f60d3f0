package queue

import (
	"testing"
	"time"
)

func TestRunStageTaskRoundTrip(t *testing.T) {
	payload := RunStagePayload{
		JobID:       "0123456789abcdef0123456789abcdef",
		Stage:       "nms",
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewRunStageTask(payload)
	if err != nil {
		t.Fatalf("NewRunStageTask returned error: %v", err)
	}
	if task.Type() != TypeRunStage {
		t.Fatalf("expected task type %s, got %s", TypeRunStage, task.Type())
	}

	parsed, err := ParseRunStagePayload(task)
	if err != nil {
		t.Fatalf("ParseRunStagePayload returned error: %v", err)
	}
	if parsed.JobID != payload.JobID {
		t.Fatalf("expected job_id %q, got %q", payload.JobID, parsed.JobID)
	}
	if parsed.Stage != "nms" {
		t.Fatalf("expected stage nms, got %s", parsed.Stage)
	}
}
