package domain

import (
	"fmt"
	"time"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Pipeline stages the rest of the system depends on. The store itself
// only requires a stable stage token; new stages can be added without
// touching the storage layer.
const (
	StageRaw     = "raw"
	StageNMS     = "nms"
	StageRefined = "refined"
)

// Stages returns the fixed pipeline stages in execution order.
func Stages() []string {
	return []string{StageRaw, StageNMS, StageRefined}
}

// Progress is the (stage, percent) pair recorded against a job while a
// stage runs. Percent is clamped to [0,100] by the record manager.
type Progress struct {
	Stage   string  `json:"stage"`
	Percent float64 `json:"percent"`
}

// Descriptor holds the validated structural attributes of an accepted
// image upload.
type Descriptor struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format"`
	ColorMode string `json:"color_mode"`
	SizeBytes int    `json:"size_bytes"`
}

// FileMetadata describes one accepted upload. Filename is the
// caller-supplied name and is kept only as metadata; StoredName is the
// system-assigned name actually used on disk.
type FileMetadata struct {
	FileID     string     `json:"file_id"`
	Filename   string     `json:"filename"`
	StoredName string     `json:"stored_name"`
	SizeBytes  int        `json:"size_bytes"`
	UploadedAt time.Time  `json:"uploaded_at"`
	Descriptor Descriptor `json:"descriptor"`
}

// JobRecord is the authoritative description of one processing job.
// Error is non-empty if and only if Status is failed.
type JobRecord struct {
	ID        string         `json:"job_id"`
	Status    string         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Config    map[string]any `json:"config"`
	Files     []FileMetadata `json:"files"`
	Progress  *Progress      `json:"progress,omitempty"`
	Error     string         `json:"error,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// JobUpdate carries the mutable fields of an update call. Nil fields
// are left untouched. Error may only accompany a failed status.
type JobUpdate struct {
	Status   string
	Progress *Progress
	Error    *string
	Extra    map[string]any
}

var legalTransitions = map[string][]string{
	JobStatusQueued:     {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
	JobStatusCompleted:  {},
	JobStatusFailed:     {},
}

// TerminalStatus reports whether status accepts no further transition.
func TerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// CanTransition reports whether moving from one status to the next is
// legal. Setting the same status again is treated as a no-op and is
// always allowed.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether status is one of the known job states.
func ValidStatus(status string) bool {
	_, ok := legalTransitions[status]
	return ok
}

// NewJobRecord builds the initial record for a freshly created job.
func NewJobRecord(jobID string, config map[string]any, now time.Time) JobRecord {
	if config == nil {
		config = map[string]any{}
	}
	return JobRecord{
		ID:        jobID,
		Status:    JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Config:    config,
		Files:     []FileMetadata{},
	}
}

// ConfigFloat reads a numeric config value, falling back when the key
// is absent or not a number. JSON decoding delivers numbers as float64.
func (r JobRecord) ConfigFloat(key string, fallback float64) float64 {
	switch v := r.Config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}

// ConfigString reads a string config value with a fallback.
func (r JobRecord) ConfigString(key, fallback string) string {
	if v, ok := r.Config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func (u JobUpdate) Validate() error {
	if u.Status != "" && !ValidStatus(u.Status) {
		return fmt.Errorf("unknown status: %s", u.Status)
	}
	return nil
}
