// Package jobs owns the authoritative job records and the update
// protocol that keeps them consistent under concurrent writers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/detectflow/internal/domain"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrTerminalStatus is returned for a status change on a job that
	// already reached completed or failed. Progress and extra-field
	// updates on terminal jobs are still accepted for audit.
	ErrTerminalStatus = errors.New("job status is terminal")

	ErrInvalidTransition = errors.New("illegal status transition")

	// ErrMissingError guards the record invariant: a job may only be
	// failed with a failure description attached.
	ErrMissingError = errors.New("failed status requires an error description")

	// ErrErrorWithoutFailure guards the other direction of the same
	// invariant: an error description is only valid on a failed job.
	ErrErrorWithoutFailure = errors.New("error description requires failed status")
)

type Store interface {
	// Create allocates an identifier and writes the initial queued
	// record. Config is captured as-is and never mutated afterwards.
	Create(ctx context.Context, config map[string]any) (domain.JobRecord, error)

	// Get returns the current record, or ok=false when the job does
	// not exist.
	Get(ctx context.Context, jobID string) (domain.JobRecord, bool, error)

	// Update applies a read-modify-write mutation, serialized per job.
	// ok=false when the job does not exist.
	Update(ctx context.Context, jobID string, update domain.JobUpdate) (domain.JobRecord, bool, error)

	// AppendFile records metadata for an accepted upload. Entries are
	// append-only and keep their upload order.
	AppendFile(ctx context.Context, jobID string, meta domain.FileMetadata) (domain.JobRecord, bool, error)

	// List returns up to limit records, most recently created first.
	List(ctx context.Context, limit int) ([]domain.JobRecord, error)
}

// applyUpdate mutates record in place according to update. It is the
// single place the status state machine and the error/failed invariant
// are enforced; every backend routes mutations through it while
// holding its per-job exclusivity.
func applyUpdate(record *domain.JobRecord, update domain.JobUpdate, now time.Time) error {
	if err := update.Validate(); err != nil {
		return err
	}

	if update.Status != "" && update.Status != record.Status {
		if domain.TerminalStatus(record.Status) {
			return fmt.Errorf("%w: %s", ErrTerminalStatus, record.Status)
		}
		if !domain.CanTransition(record.Status, update.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, update.Status)
		}
		record.Status = update.Status
	}

	if update.Error != nil {
		if record.Status != domain.JobStatusFailed {
			return ErrErrorWithoutFailure
		}
		if *update.Error == "" {
			return ErrMissingError
		}
		record.Error = *update.Error
	}

	// The invariant must hold after every update: error is set exactly
	// when the job is failed.
	if record.Status == domain.JobStatusFailed && record.Error == "" {
		return ErrMissingError
	}
	if record.Status != domain.JobStatusFailed {
		record.Error = ""
	}

	if update.Progress != nil {
		p := *update.Progress
		if p.Percent < 0 {
			p.Percent = 0
		}
		if p.Percent > 100 {
			p.Percent = 100
		}
		record.Progress = &p
	}

	if len(update.Extra) > 0 {
		if record.Extra == nil {
			record.Extra = make(map[string]any, len(update.Extra))
		}
		for k, v := range update.Extra {
			record.Extra[k] = v
		}
	}

	record.UpdatedAt = now
	return nil
}
