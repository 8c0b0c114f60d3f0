package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/detectflow/internal/domain"
	"github.com/dunamismax/detectflow/internal/id"
)

// MemoryStore is the map-backed Store used by tests and throwaway
// deployments. A single mutex stands in for the per-job locks of the
// durable backends; the external contract is the same.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.JobRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]domain.JobRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, config map[string]any) (domain.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := domain.NewJobRecord(id.New(), config, s.now().UTC())
	s.records[record.ID] = cloneRecord(record)
	return record, nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (domain.JobRecord, bool, error) {
	if !id.Valid(jobID) {
		return domain.JobRecord{}, false, id.ErrMalformed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[jobID]
	if !ok {
		return domain.JobRecord{}, false, nil
	}
	return cloneRecord(record), true, nil
}

func (s *MemoryStore) Update(_ context.Context, jobID string, update domain.JobUpdate) (domain.JobRecord, bool, error) {
	if !id.Valid(jobID) {
		return domain.JobRecord{}, false, id.ErrMalformed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[jobID]
	if !ok {
		return domain.JobRecord{}, false, nil
	}
	record = cloneRecord(record)
	if err := applyUpdate(&record, update, s.now().UTC()); err != nil {
		return domain.JobRecord{}, true, err
	}
	s.records[jobID] = cloneRecord(record)
	return record, true, nil
}

func (s *MemoryStore) AppendFile(_ context.Context, jobID string, meta domain.FileMetadata) (domain.JobRecord, bool, error) {
	if !id.Valid(jobID) {
		return domain.JobRecord{}, false, id.ErrMalformed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[jobID]
	if !ok {
		return domain.JobRecord{}, false, nil
	}
	record = cloneRecord(record)
	record.Files = append(record.Files, meta)
	record.UpdatedAt = s.now().UTC()
	s.records[jobID] = cloneRecord(record)
	return record, true, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.JobRecord, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, cloneRecord(record))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func cloneRecord(record domain.JobRecord) domain.JobRecord {
	out := record
	out.Files = append([]domain.FileMetadata(nil), record.Files...)
	if record.Progress != nil {
		p := *record.Progress
		out.Progress = &p
	}
	if record.Config != nil {
		out.Config = make(map[string]any, len(record.Config))
		for k, v := range record.Config {
			out.Config[k] = v
		}
	}
	if record.Extra != nil {
		out.Extra = make(map[string]any, len(record.Extra))
		for k, v := range record.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
