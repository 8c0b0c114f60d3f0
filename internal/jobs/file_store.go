package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dunamismax/detectflow/internal/domain"
	"github.com/dunamismax/detectflow/internal/fsutil"
	"github.com/dunamismax/detectflow/internal/id"
)

// FileStore keeps one JSON record per job under a directory. Records
// are replaced atomically (write-temp-then-rename) so readers never
// observe a partially written record, and mutations are serialized per
// job through an in-process lock map. Deployments that share a store
// across processes use PostgresStore instead.
type FileStore struct {
	dir string
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("record directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record directory: %w", err)
	}
	return &FileStore{
		dir:   dir,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) jobLock(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[jobID] = lock
	}
	return lock
}

func (s *FileStore) recordPath(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

func (s *FileStore) Create(_ context.Context, config map[string]any) (domain.JobRecord, error) {
	record := domain.NewJobRecord(id.New(), config, s.now().UTC())
	if err := s.writeRecord(record); err != nil {
		return domain.JobRecord{}, err
	}
	return record, nil
}

func (s *FileStore) Get(_ context.Context, jobID string) (domain.JobRecord, bool, error) {
	if !id.Valid(jobID) {
		return domain.JobRecord{}, false, id.ErrMalformed
	}
	return s.readRecord(jobID)
}

func (s *FileStore) Update(_ context.Context, jobID string, update domain.JobUpdate) (domain.JobRecord, bool, error) {
	if !id.Valid(jobID) {
		return domain.JobRecord{}, false, id.ErrMalformed
	}

	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	record, ok, err := s.readRecord(jobID)
	if err != nil || !ok {
		return domain.JobRecord{}, ok, err
	}
	if err := applyUpdate(&record, update, s.now().UTC()); err != nil {
		return domain.JobRecord{}, true, err
	}
	if err := s.writeRecord(record); err != nil {
		return domain.JobRecord{}, true, err
	}
	return record, true, nil
}

func (s *FileStore) AppendFile(_ context.Context, jobID string, meta domain.FileMetadata) (domain.JobRecord, bool, error) {
	if !id.Valid(jobID) {
		return domain.JobRecord{}, false, id.ErrMalformed
	}

	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	record, ok, err := s.readRecord(jobID)
	if err != nil || !ok {
		return domain.JobRecord{}, ok, err
	}
	record.Files = append(record.Files, meta)
	record.UpdatedAt = s.now().UTC()
	if err := s.writeRecord(record); err != nil {
		return domain.JobRecord{}, true, err
	}
	return record, true, nil
}

func (s *FileStore) List(_ context.Context, limit int) ([]domain.JobRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read record directory: %w", err)
	}

	records := make([]domain.JobRecord, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		record, ok, err := s.readRecord(strings.TrimSuffix(name, ".json"))
		if err != nil || !ok {
			// A record replaced concurrently can briefly vanish under
			// its old name; skip rather than fail the listing.
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *FileStore) readRecord(jobID string) (domain.JobRecord, bool, error) {
	data, err := os.ReadFile(s.recordPath(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.JobRecord{}, false, nil
		}
		return domain.JobRecord{}, false, fmt.Errorf("read job record %s: %w", jobID, err)
	}

	var record domain.JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return domain.JobRecord{}, false, fmt.Errorf("decode job record %s: %w", jobID, err)
	}
	return record, true, nil
}

func (s *FileStore) writeRecord(record domain.JobRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode job record %s: %w", record.ID, err)
	}
	if err := fsutil.WriteFileAtomic(s.recordPath(record.ID), data, 0o644); err != nil {
		return fmt.Errorf("write job record %s: %w", record.ID, err)
	}
	return nil
}
