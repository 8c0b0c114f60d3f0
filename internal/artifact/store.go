// Package artifact maps job and file identifiers to on-disk artifacts:
// uploaded inputs, per-stage results, and visualizations. Every path it
// produces is a join of the fixed root with identifiers that already
// passed the canonical shape check, so caller input can never traverse
// out of the root.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dunamismax/detectflow/internal/domain"
	"github.com/dunamismax/detectflow/internal/fsutil"
	"github.com/dunamismax/detectflow/internal/id"
	"github.com/dunamismax/detectflow/internal/jobs"
	"github.com/dunamismax/detectflow/internal/validate"
)

const (
	uploadsDir        = "uploads"
	resultsDir        = "results"
	visualizationsDir = "visualizations"
)

var ErrInvalidStage = errors.New("invalid stage name")

var stagePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// JobRecords is the slice of the job record manager the store needs:
// existence checks and the append-file path for accepted uploads.
type JobRecords interface {
	Get(ctx context.Context, jobID string) (domain.JobRecord, bool, error)
	AppendFile(ctx context.Context, jobID string, meta domain.FileMetadata) (domain.JobRecord, bool, error)
}

// Mirror receives a best-effort copy of every persisted artifact.
type Mirror interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

// MirrorReader is the optional read side of a Mirror. When the mirror
// supports reads, a stage result missing from the local filesystem is
// restored from the mirrored copy, so a rebuilt node recovers without
// re-running the pipeline.
type MirrorReader interface {
	ObjectExists(ctx context.Context, objectKey string) (bool, error)
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

type Store struct {
	root    string
	records JobRecords
	mirror  Mirror
	logger  *log.Logger
	now     func() time.Time
}

func NewStore(root string, records JobRecords, logger *log.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("artifact root is required")
	}
	if records == nil {
		return nil, errors.New("job records are required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{
		root:    root,
		records: records,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// WithMirror enables best-effort replication of persisted artifacts.
func (s *Store) WithMirror(mirror Mirror) *Store {
	s.mirror = mirror
	return s
}

// PutUpload runs the validation gate over content, persists the bytes
// under a system-generated name, and appends the file metadata to the
// job record. Nothing is written when validation fails.
func (s *Store) PutUpload(ctx context.Context, jobID, filename string, content []byte) (domain.FileMetadata, error) {
	if err := id.Check(jobID); err != nil {
		return domain.FileMetadata{}, err
	}

	desc, err := validate.Check(content, filename)
	if err != nil {
		return domain.FileMetadata{}, err
	}

	if _, ok, err := s.records.Get(ctx, jobID); err != nil {
		return domain.FileMetadata{}, err
	} else if !ok {
		return domain.FileMetadata{}, jobs.ErrJobNotFound
	}

	fileID := id.New()
	storedName := fileID + extensionFor(desc.Format)
	dir := filepath.Join(s.root, jobID, uploadsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.FileMetadata{}, fmt.Errorf("create upload directory: %w", err)
	}

	fullPath := filepath.Join(dir, storedName)
	if err := fsutil.WriteFileAtomic(fullPath, content, 0o644); err != nil {
		return domain.FileMetadata{}, fmt.Errorf("write upload: %w", err)
	}

	meta := domain.FileMetadata{
		FileID:     fileID,
		Filename:   filename,
		StoredName: storedName,
		SizeBytes:  len(content),
		UploadedAt: s.now().UTC(),
		Descriptor: desc,
	}

	if _, ok, err := s.records.AppendFile(ctx, jobID, meta); err != nil || !ok {
		// The record append is what makes the upload visible; without
		// it the stored bytes are orphaned and must go.
		os.Remove(fullPath)
		if err != nil {
			return domain.FileMetadata{}, fmt.Errorf("record upload metadata: %w", err)
		}
		return domain.FileMetadata{}, jobs.ErrJobNotFound
	}

	s.replicate(ctx, path.Join(jobID, uploadsDir, storedName), content, contentTypeFor(desc.Format))
	return meta, nil
}

// UploadPath resolves an accepted upload to its on-disk path.
func (s *Store) UploadPath(ctx context.Context, jobID, fileID string) (string, bool, error) {
	if err := id.Check(jobID); err != nil {
		return "", false, err
	}
	if err := id.Check(fileID); err != nil {
		return "", false, err
	}

	record, ok, err := s.records.Get(ctx, jobID)
	if err != nil || !ok {
		return "", false, err
	}

	for _, meta := range record.Files {
		if meta.FileID != fileID {
			continue
		}
		fullPath := filepath.Join(s.root, jobID, uploadsDir, meta.StoredName)
		if _, err := os.Stat(fullPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", false, nil
			}
			return "", false, fmt.Errorf("stat upload: %w", err)
		}
		return fullPath, true, nil
	}
	return "", false, nil
}

// PutResult serializes payload and replaces the stage's result for the
// job. Stages are fixed locations; re-saving overwrites.
func (s *Store) PutResult(ctx context.Context, jobID, stage string, payload any) (string, error) {
	if err := id.Check(jobID); err != nil {
		return "", err
	}
	if !stagePattern.MatchString(stage) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}

	if _, ok, err := s.records.Get(ctx, jobID); err != nil {
		return "", err
	} else if !ok {
		return "", jobs.ErrJobNotFound
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode stage result: %w", err)
	}

	dir := filepath.Join(s.root, jobID, resultsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create result directory: %w", err)
	}

	fullPath := filepath.Join(dir, stage+".json")
	if err := fsutil.WriteFileAtomic(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write stage result: %w", err)
	}

	s.replicate(ctx, path.Join(jobID, resultsDir, stage+".json"), data, "application/json")
	return fullPath, nil
}

// GetResult returns the raw serialized result for (job, stage), or
// ok=false when no result has been saved.
func (s *Store) GetResult(ctx context.Context, jobID, stage string) (json.RawMessage, bool, error) {
	if err := id.Check(jobID); err != nil {
		return nil, false, err
	}
	if !stagePattern.MatchString(stage) {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}

	data, err := os.ReadFile(filepath.Join(s.root, jobID, resultsDir, stage+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.restoreResult(ctx, jobID, stage)
		}
		return nil, false, fmt.Errorf("read stage result: %w", err)
	}
	return data, true, nil
}

// restoreResult recovers a locally missing stage result from the
// mirror, rehydrating the filesystem copy on the way. Absence anywhere
// is ok=false; mirror trouble is logged and treated as absence.
func (s *Store) restoreResult(ctx context.Context, jobID, stage string) (json.RawMessage, bool, error) {
	reader, ok := s.mirror.(MirrorReader)
	if !ok {
		return nil, false, nil
	}

	key := path.Join(jobID, resultsDir, stage+".json")
	exists, err := reader.ObjectExists(ctx, key)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("mirror lookup failed key=%s err=%v", key, err)
		}
		return nil, false, nil
	}
	if !exists {
		return nil, false, nil
	}

	data, err := reader.ReadObject(ctx, key)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("mirror read failed key=%s err=%v", key, err)
		}
		return nil, false, nil
	}

	dir := filepath.Join(s.root, jobID, resultsDir)
	if err := os.MkdirAll(dir, 0o755); err == nil {
		if err := fsutil.WriteFileAtomic(filepath.Join(dir, stage+".json"), data, 0o644); err != nil && s.logger != nil {
			s.logger.Printf("result rehydration failed key=%s err=%v", key, err)
		}
	}
	if s.logger != nil {
		s.logger.Printf("result restored from mirror job_id=%s stage=%s", jobID, stage)
	}
	return data, true, nil
}

// PutVisualization writes a binary image artifact under the job's
// visualization namespace. The caller-chosen filename is sanitized
// before it becomes a path component; re-saving overwrites.
func (s *Store) PutVisualization(ctx context.Context, jobID string, content []byte, filename string) (string, error) {
	if err := id.Check(jobID); err != nil {
		return "", err
	}

	if _, ok, err := s.records.Get(ctx, jobID); err != nil {
		return "", err
	} else if !ok {
		return "", jobs.ErrJobNotFound
	}

	name := safeFileName(filename)
	dir := filepath.Join(s.root, jobID, visualizationsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create visualization directory: %w", err)
	}

	fullPath := filepath.Join(dir, name)
	if err := fsutil.WriteFileAtomic(fullPath, content, 0o644); err != nil {
		return "", fmt.Errorf("write visualization: %w", err)
	}

	s.replicate(ctx, path.Join(jobID, visualizationsDir, name), content, contentTypeFor(strings.TrimPrefix(filepath.Ext(name), ".")))
	return fullPath, nil
}

// VisualizationPath resolves a previously saved visualization.
func (s *Store) VisualizationPath(_ context.Context, jobID, filename string) (string, bool, error) {
	if err := id.Check(jobID); err != nil {
		return "", false, err
	}

	fullPath := filepath.Join(s.root, jobID, visualizationsDir, safeFileName(filename))
	if _, err := os.Stat(fullPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("stat visualization: %w", err)
	}
	return fullPath, true, nil
}

// ListJobFiles returns file metadata in upload order.
func (s *Store) ListJobFiles(ctx context.Context, jobID string) ([]domain.FileMetadata, error) {
	if err := id.Check(jobID); err != nil {
		return nil, err
	}

	record, ok, err := s.records.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	return record.Files, nil
}

func (s *Store) replicate(ctx context.Context, objectKey string, data []byte, contentType string) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.WriteObject(ctx, objectKey, data, contentType); err != nil && s.logger != nil {
		s.logger.Printf("artifact mirror failed key=%s err=%v", objectKey, err)
	}
}

func extensionFor(format string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	case "tiff":
		return ".tif"
	default:
		return ".png"
	}
}

func contentTypeFor(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "tiff", "tif":
		return "image/tiff"
	case "png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// safeFileName reduces a caller-supplied filename to a single safe path
// segment: the base name with every rune outside [a-zA-Z0-9._-]
// replaced, and traversal spellings collapsed away.
func safeFileName(in string) string {
	in = filepath.Base(strings.TrimSpace(in))
	if in == "" || in == "." || in == ".." {
		return "unnamed"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "unnamed"
	}
	return out
}
