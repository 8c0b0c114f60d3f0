package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/dunamismax/detectflow/internal/domain"
	"github.com/dunamismax/detectflow/internal/id"
)

const recordSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	record JSONB NOT NULL
);
`

// PostgresStore keeps the whole serialized record in a row per job.
// Read-modify-write runs inside a transaction holding the row lock
// (SELECT ... FOR UPDATE), which gives per-job exclusivity across
// worker processes sharing one database.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db, now: time.Now}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, recordSchemaSQL); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, config map[string]any) (domain.JobRecord, error) {
	record := domain.NewJobRecord(id.New(), config, s.now().UTC())
	data, err := json.Marshal(record)
	if err != nil {
		return domain.JobRecord{}, fmt.Errorf("encode job record: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, status, created_at, updated_at, record)
		 VALUES ($1, $2, $3, $4, $5)`,
		record.ID,
		record.Status,
		record.CreatedAt,
		record.UpdatedAt,
		data,
	)
	if err != nil {
		return domain.JobRecord{}, fmt.Errorf("insert job record: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (domain.JobRecord, bool, error) {
	if !id.Valid(jobID) {
		return domain.JobRecord{}, false, id.ErrMalformed
	}

	row := s.db.QueryRowContext(ctx, `SELECT record FROM jobs WHERE id = $1`, jobID)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.JobRecord{}, false, nil
		}
		return domain.JobRecord{}, false, fmt.Errorf("query job record: %w", err)
	}

	var record domain.JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return domain.JobRecord{}, false, fmt.Errorf("decode job record %s: %w", jobID, err)
	}
	return record, true, nil
}

func (s *PostgresStore) Update(ctx context.Context, jobID string, update domain.JobUpdate) (domain.JobRecord, bool, error) {
	return s.mutate(ctx, jobID, func(record *domain.JobRecord) error {
		return applyUpdate(record, update, s.now().UTC())
	})
}

func (s *PostgresStore) AppendFile(ctx context.Context, jobID string, meta domain.FileMetadata) (domain.JobRecord, bool, error) {
	return s.mutate(ctx, jobID, func(record *domain.JobRecord) error {
		record.Files = append(record.Files, meta)
		record.UpdatedAt = s.now().UTC()
		return nil
	})
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]domain.JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT record FROM jobs ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query job records: %w", err)
	}
	defer rows.Close()

	var records []domain.JobRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan job record: %w", err)
		}
		var record domain.JobRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("decode job record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *PostgresStore) mutate(ctx context.Context, jobID string, fn func(*domain.JobRecord) error) (domain.JobRecord, bool, error) {
	if !id.Valid(jobID) {
		return domain.JobRecord{}, false, id.ErrMalformed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.JobRecord{}, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT record FROM jobs WHERE id = $1 FOR UPDATE`, jobID)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.JobRecord{}, false, nil
		}
		return domain.JobRecord{}, false, fmt.Errorf("lock job record: %w", err)
	}

	var record domain.JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return domain.JobRecord{}, false, fmt.Errorf("decode job record %s: %w", jobID, err)
	}

	if err := fn(&record); err != nil {
		return domain.JobRecord{}, true, err
	}

	updated, err := json.Marshal(record)
	if err != nil {
		return domain.JobRecord{}, true, fmt.Errorf("encode job record: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE jobs SET status = $1, updated_at = $2, record = $3 WHERE id = $4`,
		record.Status,
		record.UpdatedAt,
		updated,
		jobID,
	); err != nil {
		return domain.JobRecord{}, true, fmt.Errorf("update job record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.JobRecord{}, true, fmt.Errorf("commit job record update: %w", err)
	}
	return record, true, nil
}
