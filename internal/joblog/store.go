package joblog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ambiware-labs/timbre/internal/config"
	_ "modernc.org/sqlite"
)

// Job statuses recorded in the log.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is one pipeline invocation (extract or clone).
type Job struct {
	ID        string
	Kind      string
	Status    string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StageEvent is a single recorded pipeline stage transition.
type StageEvent struct {
	ID        int64
	JobID     string
	Stage     string
	Detail    string
	CreatedAt time.Time
}

// Store is a SQLite-backed log of pipeline invocations and their stage
// transitions. With retention_mode=ephemeral it degrades to a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.JobLogConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the job log according to config.
func Open(ctx context.Context, cfg config.JobLogConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("job log vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("job log prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS stage_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_stage_events_job_created ON stage_events(job_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginJob records the start of a pipeline invocation.
func (s *Store) BeginJob(ctx context.Context, jobID, kind string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, kind, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO NOTHING`,
		jobID, kind, StatusRunning, now, now)
	return err
}

// FinishJob records the terminal status of a pipeline invocation. errMsg is
// empty for completed jobs.
func (s *Store) FinishJob(ctx context.Context, jobID, status, errMsg string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE job_id = ?`,
		status, errMsg, s.clock().UTC(), jobID)
	return err
}

// AppendStage records a stage transition for a job.
func (s *Store) AppendStage(ctx context.Context, jobID, stage, detail string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_events(job_id, stage, detail, created_at) VALUES(?, ?, ?, ?)`,
		jobID, stage, detail, s.clock().UTC())
	return err
}

// GetJob retrieves a single job row. Returns sql.ErrNoRows when absent or
// when the store is ephemeral.
func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	var job Job
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return job, sql.ErrNoRows
	}
	var created, updated string
	var errMsg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, kind, status, error, created_at, updated_at FROM jobs WHERE job_id = ?`,
		jobID).Scan(&job.ID, &job.Kind, &job.Status, &errMsg, &created, &updated)
	if err != nil {
		return job, err
	}
	job.Error = errMsg.String
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		job.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		job.UpdatedAt = ts
	}
	return job, nil
}

// ListStageEvents retrieves up to limit stage events for a job ordered
// ascending by time.
func (s *Store) ListStageEvents(ctx context.Context, jobID string, limit int) ([]StageEvent, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, stage, detail, created_at
		 FROM stage_events WHERE job_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []StageEvent
	for rows.Next() {
		var e StageEvent
		var detail sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Stage, &detail, &created); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
