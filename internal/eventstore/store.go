package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job has no recorded history.
var ErrNotFound = errors.New("job not found")

// Job is the latest recorded state of a transcription job.
type Job struct {
	ID         string    `json:"id"`
	AudioKey   string    `json:"audio_key"`
	ModelID    string    `json:"model_id"`
	Backend    string    `json:"backend"`
	Status     string    `json:"status"`
	Text       string    `json:"text,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Event represents a recorded timeline entry for a job.
type Event struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps a SQLite-backed job history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
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
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
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
    audio_key TEXT,
    model_id TEXT,
    backend TEXT,
    status TEXT NOT NULL,
    text TEXT,
    error TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS job_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_job_events_job_created ON job_events(job_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_started ON jobs(started_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
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
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// UpsertJob records the latest state of a job.
func (s *Store) UpsertJob(ctx context.Context, job Job) error {
	if s.disabled() {
		return nil
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = s.clock()
	}
	var finished any
	if !job.FinishedAt.IsZero() {
		finished = job.FinishedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, audio_key, model_id, backend, status, text, error, started_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET status=excluded.status, text=excluded.text,
		   error=excluded.error, finished_at=excluded.finished_at`,
		job.ID, job.AudioKey, job.ModelID, job.Backend, job.Status, job.Text, job.Error,
		job.StartedAt.UnixMilli(), finished)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events(job_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.JobID, evt.Type, evt.Payload, evt.CreatedAt.UnixMilli())
	return err
}

// GetJob returns a job and its events ordered by time.
func (s *Store) GetJob(ctx context.Context, jobID string) (Job, []Event, error) {
	if s.disabled() {
		return Job{}, nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, audio_key, model_id, backend, status, text, error, started_at, finished_at
		 FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, nil, ErrNotFound
	}
	if err != nil {
		return Job{}, nil, err
	}
	events, err := s.ListJobEvents(ctx, jobID, 0)
	return job, events, err
}

// ListJobs returns up to limit jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, audio_key, model_id, backend, status, text, error, started_at, finished_at
		 FROM jobs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var job Job
	var audioKey, modelID, backend, text, errText sql.NullString
	var started int64
	var finished sql.NullInt64
	if err := row.Scan(&job.ID, &audioKey, &modelID, &backend, &job.Status, &text, &errText, &started, &finished); err != nil {
		return Job{}, err
	}
	job.AudioKey = audioKey.String
	job.ModelID = modelID.String
	job.Backend = backend.String
	job.Text = text.String
	job.Error = errText.String
	job.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		job.FinishedAt = time.UnixMilli(finished.Int64).UTC()
	}
	return job, nil
}

// ListJobEvents retrieves up to limit events for a job ordered ascending by time.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, event_type, payload, created_at
		 FROM job_events WHERE job_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
