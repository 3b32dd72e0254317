package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"annihilator/internal/config"
	"annihilator/internal/job"
	"annihilator/internal/progress"
	"annihilator/internal/services"
)

// Store is the SQLite-backed job ledger. It implements job.Recorder.
type Store struct {
	db   *sql.DB
	path string
}

var _ job.Recorder = (*Store)(nil)

// Open connects to the ledger under the configured state directory.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.HistoryPath())
}

// OpenPath connects to the ledger at path, creating it when missing.
func OpenPath(path string) (*Store, error) {
	db, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// JobStarted inserts a ledger row for a new job.
func (s *Store) JobStarted(ctx context.Context, rec job.Record) error {
	started := rec.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	stage := rec.Stage
	if stage == "" {
		stage = progress.StageNotStarted
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, filename, stage, message, started_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Filename,
		string(stage),
		nullableString(rec.Message),
		formatTime(started),
		formatTime(started),
	)
	if err != nil {
		return services.Wrap(services.ErrTransient, "history", "insert job", rec.ID, err)
	}
	return nil
}

// JobStage records a non-terminal transition.
func (s *Store) JobStage(ctx context.Context, id string, stage progress.Stage, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET stage = ?, message = ?, updated_at = ? WHERE id = ?`,
		string(stage),
		nullableString(message),
		formatTime(time.Now().UTC()),
		id,
	)
	if err != nil {
		return services.Wrap(services.ErrTransient, "history", "update stage", id, err)
	}
	return requireRow(res, id)
}

// JobFinished records the terminal state and the stems that were found.
func (s *Store) JobFinished(ctx context.Context, rec job.Record) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	stems, err := encodeStems(rec.Stems)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET stage = ?, message = ?, stems_json = ?, updated_at = ?, finished_at = ?
         WHERE id = ?`,
		string(rec.Stage),
		nullableString(rec.Message),
		stems,
		formatTime(updated),
		formatTime(updated),
		rec.ID,
	)
	if err != nil {
		return services.Wrap(services.ErrTransient, "history", "finish job", rec.ID, err)
	}
	return requireRow(res, rec.ID)
}

// Get returns one job. A missing id yields an ErrNotFound error.
func (s *Store) Get(ctx context.Context, id string) (*job.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "history", "get job", id, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return rec, nil
}

// List returns the most recent jobs first. A limit <= 0 returns all rows.
func (s *Store) List(ctx context.Context, limit int) ([]job.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM jobs ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []job.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Counts returns the number of jobs per stage.
func (s *Store) Counts(ctx context.Context) (map[progress.Stage]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, COUNT(1) FROM jobs GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[progress.Stage]int)
	for rows.Next() {
		var (
			stage string
			count int
		)
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[progress.Stage(stage)] = count
	}
	return counts, rows.Err()
}

// MarkInterrupted moves jobs left unfinished by a previous process to ERROR.
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET stage = ?, message = ?, updated_at = ?, finished_at = ?
         WHERE finished_at IS NULL`,
		string(progress.StageError),
		"interrupted by shutdown",
		now,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted jobs: %w", err)
	}
	return res.RowsAffected()
}

// Prune deletes finished jobs older than cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?`,
		formatTime(cutoff.UTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return services.Wrap(services.ErrNotFound, "history", "update job", id, nil)
	}
	return nil
}

func encodeStems(stems []string) (any, error) {
	if len(stems) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(stems)
	if err != nil {
		return nil, fmt.Errorf("marshal stems: %w", err)
	}
	return string(data), nil
}
