package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore keeps the local run history in a SQLite file, typically
// next to the organization directory.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys guard the runs/run_kinds cascade.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate brings the schema up to date from the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SaveRun persists a finished run and its per-kind breakdown in one
// transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, record *RunRecord, kinds []KindRecord) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, mode, environment, project, dry_run, state, started_at, finished_at,
			created, changed, unchanged, deleted, duplicates, failed, dropped_items
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.Mode,
		record.Environment,
		record.Project,
		record.DryRun,
		record.State,
		record.StartedAt,
		record.FinishedAt,
		record.Created,
		record.Changed,
		record.Unchanged,
		record.Deleted,
		record.Duplicates,
		record.Failed,
		record.DroppedItems,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, kind := range kinds {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_kinds (
				run_id, position, kind,
				created, changed, unchanged, deleted, duplicates, failed, dropped_items,
				skipped, note, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			kind.RunID,
			kind.Position,
			kind.Kind,
			kind.Created,
			kind.Changed,
			kind.Unchanged,
			kind.Deleted,
			kind.Duplicates,
			kind.Failed,
			kind.DroppedItems,
			kind.Skipped,
			kind.Note,
			kind.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to insert run kind: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// GetRun retrieves one run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	record := &RunRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, mode, environment, project, dry_run, state, started_at, finished_at,
		       created, changed, unchanged, deleted, duplicates, failed, dropped_items
		FROM runs
		WHERE id = ?
	`, id).Scan(
		&record.ID,
		&record.Mode,
		&record.Environment,
		&record.Project,
		&record.DryRun,
		&record.State,
		&record.StartedAt,
		&record.FinishedAt,
		&record.Created,
		&record.Changed,
		&record.Unchanged,
		&record.Deleted,
		&record.Duplicates,
		&record.Failed,
		&record.DroppedItems,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return record, nil
}

// ListRuns lists runs newest first, with pagination.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, environment, project, dry_run, state, started_at, finished_at,
		       created, changed, unchanged, deleted, duplicates, failed, dropped_items
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	records := []*RunRecord{}
	for rows.Next() {
		record := &RunRecord{}
		err := rows.Scan(
			&record.ID,
			&record.Mode,
			&record.Environment,
			&record.Project,
			&record.DryRun,
			&record.State,
			&record.StartedAt,
			&record.FinishedAt,
			&record.Created,
			&record.Changed,
			&record.Unchanged,
			&record.Deleted,
			&record.Duplicates,
			&record.Failed,
			&record.DroppedItems,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return records, nil
}

// ListRunKinds lists the per-kind breakdown of one run in visit order.
func (s *SQLiteStore) ListRunKinds(ctx context.Context, runID string) ([]KindRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, position, kind,
		       created, changed, unchanged, deleted, duplicates, failed, dropped_items,
		       skipped, note, error
		FROM run_kinds
		WHERE run_id = ?
		ORDER BY position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run kinds: %w", err)
	}
	defer rows.Close()

	kinds := []KindRecord{}
	for rows.Next() {
		kind := KindRecord{}
		err := rows.Scan(
			&kind.RunID,
			&kind.Position,
			&kind.Kind,
			&kind.Created,
			&kind.Changed,
			&kind.Unchanged,
			&kind.Deleted,
			&kind.Duplicates,
			&kind.Failed,
			&kind.DroppedItems,
			&kind.Skipped,
			&kind.Note,
			&kind.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run kind: %w", err)
		}
		kinds = append(kinds, kind)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run kinds: %w", err)
	}
	return kinds, nil
}

// DeleteRun deletes a run and its kind breakdown.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// PruneRuns deletes all but the newest keep runs. Returns the number of
// runs removed.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
