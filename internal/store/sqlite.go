// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists execution history and code snapshots with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// :memory: databases are per-connection
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS executions (
			id             TEXT PRIMARY KEY,
			room_id        TEXT NOT NULL,
			requested_by   TEXT NOT NULL,
			language       TEXT NOT NULL,
			version        TEXT,
			code           TEXT NOT NULL,
			stdin          TEXT,
			stdout         TEXT,
			stderr         TEXT,
			compile_output TEXT,
			exit_code      INTEGER NOT NULL DEFAULT 0,
			success        INTEGER NOT NULL DEFAULT 0,
			duration_ms    INTEGER NOT NULL DEFAULT 0,
			attempts       INTEGER NOT NULL DEFAULT 0,
			error          TEXT,
			created_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_executions_room_created
			ON executions(room_id, created_at);

		CREATE TABLE IF NOT EXISTS code_snapshots (
			id         TEXT PRIMARY KEY,
			room_id    TEXT NOT NULL,
			author_id  TEXT NOT NULL,
			content    TEXT NOT NULL,
			digest     TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_code_snapshots_room_created
			ON code_snapshots(room_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// RecordExecution inserts an execution record.
func (s *SQLiteStore) RecordExecution(ctx context.Context, rec *ExecutionRecord) error {
	query := `
		INSERT INTO executions (
			id, room_id, requested_by, language, version, code, stdin,
			stdout, stderr, compile_output, exit_code, success, duration_ms,
			attempts, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.RoomID, rec.RequestedBy, rec.Language, rec.Version, rec.Code, rec.Stdin,
		rec.Stdout, rec.Stderr, rec.CompileOutput, rec.ExitCode, boolToInt(rec.Success), rec.DurationMs,
		rec.Attempts, rec.Error, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// RecordCodeSnapshot inserts snap unless the room's latest snapshot has the same digest.
func (s *SQLiteStore) RecordCodeSnapshot(ctx context.Context, snap *CodeSnapshot) (bool, error) {
	snap.Digest = Digest(snap.Content)

	var latest string
	err := s.db.QueryRowContext(ctx,
		`SELECT digest FROM code_snapshots WHERE room_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		snap.RoomID,
	).Scan(&latest)
	switch {
	case err == nil && latest == snap.Digest:
		return false, nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("querying latest snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO code_snapshots (id, room_id, author_id, content, digest, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.RoomID, snap.AuthorID, snap.Content, snap.Digest, formatTime(snap.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting snapshot: %w", err)
	}
	return true, nil
}

// ListExecutions returns a room's executions, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, roomID string, limit int) ([]*ExecutionRecord, error) {
	query := `
		SELECT id, room_id, requested_by, language, COALESCE(version, ''), code, COALESCE(stdin, ''),
			COALESCE(stdout, ''), COALESCE(stderr, ''), COALESCE(compile_output, ''),
			exit_code, success, duration_ms, attempts, COALESCE(error, ''), created_at
		FROM executions
		WHERE room_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, roomID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		var (
			rec       ExecutionRecord
			success   int
			createdAt string
		)
		if err := rows.Scan(
			&rec.ID, &rec.RoomID, &rec.RequestedBy, &rec.Language, &rec.Version, &rec.Code, &rec.Stdin,
			&rec.Stdout, &rec.Stderr, &rec.CompileOutput,
			&rec.ExitCode, &success, &rec.DurationMs, &rec.Attempts, &rec.Error, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		rec.Success = success != 0
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return records, nil
}

// LatestSnapshot returns the newest snapshot for a room.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context, roomID string) (*CodeSnapshot, error) {
	var (
		snap      CodeSnapshot
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, author_id, content, digest, created_at
		FROM code_snapshots
		WHERE room_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, roomID).Scan(&snap.ID, &snap.RoomID, &snap.AuthorID, &snap.Content, &snap.Digest, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &snap, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)
