// ABOUTME: PostgreSQL implementation of the Store interface using a pgx connection pool
// ABOUTME: Same schema and semantics as the SQLite store, for shared deployments

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the Store interface on PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to the database at url and creates the schema
// if it doesn't exist.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS executions (
			id             TEXT PRIMARY KEY,
			room_id        TEXT NOT NULL,
			requested_by   TEXT NOT NULL,
			language       TEXT NOT NULL,
			version        TEXT NOT NULL DEFAULT '',
			code           TEXT NOT NULL,
			stdin          TEXT NOT NULL DEFAULT '',
			stdout         TEXT NOT NULL DEFAULT '',
			stderr         TEXT NOT NULL DEFAULT '',
			compile_output TEXT NOT NULL DEFAULT '',
			exit_code      INTEGER NOT NULL DEFAULT 0,
			success        BOOLEAN NOT NULL DEFAULT FALSE,
			duration_ms    BIGINT NOT NULL DEFAULT 0,
			attempts       INTEGER NOT NULL DEFAULT 0,
			error          TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_executions_room_created
			ON executions(room_id, created_at);

		CREATE TABLE IF NOT EXISTS code_snapshots (
			seq        BIGSERIAL,
			id         TEXT PRIMARY KEY,
			room_id    TEXT NOT NULL,
			author_id  TEXT NOT NULL,
			content    TEXT NOT NULL,
			digest     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_code_snapshots_room_created
			ON code_snapshots(room_id, created_at);
	`)
	return err
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

// RecordExecution inserts an execution record.
func (s *PostgresStore) RecordExecution(ctx context.Context, rec *ExecutionRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (
			id, room_id, requested_by, language, version, code, stdin,
			stdout, stderr, compile_output, exit_code, success, duration_ms,
			attempts, error, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		rec.ID, rec.RoomID, rec.RequestedBy, rec.Language, rec.Version, rec.Code, rec.Stdin,
		rec.Stdout, rec.Stderr, rec.CompileOutput, rec.ExitCode, rec.Success, rec.DurationMs,
		rec.Attempts, rec.Error, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// RecordCodeSnapshot inserts snap unless the room's latest snapshot has the same digest.
func (s *PostgresStore) RecordCodeSnapshot(ctx context.Context, snap *CodeSnapshot) (bool, error) {
	snap.Digest = Digest(snap.Content)

	var latest string
	err := s.pool.QueryRow(ctx,
		`SELECT digest FROM code_snapshots WHERE room_id = $1 ORDER BY created_at DESC, seq DESC LIMIT 1`,
		snap.RoomID,
	).Scan(&latest)
	switch {
	case err == nil && latest == snap.Digest:
		return false, nil
	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("querying latest snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO code_snapshots (id, room_id, author_id, content, digest, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.ID, snap.RoomID, snap.AuthorID, snap.Content, snap.Digest, snap.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("inserting snapshot: %w", err)
	}
	return true, nil
}

// ListExecutions returns a room's executions, newest first.
func (s *PostgresStore) ListExecutions(ctx context.Context, roomID string, limit int) ([]*ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, requested_by, language, version, code, stdin,
			stdout, stderr, compile_output, exit_code, success, duration_ms,
			attempts, error, created_at
		FROM executions
		WHERE room_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, roomID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		if err := rows.Scan(
			&rec.ID, &rec.RoomID, &rec.RequestedBy, &rec.Language, &rec.Version, &rec.Code, &rec.Stdin,
			&rec.Stdout, &rec.Stderr, &rec.CompileOutput, &rec.ExitCode, &rec.Success, &rec.DurationMs,
			&rec.Attempts, &rec.Error, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return records, nil
}

// LatestSnapshot returns the newest snapshot for a room.
func (s *PostgresStore) LatestSnapshot(ctx context.Context, roomID string) (*CodeSnapshot, error) {
	var snap CodeSnapshot
	err := s.pool.QueryRow(ctx, `
		SELECT id, room_id, author_id, content, digest, created_at
		FROM code_snapshots
		WHERE room_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, roomID).Scan(&snap.ID, &snap.RoomID, &snap.AuthorID, &snap.Content, &snap.Digest, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	return &snap, nil
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)
