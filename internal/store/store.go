// ABOUTME: Store interface and record types for pairroom persistence
// ABOUTME: Defines ExecutionRecord, CodeSnapshot and the content digest helper

package store

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/zeebo/blake3"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// DefaultListLimit caps list queries when the caller passes a non-positive limit.
const DefaultListLimit = 50

// ExecutionRecord is one finished (or failed) execution of a room's code.
type ExecutionRecord struct {
	ID            string    `json:"id"`
	RoomID        string    `json:"roomId"`
	RequestedBy   string    `json:"requestedBy"` // user id
	Language      string    `json:"language"`
	Version       string    `json:"version"`
	Code          string    `json:"code"`
	Stdin         string    `json:"stdin,omitempty"`
	Stdout        string    `json:"stdout"`
	Stderr        string    `json:"stderr"`
	CompileOutput string    `json:"compileOutput,omitempty"`
	ExitCode      int       `json:"exitCode"`
	Success       bool      `json:"success"`
	DurationMs    int64     `json:"durationMs"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error,omitempty"` // dispatcher failure, empty on success
	CreatedAt     time.Time `json:"createdAt"`
}

// CodeSnapshot is the content of a room buffer at a point in time.
type CodeSnapshot struct {
	ID        string
	RoomID    string
	AuthorID  string
	Content   string
	Digest    string
	CreatedAt time.Time
}

// Store is the persistence bridge used by the gateway.
type Store interface {
	// RecordExecution stores an execution outcome.
	RecordExecution(ctx context.Context, rec *ExecutionRecord) error

	// RecordCodeSnapshot stores snap unless its digest equals the room's
	// latest snapshot. It reports whether a row was written and fills in
	// snap.Digest.
	RecordCodeSnapshot(ctx context.Context, snap *CodeSnapshot) (bool, error)

	// ListExecutions returns a room's executions, newest first.
	ListExecutions(ctx context.Context, roomID string, limit int) ([]*ExecutionRecord, error)

	// LatestSnapshot returns the room's newest snapshot or ErrNotFound.
	LatestSnapshot(ctx context.Context, roomID string) (*CodeSnapshot, error)

	Close() error
}

// Digest returns the hex blake3 digest of content.
func Digest(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// timeLayout is a fixed-width UTC layout so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
