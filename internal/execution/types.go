// ABOUTME: Request, Result and Backend types shared by the dispatcher and runner clients
// ABOUTME: Also defines the per-request dispatch state machine

package execution

import (
	"context"
	"time"
)

// Request is one execution submitted by a participant.
type Request struct {
	ID          string
	RoomID      string
	RequestedBy string
	Code        string
	Language    string
	Version     string // "" or "*" selects the runner's latest
	Stdin       string
}

// Result is the runner's outcome for a Request.
type Result struct {
	RequestID     string        `json:"requestId"`
	Language      string        `json:"language"`
	Version       string        `json:"version"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	CompileOutput string        `json:"compileOutput,omitempty"`
	ExitCode      int           `json:"exitCode"`
	Signal        string        `json:"signal,omitempty"`
	Duration      time.Duration `json:"-"`
	Success       bool          `json:"success"`
	Attempts      int           `json:"attempts"`
}

// Backend executes a single request against the remote runner. It is called
// by the dispatcher and never concurrently with itself.
type Backend interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// State is a request's position in the dispatch state machine.
type State int

const (
	StateQueued State = iota
	StateDispatching
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDispatching:
		return "dispatching"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
