// ABOUTME: Persistence bridge: fire-and-forget writes of executions, code snapshots and mirrored events
// ABOUTME: A single background worker applies writes in submission order; a full queue drops the write

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/pairroom/internal/clock"
	"github.com/2389/pairroom/internal/execution"
	"github.com/2389/pairroom/internal/mirror"
	"github.com/2389/pairroom/internal/store"
)

const (
	bridgeQueueSize    = 1024
	bridgeWriteTimeout = 5 * time.Second
)

// Bridge hands durable writes to a background worker so that storage
// latency never reaches the live update path. Failures are logged only.
type Bridge struct {
	store  store.Store       // nil disables persistence
	mirror mirror.Publisher  // never nil
	clock  clock.Clock
	logger *slog.Logger

	tasks     chan bridgeTask
	mu        sync.RWMutex // guards closed against sends on tasks
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

type bridgeTask struct {
	name string
	run  func(ctx context.Context) error
}

// NewBridge starts the bridge worker. s may be nil; pub nil means no mirror.
func NewBridge(s store.Store, pub mirror.Publisher, clk clock.Clock, logger *slog.Logger) *Bridge {
	if pub == nil {
		pub = mirror.Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		store:  s,
		mirror: pub,
		clock:  clk,
		logger: logger.With("component", "bridge"),
		tasks:  make(chan bridgeTask, bridgeQueueSize),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// RecordExecution persists the outcome of an execution request.
func (b *Bridge) RecordExecution(req execution.Request, res *execution.Result, execErr error) {
	if b.store == nil {
		return
	}
	rec := &store.ExecutionRecord{
		ID:          req.ID,
		RoomID:      req.RoomID,
		RequestedBy: req.RequestedBy,
		Language:    req.Language,
		Version:     req.Version,
		Code:        req.Code,
		Stdin:       req.Stdin,
		CreatedAt:   b.clock.Now(),
	}
	if res != nil {
		rec.Language = res.Language
		rec.Version = res.Version
		rec.Stdout = res.Stdout
		rec.Stderr = res.Stderr
		rec.CompileOutput = res.CompileOutput
		rec.ExitCode = res.ExitCode
		rec.Success = res.Success
		rec.DurationMs = res.Duration.Milliseconds()
		rec.Attempts = res.Attempts
	}
	if execErr != nil {
		rec.Error = execErr.Error()
		var de *execution.DispatchError
		if errors.As(execErr, &de) {
			rec.Attempts = de.Attempts
		}
	}

	b.enqueue("record execution", func(ctx context.Context) error {
		return b.store.RecordExecution(ctx, rec)
	})
}

// RecordCodeSnapshot persists the room buffer after an edit. Unchanged
// content is skipped by the store.
func (b *Bridge) RecordCodeSnapshot(roomID, content, authorID string) {
	if b.store == nil {
		return
	}
	snap := &store.CodeSnapshot{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: b.clock.Now(),
	}
	b.enqueue("record snapshot", func(ctx context.Context) error {
		_, err := b.store.RecordCodeSnapshot(ctx, snap)
		return err
	})
}

// Mirror republishes a room event.
func (b *Bridge) Mirror(roomID, eventType string, payload any) {
	if _, ok := b.mirror.(mirror.Nop); ok {
		return
	}
	b.enqueue("mirror "+eventType, func(ctx context.Context) error {
		return b.mirror.Publish(ctx, roomID, eventType, payload)
	})
}

// Close stops accepting writes, waits for queued ones, and closes the mirror.
// The store is owned by the caller.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.tasks)
		b.mu.Unlock()
		<-b.done
		err = b.mirror.Close()
	})
	return err
}

func (b *Bridge) enqueue(name string, run func(ctx context.Context) error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.tasks <- bridgeTask{name: name, run: run}:
	default:
		b.logger.Warn("bridge queue full, dropping write", "task", name)
	}
}

func (b *Bridge) run() {
	defer close(b.done)
	for task := range b.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), bridgeWriteTimeout)
		if err := task.run(ctx); err != nil {
			b.logger.Error("bridge write failed", "task", task.name, "error", err)
		}
		cancel()
	}
}
