// ABOUTME: Single-consumer FIFO dispatcher that paces and retries calls to the execution backend
// ABOUTME: Guarantees at most one in-flight backend call and a minimum interval between dispatch starts

package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/pairroom/internal/clock"
)

// Options configures a Dispatcher.
type Options struct {
	// MinInterval spaces consecutive dispatch starts. Zero disables pacing.
	MinInterval time.Duration

	// Policy bounds retries. Zero fields take DefaultPolicy values.
	Policy Policy

	// RequestTimeout bounds each backend call. Zero means no timeout.
	RequestTimeout time.Duration

	// QueueSize caps the number of waiting requests.
	QueueSize int

	// OnStateChange, if set, is called synchronously on every state
	// transition. It must not block.
	OnStateChange func(req Request, state State, attempt int)

	Clock  clock.Clock
	Logger *slog.Logger

	// sleep waits between attempts; tests replace it to record delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// Dispatcher serializes execution requests in front of a rate limited backend.
type Dispatcher struct {
	backend Backend
	opts    Options
	policy  Policy
	limiter *rate.Limiter
	clock   clock.Clock
	logger  *slog.Logger

	queue chan *job

	mu     sync.RWMutex // guards closed against sends on queue
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type job struct {
	req    Request
	result chan outcome
}

type outcome struct {
	res *Result
	err error
}

// NewDispatcher starts a dispatcher in front of backend. Call Close to stop it.
func NewDispatcher(backend Backend, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}

	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		backend: backend,
		opts:    opts,
		policy:  opts.Policy.withDefaults(),
		// Burst 1 turns the token bucket into fixed spacing between starts.
		limiter: rate.NewLimiter(limit, 1),
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "dispatcher"),
		queue:   make(chan *job, opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if d.opts.sleep == nil {
		d.opts.sleep = func(ctx context.Context, dur time.Duration) error {
			return clock.Sleep(ctx, d.clock, dur)
		}
	}

	go d.run()
	return d
}

// Submit enqueues req and waits for its outcome. Requests are dispatched in
// submission order. If ctx ends first Submit returns ctx.Err(), but the
// request still runs; the dispatcher has no notion of caller cancellation.
//
// A request that exhausts its attempts returns a *DispatchError.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*Result, error) {
	req.Language = NormalizeLanguage(req.Language)
	if strings.TrimSpace(req.Code) == "" || req.Language == "" {
		return nil, fmt.Errorf("%w: code and language are required", ErrInvalidRequest)
	}

	j := &job{req: req, result: make(chan outcome, 1)}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, ErrDispatcherClosed
	}
	d.transition(req, StateQueued, 0)
	select {
	case d.queue <- j:
	default:
		d.mu.RUnlock()
		d.transition(req, StateFailed, 0)
		return nil, ErrQueueFull
	}
	d.mu.RUnlock()

	select {
	case o := <-j.result:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of requests waiting behind the in-flight one.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close stops the dispatcher. Queued requests fail with ErrDispatcherClosed
// and an in-flight backend call is cancelled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			d.drain()
			return
		case j := <-d.queue:
			d.process(j)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case j := <-d.queue:
			d.transition(j.req, StateFailed, 0)
			j.result <- outcome{err: ErrDispatcherClosed}
		default:
			return
		}
	}
}

// process runs every attempt for one request. It is the only caller of the
// backend, which keeps a single call in flight.
func (d *Dispatcher) process(j *job) {
	schedule := d.policy.newBackOff(d.clock)
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		if err := d.limiter.Wait(d.ctx); err != nil {
			lastErr = ErrDispatcherClosed
			break
		}

		attempts = attempt
		d.transition(j.req, StateDispatching, attempt)

		start := d.clock.Now()
		res, err := d.call(j.req)
		if err == nil {
			res.RequestID = j.req.ID
			res.Attempts = attempt
			if res.Duration == 0 {
				res.Duration = d.clock.Now().Sub(start)
			}
			d.transition(j.req, StateSucceeded, attempt)
			j.result <- outcome{res: res}
			return
		}
		lastErr = err

		if !IsRetryable(err) || attempt == d.policy.MaxAttempts {
			break
		}

		wait := d.policy.delay(err, schedule)
		d.transition(j.req, StateRetrying, attempt)
		d.logger.Info("retrying execution",
			"request_id", j.req.ID,
			"room_id", j.req.RoomID,
			"attempt", attempt,
			"delay", wait,
			"error", err,
		)
		if err := d.opts.sleep(d.ctx, wait); err != nil {
			lastErr = ErrDispatcherClosed
			break
		}
	}

	d.transition(j.req, StateFailed, attempts)
	d.logger.Warn("execution failed",
		"request_id", j.req.ID,
		"room_id", j.req.RoomID,
		"attempts", attempts,
		"error", lastErr,
	)
	j.result <- outcome{err: &DispatchError{Attempts: attempts, Err: lastErr}}
}

// call makes one backend call under the request timeout.
func (d *Dispatcher) call(req Request) (*Result, error) {
	ctx := d.ctx
	if d.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(d.ctx, d.opts.RequestTimeout)
		defer cancel()
	}

	res, err := d.backend.Execute(ctx, req)
	if err != nil {
		if d.ctx.Err() != nil {
			return nil, ErrDispatcherClosed
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrExecutionTimeout, d.opts.RequestTimeout, err)
		}
		return nil, err
	}
	if res == nil {
		return nil, errors.New("execution backend returned no result")
	}
	return res, nil
}

func (d *Dispatcher) transition(req Request, state State, attempt int) {
	d.logger.Debug("execution state",
		"request_id", req.ID,
		"room_id", req.RoomID,
		"state", state.String(),
		"attempt", attempt,
	)
	if d.opts.OnStateChange != nil {
		d.opts.OnStateChange(req, state, attempt)
	}
}
