// Package scheduler runs agent requests with per-session-key FIFO ordering,
// bounded global concurrency, retries and cooperative cancellation.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/wingman-ai/wingman/pkg/protocol"
)

// State is a request's lifecycle position.
type State int

const (
	StateQueued State = iota
	StateRunning
	StateCancelling
	StateDone
)

// Task is one agent request submitted to the scheduler.
type Task struct {
	RequestID   string
	NodeID      string // originator
	AgentID     string
	SessionKey  string
	SessionID   string
	Content     string
	Attachments []protocol.Attachment
	QueueIfBusy bool
	// Deadline is the client-requested limit; the effective deadline is the
	// smaller of this and the server maximum.
	Deadline time.Duration
	// Prepare, when set, runs once the task is admitted and about to start,
	// before OnStart and the first execute attempt. A failure fails the task
	// without running it. Rejected submissions never reach Prepare, so side
	// effects such as session persistence happen only for accepted work.
	Prepare func(ctx context.Context) error

	state     State
	cancel    context.CancelFunc
	finished  chan struct{}
	abandoned bool
	reported  bool
}

// ExecuteFunc performs one attempt of a task. Errors with code Transient are
// retried; everything else fails the task.
type ExecuteFunc func(ctx context.Context, task *Task) error

// Hooks receive lifecycle notifications. Calls for one task arrive in order;
// a nil hook is skipped.
type Hooks struct {
	OnQueued func(task *Task, position int)
	OnStart  func(task *Task)
	OnRetry  func(task *Task, attempt int, err error, delay time.Duration)
	OnDone   func(task *Task, err error)
}

// Options tune the scheduler. Zero values fall back to defaults.
type Options struct {
	MaxConcurrent    int
	MaxDuration      time.Duration
	GracefulShutdown time.Duration
	RetryAttempts    int
	RetryBase        time.Duration
	RetryMax         time.Duration
	RetryJitter      time.Duration
	IdleRetire       time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 32
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = 10 * time.Minute
	}
	if o.GracefulShutdown <= 0 {
		o.GracefulShutdown = 5 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 4 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 200 * time.Millisecond
	}
	if o.IdleRetire <= 0 {
		o.IdleRetire = 60 * time.Second
	}
}

// Scheduler coordinates request execution. One coordinator goroutine runs per
// active session key, created on first arrival and retired after an idle
// period.
type Scheduler struct {
	logger  *slog.Logger
	execute ExecuteFunc
	hooks   Hooks
	opts    Options
	sem     chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	keys   map[string]*keyState
	tasks  map[string]*Task
	closed bool
	wg     sync.WaitGroup
}

type keyState struct {
	queue   []*Task
	running *Task
	wake    chan struct{}
}

// New creates a scheduler. Execute is invoked once per attempt.
func New(logger *slog.Logger, execute ExecuteFunc, hooks Hooks, opts Options) *Scheduler {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:     logger.With("component", "scheduler"),
		execute:    execute,
		hooks:      hooks,
		opts:       opts,
		sem:        make(chan struct{}, opts.MaxConcurrent),
		baseCtx:    ctx,
		baseCancel: cancel,
		keys:       make(map[string]*keyState),
		tasks:      make(map[string]*Task),
	}
}

// Submit enqueues a task. When the key is busy and the task declined
// queueing, it fails with Busy. Duplicate request IDs fail with Conflict.
func (s *Scheduler) Submit(t *Task) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return protocol.E(protocol.CodeInternal, "scheduler is shutting down")
	}
	if _, ok := s.tasks[t.RequestID]; ok {
		s.mu.Unlock()
		return protocol.E(protocol.CodeConflict, "request %s already exists", t.RequestID)
	}

	ks := s.keys[t.SessionKey]
	if ks == nil {
		ks = &keyState{wake: make(chan struct{}, 1)}
		s.keys[t.SessionKey] = ks
		s.wg.Add(1)
		go s.coordinator(t.SessionKey, ks)
	}

	busy := ks.running != nil || len(ks.queue) > 0
	if busy && !t.QueueIfBusy {
		s.mu.Unlock()
		return protocol.E(protocol.CodeBusy, "agent is busy for session %s", t.SessionKey)
	}

	t.state = StateQueued
	t.finished = make(chan struct{})
	ks.queue = append(ks.queue, t)
	s.tasks[t.RequestID] = t
	position := len(ks.queue)

	select {
	case ks.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()

	if busy && s.hooks.OnQueued != nil {
		s.hooks.OnQueued(t, position)
	}
	return nil
}

// Cancel requests cancellation of a task. A queued task finishes immediately
// as cancelled; a running task is signalled and given the graceful window to
// stop, after which it is reported as CancellationTimeout and abandoned.
// Cancelling an unknown or already finished request is a no-op.
func (s *Scheduler) Cancel(requestID string) {
	s.mu.Lock()
	t, ok := s.tasks[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}

	switch t.state {
	case StateQueued:
		ks := s.keys[t.SessionKey]
		if ks != nil {
			for i, qt := range ks.queue {
				if qt == t {
					ks.queue = append(ks.queue[:i], ks.queue[i+1:]...)
					break
				}
			}
		}
		s.finishLocked(t, protocol.E(protocol.CodeCancelled, "request cancelled before start"))
		s.mu.Unlock()

	case StateRunning:
		t.state = StateCancelling
		cancel := t.cancel
		finished := t.finished
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		go s.awaitCancel(t, finished)

	default:
		// Already cancelling or done.
		s.mu.Unlock()
	}
}

// awaitCancel enforces the graceful window for a cancelled running task.
func (s *Scheduler) awaitCancel(t *Task, finished chan struct{}) {
	timer := time.NewTimer(s.opts.GracefulShutdown)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		s.mu.Lock()
		if t.state != StateDone {
			t.abandoned = true
			s.finishLocked(t, protocol.E(protocol.CodeCancellationTimeout,
				"runner did not stop within %s", s.opts.GracefulShutdown))
			s.logger.Warn("abandoning stuck request", "requestId", t.RequestID, "sessionKey", t.SessionKey)
		}
		s.mu.Unlock()
	}
}

// CancelNode cancels every outstanding task originated by the given node.
func (s *Scheduler) CancelNode(nodeID string) {
	s.mu.Lock()
	var ids []string
	for id, t := range s.tasks {
		if t.NodeID == nodeID {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Cancel(id)
	}
}

// Pending returns the number of outstanding tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Shutdown cancels all work and waits for coordinators to exit or the
// context to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishLocked marks a task done and reports it exactly once. Callers hold
// s.mu.
func (s *Scheduler) finishLocked(t *Task, err error) {
	if t.reported {
		return
	}
	t.reported = true
	t.state = StateDone
	delete(s.tasks, t.RequestID)
	if s.hooks.OnDone != nil {
		// Release the lock for the hook: it fans out frames and must not
		// hold scheduler state while doing transport work.
		s.mu.Unlock()
		s.hooks.OnDone(t, err)
		s.mu.Lock()
	}
}

func (s *Scheduler) coordinator(key string, ks *keyState) {
	defer s.wg.Done()
	idle := time.NewTimer(s.opts.IdleRetire)
	defer idle.Stop()

	for {
		s.mu.Lock()
		var t *Task
		if len(ks.queue) > 0 {
			t = ks.queue[0]
			ks.queue = ks.queue[1:]
			ks.running = t
		}
		s.mu.Unlock()

		if t != nil {
			s.runTask(t)
			s.mu.Lock()
			ks.running = nil
			s.mu.Unlock()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.opts.IdleRetire)
			continue
		}

		select {
		case <-ks.wake:
		case <-idle.C:
			s.mu.Lock()
			if len(ks.queue) == 0 && ks.running == nil {
				delete(s.keys, key)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			idle.Reset(s.opts.IdleRetire)
		case <-s.baseCtx.Done():
			s.drain(ks)
			s.mu.Lock()
			delete(s.keys, key)
			s.mu.Unlock()
			return
		}
	}
}

// drain fails all queued tasks for a retiring coordinator during shutdown.
func (s *Scheduler) drain(ks *keyState) {
	s.mu.Lock()
	queued := ks.queue
	ks.queue = nil
	for _, t := range queued {
		s.finishLocked(t, protocol.E(protocol.CodeCancelled, "gateway shutting down"))
	}
	s.mu.Unlock()
}

func (s *Scheduler) runTask(t *Task) {
	deadline := s.opts.MaxDuration
	if t.Deadline > 0 && t.Deadline < deadline {
		deadline = t.Deadline
	}
	ctx, cancel := context.WithTimeout(s.baseCtx, deadline)
	defer cancel()

	s.mu.Lock()
	if t.state != StateQueued {
		// Cancelled between dequeue and start.
		s.mu.Unlock()
		return
	}
	t.state = StateRunning
	t.cancel = cancel
	s.mu.Unlock()

	// Global concurrency gate. Cancellation while waiting counts as a
	// cancel before start.
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.complete(t, s.doneError(ctx, nil))
		return
	}
	defer func() { <-s.sem }()

	if t.Prepare != nil {
		if err := t.Prepare(ctx); err != nil {
			s.complete(t, s.doneError(ctx, err))
			return
		}
	}

	if s.hooks.OnStart != nil {
		s.hooks.OnStart(t)
	}

	var err error
	for attempt := 0; attempt < s.opts.RetryAttempts; attempt++ {
		err = s.execute(ctx, t)
		if err == nil || ctx.Err() != nil || !protocol.Retryable(err) {
			break
		}
		if attempt == s.opts.RetryAttempts-1 {
			break
		}
		delay := s.backoff(attempt)
		if s.hooks.OnRetry != nil {
			s.hooks.OnRetry(t, attempt+1, err, delay)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	s.complete(t, s.doneError(ctx, err))
}

// doneError translates context state into the reported error.
func (s *Scheduler) doneError(ctx context.Context, err error) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return protocol.E(protocol.CodeCancelled, "request deadline exceeded")
	case context.Canceled:
		return protocol.E(protocol.CodeCancelled, "request cancelled")
	}
	return err
}

func (s *Scheduler) complete(t *Task, err error) {
	s.mu.Lock()
	close(t.finished)
	s.finishLocked(t, err)
	s.mu.Unlock()
}

// backoff computes the delay before retry attempt+1.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.opts.RetryBase << attempt
	if d > s.opts.RetryMax {
		d = s.opts.RetryMax
	}
	return d + rand.N(s.opts.RetryJitter)
}
