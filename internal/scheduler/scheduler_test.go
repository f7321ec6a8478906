package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wingman-ai/wingman/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOpts() Options {
	return Options{
		MaxConcurrent:    8,
		MaxDuration:      time.Minute,
		GracefulShutdown: 50 * time.Millisecond,
		RetryAttempts:    3,
		RetryBase:        time.Millisecond,
		RetryMax:         2 * time.Millisecond,
		RetryJitter:      time.Millisecond,
		IdleRetire:       time.Minute,
	}
}

// doneRecorder collects OnDone notifications.
type doneRecorder struct {
	mu   sync.Mutex
	errs map[string]error
	ch   chan string
}

func newDoneRecorder() *doneRecorder {
	return &doneRecorder{errs: map[string]error{}, ch: make(chan string, 16)}
}

func (d *doneRecorder) onDone(t *Task, err error) {
	d.mu.Lock()
	d.errs[t.RequestID] = err
	d.mu.Unlock()
	d.ch <- t.RequestID
}

func (d *doneRecorder) wait(t *testing.T, requestID string) error {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case id := <-d.ch:
			if id == requestID {
				d.mu.Lock()
				defer d.mu.Unlock()
				return d.errs[requestID]
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to finish", requestID)
		}
	}
}

func shutdown(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
}

func TestRunsTask(t *testing.T) {
	rec := newDoneRecorder()
	var ran bool
	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		ran = true
		return nil
	}, Hooks{OnDone: rec.onDone}, fastOpts())
	defer shutdown(t, s)

	if err := s.Submit(&Task{RequestID: "r1", SessionKey: "k", QueueIfBusy: true}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := rec.wait(t, "r1"); err != nil {
		t.Errorf("task error = %v", err)
	}
	if !ran {
		t.Error("execute never ran")
	}
}

func TestBusyRejection(t *testing.T) {
	rec := newDoneRecorder()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		<-release
		return nil
	}, Hooks{OnStart: func(*Task) { started <- struct{}{} }, OnDone: rec.onDone}, fastOpts())
	defer shutdown(t, s)
	defer close(release)

	if err := s.Submit(&Task{RequestID: "r1", SessionKey: "k", QueueIfBusy: true}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	<-started

	err := s.Submit(&Task{RequestID: "r2", SessionKey: "k", QueueIfBusy: false})
	if !protocol.IsCode(err, protocol.CodeBusy) {
		t.Errorf("busy submit error = %v, want Busy", err)
	}

	// A different session key is not busy.
	if err := s.Submit(&Task{RequestID: "r3", SessionKey: "other", QueueIfBusy: false}); err != nil {
		t.Errorf("other key rejected: %v", err)
	}
}

func TestPrepareRunsBeforeStart(t *testing.T) {
	rec := newDoneRecorder()
	var order []string
	var mu sync.Mutex
	note := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}
	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		note("execute")
		return nil
	}, Hooks{OnStart: func(*Task) { note("start") }, OnDone: rec.onDone}, fastOpts())
	defer shutdown(t, s)

	task := &Task{
		RequestID: "r1", SessionKey: "k", QueueIfBusy: true,
		Prepare: func(ctx context.Context) error { note("prepare"); return nil },
	}
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := rec.wait(t, "r1"); err != nil {
		t.Errorf("task error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "prepare" || order[1] != "start" || order[2] != "execute" {
		t.Errorf("order = %v, want [prepare start execute]", order)
	}
}

func TestPrepareFailureFailsTaskWithoutExecute(t *testing.T) {
	rec := newDoneRecorder()
	var executed bool
	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		executed = true
		return nil
	}, Hooks{OnDone: rec.onDone}, fastOpts())
	defer shutdown(t, s)

	task := &Task{
		RequestID: "r1", SessionKey: "k", QueueIfBusy: true,
		Prepare: func(ctx context.Context) error {
			return protocol.E(protocol.CodeInternal, "session persistence unavailable")
		},
	}
	if err := s.Submit(task); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := rec.wait(t, "r1"); !protocol.IsCode(err, protocol.CodeInternal) {
		t.Errorf("task error = %v, want Internal", err)
	}
	if executed {
		t.Error("execute ran despite Prepare failure")
	}
}

func TestPrepareSkippedOnBusyRejection(t *testing.T) {
	rec := newDoneRecorder()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		<-release
		return nil
	}, Hooks{OnStart: func(*Task) { started <- struct{}{} }, OnDone: rec.onDone}, fastOpts())
	defer shutdown(t, s)
	defer close(release)

	if err := s.Submit(&Task{RequestID: "r1", SessionKey: "k", QueueIfBusy: true}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	<-started

	var prepared bool
	err := s.Submit(&Task{
		RequestID: "r2", SessionKey: "k", QueueIfBusy: false,
		Prepare: func(ctx context.Context) error { prepared = true; return nil },
	})
	if !protocol.IsCode(err, protocol.CodeBusy) {
		t.Fatalf("busy submit error = %v, want Busy", err)
	}
	if prepared {
		t.Error("Prepare ran for a rejected submission")
	}
}

func TestDuplicateRequestID(t *testing.T) {
	rec := newDoneRecorder()
	release := make(chan struct{})
	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		<-release
		return nil
	}, Hooks{OnDone: rec.onDone}, fastOpts())
	defer shutdown(t, s)
	defer close(release)

	if err := s.Submit(&Task{RequestID: "r1", SessionKey: "k", QueueIfBusy: true}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	err := s.Submit(&Task{RequestID: "r1", SessionKey: "k", QueueIfBusy: true})
	if !protocol.IsCode(err, protocol.CodeConflict) {
		t.Errorf("duplicate submit error = %v, want Conflict", err)
	}
}

func TestFIFOPerKey(t *testing.T) {
	rec := newDoneRecorder()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var mu sync.Mutex
	var order []string
	var positions []int

	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		mu.Lock()
		order = append(order, task.RequestID)
		mu.Unlock()
		if task.RequestID == "r1" {
			<-release
		}
		return nil
	}, Hooks{
		OnStart: func(task *Task) {
			if task.RequestID == "r1" {
				started <- struct{}{}
			}
		},
		OnQueued: func(task *Task, position int) {
			mu.Lock()
			positions = append(positions, position)
			mu.Unlock()
		},
		OnDone: rec.onDone,
	}, fastOpts())
	defer shutdown(t, s)

	for _, id := range []string{"r1", "r2", "r3"} {
		if err := s.Submit(&Task{RequestID: id, SessionKey: "k", QueueIfBusy: true}); err != nil {
			t.Fatalf("Submit(%s) error: %v", id, err)
		}
		if id == "r1" {
			<-started
		}
	}
	close(release)

	rec.wait(t, "r1")
	rec.wait(t, "r2")
	rec.wait(t, "r3")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "r1" || order[1] != "r2" || order[2] != "r3" {
		t.Errorf("execution order = %v", order)
	}
	if len(positions) != 2 || positions[0] != 1 || positions[1] != 2 {
		t.Errorf("queue positions = %v, want [1 2]", positions)
	}
}

func TestRetryOnTransient(t *testing.T) {
	rec := newDoneRecorder()
	var mu sync.Mutex
	attempts := 0
	retries := 0

	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return protocol.E(protocol.CodeTransient, "flaky backend")
		}
		return nil
	}, Hooks{
		OnRetry: func(task *Task, attempt int, err error, delay time.Duration) {
			mu.Lock()
			retries++
			mu.Unlock()
		},
		OnDone: rec.onDone,
	}, fastOpts())
	defer shutdown(t, s)

	if err := s.Submit(&Task{RequestID: "r1", SessionKey: "k", QueueIfBusy: true}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := rec.wait(t, "r1"); err != nil {
		t.Errorf("task error after retries = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 || retries != 2 {
		t.Errorf("attempts = %d, retries = %d; want 3, 2", attempts, retries)
	}
}

func TestNoRetryOnHardError(t *testing.T) {
	rec := newDoneRecorder()
	var mu sync.Mutex
	attempts := 0
	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return protocol.E(protocol.CodeInternal, "broken")
	}, Hooks{OnDone: rec.onDone}, fastOpts())
	defer shutdown(t, s)

	if err := s.Submit(&Task{RequestID: "r1", SessionKey: "k", QueueIfBusy: true}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	err := rec.wait(t, "r1")
	if !protocol.IsCode(err, protocol.CodeInternal) {
		t.Errorf("task error = %v, want Internal", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 1 {
		t.Errorf("attempts = %d, hard errors must not retry", attempts)
	}
}

func TestRetriesAreBounded(t *testing.T) {
	rec := newDoneRecorder()
	var mu sync.Mutex
	attempts := 0
	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return protocol.E(protocol.CodeTransient, "always down")
	}, Hooks{OnDone: rec.onDone}, fastOpts())
	defer shutdown(t, s)

	if err := s.Submit(&Task{RequestID: "r1", SessionKey: "k", QueueIfBusy: true}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	err := rec.wait(t, "r1")
	if !protocol.IsCode(err, protocol.CodeTransient) {
		t.Errorf("task error = %v, want Transient", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestCancelQueued(t *testing.T) {
	rec := newDoneRecorder()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		<-release
		return nil
	}, Hooks{OnStart: func(*Task) { started <- struct{}{} }, OnDone: rec.onDone}, fastOpts())
	defer shutdown(t, s)
	defer close(release)

	s.Submit(&Task{RequestID: "r1", SessionKey: "k", QueueIfBusy: true})
	<-started
	s.Submit(&Task{RequestID: "r2", SessionKey: "k", QueueIfBusy: true})

	s.Cancel("r2")
	err := rec.wait(t, "r2")
	if !protocol.IsCode(err, protocol.CodeCancelled) {
		t.Errorf("cancelled queued task error = %v, want Cancelled", err)
	}
}

func TestCancelRunning(t *testing.T) {
	rec := newDoneRecorder()
	started := make(chan struct{}, 1)
	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		<-ctx.Done()
		return ctx.Err()
	}, Hooks{OnStart: func(*Task) { started <- struct{}{} }, OnDone: rec.onDone}, fastOpts())
	defer shutdown(t, s)

	s.Submit(&Task{RequestID: "r1", SessionKey: "k", QueueIfBusy: true})
	<-started
	s.Cancel("r1")

	err := rec.wait(t, "r1")
	if !protocol.IsCode(err, protocol.CodeCancelled) {
		t.Errorf("cancelled running task error = %v, want Cancelled", err)
	}
}

func TestCancelUnknownIsNoOp(t *testing.T) {
	s := New(discardLogger(), func(ctx context.Context, task *Task) error { return nil },
		Hooks{}, fastOpts())
	defer shutdown(t, s)
	s.Cancel("never-submitted") // must not panic or block
}

func TestCancellationTimeout(t *testing.T) {
	rec := newDoneRecorder()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		// Ignores cancellation until released.
		<-release
		return nil
	}, Hooks{OnStart: func(*Task) { started <- struct{}{} }, OnDone: rec.onDone}, fastOpts())

	s.Submit(&Task{RequestID: "r1", SessionKey: "k", QueueIfBusy: true})
	<-started
	s.Cancel("r1")

	err := rec.wait(t, "r1")
	if !protocol.IsCode(err, protocol.CodeCancellationTimeout) {
		t.Errorf("stuck task error = %v, want CancellationTimeout", err)
	}

	close(release)
	shutdown(t, s)

	// The late completion must not produce a second OnDone.
	select {
	case id := <-rec.ch:
		t.Errorf("unexpected second completion for %s", id)
	default:
	}
}

func TestDeadline(t *testing.T) {
	rec := newDoneRecorder()
	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		<-ctx.Done()
		return ctx.Err()
	}, Hooks{OnDone: rec.onDone}, fastOpts())
	defer shutdown(t, s)

	s.Submit(&Task{RequestID: "r1", SessionKey: "k", QueueIfBusy: true, Deadline: 20 * time.Millisecond})
	err := rec.wait(t, "r1")
	if !protocol.IsCode(err, protocol.CodeCancelled) {
		t.Errorf("deadline error = %v, want Cancelled", err)
	}
}

func TestCancelNode(t *testing.T) {
	rec := newDoneRecorder()
	started := make(chan struct{}, 1)
	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		<-ctx.Done()
		return ctx.Err()
	}, Hooks{OnStart: func(*Task) { started <- struct{}{} }, OnDone: rec.onDone}, fastOpts())
	defer shutdown(t, s)

	s.Submit(&Task{RequestID: "r1", NodeID: "n1", SessionKey: "a", QueueIfBusy: true})
	s.Submit(&Task{RequestID: "r2", NodeID: "n1", SessionKey: "b", QueueIfBusy: true})
	<-started
	<-started

	s.CancelNode("n1")
	if err := rec.wait(t, "r1"); !protocol.IsCode(err, protocol.CodeCancelled) {
		t.Errorf("r1 error = %v", err)
	}
	if err := rec.wait(t, "r2"); !protocol.IsCode(err, protocol.CodeCancelled) {
		t.Errorf("r2 error = %v", err)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d", s.Pending())
	}
}

func TestShutdownDrainsQueued(t *testing.T) {
	rec := newDoneRecorder()
	started := make(chan struct{}, 1)
	s := New(discardLogger(), func(ctx context.Context, task *Task) error {
		<-ctx.Done()
		return ctx.Err()
	}, Hooks{OnStart: func(*Task) { started <- struct{}{} }, OnDone: rec.onDone}, fastOpts())

	s.Submit(&Task{RequestID: "r1", SessionKey: "k", QueueIfBusy: true})
	<-started
	s.Submit(&Task{RequestID: "r2", SessionKey: "k", QueueIfBusy: true})

	shutdown(t, s)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, id := range []string{"r1", "r2"} {
		if _, ok := rec.errs[id]; !ok {
			t.Errorf("%s never reported after shutdown", id)
		}
	}

	if err := s.Submit(&Task{RequestID: "r3", SessionKey: "k", QueueIfBusy: true}); err == nil {
		t.Error("Submit() after shutdown should fail")
	}
}
