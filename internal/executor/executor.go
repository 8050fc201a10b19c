package executor

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Logger defines the logging interface for the executor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Executor serialises work onto one OS thread.
//
// Thread Safety:
//   - Invoke, InvokeAsync and Do may be called from any goroutine.
//   - Posted closures run one at a time on the executor thread.
type Executor struct {
	name   string
	logger Logger

	mu      sync.Mutex
	started bool
	queue   []func()
	wake    chan struct{}

	tid atomic.Int64
}

// Result carries the outcome of work posted with InvokeAsync.
type Result[T any] struct {
	Value T
	Err   error
}

// New creates an executor. The thread is not created until Start.
func New(name string) *Executor {
	return &Executor{
		name:   name,
		logger: noopLogger{},
		wake:   make(chan struct{}, 1),
	}
}

// SetLogger sets the logger used for diagnostics.
func (e *Executor) SetLogger(logger Logger) {
	e.logger = logger
}

// Name returns the executor's name.
func (e *Executor) Name() string {
	return e.name
}

// Start creates the executor thread and blocks until its loop is running.
//
// Returns:
//   - error: ErrAlreadyStarted if Start was already called
func (e *Executor) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	ready := make(chan struct{})
	go e.loop(ready)
	<-ready

	e.logger.Info("executor thread started", "name", e.name, "tid", e.ThreadID())
	return nil
}

// ThreadID returns the OS thread id of the executor loop, or 0 before Start.
func (e *Executor) ThreadID() int {
	return int(e.tid.Load())
}

// OnThread reports whether the calling goroutine is running on the executor
// thread.
func (e *Executor) OnThread() bool {
	tid := e.tid.Load()
	return tid != 0 && int64(unix.Gettid()) == tid
}

// loop never unlocks its thread and never returns: the thread belongs to
// the device until the process exits.
func (e *Executor) loop(ready chan<- struct{}) {
	runtime.LockOSThread()
	e.tid.Store(int64(unix.Gettid()))
	close(ready)

	for range e.wake {
		for {
			e.mu.Lock()
			batch := e.queue
			e.queue = nil
			e.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}

// post appends fn to the work queue. It never blocks.
func (e *Executor) post(fn func()) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of closures waiting to run.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// run executes fn, converting a panic into a *PanicError.
func run[T any](e *Executor, fn func() (T, error)) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in executor work", "name", e.name, "panic", r)
			res = Result[T]{Err: &PanicError{Value: r, Stack: debug.Stack()}}
		}
	}()
	v, err := fn()
	return Result[T]{Value: v, Err: err}
}

// InvokeAsync posts fn to the executor and returns a channel that receives
// its result exactly once. The channel is buffered so an abandoned result
// never blocks the executor.
func InvokeAsync[T any](e *Executor, fn func() (T, error)) <-chan Result[T] {
	out := make(chan Result[T], 1)
	if err := e.post(func() { out <- run(e, fn) }); err != nil {
		out <- Result[T]{Err: err}
	}
	return out
}

// Invoke runs fn on the executor thread and waits for its result.
//
// If ctx ends first, Invoke returns ctx.Err(); fn still runs when its turn
// comes and its result is discarded.
func Invoke[T any](ctx context.Context, e *Executor, fn func() (T, error)) (T, error) {
	ch := InvokeAsync(e, fn)
	select {
	case res := <-ch:
		return res.Value, res.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Do runs fn on the executor thread and waits for it to finish.
func (e *Executor) Do(ctx context.Context, fn func() error) error {
	_, err := Invoke(ctx, e, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
