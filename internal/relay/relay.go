package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

// Logger is the logging surface used by the relay and LogSink.
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

// Batch is one poll's worth of drained output.
type Batch struct {
	// Source names where the events came from (history.SourceDevice or
	// history.SourceWorker).
	Source string
	// Token identifies the worker that produced the batch.
	Token        string
	Events       []scanner.Event
	Measurements []scanner.Measurement
	Time         time.Time
}

// Empty reports whether the batch carries nothing.
func (b Batch) Empty() bool {
	return len(b.Events) == 0 && len(b.Measurements) == 0
}

// WorkerStatus describes a worker lifecycle change.
type WorkerStatus struct {
	State       string    `json:"state"` // "running" or "exited"
	Token       string    `json:"token"`
	PID         int       `json:"pid,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Description string    `json:"description,omitempty"`
	Time        time.Time `json:"time"`
}

// Worker states.
const (
	StateRunning = "running"
	StateExited  = "exited"
)

// Sink receives batches. Implementations must be safe for concurrent use
// since Dispatch calls every sink from its own goroutine.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch Batch) error
}

// StatusSink is implemented by sinks that also track worker lifecycle.
type StatusSink interface {
	WriteStatus(ctx context.Context, status WorkerStatus) error
}

// Relay dispatches batches to a fixed set of sinks.
type Relay struct {
	sinks   []Sink
	logger  Logger
	timeout time.Duration
}

// DefaultTimeout bounds one sink's handling of one batch.
const DefaultTimeout = 5 * time.Second

// New creates a relay over sinks. Nil sinks are skipped.
func New(sinks ...Sink) *Relay {
	r := &Relay{logger: noopLogger{}, timeout: DefaultTimeout}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// SetLogger sets the logger used to report sink failures.
func (r *Relay) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// SetTimeout sets the per-sink deadline for each dispatch.
func (r *Relay) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Sinks returns the names of the configured sinks.
func (r *Relay) Sinks() []string {
	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	return names
}

// Dispatch hands batch to every sink concurrently and waits for all of
// them. Failures are logged and returned joined; they never cancel the
// other sinks.
func (r *Relay) Dispatch(ctx context.Context, batch Batch) error {
	if batch.Empty() {
		return nil
	}
	if batch.Time.IsZero() {
		batch.Time = time.Now()
	}

	return r.fanOut(ctx, func(ctx context.Context, s Sink) error {
		return s.Write(ctx, batch)
	})
}

// DispatchStatus hands status to every sink implementing StatusSink.
func (r *Relay) DispatchStatus(ctx context.Context, status WorkerStatus) error {
	if status.Time.IsZero() {
		status.Time = time.Now()
	}

	return r.fanOut(ctx, func(ctx context.Context, s Sink) error {
		ss, ok := s.(StatusSink)
		if !ok {
			return nil
		}
		return ss.WriteStatus(ctx, status)
	})
}

func (r *Relay) fanOut(ctx context.Context, fn func(context.Context, Sink) error) error {
	var g errgroup.Group
	errs := make([]error, len(r.sinks))

	for i, s := range r.sinks {
		g.Go(func() error {
			sinkCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			if err := fn(sinkCtx, s); err != nil {
				r.logger.Warn("relay sink failed", "sink", s.Name(), "error", err)
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // Sink errors are collected in errs

	return errors.Join(errs...)
}
