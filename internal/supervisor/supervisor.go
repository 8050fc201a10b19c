package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"vawter.tech/stopper"

	"github.com/TomW-Skyline/CellScanner-Service/internal/eventsink"
	"github.com/TomW-Skyline/CellScanner-Service/internal/process"
	"github.com/TomW-Skyline/CellScanner-Service/internal/rpc"
	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

const (
	// RuntimeDirEnv tells the worker where to put its socket and
	// descriptor.
	RuntimeDirEnv = "CELLSCANNER_RUNTIME_DIR"

	// DefaultReadyTimeout bounds WaitReady when Config.ReadyTimeout is zero.
	DefaultReadyTimeout = 10 * time.Second

	// DefaultStopTimeout bounds Shutdown when Config.StopTimeout is zero.
	DefaultStopTimeout = 5 * time.Second

	workerName = "cellscannerd"

	// outputPrefix tags every captured worker line.
	outputPrefix = "> "

	// watchStopGrace is how long WaitReady gives its watcher goroutine to
	// wind down.
	watchStopGrace = 100 * time.Millisecond
)

// Logger defines the logging interface for the supervisor.
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

// Config configures a Supervisor.
type Config struct {
	// Binary is the worker executable. A name without a slash is looked
	// up in PATH.
	Binary string

	// WorkDir is the worker's working directory. Relative RequiredFiles
	// are resolved against it.
	WorkDir string

	// RequiredFiles must exist before the worker is spawned.
	RequiredFiles []string

	// RuntimeDir holds the worker's socket and endpoint descriptor.
	RuntimeDir string

	// Token, if set, is used for every start. Otherwise each StartProcess
	// issues a fresh random token.
	Token string

	// ParentPID is passed to the worker as the PID to watch.
	// Zero means this process.
	ParentPID int

	// ReadyTimeout bounds WaitReady.
	ReadyTimeout time.Duration

	// HealthCheckFunc is run every HealthCheckInterval while the worker is
	// up. Three failures in a row kill the worker.
	HealthCheckFunc     func(ctx context.Context) error
	HealthCheckInterval time.Duration

	// Env holds extra key=value pairs for the worker's environment.
	Env []string

	// StopTimeout is how long Shutdown waits after SIGTERM before it
	// kills the worker.
	StopTimeout time.Duration
}

// Supervisor owns at most one worker process at a time.
//
// Thread Safety:
//   - All methods are safe for concurrent use
//   - Output capture runs on the process manager's goroutines and only
//     touches the event queue
type Supervisor struct {
	config Config
	logger Logger
	events *eventsink.Queue[scanner.Event]

	mu    sync.Mutex
	proc  *process.Manager
	token string
}

// New validates cfg and returns a Supervisor with no worker running.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Binary == "" {
		return nil, errors.New("supervisor: worker binary is required")
	}
	if cfg.RuntimeDir == "" {
		return nil, errors.New("supervisor: runtime dir is required")
	}
	if cfg.Token != "" {
		if err := rpc.ValidateToken(cfg.Token); err != nil {
			return nil, fmt.Errorf("supervisor: %w", err)
		}
	}
	if cfg.ParentPID == 0 {
		cfg.ParentPID = os.Getpid()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	return &Supervisor{
		config: cfg,
		logger: noopLogger{},
		events: &eventsink.Queue[scanner.Event]{},
	}, nil
}

// SetLogger sets the logger for the supervisor and the processes it
// spawns.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// StartProcess stops any running worker, checks the required files and
// spawns a new worker as `<binary> <token> <parentPID>`.
//
// The worker lives until StopProcess or Shutdown, until it exits on its
// own, or until ctx is cancelled.
//
// Returns:
//   - error: ErrMissingDependency if a required file is absent, or a
//     spawn error
func (s *Supervisor) StartProcess(ctx context.Context) error {
	s.StopProcess()

	binary, err := s.checkRequiredFiles()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.config.RuntimeDir, 0o700); err != nil {
		return fmt.Errorf("creating runtime dir: %w", err)
	}

	token := s.config.Token
	if token == "" {
		token = uuid.NewString()
	}

	env := append([]string{RuntimeDirEnv + "=" + s.config.RuntimeDir}, s.config.Env...)

	proc := process.NewManager(process.Config{
		Name:                workerName,
		Binary:              binary,
		Args:                []string{token, strconv.Itoa(s.config.ParentPID)},
		Env:                 env,
		WorkDir:             s.config.WorkDir,
		GracefulTimeout:     s.config.StopTimeout,
		HealthCheckFunc:     s.config.HealthCheckFunc,
		HealthCheckInterval: s.config.HealthCheckInterval,
		OnOutput:            s.captureLine,
		OnExit: func(code int, _ error) {
			s.logger.Info("worker exited", "token", token, "exit_code", code, "meaning", scanner.DescribeExitCode(code))
		},
	})
	proc.SetLogger(s.logger)

	if err := proc.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	s.mu.Lock()
	s.proc = proc
	s.token = token
	s.mu.Unlock()

	s.logger.Info("worker started", "pid", proc.PID(), "token", token)
	return nil
}

// checkRequiredFiles resolves the worker binary and verifies every
// required file exists.
func (s *Supervisor) checkRequiredFiles() (string, error) {
	binary := s.config.Binary
	if filepath.Base(binary) == binary {
		resolved, err := exec.LookPath(binary)
		if err != nil {
			return "", fmt.Errorf("%w: couldn't find worker %q: %v", ErrMissingDependency, binary, err)
		}
		binary = resolved
	} else {
		if !filepath.IsAbs(binary) && s.config.WorkDir != "" {
			binary = filepath.Join(s.config.WorkDir, binary)
		}
		if err := fileExists(binary); err != nil {
			return "", err
		}
		// exec resolves relative paths against WorkDir otherwise.
		if abs, err := filepath.Abs(binary); err == nil {
			binary = abs
		}
	}

	for _, f := range s.config.RequiredFiles {
		path := f
		if !filepath.IsAbs(path) && s.config.WorkDir != "" {
			path = filepath.Join(s.config.WorkDir, path)
		}
		if err := fileExists(path); err != nil {
			return "", err
		}
	}
	return binary, nil
}

func fileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: couldn't find file %q", ErrMissingDependency, path)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %q is a directory", ErrMissingDependency, path)
	}
	return nil
}

// captureLine turns one worker output line into an Event.
func (s *Supervisor) captureLine(stream process.Stream, line string) {
	if scanner.IsBlank(line) {
		return
	}
	severity := scanner.SeverityInformation
	if stream == process.Stderr {
		severity = scanner.SeverityError
	}
	s.events.Push(scanner.NewEvent(outputPrefix+line, severity))
}

// WaitReady blocks until the current worker has published its endpoint
// descriptor, the worker has exited, ctx is done or the ready timeout has
// passed.
//
// Returns:
//   - rpc.Descriptor: where to reach the worker
//   - error: ErrNotStarted, ErrExitedBeforeReady, ErrReadyTimeout or
//     ctx.Err()
func (s *Supervisor) WaitReady(ctx context.Context) (rpc.Descriptor, error) {
	s.mu.Lock()
	proc, token := s.proc, s.token
	s.mu.Unlock()
	if proc == nil {
		return rpc.Descriptor{}, ErrNotStarted
	}

	path := rpc.DescriptorPath(s.config.RuntimeDir, token)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return rpc.Descriptor{}, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(s.config.RuntimeDir); err != nil {
		_ = watcher.Close()
		return rpc.Descriptor{}, fmt.Errorf("watching %s: %w", s.config.RuntimeDir, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.config.ReadyTimeout)
	defer cancel()

	sctx := stopper.WithContext(waitCtx)
	sctx.Defer(func() {
		_ = watcher.Close()
	})
	defer func() {
		sctx.Stop(watchStopGrace)
		_ = sctx.Wait()
	}()

	ready := make(chan rpc.Descriptor, 1)
	tryRead := func() bool {
		d, err := rpc.ReadDescriptor(path)
		if err != nil || d.Token != token {
			return false
		}
		ready <- d
		return true
	}

	sctx.Go(func(sctx *stopper.Context) error {
		// The descriptor may have been written before the watch was added.
		if tryRead() {
			return nil
		}
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if tryRead() {
					return nil
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				s.logger.Warn("descriptor watch error", "error", err)
			}
		}
	})

	select {
	case d := <-ready:
		s.logger.Info("worker ready", "pid", d.PID, "socket", d.Socket)
		return d, nil
	case <-proc.Done():
		_, code := proc.Exited()
		return rpc.Descriptor{}, fmt.Errorf("%w: exit code %d (%s)",
			ErrExitedBeforeReady, code, scanner.DescribeExitCode(code))
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return rpc.Descriptor{}, ctx.Err()
		}
		return rpc.Descriptor{}, fmt.Errorf("%w after %v", ErrReadyTimeout, s.config.ReadyTimeout)
	}
}

// StopProcess force-terminates the worker's process group, if any.
// Errors are logged and otherwise ignored. After StopProcess, HasExited
// reports (false, -1) until the next StartProcess.
func (s *Supervisor) StopProcess() {
	s.release(false)
}

// Shutdown asks the worker to exit with SIGTERM so it can close its
// service host and print its last lines, and kills it if it is still up
// after Config.StopTimeout. The worker is then forgotten as with
// StopProcess.
//
// Returns:
//   - process.Stats: The worker's final statistics, or a stopped
//     snapshot if no worker was running
func (s *Supervisor) Shutdown() process.Stats {
	return s.release(true)
}

func (s *Supervisor) release(graceful bool) process.Stats {
	s.mu.Lock()
	proc, token := s.proc, s.token
	s.proc = nil
	s.mu.Unlock()

	if proc == nil {
		return stoppedStats
	}

	stop := proc.Kill
	if graceful {
		stop = proc.Stop
	}
	if err := stop(); err != nil {
		s.logger.Warn("stopping worker", "graceful", graceful, "error", err)
	}

	for _, p := range []string{
		rpc.DescriptorPath(s.config.RuntimeDir, token),
		rpc.SocketPath(s.config.RuntimeDir, token),
	} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("removing worker file", "path", p, "error", err)
		}
	}
	return proc.Stats()
}

// HasExited reports whether the current worker has terminated and its
// exit code. It never blocks. With no worker, or a running one, it
// returns (false, -1).
func (s *Supervisor) HasExited() (bool, int) {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return false, -1
	}
	return proc.Exited()
}

// Done returns a channel closed when the current worker exits, or nil if
// no worker was started.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return nil
	}
	return s.proc.Done()
}

// GetNewEvents returns and forgets the captured worker output.
func (s *Supervisor) GetNewEvents() []scanner.Event {
	return s.events.Drain()
}

// Token returns the token of the current worker, or "".
func (s *Supervisor) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return ""
	}
	return s.token
}

var stoppedStats = process.Stats{Name: workerName, Status: process.StatusStopped, ExitCode: -1}

// Stats returns the current worker's process statistics.
func (s *Supervisor) Stats() process.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return stoppedStats
	}
	return s.proc.Stats()
}
