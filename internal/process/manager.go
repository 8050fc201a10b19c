package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status represents the current state of a managed process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusFailed   Status = "failed"
)

// maxLineSize is the longest output line captured from a subprocess.
// Past a longer line the rest of the stream is discarded.
const maxLineSize = 1 << 20

// maxConsecutiveFailures is how many failed health checks in a row kill
// the process.
const maxConsecutiveFailures = 3

// Stream identifies a subprocess output stream.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Config holds configuration for a managed subprocess.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	// If nil, inherits from parent process.
	Env []string

	// WorkDir is the working directory for the process.
	// If empty, inherits from parent process.
	WorkDir string

	// GracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// HealthCheckFunc is called periodically to verify the process is healthy.
	// If nil, process is considered healthy if running.
	HealthCheckFunc func(ctx context.Context) error

	// HealthCheckInterval is how often to run health checks.
	HealthCheckInterval time.Duration

	// HealthCheckTimeout bounds a single health check.
	HealthCheckTimeout time.Duration

	// OnOutput receives each line the process writes, without the newline.
	// It is called from the capture goroutines, one per stream.
	OnOutput func(stream Stream, line string)

	// OnExit is called once when the process has exited, with its exit
	// code (-1 if killed by a signal) and the wait error.
	OnExit func(code int, err error)
}

// Logger defines the logging interface for the process manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager runs one subprocess at a time and reports how it ended.
//
// A Manager can be started again after its process has exited. It never
// restarts a process by itself; callers that need a restart call Start
// again.
type Manager struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	exitCode      int
	lastError     error
	startTime     time.Time
	endTime       time.Time
	stopRequested bool

	done chan struct{}
}

// NewManager creates a new process manager with the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.HealthCheckTimeout == 0 {
		cfg.HealthCheckTimeout = 5 * time.Second
	}

	return &Manager{
		config:   cfg,
		logger:   noopLogger{},
		status:   StatusStopped,
		exitCode: -1,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the subprocess and begins monitoring it.
// Cancelling ctx kills the whole process group.
//
// Returns:
//   - error: If the process is already running or fails to start
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("process %s is already running", m.config.Name)
	}
	m.status = StatusStarting
	m.stopRequested = false
	m.exitCode = -1
	m.lastError = nil
	m.startTime, m.endTime = time.Time{}, time.Time{}
	m.done = make(chan struct{})
	cfg := m.config
	m.mu.Unlock()

	cmd, outputDone, err := m.startProcess(ctx, cfg)
	if err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.lastError = err
		close(m.done)
		m.mu.Unlock()
		return err
	}

	go m.monitor(ctx, cmd, outputDone)

	return nil
}

// startProcess actually starts the subprocess.
func (m *Manager) startProcess(ctx context.Context, cfg Config) (*exec.Cmd, *sync.WaitGroup, error) {
	m.logger.Info("starting process",
		"name", cfg.Name,
		"binary", cfg.Binary,
		"args", cfg.Args,
	)

	cmd := exec.CommandContext(ctx, cfg.Binary, cfg.Args...) //nolint:gosec // Binary path comes from operator config

	// Create a new process group so we can signal all children on shutdown
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid, syscall.SIGKILL)
	}

	if cfg.Env != nil {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", cfg.Name, err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.status = StatusRunning
	m.startTime = time.Now()
	m.mu.Unlock()

	// Pipes must be fully read before cmd.Wait closes them.
	outputDone := &sync.WaitGroup{}
	outputDone.Add(2)
	go m.captureOutput(Stdout, stdout, outputDone)
	go m.captureOutput(Stderr, stderr, outputDone)

	m.logger.Info("process started", "name", cfg.Name, "pid", cmd.Process.Pid)

	return cmd, outputDone, nil
}

// captureOutput reads r line by line and hands each line to OnOutput.
func (m *Manager) captureOutput(stream Stream, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if m.config.OnOutput != nil {
			m.config.OnOutput(stream, line)
		} else {
			m.logger.Debug("process output", "name", m.config.Name, "stream", stream, "line", line)
		}
	}
	if err := scanner.Err(); err != nil {
		m.logger.Warn("output capture stopped", "name", m.config.Name, "stream", stream, "error", err)
		// Keep the pipe drained so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, r) //nolint:errcheck // best effort
	}
}

// waitForExitOrHealthFailure waits for the process to exit or for a health check to fail.
// If a health check fails repeatedly, it kills the process group.
func (m *Manager) waitForExitOrHealthFailure(ctx context.Context, cmd *exec.Cmd, outputDone *sync.WaitGroup) error {
	exitCh := make(chan error, 1)
	go func() {
		outputDone.Wait()
		exitCh <- cmd.Wait()
	}()

	if m.config.HealthCheckFunc == nil {
		return <-exitCh
	}

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	for {
		select {
		case err := <-exitCh:
			return err

		case <-ctx.Done():
			// CommandContext kills the group; wait for the exit to be reaped.
			return <-exitCh

		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, m.config.HealthCheckTimeout)
			err := m.config.HealthCheckFunc(checkCtx)
			cancel()

			if err == nil {
				if consecutiveFailures > 0 {
					m.logger.Info("health check recovered",
						"name", m.config.Name,
						"previous_failures", consecutiveFailures,
					)
				}
				consecutiveFailures = 0
				continue
			}

			consecutiveFailures++
			m.logger.Warn("health check failed",
				"name", m.config.Name,
				"error", err,
				"consecutive_failures", consecutiveFailures,
			)
			if consecutiveFailures < maxConsecutiveFailures {
				continue
			}

			m.logger.Error("health check failed repeatedly, killing process",
				"name", m.config.Name,
				"failures", consecutiveFailures,
			)
			//nolint:errcheck // Exit is observed below
			killGroup(cmd.Process.Pid, syscall.SIGKILL)
			exitErr := <-exitCh
			return fmt.Errorf("killed after %d failed health checks: %w", consecutiveFailures, exitErr)
		}
	}
}

// monitor waits for the process to end and records how it ended.
func (m *Manager) monitor(ctx context.Context, cmd *exec.Cmd, outputDone *sync.WaitGroup) {
	err := m.waitForExitOrHealthFailure(ctx, cmd, outputDone)

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}

	m.mu.Lock()
	stopRequested := m.stopRequested
	m.exitCode = code
	m.lastError = err
	m.endTime = time.Now()
	if stopRequested {
		m.status = StatusStopped
	} else {
		m.status = StatusExited
	}
	done := m.done
	m.mu.Unlock()

	if stopRequested {
		m.logger.Info("process stopped as requested", "name", m.config.Name, "exit_code", code)
	} else {
		m.logger.Warn("process exited",
			"name", m.config.Name,
			"exit_code", code,
			"error", err,
		)
	}

	if m.config.OnExit != nil {
		m.config.OnExit(code, err)
	}
	close(done)
}

// Stop sends SIGTERM to the process group and waits up to
// GracefulTimeout for the exit before escalating to SIGKILL.
func (m *Manager) Stop() error {
	return m.stop(true)
}

// Kill force-terminates the process group and waits for the exit.
func (m *Manager) Kill() error {
	return m.stop(false)
}

func (m *Manager) stop(graceful bool) error {
	m.mu.Lock()
	if m.status != StatusRunning {
		m.mu.Unlock()
		return nil
	}
	m.stopRequested = true
	cmd := m.cmd
	done := m.done
	m.mu.Unlock()

	pid := cmd.Process.Pid
	m.logger.Info("stopping process", "name", m.config.Name, "pid", pid, "graceful", graceful)

	if graceful {
		if err := killGroup(pid, syscall.SIGTERM); err != nil {
			m.logger.Warn("failed to send SIGTERM to process group", "name", m.config.Name, "error", err)
		}
		select {
		case <-done:
			m.logger.Info("process stopped gracefully", "name", m.config.Name)
			return nil
		case <-time.After(m.config.GracefulTimeout):
			m.logger.Warn("graceful shutdown timeout, sending SIGKILL",
				"name", m.config.Name,
				"timeout", m.config.GracefulTimeout,
			)
		}
	}

	if err := killGroup(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing process group %s: %w", m.config.Name, err)
	}

	<-done
	m.logger.Info("process killed", "name", m.config.Name)
	return nil
}

// killGroup signals the process group created via Setpgid. A group that
// is already gone is not an error.
func killGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// Done returns a channel closed once the current process has exited and
// been reaped. Before the first Start it returns nil.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

// Exited reports whether the last started process has exited, and with
// which code. It does not block. Before any exit it returns (false, -1).
func (m *Manager) Exited() (bool, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.status {
	case StatusExited, StatusStopped:
		if m.cmd != nil {
			return true, m.exitCode
		}
	}
	return false, -1
}

// PID returns the process ID, or 0 if no process was started.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// Stats is a snapshot of the managed process.
type Stats struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	ExitCode  int           `json:"exit_code"`
	LastError string        `json:"last_error,omitempty"`
}

// Stats returns a snapshot of the current or last process. For an exited
// process Uptime is how long it ran.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:     m.config.Name,
		Status:   m.status,
		ExitCode: m.exitCode,
	}

	if m.cmd != nil && m.cmd.Process != nil {
		stats.PID = m.cmd.Process.Pid
	}

	switch {
	case m.status == StatusRunning:
		stats.Uptime = time.Since(m.startTime)
	case !m.startTime.IsZero() && m.endTime.After(m.startTime):
		stats.Uptime = m.endTime.Sub(m.startTime)
	}

	if m.lastError != nil {
		stats.LastError = m.lastError.Error()
	}

	return stats
}
