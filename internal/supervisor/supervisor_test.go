package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TomW-Skyline/CellScanner-Service/internal/process"
	"github.com/TomW-Skyline/CellScanner-Service/internal/rpc"
	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

// helperEnv selects how the re-executed test binary behaves as a worker.
const helperEnv = "CELLSCANNER_SUPERVISOR_HELPER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

// runHelper plays the worker: argv is `<token> <parentPid>`.
func runHelper(mode string) int {
	args := os.Args[1:]
	switch mode {
	case "ready":
		fmt.Println("helper up")
		fmt.Println("   ")
		fmt.Fprintln(os.Stderr, "warn")
		dir := os.Getenv(RuntimeDirEnv)
		err := rpc.WriteDescriptor(rpc.DescriptorPath(dir, args[0]), rpc.Descriptor{
			Token:   args[0],
			Socket:  rpc.SocketPath(dir, args[0]),
			Path:    rpc.EndpointPath(args[0]),
			PID:     os.Getpid(),
			Started: time.Now().UTC(),
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		time.Sleep(time.Hour)
	case "exit":
		fmt.Println("args=" + strings.Join(args, " "))
		return 3
	case "silent":
		time.Sleep(time.Hour)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Hour)
	case "graceful":
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGTERM)
		fmt.Println("waiting")
		<-term
		fmt.Println("closing")
		return 10
	}
	return 0
}

func newTestSupervisor(t *testing.T, mode string, mutate func(*Config)) *Supervisor {
	t.Helper()
	cfg := Config{
		Binary:       os.Args[0],
		RuntimeDir:   t.TempDir(),
		ReadyTimeout: 5 * time.Second,
		Env:          []string{helperEnv + "=" + mode},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sup, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(sup.StopProcess)
	return sup
}

func waitExit(t *testing.T, sup *Supervisor) {
	t.Helper()
	done := sup.Done()
	require.NotNil(t, done)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit in time")
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing binary", Config{RuntimeDir: "/tmp"}},
		{"missing runtime dir", Config{Binary: "/bin/true"}},
		{"bad token", Config{Binary: "/bin/true", RuntimeDir: "/tmp", Token: "../etc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	sup, err := New(Config{Binary: "/bin/true", RuntimeDir: "/tmp"})
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), sup.config.ParentPID)
	assert.Equal(t, DefaultReadyTimeout, sup.config.ReadyTimeout)
	assert.Equal(t, DefaultStopTimeout, sup.config.StopTimeout)
}

func TestSupervisor_InitialState(t *testing.T) {
	sup, err := New(Config{Binary: "/bin/true", RuntimeDir: t.TempDir()})
	require.NoError(t, err)

	exited, code := sup.HasExited()
	assert.False(t, exited)
	assert.Equal(t, -1, code)
	assert.Zero(t, sup.Stats().PID)
	assert.Empty(t, sup.Token())
	assert.Nil(t, sup.Done())
	assert.Empty(t, sup.GetNewEvents())

	_, err = sup.WaitReady(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)

	// Stopping with nothing running is a no-op.
	sup.StopProcess()
	stats := sup.Shutdown()
	assert.Equal(t, process.StatusStopped, stats.Status)
	assert.Equal(t, -1, stats.ExitCode)
}

// =============================================================================
// Dependency checks
// =============================================================================

func TestStartProcess_MissingBinary(t *testing.T) {
	sup, err := New(Config{Binary: "/nonexistent/cellscannerd", RuntimeDir: t.TempDir()})
	require.NoError(t, err)

	err = sup.StartProcess(context.Background())
	require.ErrorIs(t, err, ErrMissingDependency)
	assert.Contains(t, err.Error(), "/nonexistent/cellscannerd")
	assert.Zero(t, sup.Stats().PID)
}

func TestStartProcess_MissingRequiredFile(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, "CellScanner.dll"), []byte("x"), 0o600))

	sup := newTestSupervisor(t, "silent", func(c *Config) {
		c.WorkDir = work
		c.RequiredFiles = []string{"CellScanner.dll", "CellScanner64.dll"}
	})

	err := sup.StartProcess(context.Background())
	require.ErrorIs(t, err, ErrMissingDependency)
	assert.Contains(t, err.Error(), "CellScanner64.dll")
	assert.Zero(t, sup.Stats().PID, "nothing is spawned when a dependency is missing")
}

func TestStartProcess_RequiredFilesPresent(t *testing.T) {
	work := t.TempDir()
	for _, f := range []string{"CellScanner.dll", "CellScanner64.dll"} {
		require.NoError(t, os.WriteFile(filepath.Join(work, f), []byte("x"), 0o600))
	}

	sup := newTestSupervisor(t, "ready", func(c *Config) {
		c.WorkDir = work
		c.RequiredFiles = []string{"CellScanner.dll", "CellScanner64.dll"}
	})

	require.NoError(t, sup.StartProcess(context.Background()))
	_, err := sup.WaitReady(context.Background())
	require.NoError(t, err)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestSupervisor_StartReadyStop(t *testing.T) {
	sup := newTestSupervisor(t, "ready", nil)

	require.NoError(t, sup.StartProcess(context.Background()))
	token := sup.Token()
	_, err := uuid.Parse(token)
	require.NoError(t, err, "generated token should be a UUID")

	desc, err := sup.WaitReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, desc.Token)
	assert.Equal(t, sup.Stats().PID, desc.PID)
	assert.Equal(t, rpc.SocketPath(sup.config.RuntimeDir, token), desc.Socket)

	exited, code := sup.HasExited()
	assert.False(t, exited)
	assert.Equal(t, -1, code)

	var events []scanner.Event
	require.Eventually(t, func() bool {
		events = append(events, sup.GetNewEvents()...)
		return len(events) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	var info, errs []string
	for _, e := range events {
		assert.False(t, scanner.IsBlank(strings.TrimPrefix(e.Message, outputPrefix)), "blank lines are dropped")
		switch e.Severity {
		case scanner.SeverityInformation:
			info = append(info, e.Message)
		case scanner.SeverityError:
			errs = append(errs, e.Message)
		}
	}
	assert.Equal(t, []string{"> helper up"}, info)
	assert.Equal(t, []string{"> warn"}, errs)

	descPath := rpc.DescriptorPath(sup.config.RuntimeDir, token)
	sup.StopProcess()

	exited, code = sup.HasExited()
	assert.False(t, exited, "a stopped worker is forgotten")
	assert.Equal(t, -1, code)
	assert.Empty(t, sup.Token())
	assert.NoFileExists(t, descPath)
}

func TestSupervisor_ExitCodeAndArgs(t *testing.T) {
	sup := newTestSupervisor(t, "exit", nil)

	require.NoError(t, sup.StartProcess(context.Background()))
	token := sup.Token()
	waitExit(t, sup)

	exited, code := sup.HasExited()
	assert.True(t, exited)
	assert.Equal(t, 3, code)

	events := sup.GetNewEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "> args="+token+" "+strconv.Itoa(os.Getpid()), events[0].Message)
	assert.Equal(t, scanner.SeverityInformation, events[0].Severity)

	_, err := sup.WaitReady(context.Background())
	assert.ErrorIs(t, err, ErrExitedBeforeReady)
}

func TestSupervisor_FixedTokenAndParentPID(t *testing.T) {
	sup := newTestSupervisor(t, "exit", func(c *Config) {
		c.Token = "T1"
		c.ParentPID = 4242
	})

	require.NoError(t, sup.StartProcess(context.Background()))
	assert.Equal(t, "T1", sup.Token())
	waitExit(t, sup)

	events := sup.GetNewEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "> args=T1 4242", events[0].Message)
}

func TestSupervisor_FreshTokenPerStart(t *testing.T) {
	sup := newTestSupervisor(t, "silent", nil)

	require.NoError(t, sup.StartProcess(context.Background()))
	first, firstPID := sup.Token(), sup.Stats().PID

	// Starting again replaces the running worker.
	require.NoError(t, sup.StartProcess(context.Background()))
	assert.NotEqual(t, first, sup.Token())
	assert.NotEqual(t, firstPID, sup.Stats().PID)
}

func TestSupervisor_ReadyTimeout(t *testing.T) {
	sup := newTestSupervisor(t, "silent", func(c *Config) {
		c.ReadyTimeout = 200 * time.Millisecond
	})

	require.NoError(t, sup.StartProcess(context.Background()))

	start := time.Now()
	_, err := sup.WaitReady(context.Background())
	assert.ErrorIs(t, err, ErrReadyTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestSupervisor_WaitReadyContextCancelled(t *testing.T) {
	sup := newTestSupervisor(t, "silent", nil)
	require.NoError(t, sup.StartProcess(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := sup.WaitReady(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestSupervisor_HealthCheckKillsWorker(t *testing.T) {
	sup := newTestSupervisor(t, "silent", func(c *Config) {
		c.HealthCheckInterval = 20 * time.Millisecond
		c.HealthCheckFunc = func(context.Context) error {
			return errors.New("no pong")
		}
	})

	require.NoError(t, sup.StartProcess(context.Background()))
	waitExit(t, sup)

	exited, code := sup.HasExited()
	assert.True(t, exited)
	assert.Equal(t, -1, code, "killed by signal")
	assert.Equal(t, "killed by signal", scanner.DescribeExitCode(code))
}

func TestSupervisor_ShutdownIsGraceful(t *testing.T) {
	sup := newTestSupervisor(t, "graceful", func(c *Config) {
		c.StopTimeout = 5 * time.Second
	})

	require.NoError(t, sup.StartProcess(context.Background()))
	token := sup.Token()
	require.Eventually(t, func() bool {
		for _, e := range sup.GetNewEvents() {
			if e.Message == "> waiting" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	stats := sup.Shutdown()
	assert.Less(t, time.Since(start), 3*time.Second, "worker exits on SIGTERM, no kill needed")

	assert.Equal(t, 10, stats.ExitCode, "worker ran its own shutdown")
	assert.Equal(t, process.StatusStopped, stats.Status)
	assert.Positive(t, stats.Uptime)

	events := sup.GetNewEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "> closing", events[0].Message)

	assert.Empty(t, sup.Token(), "a shut down worker is forgotten")
	assert.NoFileExists(t, rpc.SocketPath(sup.config.RuntimeDir, token))
}

func TestSupervisor_ShutdownKillsStubbornWorker(t *testing.T) {
	sup := newTestSupervisor(t, "stubborn", func(c *Config) {
		c.StopTimeout = 100 * time.Millisecond
	})
	require.NoError(t, sup.StartProcess(context.Background()))
	// Let the helper install its signal disposition.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	stats := sup.Shutdown()
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "SIGKILL only after the stop timeout")
	assert.Equal(t, -1, stats.ExitCode, "killed by signal")
}

func TestSupervisor_StatsAfterExit(t *testing.T) {
	sup := newTestSupervisor(t, "exit", nil)

	require.NoError(t, sup.StartProcess(context.Background()))
	waitExit(t, sup)

	stats := sup.Stats()
	assert.Equal(t, "cellscannerd", stats.Name)
	assert.Equal(t, process.StatusExited, stats.Status)
	assert.Equal(t, 3, stats.ExitCode)
	assert.NotZero(t, stats.PID)
}
