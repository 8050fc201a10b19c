package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/TomW-Skyline/CellScanner-Service/internal/history"
	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/config"
	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/database"
	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/logging"
	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
	"github.com/TomW-Skyline/CellScanner-Service/internal/worker"
	"github.com/TomW-Skyline/CellScanner-Service/migrations"
)

// workerEnv makes the test binary act as cellscannerd when spawned by
// the supervisor.
const workerEnv = "CELLSCANNER_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		os.Exit(runTestWorker(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runTestWorker(args []string) int {
	if len(args) < 2 {
		return scanner.ExitStartupFailure
	}
	pid, err := strconv.Atoi(args[1])
	if err != nil {
		return scanner.ExitStartupFailure
	}
	cfg, err := config.LoadOrDefault(config.Path())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return scanner.ExitStartupFailure
	}

	// Like cellscannerd, treat SIGTERM as a request to close the host.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	logCfg := cfg.Logging
	logCfg.Format = "text"
	w, err := worker.Start(ctx, worker.Options{
		Token:     args[0],
		ParentPID: pid,
		Config:    cfg,
		Stdout:    os.Stdout,
		Logger:    logging.NewWithWriter(os.Stdout, logCfg, "cellscannerd", "test"),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return scanner.ExitStartupFailure
	}
	return w.Wait()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// writeConfig writes a config that runs the test binary as the worker
// and points CELLSCANNER_CONFIG at it. workerBody and clientBody are
// appended to their sections. It returns the temp dir.
func writeConfig(t *testing.T, workerBody, clientBody string) string {
	t.Helper()

	// Unix socket paths are short; keep the runtime dir near the root.
	dir, err := os.MkdirTemp("", "csc")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	self, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}

	content := fmt.Sprintf(`worker:
  runtime_dir: %s
%sdevice:
  measurement_interval: 100
logging:
  level: debug
  format: text
database:
  enabled: true
  path: %s
client:
  worker_binary: %s
  poll_interval: 50
  ready_timeout: 10
%s`, dir, workerBody, filepath.Join(dir, "history.db"), self, clientBody)

	path := filepath.Join(dir, "cellscanner.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv(config.PathEnv, path)
	t.Setenv(workerEnv, "1")
	return dir
}

func openHistory(t *testing.T, dir string) *history.SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{
		Path:        filepath.Join(dir, "history.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return history.NewSQLiteRepository(db.DB)
}

// =============================================================================
// End to end
// =============================================================================

func TestRun_ScanSession(t *testing.T) {
	dir := writeConfig(t, "", `  run_duration: 2
  restart_on_exit: false
`)
	var out lockedBuffer

	if err := run(context.Background(), &out); err != nil {
		t.Fatalf("run() error = %v\noutput:\n%s", err, out.String())
	}

	logs := out.String()
	for _, want := range []string{
		"worker ready", "scan list set", "measurement started", "measurement stopped",
		"worker stats", "session journaled", "cellscanner stopped",
	} {
		if !strings.Contains(logs, want) {
			t.Errorf("output missing %q", want)
		}
	}

	repo := openHistory(t, dir)
	ctx := context.Background()

	sessions, err := repo.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].ExitCode == nil || *sessions[0].ExitCode != -1 {
		t.Errorf("ExitCode = %v, want -1 (stopped by client)", sessions[0].ExitCode)
	}

	sum, err := repo.Summary(ctx, sessions[0].ID)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if sum.Events[history.SourceDevice] == 0 {
		t.Error("no device events journaled")
	}
	if sum.Events[history.SourceWorker] == 0 {
		t.Error("no worker output journaled")
	}
	if sum.Measurements == 0 {
		t.Error("no measurements journaled")
	}

	// The worker got SIGTERM, closed its host and said so before exiting.
	if !strings.Contains(logs, "Service host is closed") {
		t.Error("worker shutdown lines were not relayed")
	}
}

func TestRun_RestartsAfterWatchdog(t *testing.T) {
	dir := writeConfig(t, "  watchdog_timeout: 1\n", `  run_duration: 20
  health_check_interval: 60
  restart_on_exit: true
  max_restarts: 1
  restart_delay: 0
`)

	var out lockedBuffer
	start := time.Now()
	err := run(context.Background(), &out)

	var exitErr *workerExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("run() error = %v, want workerExitError\noutput:\n%s", err, out.String())
	}
	if exitErr.code != scanner.ExitWatchdog {
		t.Errorf("exit code = %d, want %d", exitErr.code, scanner.ExitWatchdog)
	}
	if time.Since(start) > 15*time.Second {
		t.Error("restart loop ran longer than expected")
	}
	if !strings.Contains(out.String(), "restarting worker") {
		t.Error("output missing restart notice")
	}

	sessions, err := openHistory(t, dir).Sessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	if sessions[0].Token == sessions[1].Token {
		t.Error("restart reused the previous token")
	}
	for _, s := range sessions {
		if s.ExitCode == nil || *s.ExitCode != scanner.ExitWatchdog {
			t.Errorf("session %s ExitCode = %v, want %d", s.ID, s.ExitCode, scanner.ExitWatchdog)
		}
	}
}

func TestRun_ReportsPreviousSession(t *testing.T) {
	writeConfig(t, "", `  run_duration: 1
  restart_on_exit: false
`)
	var first lockedBuffer
	if err := run(context.Background(), &first); err != nil {
		t.Fatalf("first run() error = %v\noutput:\n%s", err, first.String())
	}
	if strings.Contains(first.String(), "previous session") {
		t.Error("first run reported a previous session")
	}

	var second lockedBuffer
	if err := run(context.Background(), &second); err != nil {
		t.Fatalf("second run() error = %v\noutput:\n%s", err, second.String())
	}
	if !strings.Contains(second.String(), "previous session") {
		t.Error("second run did not report the previous session")
	}
}

func TestRun_MissingWorkerBinary(t *testing.T) {
	writeConfig(t, "", `  run_duration: 2
`)
	t.Setenv("CELLSCANNER_WORKER_BINARY", "/nonexistent/cellscannerd")

	var out lockedBuffer
	err := run(context.Background(), &out)
	if err == nil {
		t.Fatal("run() expected error for missing worker binary")
	}
	if !strings.Contains(err.Error(), "starting worker") {
		t.Errorf("run() error = %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	writeConfig(t, "", `  run_duration: 0
  restart_on_exit: false
`)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out lockedBuffer
	if err := run(ctx, &out); err != nil {
		t.Fatalf("run() error = %v, want nil on cancellation", err)
	}
	if !strings.Contains(out.String(), "measurement stopped") {
		t.Errorf("output missing shutdown sequence:\n%s", out.String())
	}
}

// =============================================================================
// Restart policy
// =============================================================================

func TestShouldRestart(t *testing.T) {
	tests := []struct {
		name     string
		enabled  bool
		max      int
		restarts int
		want     bool
	}{
		{"disabled", false, 5, 0, false},
		{"within budget", true, 2, 1, true},
		{"budget spent", true, 2, 2, false},
		{"unlimited", true, 0, 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Client.RestartOnExit = tt.enabled
			cfg.Client.MaxRestarts = tt.max
			a := &app{cfg: cfg, restarts: tt.restarts}
			if got := a.shouldRestart(); got != tt.want {
				t.Errorf("shouldRestart() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthCheckWithoutWorker(t *testing.T) {
	a := &app{}
	if err := a.healthCheck(context.Background()); err != nil {
		t.Errorf("healthCheck() error = %v, want nil between workers", err)
	}
}

// =============================================================================
// Startup checks
// =============================================================================

type fakeChecker struct {
	err    error
	called bool
}

func (f *fakeChecker) HealthCheck(ctx context.Context) error {
	f.called = true
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("health check without deadline")
	}
	return f.err
}

func TestHealthCheck_StopsAtFirstFailure(t *testing.T) {
	ok := &fakeChecker{}
	broken := &fakeChecker{err: errors.New("broker unreachable")}
	skipped := &fakeChecker{}

	err := healthCheck(context.Background(), []namedCheck{
		{"database", ok},
		{"mqtt", broken},
		{"influxdb", skipped},
	})
	if err == nil || !strings.Contains(err.Error(), "mqtt: broker unreachable") {
		t.Fatalf("healthCheck() error = %v, want the mqtt failure", err)
	}
	if !ok.called {
		t.Error("database check not run")
	}
	if skipped.called {
		t.Error("checks continued after a failure")
	}
}

func TestHealthCheck_NoSinks(t *testing.T) {
	if err := healthCheck(context.Background(), nil); err != nil {
		t.Errorf("healthCheck(nil) error = %v", err)
	}
}

type fakeHistory struct {
	sessions  []history.Session
	prunedFor time.Duration
	pruned    int64
}

func (f *fakeHistory) Sessions(context.Context, int) ([]history.Session, error) {
	return f.sessions, nil
}

func (f *fakeHistory) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	f.prunedFor = olderThan
	return f.pruned, nil
}

func TestPrepareHistory(t *testing.T) {
	code := scanner.ExitWatchdog
	store := &fakeHistory{
		pruned:   2,
		sessions: []history.Session{{ID: "s-1", Token: "tok", ExitCode: &code}},
	}
	cfg := config.Default()
	cfg.Database.RetentionDays = 7

	var out lockedBuffer
	prepareHistory(context.Background(), cfg, store, logging.NewWithWriter(&out, cfg.Logging, "cellscanner", "test"))

	if store.prunedFor != 7*24*time.Hour {
		t.Errorf("Prune window = %v, want 168h", store.prunedFor)
	}
	logs := out.String()
	for _, want := range []string{"history pruned", "previous session", "s-1", scanner.DescribeExitCode(code)} {
		if !strings.Contains(logs, want) {
			t.Errorf("output missing %q:\n%s", want, logs)
		}
	}
}

func TestPrepareHistory_RetentionDisabled(t *testing.T) {
	store := &fakeHistory{}
	cfg := config.Default()
	cfg.Database.RetentionDays = 0

	var out lockedBuffer
	prepareHistory(context.Background(), cfg, store, logging.NewWithWriter(&out, cfg.Logging, "cellscanner", "test"))

	if store.prunedFor != 0 {
		t.Errorf("Prune called with %v while retention is disabled", store.prunedFor)
	}
	if strings.Contains(out.String(), "previous session") {
		t.Error("previous session logged for an empty journal")
	}
}

func TestWorkerExitError(t *testing.T) {
	err := &workerExitError{code: scanner.ExitParentGone}
	if !strings.Contains(err.Error(), "parent process exited") {
		t.Errorf("Error() = %q", err.Error())
	}
}
