// cellscannerd is the CellScanner worker process.
//
// It owns the scanner device for its whole lifetime and serves the
// CellScanner commands on a private control channel:
//
//	cellscannerd <token> <parentPid>
//
// Without arguments it picks a random token and does not watch a parent,
// which is handy for running it by hand. Exit codes: 10 control channel
// faulted or closed, 12 parent process gone, 13 watchdog expired, 1 any
// startup failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/config"
	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/logging"
	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
	"github.com/TomW-Skyline/CellScanner-Service/internal/worker"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Exit); err != nil {
		if code, ok := exitCode(err); ok {
			os.Exit(code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(scanner.ExitStartupFailure)
	}
}

// parseArgs returns the token and parent PID from the command line.
// A parent PID of -1 disables parent monitoring.
func parseArgs(args []string) (string, int, error) {
	if len(args) < 2 {
		return uuid.NewString(), -1, nil
	}
	pid, err := strconv.Atoi(args[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid parent pid %q: %w", args[1], err)
	}
	if pid <= 0 {
		return "", 0, fmt.Errorf("invalid parent pid %d", pid)
	}
	return args[0], pid, nil
}

// run starts the worker and waits for it to terminate. exit is the
// process exit primitive; with os.Exit run never returns after a
// successful start.
//
// Returns:
//   - error: Any startup failure
func run(ctx context.Context, args []string, stdout io.Writer, exit func(int)) error {
	token, parentPID, err := parseArgs(args)
	if err != nil {
		return err
	}

	configPath := config.Path()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// The supervisor turns every stdout line into an event, so keep one
	// record per line in a readable form.
	logCfg := cfg.Logging
	logCfg.Format = "text"
	log := logging.NewWithWriter(stdout, logCfg, "cellscannerd", version)
	log.Info("starting cellscannerd",
		"version", version,
		"commit", commit,
		"config", configPath,
		"parent_pid", parentPID,
	)

	w, err := worker.Start(ctx, worker.Options{
		Token:     token,
		ParentPID: parentPID,
		Config:    cfg,
		Stdout:    stdout,
		Exit:      exit,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	code := w.Wait()
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// exitError reports a worker termination when exit did not end the
// process.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("worker terminated: %s", scanner.DescribeExitCode(e.code))
}

// exitCode extracts the termination code from an error returned by run.
func exitCode(err error) (int, bool) {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code, true
	}
	return 0, false
}
