package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/TomW-Skyline/CellScanner-Service/internal/client"
	"github.com/TomW-Skyline/CellScanner-Service/internal/history"
	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/config"
	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/logging"
	"github.com/TomW-Skyline/CellScanner-Service/internal/process"
	"github.com/TomW-Skyline/CellScanner-Service/internal/relay"
	"github.com/TomW-Skyline/CellScanner-Service/internal/rpc"
	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
	"github.com/TomW-Skyline/CellScanner-Service/internal/supervisor"
)

// shutdownTimeout bounds the calls made after the run context ends.
const shutdownTimeout = 5 * time.Second

// workerExitError reports a worker that terminated on its own.
type workerExitError struct {
	code int
}

func (e *workerExitError) Error() string {
	return fmt.Sprintf("worker exited: %s", scanner.DescribeExitCode(e.code))
}

// Journal is the part of the history repository the app drives directly.
type Journal interface {
	BeginSession(ctx context.Context, token string) (string, error)
	EndSession(ctx context.Context, sessionID string, exitCode int) error
	Summary(ctx context.Context, sessionID string) (history.Summary, error)
}

// app runs workers one after another and polls each while it lives.
type app struct {
	cfg   *config.Config
	log   *logging.Logger
	relay *relay.Relay
	sup   *supervisor.Supervisor

	journal     Journal
	historySink *relay.HistorySink

	// proxy is the current worker's proxy, or nil between workers. The
	// supervisor's health check reads it from its own goroutine.
	proxy atomic.Pointer[client.Proxy]

	restarts int
}

func newApp(cfg *config.Config, configPath string, log *logging.Logger, r *relay.Relay) (*app, error) {
	a := &app{cfg: cfg, log: log, relay: r}

	// The worker may run in another directory.
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}

	sup, err := supervisor.New(supervisor.Config{
		Binary:              cfg.Client.WorkerBinary,
		WorkDir:             cfg.Client.WorkDir,
		RequiredFiles:       cfg.Client.RequiredFiles,
		RuntimeDir:          cfg.Worker.RuntimeDir,
		Token:               cfg.Client.Token,
		ReadyTimeout:        cfg.GetReadyTimeout(),
		HealthCheckFunc:     a.healthCheck,
		HealthCheckInterval: cfg.GetHealthCheckInterval(),
		StopTimeout:         cfg.GetStopTimeout(),
		Env:                 []string{config.PathEnv + "=" + configPath},
	})
	if err != nil {
		return nil, err
	}
	sup.SetLogger(log)
	a.sup = sup
	return a, nil
}

func (a *app) useHistory(journal Journal, sink *relay.HistorySink) {
	a.journal = journal
	a.historySink = sink
}

// Run starts the first worker and keeps one running until the run
// duration elapses, ctx is cancelled or the restart budget is spent.
func (a *app) Run(ctx context.Context) error {
	if d := a.cfg.GetRunDuration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	for {
		err := a.session(ctx)
		if ctx.Err() != nil {
			a.log.Info("cellscanner stopped", "restarts", a.restarts)
			return nil
		}

		var exitErr *workerExitError
		if !errors.As(err, &exitErr) || !a.shouldRestart() {
			return err
		}

		a.restarts++
		a.log.Warn("restarting worker",
			"attempt", a.restarts,
			"reason", scanner.DescribeExitCode(exitErr.code),
			"delay", a.cfg.GetRestartDelay(),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.GetRestartDelay()):
		}
	}
}

func (a *app) shouldRestart() bool {
	if !a.cfg.Client.RestartOnExit {
		return false
	}
	return a.cfg.Client.MaxRestarts == 0 || a.restarts < a.cfg.Client.MaxRestarts
}

// session runs one worker from start to exit.
func (a *app) session(ctx context.Context) error {
	if err := a.sup.StartProcess(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	token := a.sup.Token()
	done := a.sup.Done()

	desc, err := a.sup.WaitReady(ctx)
	if err != nil {
		a.flushWorkerOutput(ctx, token)
		if errors.Is(err, supervisor.ErrExitedBeforeReady) {
			_, code := a.sup.HasExited()
			a.sup.StopProcess()
			return &workerExitError{code: code}
		}
		a.sup.StopProcess()
		return fmt.Errorf("waiting for worker: %w", err)
	}

	sessionID := a.beginSession(ctx, token)
	a.dispatchStatus(ctx, relay.WorkerStatus{State: relay.StateRunning, Token: token, PID: desc.PID})

	conn, err := rpc.Dial(ctx, desc.Socket, token, rpc.ClientOptions{CallTimeout: a.cfg.GetCallTimeout()})
	if err != nil {
		a.sup.StopProcess()
		a.endSession(sessionID, -1)
		return fmt.Errorf("connecting to worker: %w", err)
	}
	defer conn.Close() //nolint:errcheck // Connection is dead or being discarded

	proxy := client.New(conn)
	a.proxy.Store(proxy)
	defer a.proxy.Store(nil)

	if err := a.configureDevice(ctx, proxy); err != nil && !client.IsConnectionLost(err) && ctx.Err() == nil {
		a.sup.StopProcess()
		a.endSession(sessionID, -1)
		return err
	}

	return a.poll(ctx, proxy, done, token, sessionID)
}

// configureDevice runs the scan setup: version, IP, GPS, scan list and
// measurement start.
func (a *app) configureDevice(ctx context.Context, proxy *client.Proxy) error {
	info, err := proxy.GetServiceInfo(ctx)
	if err != nil {
		return fmt.Errorf("reading service info: %w", err)
	}
	ver, err := proxy.GetDllVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading device version: %w", err)
	}
	a.log.Info("worker ready", "service", info, "device_version", ver)

	if ip := a.cfg.Device.IPAddress; ip != "" {
		status, err := proxy.SetIPAddress(ctx, ip)
		if err != nil {
			return fmt.Errorf("setting IP address: %w", err)
		}
		a.log.Info("device IP address set", "ip", ip, "status", status)
	}

	status, err := proxy.SetGPS(ctx, a.cfg.Device.GPS)
	if err != nil {
		return fmt.Errorf("setting GPS: %w", err)
	}
	a.log.Info("device GPS set", "enabled", a.cfg.Device.GPS, "status", status)

	list, err := a.cfg.Device.FrequencyList()
	if err != nil {
		return fmt.Errorf("building scan list: %w", err)
	}
	status, err = proxy.SetFrequencies(ctx, list)
	if err != nil {
		return fmt.Errorf("setting frequencies: %w", err)
	}
	a.log.Info("scan list set", "entries", len(list.Entries()), "status", status)

	status, err = proxy.StartMeasurement(ctx)
	if err != nil {
		return fmt.Errorf("starting measurement: %w", err)
	}
	a.log.Info("measurement started", "status", status)
	return nil
}

// poll drains the worker every poll interval until it exits or ctx ends.
func (a *app) poll(ctx context.Context, proxy *client.Proxy, done <-chan struct{}, token, sessionID string) error {
	ticker := time.NewTicker(a.cfg.GetPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown(proxy, token, sessionID)
			return ctx.Err()

		case <-done:
			_, code := a.sup.HasExited()
			a.flushWorkerOutput(ctx, token)
			a.log.Error("worker exited", "exit_code", code, "meaning", scanner.DescribeExitCode(code))
			a.logStats(a.sup.Stats())
			a.dispatchStatus(ctx, relay.WorkerStatus{
				State:       relay.StateExited,
				Token:       token,
				ExitCode:    &code,
				Description: scanner.DescribeExitCode(code),
			})
			a.endSession(sessionID, code)
			a.sup.StopProcess()
			return &workerExitError{code: code}

		case <-ticker.C:
			a.drain(ctx, proxy, token)
		}
	}
}

// drain pulls one round of device output and worker output into the relay.
func (a *app) drain(ctx context.Context, proxy *client.Proxy, token string) {
	batch := relay.Batch{Source: history.SourceDevice, Token: token}

	events, err := proxy.GetNewEvents(ctx)
	if err != nil {
		a.logCallError("GetNewEvents", err)
	}
	batch.Events = events

	measurements, err := proxy.GetNewMeasurements(ctx)
	if err != nil {
		a.logCallError("GetNewMeasurements", err)
	}
	batch.Measurements = measurements

	_ = a.relay.Dispatch(ctx, batch) //nolint:errcheck // Relay logs sink failures
	a.flushWorkerOutput(ctx, token)
}

// flushWorkerOutput relays the lines the worker wrote to stdout/stderr.
func (a *app) flushWorkerOutput(ctx context.Context, token string) {
	batch := relay.Batch{Source: history.SourceWorker, Token: token, Events: a.sup.GetNewEvents()}
	_ = a.relay.Dispatch(context.WithoutCancel(ctx), batch) //nolint:errcheck // Relay logs sink failures
}

func (a *app) logCallError(method string, err error) {
	if client.IsConnectionLost(err) {
		a.log.Debug("worker connection lost", "method", method)
		return
	}
	a.log.Warn("worker call failed", "method", method, "error", err)
}

// shutdown stops the measurement, drains what is left and asks the worker
// to exit. The worker's last lines are relayed before the session closes.
func (a *app) shutdown(proxy *client.Proxy, token, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if status, err := proxy.StopMeasurement(ctx); err != nil {
		a.logCallError("StopMeasurement", err)
	} else {
		a.log.Info("measurement stopped", "status", status)
	}
	a.drain(ctx, proxy, token)

	stats := a.sup.Shutdown()
	a.flushWorkerOutput(ctx, token)
	a.logStats(stats)
	a.dispatchStatus(ctx, relay.WorkerStatus{State: relay.StateExited, Token: token, Description: "stopped by client"})
	a.endSession(sessionID, -1)
}

func (a *app) logStats(stats process.Stats) {
	a.log.Info("worker stats",
		"pid", stats.PID,
		"status", stats.Status,
		"uptime", stats.Uptime.Round(time.Millisecond),
		"exit_code", stats.ExitCode,
		"last_error", stats.LastError,
	)
}

func (a *app) dispatchStatus(ctx context.Context, status relay.WorkerStatus) {
	_ = a.relay.DispatchStatus(context.WithoutCancel(ctx), status) //nolint:errcheck // Relay logs sink failures
}

func (a *app) beginSession(ctx context.Context, token string) string {
	if a.journal == nil {
		return ""
	}
	id, err := a.journal.BeginSession(ctx, token)
	if err != nil {
		a.log.Warn("history session not recorded", "error", err)
		return ""
	}
	a.historySink.SetSession(id)
	return id
}

func (a *app) endSession(sessionID string, code int) {
	if a.journal == nil || sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.journal.EndSession(ctx, sessionID, code); err != nil {
		a.log.Warn("history session not closed", "error", err)
	}
	a.historySink.SetSession("")

	sum, err := a.journal.Summary(ctx, sessionID)
	if err != nil {
		a.log.Warn("history summary unavailable", "error", err)
		return
	}
	a.log.Info("session journaled",
		"session", sessionID,
		"device_events", sum.Events[history.SourceDevice],
		"worker_lines", sum.Events[history.SourceWorker],
		"errors", sum.Errors,
		"measurements", sum.Measurements,
	)
}

// healthCheck pings the current worker. It doubles as the worker's
// watchdog signal.
func (a *app) healthCheck(ctx context.Context) error {
	proxy := a.proxy.Load()
	if proxy == nil {
		return nil
	}
	ok, err := proxy.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("worker answered ping with false")
	}
	return nil
}
