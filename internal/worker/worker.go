package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/TomW-Skyline/CellScanner-Service/internal/device"
	"github.com/TomW-Skyline/CellScanner-Service/internal/eventsink"
	"github.com/TomW-Skyline/CellScanner-Service/internal/executor"
	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/config"
	"github.com/TomW-Skyline/CellScanner-Service/internal/rpc"
	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
	"github.com/TomW-Skyline/CellScanner-Service/internal/service"
	"github.com/TomW-Skyline/CellScanner-Service/internal/watchdog"
)

// Logger defines the logging interface for the worker.
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

// Options configures a worker.
type Options struct {
	// Token addresses the control channel.
	Token string

	// ParentPID is watched for liveness. Negative disables monitoring.
	ParentPID int

	// Config supplies the worker and device sections.
	Config *config.Config

	// Driver overrides the driver built from Config.Device.
	Driver device.Driver

	// Stdout receives the startup banner. Defaults to os.Stdout.
	Stdout io.Writer

	// Exit terminates the process. Defaults to os.Exit.
	Exit func(code int)

	Logger Logger
}

// Worker is a running cellscannerd instance.
type Worker struct {
	token      string
	logger     Logger
	exit       func(int)
	stdout     io.Writer
	descriptor string

	executor *executor.Executor
	sink     *eventsink.Sink
	facade   *device.Facade
	watchdog *watchdog.Watchdog
	endpoint *service.Endpoint
	server   *rpc.Server
	registry *prometheus.Registry

	cancel context.CancelFunc

	once     sync.Once
	done     chan struct{}
	exitCode int
}

// Start brings a worker up: the device thread, callback registration,
// the watchdog, the control channel and the ready descriptor, then
// parent monitoring.
//
// Cancelling ctx closes the control channel, which terminates the worker
// with scanner.ExitTransportFault.
//
// Returns:
//   - *Worker: Serving requests
//   - error: Any startup failure; the caller should exit with
//     scanner.ExitStartupFailure
func Start(ctx context.Context, opts Options) (*Worker, error) {
	if err := rpc.ValidateToken(opts.Token); err != nil {
		return nil, err
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	w := &Worker{
		token:  opts.Token,
		logger: opts.Logger,
		exit:   opts.Exit,
		stdout: opts.Stdout,
		done:   make(chan struct{}),
	}
	if w.logger == nil {
		w.logger = noopLogger{}
	}
	if w.exit == nil {
		w.exit = os.Exit
	}
	if w.stdout == nil {
		w.stdout = os.Stdout
	}

	if err := os.MkdirAll(cfg.Worker.RuntimeDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating runtime dir: %w", err)
	}
	w.descriptor = rpc.DescriptorPath(cfg.Worker.RuntimeDir, w.token)

	driver := opts.Driver
	if driver == nil {
		var err error
		if driver, err = NewDriver(cfg.Device); err != nil {
			return nil, err
		}
	}

	w.executor = executor.New("device")
	w.executor.SetLogger(w.logger)
	if err := w.executor.Start(); err != nil {
		return nil, fmt.Errorf("starting device thread: %w", err)
	}

	w.sink = eventsink.New()
	facade, err := device.NewFacade(ctx, w.executor, driver, w.sink, device.Options{
		MeasurementInterval: cfg.GetMeasurementInterval(),
		Logger:              w.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initialising device: %w", err)
	}
	w.facade = facade

	w.watchdog = watchdog.New(cfg.GetWatchdogTimeout(), func() {
		w.logger.Error("watchdog expired", "timeout", cfg.GetWatchdogTimeout())
		w.terminate(scanner.ExitWatchdog)
	})

	w.endpoint = service.New(service.Deps{
		Device:   facade,
		Sink:     w.sink,
		Watchdog: w.watchdog,
		Exit:     w.terminate,
		Logger:   w.logger,
	})
	mux := rpc.NewMux()
	w.endpoint.Register(mux)

	if cfg.Worker.Metrics {
		w.registry = prometheus.NewRegistry()
		w.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		w.endpoint.RegisterMetrics(w.registry)
	}

	w.server = rpc.NewServer(rpc.ServerConfig{
		SocketPath:   rpc.SocketPath(cfg.Worker.RuntimeDir, w.token),
		Token:        w.token,
		FaultDetail:  rpc.FaultDetail(cfg.Worker.FaultDetail),
		PingInterval: time.Duration(cfg.Worker.PingInterval) * time.Second,
		PongTimeout:  time.Duration(cfg.Worker.PongTimeout) * time.Second,
		Registry:     w.registry,
	}, mux)
	w.server.SetLogger(w.logger)
	w.server.OnFault(func(err error) {
		fmt.Fprintln(w.stdout, "Service host is in faulted state")
		w.endpoint.OnTransportFault(err)
	})
	w.server.OnClosed(func() {
		fmt.Fprintln(w.stdout, "Service host is closed")
		w.endpoint.OnClosed()
	})

	fmt.Fprintln(w.stdout, service.ServiceInfo())

	if err := w.server.Start(ctx); err != nil {
		w.watchdog.Stop()
		return nil, fmt.Errorf("starting control channel: %w", err)
	}

	if err := rpc.WriteDescriptor(w.descriptor, rpc.Descriptor{
		Token:   w.token,
		Socket:  w.server.SocketPath(),
		Path:    rpc.EndpointPath(w.token),
		PID:     os.Getpid(),
		Started: time.Now().UTC(),
	}); err != nil {
		w.watchdog.Stop()
		w.server.OnClosed(nil)
		_ = w.server.Close() //nolint:errcheck // already failing
		return nil, err
	}

	fmt.Fprintf(w.stdout, "Service started (endpoint=unix://%s%s)\n", w.server.SocketPath(), rpc.EndpointPath(w.token))

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	monitor := watchdog.NewParentMonitor(opts.ParentPID, cfg.GetParentPollInterval(), func() {
		fmt.Fprintln(w.stdout, "Parent process has exited")
		w.terminate(scanner.ExitParentGone)
	})
	go func() {
		if err := monitor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("parent monitor stopped", "error", err)
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			w.logger.Info("shutdown requested")
			_ = w.server.Close() //nolint:errcheck // Close logs its own failures
		case <-w.done:
		}
	}()

	w.logger.Info("worker started",
		"token", w.token,
		"parent_pid", opts.ParentPID,
		"executor_tid", w.executor.ThreadID(),
		"watchdog_timeout", cfg.GetWatchdogTimeout(),
	)
	return w, nil
}

// terminate runs once: it withdraws the ready descriptor and calls the
// exit primitive with code.
func (w *Worker) terminate(code int) {
	w.once.Do(func() {
		if err := os.Remove(w.descriptor); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("removing ready descriptor", "error", err)
		}
		w.exitCode = code
		close(w.done)
		w.logger.Info("worker exiting", "exit_code", code, "meaning", scanner.DescribeExitCode(code))
		w.exit(code)
	})
}

// Done is closed once the worker has terminated.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the worker terminates and returns its exit code.
// With the default exit primitive it never returns.
func (w *Worker) Wait() int {
	<-w.done
	return w.exitCode
}

// Close stops the watchdog and the parent monitor and closes the control
// channel, which terminates the worker with scanner.ExitTransportFault if
// it has not already terminated.
func (w *Worker) Close() error {
	w.watchdog.Stop()
	if w.cancel != nil {
		w.cancel()
	}
	return w.server.Close()
}

// Token returns the control channel token.
func (w *Worker) Token() string {
	return w.token
}

// SocketPath returns the control channel socket.
func (w *Worker) SocketPath() string {
	return w.server.SocketPath()
}

// DescriptorPath returns where the ready descriptor is published.
func (w *Worker) DescriptorPath() string {
	return w.descriptor
}

// Watchdog exposes the liveness timer.
func (w *Worker) Watchdog() *watchdog.Watchdog {
	return w.watchdog
}

// Executor exposes the device thread.
func (w *Worker) Executor() *executor.Executor {
	return w.executor
}
