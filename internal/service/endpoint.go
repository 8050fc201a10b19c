package service

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TomW-Skyline/CellScanner-Service/internal/eventsink"
	"github.com/TomW-Skyline/CellScanner-Service/internal/rpc"
	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

// Device is the subset of the device facade the endpoint uses.
type Device interface {
	GetVersion(ctx context.Context) (int, error)
	RestartDevice(ctx context.Context) (int, error)
	SetIPAddress(ctx context.Context, ip string) (int, error)
	SetGPS(ctx context.Context, enabled bool) (int, error)
	SetFrequencies(ctx context.Context, list *scanner.FrequencyList) (int, error)
	StartMeasurement(ctx context.Context) (int, error)
	StopMeasurement(ctx context.Context) (int, error)
	TriggerTestMeasurement(ctx context.Context) (int, error)
}

// Signaler is fed on every Ping.
type Signaler interface {
	Signal()
	LastSignaled() time.Time
}

// Logger defines the logging interface for the endpoint.
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

// Deps holds the endpoint's collaborators.
type Deps struct {
	Device   Device
	Sink     *eventsink.Sink
	Watchdog Signaler

	// Exit terminates the process. Defaults to os.Exit.
	Exit func(code int)

	Logger Logger
}

// Endpoint serves the CellScanner commands inside the worker.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Endpoint struct {
	device   Device
	sink     *eventsink.Sink
	watchdog Signaler
	exit     func(int)
	logger   Logger
}

var _ scanner.Service = (*Endpoint)(nil)

// New creates an endpoint.
func New(deps Deps) *Endpoint {
	e := &Endpoint{
		device:   deps.Device,
		sink:     deps.Sink,
		watchdog: deps.Watchdog,
		exit:     deps.Exit,
		logger:   deps.Logger,
	}
	if e.exit == nil {
		e.exit = os.Exit
	}
	if e.logger == nil {
		e.logger = noopLogger{}
	}
	return e
}

// Ping proves the client is alive and resets the watchdog. It never fails.
func (e *Endpoint) Ping(context.Context) (bool, error) {
	if e.watchdog != nil {
		e.watchdog.Signal()
	}
	return true, nil
}

// GetServiceInfo reports the identity the worker runs as.
func (e *Endpoint) GetServiceInfo(context.Context) (string, error) {
	return ServiceInfo(), nil
}

// ServiceInfo returns "Service is running as <host>/<user>".
func ServiceInfo() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	name := fmt.Sprintf("uid%d", os.Getuid())
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return fmt.Sprintf("Service is running as %s/%s", host, name)
}

// GetDllVersion returns the native API version reported by the device.
func (e *Endpoint) GetDllVersion(ctx context.Context) (int, error) {
	return e.device.GetVersion(ctx)
}

// RestartDevice reboots the device. It blocks for the whole restart.
func (e *Endpoint) RestartDevice(ctx context.Context) (int, error) {
	e.logger.Info("restarting device")
	return e.device.RestartDevice(ctx)
}

// SetIPAddress forwards ip to the device. A blank address is an
// argument error.
func (e *Endpoint) SetIPAddress(ctx context.Context, ip string) (int, error) {
	return e.device.SetIPAddress(ctx, ip)
}

// SetGPS switches the device's GPS receiver.
func (e *Endpoint) SetGPS(ctx context.Context, enabled bool) (int, error) {
	return e.device.SetGPS(ctx, enabled)
}

// SetFrequencies replaces the device's scan list.
func (e *Endpoint) SetFrequencies(ctx context.Context, list *scanner.FrequencyList) (int, error) {
	return e.device.SetFrequencies(ctx, list)
}

// StartMeasurement starts the device's measurement cycle.
func (e *Endpoint) StartMeasurement(ctx context.Context) (int, error) {
	return e.device.StartMeasurement(ctx)
}

// StopMeasurement stops the device's measurement cycle.
func (e *Endpoint) StopMeasurement(ctx context.Context) (int, error) {
	return e.device.StopMeasurement(ctx)
}

// GetNewEvents drains the event queue. It never touches the device.
func (e *Endpoint) GetNewEvents(context.Context) ([]scanner.Event, error) {
	return e.sink.DrainEvents(), nil
}

// GetNewMeasurements drains the measurement queue. It never touches the
// device.
func (e *Endpoint) GetNewMeasurements(context.Context) ([]scanner.Measurement, error) {
	return e.sink.DrainMeasurements(), nil
}

// TestExternalGetMeasurement makes the device deliver one measurement
// through its callback.
func (e *Endpoint) TestExternalGetMeasurement(ctx context.Context) error {
	status, err := e.device.TriggerTestMeasurement(ctx)
	if err != nil {
		return err
	}
	if status != scanner.StatusOK {
		e.logger.Warn("test measurement rejected by device", "status", status)
	}
	return nil
}

// OnTransportFault terminates the worker after the control channel failed.
func (e *Endpoint) OnTransportFault(err error) {
	e.logger.Error("control channel faulted, exiting", "error", err, "exit_code", scanner.ExitTransportFault)
	e.exit(scanner.ExitTransportFault)
}

// OnClosed terminates the worker after the control channel was closed.
func (e *Endpoint) OnClosed() {
	e.logger.Info("control channel closed, exiting", "exit_code", scanner.ExitTransportFault)
	e.exit(scanner.ExitTransportFault)
}

// Register binds every command to mux under its wire method name.
func (e *Endpoint) Register(mux *rpc.Mux) {
	mux.Handle(scanner.MethodPing, rpc.Func(e.Ping))
	mux.Handle(scanner.MethodGetServiceInfo, rpc.Func(e.GetServiceInfo))
	mux.Handle(scanner.MethodGetDllVersion, rpc.Func(e.GetDllVersion))
	mux.Handle(scanner.MethodRestartDevice, rpc.Func(e.RestartDevice))
	mux.Handle(scanner.MethodSetIPAddress, rpc.FuncWithParams(e.SetIPAddress))
	mux.Handle(scanner.MethodSetGPS, rpc.FuncWithParams(e.SetGPS))
	mux.Handle(scanner.MethodSetFrequencies, rpc.FuncWithParams(
		func(ctx context.Context, entries []scanner.FrequencyEntry) (int, error) {
			if entries == nil {
				return e.SetFrequencies(ctx, nil)
			}
			return e.SetFrequencies(ctx, scanner.NewFrequencyList(entries...))
		}))
	mux.Handle(scanner.MethodStartMeasurement, rpc.Func(e.StartMeasurement))
	mux.Handle(scanner.MethodStopMeasurement, rpc.Func(e.StopMeasurement))
	mux.Handle(scanner.MethodGetNewEvents, rpc.Func(e.GetNewEvents))
	mux.Handle(scanner.MethodGetNewMeasurements, rpc.Func(e.GetNewMeasurements))
	mux.Handle(scanner.MethodTestExternalGetMeasurement, rpc.Func(
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.TestExternalGetMeasurement(ctx)
		}))
}

// RegisterMetrics exposes queue depths and watchdog age on reg.
func (e *Endpoint) RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cellscanner_pending_events",
			Help: "Events queued and not yet polled.",
		}, func() float64 { return float64(e.sink.EventsLen()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cellscanner_pending_measurements",
			Help: "Measurements queued and not yet polled.",
		}, func() float64 { return float64(e.sink.MeasurementsLen()) }),
	)
	if e.watchdog != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cellscanner_watchdog_last_signal_age_seconds",
			Help: "Seconds since the last Ping, or -1 if none arrived yet.",
		}, func() float64 {
			last := e.watchdog.LastSignaled()
			if last.IsZero() {
				return -1
			}
			return time.Since(last).Seconds()
		}))
	}
}
