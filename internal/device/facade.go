package device

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/TomW-Skyline/CellScanner-Service/internal/eventsink"
	"github.com/TomW-Skyline/CellScanner-Service/internal/executor"
	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

// DefaultMeasurementInterval is applied when the facade is constructed.
const DefaultMeasurementInterval = 5 * time.Second

// Logger defines the logging interface for the facade.
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

// Options configures a Facade.
type Options struct {
	// MeasurementInterval is set on the device during construction.
	// Zero means DefaultMeasurementInterval.
	MeasurementInterval time.Duration

	// Logger echoes device output. Nil discards it.
	Logger Logger
}

// Facade executes device commands on the executor thread and feeds
// callback output into the sink.
//
// Thread Safety:
//   - All command methods are safe for concurrent use; they are serialised
//     on the executor.
//   - The callbacks may be invoked on any thread.
type Facade struct {
	ex     *executor.Executor
	driver Driver
	sink   *eventsink.Sink
	logger Logger

	// Registered with the driver for the facade's lifetime.
	onLog         LogCallback
	onError       LogCallback
	onMeasurement MeasurementCallback
}

// NewFacade registers the callbacks with driver on the executor thread and
// sets the measurement interval.
//
// Parameters:
//   - ctx: Bounds the wait for registration
//   - ex: A started executor that owns the device thread
//   - driver: The native API
//   - sink: Receives events and measurements from callbacks
//   - opts: Measurement interval and logger
//
// Returns:
//   - *Facade: Ready for commands
//   - error: ErrCallbackRegistration, or an executor error
func NewFacade(ctx context.Context, ex *executor.Executor, driver Driver, sink *eventsink.Sink, opts Options) (*Facade, error) {
	if opts.MeasurementInterval <= 0 {
		opts.MeasurementInterval = DefaultMeasurementInterval
	}
	f := &Facade{
		ex:     ex,
		driver: driver,
		sink:   sink,
		logger: opts.Logger,
	}
	if f.logger == nil {
		f.logger = noopLogger{}
	}
	f.onLog = f.handleLog
	f.onError = f.handleError
	f.onMeasurement = f.handleMeasurement

	err := ex.Do(ctx, func() error {
		if status := driver.DefineLogCallback(f.onLog); status != StatusOK {
			return fmt.Errorf("%w: log callback status %d", ErrCallbackRegistration, status)
		}
		if status := driver.DefineErrorCallback(f.onError); status != StatusOK {
			return fmt.Errorf("%w: error callback status %d", ErrCallbackRegistration, status)
		}
		if status := driver.DefineMeasurementCallback(f.onMeasurement); status != StatusOK {
			return fmt.Errorf("%w: measurement callback status %d", ErrCallbackRegistration, status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ms := int(opts.MeasurementInterval / time.Millisecond)
	status, err := executor.Invoke(ctx, ex, func() (int, error) {
		return driver.SetMeasurementInterval(ms), nil
	})
	if err != nil {
		return nil, fmt.Errorf("setting measurement interval: %w", err)
	}
	if status != StatusOK {
		f.logger.Warn("device rejected measurement interval", "interval_ms", ms, "status", status)
	}

	return f, nil
}

// =============================================================================
// Callbacks
// =============================================================================

func (f *Facade) handleLog(message string) {
	if scanner.IsBlank(message) {
		return
	}
	f.logger.Info(message)
	f.sink.PushEvent(message, scanner.SeverityInformation)
}

func (f *Facade) handleError(message string) {
	if scanner.IsBlank(message) {
		return
	}
	f.logger.Error(message)
	f.sink.PushEvent(message, scanner.SeverityError)
}

// handleMeasurement decodes both blocks before returning: the driver reuses
// their memory for the next measurement.
func (f *Facade) handleMeasurement(commonData, meaInfo []byte) {
	common, err := decodeBlock(commonData)
	if err != nil {
		f.handleError(fmt.Sprintf("decoding measurement common data: %v", err))
		return
	}
	info, err := decodeBlock(meaInfo)
	if err != nil {
		f.handleError(fmt.Sprintf("decoding measurement info: %v", err))
		return
	}

	f.sink.PushMeasurement(scanner.Measurement{
		CommonData: common,
		MeaInfo:    info,
		Time:       time.Now().UTC(),
	})
	f.sink.PushEvent(fmt.Sprintf("Measurement (CB): %v - %v", common, info), scanner.SeverityInformation)
}

func decodeBlock(block []byte) (map[string]any, error) {
	if len(block) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := msgpack.Unmarshal(block, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// =============================================================================
// Commands
// =============================================================================

func (f *Facade) call(ctx context.Context, fn func() int) (int, error) {
	return executor.Invoke(ctx, f.ex, func() (int, error) {
		return fn(), nil
	})
}

// GetVersion returns the native library version.
func (f *Facade) GetVersion(ctx context.Context) (int, error) {
	return f.call(ctx, f.driver.Version)
}

// RestartDevice restarts the device. This can take several seconds, during
// which every other command waits.
func (f *Facade) RestartDevice(ctx context.Context) (int, error) {
	return f.call(ctx, f.driver.Restart)
}

// SetIPAddress sets the device's network address.
// A blank address is rejected with scanner.ErrInvalidArgument before the
// device is touched.
func (f *Facade) SetIPAddress(ctx context.Context, ip string) (int, error) {
	if scanner.IsBlank(ip) {
		return 0, fmt.Errorf("%w: IP address must not be blank", scanner.ErrInvalidArgument)
	}
	return f.call(ctx, func() int { return f.driver.SetIPAddress(ip) })
}

// SetGPS enables or disables the device's GPS receiver.
func (f *Facade) SetGPS(ctx context.Context, enabled bool) (int, error) {
	return f.call(ctx, func() int { return f.driver.SetGPS(enabled) })
}

// SetFrequencies replaces the device's scan list.
func (f *Facade) SetFrequencies(ctx context.Context, list *scanner.FrequencyList) (int, error) {
	if list == nil {
		return 0, fmt.Errorf("%w: frequency list must not be nil", scanner.ErrInvalidArgument)
	}
	entries := list.Entries()
	return f.call(ctx, func() int { return f.driver.SetFrequencies(entries) })
}

// StartMeasurement starts measuring the configured frequencies.
func (f *Facade) StartMeasurement(ctx context.Context) (int, error) {
	return f.call(ctx, f.driver.StartMeasurement)
}

// StopMeasurement stops measuring.
func (f *Facade) StopMeasurement(ctx context.Context) (int, error) {
	return f.call(ctx, f.driver.StopMeasurement)
}

// SetMeasurementInterval changes how often the device reports measurements.
func (f *Facade) SetMeasurementInterval(ctx context.Context, interval time.Duration) (int, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("%w: measurement interval must be positive", scanner.ErrInvalidArgument)
	}
	ms := int(interval / time.Millisecond)
	return f.call(ctx, func() int { return f.driver.SetMeasurementInterval(ms) })
}

// TriggerTestMeasurement asks the device to deliver one measurement
// through the measurement callback.
func (f *Facade) TriggerTestMeasurement(ctx context.Context) (int, error) {
	return f.call(ctx, f.driver.TestMeasurement)
}
