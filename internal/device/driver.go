package device

import "github.com/TomW-Skyline/CellScanner-Service/internal/scanner"

// Status codes produced by the in-tree drivers. Real hardware returns its
// own codes; the bridge never interprets them.
const (
	StatusOK            = scanner.StatusOK
	StatusNotMeasuring  = 2
	StatusNoFrequencies = 3
	StatusBadArgument   = 4
	StatusWrongThread   = -100
)

// LogCallback receives one line of device log or error output.
type LogCallback func(message string)

// MeasurementCallback receives one measurement as two encoded blocks.
// The blocks are owned by the driver and are overwritten after the
// callback returns, so they must be decoded before returning.
type MeasurementCallback func(commonData, meaInfo []byte)

// Driver is the native CellScanner API.
//
// Implementations are not safe for concurrent use and may require every
// call to come from the thread that registered the callbacks.
type Driver interface {
	Version() int
	Restart() int
	SetIPAddress(ip string) int
	SetGPS(enabled bool) int
	SetFrequencies(entries []scanner.FrequencyEntry) int
	StartMeasurement() int
	StopMeasurement() int
	SetMeasurementInterval(ms int) int
	TestMeasurement() int

	DefineLogCallback(cb LogCallback) int
	DefineErrorCallback(cb LogCallback) int
	DefineMeasurementCallback(cb MeasurementCallback) int
}
