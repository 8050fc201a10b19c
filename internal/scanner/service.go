package scanner

import "context"

// Method names on the control channel.
const (
	MethodPing                       = "Ping"
	MethodGetServiceInfo             = "GetServiceInfo"
	MethodGetDllVersion              = "GetDllVersion"
	MethodRestartDevice              = "RestartDevice"
	MethodSetIPAddress               = "SetIpAddress"
	MethodSetGPS                     = "SetGps"
	MethodSetFrequencies             = "SetFrequencies"
	MethodStartMeasurement           = "StartMeasurement"
	MethodStopMeasurement            = "StopMeasurement"
	MethodGetNewEvents               = "GetNewEvents"
	MethodGetNewMeasurements         = "GetNewMeasurements"
	MethodTestExternalGetMeasurement = "TestExternalGetMeasurement"
)

// Service is the command surface of a CellScanner worker.
//
// Device commands return the driver's status code unchanged (StatusOK on
// success). An error is returned only for argument rejection or a transport
// failure. GetNewEvents and GetNewMeasurements drain: each item is returned
// by exactly one call.
type Service interface {
	Ping(ctx context.Context) (bool, error)
	GetServiceInfo(ctx context.Context) (string, error)
	GetDllVersion(ctx context.Context) (int, error)
	RestartDevice(ctx context.Context) (int, error)
	SetIPAddress(ctx context.Context, ip string) (int, error)
	SetGPS(ctx context.Context, enabled bool) (int, error)
	SetFrequencies(ctx context.Context, list *FrequencyList) (int, error)
	StartMeasurement(ctx context.Context) (int, error)
	StopMeasurement(ctx context.Context) (int, error)
	GetNewEvents(ctx context.Context) ([]Event, error)
	GetNewMeasurements(ctx context.Context) ([]Measurement, error)
	TestExternalGetMeasurement(ctx context.Context) error
}
