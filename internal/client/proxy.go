package client

import (
	"context"
	"sync"

	"github.com/TomW-Skyline/CellScanner-Service/internal/rpc"
	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

// Caller is the transport the proxy issues calls on.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
}

// gpsState is the proxy's view of the GPS setting.
type gpsState int

const (
	gpsUnknown gpsState = iota
	gpsOn
	gpsOff
)

// Proxy implements scanner.Service against a worker.
//
// Thread Safety:
//   - All methods are safe for concurrent use. The suppression cache is
//     guarded by a mutex; concurrent identical setters may both be sent.
type Proxy struct {
	caller Caller

	mu        sync.Mutex
	ipSent    bool
	ip        string
	gps       gpsState
	freqs     *scanner.FrequencyList
	measuring bool
}

var _ scanner.Service = (*Proxy)(nil)

// New creates a proxy with an empty suppression cache.
func New(caller Caller) *Proxy {
	return &Proxy{caller: caller}
}

func callInt(ctx context.Context, c Caller, method string, params any) (int, error) {
	var status int
	if err := c.Call(ctx, method, params, &status); err != nil {
		return 0, err
	}
	return status, nil
}

// Ping asks the worker whether it is alive. The worker treats every
// Ping as a watchdog signal.
func (p *Proxy) Ping(ctx context.Context) (bool, error) {
	var ok bool
	err := p.caller.Call(ctx, scanner.MethodPing, nil, &ok)
	return ok, err
}

// GetServiceInfo returns the host and user the worker runs as.
func (p *Proxy) GetServiceInfo(ctx context.Context) (string, error) {
	var info string
	err := p.caller.Call(ctx, scanner.MethodGetServiceInfo, nil, &info)
	return info, err
}

// GetDllVersion returns the device's native API version.
func (p *Proxy) GetDllVersion(ctx context.Context) (int, error) {
	return callInt(ctx, p.caller, scanner.MethodGetDllVersion, nil)
}

// RestartDevice reboots the device. The suppression cache is left as
// is, so settings repeated afterwards may be skipped.
func (p *Proxy) RestartDevice(ctx context.Context) (int, error) {
	return callInt(ctx, p.caller, scanner.MethodRestartDevice, nil)
}

// SetIPAddress sends ip unless it equals the last address sent.
func (p *Proxy) SetIPAddress(ctx context.Context, ip string) (int, error) {
	p.mu.Lock()
	if p.ipSent && p.ip == ip {
		p.mu.Unlock()
		return scanner.StatusOK, nil
	}
	p.ipSent = true
	p.ip = ip
	p.mu.Unlock()

	return callInt(ctx, p.caller, scanner.MethodSetIPAddress, ip)
}

// SetGPS sends enabled unless it equals the last state sent.
func (p *Proxy) SetGPS(ctx context.Context, enabled bool) (int, error) {
	want := gpsOff
	if enabled {
		want = gpsOn
	}
	p.mu.Lock()
	if p.gps == want {
		p.mu.Unlock()
		return scanner.StatusOK, nil
	}
	p.gps = want
	p.mu.Unlock()

	return callInt(ctx, p.caller, scanner.MethodSetGPS, enabled)
}

// SetFrequencies sends list unless it is the same list pointer as the last
// one sent. Equal contents in a different list are sent again. The cache
// starts out nil, so a nil list is suppressed until a real list was sent.
func (p *Proxy) SetFrequencies(ctx context.Context, list *scanner.FrequencyList) (int, error) {
	p.mu.Lock()
	if p.freqs == list {
		p.mu.Unlock()
		return scanner.StatusOK, nil
	}
	p.freqs = list
	p.mu.Unlock()

	var entries []scanner.FrequencyEntry
	if list != nil {
		entries = list.Entries()
	}
	return callInt(ctx, p.caller, scanner.MethodSetFrequencies, entries)
}

// StartMeasurement is suppressed while measurement is believed running.
func (p *Proxy) StartMeasurement(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.measuring {
		p.mu.Unlock()
		return scanner.StatusOK, nil
	}
	p.measuring = true
	p.mu.Unlock()

	return callInt(ctx, p.caller, scanner.MethodStartMeasurement, nil)
}

// StopMeasurement is suppressed while measurement is believed stopped,
// including before the first StartMeasurement.
func (p *Proxy) StopMeasurement(ctx context.Context) (int, error) {
	p.mu.Lock()
	if !p.measuring {
		p.mu.Unlock()
		return scanner.StatusOK, nil
	}
	p.measuring = false
	p.mu.Unlock()

	return callInt(ctx, p.caller, scanner.MethodStopMeasurement, nil)
}

// GetNewEvents drains the worker's event queue. The result is never nil.
func (p *Proxy) GetNewEvents(ctx context.Context) ([]scanner.Event, error) {
	var events []scanner.Event
	if err := p.caller.Call(ctx, scanner.MethodGetNewEvents, nil, &events); err != nil {
		return nil, err
	}
	if events == nil {
		events = []scanner.Event{}
	}
	return events, nil
}

// GetNewMeasurements drains the worker's measurement queue. The result
// is never nil.
func (p *Proxy) GetNewMeasurements(ctx context.Context) ([]scanner.Measurement, error) {
	var ms []scanner.Measurement
	if err := p.caller.Call(ctx, scanner.MethodGetNewMeasurements, nil, &ms); err != nil {
		return nil, err
	}
	if ms == nil {
		ms = []scanner.Measurement{}
	}
	return ms, nil
}

// TestExternalGetMeasurement makes the device report one measurement
// through its callback.
func (p *Proxy) TestExternalGetMeasurement(ctx context.Context) error {
	return p.caller.Call(ctx, scanner.MethodTestExternalGetMeasurement, nil, nil)
}

// IsConnectionLost reports whether err means the worker is unreachable.
func IsConnectionLost(err error) bool {
	return rpc.IsConnectionLost(err)
}
