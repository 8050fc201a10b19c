// Package client provides Proxy, the client-side implementation of
// scanner.Service over the rpc control channel.
//
// Proxy suppresses setter calls that would not change anything: repeated
// SetIPAddress with the same address, SetGPS with the current state,
// SetFrequencies with the same *FrequencyList, and Start/StopMeasurement
// when measurement is already in that state. A suppressed call returns
// scanner.StatusOK without reaching the worker.
//
// The cached value is updated before the remote call, so a failed call
// still counts as sent. The cache is never invalidated: if the device
// changes state on its own, for example after RestartDevice, the next
// identical setter is still suppressed. Create a new Proxy to reset it.
package client
