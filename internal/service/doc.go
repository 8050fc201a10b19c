// Package service implements the worker side of the CellScanner command
// surface.
//
// Endpoint is created once per worker process and injected into the rpc
// server; there is no package-level instance. It forwards device commands
// to the device facade, drains the event sink for polling calls and feeds
// the watchdog on Ping.
//
// Transport failure or closure is fatal to the worker: OnTransportFault and
// OnClosed call the configured exit function with scanner.ExitTransportFault.
package service
