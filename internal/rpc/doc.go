// Package rpc is the control channel between a CellScanner client and its
// worker process.
//
// The worker serves HTTP on a unix socket named after its token. The
// endpoint /CellScannerService/{token}/ upgrades to a WebSocket carrying
// binary msgpack frames:
//
//	request:  {id, method, params}
//	response: {id, result, fault}
//
// Each request is handled on its own goroutine, so a long device call does
// not hold up Ping or the drain calls. Device access is serialised further
// down by the executor.
//
// The channel has no size limits and a generous per-call timeout
// (DefaultCallTimeout). A failed listener or an explicit Close is reported
// to the server's owner through callbacks; in the worker both terminate the
// process. A client disconnecting is not a fault.
//
// Once the listener is up the worker writes an endpoint Descriptor next to
// the socket so the supervisor knows the worker is ready.
package rpc
