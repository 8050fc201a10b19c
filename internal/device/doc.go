// Package device wraps the CellScanner native API.
//
// The native API is single threaded and callback driven. Driver describes it
// one-to-one: every method returns the device's integer status code, and
// three callbacks (log, error, measurement) are registered once and invoked
// by the device whenever it has something to report.
//
// Facade is the only thing the rest of the worker talks to. It:
//   - executes every driver call on one executor thread
//   - registers the callbacks on that same thread when it is constructed
//   - keeps the callback closures alive for as long as the facade exists
//   - turns callback output into queued events and measurements
//
// Simulator is an in-process Driver used when no hardware library is
// available, and by tests. It enforces the same thread affinity as the real
// device: calls from a thread other than the one that registered the
// callbacks are rejected with StatusWrongThread.
package device
