// Package watchdog implements the liveness checks of the worker process.
//
// Watchdog is a resettable deadline: every Signal pushes the deadline out by
// the configured timeout, and if the deadline passes without a signal the
// expiry callback runs once. In the worker the callback terminates the
// process with exit code 13.
//
// ParentMonitor polls the supervising process and runs its callback once
// when that process is gone. In the worker the callback terminates the
// process with exit code 12.
//
// Together with the supervisor watching the worker's exit, these form a
// mutual liveness pact: neither side outlives the other unnoticed.
package watchdog
