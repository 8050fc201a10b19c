// Package history journals a client's scan sessions to SQLite.
//
// Each worker start opens a session. Events and measurements drained
// while that worker runs are stored against it, and the worker's exit
// code closes it. The journal belongs to the client; the worker itself
// keeps no state across restarts.
//
// The client prunes sessions older than database.retention_days at
// startup and logs a Summary when each session ends.
//
// The schema lives in the top-level migrations package.
package history
