// Package scanner defines the data model and command surface shared by the
// CellScanner worker process and its clients.
//
// The types here cross the process boundary: events and measurements flow
// from the worker to the client, frequency lists and settings flow the other
// way. Service is implemented twice, once by the worker's endpoint and once
// by the client-side proxy, so callers can be written against either.
//
// Exit codes used by the worker to report why it terminated are also
// defined here so the supervisor side can translate them.
package scanner
