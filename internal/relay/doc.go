// Package relay fans drained events and measurements out to the client's
// sinks: the console log, MQTT, InfluxDB and the SQLite history journal.
//
// Each Dispatch runs every sink concurrently. A failing sink is logged
// and reported, but never blocks the others or the polling loop that
// feeds them.
package relay
