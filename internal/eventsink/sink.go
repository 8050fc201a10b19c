package eventsink

import (
	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

// Sink holds the two delivery queues of a worker: log events and
// measurements. They are independent; no ordering holds between them.
type Sink struct {
	events       Queue[scanner.Event]
	measurements Queue[scanner.Measurement]
}

// New creates an empty Sink.
func New() *Sink {
	return &Sink{}
}

// PushEvent queues a log line with the current UTC time.
// Blank or whitespace-only messages are discarded.
func (s *Sink) PushEvent(message string, severity scanner.Severity) {
	if scanner.IsBlank(message) {
		return
	}
	s.events.Push(scanner.NewEvent(message, severity))
}

// PushMeasurement queues a measurement.
func (s *Sink) PushMeasurement(m scanner.Measurement) {
	s.measurements.Push(m)
}

// DrainEvents returns and forgets all queued events.
func (s *Sink) DrainEvents() []scanner.Event {
	return s.events.Drain()
}

// DrainMeasurements returns and forgets all queued measurements.
func (s *Sink) DrainMeasurements() []scanner.Measurement {
	return s.measurements.Drain()
}

// EventsLen returns the number of undelivered events.
func (s *Sink) EventsLen() int { return s.events.Len() }

// MeasurementsLen returns the number of undelivered measurements.
func (s *Sink) MeasurementsLen() int { return s.measurements.Len() }
