package scanner

import (
	"fmt"
	"strings"
	"time"
)

// Severity classifies an Event.
type Severity int

const (
	// SeverityInformation marks informational output.
	SeverityInformation Severity = iota
	// SeverityError marks output from the device's error channel or a
	// worker's stderr stream.
	SeverityError
)

// String returns the display name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInformation:
		return "Information"
	case SeverityError:
		return "Error"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Event is a single log line produced by the device or the worker process.
//
// Events are immutable once created and are delivered to exactly one
// consumer: the first poll that drains them.
type Event struct {
	Message  string    `msgpack:"message"`
	Time     time.Time `msgpack:"time"`
	Severity Severity  `msgpack:"severity"`
}

// NewEvent creates an Event stamped with the current UTC time.
func NewEvent(message string, severity Severity) Event {
	return Event{
		Message:  message,
		Time:     time.Now().UTC(),
		Severity: severity,
	}
}

// IsBlank reports whether s is empty or only whitespace. Blank log lines are
// never turned into events.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// String formats the event for console output.
func (e Event) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Time.Format(time.RFC3339Nano), e.Severity, e.Message)
}

// Measurement is one result delivered by the device's measurement callback.
//
// CommonData and MeaInfo are opaque structured payloads. Their schema is
// owned by the device driver; the bridge only carries them.
type Measurement struct {
	CommonData map[string]any `msgpack:"common_data"`
	MeaInfo    map[string]any `msgpack:"mea_info"`
	Time       time.Time      `msgpack:"time"`
}
