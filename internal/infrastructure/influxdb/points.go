package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

// Measurement names.
const (
	MeasurementPoints = "cellscanner_measurement"
	EventCountPoints  = "cellscanner_events"
)

// Tag keys set by the client itself. Payload keys with the same name are
// overridden.
const (
	TagSession = "session"
	TagSource  = "source"
)

// measurementPoint maps CommonData and MeaInfo onto one point: strings
// become tags, numbers become float fields, anything else is dropped.
// It returns nil when no field is left.
func measurementPoint(session string, m scanner.Measurement) *write.Point {
	tags := make(map[string]string)
	fields := make(map[string]interface{})
	for _, payload := range []map[string]any{m.CommonData, m.MeaInfo} {
		for key, value := range payload {
			switch v := value.(type) {
			case string:
				if v != "" {
					tags[key] = v
				}
			default:
				if f, ok := toFloat(v); ok {
					fields[key] = f
				}
			}
		}
	}
	if len(fields) == 0 {
		return nil
	}
	if session != "" {
		tags[TagSession] = session
	}

	ts := m.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(MeasurementPoints, tags, fields, ts)
}

func eventCountPoint(session, source string, events []scanner.Event, at time.Time) *write.Point {
	if len(events) == 0 {
		return nil
	}

	var info, errs int64
	for _, e := range events {
		if e.Severity == scanner.SeverityError {
			errs++
		} else {
			info++
		}
	}

	tags := map[string]string{}
	if session != "" {
		tags[TagSession] = session
	}
	if source != "" {
		tags[TagSource] = source
	}
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(EventCountPoints, tags, map[string]interface{}{
		"information": info,
		"error":       errs,
	}, at)
}

// toFloat normalises the numeric types a msgpack decode can produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
