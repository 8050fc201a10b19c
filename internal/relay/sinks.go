package relay

import (
	"context"
	"sync"
	"time"

	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/mqtt"
	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

// =============================================================================
// Console log
// =============================================================================

// LogSink writes every event and measurement to the logger.
type LogSink struct {
	logger Logger
}

// NewLogSink creates a sink that logs through logger.
func NewLogSink(logger Logger) *LogSink {
	if logger == nil {
		logger = noopLogger{}
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Write implements Sink. Error events are logged at warn level.
func (s *LogSink) Write(_ context.Context, batch Batch) error {
	for _, e := range batch.Events {
		args := []any{"source", batch.Source, "time", e.Time, "message", e.Message}
		if e.Severity == scanner.SeverityError {
			s.logger.Warn("event", args...)
		} else {
			s.logger.Info("event", args...)
		}
	}
	for _, m := range batch.Measurements {
		s.logger.Info("measurement", "time", m.Time, "common_data", m.CommonData, "mea_info", m.MeaInfo)
	}
	return nil
}

// WriteStatus implements StatusSink.
func (s *LogSink) WriteStatus(_ context.Context, status WorkerStatus) error {
	args := []any{"state", status.State, "token", status.Token, "pid", status.PID}
	if status.ExitCode != nil {
		args = append(args, "exit_code", *status.ExitCode, "description", status.Description)
	}
	s.logger.Info("worker status", args...)
	return nil
}

// =============================================================================
// MQTT
// =============================================================================

// Publisher is the part of *mqtt.Client the MQTT sink uses.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
	Topics() mqtt.Topics
}

// MQTTSink publishes events and measurements as JSON messages.
type MQTTSink struct {
	pub Publisher
}

// NewMQTTSink creates a sink publishing through pub.
func NewMQTTSink(pub Publisher) *MQTTSink {
	return &MQTTSink{pub: pub}
}

type eventMessage struct {
	Token    string    `json:"token,omitempty"`
	Source   string    `json:"source"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

type measurementMessage struct {
	Token      string         `json:"token,omitempty"`
	CommonData map[string]any `json:"common_data"`
	MeaInfo    map[string]any `json:"mea_info"`
	Time       time.Time      `json:"time"`
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Write implements Sink. One message is published per item; the first
// failure aborts the batch.
func (s *MQTTSink) Write(ctx context.Context, batch Batch) error {
	topics := s.pub.Topics()
	for _, e := range batch.Events {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := eventMessage{Token: batch.Token, Source: batch.Source, Severity: e.Severity.String(), Message: e.Message, Time: e.Time}
		if err := s.pub.PublishJSON(topics.Events(), msg, false); err != nil {
			return err
		}
	}
	for _, m := range batch.Measurements {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := measurementMessage{Token: batch.Token, CommonData: m.CommonData, MeaInfo: m.MeaInfo, Time: m.Time}
		if err := s.pub.PublishJSON(topics.Measurements(), msg, false); err != nil {
			return err
		}
	}
	return nil
}

// WriteStatus implements StatusSink with a retained message.
func (s *MQTTSink) WriteStatus(_ context.Context, status WorkerStatus) error {
	return s.pub.PublishJSON(s.pub.Topics().WorkerStatus(), status, true)
}

// =============================================================================
// InfluxDB
// =============================================================================

// PointWriter is the part of *influxdb.Client the Influx sink uses.
type PointWriter interface {
	WriteMeasurements(session string, measurements []scanner.Measurement)
	WriteEventCounts(session, source string, events []scanner.Event, at time.Time)
}

// InfluxSink writes measurement points and per-poll event counts, tagged
// with the batch's worker token.
// Writes are batched by the client, so Write never fails; delivery
// errors surface through the client's error callback.
type InfluxSink struct {
	w PointWriter
}

// NewInfluxSink creates a sink writing through w.
func NewInfluxSink(w PointWriter) *InfluxSink {
	return &InfluxSink{w: w}
}

// Name implements Sink.
func (s *InfluxSink) Name() string { return "influxdb" }

// Write implements Sink.
func (s *InfluxSink) Write(_ context.Context, batch Batch) error {
	s.w.WriteMeasurements(batch.Token, batch.Measurements)
	s.w.WriteEventCounts(batch.Token, batch.Source, batch.Events, batch.Time)
	return nil
}

// =============================================================================
// SQLite history
// =============================================================================

// Journal is the part of *history.SQLiteRepository the history sink uses.
type Journal interface {
	RecordEvents(ctx context.Context, sessionID, source string, events []scanner.Event) error
	RecordMeasurements(ctx context.Context, sessionID string, measurements []scanner.Measurement) error
}

// HistorySink journals batches under the current session.
type HistorySink struct {
	journal Journal

	mu      sync.RWMutex
	session string
}

// NewHistorySink creates a sink writing to journal.
func NewHistorySink(journal Journal) *HistorySink {
	return &HistorySink{journal: journal}
}

// SetSession switches the session that subsequent batches are stored
// under. Batches arriving with no session set are dropped.
func (s *HistorySink) SetSession(id string) {
	s.mu.Lock()
	s.session = id
	s.mu.Unlock()
}

// Session returns the current session id.
func (s *HistorySink) Session() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Name implements Sink.
func (s *HistorySink) Name() string { return "history" }

// Write implements Sink.
func (s *HistorySink) Write(ctx context.Context, batch Batch) error {
	session := s.Session()
	if session == "" {
		return nil
	}
	if err := s.journal.RecordEvents(ctx, session, batch.Source, batch.Events); err != nil {
		return err
	}
	return s.journal.RecordMeasurements(ctx, session, batch.Measurements)
}
