package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Event sources.
const (
	// SourceDevice marks events drained from the worker's service.
	SourceDevice = "device"
	// SourceWorker marks lines captured from the worker's output streams.
	SourceWorker = "worker"
)

// ErrSessionRequired is returned when a write names no session.
var ErrSessionRequired = errors.New("history: session id is required")

// Session is one worker lifetime as seen by the client.
type Session struct {
	ID        string
	Token     string
	StartedAt time.Time
	EndedAt   time.Time // zero while the session is open
	ExitCode  *int
}

// Summary totals what one session journaled.
type Summary struct {
	// Events counts events per source (SourceDevice, SourceWorker).
	Events map[string]int
	// Errors counts events of error severity across sources.
	Errors       int
	Measurements int
}

// SQLiteRepository stores sessions, events and measurements in SQLite.
//
// Thread Safety:
//   - Safe for concurrent use; serialisation is left to database/sql.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// BeginSession records the start of a worker run.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - token: The worker's endpoint token
//
// Returns:
//   - string: New session id
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteRepository) BeginSession(ctx context.Context, token string) (string, error) {
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO sessions (id, token, started_at) VALUES (?, ?, ?)",
		id, token, formatTime(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("inserting session: %w", err)
	}
	return id, nil
}

// EndSession closes a session with the worker's exit code.
func (r *SQLiteRepository) EndSession(ctx context.Context, sessionID string, exitCode int) error {
	if sessionID == "" {
		return ErrSessionRequired
	}
	result, err := r.db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ?, exit_code = ? WHERE id = ? AND ended_at IS NULL",
		formatTime(time.Now()), exitCode, sessionID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s not found or already ended", sessionID)
	}
	return nil
}

// RecordEvents stores a batch of events in one transaction.
func (r *SQLiteRepository) RecordEvents(ctx context.Context, sessionID, source string, events []scanner.Event) error {
	if sessionID == "" {
		return ErrSessionRequired
	}
	if len(events) == 0 {
		return nil
	}
	if source == "" {
		source = SourceDevice
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO events (session_id, occurred_at, severity, source, message) VALUES (?, ?, ?, ?, ?)",
		)
		if err != nil {
			return fmt.Errorf("preparing event insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range events {
			if _, err := stmt.ExecContext(ctx, sessionID, formatTime(e.Time), e.Severity.String(), source, e.Message); err != nil {
				return fmt.Errorf("inserting event: %w", err)
			}
		}
		return nil
	})
}

// RecordMeasurements stores a batch of measurements in one transaction.
// The opaque payloads are kept as JSON.
func (r *SQLiteRepository) RecordMeasurements(ctx context.Context, sessionID string, measurements []scanner.Measurement) error {
	if sessionID == "" {
		return ErrSessionRequired
	}
	if len(measurements) == 0 {
		return nil
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO measurements (session_id, measured_at, common_data, mea_info) VALUES (?, ?, ?, ?)",
		)
		if err != nil {
			return fmt.Errorf("preparing measurement insert: %w", err)
		}
		defer stmt.Close()

		for _, m := range measurements {
			common, err := marshalPayload(m.CommonData)
			if err != nil {
				return fmt.Errorf("marshalling common data: %w", err)
			}
			info, err := marshalPayload(m.MeaInfo)
			if err != nil {
				return fmt.Errorf("marshalling measurement info: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, sessionID, formatTime(m.Time), common, info); err != nil {
				return fmt.Errorf("inserting measurement: %w", err)
			}
		}
		return nil
	})
}

// Sessions returns recent sessions, newest first.
func (r *SQLiteRepository) Sessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, token, started_at, ended_at, exit_code
		 FROM sessions
		 ORDER BY started_at DESC
		 LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var startedAt string
		var endedAt sql.NullString
		var exitCode sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Token, &startedAt, &endedAt, &exitCode); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		if s.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			if s.EndedAt, err = parseTime(endedAt.String); err != nil {
				return nil, err
			}
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			s.ExitCode = &code
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// Summary counts a session's journaled events and measurements.
func (r *SQLiteRepository) Summary(ctx context.Context, sessionID string) (Summary, error) {
	if sessionID == "" {
		return Summary{}, ErrSessionRequired
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT source, COUNT(*), SUM(severity = ?)
		 FROM events
		 WHERE session_id = ?
		 GROUP BY source`,
		scanner.SeverityError.String(), sessionID,
	)
	if err != nil {
		return Summary{}, fmt.Errorf("counting events: %w", err)
	}
	defer rows.Close()

	sum := Summary{Events: make(map[string]int)}
	for rows.Next() {
		var source string
		var count, errs int
		if err := rows.Scan(&source, &count, &errs); err != nil {
			return Summary{}, fmt.Errorf("scanning event counts: %w", err)
		}
		sum.Events[source] = count
		sum.Errors += errs
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("iterating event counts: %w", err)
	}

	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM measurements WHERE session_id = ?", sessionID,
	).Scan(&sum.Measurements); err != nil {
		return Summary{}, fmt.Errorf("counting measurements: %w", err)
	}
	return sum, nil
}

// Prune deletes sessions started before now-olderThan, with their events
// and measurements.
//
// Returns:
//   - int64: Number of sessions deleted
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	result, err := r.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE started_at < ?",
		formatTime(time.Now().Add(-olderThan)),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// timeLayout sorts lexically in SQLite.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
	}
	return t, nil
}

func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
