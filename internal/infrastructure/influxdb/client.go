package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/TomW-Skyline/CellScanner-Service/internal/infrastructure/config"
	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 // seconds
)

// pointWriter is the part of api.WriteAPI the client uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
	Errors() <-chan error
}

// Client writes drained scan output to one InfluxDB bucket.
//
// Every point carries the worker token as the session tag, so the output
// of consecutive workers can be told apart.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Writes never block; the library batches them and reports delivery
//     failures to the SetOnError callback.
type Client struct {
	server influxdb2.Client
	writer pointWriter

	mu      sync.RWMutex
	closed  bool
	onError func(err error)
}

// Connect creates the client and pings the server once before returning.
//
// Parameters:
//   - ctx: Bounds the initial ping together with an internal timeout
//   - cfg: influxdb section of cellscanner.yaml
//
// Returns:
//   - *Client: Client ready for writes
//   - error: ErrDisabled, or ErrConnectionFailed wrapping the ping failure
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(positiveOr(cfg.BatchSize, defaultBatchSize)).
		SetFlushInterval(positiveOr(cfg.FlushInterval, defaultFlushInterval) * uint(time.Second/time.Millisecond))
	server := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := ping(pingCtx, server); err != nil {
		server.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}

	c := newClient(server.WriteAPI(cfg.Org, cfg.Bucket))
	c.server = server
	return c, nil
}

func newClient(w pointWriter) *Client {
	c := &Client{writer: w}
	go c.forwardErrors(w.Errors())
	return c
}

// positiveOr returns v, or def when v is not positive.
func positiveOr(v, def int) uint {
	if v <= 0 {
		return uint(def) // #nosec G115 -- constant default
	}
	return uint(v) // #nosec G115 -- checked positive
}

func ping(ctx context.Context, server influxdb2.Client) error {
	ready, err := server.Ping(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return errors.New("server not ready")
	}
	return nil
}

func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.mu.RLock()
		cb := c.onError
		c.mu.RUnlock()
		if cb != nil {
			cb(err)
		}
	}
}

// SetOnError sets the callback for asynchronous delivery failures.
func (c *Client) SetOnError(cb func(err error)) {
	c.mu.Lock()
	c.onError = cb
	c.mu.Unlock()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed || c.server == nil {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(checkCtx, c.server); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// WriteMeasurements queues one point per measurement, tagged with the
// worker session. Measurements without a numeric value are skipped.
func (c *Client) WriteMeasurements(session string, measurements []scanner.Measurement) {
	for _, m := range measurements {
		c.write(measurementPoint(session, m))
	}
}

// WriteEventCounts queues the per-severity count of one drained event
// batch. Empty batches are not written.
func (c *Client) WriteEventCounts(session, source string, events []scanner.Event, at time.Time) {
	c.write(eventCountPoint(session, source, events, at))
}

func (c *Client) write(point *write.Point) {
	if point == nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || c.writer == nil {
		return
	}
	c.writer.WritePoint(point)
}

// Close flushes queued points and releases the server connection. Writes
// after Close are dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed || c.writer == nil {
		c.closed = true
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writer.Flush()
	if c.server != nil {
		c.server.Close()
	}
	return nil
}
