package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultCallTimeout bounds a single call when no timeout is configured.
// Device restarts can take minutes; the worker watchdog is the real
// backstop for a hung device.
const DefaultCallTimeout = 15 * time.Minute

// ClientOptions configures a Client.
type ClientOptions struct {
	// CallTimeout bounds each call. Zero means DefaultCallTimeout.
	CallTimeout time.Duration

	// HandshakeTimeout bounds the WebSocket handshake.
	HandshakeTimeout time.Duration
}

// Client is the caller side of the control channel.
//
// Thread Safety:
//   - Call may be used from multiple goroutines; calls are multiplexed
//     over one connection.
type Client struct {
	ws      *websocket.Conn
	timeout time.Duration
	nextID  atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan response
	err     error
	done    chan struct{}
}

// Dial connects to the worker listening on socketPath with token.
func Dial(ctx context.Context, socketPath, token string, opts ClientOptions) (*Client, error) {
	if err := ValidateToken(token); err != nil {
		return nil, err
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		HandshakeTimeout: opts.HandshakeTimeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}

	url := "ws://cellscanner" + EndpointPath(token)
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("dialing %s: %w: no endpoint for token", socketPath, ErrInvalidToken)
		}
		return nil, fmt.Errorf("dialing %s: %w", socketPath, err)
	}

	c := &Client{
		ws:      ws,
		timeout: opts.CallTimeout,
		pending: make(map[uint64]chan response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// readLoop delivers responses to their callers until the connection fails.
func (c *Client) readLoop() {
	var err error
	for {
		var data []byte
		_, data, err = c.ws.ReadMessage()
		if err != nil {
			break
		}
		var resp response
		if uerr := msgpack.Unmarshal(data, &resp); uerr != nil {
			err = fmt.Errorf("decoding response: %w", uerr)
			break
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
	c.fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
}

// fail records the first terminal error and releases every waiter.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	c.pending = make(map[uint64]chan response)
	close(c.done)
	c.ws.Close()
}

// Done is closed when the connection is no longer usable.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is usable.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call invokes method with params and decodes the result into result.
//
// Parameters:
//   - ctx: Bounds the wait for the response; the remote call is not cancelled
//   - method: Remote method name
//   - params: Argument, or nil for none
//   - result: Pointer to decode into, or nil to discard the result
//
// Returns:
//   - error: *Fault for remote errors, ErrConnectionLost for channel
//     failure, ErrCallTimeout, or ctx.Err()
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	req := request{ID: c.nextID.Add(1), Method: method}
	if params != nil {
		raw, err := msgpack.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params for %s: %w", method, err)
		}
		req.Params = raw
	}
	frame, err := msgpack.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request for %s: %w", method, err)
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer c.forget(req.ID)

	c.writeMu.Lock()
	//nolint:errcheck // Best-effort deadline; write error caught below
	c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	err = c.ws.WriteMessage(websocket.BinaryMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		werr := fmt.Errorf("%w: %w", ErrConnectionLost, err)
		c.fail(werr)
		return werr
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Fault != nil {
			return resp.Fault
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := msgpack.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decoding result of %s: %w", method, err)
		}
		return nil
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", ErrCallTimeout, method, c.timeout)
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close closes the connection. Pending calls fail with ErrClientClosed.
func (c *Client) Close() error {
	c.writeMu.Lock()
	//nolint:errcheck // Best-effort close handshake
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.fail(ErrClientClosed)
	return nil
}

// IsConnectionLost reports whether err means the channel to the worker is
// gone.
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrClientClosed)
}
