package rpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// sendBufferSize is the per-connection outbound frame buffer.
const sendBufferSize = 64

// serverConn is one client connection on the worker side.
type serverConn struct {
	srv  *Server
	ws   *websocket.Conn
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newServerConn(s *Server, ws *websocket.Conn) *serverConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &serverConn{
		srv:    s,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *serverConn) close() {
	c.once.Do(func() {
		c.cancel()
		c.ws.Close()
		c.srv.untrack(c)
	})
}

// readPump decodes requests and dispatches each on its own goroutine.
func (c *serverConn) readPump() {
	defer c.close()

	cfg := c.srv.cfg
	//nolint:errcheck // Best-effort deadline on connection setup
	c.ws.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Debug("channel read error", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.ws.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))

		if msgType != websocket.BinaryMessage {
			c.reply(response{Fault: &Fault{Code: FaultBadRequest, Message: "expected binary frame"}})
			continue
		}
		var req request
		if err := msgpack.Unmarshal(data, &req); err != nil {
			c.reply(response{Fault: &Fault{Code: FaultBadRequest, Message: fmt.Sprintf("decoding request: %v", err)}})
			continue
		}
		go c.dispatch(req)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *serverConn) writePump() {
	cfg := c.srv.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.ws.SetWriteDeadline(time.Now().Add(cfg.PongTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.ws.SetWriteDeadline(time.Now().Add(cfg.PongTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *serverConn) dispatch(req request) {
	start := time.Now()
	resp, outcome := c.handle(req)
	resp.ID = req.ID
	c.srv.metrics.observe(req.Method, outcome, time.Since(start))
	c.reply(resp)
}

func (c *serverConn) handle(req request) (resp response, outcome string) {
	defer func() {
		if r := recover(); r != nil {
			c.srv.logger.Error("panic in rpc handler",
				"method", req.Method,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			resp = response{Fault: faultFor(fmt.Errorf("panic: %v", r), c.srv.cfg.FaultDetail)}
			outcome = "panic"
		}
	}()

	h, ok := c.srv.mux.lookup(req.Method)
	if !ok {
		return response{Fault: &Fault{Code: FaultUnknownMethod, Message: req.Method}}, "unknown"
	}

	result, err := h(c.ctx, req.Params)
	if err != nil {
		fault := faultFor(err, c.srv.cfg.FaultDetail)
		c.srv.logger.Debug("rpc call failed", "method", req.Method, "error", err)
		return response{Fault: fault}, fault.Code
	}

	raw, err := msgpack.Marshal(result)
	if err != nil {
		return response{Fault: faultFor(fmt.Errorf("encoding result: %w", err), c.srv.cfg.FaultDetail)}, FaultInternal
	}
	return response{Result: raw}, "ok"
}

func (c *serverConn) reply(resp response) {
	frame, err := msgpack.Marshal(resp)
	if err != nil {
		c.srv.logger.Error("encoding response", "error", err)
		return
	}
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
	}
}
