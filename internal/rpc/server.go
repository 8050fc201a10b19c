package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// gracefulShutdownTimeout bounds how long Close waits for plain HTTP
// requests. Channel connections are closed immediately.
const gracefulShutdownTimeout = 5 * time.Second

// Logger defines the logging interface for the rpc package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ServerConfig configures a Server.
type ServerConfig struct {
	// SocketPath is the unix socket to listen on. A stale file is removed.
	SocketPath string

	// Token addresses the endpoint; requests for another token get 404.
	Token string

	// FaultDetail selects how much handler error text reaches clients.
	FaultDetail FaultDetail

	// PingInterval is how often the server pings an idle connection.
	PingInterval time.Duration

	// PongTimeout is how long a connection may stay silent after a ping.
	PongTimeout time.Duration

	// Registry, when set, is served on /metrics and receives the
	// channel collectors.
	Registry *prometheus.Registry
}

// Server serves a Mux on a unix socket.
type Server struct {
	cfg     ServerConfig
	mux     *Mux
	logger  Logger
	metrics *Metrics

	onFault  func(error)
	onClosed func()

	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	conns    map[*serverConn]struct{}
	started  bool
	closed   bool
}

// NewServer creates a server for mux. Nothing listens until Start.
func NewServer(cfg ServerConfig, mux *Mux) *Server {
	if cfg.FaultDetail == "" {
		cfg.FaultDetail = FaultDetailDiagnostic
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		mux:    mux,
		logger: noopLogger{},
		conns:  make(map[*serverConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Unix socket peers have no browser origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if cfg.Registry != nil {
		s.metrics = NewMetrics(cfg.Registry)
	}
	return s
}

// SetLogger sets the logger for the server.
func (s *Server) SetLogger(logger Logger) {
	s.logger = logger
}

// OnFault sets the callback run when the listener fails. It runs at most
// once, on the serving goroutine.
func (s *Server) OnFault(fn func(error)) {
	s.onFault = fn
}

// OnClosed sets the callback run after Close.
func (s *Server) OnClosed(fn func()) {
	s.onClosed = fn
}

// Start listens on the socket and serves in the background.
//
// Returns:
//   - error: If the token is invalid or the socket cannot be created
func (s *Server) Start(ctx context.Context) error {
	if err := ValidateToken(s.cfg.Token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrServerStarted
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.started = true

	go s.serve(s.server, ln)

	s.logger.Info("control channel listening",
		"socket", s.cfg.SocketPath,
		"path", EndpointPath(s.cfg.Token),
	)
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener) {
	err := srv.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}
	s.logger.Error("control channel faulted", "error", err)
	if s.onFault != nil {
		s.onFault(err)
	}
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoveryMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.handleHealth)
	if s.cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))
	}
	r.Get("/CellScannerService/{token}/", s.handleChannel)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	//nolint:errcheck // Best-effort response body
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"methods": s.mux.Methods(),
	})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "token") != s.cfg.Token {
		http.NotFound(w, r)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newServerConn(s, ws)
	if !s.track(c) {
		ws.Close()
		return
	}
	s.metrics.connOpened()
	s.logger.Debug("client connected", "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

func (s *Server) track(c *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *serverConn) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if ok {
		s.metrics.connClosed()
		s.logger.Debug("client disconnected")
	}
}

// Close stops the listener, drops all connections, removes the socket
// and runs the OnClosed callback.
func (s *Server) Close() error {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.server
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)

	if rmErr := os.Remove(s.cfg.SocketPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		s.logger.Warn("failed to remove socket", "socket", s.cfg.SocketPath, "error", rmErr)
	}
	s.logger.Info("control channel closed")

	if s.onClosed != nil {
		s.onClosed()
	}
	if err != nil {
		return fmt.Errorf("shutting down control channel: %w", err)
	}
	return nil
}

// SocketPath returns the socket the server listens on.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}
