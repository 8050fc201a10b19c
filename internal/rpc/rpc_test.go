package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

const testToken = "test-token"

type echoParams struct {
	Text  string `msgpack:"text"`
	Times int    `msgpack:"times"`
}

func testMux() *Mux {
	mux := NewMux()
	mux.Handle("Ping", Func(func(context.Context) (bool, error) { return true, nil }))
	mux.Handle("Echo", FuncWithParams(func(_ context.Context, p echoParams) (string, error) {
		return strings.Repeat(p.Text, p.Times), nil
	}))
	mux.Handle("Reject", Func(func(context.Context) (int, error) {
		return 0, fmt.Errorf("%w: ip is blank", scanner.ErrInvalidArgument)
	}))
	mux.Handle("Broken", Func(func(context.Context) (int, error) {
		return 0, errors.New("secret internal detail")
	}))
	mux.Handle("Panic", Func(func(context.Context) (int, error) { panic("boom") }))
	mux.Handle("Events", Func(func(context.Context) ([]scanner.Event, error) {
		return []scanner.Event{scanner.NewEvent("hello", scanner.SeverityError)}, nil
	}))
	return mux
}

func startServer(t *testing.T, cfg ServerConfig, mux *Mux) *Server {
	t.Helper()
	if cfg.SocketPath == "" {
		cfg.SocketPath = SocketPath(t.TempDir(), testToken)
	}
	if cfg.Token == "" {
		cfg.Token = testToken
	}
	srv := NewServer(cfg, mux)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func dial(t *testing.T, srv *Server, opts ClientOptions) *Client {
	t.Helper()
	c, err := Dial(context.Background(), srv.SocketPath(), testToken, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// =============================================================================
// Calls
// =============================================================================

func TestCall_RoundTrip(t *testing.T) {
	srv := startServer(t, ServerConfig{}, testMux())
	c := dial(t, srv, ClientOptions{})
	ctx := context.Background()

	var ok bool
	require.NoError(t, c.Call(ctx, "Ping", nil, &ok))
	assert.True(t, ok)

	var echoed string
	require.NoError(t, c.Call(ctx, "Echo", echoParams{Text: "ab", Times: 3}, &echoed))
	assert.Equal(t, "ababab", echoed)

	var events []scanner.Event
	require.NoError(t, c.Call(ctx, "Events", nil, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "hello", events[0].Message)
	assert.Equal(t, scanner.SeverityError, events[0].Severity)
}

func TestCall_LargePayload(t *testing.T) {
	srv := startServer(t, ServerConfig{}, testMux())
	c := dial(t, srv, ClientOptions{})

	var echoed string
	require.NoError(t, c.Call(context.Background(), "Echo", echoParams{Text: "x", Times: 4 << 20}, &echoed))
	assert.Len(t, echoed, 4<<20)
}

func TestCall_Faults(t *testing.T) {
	tests := []struct {
		name     string
		detail   FaultDetail
		method   string
		wantCode string
		wantMsg  string
	}{
		{"argument error keeps message", FaultDetailOpaque, "Reject", FaultInvalidArgument, "ip is blank"},
		{"diagnostic shows detail", FaultDetailDiagnostic, "Broken", FaultInternal, "secret internal detail"},
		{"opaque hides detail", FaultDetailOpaque, "Broken", FaultInternal, opaqueMessage},
		{"panic becomes fault", FaultDetailDiagnostic, "Panic", FaultInternal, "panic: boom"},
		{"unknown method", FaultDetailDiagnostic, "Nope", FaultUnknownMethod, "Nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startServer(t, ServerConfig{FaultDetail: tt.detail}, testMux())
			c := dial(t, srv, ClientOptions{})

			err := c.Call(context.Background(), tt.method, nil, nil)
			var fault *Fault
			require.ErrorAs(t, err, &fault)
			assert.Equal(t, tt.wantCode, fault.Code)
			assert.Contains(t, fault.Message, tt.wantMsg)
			if tt.detail == FaultDetailOpaque && tt.method == "Broken" {
				assert.NotContains(t, fault.Message, "secret")
			}
		})
	}
}

func TestCall_InvalidArgumentMatchesSentinel(t *testing.T) {
	srv := startServer(t, ServerConfig{}, testMux())
	c := dial(t, srv, ClientOptions{})

	err := c.Call(context.Background(), "Reject", nil, nil)
	assert.ErrorIs(t, err, scanner.ErrInvalidArgument)
}

func TestCall_BadParams(t *testing.T) {
	srv := startServer(t, ServerConfig{}, testMux())
	c := dial(t, srv, ClientOptions{})

	err := c.Call(context.Background(), "Echo", "not a struct", nil)
	var fault *Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, FaultBadRequest, fault.Code)
}

// A slow call must not hold up others on the same connection.
func TestCall_Concurrent(t *testing.T) {
	release := make(chan struct{})
	mux := testMux()
	mux.Handle("Slow", Func(func(context.Context) (bool, error) {
		<-release
		return true, nil
	}))
	srv := startServer(t, ServerConfig{}, mux)
	c := dial(t, srv, ClientOptions{})

	slowDone := make(chan error, 1)
	go func() { slowDone <- c.Call(context.Background(), "Slow", nil, nil) }()

	for i := 0; i < 5; i++ {
		var ok bool
		require.NoError(t, c.Call(context.Background(), "Ping", nil, &ok))
	}
	close(release)
	require.NoError(t, <-slowDone)
}

func TestCall_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	mux := testMux()
	mux.Handle("Hang", Func(func(context.Context) (bool, error) {
		<-release
		return true, nil
	}))
	srv := startServer(t, ServerConfig{}, mux)
	c := dial(t, srv, ClientOptions{CallTimeout: 30 * time.Millisecond})

	err := c.Call(context.Background(), "Hang", nil, nil)
	assert.ErrorIs(t, err, ErrCallTimeout)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestDial_WrongToken(t *testing.T) {
	srv := startServer(t, ServerConfig{}, testMux())

	_, err := Dial(context.Background(), srv.SocketPath(), "other-token", ClientOptions{})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestServer_CloseFailsPendingCalls(t *testing.T) {
	var closed atomic.Bool
	release := make(chan struct{})
	defer close(release)

	mux := testMux()
	mux.Handle("Hang", Func(func(context.Context) (bool, error) {
		<-release
		return true, nil
	}))
	srv := startServer(t, ServerConfig{}, mux)
	srv.OnClosed(func() { closed.Store(true) })
	c := dial(t, srv, ClientOptions{})

	callErr := make(chan error, 1)
	go func() { callErr <- c.Call(context.Background(), "Hang", nil, nil) }()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, srv.Close())
	assert.True(t, closed.Load())

	select {
	case err := <-callErr:
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.True(t, IsConnectionLost(err))
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed")
	}

	<-c.Done()
	assert.ErrorIs(t, c.Call(context.Background(), "Ping", nil, nil), ErrConnectionLost)

	_, statErr := os.Stat(srv.SocketPath())
	assert.True(t, os.IsNotExist(statErr), "socket should be removed")
}

func TestServer_ClientDisconnectIsNotFault(t *testing.T) {
	var faulted, closed atomic.Bool
	srv := startServer(t, ServerConfig{}, testMux())
	srv.OnFault(func(error) { faulted.Store(true) })
	srv.OnClosed(func() { closed.Store(true) })

	c, err := Dial(context.Background(), srv.SocketPath(), testToken, ClientOptions{})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Call(context.Background(), "Ping", nil, nil), ErrClientClosed)

	c2 := dial(t, srv, ClientOptions{})
	var ok bool
	require.NoError(t, c2.Call(context.Background(), "Ping", nil, &ok))

	assert.False(t, faulted.Load())
	assert.False(t, closed.Load())
}

func TestServer_StartTwice(t *testing.T) {
	srv := startServer(t, ServerConfig{}, testMux())
	assert.ErrorIs(t, srv.Start(context.Background()), ErrServerStarted)
}

func TestServer_InvalidToken(t *testing.T) {
	srv := NewServer(ServerConfig{SocketPath: filepath.Join(t.TempDir(), "x.sock"), Token: "a/b"}, NewMux())
	assert.ErrorIs(t, srv.Start(context.Background()), ErrInvalidToken)
}

func unixHTTPClient(socket string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
		Timeout: 2 * time.Second,
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := startServer(t, ServerConfig{Registry: reg}, testMux())
	c := dial(t, srv, ClientOptions{})

	require.NoError(t, c.Call(context.Background(), "Ping", nil, nil))
	_ = c.Call(context.Background(), "Broken", nil, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.calls.WithLabelValues("Ping", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.calls.WithLabelValues("Broken", FaultInternal)))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.connections))

	hc := unixHTTPClient(srv.SocketPath())
	resp, err := hc.Get("http://cellscanner/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = hc.Get("http://cellscanner/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// =============================================================================
// Descriptor
// =============================================================================

func TestDescriptor_WriteRead(t *testing.T) {
	dir := t.TempDir()
	path := DescriptorPath(dir, testToken)
	want := Descriptor{
		Token:   testToken,
		Socket:  SocketPath(dir, testToken),
		Path:    EndpointPath(testToken),
		PID:     4321,
		Started: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, WriteDescriptor(path, want))

	got, err := ReadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "/CellScannerService/test-token/", got.Path)
}

func TestValidateToken(t *testing.T) {
	tests := []struct {
		token string
		valid bool
	}{
		{"3f2504e0-4f89-11d3-9a0c-0305e82c3301", true},
		{"debug_token.1", true},
		{"", false},
		{"..", false},
		{"a/b", false},
		{"has space", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		err := ValidateToken(tt.token)
		if tt.valid {
			assert.NoError(t, err, tt.token)
		} else {
			assert.ErrorIs(t, err, ErrInvalidToken, tt.token)
		}
	}
}
