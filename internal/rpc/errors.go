package rpc

import "errors"

var (
	// ErrConnectionLost is returned for calls that were pending or issued
	// after the channel to the worker failed.
	ErrConnectionLost = errors.New("rpc: connection lost")

	// ErrClientClosed is returned for calls made after Close.
	ErrClientClosed = errors.New("rpc: client closed")

	// ErrServerStarted is returned by a second call to Server.Start.
	ErrServerStarted = errors.New("rpc: server already started")

	// ErrInvalidToken is returned when a token cannot be used to address
	// the endpoint.
	ErrInvalidToken = errors.New("rpc: invalid token")
)

// ErrCallTimeout is returned when a call gets no response within the
// client's call timeout.
var ErrCallTimeout = errors.New("rpc: call timed out")
