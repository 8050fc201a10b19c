package rpc

import (
	"errors"
	"fmt"

	"github.com/TomW-Skyline/CellScanner-Service/internal/scanner"
)

// Fault codes carried on the wire.
const (
	FaultInvalidArgument = "invalid_argument"
	FaultUnknownMethod   = "unknown_method"
	FaultBadRequest      = "bad_request"
	FaultInternal        = "internal"
)

// FaultDetail controls how much of a handler error is sent to the client.
type FaultDetail string

const (
	// FaultDetailDiagnostic sends the error text.
	FaultDetailDiagnostic FaultDetail = "diagnostic"
	// FaultDetailOpaque replaces internal error text with a generic message.
	FaultDetailOpaque FaultDetail = "opaque"
)

// opaqueMessage replaces internal error text in opaque mode.
const opaqueMessage = "an unhandled error occurred"

// Fault is an error returned by the remote side of a call.
type Fault struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("rpc fault %s: %s", f.Code, f.Message)
}

// Is lets errors.Is match an invalid_argument fault against
// scanner.ErrInvalidArgument, so callers handle local and remote argument
// errors the same way.
func (f *Fault) Is(target error) bool {
	return target == scanner.ErrInvalidArgument && f.Code == FaultInvalidArgument
}

// faultFor converts a handler error into a wire fault. Argument errors
// always keep their message.
func faultFor(err error, detail FaultDetail) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, scanner.ErrInvalidArgument) {
		return &Fault{Code: FaultInvalidArgument, Message: err.Error()}
	}
	var br badRequest
	if errors.As(err, &br) {
		return &Fault{Code: FaultBadRequest, Message: err.Error()}
	}
	if detail == FaultDetailOpaque {
		return &Fault{Code: FaultInternal, Message: opaqueMessage}
	}
	return &Fault{Code: FaultInternal, Message: err.Error()}
}
