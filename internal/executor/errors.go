package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is returned when work is posted before Start.
	ErrNotStarted = errors.New("executor: not started")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("executor: already started")
)

// PanicError is returned to the caller when a posted closure panics.
// The executor thread survives and keeps processing work.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("executor: panic in posted work: %v", e.Value)
}
