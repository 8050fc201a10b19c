package rpc

import (
	"context"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Handler serves one method. params is the raw msgpack argument, empty
// when the caller sent none.
type Handler func(ctx context.Context, params msgpack.RawMessage) (any, error)

// Mux maps method names to handlers. It is populated before the server
// starts and read-only afterwards.
type Mux struct {
	handlers map[string]Handler
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Handle registers h for method, replacing any previous handler.
func (m *Mux) Handle(method string, h Handler) {
	m.handlers[method] = h
}

// Methods returns the registered method names, sorted.
func (m *Mux) Methods() []string {
	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Mux) lookup(method string) (Handler, bool) {
	h, ok := m.handlers[method]
	return h, ok
}

// badRequest marks a params decoding failure.
type badRequest struct{ err error }

func (b badRequest) Error() string { return fmt.Sprintf("decoding params: %v", b.err) }
func (b badRequest) Unwrap() error { return b.err }

// Func adapts a function without arguments to a Handler.
func Func[R any](fn func(ctx context.Context) (R, error)) Handler {
	return func(ctx context.Context, _ msgpack.RawMessage) (any, error) {
		return fn(ctx)
	}
}

// FuncWithParams adapts a function taking one decoded argument to a Handler.
func FuncWithParams[P, R any](fn func(ctx context.Context, params P) (R, error)) Handler {
	return func(ctx context.Context, raw msgpack.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 {
			if err := msgpack.Unmarshal(raw, &p); err != nil {
				return nil, badRequest{err}
			}
		}
		return fn(ctx, p)
	}
}
