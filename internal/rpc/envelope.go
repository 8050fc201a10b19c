package rpc

import "github.com/vmihailenco/msgpack/v5"

type request struct {
	ID     uint64             `msgpack:"id"`
	Method string             `msgpack:"method"`
	Params msgpack.RawMessage `msgpack:"params,omitempty"`
}

type response struct {
	ID     uint64             `msgpack:"id"`
	Result msgpack.RawMessage `msgpack:"result,omitempty"`
	Fault  *Fault             `msgpack:"fault,omitempty"`
}
