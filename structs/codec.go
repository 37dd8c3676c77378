package structs

import "github.com/hashicorp/go-msgpack/v2/codec"

// MsgpackHandle is the shared codec handle used by rpcenv to encode and
// decode every wire message. A single package-level handle (rather than one
// per connection) matches the teacher's own structs.MsgpackHandle usage and
// avoids per-call reflection setup cost.
var MsgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	return h
}

// Envelope wraps a tagged message for transport: the type byte lets the
// receiver allocate the right concrete struct before decoding Body into it.
type Envelope struct {
	RPCType RPCType
	Body    []byte
}
