package rpcenv

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/jiadongy/skewtune/structs"
)

// Transport multiplexes many logical driver<->executor RPCs over one TCP
// connection using yamux, framing each request as a length-prefixed,
// msgpack-encoded structs.Envelope. This is the "pluggable codec" and
// frame-size-bounded transport spec.md §4.1/§6 calls for; LaunchTask's
// payload is carried as opaque bytes inside the envelope so the transport
// never re-serializes the closure itself.

// MaxFrameSize bounds a single envelope's wire size. A transport rejects
// writes that would exceed it — the executor-side mirror of the
// driver-side check performed in launchTasks before a message is even
// handed to the transport.
type Transport struct {
	MaxFrameSize int
}

func NewTransport(maxFrameSize int) *Transport {
	return &Transport{MaxFrameSize: maxFrameSize}
}

// Listen accepts yamux sessions on ln and, for every multiplexed stream a
// peer opens, decodes one envelope and invokes handle with the originating
// connection's remote address. handle's returned envelope (if any) is
// written back on the same stream before it's closed; this realizes both
// fire-and-forget Sends (handle returns a zero Envelope) and request/reply
// Asks. onDisconnect fires once, with that same remote address, when the
// peer's session ends (its Accept loop errors) — the production hook for
// liveness tracking that a direct method call only exercises in tests.
// onDisconnect may be nil.
func (t *Transport) Listen(ln net.Listener, handle func(remoteAddr string, env structs.Envelope) (structs.Envelope, error), onDisconnect func(remoteAddr string)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go t.serveConn(conn, handle, onDisconnect)
	}
}

func (t *Transport) serveConn(conn net.Conn, handle func(string, structs.Envelope) (structs.Envelope, error), onDisconnect func(string)) {
	remoteAddr := conn.RemoteAddr().String()
	session, err := yamux.Server(conn, yamux.DefaultConfig())
	if err != nil {
		conn.Close()
		return
	}
	for {
		stream, err := session.Accept()
		if err != nil {
			if onDisconnect != nil {
				onDisconnect(remoteAddr)
			}
			return
		}
		go t.serveStream(stream, remoteAddr, handle)
	}
}

func (t *Transport) serveStream(stream net.Conn, remoteAddr string, handle func(string, structs.Envelope) (structs.Envelope, error)) {
	defer stream.Close()

	env, err := t.readEnvelope(stream)
	if err != nil {
		return
	}
	reply, err := handle(remoteAddr, env)
	if err != nil {
		return
	}
	if reply.RPCType == 0 {
		return
	}
	_ = t.writeEnvelope(stream, reply)
}

// Dial opens a yamux client session against addr. The returned Conn can be
// used for both fire-and-forget Sends and blocking Asks.
func (t *Transport) Dial(addr string, dialTimeout time.Duration) (*Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	session, err := yamux.Client(conn, yamux.DefaultConfig())
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Conn{session: session, transport: t}, nil
}

// Conn is a client-side multiplexed connection to one peer.
type Conn struct {
	session   *yamux.Session
	transport *Transport
}

func (c *Conn) Close() error { return c.session.Close() }

// Send performs a fire-and-forget call: open a stream, write the envelope,
// close. No reply is awaited.
func (c *Conn) Send(env structs.Envelope) error {
	stream, err := c.session.Open()
	if err != nil {
		return err
	}
	defer stream.Close()
	return c.transport.writeEnvelope(stream, env)
}

// Ask performs a request/reply call bounded by timeout.
func (c *Conn) Ask(env structs.Envelope, timeout time.Duration) (structs.Envelope, error) {
	stream, err := c.session.Open()
	if err != nil {
		return structs.Envelope{}, err
	}
	defer stream.Close()

	if err := stream.SetDeadline(time.Now().Add(timeout)); err != nil {
		return structs.Envelope{}, err
	}
	if err := c.transport.writeEnvelope(stream, env); err != nil {
		return structs.Envelope{}, err
	}
	return c.transport.readEnvelope(stream)
}

func (t *Transport) writeEnvelope(w io.Writer, env structs.Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	if t.MaxFrameSize > 0 && len(data) >= t.MaxFrameSize {
		return fmt.Errorf("rpcenv: encoded envelope %d bytes exceeds frame size %d", len(data), t.MaxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (t *Transport) readEnvelope(r io.Reader) (structs.Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return structs.Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if t.MaxFrameSize > 0 && int(n) >= t.MaxFrameSize {
		return structs.Envelope{}, fmt.Errorf("rpcenv: incoming envelope %d bytes exceeds frame size %d", n, t.MaxFrameSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return structs.Envelope{}, err
	}
	var env structs.Envelope
	if err := decode(data, &env); err != nil {
		return structs.Envelope{}, err
	}
	return env, nil
}
