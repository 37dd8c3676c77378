// Package rpcenv is the addressable-endpoint layer named in spec.md §9:
// "model endpoints as addressable handles ... resolved through the RPC
// environment; avoid holding owning handles on both sides." It supplies two
// things to the driver and executor actors: (1) an in-process mailbox
// abstraction used by every single-consumer endpoint, and (2) a real
// transport (yamux-multiplexed streams, msgpack-framed) for the
// driver<->executor and driver<->cluster-manager hops, so the same Ref
// interface works whether the peer is in this process or across the
// network.
package rpcenv

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/jiadongy/skewtune/structs"
)

// Ref is an addressable handle to an endpoint's mailbox. Callers never hold
// a reference to the endpoint itself, only to this handle, so the endpoint
// can be swapped (e.g. moved behind a reconnect) without callers noticing.
type Ref interface {
	// Send enqueues msg for asynchronous, FIFO, per-sender-ordered
	// delivery. It returns an error only if the mailbox is known to be
	// gone (closed/deregistered) or full.
	Send(msg structs.Message) error
	Address() string
}

// Mailbox is the receiving side of a Ref: a bounded FIFO queue drained by
// exactly one consumer goroutine, realizing the single-consumer-actor
// model spec.md §5 requires. Using a buffered channel for this (rather
// than a third-party actor library) is a deliberate stdlib choice — see
// DESIGN.md.
type Mailbox struct {
	address string
	ch      chan structs.Message
	closed  chan struct{}
	once    sync.Once
}

// NewMailbox creates a mailbox with the given address and capacity.
func NewMailbox(address string, capacity int) *Mailbox {
	return &Mailbox{
		address: address,
		ch:      make(chan structs.Message, capacity),
		closed:  make(chan struct{}),
	}
}

func (m *Mailbox) Address() string { return m.address }

// Send implements Ref.
func (m *Mailbox) Send(msg structs.Message) error {
	select {
	case <-m.closed:
		return fmt.Errorf("rpcenv: mailbox %q closed", m.address)
	default:
	}
	select {
	case m.ch <- msg:
		return nil
	default:
		return fmt.Errorf("rpcenv: mailbox %q full", m.address)
	}
}

// C returns the receive channel for the owning actor's run loop to range
// over. Only the owner should read from it.
func (m *Mailbox) C() <-chan structs.Message { return m.ch }

// Close marks the mailbox as gone. Further Sends fail.
func (m *Mailbox) Close() {
	m.once.Do(func() { close(m.closed) })
}

// Env is the process-local registry of addressable endpoints. A driver
// process and an executor process each own one Env; RegisterExecutor
// resolves the caller's Ref through the Env rather than the driver holding
// a direct pointer into executor process memory.
type Env struct {
	mu        sync.RWMutex
	endpoints map[string]*Mailbox
}

func NewEnv() *Env {
	return &Env{endpoints: make(map[string]*Mailbox)}
}

// Register installs a new mailbox at address, replacing any prior one.
func (e *Env) Register(address string, capacity int) *Mailbox {
	e.mu.Lock()
	defer e.mu.Unlock()
	mb := NewMailbox(address, capacity)
	e.endpoints[address] = mb
	return mb
}

// Deregister removes and closes the mailbox at address, if any.
func (e *Env) Deregister(address string) {
	e.mu.Lock()
	mb, ok := e.endpoints[address]
	delete(e.endpoints, address)
	e.mu.Unlock()
	if ok {
		mb.Close()
	}
}

// Lookup resolves address to a Ref usable by any caller in this process.
func (e *Env) Lookup(address string) (Ref, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mb, ok := e.endpoints[address]
	return mb, ok
}

// encode/decode are shared helpers so rpcenv's network transport (below)
// and any future in-process serialization path agree on wire format.
func encode(v any) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, structs.MsgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decode(data []byte, v any) error {
	dec := codec.NewDecoderBytes(data, structs.MsgpackHandle)
	return dec.Decode(v)
}
