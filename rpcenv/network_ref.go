package rpcenv

import (
	"fmt"
	"time"

	"github.com/jiadongy/skewtune/structs"
)

// NetworkRef is the cross-process counterpart of Mailbox: it satisfies Ref
// by encoding a Message into a tagged structs.Envelope and writing it down
// a yamux-multiplexed Conn, so driver and executor code never has to know
// whether the peer they're sending to lives in this process or across a
// socket.
type NetworkRef struct {
	conn    *Conn
	address string
}

// DialRef opens a network connection to addr and wraps it as a Ref
// addressed as address (the peer's logical id, e.g. an ExecutorID).
func DialRef(transport *Transport, addr string, address string, dialTimeout time.Duration) (*NetworkRef, error) {
	conn, err := transport.Dial(addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	return &NetworkRef{conn: conn, address: address}, nil
}

func (r *NetworkRef) Address() string { return r.address }

// Send implements Ref: fire-and-forget, matching Mailbox.Send's contract.
func (r *NetworkRef) Send(msg structs.Message) error {
	env, err := EncodeEnvelope(msg)
	if err != nil {
		return err
	}
	return r.conn.Send(env)
}

func (r *NetworkRef) Close() error { return r.conn.Close() }

// EncodeEnvelope tags msg with its RPCType and encodes its body, the
// transport-facing half of the dispatch structs.ZeroOf reverses on
// receipt.
func EncodeEnvelope(msg structs.Message) (structs.Envelope, error) {
	body, err := encode(msg)
	if err != nil {
		return structs.Envelope{}, err
	}
	return structs.Envelope{RPCType: msg.Type(), Body: body}, nil
}

// DecodeEnvelope reverses EncodeEnvelope: it allocates the concrete message
// type env.RPCType names and decodes Body into it.
func DecodeEnvelope(env structs.Envelope) (structs.Message, error) {
	zero, ok := structs.ZeroOf(env.RPCType)
	if !ok {
		return nil, fmt.Errorf("rpcenv: %w: %d", structs.ErrUnknownMessageType, env.RPCType)
	}
	if err := decode(env.Body, zero); err != nil {
		return nil, err
	}
	msg, ok := zero.(structs.Message)
	if !ok {
		return nil, fmt.Errorf("rpcenv: decoded type %T does not implement structs.Message", zero)
	}
	return dereference(msg), nil
}

// dereference unwraps the pointer ZeroOf hands back so callers receive the
// same value type Message switches elsewhere in this module expect.
func dereference(msg structs.Message) structs.Message {
	switch m := msg.(type) {
	case *structs.LaunchTask:
		return *m
	case *structs.KillTask:
		return *m
	case *structs.StopExecutor:
		return *m
	case *structs.RemoveFetchCommand:
		return *m
	case *structs.AddFetchCommand:
		return *m
	case *structs.RemoveAndAddResultCommand:
		return *m
	case *structs.LockTask:
		return *m
	case *structs.UnlockTask:
		return *m
	case *structs.RegisterExecutor:
		return *m
	case *structs.StatusUpdate:
		return *m
	case *structs.RegisterNewTask:
		return *m
	case *structs.ReportBlockStatuses:
		return *m
	case *structs.ReportTaskFinished:
		return *m
	case *structs.ReportTaskComputeSpeed:
		return *m
	case *structs.ReportBlockDownloadSpeed:
		return *m
	case *structs.TransferRemovedFetch:
		return *m
	case *structs.ReviveOffers:
		return *m
	case *structs.StopDriver:
		return *m
	case *structs.StopExecutors:
		return *m
	case *structs.RemoveExecutor:
		return *m
	case *structs.RegisterClusterManager:
		return *m
	case *structs.RequestExecutors:
		return *m
	case *structs.KillExecutors:
		return *m
	case *structs.RetrieveSparkProps:
		return *m
	case *structs.RegisteredExecutor:
		return *m
	case *structs.RegisterExecutorFailed:
		return *m
	default:
		return msg
	}
}
