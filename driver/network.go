package driver

import (
	"net"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/jiadongy/skewtune/rpcenv"
	"github.com/jiadongy/skewtune/structs"
)

// ListenAndServe accepts executor connections on ln, decoding each inbound
// envelope and handing it to endpoint's mailbox. Every message the driver
// receives over the network is fire-and-forget at the transport layer;
// RegisterExecutor's ack/nack travels back over a Ref the driver dials
// back to the executor's own listener (see DriverEndpoint.resolveExecutorRef),
// the same way two long-lived peers address each other in spec.md §9's
// "addressable handles" model.
//
// The session backing each inbound connection is the liveness signal
// spec.md §1 calls "heartbeat-free RPC disconnect": when a RegisterExecutor
// arrives, the connection's remote address is recorded against that
// executor's id, so that losing the connection (onDisconnect) can be
// translated into DriverEndpoint.OnDisconnected without a heartbeat.
func ListenAndServe(log hclog.Logger, transport *rpcenv.Transport, ln net.Listener, endpoint *DriverEndpoint) error {
	return transport.Listen(ln, func(remoteAddr string, env structs.Envelope) (structs.Envelope, error) {
		msg, err := rpcenv.DecodeEnvelope(env)
		if err != nil {
			log.Warn("dropping undecodable envelope", "err", err)
			return structs.Envelope{}, nil
		}
		if m, ok := msg.(structs.RegisterExecutor); ok {
			endpoint.noteRemoteAddr(m.ExecutorID, remoteAddr)
		}
		if err := endpoint.Tell(msg); err != nil {
			log.Warn("driver mailbox rejected inbound message", "err", err)
		}
		return structs.Envelope{}, nil
	}, endpoint.OnDisconnected)
}
