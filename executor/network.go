package executor

import (
	"net"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/jiadongy/skewtune/rpcenv"
	"github.com/jiadongy/skewtune/structs"
)

// ListenAndServe accepts driver connections on ln, decoding each inbound
// envelope and handing it to backend's mailbox. This is what lets the
// driver dial back into a registered executor (the Ref resolveExecutorRef
// builds in the driver package) and actually deliver LaunchTask, KillTask,
// StopExecutor, and the SkewTune fetch commands; without a listener the
// executor can only send, never receive.
func ListenAndServe(log hclog.Logger, transport *rpcenv.Transport, ln net.Listener, backend *Backend) error {
	return transport.Listen(ln, func(remoteAddr string, env structs.Envelope) (structs.Envelope, error) {
		msg, err := rpcenv.DecodeEnvelope(env)
		if err != nil {
			log.Warn("dropping undecodable envelope", "err", err)
			return structs.Envelope{}, nil
		}
		if err := backend.Tell(msg); err != nil {
			log.Warn("executor mailbox rejected inbound message", "err", err)
		}
		return structs.Envelope{}, nil
	}, func(remoteAddr string) {
		log.Warn("driver connection lost", "remote", remoteAddr)
	})
}
