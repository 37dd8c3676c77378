package rpcenv

import (
	"net"
	"testing"
	"time"

	"github.com/jiadongy/skewtune/structs"
	"github.com/shoenig/test/must"
)

func TestTransport_SendAndAsk(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	must.NoError(t, err)
	defer ln.Close()

	srv := NewTransport(64 * 1024)
	received := make(chan structs.Envelope, 1)

	go srv.Listen(ln, func(remoteAddr string, env structs.Envelope) (structs.Envelope, error) {
		received <- env
		if env.RPCType == structs.TypeRequestExecutors {
			return structs.Envelope{RPCType: structs.TypeRegisterClusterManager, Body: []byte("ack")}, nil
		}
		return structs.Envelope{}, nil
	}, nil)

	client := NewTransport(64 * 1024)
	conn, err := client.Dial(ln.Addr().String(), time.Second)
	must.NoError(t, err)
	defer conn.Close()

	must.NoError(t, conn.Send(structs.Envelope{RPCType: structs.TypeStopExecutor}))
	select {
	case env := <-received:
		must.Eq(t, structs.TypeStopExecutor, env.RPCType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fire-and-forget send")
	}

	reply, err := conn.Ask(structs.Envelope{RPCType: structs.TypeRequestExecutors}, time.Second)
	must.NoError(t, err)
	must.Eq(t, structs.TypeRegisterClusterManager, reply.RPCType)
	must.Eq(t, []byte("ack"), reply.Body)
}

func TestTransport_OnDisconnectFiresWhenPeerCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	must.NoError(t, err)
	defer ln.Close()

	srv := NewTransport(64 * 1024)
	disconnected := make(chan string, 1)

	go srv.Listen(ln, func(remoteAddr string, env structs.Envelope) (structs.Envelope, error) {
		return structs.Envelope{}, nil
	}, func(remoteAddr string) {
		disconnected <- remoteAddr
	})

	client := NewTransport(64 * 1024)
	conn, err := client.Dial(ln.Addr().String(), time.Second)
	must.NoError(t, err)
	must.NoError(t, conn.Send(structs.Envelope{RPCType: structs.TypeStopExecutor}))
	must.NoError(t, conn.Close())

	select {
	case addr := <-disconnected:
		must.StrContains(t, addr, "127.0.0.1")
	case <-time.After(time.Second):
		t.Fatal("onDisconnect never fired after peer closed")
	}
}

func TestTransport_RejectsOversizedEnvelope(t *testing.T) {
	tr := NewTransport(16)
	err := tr.writeEnvelope(&discardWriter{}, structs.Envelope{
		RPCType: structs.TypeLaunchTask,
		Body:    make([]byte, 1024),
	})
	must.Error(t, err)
}

type discardWriter struct{}

func (*discardWriter) Write(p []byte) (int, error) { return len(p), nil }
