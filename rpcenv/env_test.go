package rpcenv

import (
	"testing"

	"github.com/jiadongy/skewtune/structs"
	"github.com/shoenig/test/must"
)

func TestEnv_RegisterLookupSend(t *testing.T) {
	env := NewEnv()
	mb := env.Register("executor-1", 4)

	ref, ok := env.Lookup("executor-1")
	must.True(t, ok)
	must.Eq(t, "executor-1", ref.Address())

	must.NoError(t, ref.Send(structs.StopExecutor{}))

	msg := <-mb.C()
	_, ok = msg.(structs.StopExecutor)
	must.True(t, ok)
}

func TestMailbox_SendAfterCloseFails(t *testing.T) {
	mb := NewMailbox("x", 1)
	mb.Close()
	must.Error(t, mb.Send(structs.StopExecutor{}))
}

func TestMailbox_SendWhenFullFails(t *testing.T) {
	mb := NewMailbox("x", 1)
	must.NoError(t, mb.Send(structs.StopExecutor{}))
	must.Error(t, mb.Send(structs.StopExecutor{}))
}

func TestEnv_DeregisterClosesMailbox(t *testing.T) {
	env := NewEnv()
	env.Register("executor-1", 1)
	env.Deregister("executor-1")

	_, ok := env.Lookup("executor-1")
	must.False(t, ok)
}
