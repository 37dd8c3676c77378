package structs

import (
	"bytes"
	"testing"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/shoenig/test/must"
)

func TestTaskState_IsTerminal(t *testing.T) {
	cases := []struct {
		state    TaskState
		terminal bool
	}{
		{TaskRunning, false},
		{TaskFinished, true},
		{TaskFailed, true},
		{TaskKilled, true},
		{TaskLost, true},
	}
	for _, c := range cases {
		must.Eq(t, c.terminal, c.state.IsTerminal())
	}
}

func TestSkewTuneBlockInfo_Unmeasured(t *testing.T) {
	must.True(t, SkewTuneBlockInfo{SizeBytes: 0}.Unmeasured())
	must.False(t, SkewTuneBlockInfo{SizeBytes: 42}.Unmeasured())
}

func TestEnvelope_RoundTrip(t *testing.T) {
	launch := LaunchTask{SerializedTask: []byte("closure-bytes")}

	var body bytes.Buffer
	enc := codec.NewEncoder(&body, MsgpackHandle)
	must.NoError(t, enc.Encode(launch))

	env := Envelope{RPCType: launch.Type(), Body: body.Bytes()}

	var got LaunchTask
	dec := codec.NewDecoder(bytes.NewReader(env.Body), MsgpackHandle)
	must.NoError(t, dec.Decode(&got))
	must.Eq(t, launch.SerializedTask, got.SerializedTask)
	must.Eq(t, TypeLaunchTask, env.RPCType)
}
