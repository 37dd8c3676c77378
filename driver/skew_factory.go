package driver

import (
	hclog "github.com/hashicorp/go-hclog"
	"github.com/jiadongy/skewtune/skewtune"
	"github.com/jiadongy/skewtune/structs"
)

// registrySender adapts ExecutorRegistry + rpcenv refs into
// skewtune.CommandSender, so Master never needs to know about the
// registry's locking discipline.
type registrySender struct {
	registry *ExecutorRegistry
}

func (s registrySender) SendToExecutor(executorID structs.ExecutorID, msg structs.Message) error {
	data, ok := s.registry.Get(executorID)
	if !ok || data.Ref == nil {
		return structs.ErrUnknownExecutor
	}
	return data.Ref.Send(msg)
}

// NewSkewMasterFactory builds the newSkew callback NewDriverEndpoint needs:
// one fresh skewtune.Master per task-set, sharing the registry's live core
// count as its CoreCapacity.
func NewSkewMasterFactory(log hclog.Logger, registry *ExecutorRegistry, cfg skewtune.Config) func() SkewTuneDispatcher {
	sender := registrySender{registry: registry}
	capFn := func() int64 { return registry.TotalCoreCount() }
	return func() SkewTuneDispatcher {
		return skewtune.NewMaster(log, sender, capFn, cfg)
	}
}
