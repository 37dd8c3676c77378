package skewtune

import (
	"sync"
	"testing"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/jiadongy/skewtune/structs"
	"github.com/shoenig/test/must"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	executor structs.ExecutorID
	msg      structs.Message
}

func (f *fakeSender) SendToExecutor(executorID structs.ExecutorID, msg structs.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{executorID, msg})
	return nil
}

func (f *fakeSender) unlocksFor(t structs.TaskID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if u, ok := s.msg.(structs.UnlockTask); ok && u.TaskID == t {
			n++
		}
	}
	return n
}

func (f *fakeSender) countOfType(rpcType structs.RPCType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.msg.Type() == rpcType {
			n++
		}
	}
	return n
}

func newTestMaster(sender *fakeSender, capacity int64) *Master {
	return NewMaster(hclog.NewNullLogger(), sender, func() int64 { return capacity }, DefaultConfig())
}

func block(id string, host string, size int64) structs.SkewTuneBlockInfo {
	return structs.SkewTuneBlockInfo{BlockID: structs.BlockID(id), HostBlockManagerID: structs.BlockManagerID(host), SizeBytes: size}
}

func TestRegisterNewTask_DemonUntilCapacityReached(t *testing.T) {
	sender := &fakeSender{}
	m := newTestMaster(sender, 4)

	// Three tasks register; cap(4) not yet reached by
	// finishedOrRunningCount (3 < 4), so they queue as demons.
	m.RegisterNewTask(1, "e1", []structs.SkewTuneBlockInfo{block("b1", "e2", 100)}, false)
	m.RegisterNewTask(2, "e2", []structs.SkewTuneBlockInfo{block("b2", "e1", 50)}, false)
	m.RegisterNewTask(3, "e3", []structs.SkewTuneBlockInfo{block("b3", "e1", 10)}, false)

	must.Eq(t, 3, m.DemonTaskCount())
}

func TestRegisterNewTask_TriggersSplitAtCapacity(t *testing.T) {
	sender := &fakeSender{}
	m := newTestMaster(sender, 4)

	// Four tasks on four cores. T1 carries by far the largest remaining
	// bytes; T4 (registering last) should receive a share of T1's queue
	// and end up unlocked.
	m.RegisterNewTask(1, "e1", []structs.SkewTuneBlockInfo{
		block("b1", "eh", 10_000_000),
		block("b2", "eh", 10_000_000),
	}, false)
	m.RegisterNewTask(2, "e2", []structs.SkewTuneBlockInfo{block("b3", "eh", 200)}, false)
	m.RegisterNewTask(3, "e3", []structs.SkewTuneBlockInfo{block("b4", "eh", 150)}, false)
	m.RegisterNewTask(4, "e4", []structs.SkewTuneBlockInfo{block("b5", "eh", 50)}, true)

	must.Eq(t, 1, sender.countOfType(structs.TypeRemoveFetchCommand))
	must.Eq(t, 1, sender.countOfType(structs.TypeAddFetchCommand))
	must.True(t, sender.unlocksFor(4) >= 1)
}

func TestRegisterNewTask_DeclinesBelowThreshold(t *testing.T) {
	sender := &fakeSender{}
	m := newTestMaster(sender, 2)

	// cap=2: finishedOrRunningCount reaches 2 at the second registration,
	// but only 2 active tasks exist (< default threshold of 3), so the
	// split is declined and, since demon_tasks is already saturated
	// (cap-1 == 1), progress is preserved via an UnlockTask.
	m.RegisterNewTask(1, "e1", []structs.SkewTuneBlockInfo{block("b1", "eh", 1000)}, false)
	m.RegisterNewTask(2, "e2", []structs.SkewTuneBlockInfo{block("b2", "eh", 1000)}, false)

	must.Eq(t, 0, sender.countOfType(structs.TypeRemoveFetchCommand))
}

func TestUnmeasuredBlocksExcludedFromWeight(t *testing.T) {
	sender := &fakeSender{}
	m := newTestMaster(sender, 4)
	m.taskComputeSpeed[1] = 1
	m.registeredTasks[1] = "e1"
	m.taskBlocks[1] = []structs.SkewTuneBlockInfo{
		block("unmeasured", "eh", 0),
		block("measured", "eh", 100),
	}
	w := m.weight(1)
	must.Eq(t, float64(100), w)
}

func TestReportBlockDownloadSpeed_ArithmeticMean(t *testing.T) {
	sender := &fakeSender{}
	m := newTestMaster(sender, 4)
	m.ReportBlockDownloadSpeed("e1", "e2", 10)
	must.Eq(t, float64(10), m.networkSpeed[executorPair{from: "e1", to: "e2"}])
	m.ReportBlockDownloadSpeed("e1", "e2", 20)
	must.Eq(t, float64(15), m.networkSpeed[executorPair{from: "e1", to: "e2"}])
}

func TestReportTaskComputeSpeed_Overwrites(t *testing.T) {
	sender := &fakeSender{}
	m := newTestMaster(sender, 4)
	m.ReportTaskComputeSpeed(1, "e1", 5)
	must.Eq(t, float64(5), m.taskComputeSpeed[1])
	m.ReportTaskComputeSpeed(1, "e1", 9)
	must.Eq(t, float64(9), m.taskComputeSpeed[1])
}

func TestReportTaskFinished_ClearsBookkeeping(t *testing.T) {
	sender := &fakeSender{}
	m := newTestMaster(sender, 4)
	m.RegisterNewTask(1, "e1", nil, false)
	_, active := m.activeTasks[structs.TaskID(1)]
	must.True(t, active)

	m.ReportTaskFinished(1)
	_, stillActive := m.activeTasks[structs.TaskID(1)]
	must.False(t, stillActive)
}

func TestReportBlockStatuses_PendingToFetchedToConsumed(t *testing.T) {
	sender := &fakeSender{}
	m := newTestMaster(sender, 4)
	m.RegisterNewTask(1, "e1", []structs.SkewTuneBlockInfo{block("b1", "eh", 10)}, false)

	m.ReportBlockStatuses(structs.ReportBlockStatuses{
		TaskID:  1,
		Updates: []structs.BlockStatusUpdate{{BlockID: "b1", Status: structs.BlockFetched}},
	})
	must.Eq(t, 0, len(m.taskBlocks[1]))
	_, fetched := m.taskResults[1]["b1"]
	must.True(t, fetched)

	m.ReportBlockStatuses(structs.ReportBlockStatuses{
		TaskID:  1,
		Updates: []structs.BlockStatusUpdate{{BlockID: "b1", Status: structs.BlockConsumed}},
	})
	_, stillThere := m.taskResults[1]["b1"]
	must.False(t, stillThere)
}
