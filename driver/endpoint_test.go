package driver

import (
	"fmt"
	"sync"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/jiadongy/skewtune/config"
	"github.com/jiadongy/skewtune/rpcenv"
	"github.com/jiadongy/skewtune/structs"
	"github.com/shoenig/test/must"
)

type fakeScheduler struct {
	mu           sync.Mutex
	offers       [][]Offer
	lost         []string
	aborted      []string
	descs        []TaskDescription
	pendingInSet map[structs.TaskSetID]int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{pendingInSet: make(map[structs.TaskSetID]int)}
}

func (f *fakeScheduler) ResourceOffers(offers []Offer) []TaskDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, offers)
	descs := f.descs
	f.descs = nil
	return descs
}

func (f *fakeScheduler) StatusUpdate(taskID structs.TaskID, state structs.TaskState, data []byte) {}

func (f *fakeScheduler) ExecutorLost(executorID structs.ExecutorID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = append(f.lost, fmt.Sprintf("%s:%s", executorID, reason))
}

func (f *fakeScheduler) AbortTaskSet(taskSetID structs.TaskSetID, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, message)
}

func (f *fakeScheduler) SufficientResourcesRegistered() bool { return true }

func (f *fakeScheduler) PendingTasksInSet(taskSetID structs.TaskSetID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingInSet[taskSetID]
}

type fakeSerializer struct {
	size int
}

func (s fakeSerializer) Serialize(v any) ([]byte, error) {
	return make([]byte, s.size), nil
}

type fakeClusterManager struct {
	mu            sync.Mutex
	requestTotals []int
	killed        [][]structs.ExecutorID
}

func (c *fakeClusterManager) DoRequestTotalExecutors(total int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestTotals = append(c.requestTotals, total)
	return nil
}

func (c *fakeClusterManager) DoKillExecutors(ids []structs.ExecutorID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = append(c.killed, ids)
	return nil
}

func newTestEndpoint(t *testing.T, scheduler TaskScheduler, serializer Serializer, clusterMgr ClusterManagerClient) *DriverEndpoint {
	t.Helper()
	env := rpcenv.NewEnv()
	cfg := config.Default()
	d := NewDriverEndpoint(hclog.NewNullLogger(), cfg, env, scheduler, serializer, clusterMgr, func() SkewTuneDispatcher {
		return noopSkew{}
	}, nil, time.Second)
	return d
}

type noopSkew struct{}

func (noopSkew) RegisterNewTask(structs.TaskID, structs.ExecutorID, []structs.SkewTuneBlockInfo, bool) {
}
func (noopSkew) ReportBlockStatuses(structs.ReportBlockStatuses)                        {}
func (noopSkew) ReportTaskFinished(structs.TaskID)                                      {}
func (noopSkew) ReportTaskComputeSpeed(structs.TaskID, structs.ExecutorID, float64)      {}
func (noopSkew) ReportBlockDownloadSpeed(structs.ExecutorID, structs.ExecutorID, float64) {}

// TestScenario1_RegisterAndOffer mirrors spec.md §8 scenario 1.
func TestScenario1_RegisterAndOffer(t *testing.T) {
	scheduler := newFakeScheduler()
	d := newTestEndpoint(t, scheduler, fakeSerializer{size: 10}, &fakeClusterManager{})

	d.handleRegisterExecutor(structs.RegisterExecutor{ExecutorID: "e1", Hostname: "host1", Cores: 4})

	must.Eq(t, int64(4), d.Registry().TotalCoreCount())
	offer, ok := d.Registry().SnapshotOffer("e1")
	must.True(t, ok)
	must.Eq(t, 4, offer.FreeCores)
	must.Eq(t, "host1", offer.Host)
}

// TestScenario2_RequestThenKillExecutorsMath mirrors spec.md §8 scenario 2.
func TestScenario2_RequestThenKillExecutorsMath(t *testing.T) {
	scheduler := newFakeScheduler()
	clusterMgr := &fakeClusterManager{}
	d := newTestEndpoint(t, scheduler, fakeSerializer{size: 10}, clusterMgr)

	d.handleRegisterExecutor(structs.RegisterExecutor{ExecutorID: "e1", Hostname: "h", Cores: 2})
	d.handleRegisterExecutor(structs.RegisterExecutor{ExecutorID: "e2", Hostname: "h", Cores: 2})

	must.NoError(t, d.RequestExecutors(3))
	must.NoError(t, d.KillExecutors([]structs.ExecutorID{"e1"}))

	clusterMgr.mu.Lock()
	totals := append([]int(nil), clusterMgr.requestTotals...)
	clusterMgr.mu.Unlock()

	must.Len(t, 2, totals)
	must.Eq(t, 3, totals[0])
	must.Eq(t, 2, totals[1])
	must.True(t, d.Registry().IsPendingRemove("e1"))
}

// TestScenario3_FrameSizeExceededAbortsWithoutDispatch mirrors spec.md §8
// scenario 3.
func TestScenario3_FrameSizeExceededAbortsWithoutDispatch(t *testing.T) {
	scheduler := newFakeScheduler()
	d := newTestEndpoint(t, scheduler, fakeSerializer{size: 200}, &fakeClusterManager{})
	d.cfg.MaxFrameSize = 128
	d.cfg.Reserved = 0

	d.handleRegisterExecutor(structs.RegisterExecutor{ExecutorID: "e1", Hostname: "h", Cores: 1})
	scheduler.descs = []TaskDescription{{TaskID: 1, ExecutorID: "e1", TaskSetID: "ts1"}}

	d.launchTasks(scheduler.descs)

	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	must.Len(t, 1, scheduler.aborted)
	must.StrContains(t, scheduler.aborted[0], "1")
	must.StrContains(t, scheduler.aborted[0], "128")
}

// TestScenario6_DisconnectRemovesExecutorAndNotifiesScheduler mirrors
// spec.md §8 scenario 6.
func TestScenario6_DisconnectRemovesExecutorAndNotifiesScheduler(t *testing.T) {
	scheduler := newFakeScheduler()
	d := newTestEndpoint(t, scheduler, fakeSerializer{size: 10}, &fakeClusterManager{})
	d.handleRegisterExecutor(structs.RegisterExecutor{ExecutorID: "e1", Hostname: "e1", Cores: 4})

	d.OnDisconnected("e1")

	must.Eq(t, int64(0), d.Registry().TotalCoreCount())
	_, ok := d.Registry().Get("e1")
	must.False(t, ok)

	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	must.Len(t, 1, scheduler.lost)
	must.StrContains(t, scheduler.lost[0], "e1")
	must.StrContains(t, scheduler.lost[0], "SlaveLost")
}

// fakeRef is a minimal rpcenv.Ref double for tests that need to observe
// what DriverEndpoint sends an executor without a real transport.
type fakeRef struct {
	mu   sync.Mutex
	sent []structs.Message
}

func (r *fakeRef) Send(msg structs.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *fakeRef) Address() string { return "fake" }

func (r *fakeRef) snapshot() []structs.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]structs.Message(nil), r.sent...)
}

// TestOnDisconnected_ResolvesViaNotedRemoteAddr covers the network-listener
// path (driver/network.go's ListenAndServe) where the executor is known to
// DriverEndpoint only by the remote address a RegisterExecutor arrived on,
// not by an ExecutorID that happens to match the address literally.
func TestOnDisconnected_ResolvesViaNotedRemoteAddr(t *testing.T) {
	scheduler := newFakeScheduler()
	d := newTestEndpoint(t, scheduler, fakeSerializer{size: 10}, &fakeClusterManager{})
	d.handleRegisterExecutor(structs.RegisterExecutor{ExecutorID: "e1", Hostname: "host1", Cores: 4})

	d.noteRemoteAddr("e1", "10.0.0.5:45678")
	d.OnDisconnected("10.0.0.5:45678")

	must.Eq(t, int64(0), d.Registry().TotalCoreCount())
	_, ok := d.Registry().Get("e1")
	must.False(t, ok)

	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	must.Len(t, 1, scheduler.lost)
	must.StrContains(t, scheduler.lost[0], "e1")
}

// TestOnDisconnected_UnnotedAddrForUnregisteredExecutorIsNoop guards the
// literal-ExecutorID fallback against misfiring when the disconnecting
// address was never registered under any executor.
func TestOnDisconnected_UnnotedAddrForUnregisteredExecutorIsNoop(t *testing.T) {
	scheduler := newFakeScheduler()
	d := newTestEndpoint(t, scheduler, fakeSerializer{size: 10}, &fakeClusterManager{})
	d.handleRegisterExecutor(structs.RegisterExecutor{ExecutorID: "e1", Hostname: "host1", Cores: 4})

	d.OnDisconnected("10.0.0.9:1111")

	must.Eq(t, int64(4), d.Registry().TotalCoreCount())
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	must.Len(t, 0, scheduler.lost)
}

// TestHandleKillTask_ForwardsToRegisteredExecutor proves the mailbox path
// CoarseSchedulerBackend.KillTask now routes through actually resolves and
// forwards the kill, rather than the old dead-code branch that structs.KillTask
// lacking an ExecutorID left unreachable.
func TestHandleKillTask_ForwardsToRegisteredExecutor(t *testing.T) {
	scheduler := newFakeScheduler()
	d := newTestEndpoint(t, scheduler, fakeSerializer{size: 10}, &fakeClusterManager{})
	d.handleRegisterExecutor(structs.RegisterExecutor{ExecutorID: "e1", Hostname: "host1", Cores: 4})

	ref := &fakeRef{}
	data, ok := d.registry.Get("e1")
	must.True(t, ok)
	data.Ref = ref

	d.handleKillTask(structs.KillTask{ExecutorID: "e1", TaskID: 7, Interrupt: true})

	sent := ref.snapshot()
	must.Len(t, 1, sent)
	kt, ok := sent[0].(structs.KillTask)
	must.True(t, ok)
	must.Eq(t, structs.TaskID(7), kt.TaskID)
	must.True(t, kt.Interrupt)
}

func TestHandleKillTask_UnknownExecutorLogsAndDrops(t *testing.T) {
	scheduler := newFakeScheduler()
	d := newTestEndpoint(t, scheduler, fakeSerializer{size: 10}, &fakeClusterManager{})

	d.handleKillTask(structs.KillTask{ExecutorID: "ghost", TaskID: 1})
}

func TestRegisterExecutor_DuplicateRejected(t *testing.T) {
	scheduler := newFakeScheduler()
	d := newTestEndpoint(t, scheduler, fakeSerializer{size: 10}, &fakeClusterManager{})
	d.handleRegisterExecutor(structs.RegisterExecutor{ExecutorID: "e1", Hostname: "h", Cores: 4})
	d.handleRegisterExecutor(structs.RegisterExecutor{ExecutorID: "e1", Hostname: "h", Cores: 8})

	must.Eq(t, int64(4), d.Registry().TotalCoreCount())
	must.Eq(t, int64(1), d.Registry().TotalRegisteredExecutors())
}
