package driver

import (
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/jiadongy/skewtune/config"
	"github.com/jiadongy/skewtune/metrics"
	"github.com/jiadongy/skewtune/rpcenv"
	"github.com/jiadongy/skewtune/structs"
)

// ClusterManagerClient is the out-of-scope cluster-manager collaborator
// (YARN/Mesos/Standalone provisioning) named in spec.md §1: the allocation
// API only needs this much of it.
type ClusterManagerClient interface {
	DoRequestTotalExecutors(total int) error
	DoKillExecutors(ids []structs.ExecutorID) error
}

// SkewTuneDispatcher is the subset of skewtune.Master's behavior
// DriverEndpoint drives directly; kept as an interface so the endpoint
// doesn't need to know about skewtune.Master's internals, only that each
// task-set has one.
type SkewTuneDispatcher interface {
	RegisterNewTask(taskID structs.TaskID, executorID structs.ExecutorID, blocks []structs.SkewTuneBlockInfo, isLastTask bool)
	ReportBlockStatuses(msg structs.ReportBlockStatuses)
	ReportTaskFinished(taskID structs.TaskID)
	ReportTaskComputeSpeed(taskID structs.TaskID, executorID structs.ExecutorID, bytesPerMS float64)
	ReportBlockDownloadSpeed(from, to structs.ExecutorID, bytesPerMS float64)
}

// DriverEndpoint is the single-consumer actor orchestrating offers,
// dispatch, status updates, and skew messages (spec.md §4.3).
type DriverEndpoint struct {
	log        hclog.Logger
	cfg        config.Config
	registry   *ExecutorRegistry
	env        *rpcenv.Env
	scheduler  TaskScheduler
	serializer Serializer
	clusterMgr ClusterManagerClient
	events     *EventBus
	now        Clock

	mailbox *rpcenv.Mailbox

	skewMu    sync.Mutex
	skew      map[structs.TaskSetID]SkewTuneDispatcher
	newSkew   func() SkewTuneDispatcher
	taskToSet map[structs.TaskID]structs.TaskSetID

	// transport/dialTimeout let resolveExecutorRef dial back a registering
	// executor's advertised ListenAddr when it isn't already reachable
	// through env's in-process mailbox registry (the two-process
	// deployment path; nil transport keeps the in-process-only behavior
	// the unit tests rely on).
	transport   *rpcenv.Transport
	dialTimeout time.Duration

	addrMu         sync.Mutex
	addrToExecutor map[string]structs.ExecutorID

	createTime time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewDriverEndpoint wires a DriverEndpoint. newSkew builds one
// SkewTuneDispatcher per task-set on first reference. transport and
// dialTimeout back resolveExecutorRef's dial-back to a registering
// executor's advertised ListenAddr; pass a nil transport for an
// embedding that only ever shares one in-process rpcenv.Env with its
// executors (e.g. tests).
func NewDriverEndpoint(
	log hclog.Logger,
	cfg config.Config,
	env *rpcenv.Env,
	scheduler TaskScheduler,
	serializer Serializer,
	clusterMgr ClusterManagerClient,
	newSkew func() SkewTuneDispatcher,
	transport *rpcenv.Transport,
	dialTimeout time.Duration,
) *DriverEndpoint {
	d := &DriverEndpoint{
		log:            log.Named("driver-endpoint"),
		cfg:            cfg,
		registry:       NewExecutorRegistry(),
		env:            env,
		scheduler:      scheduler,
		serializer:     serializer,
		clusterMgr:     clusterMgr,
		events:         NewEventBus(),
		now:            time.Now,
		skew:           make(map[structs.TaskSetID]SkewTuneDispatcher),
		newSkew:        newSkew,
		taskToSet:      make(map[structs.TaskID]structs.TaskSetID),
		transport:      transport,
		dialTimeout:    dialTimeout,
		addrToExecutor: make(map[string]structs.ExecutorID),
		createTime:     time.Now(),
		stopCh:         make(chan struct{}),
	}
	d.mailbox = env.Register("driver", cfg.RPCMailboxSize)
	return d
}

func (d *DriverEndpoint) Registry() *ExecutorRegistry { return d.registry }
func (d *DriverEndpoint) Events() *EventBus           { return d.events }

// Run is the endpoint's single-consumer loop: it processes its mailbox and
// the revive timer, never concurrently with itself.
func (d *DriverEndpoint) Run() {
	ticker := time.NewTicker(d.cfg.ReviveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.handle(structs.ReviveOffers{})
		case msg, ok := <-d.mailbox.C():
			if !ok {
				return
			}
			d.handle(msg)
		}
	}
}

// Stop halts the run loop. Safe to call multiple times.
func (d *DriverEndpoint) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Tell enqueues msg for processing by Run's single consumer. Used both by
// self-sends (ReviveOffers) and by the network transport decoding
// inbound executor messages.
func (d *DriverEndpoint) Tell(msg structs.Message) error {
	return d.mailbox.Send(msg)
}

func (d *DriverEndpoint) handle(msg structs.Message) {
	switch m := msg.(type) {
	case structs.RegisterExecutor:
		d.handleRegisterExecutor(m)
	case structs.StatusUpdate:
		d.handleStatusUpdate(m)
	case structs.ReviveOffers:
		d.makeOffers(nil)
	case structs.KillTask:
		d.handleKillTask(m)
	case structs.StopDriver:
		d.handleStopExecutors()
		d.Stop()
	case structs.StopExecutors:
		d.handleStopExecutors()
	case structs.RemoveExecutor:
		d.handleRemoveExecutor(m.ExecutorID, m.Reason)
	case structs.RegisterNewTask:
		d.handleRegisterNewTask(m)
	case structs.ReportBlockStatuses:
		d.skewFor(d.taskSetOf(m.TaskID)).ReportBlockStatuses(m)
	case structs.ReportTaskFinished:
		d.skewFor(d.taskSetOf(m.TaskID)).ReportTaskFinished(m.TaskID)
		d.forgetTask(m.TaskID)
	case structs.ReportTaskComputeSpeed:
		d.skewFor(d.taskSetOf(m.TaskID)).ReportTaskComputeSpeed(m.TaskID, m.ExecutorID, m.BytesPerMS)
	case structs.ReportBlockDownloadSpeed:
		// Network speed observations aren't keyed to one task-set; apply
		// to every active one. In practice a driver runs one task-set at
		// a time per stage, so this is a single lookup.
		d.skewMu.Lock()
		for _, s := range d.skew {
			s.ReportBlockDownloadSpeed(m.FromExecutorID, m.ToExecutorID, m.BytesPerMS)
		}
		d.skewMu.Unlock()
	default:
		d.log.Warn("dropping unhandled message", "type", fmt.Sprintf("%T", msg))
	}
}

const defaultTaskSetID structs.TaskSetID = "default"

// taskSetOf resolves the task-set a task was launched under. launchTasks
// records the mapping at dispatch time (see registerTask); any report
// arriving for a task we never dispatched (e.g. a stale message after a
// restart) falls back to the default task-set rather than panicking.
func (d *DriverEndpoint) taskSetOf(taskID structs.TaskID) structs.TaskSetID {
	d.skewMu.Lock()
	defer d.skewMu.Unlock()
	if id, ok := d.taskToSet[taskID]; ok {
		return id
	}
	return defaultTaskSetID
}

func (d *DriverEndpoint) registerTask(taskID structs.TaskID, taskSetID structs.TaskSetID) {
	d.skewMu.Lock()
	defer d.skewMu.Unlock()
	d.taskToSet[taskID] = taskSetID
}

func (d *DriverEndpoint) forgetTask(taskID structs.TaskID) {
	d.skewMu.Lock()
	defer d.skewMu.Unlock()
	delete(d.taskToSet, taskID)
}

func (d *DriverEndpoint) skewFor(id structs.TaskSetID) SkewTuneDispatcher {
	d.skewMu.Lock()
	defer d.skewMu.Unlock()
	s, ok := d.skew[id]
	if !ok {
		s = d.newSkew()
		d.skew[id] = s
	}
	return s
}

// resolveExecutorRef finds a Ref back to the registering executor: first
// through the shared in-process Env (same-process embedding/tests), and
// failing that by dialing the executor's advertised ListenAddr so
// Driver->Executor messages (LaunchTask, KillTask, StopExecutor, the
// SkewTune fetch commands) are actually deliverable across two processes.
func (d *DriverEndpoint) resolveExecutorRef(m structs.RegisterExecutor) (rpcenv.Ref, bool) {
	if ref, ok := d.env.Lookup(string(m.ExecutorID)); ok {
		return ref, true
	}
	if d.transport == nil || m.ListenAddr == "" {
		return nil, false
	}
	ref, err := rpcenv.DialRef(d.transport, m.ListenAddr, string(m.ExecutorID), d.dialTimeout)
	if err != nil {
		d.log.Warn("failed to dial back registering executor", "executor", m.ExecutorID, "addr", m.ListenAddr, "err", err)
		return nil, false
	}
	return ref, true
}

// noteRemoteAddr records the network address a RegisterExecutor arrived
// from, so a later session loss on that address can be translated into
// OnDisconnected without a heartbeat. Only the network listener
// (driver.ListenAndServe) calls this; in-process embeddings never see a
// remote address and rely on OnDisconnected's literal-ExecutorID fallback.
func (d *DriverEndpoint) noteRemoteAddr(id structs.ExecutorID, remoteAddr string) {
	d.addrMu.Lock()
	d.addrToExecutor[remoteAddr] = id
	d.addrMu.Unlock()
}

func (d *DriverEndpoint) forgetRemoteAddr(remoteAddr string) (structs.ExecutorID, bool) {
	d.addrMu.Lock()
	defer d.addrMu.Unlock()
	id, ok := d.addrToExecutor[remoteAddr]
	if ok {
		delete(d.addrToExecutor, remoteAddr)
	}
	return id, ok
}

func (d *DriverEndpoint) handleRegisterExecutor(m structs.RegisterExecutor) {
	ref, ok := d.resolveExecutorRef(m)
	if !ok {
		d.log.Warn("register executor with no resolvable endpoint ref", "executor", m.ExecutorID)
	}
	err := d.registry.Insert(&ExecutorData{
		ID:         m.ExecutorID,
		Ref:        ref,
		Host:       m.Hostname,
		TotalCores: m.Cores,
		FreeCores:  m.Cores,
		LogURLs:    m.LogURLs,
	})
	if err != nil {
		d.log.Warn("duplicate executor registration", "executor", m.ExecutorID)
		if ok {
			_ = ref.Send(structs.RegisterExecutorFailed{Reason: "Duplicate executor ID: " + string(m.ExecutorID)})
		}
		return
	}

	d.registry.decrementPendingOnRegister()
	d.log.Info("registered executor", "executor", m.ExecutorID, "host", m.Hostname, "cores", m.Cores)
	metrics.IncrCounter("skewtune", "executors", "registered")

	if ok {
		_ = ref.Send(structs.RegisteredExecutor{})
	}
	d.events.Publish(ExecutorAdded{
		Timestamp: d.now(),
		ID:        m.ExecutorID,
		Data: ExecutorData{
			ID: m.ExecutorID, Host: m.Hostname, TotalCores: m.Cores, FreeCores: m.Cores, LogURLs: m.LogURLs,
		},
	})
	d.makeOffers(nil)
}

func (d *DriverEndpoint) handleStatusUpdate(m structs.StatusUpdate) {
	if _, ok := d.registry.Get(m.ExecutorID); !ok {
		d.log.Warn("status update from unknown executor", "executor", m.ExecutorID, "task", m.TaskID)
		return
	}
	d.scheduler.StatusUpdate(m.TaskID, m.State, m.Data)
	if m.State.IsTerminal() {
		_ = d.registry.AdjustFreeCores(m.ExecutorID, d.cfg.CPUsPerTask)
		d.makeOffers(&m.ExecutorID)
	}
}

// handleKillTask implements spec.md §4.3's KillTask handler: it runs on
// the mailbox's single consumer, matching spec.md §9's designation of the
// mailbox as the one serialization point for driver-side mutation, rather
// than letting the scheduler's own goroutine reach into the registry
// directly.
func (d *DriverEndpoint) handleKillTask(m structs.KillTask) {
	data, ok := d.registry.Get(m.ExecutorID)
	if !ok {
		d.log.Warn("kill task for unknown executor", "executor", m.ExecutorID, "task", m.TaskID)
		return
	}
	if data.Ref == nil {
		d.log.Warn("kill task: executor has no resolvable ref", "executor", m.ExecutorID)
		return
	}
	_ = data.Ref.Send(structs.KillTask{TaskID: m.TaskID, Interrupt: m.Interrupt})
}

// handleStopExecutors broadcasts StopExecutor to every registered
// executor, aggregating per-executor send failures into a single error so
// one unreachable executor doesn't mask failures reaching the others.
func (d *DriverEndpoint) handleStopExecutors() {
	var result *multierror.Error
	for _, offer := range d.registry.SnapshotOffers() {
		data, ok := d.registry.Get(offer.ExecutorID)
		if !ok || data.Ref == nil {
			continue
		}
		if err := data.Ref.Send(structs.StopExecutor{}); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", offer.ExecutorID, err))
		}
	}
	if result != nil {
		d.log.Warn("StopExecutor broadcast had failures", "err", result)
	}
}

func (d *DriverEndpoint) handleRemoveExecutor(id structs.ExecutorID, reason string) {
	data, ok := d.registry.Remove(id)
	if !ok {
		return
	}
	d.env.Deregister(string(id))
	d.log.Info("removed executor", "executor", id, "reason", reason)
	metrics.IncrCounter("skewtune", "executors", "removed")
	d.events.Publish(ExecutorRemoved{Timestamp: d.now(), ID: id, Reason: reason})
	d.scheduler.ExecutorLost(id, reason)
	_ = data
}

// OnDisconnected implements spec.md §4.3's onDisconnected: translate a lost
// connection (identified by its remote address, per rpcenv.Transport's
// onDisconnect hook) back to the executor id that registered from it, and
// remove that executor with the standard reason. Callers that already know
// the executor id directly (tests, and any in-process caller with no real
// network address) may pass it as remoteAddress; the address index is
// checked first and the argument is used verbatim as a fallback.
func (d *DriverEndpoint) OnDisconnected(remoteAddress string) {
	id, ok := d.forgetRemoteAddr(remoteAddress)
	if !ok {
		id = structs.ExecutorID(remoteAddress)
	}
	if _, ok := d.registry.Get(id); !ok {
		return
	}
	d.handleRemoveExecutor(id, "SlaveLost(remote RPC client disassociated)")
}

func (d *DriverEndpoint) handleRegisterNewTask(m structs.RegisterNewTask) {
	taskSetID := d.taskSetOf(m.TaskID)
	isLast := d.scheduler.PendingTasksInSet(taskSetID) == 0
	d.skewFor(taskSetID).RegisterNewTask(m.TaskID, m.ExecutorID, m.Blocks, isLast)
}

// makeOffers implements spec.md §4.3: snapshot free cores (all executors,
// or just one if executorID is non-nil), hand the snapshot to the
// scheduler, and dispatch whatever it returns.
func (d *DriverEndpoint) makeOffers(executorID *structs.ExecutorID) {
	var offers []Offer
	if executorID == nil {
		offers = d.registry.SnapshotOffers()
	} else {
		if o, ok := d.registry.SnapshotOffer(*executorID); ok {
			offers = []Offer{o}
		}
	}
	metrics.IncrCounter("skewtune", "offers", "made")
	descs := d.scheduler.ResourceOffers(offers)
	d.launchTasks(descs)
}

// launchTasks implements spec.md §4.3's frame-size-bounded dispatch.
func (d *DriverEndpoint) launchTasks(descs []TaskDescription) {
	for _, td := range descs {
		data, err := d.serializer.Serialize(td.Payload)
		if err != nil {
			d.log.Error("task serialization failed, aborting task-set", "task", td.TaskID, "err", err)
			d.scheduler.AbortTaskSet(td.TaskSetID, fmt.Sprintf("failed to serialize task %d: %v", td.TaskID, err))
			continue
		}

		limit := d.cfg.MaxFrameSize - d.cfg.Reserved
		if limit > 0 && len(data) >= limit {
			msg := fmt.Sprintf(
				"Serialized task %d:%d was %d bytes, which exceeds max allowed: akka.frameSize (%d bytes) - reserved (%d bytes). Consider increasing akka.frameSize.",
				td.TaskID, td.Index, len(data), d.cfg.MaxFrameSize, d.cfg.Reserved,
			)
			d.log.Error("task exceeds frame size, aborting task-set", "task", td.TaskID, "size", len(data), "limit", limit)
			metrics.IncrCounter("skewtune", "tasks", "frame_size_exceeded")
			d.scheduler.AbortTaskSet(td.TaskSetID, msg)
			continue
		}

		executorData, ok := d.registry.Get(td.ExecutorID)
		if !ok || executorData.Ref == nil {
			d.log.Warn("launch task for unknown executor", "executor", td.ExecutorID, "task", td.TaskID)
			continue
		}

		d.registerTask(td.TaskID, td.TaskSetID)
		_ = d.registry.AdjustFreeCores(td.ExecutorID, -d.cfg.CPUsPerTask)
		metrics.IncrCounter("skewtune", "tasks", "launched")
		_ = executorData.Ref.Send(structs.LaunchTask{SerializedTask: data})
	}
}

// IsReady implements spec.md §4.3's readiness gate.
func (d *DriverEndpoint) IsReady() bool {
	if d.sufficientResourcesRegistered() {
		return true
	}
	return d.now().Sub(d.createTime) >= d.cfg.MaxRegisteredResourcesWaitingTime
}

func (d *DriverEndpoint) sufficientResourcesRegistered() bool {
	if d.scheduler == nil {
		return true
	}
	return d.scheduler.SufficientResourcesRegistered()
}

// ---- Executor-allocation API (spec.md §4.3) ----

// RequestExecutors adds delta to numPendingExecutors and recomputes the
// new total to request from the cluster manager.
func (d *DriverEndpoint) RequestExecutors(delta int) error {
	if delta < 0 {
		return structs.ErrInvalidArgument
	}
	var newTotal int
	d.registry.addNumPendingExecutors(delta)
	d.registry.withAllocation(func(existing, pending, pendingRemoveCount int) {
		newTotal = existing + pending - pendingRemoveCount
	})
	return d.clusterMgr.DoRequestTotalExecutors(newTotal)
}

// RequestTotalExecutors sets numPendingExecutors so the total requested
// equals n.
func (d *DriverEndpoint) RequestTotalExecutors(n int) error {
	if n < 0 {
		return structs.ErrInvalidArgument
	}
	var pending int
	d.registry.withAllocation(func(existing, _, pendingRemoveCount int) {
		pending = maxInt(n-existing+pendingRemoveCount, 0)
	})
	d.registry.setNumPendingExecutors(pending)
	return d.clusterMgr.DoRequestTotalExecutors(n)
}

// KillExecutors filters ids to currently-registered ones, recomputes the
// new total, and marks them pending-remove.
func (d *DriverEndpoint) KillExecutors(ids []structs.ExecutorID) error {
	filtered := d.registry.filterRegisteredAndMarkPendingRemove(ids)

	var newTotal int
	d.registry.withAllocation(func(existing, pending, pendingRemoveCount int) {
		newTotal = existing + pending - pendingRemoveCount
	})
	if err := d.clusterMgr.DoRequestTotalExecutors(newTotal); err != nil {
		return err
	}
	return d.clusterMgr.DoKillExecutors(filtered)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
