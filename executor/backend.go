package executor

import (
	"fmt"
	"sync"
	"sync/atomic"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/jiadongy/skewtune/metrics"
	"github.com/jiadongy/skewtune/rpcenv"
	"github.com/jiadongy/skewtune/structs"
)

// State is one position in the per-process state machine spec.md §4.4
// names: Connecting -> Registered -> Running -> Stopping -> Stopped.
type State int32

const (
	StateConnecting State = iota
	StateRegistered
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Deserializer turns LaunchTask's opaque bytes back into a TaskDescription,
// the executor-side mirror of driver.Serializer.
type Deserializer interface {
	Deserialize(data []byte) (TaskDescription, error)
}

// Backend is the single-consumer executor-process actor: it owns the
// mailbox the driver addresses this process through, the per-task fetch
// iterators, and the lifecycle of the one TaskExecutor it drives.
type Backend struct {
	log        hclog.Logger
	executorID structs.ExecutorID
	hostname   string
	listenAddr string
	cores      int

	env          *rpcenv.Env
	mailbox      *rpcenv.Mailbox
	driverRef    rpcenv.Ref
	deserializer Deserializer
	buildTask    func() TaskExecutor
	taskExecutor TaskExecutor

	state atomic.Int32

	mu         sync.Mutex
	iterators  map[structs.TaskID]*FetchIterator
	lockStatus map[structs.TaskID]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBackend wires a Backend. env is this process's local registry (the
// driver's ack/nack and every driver-originated command arrive through
// mailbox, which must be registered under the address the driver was told
// to dial). listenAddr is advertised to the driver in RegisterExecutor so
// it can dial back a real Ref when it isn't sharing env with this process;
// an empty listenAddr is valid for an in-process embedding (e.g. tests).
func NewBackend(
	log hclog.Logger,
	executorID structs.ExecutorID,
	hostname string,
	listenAddr string,
	cores int,
	env *rpcenv.Env,
	mailboxCapacity int,
	driverRef rpcenv.Ref,
	deserializer Deserializer,
	buildTask func() TaskExecutor,
) *Backend {
	b := &Backend{
		log:          log.Named("executor-backend"),
		executorID:   executorID,
		hostname:     hostname,
		listenAddr:   listenAddr,
		cores:        cores,
		env:          env,
		driverRef:    driverRef,
		deserializer: deserializer,
		buildTask:    buildTask,
		iterators:    make(map[structs.TaskID]*FetchIterator),
		lockStatus:   make(map[structs.TaskID]bool),
		stopCh:       make(chan struct{}),
	}
	b.mailbox = env.Register(string(executorID), mailboxCapacity)
	b.state.Store(int32(StateConnecting))
	return b
}

func (b *Backend) State() State { return State(b.state.Load()) }

// Start performs the Connecting state's async endpoint lookup (already
// resolved into driverRef by the caller) by sending RegisterExecutor, then
// runs the mailbox loop until Stop. Registration failure terminates the
// process with a non-zero exit, matching spec.md §4.4.
func (b *Backend) Start() error {
	if err := b.driverRef.Send(structs.RegisterExecutor{
		ExecutorID: b.executorID,
		Hostname:   b.hostname,
		ListenAddr: b.listenAddr,
		Cores:      b.cores,
	}); err != nil {
		return fmt.Errorf("executor: registration request failed: %w", err)
	}

	for {
		select {
		case <-b.stopCh:
			return nil
		case msg, ok := <-b.mailbox.C():
			if !ok {
				return nil
			}
			if done := b.handle(msg); done {
				if f, ok := msg.(structs.RegisterExecutorFailed); ok {
					return fmt.Errorf("executor: %w: %s", structs.ErrRegistrationFailed, f.Reason)
				}
				return nil
			}
		}
	}
}

// Stop halts the run loop. Safe to call multiple times.
func (b *Backend) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Tell enqueues msg for processing by Start's single consumer, the
// executor-side mirror of DriverEndpoint.Tell. This is how the inbound
// network listener (see ListenAndServe) hands the driver's LaunchTask,
// KillTask, StopExecutor, and SkewTune fetch commands to the backend.
func (b *Backend) Tell(msg structs.Message) error {
	return b.mailbox.Send(msg)
}

func (b *Backend) handle(msg structs.Message) (terminate bool) {
	switch m := msg.(type) {
	case structs.RegisteredExecutor:
		b.state.Store(int32(StateRegistered))
		b.taskExecutor = b.buildTask()
		b.state.Store(int32(StateRunning))
		b.log.Info("registered with driver", "executor", b.executorID)
	case structs.RegisterExecutorFailed:
		b.log.Error("registration rejected, terminating", "reason", m.Reason)
		return true
	case structs.LaunchTask:
		b.handleLaunchTask(m)
	case structs.KillTask:
		b.handleKillTask(m)
	case structs.StopExecutor:
		b.handleStopExecutor()
		return true
	case structs.RemoveFetchCommand:
		b.handleRemoveFetchCommand(m)
	case structs.AddFetchCommand:
		b.handleAddFetchCommand(m)
	case structs.RemoveAndAddResultCommand:
		b.handleRemoveAndAddResultCommand(m)
	case structs.LockTask:
		b.handleLockTask(m)
	case structs.UnlockTask:
		b.handleUnlockTask(m)
	default:
		b.log.Warn("dropping unhandled message", "type", fmt.Sprintf("%T", msg))
	}
	return false
}

func (b *Backend) handleLaunchTask(m structs.LaunchTask) {
	if b.taskExecutor == nil {
		b.log.Error("LaunchTask with no task executor instantiated, terminating")
		b.Stop()
		return
	}
	desc, err := b.deserializer.Deserialize(m.SerializedTask)
	if err != nil {
		b.log.Error("failed to deserialize launched task", "err", err)
		return
	}

	fi := NewFetchIterator(nil)
	b.mu.Lock()
	b.iterators[desc.TaskID] = fi
	b.mu.Unlock()

	metrics.IncrCounter("skewtune", "executor", "tasks_launched")
	go func() {
		if err := b.taskExecutor.RunTask(desc, fi); err != nil {
			b.log.Warn("task run failed", "task", desc.TaskID, "err", err)
		}
	}()
}

func (b *Backend) handleKillTask(m structs.KillTask) {
	if b.taskExecutor == nil {
		b.log.Error("KillTask with no task executor instantiated, terminating")
		b.Stop()
		return
	}
	if err := b.taskExecutor.KillTask(m.TaskID, m.Interrupt); err != nil {
		b.log.Warn("kill task failed", "task", m.TaskID, "err", err)
	}
	if fi, ok := b.iteratorFor(m.TaskID); ok {
		fi.Close()
	}
}

func (b *Backend) handleStopExecutor() {
	b.state.Store(int32(StateStopping))
	if b.taskExecutor != nil {
		for taskID := range b.iteratorSnapshot() {
			_ = b.taskExecutor.KillTask(taskID, true)
		}
	}
	b.env.Deregister(string(b.executorID))
	b.state.Store(int32(StateStopped))
}

func (b *Backend) iteratorSnapshot() map[structs.TaskID]*FetchIterator {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[structs.TaskID]*FetchIterator, len(b.iterators))
	for k, v := range b.iterators {
		out[k] = v
	}
	return out
}

func (b *Backend) iteratorFor(taskID structs.TaskID) (*FetchIterator, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fi, ok := b.iterators[taskID]
	return fi, ok
}

// handleRemoveFetchCommand implements spec.md §4.4: remove the named
// pending fetches, then forward whatever was actually removed to the next
// executor/task via TransferRemovedFetch.
func (b *Backend) handleRemoveFetchCommand(m structs.RemoveFetchCommand) {
	fi, ok := b.iteratorFor(m.TaskID)
	if !ok {
		b.log.Warn("RemoveFetchCommand for unknown task", "task", m.TaskID)
		return
	}
	removed := fi.RemoveFetchRequests(m.BlocksByHost)
	if len(removed) == 0 {
		return
	}
	_ = b.driverRef.Send(structs.TransferRemovedFetch{
		NextExecutorID:       m.NextExecutorID,
		NextTaskID:           m.NextTaskID,
		BlocksWithSizeByHost: removed,
	})
}

func (b *Backend) handleAddFetchCommand(m structs.AddFetchCommand) {
	fi, ok := b.iteratorFor(m.TaskID)
	if !ok {
		b.log.Warn("AddFetchCommand for unknown task", "task", m.TaskID)
		return
	}
	fi.AddFetchRequests(m.BlocksWithSizeByHost)
}

// handleRemoveAndAddResultCommand moves already-fetched results from
// FromTask's iterator to ToTask's, skipping blocks the source doesn't
// have.
func (b *Backend) handleRemoveAndAddResultCommand(m structs.RemoveAndAddResultCommand) {
	from, ok := b.iteratorFor(m.FromTask)
	if !ok {
		b.log.Warn("RemoveAndAddResultCommand with unknown source task", "task", m.FromTask)
		return
	}
	to, ok := b.iteratorFor(m.ToTask)
	if !ok {
		b.log.Warn("RemoveAndAddResultCommand with unknown destination task", "task", m.ToTask)
		return
	}
	moved := from.RemoveFetchResults(m.BlockIDs)
	to.AddFetchResults(moved)
}

func (b *Backend) handleLockTask(m structs.LockTask) {
	fi, ok := b.iteratorFor(m.TaskID)
	if !ok {
		return
	}
	fi.Lock()
	b.mu.Lock()
	b.lockStatus[m.TaskID] = true
	b.mu.Unlock()
}

func (b *Backend) handleUnlockTask(m structs.UnlockTask) {
	fi, ok := b.iteratorFor(m.TaskID)
	if !ok {
		return
	}
	fi.Unlock()
	b.mu.Lock()
	b.lockStatus[m.TaskID] = false
	b.mu.Unlock()
}
