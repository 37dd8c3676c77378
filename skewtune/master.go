// Package skewtune implements the SkewTune skew-mitigation controller of
// spec.md §4.5: one Master per active task-set, tracking per-task block
// inventories and speeds, and deciding at each new-task registration point
// whether to split work between the largest and smallest remaining tasks.
package skewtune

import (
	"sort"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/jiadongy/skewtune/structs"
)

// CommandSender delivers a command to the executor currently running a
// task. Commands whose owning task's executor is no longer registered are
// simply dropped by the sender (it returns an error, which Master logs and
// ignores) — the driver's registry is the source of truth for "still
// registered," not this package.
type CommandSender interface {
	SendToExecutor(executorID structs.ExecutorID, msg structs.Message) error
}

// CoreCapacity reports the current total concurrent task slots across all
// registered executors (the "cap" of spec.md's glossary). 0 means no
// executors are registered yet.
type CoreCapacity func() int64

// Config holds the split-threshold knobs, one of the two open questions of
// spec.md §9 (the other, unmeasured blocks, is handled in weight).
type Config struct {
	// MinActiveTasksToSplit / MinActiveTasksToSplitOnLast gate
	// computeAndSplit: it declines unless at least this many tasks are
	// currently active. The "on last" variant is smaller because
	// splitting close to stage completion is the only chance left to
	// rebalance, so it's worth trying with fewer co-runners.
	MinActiveTasksToSplit       int
	MinActiveTasksToSplitOnLast int
}

func DefaultConfig() Config {
	return Config{MinActiveTasksToSplit: 3, MinActiveTasksToSplitOnLast: 2}
}

// Master is the per-task-set skew controller.
type Master struct {
	log    hclog.Logger
	sender CommandSender
	cap    CoreCapacity
	cfg    Config

	mu               sync.Mutex
	registeredTasks  map[structs.TaskID]structs.ExecutorID
	taskBlocks       map[structs.TaskID][]structs.SkewTuneBlockInfo
	taskResults      map[structs.TaskID]map[structs.BlockID]struct{}
	taskComputeSpeed map[structs.TaskID]float64
	networkSpeed     map[executorPair]float64
	activeTasks      map[structs.TaskID]struct{}
	finishedOrRunning int

	demonTasks []structs.TaskID
	demonSet   map[structs.TaskID]struct{}

	unlockedTaskID *structs.TaskID
}

type executorPair struct {
	from, to structs.ExecutorID
}

func NewMaster(log hclog.Logger, sender CommandSender, cap CoreCapacity, cfg Config) *Master {
	return &Master{
		log:              log.Named("skewtune"),
		sender:           sender,
		cap:              cap,
		cfg:              cfg,
		registeredTasks:  make(map[structs.TaskID]structs.ExecutorID),
		taskBlocks:       make(map[structs.TaskID][]structs.SkewTuneBlockInfo),
		taskResults:      make(map[structs.TaskID]map[structs.BlockID]struct{}),
		taskComputeSpeed: make(map[structs.TaskID]float64),
		networkSpeed:     make(map[executorPair]float64),
		activeTasks:      make(map[structs.TaskID]struct{}),
		demonSet:         make(map[structs.TaskID]struct{}),
	}
}

// RegisterNewTask implements spec.md §4.5's RegisterNewTask handler and
// split trigger.
func (m *Master) RegisterNewTask(taskID structs.TaskID, executorID structs.ExecutorID, blocks []structs.SkewTuneBlockInfo, isLastTask bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.registeredTasks[taskID]; !exists {
		m.registeredTasks[taskID] = executorID
		m.taskBlocks[taskID] = append([]structs.SkewTuneBlockInfo(nil), blocks...)
		m.taskResults[taskID] = make(map[structs.BlockID]struct{})
		m.activeTasks[taskID] = struct{}{}
		m.finishedOrRunning++
	}

	capacity := m.cap()

	if capacity > 0 && int64(m.finishedOrRunning) >= capacity {
		m.computeAndSplitLocked(taskID, isLastTask)
		return
	}

	maxDemons := int(capacity) - 1
	if maxDemons < 0 {
		maxDemons = 0
	}
	if len(m.demonTasks) < maxDemons {
		m.demonTasks = append(m.demonTasks, taskID)
		m.demonSet[taskID] = struct{}{}
	}
	if isLastTask {
		for _, t := range m.demonTasks {
			m.sendUnlock(t)
		}
		m.demonTasks = nil
		m.demonSet = make(map[structs.TaskID]struct{})
	}
}

// splitPlan is computeAndSplit's return value: either nil (decline) or a
// concrete set of commands plus the chosen donor/receiver.
type splitPlan struct {
	fetchRemove []structs.RemoveFetchCommand
	fetchAdd    []structs.AddFetchCommand
	results     []structs.RemoveAndAddResultCommand
	large       structs.TaskID
	small       structs.TaskID
}

// computeAndSplitLocked implements spec.md §4.5's compute_and_split. Caller
// must hold m.mu.
func (m *Master) computeAndSplitLocked(t structs.TaskID, isLast bool) {
	threshold := m.cfg.MinActiveTasksToSplit
	if isLast {
		threshold = m.cfg.MinActiveTasksToSplitOnLast
	}
	if len(m.activeTasks) < threshold {
		m.declineAndKeepProgress(t)
		return
	}

	plan := m.buildSplitPlan(isLast)
	if plan == nil {
		m.declineAndKeepProgress(t)
		return
	}

	for _, cmd := range plan.fetchRemove {
		if exec, ok := m.registeredTasks[cmd.TaskID]; ok {
			if err := m.sender.SendToExecutor(exec, cmd); err != nil {
				m.log.Warn("failed to send RemoveFetchCommand", "task", cmd.TaskID, "err", err)
			}
		}
	}
	for _, cmd := range plan.fetchAdd {
		if exec, ok := m.registeredTasks[cmd.TaskID]; ok {
			if err := m.sender.SendToExecutor(exec, cmd); err != nil {
				m.log.Warn("failed to send AddFetchCommand", "task", cmd.TaskID, "err", err)
			}
		}
	}
	for _, cmd := range plan.results {
		if exec, ok := m.registeredTasks[cmd.ToTask]; ok {
			if err := m.sender.SendToExecutor(exec, cmd); err != nil {
				m.log.Warn("failed to send RemoveAndAddResultCommand", "task", cmd.ToTask, "err", err)
			}
		}
	}

	switch {
	case plan.small == t:
		m.sendUnlock(t)
	case m.isDemon(plan.small):
		m.sendUnlock(plan.small)
		m.removeDemon(plan.small)
		m.demonTasks = append(m.demonTasks, t)
		m.demonSet[t] = struct{}{}
	default:
		m.log.Warn("split plan referenced a task no longer eligible for unlock", "small", plan.small)
	}
}

// declineAndKeepProgress is computeAndSplit returning None, handled per
// spec.md §4.5's closing paragraph: if demon_tasks is already saturated,
// unlock the newly-registered task so progress isn't stalled forever.
func (m *Master) declineAndKeepProgress(t structs.TaskID) {
	capacity := m.cap()
	maxDemons := int(capacity) - 1
	if len(m.demonTasks) >= maxDemons {
		m.sendUnlock(t)
	}
}

// buildSplitPlan picks the largest- and smallest-weight active tasks and a
// prefix of the large task's pending fetch queue to move to the small
// task, converging their projected completion times. Size-zero
// (unmeasured) blocks are excluded from the weight sum per spec.md §9.
func (m *Master) buildSplitPlan(isLast bool) *splitPlan {
	if len(m.activeTasks) < 2 {
		return nil
	}

	ids := make([]structs.TaskID, 0, len(m.activeTasks))
	for id := range m.activeTasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	large, small := ids[0], ids[0]
	largeW, smallW := m.weight(ids[0]), m.weight(ids[0])
	for _, id := range ids[1:] {
		w := m.weight(id)
		if w > largeW || (w == largeW && id < large) {
			largeW, large = w, id
		}
		if w < smallW || (w == smallW && id < small) {
			smallW, small = w, id
		}
	}
	if large == small {
		return nil
	}

	largeExec := m.registeredTasks[large]
	smallExec := m.registeredTasks[small]

	queue := m.taskBlocks[large]
	var moved []structs.SkewTuneBlockInfo

	curLarge, curSmall := largeW, smallW
	for _, b := range queue {
		if curLarge <= curSmall {
			break
		}
		if b.Unmeasured() {
			continue
		}
		costAtLarge := float64(b.SizeBytes) / m.computeSpeedOrDefault(large)
		costAtSmall := float64(b.SizeBytes)/m.computeSpeedOrDefault(small) + m.networkTime(b.HostBlockManagerID, smallExec, b.SizeBytes)
		if curLarge-costAtLarge < curSmall+costAtSmall && len(moved) > 0 {
			// Moving this block would overshoot past the convergence
			// point; stop at the best prefix found so far.
			break
		}
		moved = append(moved, b)
		curLarge -= costAtLarge
		curSmall += costAtSmall
	}
	if len(moved) == 0 {
		return nil
	}

	removeByHost := make(map[structs.BlockManagerID][]structs.BlockID)
	addByHost := make(map[structs.BlockManagerID][]structs.SkewTuneBlockInfo)
	movedSet := make(map[structs.BlockID]struct{}, len(moved))
	for _, b := range moved {
		removeByHost[b.HostBlockManagerID] = append(removeByHost[b.HostBlockManagerID], b.BlockID)
		addByHost[b.HostBlockManagerID] = append(addByHost[b.HostBlockManagerID], b)
		movedSet[b.BlockID] = struct{}{}
	}

	// Update in-memory queues to reflect the plan optimistically; the
	// executor-side ack (TransferRemovedFetch) is the authoritative
	// confirmation, but keeping local state in sync avoids proposing the
	// same blocks again before that ack arrives.
	remaining := m.taskBlocks[large][:0:0]
	for _, b := range m.taskBlocks[large] {
		if _, ok := movedSet[b.BlockID]; !ok {
			remaining = append(remaining, b)
		}
	}
	m.taskBlocks[large] = remaining
	m.taskBlocks[small] = append(m.taskBlocks[small], moved...)

	plan := &splitPlan{
		fetchRemove: []structs.RemoveFetchCommand{{
			NextExecutorID: smallExec,
			NextTaskID:     small,
			TaskID:         large,
			BlocksByHost:   removeByHost,
		}},
		fetchAdd: []structs.AddFetchCommand{{
			TaskID:               small,
			BlocksWithSizeByHost: addByHost,
		}},
		large: large,
		small: small,
	}

	// If the large task's remaining share is now zero, its already-fetched
	// but unconsumed results no longer need to be consumed by it; shift
	// them to the receiver so the transferred work isn't re-fetched.
	if len(remaining) == 0 {
		if results := m.taskResults[large]; len(results) > 0 {
			blockIDs := make([]structs.BlockID, 0, len(results))
			for id := range results {
				blockIDs = append(blockIDs, id)
			}
			sort.Slice(blockIDs, func(i, j int) bool { return blockIDs[i] < blockIDs[j] })
			plan.results = append(plan.results, structs.RemoveAndAddResultCommand{
				BlockIDs: blockIDs,
				FromTask: large,
				ToTask:   small,
			})
			delete(m.taskResults, large)
			if m.taskResults[small] == nil {
				m.taskResults[small] = make(map[structs.BlockID]struct{})
			}
			for _, id := range blockIDs {
				m.taskResults[small][id] = struct{}{}
			}
		}
	}

	_ = isLast // multi-pair plans across donor/receivers are out of scope for this single-pair implementation
	return plan
}

func (m *Master) weight(t structs.TaskID) float64 {
	exec := m.registeredTasks[t]
	var total float64
	for _, b := range m.taskBlocks[t] {
		if b.Unmeasured() {
			continue
		}
		total += float64(b.SizeBytes) / m.computeSpeedOrDefault(t)
		total += m.networkTime(b.HostBlockManagerID, exec, b.SizeBytes)
	}
	return total
}

func (m *Master) computeSpeedOrDefault(t structs.TaskID) float64 {
	if speed, ok := m.taskComputeSpeed[t]; ok && speed > 0 {
		return speed
	}
	return 1
}

func (m *Master) networkTime(host structs.BlockManagerID, to structs.ExecutorID, size int64) float64 {
	from := structs.ExecutorID(host)
	if from == to {
		return 0
	}
	speed, ok := m.networkSpeed[executorPair{from: from, to: to}]
	if !ok || speed <= 0 {
		return 0
	}
	return float64(size) / speed
}

func (m *Master) isDemon(t structs.TaskID) bool {
	_, ok := m.demonSet[t]
	return ok
}

func (m *Master) removeDemon(t structs.TaskID) {
	delete(m.demonSet, t)
	for i, id := range m.demonTasks {
		if id == t {
			m.demonTasks = append(m.demonTasks[:i], m.demonTasks[i+1:]...)
			break
		}
	}
}

func (m *Master) sendUnlock(t structs.TaskID) {
	exec, ok := m.registeredTasks[t]
	if !ok {
		return
	}
	if err := m.sender.SendToExecutor(exec, structs.UnlockTask{TaskID: t}); err != nil {
		m.log.Warn("failed to send UnlockTask", "task", t, "err", err)
		return
	}
	m.unlockedTaskID = &t
}

// ReportTaskFinished implements spec.md §4.5.
func (m *Master) ReportTaskFinished(t structs.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishedOrRunning--
	delete(m.activeTasks, t)
	m.removeDemon(t)
	if m.unlockedTaskID != nil && *m.unlockedTaskID == t {
		m.unlockedTaskID = nil
	}
}

// ReportBlockStatuses implements spec.md §4.5: pending->fetched,
// fetched->consumed, and reassignment-to-a-new-task transitions.
func (m *Master) ReportBlockStatuses(msg structs.ReportBlockStatuses) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range msg.Updates {
		switch u.Status {
		case structs.BlockFetched:
			m.moveBlockToResults(msg.TaskID, u.BlockID, msg.Size)
		case structs.BlockConsumed:
			if results, ok := m.taskResults[msg.TaskID]; ok {
				delete(results, u.BlockID)
			}
		case structs.BlockPending:
			if msg.NewTaskID != nil {
				m.reassignBlock(msg.TaskID, *msg.NewTaskID, u.BlockID, msg.Size)
			}
		}
	}
}

func (m *Master) moveBlockToResults(t structs.TaskID, blockID structs.BlockID, size *int64) {
	queue := m.taskBlocks[t]
	for i, b := range queue {
		if b.BlockID == blockID {
			if size != nil {
				b.SizeBytes = *size
			}
			m.taskBlocks[t] = append(queue[:i:i], queue[i+1:]...)
			if m.taskResults[t] == nil {
				m.taskResults[t] = make(map[structs.BlockID]struct{})
			}
			m.taskResults[t][blockID] = struct{}{}
			return
		}
	}
}

func (m *Master) reassignBlock(from, to structs.TaskID, blockID structs.BlockID, size *int64) {
	queue := m.taskBlocks[from]
	for i, b := range queue {
		if b.BlockID == blockID {
			if size != nil {
				b.SizeBytes = *size
			}
			m.taskBlocks[from] = append(queue[:i:i], queue[i+1:]...)
			m.taskBlocks[to] = append(m.taskBlocks[to], b)
			return
		}
	}
}

// ReportTaskComputeSpeed implements spec.md §4.5: overwrite.
func (m *Master) ReportTaskComputeSpeed(t structs.TaskID, _ structs.ExecutorID, bytesPerMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskComputeSpeed[t] = bytesPerMS
}

// ReportBlockDownloadSpeed implements spec.md §4.5: the stored speed becomes
// the average of the previous stored value and the new observation.
func (m *Master) ReportBlockDownloadSpeed(from, to structs.ExecutorID, bytesPerMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := executorPair{from: from, to: to}
	if prev, ok := m.networkSpeed[key]; ok {
		m.networkSpeed[key] = (prev + bytesPerMS) / 2
	} else {
		m.networkSpeed[key] = bytesPerMS
	}
}

// DemonTaskCount reports |demon_tasks|, exposed for the invariant test
// "|demon_tasks| <= cap - 1".
func (m *Master) DemonTaskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.demonTasks)
}
