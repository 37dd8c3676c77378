// Package structs holds the closed set of wire messages exchanged between
// the driver and its executors, plus the handful of value types (task and
// block identifiers, block inventory records) shared by every other package
// in this module. Nothing here blocks or mutates shared state; it is pure
// data.
package structs

// RPCType tags every message for the wire codec's discriminator field.
// Decoding an unrecognized tag is an error (ErrUnknownMessageType) rather
// than silently ignored, per the closed-union discipline this schema is
// built to.
type RPCType uint8

const (
	TypeLaunchTask RPCType = iota + 1
	TypeKillTask
	TypeStopExecutor
	TypeRemoveFetchCommand
	TypeAddFetchCommand
	TypeRemoveAndAddResultCommand
	TypeLockTask
	TypeUnlockTask

	TypeRegisterExecutor
	TypeStatusUpdate
	TypeRegisterNewTask
	TypeReportBlockStatuses
	TypeReportTaskFinished
	TypeReportTaskComputeSpeed
	TypeReportBlockDownloadSpeed
	TypeTransferRemovedFetch

	TypeReviveOffers
	TypeStopDriver
	TypeStopExecutors
	TypeRemoveExecutor

	TypeRegisterClusterManager
	TypeRequestExecutors
	TypeKillExecutors
	TypeRetrieveSparkProps

	TypeRegisteredExecutor
	TypeRegisterExecutorFailed
)

// Message is implemented by every wire type in this package.
type Message interface {
	Type() RPCType
}

// TaskState mirrors the terminal/non-terminal task states the scheduler and
// driver reason about. Only Running is non-terminal.
type TaskState uint8

const (
	TaskRunning TaskState = iota
	TaskFinished
	TaskFailed
	TaskKilled
	TaskLost
)

// IsTerminal reports whether a StatusUpdate carrying this state should
// release the executor's occupied core back to the pool.
func (s TaskState) IsTerminal() bool {
	return s != TaskRunning
}

// SkewTuneBlockInfo is one entry of a task's fetch queue or a task's
// already-fetched (but not yet consumed) result set. SizeBytes == 0 is the
// "unmeasured" sentinel of spec.md §9: the planner excludes such entries
// from weight estimation until a later report fills in the size.
type SkewTuneBlockInfo struct {
	BlockID             BlockID
	HostBlockManagerID  BlockManagerID
	SizeBytes           int64
}

// Unmeasured reports whether this block's size hasn't been observed yet.
func (b SkewTuneBlockInfo) Unmeasured() bool { return b.SizeBytes == 0 }

// BlockStatusUpdate describes one block's state transition as reported by
// ReportBlockStatuses: pending->fetched, fetched->consumed, or reassigned
// to a new owning task.
type BlockStatusUpdate struct {
	BlockID BlockID
	Status  BlockStatus
}

type BlockStatus uint8

const (
	BlockPending BlockStatus = iota
	BlockFetched
	BlockConsumed
)

// ---- Driver -> Executor ----

type LaunchTask struct {
	SerializedTask []byte
}

func (LaunchTask) Type() RPCType { return TypeLaunchTask }

// KillTask carries ExecutorID when it travels driver-internally (scheduler
// -> DriverEndpoint's mailbox, so handleKillTask knows who to forward to);
// the wire copy the executor receives leaves it unset since the recipient
// is already implied by the connection it arrived on.
type KillTask struct {
	ExecutorID ExecutorID
	TaskID     TaskID
	Interrupt  bool
}

func (KillTask) Type() RPCType { return TypeKillTask }

type StopExecutor struct{}

func (StopExecutor) Type() RPCType { return TypeStopExecutor }

// RemoveFetchCommand instructs the executor hosting TaskID to remove the
// named pending fetches from that task's fetch iterator and forward
// whatever was actually removed on to NextExecutorID/NextTaskID.
type RemoveFetchCommand struct {
	NextExecutorID ExecutorID
	NextTaskID     TaskID
	TaskID         TaskID
	BlocksByHost   map[BlockManagerID][]BlockID
}

func (RemoveFetchCommand) Type() RPCType { return TypeRemoveFetchCommand }

// AddFetchCommand enqueues additional fetches onto TaskID's iterator.
type AddFetchCommand struct {
	TaskID               TaskID
	BlocksWithSizeByHost map[BlockManagerID][]SkewTuneBlockInfo
}

func (AddFetchCommand) Type() RPCType { return TypeAddFetchCommand }

// RemoveAndAddResultCommand moves already-fetched block results from
// FromTask's iterator to ToTask's iterator.
type RemoveAndAddResultCommand struct {
	BlockIDs []BlockID
	FromTask TaskID
	ToTask   TaskID
}

func (RemoveAndAddResultCommand) Type() RPCType { return TypeRemoveAndAddResultCommand }

type LockTask struct {
	TaskID TaskID
}

func (LockTask) Type() RPCType { return TypeLockTask }

type UnlockTask struct {
	TaskID TaskID
}

func (UnlockTask) Type() RPCType { return TypeUnlockTask }

// ---- Executor -> Driver ----

// RegisterExecutor's ListenAddr is the host:port the executor's own
// transport is listening on, so the driver can dial back a real Ref for
// driver->executor messages instead of depending on both peers sharing an
// in-process rpcenv.Env. Left empty, the driver falls back to resolving the
// executor through its local Env (the single-process test/embedding path).
type RegisterExecutor struct {
	ExecutorID ExecutorID
	Hostname   string
	ListenAddr string
	Cores      int
	LogURLs    map[string]string
}

func (RegisterExecutor) Type() RPCType { return TypeRegisterExecutor }

// RegisteredExecutor acknowledges a successful RegisterExecutor.
type RegisteredExecutor struct{}

func (RegisteredExecutor) Type() RPCType { return TypeRegisteredExecutor }

// RegisterExecutorFailed nacks a RegisterExecutor, e.g. on a duplicate id.
type RegisterExecutorFailed struct {
	Reason string
}

func (RegisterExecutorFailed) Type() RPCType { return TypeRegisterExecutorFailed }

type StatusUpdate struct {
	ExecutorID ExecutorID
	TaskID     TaskID
	State      TaskState
	Data       []byte
}

func (StatusUpdate) Type() RPCType { return TypeStatusUpdate }

type RegisterNewTask struct {
	TaskID     TaskID
	ExecutorID ExecutorID
	Blocks     []SkewTuneBlockInfo
}

func (RegisterNewTask) Type() RPCType { return TypeRegisterNewTask }

type ReportBlockStatuses struct {
	TaskID    TaskID
	Updates   []BlockStatusUpdate
	NewTaskID *TaskID
	Size      *int64
}

func (ReportBlockStatuses) Type() RPCType { return TypeReportBlockStatuses }

type ReportTaskFinished struct {
	TaskID TaskID
}

func (ReportTaskFinished) Type() RPCType { return TypeReportTaskFinished }

type ReportTaskComputeSpeed struct {
	TaskID     TaskID
	ExecutorID ExecutorID
	// BytesPerMS is the task's observed remaining-input processing rate.
	BytesPerMS float64
}

func (ReportTaskComputeSpeed) Type() RPCType { return TypeReportTaskComputeSpeed }

type ReportBlockDownloadSpeed struct {
	FromExecutorID ExecutorID
	ToExecutorID   ExecutorID
	BytesPerMS     float64
}

func (ReportBlockDownloadSpeed) Type() RPCType { return TypeReportBlockDownloadSpeed }

type TransferRemovedFetch struct {
	NextExecutorID       ExecutorID
	NextTaskID           TaskID
	BlocksWithSizeByHost map[BlockManagerID][]SkewTuneBlockInfo
}

func (TransferRemovedFetch) Type() RPCType { return TypeTransferRemovedFetch }

// ---- Driver-internal ----

type ReviveOffers struct{}

func (ReviveOffers) Type() RPCType { return TypeReviveOffers }

type StopDriver struct{}

func (StopDriver) Type() RPCType { return TypeStopDriver }

type StopExecutors struct{}

func (StopExecutors) Type() RPCType { return TypeStopExecutors }

type RemoveExecutor struct {
	ExecutorID ExecutorID
	Reason     string
}

func (RemoveExecutor) Type() RPCType { return TypeRemoveExecutor }

// ---- Cluster-manager <-> driver ----

type RegisterClusterManager struct{}

func (RegisterClusterManager) Type() RPCType { return TypeRegisterClusterManager }

type RequestExecutors struct {
	Total int
}

func (RequestExecutors) Type() RPCType { return TypeRequestExecutors }

type KillExecutors struct {
	ExecutorIDs []ExecutorID
}

func (KillExecutors) Type() RPCType { return TypeKillExecutors }

type RetrieveSparkProps struct{}

func (RetrieveSparkProps) Type() RPCType { return TypeRetrieveSparkProps }
