// Package driver implements the driver-side of the coordinator: the
// long-lived executor registry, the single-consumer DriverEndpoint that
// handles every driver<->executor and cluster-manager<->driver message, and
// the stable SchedulerBackend surface the external task scheduler drives.
package driver

import (
	"time"

	"github.com/jiadongy/skewtune/rpcenv"
	"github.com/jiadongy/skewtune/structs"
)

// ExecutorData is the registry entry for one registered executor. It is
// created on successful registration and destroyed on removal; only
// DriverEndpoint ever mutates it.
type ExecutorData struct {
	ID         structs.ExecutorID
	Ref        rpcenv.Ref
	Host       string
	TotalCores int
	FreeCores  int
	LogURLs    map[string]string
}

// Offer is what ExecutorRegistry.SnapshotOffers hands to the scheduler:
// one executor's current free-core count, order unspecified.
type Offer struct {
	ExecutorID structs.ExecutorID
	Host       string
	FreeCores  int
}

// TaskDescription is what the external task scheduler returns from
// ResourceOffers: a task to run on a specific executor, plus the opaque
// payload launchTasks will serialize.
type TaskDescription struct {
	TaskID     structs.TaskID
	Index      int
	ExecutorID structs.ExecutorID
	Name       string
	TaskSetID  structs.TaskSetID
	Payload    any
}

// TaskScheduler is the external task-set manager collaborator named
// out-of-scope by spec.md §1: DriverEndpoint only needs this much of it.
type TaskScheduler interface {
	// ResourceOffers is handed a snapshot of free cores per executor and
	// returns zero or more tasks to dispatch.
	ResourceOffers(offers []Offer) []TaskDescription
	// StatusUpdate forwards a task's terminal or non-terminal state.
	StatusUpdate(taskID structs.TaskID, state structs.TaskState, data []byte)
	// ExecutorLost notifies the scheduler that an executor is gone.
	ExecutorLost(executorID structs.ExecutorID, reason string)
	// AbortTaskSet is called when a task can never be dispatched (e.g. it
	// does not fit in one frame). message should name the offending task.
	AbortTaskSet(taskSetID structs.TaskSetID, message string)
	// SufficientResourcesRegistered backs the readiness gate's override
	// point; the zero-value scheduler always returns true.
	SufficientResourcesRegistered() bool
	// PendingTasksInSet returns how many tasks of taskSetID have yet to
	// register with SkewTune, backing the is_last_task computation of
	// spec.md §4.5.
	PendingTasksInSet(taskSetID structs.TaskSetID) int
}

// Serializer is the out-of-scope closure/data serializer named in
// spec.md §1; launchTasks only needs this much of it.
type Serializer interface {
	Serialize(v any) ([]byte, error)
}

// Clock exists purely so tests can control "now" without sleeping.
type Clock func() time.Time
