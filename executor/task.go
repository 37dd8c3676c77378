package executor

import "github.com/jiadongy/skewtune/structs"

// TaskDescription is what LaunchTask is deserialized into before being
// handed to the task executor (spec.md §4.4: "hand off ... with (task_id,
// attempt_number, name, serialized_task_bytes)").
type TaskDescription struct {
	TaskID         structs.TaskID
	AttemptNumber  int
	Name           string
	SerializedTask []byte
}

// TaskExecutor is the out-of-scope collaborator spec.md §1 names beyond
// its wire contract: whatever actually runs a task's user code. Backend
// only needs enough of it to launch and kill.
type TaskExecutor interface {
	RunTask(desc TaskDescription, fetches *FetchIterator) error
	KillTask(taskID structs.TaskID, interrupt bool) error
}
