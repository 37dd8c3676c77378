package structs

import "fmt"

// TaskID uniquely identifies a task within the driver's lifetime.
type TaskID int64

// ExecutorID identifies a registered executor process.
type ExecutorID string

// TaskSetID identifies the set of parallel tasks produced from one stage.
type TaskSetID string

// BlockID identifies a shuffle block. Opaque outside the block manager.
type BlockID string

// BlockManagerID identifies the executor hosting a block.
type BlockManagerID string

func (t TaskID) String() string { return fmt.Sprintf("task-%d", int64(t)) }

func (e ExecutorID) String() string { return string(e) }
