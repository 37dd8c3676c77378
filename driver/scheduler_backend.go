package driver

import (
	"time"

	"github.com/jiadongy/skewtune/structs"
)

// CoarseSchedulerBackend is the stable surface the external task scheduler
// drives (spec.md §4.6). Every call that changes state either goes through
// DriverEndpoint's mailbox (Tell) or one of its synchronized allocation
// methods; DefaultParallelism, NumExistingExecutors and IsReady only read
// the endpoint's config and registry.
type CoarseSchedulerBackend struct {
	endpoint *DriverEndpoint
	retry    RetryPolicy
}

// RetryPolicy bounds the backoff schedule ask-style calls use before
// surfacing ErrSchedulerCommFailed, grounded on the teacher's
// client/rpcproxy retry-with-backoff shape.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 25 * time.Millisecond, MaxDelay: 1 * time.Second}
}

func NewCoarseSchedulerBackend(endpoint *DriverEndpoint, retry RetryPolicy) *CoarseSchedulerBackend {
	return &CoarseSchedulerBackend{endpoint: endpoint, retry: retry}
}

func (b *CoarseSchedulerBackend) Start() {
	go b.endpoint.Run()
}

func (b *CoarseSchedulerBackend) Stop() error {
	return b.ask(structs.StopDriver{})
}

func (b *CoarseSchedulerBackend) StopExecutors() error {
	return b.ask(structs.StopExecutors{})
}

// ReviveOffers sends ReviveOffers to the driver's own mailbox.
func (b *CoarseSchedulerBackend) ReviveOffers() error {
	return b.ask(structs.ReviveOffers{})
}

// KillTask enqueues a kill request on the driver's mailbox, matching
// spec.md §4.6's kill_task(id, exec, interrupt); handleKillTask resolves
// executorID to a Ref and forwards it from the single-consumer loop.
func (b *CoarseSchedulerBackend) KillTask(taskID structs.TaskID, executorID structs.ExecutorID, interrupt bool) {
	_ = b.endpoint.Tell(structs.KillTask{ExecutorID: executorID, TaskID: taskID, Interrupt: interrupt})
}

// DefaultParallelism implements spec.md §4.6: max(total_core_count, 2)
// unless the configuration overrides it.
func (b *CoarseSchedulerBackend) DefaultParallelism() int {
	if b.endpoint.cfg.DefaultParallelism > 0 {
		return b.endpoint.cfg.DefaultParallelism
	}
	n := int(b.endpoint.Registry().TotalCoreCount())
	if n < 2 {
		return 2
	}
	return n
}

func (b *CoarseSchedulerBackend) NumExistingExecutors() int {
	return b.endpoint.Registry().NumExisting()
}

func (b *CoarseSchedulerBackend) RequestExecutors(delta int) error {
	return b.endpoint.RequestExecutors(delta)
}

func (b *CoarseSchedulerBackend) RequestTotalExecutors(n int) error {
	return b.endpoint.RequestTotalExecutors(n)
}

func (b *CoarseSchedulerBackend) KillExecutors(ids []structs.ExecutorID) error {
	return b.endpoint.KillExecutors(ids)
}

func (b *CoarseSchedulerBackend) IsReady() bool {
	return b.endpoint.IsReady()
}

// RemoveExecutor is the ask-style call of spec.md §4.6: it retries with
// bounded backoff and surfaces ErrSchedulerCommFailed on exhaustion.
func (b *CoarseSchedulerBackend) RemoveExecutor(id structs.ExecutorID, reason string) error {
	return b.ask(structs.RemoveExecutor{ExecutorID: id, Reason: reason})
}

// ask retries Tell against the driver mailbox with bounded exponential
// backoff, surfacing ErrSchedulerCommFailed once the policy is exhausted.
func (b *CoarseSchedulerBackend) ask(msg structs.Message) error {
	delay := b.retry.BaseDelay
	var lastErr error
	for attempt := 0; attempt < b.retry.MaxAttempts; attempt++ {
		if err := b.endpoint.Tell(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(delay)
		delay *= 2
		if delay > b.retry.MaxDelay {
			delay = b.retry.MaxDelay
		}
	}
	return schedCommError{cause: lastErr}
}

type schedCommError struct{ cause error }

func (e schedCommError) Error() string {
	return structs.ErrSchedulerCommFailed.Error() + ": " + e.cause.Error()
}

func (e schedCommError) Unwrap() error { return structs.ErrSchedulerCommFailed }
