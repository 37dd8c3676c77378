package driver

import (
	"sync"
	"time"

	"github.com/jiadongy/skewtune/structs"
)

// ExecutorAdded and ExecutorRemoved are the observable lifecycle events of
// spec.md §6, published on EventBus.
type ExecutorAdded struct {
	Timestamp time.Time
	ID        structs.ExecutorID
	Data      ExecutorData
}

type ExecutorRemoved struct {
	Timestamp time.Time
	ID        structs.ExecutorID
	Reason    string
}

// EventBus is a small fan-out of lifecycle events to interested listeners
// (e.g. a web-UI filter, out of scope here beyond this interface), modeled
// as channel subscribers rather than a pub/sub library.
type EventBus struct {
	mu        sync.Mutex
	listeners []chan any
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a channel that receives every event published after
// this call. The channel holds up to buffer events; while it is full,
// Publish drops further events for this listener rather than blocking the
// publisher, so a slow listener misses them.
func (b *EventBus) Subscribe(buffer int) <-chan any {
	ch := make(chan any, buffer)
	b.mu.Lock()
	b.listeners = append(b.listeners, ch)
	b.mu.Unlock()
	return ch
}

func (b *EventBus) Publish(event any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.listeners {
		select {
		case ch <- event:
		default:
		}
	}
}
