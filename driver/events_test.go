package driver

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestEventBus_PublishFanOutToSubscribers(t *testing.T) {
	bus := NewEventBus()
	a := bus.Subscribe(1)
	b := bus.Subscribe(1)

	bus.Publish(ExecutorAdded{ID: "e1"})

	ea, ok := (<-a).(ExecutorAdded)
	must.True(t, ok)
	must.Eq(t, "e1", string(ea.ID))

	eb, ok := (<-b).(ExecutorAdded)
	must.True(t, ok)
	must.Eq(t, "e1", string(eb.ID))
}

func TestEventBus_DropsOnFullChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(1)

	bus.Publish(ExecutorAdded{ID: "e1"})
	bus.Publish(ExecutorAdded{ID: "e2"})

	first := (<-ch).(ExecutorAdded)
	must.Eq(t, "e1", string(first.ID))

	select {
	case <-ch:
		t.Fatal("expected second event to be dropped, channel was full")
	default:
	}
}
