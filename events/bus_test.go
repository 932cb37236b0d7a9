package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evt(typ Type, executionID string) Event {
	return Event{Type: typ, ExecutionID: executionID, Timestamp: time.Now()}
}

func TestSubscribeReceivesOwnTopicOnly(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.Subscribe("exec-1", func(e Event) { got = append(got, e) })

	bus.Publish(evt(NodeStarted, "exec-1"))
	bus.Publish(evt(NodeStarted, "exec-2"))

	require.Len(t, got, 1)
	assert.Equal(t, "exec-1", got[0].ExecutionID)
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.SubscribeAll(func(e Event) { got = append(got, e) })

	bus.Publish(evt(WorkflowStarted, "exec-1"))
	bus.Publish(evt(WorkflowStarted, "exec-2"))
	bus.Publish(Event{Type: ProcedureStarted})

	assert.Len(t, got, 3)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	var count int
	cancel := bus.Subscribe("exec-1", func(Event) { count++ })

	bus.Publish(evt(NodeStarted, "exec-1"))
	cancel()
	bus.Publish(evt(NodeStarted, "exec-1"))

	assert.Equal(t, 1, count)
}

func TestListenerPanicDoesNotAffectProducer(t *testing.T) {
	bus := NewBus()
	var reached bool
	bus.Subscribe("exec-1", func(Event) { panic("bad listener") })
	bus.Subscribe("exec-1", func(Event) { reached = true })

	require.NotPanics(t, func() { bus.Publish(evt(NodeStarted, "exec-1")) })
	assert.True(t, reached)
}

func TestTerminalEventClosesTopic(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.Subscribe("exec-1", func(e Event) { got = append(got, e) })

	bus.Publish(evt(WorkflowCompleted, "exec-1"))
	bus.Publish(evt(WorkflowResult, "exec-1"))
	bus.Publish(evt(NodeStarted, "exec-1"))

	require.Len(t, got, 2)
	assert.Equal(t, WorkflowResult, got[1].Type)

	// Late subscribers receive nothing; the bus never replays.
	var late int
	bus.Subscribe("exec-1", func(Event) { late++ })
	bus.Publish(evt(NodeStarted, "exec-1"))
	assert.Zero(t, late)
}

func TestStream(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Stream("exec-1", 8)
	defer cancel()

	bus.Publish(evt(NodeStarted, "exec-1"))
	bus.Publish(evt(WorkflowResult, "exec-1"))

	var got []Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, NodeStarted, got[0].Type)
	assert.Equal(t, WorkflowResult, got[1].Type)
}

func TestStreamDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Stream("exec-1", 1)
	defer cancel()

	bus.Publish(evt(NodeStarted, "exec-1"))
	bus.Publish(evt(NodeCompleted, "exec-1"))

	e := <-ch
	assert.Equal(t, NodeStarted, e.Type)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected buffered event %v", extra.Type)
	default:
	}
}

func TestStreamAfterTerminalIsClosed(t *testing.T) {
	bus := NewBus()
	bus.Publish(evt(WorkflowResult, "exec-1"))

	ch, cancel := bus.Stream("exec-1", 1)
	defer cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestClosedTopicMarkersBounded(t *testing.T) {
	bus := NewBus()
	total := maxClosedTopics + 10
	for i := 0; i < total; i++ {
		bus.Publish(evt(WorkflowResult, fmt.Sprintf("exec-%d", i)))
	}

	bus.mu.RLock()
	size := len(bus.closed)
	_, oldest := bus.closed["exec-0"]
	_, newest := bus.closed[fmt.Sprintf("exec-%d", total-1)]
	bus.mu.RUnlock()
	assert.Equal(t, maxClosedTopics, size)
	assert.False(t, oldest)
	assert.True(t, newest)

	// A recently terminated execution still rejects late subscribers.
	var late int
	bus.Subscribe(fmt.Sprintf("exec-%d", total-1), func(Event) { late++ })
	bus.Publish(evt(NodeStarted, fmt.Sprintf("exec-%d", total-1)))
	assert.Zero(t, late)
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	counts := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		execID := string(rune('a' + i))
		bus.Subscribe(execID, func(e Event) {
			mu.Lock()
			counts[e.ExecutionID]++
			mu.Unlock()
		})
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(evt(NodeStarted, id))
			}
		}(execID)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for id, n := range counts {
		assert.Equal(t, 100, n, id)
	}
}
