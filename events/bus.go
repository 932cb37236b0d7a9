package events

import (
	"sync"
)

type (
	// Listener receives published events. Listeners run synchronously in the
	// publisher's goroutine; panics are recovered so a misbehaving listener
	// never affects the producer.
	Listener func(Event)

	// Bus fans events out to global subscribers and per-execution topics.
	// All methods are safe for concurrent use. Listener invocation never
	// holds the bus lock.
	Bus struct {
		mu          sync.RWMutex
		nextID      int
		global      map[int]*subscription
		topics      map[string]map[int]*subscription
		closed      map[string]struct{}
		closedOrder []string
	}

	subscription struct {
		fn Listener
		ch chan Event
	}
)

// maxClosedTopics caps the closed-topic markers kept so late subscribers to a
// terminated execution receive nothing. Markers beyond the cap age out oldest
// first; a subscriber to an aged-out execution registers a live listener that
// never fires, since terminated executions publish no further events.
const maxClosedTopics = 1024

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{
		global: make(map[int]*subscription),
		topics: make(map[string]map[int]*subscription),
		closed: make(map[string]struct{}),
	}
}

// Publish delivers the event to every global subscriber and to the event's
// per-execution topic. Delivery is best-effort fire-and-forget: listener
// panics are swallowed and slow stream consumers drop events rather than
// block the producer. Publishing a terminal event closes the topic.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.global)+4)
	for _, s := range b.global {
		subs = append(subs, s)
	}
	var topic map[int]*subscription
	if evt.ExecutionID != "" {
		topic = b.topics[evt.ExecutionID]
	}
	for _, s := range topic {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.deliver(evt)
	}

	if evt.ExecutionID != "" && evt.Type.Terminal() {
		b.closeTopic(evt.ExecutionID)
	}
}

// Subscribe registers a listener for a single execution's events and returns
// an unsubscribe function. Subscribing after the execution terminated yields
// a listener that receives nothing.
func (b *Bus) Subscribe(executionID string, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, done := b.closed[executionID]; done {
		return func() {}
	}
	id := b.nextID
	b.nextID++
	topic, ok := b.topics[executionID]
	if !ok {
		topic = make(map[int]*subscription)
		b.topics[executionID] = topic
	}
	topic[id] = &subscription{fn: fn}
	return func() { b.unsubscribe(executionID, id) }
}

// SubscribeAll registers a listener for every event from every execution and
// returns an unsubscribe function.
func (b *Bus) SubscribeAll(fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.global[id] = &subscription{fn: fn}
	return func() {
		b.mu.Lock()
		delete(b.global, id)
		b.mu.Unlock()
	}
}

// Stream returns a buffered channel of the execution's events together with
// a cancel function. The channel is closed when the execution publishes its
// terminal event or when cancel is called. When the buffer is full further
// events are dropped (best-effort delivery). Streaming an already terminated
// execution returns a closed channel.
func (b *Bus) Stream(executionID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if _, done := b.closed[executionID]; done {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	topic, ok := b.topics[executionID]
	if !ok {
		topic = make(map[int]*subscription)
		b.topics[executionID] = topic
	}
	topic[id] = &subscription{ch: ch}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.unsubscribe(executionID, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (b *Bus) unsubscribe(executionID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	topic, ok := b.topics[executionID]
	if !ok {
		return
	}
	delete(topic, id)
	if len(topic) == 0 {
		delete(b.topics, executionID)
	}
}

// closeTopic drops every listener for the execution and closes stream
// channels. Later subscribers receive nothing.
func (b *Bus) closeTopic(executionID string) {
	b.mu.Lock()
	topic := b.topics[executionID]
	delete(b.topics, executionID)
	if _, seen := b.closed[executionID]; !seen {
		b.closed[executionID] = struct{}{}
		b.closedOrder = append(b.closedOrder, executionID)
		for len(b.closedOrder) > maxClosedTopics {
			delete(b.closed, b.closedOrder[0])
			b.closedOrder = b.closedOrder[1:]
		}
	}
	b.mu.Unlock()
	for _, s := range topic {
		if s.ch != nil {
			close(s.ch)
		}
	}
}

func (s *subscription) deliver(evt Event) {
	if s.ch != nil {
		select {
		case s.ch <- evt:
		default:
		}
		return
	}
	defer func() { _ = recover() }()
	s.fn(evt)
}
