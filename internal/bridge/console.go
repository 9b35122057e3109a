package bridge

import "sync"

// subscriberBufferSize is the channel buffer for each console subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 256

// ConsoleEvent is one console line written by script code in a context.
type ConsoleEvent struct {
	Seq   int    `json:"seq"`
	Level string `json:"level"`
	Line  string `json:"line"`
}

// ConsoleBroker fans console output out to subscribers, one topic per
// context identifier. It is safe for concurrent use.
//
// Closed topics are kept as markers so that subscribing to a disposed
// context yields a closed channel instead of blocking forever. Identifiers
// are never reissued, so a marker cannot shadow a later context.
type ConsoleBroker struct {
	mu     sync.Mutex
	topics map[string]*consoleTopic
}

type consoleTopic struct {
	subs   map[int]chan ConsoleEvent
	nextID int
	closed bool
}

// NewConsoleBroker creates an empty broker.
func NewConsoleBroker() *ConsoleBroker {
	return &ConsoleBroker{
		topics: make(map[string]*consoleTopic),
	}
}

// Subscribe returns a channel of console events for the given context and
// an unsubscribe function. If the context has been disposed the returned
// channel is already closed.
func (b *ConsoleBroker) Subscribe(contextID string) (<-chan ConsoleEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[contextID]
	if !ok {
		t = &consoleTopic{subs: make(map[int]chan ConsoleEvent)}
		b.topics[contextID] = t
	}

	ch := make(chan ConsoleEvent, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Publish sends an event to every subscriber of the context. Events are
// dropped for subscribers whose buffers are full.
func (b *ConsoleBroker) Publish(contextID string, ev ConsoleEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[contextID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the topic for a context. Subscriber channels are closed and
// later Subscribe calls get a closed channel.
func (b *ConsoleBroker) Close(contextID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[contextID]
	if !ok {
		b.topics[contextID] = &consoleTopic{subs: make(map[int]chan ConsoleEvent), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
