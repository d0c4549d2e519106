package events

import "sync"

// Bus is a channel-based pub-sub event bus. Publishing never blocks: a
// subscriber that falls behind loses events, which matches the core's
// fire-and-forget delivery contract.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event
	allSubs []chan Event
	closed  bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe creates a subscription to a single topic. bufSize defaults to 256
// when non-positive.
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll creates a subscription receiving events from every topic.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Publish sends the event to all matching subscribers, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[e.Topic] {
		select {
		case ch <- e:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}
