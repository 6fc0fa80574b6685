package generation

import "sync"

// replayBuffer holds the current session's events for subscribers that
// attach mid-run. The started event is pinned; everything after it rotates
// through a fixed ring, oldest first out.
type replayBuffer struct {
	mu      sync.Mutex
	started *OutputEvent
	ring    []OutputEvent
	next    int
	count   int
}

func newReplayBuffer(capacity int) *replayBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &replayBuffer{ring: make([]OutputEvent, capacity)}
}

func (b *replayBuffer) add(event OutputEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if event.Type == OutputStarted {
		ev := event
		b.started = &ev
		return
	}
	b.ring[b.next] = event
	b.next = (b.next + 1) % len(b.ring)
	if b.count < len(b.ring) {
		b.count++
	}
}

func (b *replayBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.started = nil
	clear(b.ring)
	b.next = 0
	b.count = 0
}

// snapshot returns the buffered events in the order they were added.
func (b *replayBuffer) snapshot() []OutputEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]OutputEvent, 0, b.count+1)
	if b.started != nil {
		out = append(out, *b.started)
	}
	first := (b.next - b.count + len(b.ring)) % len(b.ring)
	for i := 0; i < b.count; i++ {
		out = append(out, b.ring[(first+i)%len(b.ring)])
	}
	return out
}
