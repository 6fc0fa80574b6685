package generation

import (
	"sync"
	"time"
)

// subscriber queues events for one consumer and drains them into ch from its
// own goroutine, so a slow consumer delays only itself. Output chunks are
// held up to maxPending bytes; beyond that they are discarded and counted,
// and an OutputDropped event takes their place before the next accepted
// event. Lifecycle events are always queued.
type subscriber struct {
	ch   chan OutputEvent
	wake chan struct{}
	stop chan struct{}

	mu             sync.Mutex
	queue          []OutputEvent
	pending        int
	maxPending     int
	dropped        int
	droppedSession string
}

func newSubscriber(buffer, maxPending int) *subscriber {
	s := &subscriber{
		ch:         make(chan OutputEvent, buffer),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		maxPending: maxPending,
	}
	go s.pump()
	return s
}

func isOutput(t OutputEventType) bool {
	return t == OutputStdout || t == OutputStderr
}

func (s *subscriber) push(event OutputEvent) {
	s.mu.Lock()
	if isOutput(event.Type) {
		n := len(event.Data)
		if s.pending > 0 && s.pending+n > s.maxPending {
			s.dropped += n
			s.droppedSession = event.SessionID
			s.mu.Unlock()
			return
		}
		s.pending += n
	}
	if s.dropped > 0 {
		s.queue = append(s.queue, OutputEvent{
			SessionID:    s.droppedSession,
			Type:         OutputDropped,
			DroppedBytes: s.dropped,
			Timestamp:    time.Now().UTC(),
		})
		s.dropped = 0
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close stops the pump; ch is closed once it has returned.
func (s *subscriber) close() {
	close(s.stop)
}

func (s *subscriber) pump() {
	defer close(s.ch)

	for {
		select {
		case <-s.wake:
		case <-s.stop:
			return
		}

		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}

			for _, event := range batch {
				select {
				case s.ch <- event:
				case <-s.stop:
					return
				}
				if isOutput(event.Type) {
					s.mu.Lock()
					s.pending -= len(event.Data)
					s.mu.Unlock()
				}
			}
		}
	}
}
