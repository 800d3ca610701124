package progressbus

import "sync"

// Bus is an in-process pub/sub fan-out of one session's Progress stream.
// Adapted from the teacher's EventBus: per-subscriber buffered channels
// with a drop-on-full policy, since progress is a best-effort observability
// stream, never the thing a session blocks execution on.
type Bus struct {
	mu         sync.RWMutex
	subs       []chan Progress
	bufferSize int
}

func New() *Bus {
	return &Bus{bufferSize: 256}
}

// Subscribe returns a channel that receives every Progress event published
// after this call. The caller must drain it or call Unsubscribe to release
// it, mirroring the teacher's explicit-unsubscribe discipline.
func (b *Bus) Subscribe() chan Progress {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Progress, b.bufferSize)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Unsubscribe(ch chan Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := make([]chan Progress, 0, len(b.subs))
	for _, s := range b.subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
	close(ch)
}

// Publish delivers an event to every current subscriber, never blocking on
// a slow or stalled one.
func (b *Bus) Publish(p Progress) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// Close releases every subscriber channel; used during session teardown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
