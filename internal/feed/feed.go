// Package feed fans matched-message events out to live consumers such
// as the SSE endpoint of the operator API.
package feed

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a keyword hit prepared for display.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	GroupName string    `json:"group_name"`
	Sender    string    `json:"sender"`
	Keyword   string    `json:"matched_keyword"`
	Content   string    `json:"message_content"`
	Date      string    `json:"message_date"`
	IsImage   bool      `json:"is_image"`
	At        time.Time `json:"-"`
}

type Publisher interface {
	Publish(e Event)
}

// Nop is a Publisher that discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

// Bus is an in-memory fanout publisher.
//
// It intentionally does not own any background goroutines.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If a subscriber unsubscribes concurrently
		// and the channel closes, recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
