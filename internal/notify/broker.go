package notify

import (
	"strings"
	"sync"

	"adwboard/internal/model"
)

type subscriber struct {
	id    int64
	runID string
	ch    chan model.LifecycleEvent
}

// Broker fans lifecycle events out to live subscribers. Publish never
// blocks: a full subscriber buffer loses its oldest event. There is no
// replay for late subscribers.
type Broker struct {
	mu          sync.RWMutex
	closed      bool
	nextID      int64
	bufferSize  int
	subscribers map[int64]subscriber
}

func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Broker{
		bufferSize:  bufferSize,
		subscribers: make(map[int64]subscriber),
	}
}

// Subscribe registers an observer. An empty runID receives every event.
func (b *Broker) Subscribe(runID string) (<-chan model.LifecycleEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.LifecycleEvent, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	sub := subscriber{
		id:    b.nextID,
		runID: strings.TrimSpace(runID),
		ch:    ch,
	}
	b.subscribers[sub.id] = sub
	return ch, func() {
		b.unsubscribe(sub.id)
	}
}

// Publish returns the number of subscribers the event was handed to.
func (b *Broker) Publish(event model.LifecycleEvent) int {
	// Delivery happens under the read lock so an unsubscribe cannot close a
	// channel mid-send; sends themselves never block.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	delivered := 0
	for _, sub := range b.subscribers {
		if sub.runID != "" && !strings.EqualFold(sub.runID, event.RunID) {
			continue
		}
		if tryPublish(sub.ch, event) {
			delivered++
		}
	}
	return delivered
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

func (b *Broker) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(sub.ch)
}

func tryPublish(ch chan model.LifecycleEvent, event model.LifecycleEvent) bool {
	select {
	case ch <- event:
		return true
	default:
		// Drop one stale event and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
			return true
		default:
			return false
		}
	}
}
