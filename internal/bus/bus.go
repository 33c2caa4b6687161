package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
	queue     *queue // nil for lossy subscriptions
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
// Lossy subscribers miss events while their buffer is full; reliable subscribers
// queue them.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.queue != nil {
			sub.queue.push(evt)
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	id := b.add(&subscription{namespace: namespace, ch: ch})
	return ch, func() { b.remove(id) }
}

// SubscribeReliable is like Subscribe but never drops: events wait in an
// unbounded FIFO until the receiver takes them. Delivery order matches
// publish order.
func (b *Bus) SubscribeReliable(namespace string) (<-chan Event, func()) {
	ch := make(chan Event)
	q := newQueue()
	go q.pump(ch)
	id := b.add(&subscription{namespace: namespace, ch: ch, queue: q})

	var once sync.Once
	return ch, func() {
		b.remove(id)
		once.Do(q.close)
	}
}

func (b *Bus) add(sub *subscription) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = sub
	return id
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

type queue struct {
	mu      sync.Mutex
	pending []Event
	notify  chan struct{}
	done    chan struct{}
}

func newQueue() *queue {
	return &queue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *queue) push(evt Event) {
	q.mu.Lock()
	q.pending = append(q.pending, evt)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) close() {
	close(q.done)
}

func (q *queue) pump(out chan<- Event) {
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, evt := range batch {
			select {
			case out <- evt:
			case <-q.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-q.notify:
		case <-q.done:
			return
		}
	}
}
