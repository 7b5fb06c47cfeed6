package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

func NewMemoryBus[E any]() *ChannelBus[E] {
	return &ChannelBus[E]{Buffer: defaultBuffer}
}

// ChannelBus fans events out to in-memory subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type ChannelBus[E any] struct {
	// Buffer is the channel size of each new subscriber.
	Buffer int

	mu      sync.RWMutex
	next    uint64
	queues  map[uint64]*queue[E]
	dropped atomic.Int64
	closed  bool
}

var _ Bus[struct{}] = (*ChannelBus[struct{}])(nil)

func (cb *ChannelBus[E]) Subscriber(ctx context.Context) (Sub[E], error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	size := cb.Buffer
	if size <= 0 {
		size = defaultBuffer
	}
	q := queue[E]{
		ch:  make(chan E, size),
		id:  cb.next,
		bus: cb,
	}
	if cb.closed {
		close(q.ch)
		return &q, nil
	}
	cb.next++
	if cb.queues == nil {
		cb.queues = make(map[uint64]*queue[E])
	}
	cb.queues[q.id] = &q
	context.AfterFunc(ctx, func() { q.Close() })
	return &q, nil
}

func (cb *ChannelBus[E]) Pub(ctx context.Context, evt E) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	for _, q := range cb.queues {
		select {
		case q.ch <- evt:
		default:
			cb.dropped.Add(1)
		}
	}
	return nil
}

// Dropped is the number of deliveries skipped because a subscriber was full.
func (cb *ChannelBus[E]) Dropped() int64 { return cb.dropped.Load() }

// Subscribers is the number of open subscriptions.
func (cb *ChannelBus[E]) Subscribers() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return len(cb.queues)
}

// Close ends every subscription.
func (cb *ChannelBus[E]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	for id, q := range cb.queues {
		close(q.ch)
		delete(cb.queues, id)
	}
	cb.closed = true
	return nil
}

type queue[E any] struct {
	ch   chan E
	id   uint64
	bus  *ChannelBus[E]
	once sync.Once
}

func (q *queue[E]) C() <-chan E { return q.ch }

func (q *queue[E]) Close() error {
	q.once.Do(func() {
		cb := q.bus
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if _, ok := cb.queues[q.id]; ok {
			delete(cb.queues, q.id)
			close(q.ch)
		}
	})
	return nil
}
