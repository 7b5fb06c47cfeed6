package pubsub

import (
	"context"
	"io"
	"iter"
)

// Pub is a publisher. The T type parameter is the event type.
type Pub[T any] interface {
	Pub(ctx context.Context, v T) error
}

// Sub is a subscription. The channel is closed when the subscription is
// closed or its context is done.
type Sub[T any] interface {
	io.Closer
	C() <-chan T
}

// Bus is a type that creates subscribers and publishes to all of them.
type Bus[E any] interface {
	Pub[E]
	Subscriber(ctx context.Context) (Sub[E], error)
}

// Subscribe returns the events of a new subscription as a sequence. The
// sequence ends when ctx is done or the consumer stops.
func Subscribe[E any](ctx context.Context, bus Bus[E]) (iter.Seq[E], error) {
	sub, err := bus.Subscriber(ctx)
	if err != nil {
		return nil, err
	}
	return func(yield func(E) bool) {
		defer sub.Close()
		events := sub.C()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok || !yield(e) {
					return
				}
			}
		}
	}, nil
}
