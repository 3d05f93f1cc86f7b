package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Push on a closed queue and by Pop once a closed
// queue has been drained.
var ErrClosed = errors.New("queue closed")

// OverflowPolicy decides what Push does when a bounded queue is full.
type OverflowPolicy int

const (
	// Block makes Push wait until a consumer frees a slot.
	Block OverflowPolicy = iota
	// DropOldest discards the head of the queue to make room.
	DropOldest
)

// ParsePolicy maps a config string to an OverflowPolicy.
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "block":
		return Block, nil
	case "drop-oldest":
		return DropOldest, nil
	default:
		return Block, errors.New("unknown queue policy: " + s)
	}
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	limit  int
	policy OverflowPolicy
}

// WithLimit bounds the queue to n items. Zero or negative means unbounded.
func WithLimit(n int) Option {
	return func(o *options) { o.limit = n }
}

// WithPolicy sets the overflow policy used when a limit is configured.
func WithPolicy(p OverflowPolicy) Option {
	return func(o *options) { o.policy = p }
}

// Queue is a generic FIFO queue that is safe for concurrent use. Consumers
// block in Pop until an item arrives, the queue is closed, or their context
// ends.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	opts    options
	closed  bool
	dropped uint64

	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

// New creates and returns a new Queue instance. Without options the queue
// is unbounded.
func New[T any](opts ...Option) *Queue[T] {
	q := &Queue[T]{
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(&q.opts)
	}
	return q
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Push adds an element to the end of the queue.
func (q *Queue[T]) Push(item T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.opts.limit <= 0 || len(q.items) < q.opts.limit {
			q.items = append(q.items, item)
			q.mu.Unlock()
			signal(q.notEmpty)
			return nil
		}
		if q.opts.policy == DropOldest {
			var zero T
			q.items[0] = zero
			q.items = append(q.items[1:], item)
			q.dropped++
			q.mu.Unlock()
			signal(q.notEmpty)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.notFull:
		case <-q.done:
		}
	}
}

// Pop removes and returns the front element, waiting for one if the queue
// is empty. Items queued before Close are still returned; after that Pop
// reports ErrClosed.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, nil
		}

		q.mu.Lock()
		closed := q.closed && len(q.items) == 0
		q.mu.Unlock()
		if closed {
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-q.notEmpty:
		case <-q.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryPop removes and returns the front element without waiting.
// The boolean indicates whether an element was dequeued.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		var zero T
		return zero, false
	}
	item := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	remaining := len(q.items)
	q.mu.Unlock()

	signal(q.notFull)
	if remaining > 0 {
		signal(q.notEmpty)
	}
	return item, true
}

// Len returns the number of elements in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items the DropOldest policy has discarded.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops the queue from accepting new items and wakes every waiter.
// It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
