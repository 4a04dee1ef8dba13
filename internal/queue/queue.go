// Package queue implements the bounded async FIFO work queue (spec.md §2,
// C3) used for RX dispatch and event-notification delivery: producers push
// from any goroutine, one consumer goroutine drains items into a
// user-supplied handler.
package queue

import (
	"context"
	"log/slog"
	"sync"
)

// entry is either a real item or a flush barrier; keeping both on the same
// channel preserves FIFO order between pushed work and Flush calls.
type entry[T any] struct {
	item    T
	barrier chan struct{}
}

// Queue is a bounded FIFO delivering items to a single handler goroutine.
type Queue[T any] struct {
	log     *slog.Logger
	items   chan entry[T]
	handler func(T)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Queue with the given capacity and starts its consumer
// goroutine, which calls handler for every pushed item in FIFO order.
func New[T any](capacity int, log *slog.Logger, handler func(T)) *Queue[T] {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue[T]{
		log:     log.With("component", "queue"),
		items:   make(chan entry[T], capacity),
		handler: handler,
		stopCh:  make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Push enqueues an item, blocking if the queue is full. It returns false if
// the queue has been stopped or ctx is canceled before the item is
// accepted.
func (q *Queue[T]) Push(ctx context.Context, item T) bool {
	select {
	case q.items <- entry[T]{item: item}:
		return true
	case <-q.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// TryPush enqueues an item without blocking, returning false if the queue
// is full or stopped.
func (q *Queue[T]) TryPush(item T) bool {
	select {
	case <-q.stopCh:
		return false
	default:
	}
	select {
	case q.items <- entry[T]{item: item}:
		return true
	default:
		return false
	}
}

func (q *Queue[T]) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		default:
		}
		select {
		case e := <-q.items:
			if e.barrier != nil {
				close(e.barrier)
				continue
			}
			q.invoke(e.item)
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue[T]) invoke(item T) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("queue handler panicked", "recovered", r)
		}
	}()
	q.handler(item)
}

// Flush blocks until every item pushed before this call has been handled.
// It does so by enqueuing a barrier behind them and waiting for the
// consumer to reach it, rather than polling queue length.
func (q *Queue[T]) Flush() {
	barrier := make(chan struct{})
	select {
	case q.items <- entry[T]{barrier: barrier}:
	case <-q.stopCh:
		return
	}
	select {
	case <-barrier:
	case <-q.stopCh:
	}
}

// Len reports the number of items currently buffered.
func (q *Queue[T]) Len() int { return len(q.items) }

// Stop halts the consumer goroutine. Items still buffered are dropped.
// Stop is idempotent and blocks until the consumer goroutine exits.
func (q *Queue[T]) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}
