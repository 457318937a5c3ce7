// ABOUTME: FIFO mutation queue with a single worker goroutine per store
// ABOUTME: Destroy rejects operations that have not started yet

package versioned

import (
	"context"
	"fmt"
	"sync"
)

type op struct {
	name string
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// queue runs operations one at a time in submission order. An operation's
// failure does not affect the ones behind it.
type queue struct {
	mu        sync.Mutex
	pending   []*op
	destroyed bool

	wake chan struct{}
	stop chan struct{}
}

func newQueue() *queue {
	q := &queue{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go q.work()
	return q
}

// submit enqueues run and waits for it to finish. The operation runs to
// completion even if ctx ends first; only the wait is abandoned.
func (q *queue) submit(ctx context.Context, name string, run func(ctx context.Context) error) error {
	o := &op{
		name: name,
		ctx:  context.WithoutCancel(ctx),
		run:  run,
		done: make(chan error, 1),
	}

	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return ErrDestroyed
	}
	q.pending = append(q.pending, o)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *queue) work() {
	for {
		q.mu.Lock()
		if q.destroyed {
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.stop:
				return
			}
		}
		o := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		o.done <- runOp(o)
	}
}

func runOp(o *op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", o.name, r)
		}
	}()
	return o.run(o.ctx)
}

// destroy stops the worker after the running operation and rejects every
// queued one with ErrDestroyed. It reports how many were rejected.
func (q *queue) destroy() int {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return 0
	}
	q.destroyed = true
	rejected := q.pending
	q.pending = nil
	q.mu.Unlock()

	close(q.stop)
	for _, o := range rejected {
		o.done <- ErrDestroyed
	}
	return len(rejected)
}

func (q *queue) isDestroyed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destroyed
}
