package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Next once the subscription is closed and drained.
var ErrClosed = errors.New("subscription closed")

// ring is a bounded FIFO that drops its oldest element when full. Push never
// blocks.
type ring struct {
	mu      sync.Mutex
	buf     []Update
	head    int
	size    int
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{
		buf:    make([]Update, capacity),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push enqueues u and reports whether an older update was evicted.
func (r *ring) push(u Update) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	evicted := false
	if r.size == len(r.buf) {
		r.buf[r.head] = Update{}
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		r.dropped.Add(1)
		evicted = true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = u
	r.size++
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return evicted
}

func (r *ring) pop() (Update, bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return Update{}, false, r.closed
	}
	u := r.buf[r.head]
	r.buf[r.head] = Update{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return u, true, r.closed
}

// next blocks until an update is available, the ring closes or ctx ends.
func (r *ring) next(ctx context.Context) (Update, error) {
	for {
		u, ok, closed := r.pop()
		if ok {
			return u, nil
		}
		if closed {
			return Update{}, ErrClosed
		}
		select {
		case <-r.notify:
		case <-r.done:
		case <-ctx.Done():
			return Update{}, ctx.Err()
		}
	}
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *ring) close() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	close(r.done)
	return true
}
