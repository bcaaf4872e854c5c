package transport

import (
	"sync"

	"github.com/gammazero/deque"
)

// Loop runs posted functions one at a time, in post order, on a single
// goroutine. Callbacks from sockets, data channels and timers are posted here
// so a transport's state is only ever touched by one handler at a time.
//
// The queue is unbounded: a handler may trigger a callback that posts again
// (closing a peer connection fires its state callback) without deadlocking.
type Loop struct {
	mu     sync.Mutex
	queue  deque.Deque[func()]
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// NewLoop creates a stopped loop. Call Run to start it.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn. It reports false, and drops fn, once the loop is stopped,
// so late events after teardown are no-ops.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue.PushBack(fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes queued functions until Stop is called. Functions still queued
// at that point are discarded.
func (l *Loop) Run() {
	for {
		select {
		case <-l.wake:
		case <-l.done:
			return
		}

		for {
			l.mu.Lock()
			if l.closed || l.queue.Len() == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue.PopFront()
			l.mu.Unlock()

			fn()
		}
	}
}

// Stop ends Run and rejects further posts. Safe to call more than once, and
// from inside a posted function.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.queue.Clear()
	close(l.done)
}

// Done is closed once Stop has been called.
func (l *Loop) Done() <-chan struct{} { return l.done }
