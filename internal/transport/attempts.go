package transport

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// DefaultAttemptHistory bounds AttemptLog when no capacity is given.
const DefaultAttemptHistory = 32

// Attempt is one connection attempt against an endpoint. Err is nil for a
// successful attempt.
type Attempt struct {
	URL string
	Err error
	At  time.Time
}

// AttemptLog is a bounded ring buffer of attempts. Once full, recording a new
// attempt evicts the oldest one, so transports that retry for days keep a
// constant footprint.
type AttemptLog struct {
	mu       sync.Mutex
	capacity int
	entries  deque.Deque[Attempt]
}

// NewAttemptLog creates a log holding at most capacity attempts.
func NewAttemptLog(capacity int) *AttemptLog {
	if capacity <= 0 {
		capacity = DefaultAttemptHistory
	}
	return &AttemptLog{capacity: capacity}
}

// Record appends an attempt.
func (l *AttemptLog) Record(a Attempt) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries.PushBack(a)
	for l.entries.Len() > l.capacity {
		l.entries.PopFront()
	}
}

// Snapshot returns the recorded attempts, oldest first.
func (l *AttemptLog) Snapshot() []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Attempt, l.entries.Len())
	for i := range out {
		out[i] = l.entries.At(i)
	}
	return out
}

// Len returns the number of attempts held.
func (l *AttemptLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}
