package transport

import "time"

// Default retry tuning.
const (
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffMax  = 30 * time.Second
	DefaultMaxRetries  = 8
)

// Delay returns the wait before retry number n (1-based): base*2^(n-1),
// capped at max. n <= 0 yields zero.
func Delay(base, max time.Duration, n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Backoff counts consecutive failures against one endpoint.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int

	attempts int
}

// NewBackoff returns a Backoff with the default tuning.
func NewBackoff() *Backoff {
	return &Backoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax, MaxRetries: DefaultMaxRetries}
}

// Next records a failure and returns the delay before the next retry. ok is
// false once MaxRetries failures have been recorded; the caller should move
// to another endpoint (or give up) and call Reset.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	b.attempts++
	if b.MaxRetries > 0 && b.attempts > b.MaxRetries {
		return 0, false
	}
	return Delay(b.Base, b.Max, b.attempts), true
}

// Reset clears the failure count after a successful connection.
func (b *Backoff) Reset() { b.attempts = 0 }

// Attempts returns the number of consecutive failures recorded.
func (b *Backoff) Attempts() int { return b.attempts }
