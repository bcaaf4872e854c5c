package transport

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Transports wrap these with context; callers test with
// errors.Is.
var (
	// ErrSignalingFailure: a rendezvous endpoint could not be reached or
	// dropped before the room was joined. Retryable on the next candidate.
	ErrSignalingFailure = errors.New("signaling failure")

	// ErrPeerConnectionFailure: one peer's connection failed. Isolated to
	// that peer.
	ErrPeerConnectionFailure = errors.New("peer connection failure")

	// ErrAuthRejected: the relay refused our room token. Not retried.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrKeyDeliveryFailure: the relay operator did not accept the room
	// key. The relay keeps working without persistence.
	ErrKeyDeliveryFailure = errors.New("key delivery failure")

	// ErrAllEndpointsExhausted: every candidate endpoint failed.
	ErrAllEndpointsExhausted = errors.New("all endpoints exhausted")
)

// ExhaustedError reports every endpoint attempt, oldest first.
type ExhaustedError struct {
	What     string
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v after %d attempts", e.What, ErrAllEndpointsExhausted, len(e.Attempts))
	for i, a := range e.Attempts {
		fmt.Fprintf(&b, "\n  %d. %s: %v", i+1, a.URL, a.Err)
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() error { return ErrAllEndpointsExhausted }
