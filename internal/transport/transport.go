// Package transport defines the contract every sync transport implements,
// plus the retry and diagnostics helpers they share.
//
// A transport owns its connections exclusively and reports everything that
// happens to them through a single Events channel. Nothing a transport does
// in the background returns an error to the caller; failures surface as
// EventStatus events carrying StatusError and the cause.
package transport

import (
	"context"
	"fmt"
)

// Kind selects a transport variant.
type Kind int

const (
	KindPeer   Kind = iota // direct data channels negotiated via rendezvous signaling
	KindRelay              // one mediated socket per room
	KindBridge             // relay protocol spoken to a local host process
)

func (k Kind) String() string {
	switch k {
	case KindPeer:
		return "peer"
	case KindRelay:
		return "relay"
	case KindBridge:
		return "bridge"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Status is the lifecycle state reported to callers.
type Status int

const (
	StatusInitializing Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusError
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	case StatusDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// EventKind tags an Event.
type EventKind int

const (
	EventStatus     EventKind = iota // Status (and Err when StatusError) changed
	EventPeerJoined                  // Peer has an open link
	EventPeerLeft                    // Peer's link is gone
	EventAwareness                   // Payload is an awareness update from Peer
)

// Event is one notification on a transport's outbound stream. Peer is a
// source identifier unique across transports (see Source).
type Event struct {
	Kind      EventKind
	Transport Kind
	Status    Status
	Peer      string
	Payload   []byte
	Err       error
}

// Source builds the identifier used to attribute awareness entries and peer
// events to a link on a given transport.
func Source(kind Kind, id string) string {
	return kind.String() + ":" + id
}

// Provider is the lifecycle contract shared by every transport variant.
type Provider interface {
	// Connect starts connecting. It returns once the attempt is underway;
	// progress is reported on Events.
	Connect(ctx context.Context) error

	// Disconnect cancels pending retries and closes every connection. Late
	// events after Disconnect are ignored.
	Disconnect() error

	Status() Status

	// Peers returns a snapshot of the sources with an open link.
	Peers() []string
}

// Transport is a Provider that carries document sync and awareness.
type Transport interface {
	Provider

	Kind() Kind

	// Events is the transport's single outbound notification stream.
	Events() <-chan Event

	// BroadcastAwareness sends an encoded awareness update on every open
	// link, regardless of document sync progress.
	BroadcastAwareness(payload []byte)
}

// EventBufferSize is the capacity transports give their Events channel.
const EventBufferSize = 256
