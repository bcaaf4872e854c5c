// Package session runs the document sync handshake over one link. A link is
// a single peer data channel or a single relay socket; both speak the same
// Step1/Step2/Update exchange.
package session

import (
	"fmt"
	"sync"

	"github.com/1ureka/roomsync/internal/crdt"
	"github.com/1ureka/roomsync/internal/protocol"
)

// SendFunc writes an encoded frame to the link.
type SendFunc func(frame []byte) error

// Session tracks the sync state of one link. It is safe for concurrent use.
type Session struct {
	doc    crdt.Document
	origin any
	send   SendFunc

	mu     sync.Mutex
	synced bool
}

// New creates a session. origin is attached to every diff applied from the
// link so the transport can recognize its own changes on the document's
// notification stream.
func New(doc crdt.Document, origin any, send SendFunc) *Session {
	return &Session{doc: doc, origin: origin, send: send}
}

// Start sends our state vector (Step1). Called when the link opens.
func (s *Session) Start() error {
	return s.send(protocol.Encode(protocol.SyncStep1(s.doc.StateVector())))
}

// Synced reports whether our Step1 has been answered.
func (s *Session) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// Reset marks the link unsynced, for example after a reconnect.
func (s *Session) Reset() {
	s.mu.Lock()
	s.synced = false
	s.mu.Unlock()
}

// Handle processes one Sync message from the link.
//
// A Step1 is answered with a Step2 and, while the link is not yet synced,
// with our own Step1. Once synced we never send a fresh Step1 in response,
// otherwise two peers answering each other's Step2 would loop forever.
func (s *Session) Handle(m *protocol.Message) error {
	if m.Type != protocol.TypeSync {
		return fmt.Errorf("session: unexpected %s message", m.Type)
	}

	switch m.Step {
	case protocol.StepOne:
		diff, err := s.doc.Diff(m.Payload)
		if err != nil {
			return fmt.Errorf("session: computing diff: %w", err)
		}
		if err := s.send(protocol.Encode(protocol.SyncStep2(diff))); err != nil {
			return err
		}
		if !s.Synced() {
			return s.Start()
		}
		return nil

	case protocol.StepTwo:
		if err := s.doc.Apply(m.Payload, s.origin); err != nil {
			return fmt.Errorf("session: applying step2: %w", err)
		}
		s.mu.Lock()
		s.synced = true
		s.mu.Unlock()
		return nil

	case protocol.StepUpdate:
		if err := s.doc.Apply(m.Payload, s.origin); err != nil {
			return fmt.Errorf("session: applying update: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("session: unknown sync step %d", m.Step)
	}
}
