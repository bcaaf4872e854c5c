// Package protocol defines the binary sync message format shared by every
// transport (peer data channels, relay sockets and the host bridge).
//
// A message is an outer varint tag followed by its payload:
//
//	0 Sync       inner varint tag + length-prefixed bytes
//	1 Awareness  length-prefixed bytes
//
// Inner tags under Sync are 0 Step1 (state vector), 1 Step2 (diff) and
// 2 Update (diff). Tags and lengths are unsigned LEB128 varints.
package protocol

import "fmt"

// MessageType is the outer tag.
type MessageType uint64

const (
	TypeSync      MessageType = 0
	TypeAwareness MessageType = 1
)

func (t MessageType) String() string {
	switch t {
	case TypeSync:
		return "sync"
	case TypeAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("type(%d)", uint64(t))
	}
}

// SyncStep is the inner tag, only meaningful when Type is TypeSync.
type SyncStep uint64

const (
	StepOne    SyncStep = 0 // payload is a state vector
	StepTwo    SyncStep = 1 // payload is a diff answering a StepOne
	StepUpdate SyncStep = 2 // payload is an incremental diff
)

func (s SyncStep) String() string {
	switch s {
	case StepOne:
		return "step1"
	case StepTwo:
		return "step2"
	case StepUpdate:
		return "update"
	default:
		return fmt.Sprintf("step(%d)", uint64(s))
	}
}

// Message is one decoded wire message. Step is ignored for awareness
// messages.
type Message struct {
	Type    MessageType
	Step    SyncStep
	Payload []byte
}

// SyncStep1 builds a Sync(Step1) message carrying the local state vector.
func SyncStep1(stateVector []byte) *Message {
	return &Message{Type: TypeSync, Step: StepOne, Payload: stateVector}
}

// SyncStep2 builds a Sync(Step2) message carrying a diff.
func SyncStep2(diff []byte) *Message {
	return &Message{Type: TypeSync, Step: StepTwo, Payload: diff}
}

// SyncUpdate builds a Sync(Update) message carrying an incremental diff.
func SyncUpdate(diff []byte) *Message {
	return &Message{Type: TypeSync, Step: StepUpdate, Payload: diff}
}

// Awareness builds an Awareness message around an opaque presence payload.
func Awareness(payload []byte) *Message {
	return &Message{Type: TypeAwareness, Payload: payload}
}

func (m *Message) String() string {
	if m.Type == TypeSync {
		return fmt.Sprintf("sync/%s(%d bytes)", m.Step, len(m.Payload))
	}
	return fmt.Sprintf("%s(%d bytes)", m.Type, len(m.Payload))
}
