package protocol

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

// ErrDecode is the sentinel wrapped by every DecodeError.
var ErrDecode = errors.New("protocol: malformed message")

// DecodeError describes why a frame could not be decoded. Callers drop the
// frame and log it; it is never fatal to a connection.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "protocol: " + e.Reason }

func (e *DecodeError) Unwrap() error { return ErrDecode }

func decodeErr(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// Encode serializes a Message into a byte slice for transmission.
func Encode(m *Message) []byte {
	size := varint.UvarintSize(uint64(m.Type))
	if m.Type == TypeSync {
		size += varint.UvarintSize(uint64(m.Step))
	}
	size += varint.UvarintSize(uint64(len(m.Payload))) + len(m.Payload)

	buf := make([]byte, size)
	n := varint.PutUvarint(buf, uint64(m.Type))
	if m.Type == TypeSync {
		n += varint.PutUvarint(buf[n:], uint64(m.Step))
	}
	n += varint.PutUvarint(buf[n:], uint64(len(m.Payload)))
	copy(buf[n:], m.Payload)
	return buf
}

// Decode deserializes a byte slice into a Message. Unknown tags, truncated
// input and trailing bytes yield a *DecodeError.
func Decode(data []byte) (*Message, error) {
	outer, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, decodeErr("reading outer tag: %v", err)
	}
	data = data[n:]

	m := &Message{Type: MessageType(outer)}
	switch m.Type {
	case TypeSync:
		inner, n, err := varint.FromUvarint(data)
		if err != nil {
			return nil, decodeErr("reading sync step: %v", err)
		}
		data = data[n:]
		m.Step = SyncStep(inner)
		if m.Step > StepUpdate {
			return nil, decodeErr("unknown sync step %d", inner)
		}
	case TypeAwareness:
	default:
		return nil, decodeErr("unknown message type %d", outer)
	}

	payload, rest, err := readBytes(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, decodeErr("%d trailing bytes after %s", len(rest), m.Type)
	}
	m.Payload = payload
	return m, nil
}

// readBytes reads a varint length followed by that many bytes. The returned
// slice is a copy so callers may retain it after the frame buffer is reused.
func readBytes(data []byte) ([]byte, []byte, error) {
	length, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, nil, decodeErr("reading payload length: %v", err)
	}
	data = data[n:]
	if uint64(len(data)) < length {
		return nil, nil, decodeErr("payload truncated: have %d bytes, need %d", len(data), length)
	}
	payload := make([]byte, length)
	copy(payload, data[:length])
	return payload, data[length:], nil
}
