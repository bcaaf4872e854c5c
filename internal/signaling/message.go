// Package signaling implements the rendezvous channel peers use to find each
// other in a room and exchange SDP/ICE before a direct data channel exists.
package signaling

import "encoding/json"

// MessageType identifies the kind of rendezvous message.
type MessageType string

const (
	MsgJoin       MessageType = "join"        // client -> server: enter a room
	MsgWelcome    MessageType = "welcome"     // server -> client: your peer id
	MsgJoined     MessageType = "joined"      // server -> client: peers already in the room
	MsgPeerJoined MessageType = "peer_joined" // server -> room: someone arrived
	MsgPeerLeft   MessageType = "peer_left"   // server -> room: someone left
	MsgSignal     MessageType = "signal"      // relayed negotiation payload
	MsgError      MessageType = "error"
)

// SignalType identifies the negotiation payload carried by a signal message.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// Signal is the negotiation payload forwarded between two peers.
type Signal struct {
	Type      SignalType `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

// Message is the JSON structure exchanged over the rendezvous WebSocket. Which
// fields are set depends on Type.
type Message struct {
	Type MessageType `json:"type"`

	RoomID    string          `json:"roomId,omitempty"`
	PublicKey string          `json:"publicKey,omitempty"`
	Profile   json.RawMessage `json:"profile,omitempty"`

	PeerID string   `json:"peerId,omitempty"`
	Peers  []string `json:"peers,omitempty"`

	To     string  `json:"to,omitempty"`
	From   string  `json:"from,omitempty"`
	Signal *Signal `json:"signal,omitempty"`

	Error string `json:"error,omitempty"`
}

func joinMessage(roomID, publicKey string, profile json.RawMessage) Message {
	return Message{Type: MsgJoin, RoomID: roomID, PublicKey: publicKey, Profile: profile}
}

func errorMessage(reason string) Message {
	return Message{Type: MsgError, Error: reason}
}
