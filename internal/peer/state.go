package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomsync/internal/session"
)

// peerState is the lifecycle of one remote peer.
//
//	Connecting -> Open -> Synced
//
// Closed is reachable from every state and is final.
type peerState int

const (
	stateConnecting peerState = iota // negotiating, channel not open yet
	stateOpen                        // channel open, handshake in progress
	stateSynced                      // our Step1 has been answered
	stateClosed
)

func (s peerState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateSynced:
		return "synced"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// peerConn is everything we hold for one remote peer.
type peerConn struct {
	id      string
	link    link
	state   peerState
	session *session.Session

	// Remote candidates received before the remote description was applied,
	// in arrival order.
	pending   []webrtc.ICECandidateInit
	remoteSet bool
}
