package peer

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomsync/internal/util"
)

// link is one negotiated connection to a remote peer: the SDP/ICE surface of
// a PeerConnection plus a frame queue on its data channel. The Transport only
// talks to links through this interface.
type link interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// Send queues a frame without blocking. Frames sent before the channel
	// opens wait for it; a full queue returns errQueueFull.
	Send(frame []byte) error
	Close() error
}

// linkEvents are the callbacks a link reports into. They may be invoked from
// any goroutine.
type linkEvents struct {
	OnOpen      func()
	OnClose     func()
	OnMessage   func(frame []byte)
	OnCandidate func(candidate webrtc.ICECandidateInit)
	OnState     func(state webrtc.PeerConnectionState)
}

// linkFactory builds a link to peerID that reports into ev. The link's
// writer stops when ctx is done.
type linkFactory func(ctx context.Context, peerID string, ev linkEvents) (link, error)

// pionLink wraps a single PeerConnection + DataChannel pair.
//
// Its lifecycle is governed by the DataChannel state and by Close. The
// PeerConnection state is forwarded to OnState so the owner can tear the
// link down on failure.
type pionLink struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	queue      *frameQueue
	openSignal chan struct{}

	cancel context.CancelFunc
}

// pionFactory returns a linkFactory that builds real pion links.
func pionFactory(iceServers []string) linkFactory {
	return func(ctx context.Context, _ string, ev linkEvents) (link, error) {
		return newPionLink(ctx, iceServers, ev)
	}
}

// defaultSTUNServers are used when no ICE servers are configured. There is
// no TURN: when direct connectivity fails the relay transport takes over.
var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// syncChannel is pre-negotiated with id 0 on both sides, so neither side
// waits for OnDataChannel. It is unordered: document merges and the
// awareness LWW rule both tolerate reordering and duplicates.
func syncChannel() *webrtc.DataChannelInit {
	ordered, negotiated, id := false, true, uint16(0)
	return &webrtc.DataChannelInit{Ordered: &ordered, Negotiated: &negotiated, ID: &id}
}

// newPionLink creates a link backed by a new PeerConnection and its sync
// channel.
func newPionLink(parent context.Context, iceServers []string, ev linkEvents) (*pionLink, error) {
	if len(iceServers) == 0 {
		iceServers = defaultSTUNServers
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, err
	}

	dc, err := pc.CreateDataChannel("sync", syncChannel())
	if err != nil {
		pc.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)

	l := &pionLink{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		cancel:     cancel,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(l.openSignal) })
		ev.OnOpen()
	})

	// DC close -> cancel link context.
	dc.OnClose(func() {
		util.LogDebug("data channel closed")
		cancel()
		ev.OnClose()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		ev.OnMessage(append([]byte(nil), msg.Data...))
	})

	// Trickle ICE. A nil candidate signals the end of gathering.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			ev.OnCandidate(c.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("peer connection state: %s", state.String())
		ev.OnState(state)
	})

	l.queue = newFrameQueue(ctx, dc, l.openSignal)

	return l, nil
}

// CreateOffer generates an SDP offer.
func (l *pionLink) CreateOffer() (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (l *pionLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (l *pionLink) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (l *pionLink) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(sdp)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (l *pionLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(candidate)
}

// Send queues a frame for the data channel writer.
func (l *pionLink) Send(frame []byte) error {
	return l.queue.enqueue(frame)
}

// Close shuts down the DataChannel and PeerConnection.
func (l *pionLink) Close() error {
	l.cancel()
	return errors.Join(l.dc.Close(), l.pc.Close())
}
