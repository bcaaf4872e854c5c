// Package peer implements the direct peer-to-peer transport: peers meet on a
// rendezvous server, negotiate WebRTC data channels, and run the document
// sync handshake over each channel.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomsync/internal/crdt"
	"github.com/1ureka/roomsync/internal/protocol"
	"github.com/1ureka/roomsync/internal/session"
	"github.com/1ureka/roomsync/internal/signaling"
	"github.com/1ureka/roomsync/internal/transport"
	"github.com/1ureka/roomsync/internal/util"
)

// Config describes the room and how to reach it.
type Config struct {
	RoomID    string
	PublicKey string
	Profile   json.RawMessage

	// Signaling candidates: Invite first, then Cache, then Fallback.
	Invite   []string
	Cache    *signaling.Cache
	Fallback string

	ICEServers []string

	// Backoff paces signaling reconnects after the session drops.
	Backoff *transport.Backoff
	Clock   clock.Clock
	History *transport.AttemptLog
}

// signalConn is a joined rendezvous session.
type signalConn interface {
	SendSignal(peer string, sig signaling.Signal) error
	Inbound() <-chan signaling.Message
	Err() error
	Close() error
}

// joinFunc joins the room and reports our id and the peers already present.
type joinFunc func(ctx context.Context) (conn signalConn, self string, peers []string, err error)

// Transport is the peer transport. All state below the mutex-guarded fields
// is owned by loop.
type Transport struct {
	cfg     Config
	doc     crdt.Document
	join    joinFunc
	newLink linkFactory
	clock   clock.Clock
	backoff *transport.Backoff

	loop   *transport.Loop
	events chan transport.Event

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	// loop-owned
	conn signalConn
	self string

	mu      sync.Mutex
	status  transport.Status
	peers   map[string]*peerConn
	started bool
	stopped bool
}

// New creates a peer transport syncing doc in the configured room.
func New(doc crdt.Document, cfg Config) *Transport {
	client := signaling.NewClient(signaling.ClientConfig{
		RoomID:    cfg.RoomID,
		PublicKey: cfg.PublicKey,
		Profile:   cfg.Profile,
		Invite:    cfg.Invite,
		Cache:     cfg.Cache,
		Fallback:  cfg.Fallback,
		History:   cfg.History,
	})

	t := newTransport(doc, cfg, pionFactory(cfg.ICEServers))
	t.join = func(ctx context.Context) (signalConn, string, []string, error) {
		conn, err := client.Join(ctx)
		if err != nil {
			return nil, "", nil, err
		}
		return conn, conn.PeerID, conn.Peers, nil
	}
	return t
}

func newTransport(doc crdt.Document, cfg Config, newLink linkFactory) *Transport {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = transport.NewBackoff()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:     cfg,
		doc:     doc,
		newLink: newLink,
		clock:   cfg.Clock,
		backoff: cfg.Backoff,
		loop:    transport.NewLoop(),
		events:  make(chan transport.Event, transport.EventBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[string]*peerConn),
		status:  transport.StatusInitializing,
	}
}

// Kind implements transport.Transport.
func (t *Transport) Kind() transport.Kind { return transport.KindPeer }

// Events implements transport.Transport.
func (t *Transport) Events() <-chan transport.Event { return t.events }

// Status implements transport.Provider.
func (t *Transport) Status() transport.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Peers returns the sources of peers whose data channel is open.
func (t *Transport) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.peers))
	for id, p := range t.peers {
		if p.state == stateOpen || p.state == stateSynced {
			out = append(out, transport.Source(transport.KindPeer, id))
		}
	}
	sort.Strings(out)
	return out
}

// Connect joins the room in the background. Cancelling ctx disconnects the
// transport.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return fmt.Errorf("peer: transport already disconnected")
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	context.AfterFunc(ctx, func() { t.Disconnect() })

	updates, unsubscribe := t.doc.Subscribe()
	t.unsubscribe = unsubscribe

	go t.loop.Run()
	go t.forwardUpdates(updates)

	t.loop.Post(func() { t.setStatus(transport.StatusConnecting, nil) })
	go t.runSignaling()
	return nil
}

// Disconnect closes every peer link and the signaling session. Safe to call
// more than once.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	started := t.started
	t.mu.Unlock()

	t.cancel()

	done := make(chan struct{})
	if started && t.loop.Post(func() { t.teardown(); close(done) }) {
		<-done
	} else {
		t.teardown()
	}
	t.loop.Stop()

	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	return nil
}

// BroadcastAwareness sends payload on every open data channel.
func (t *Transport) BroadcastAwareness(payload []byte) {
	frame := protocol.Encode(protocol.Awareness(payload))
	t.loop.Post(func() { t.broadcastAwareness(frame) })
}

func (t *Transport) broadcastAwareness(frame []byte) {
	for _, p := range t.snapshot() {
		if s := t.peerState(p); s == stateOpen || s == stateSynced {
			t.sendTo(p, frame)
		}
	}
}

// sendTo queues frame for p. A peer whose queue is full is torn down so it
// cannot hold up the loop or the other peers; it rejoins through signaling.
func (t *Transport) sendTo(p *peerConn, frame []byte) error {
	err := p.link.Send(frame)
	if err != nil && t.peer(p.id) == p {
		t.failPeer(p, err)
	}
	return err
}

// forwardUpdates moves document notifications onto the loop.
func (t *Transport) forwardUpdates(updates <-chan crdt.Update) {
	for {
		select {
		case u := <-updates:
			t.loop.Post(func() { t.handleDocUpdate(u) })
		case <-t.ctx.Done():
			return
		}
	}
}

// runSignaling keeps a rendezvous session alive. The first join walks the
// whole candidate chain once; exhausting it is fatal. After a session that
// was joined drops, joining is retried with backoff.
func (t *Transport) runSignaling() {
	first := true
	for {
		conn, self, peers, err := t.join(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			if first || !t.wait(err) {
				t.loop.Post(func() { t.setStatus(transport.StatusError, err) })
				return
			}
			continue
		}
		first = false
		t.backoff.Reset()

		if !t.loop.Post(func() { t.handleJoined(conn, self, peers) }) {
			conn.Close()
			return
		}
		for msg := range conn.Inbound() {
			t.loop.Post(func() { t.handleSignalMessage(conn, msg) })
		}
		if t.ctx.Err() != nil {
			return
		}

		lost := conn.Err()
		util.LogWarning("peer: signaling session lost: %v", lost)
		t.loop.Post(func() { t.handleSignalingLost(conn) })
		if !t.wait(lost) {
			t.loop.Post(func() { t.setStatus(transport.StatusError, lost) })
			return
		}
	}
}

// wait sleeps for the next backoff delay. It reports false when retries are
// exhausted or the transport is shutting down.
func (t *Transport) wait(cause error) bool {
	delay, ok := t.backoff.Next()
	if !ok {
		return false
	}
	util.LogInfo("peer: rejoining signaling in %s (attempt %d): %v", delay, t.backoff.Attempts(), cause)
	select {
	case <-t.clock.After(delay):
		return true
	case <-t.ctx.Done():
		return false
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Loop handlers
// ──────────────────────────────────────────────────────────────────────────────

// handleJoined adopts a new rendezvous session. As the newcomer we offer to
// every peer already in the room. A peer we still hold a link to from an
// earlier session is renegotiated from scratch.
func (t *Transport) handleJoined(conn signalConn, self string, peers []string) {
	if t.isStopped() {
		conn.Close()
		return
	}
	t.conn = conn
	t.self = self
	util.LogInfo("peer: joined room %s as %s, %d peer(s) present", t.cfg.RoomID, self, len(peers))

	for _, id := range peers {
		if id == self {
			continue
		}
		if old := t.peer(id); old != nil {
			t.removePeer(old)
		}
		t.offer(id)
	}
	t.updateStatus()
}

func (t *Transport) handleSignalingLost(conn signalConn) {
	if t.conn == conn {
		t.conn = nil
	}
	t.updateStatus()
}

func (t *Transport) handleSignalMessage(conn signalConn, msg signaling.Message) {
	if t.conn != conn {
		return
	}
	switch msg.Type {
	case signaling.MsgPeerJoined:
		util.LogDebug("peer: %s joined the room", msg.PeerID)
	case signaling.MsgPeerLeft:
		if p := t.peer(msg.PeerID); p != nil {
			t.removePeer(p)
		}
	case signaling.MsgSignal:
		t.handleSignal(msg.From, msg.Signal)
	case signaling.MsgError:
		util.LogWarning("peer: rendezvous error: %s", msg.Error)
	}
}

// handleSignal applies one negotiation message from peer from.
func (t *Transport) handleSignal(from string, sig *signaling.Signal) {
	if from == "" || sig == nil {
		return
	}

	switch sig.Type {
	case signaling.SignalOffer:
		p := t.peer(from)
		if p != nil && p.remoteSet {
			// The remote side restarted negotiation.
			t.removePeer(p)
			p = nil
		}
		if p == nil {
			var err error
			if p, err = t.addPeer(from); err != nil {
				util.LogWarning("peer: %v", err)
				return
			}
		}
		if err := p.link.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: sig.SDP,
		}); err != nil {
			t.failPeer(p, fmt.Errorf("SetRemoteDescription: %w", err))
			return
		}
		t.remoteApplied(p)

		answer, err := p.link.CreateAnswer()
		if err != nil {
			t.failPeer(p, fmt.Errorf("CreateAnswer: %w", err))
			return
		}
		if err := p.link.SetLocalDescription(answer); err != nil {
			t.failPeer(p, fmt.Errorf("SetLocalDescription: %w", err))
			return
		}
		t.sendSignal(from, signaling.Signal{Type: signaling.SignalAnswer, SDP: answer.SDP})

	case signaling.SignalAnswer:
		p := t.peer(from)
		if p == nil || p.remoteSet {
			util.LogDebug("peer: ignoring stale answer from %s", from)
			return
		}
		if err := p.link.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: sig.SDP,
		}); err != nil {
			t.failPeer(p, fmt.Errorf("SetRemoteDescription: %w", err))
			return
		}
		t.remoteApplied(p)

	case signaling.SignalCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(sig.Candidate), &init); err != nil {
			util.LogWarning("peer: dropping unparsable ICE candidate from %s: %v", from, err)
			return
		}
		p := t.peer(from)
		if p == nil {
			var err error
			if p, err = t.addPeer(from); err != nil {
				util.LogWarning("peer: %v", err)
				return
			}
		}
		if !p.remoteSet {
			p.pending = append(p.pending, init)
			return
		}
		if err := p.link.AddICECandidate(init); err != nil {
			util.LogWarning("peer: AddICECandidate for %s: %v", from, err)
		}

	default:
		util.LogWarning("peer: unknown signal type %q from %s", sig.Type, from)
	}
}

// remoteApplied flushes candidates that arrived before the remote
// description, in arrival order.
func (t *Transport) remoteApplied(p *peerConn) {
	p.remoteSet = true
	for _, c := range p.pending {
		if err := p.link.AddICECandidate(c); err != nil {
			util.LogWarning("peer: AddICECandidate for %s: %v", p.id, err)
		}
	}
	p.pending = nil
}

// offer starts negotiation with id.
func (t *Transport) offer(id string) {
	p, err := t.addPeer(id)
	if err != nil {
		util.LogWarning("peer: %v", err)
		return
	}
	offer, err := p.link.CreateOffer()
	if err != nil {
		t.failPeer(p, fmt.Errorf("CreateOffer: %w", err))
		return
	}
	if err := p.link.SetLocalDescription(offer); err != nil {
		t.failPeer(p, fmt.Errorf("SetLocalDescription: %w", err))
		return
	}
	t.sendSignal(id, signaling.Signal{Type: signaling.SignalOffer, SDP: offer.SDP})
}

func (t *Transport) handleLocalCandidate(p *peerConn, c webrtc.ICECandidateInit) {
	if t.peer(p.id) != p {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	t.sendSignal(p.id, signaling.Signal{Type: signaling.SignalCandidate, Candidate: string(data)})
}

func (t *Transport) sendSignal(to string, sig signaling.Signal) {
	if t.conn == nil {
		util.LogDebug("peer: no signaling session, dropping %s for %s", sig.Type, to)
		return
	}
	if err := t.conn.SendSignal(to, sig); err != nil {
		util.LogWarning("peer: sending %s to %s: %v", sig.Type, to, err)
	}
}

// handleChannelOpen starts the sync handshake on a newly opened channel.
func (t *Transport) handleChannelOpen(p *peerConn) {
	if t.peer(p.id) != p || p.state != stateConnecting {
		return
	}
	t.setPeerState(p, stateOpen)
	util.Stats.AddLink()
	util.LogInfo("peer: data channel to %s open", p.id)

	t.emit(transport.Event{
		Kind:      transport.EventPeerJoined,
		Transport: transport.KindPeer,
		Peer:      transport.Source(transport.KindPeer, p.id),
	})
	t.updateStatus()

	if err := p.session.Start(); err != nil {
		util.LogWarning("peer: sending step1 to %s: %v", p.id, err)
	}
}

// handleChannelMessage decodes one frame. Malformed frames are dropped.
func (t *Transport) handleChannelMessage(p *peerConn, frame []byte) {
	if t.peer(p.id) != p || (p.state != stateOpen && p.state != stateSynced) {
		return
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		util.Stats.AddDropped()
		util.LogWarning("peer: dropping frame from %s: %v", p.id, err)
		return
	}

	switch msg.Type {
	case protocol.TypeSync:
		if err := p.session.Handle(msg); err != nil {
			util.LogWarning("peer: sync with %s: %v", p.id, err)
			return
		}
		if p.state == stateOpen && p.session.Synced() {
			t.setPeerState(p, stateSynced)
			util.LogDebug("peer: synced with %s", p.id)
		}
	case protocol.TypeAwareness:
		t.emit(transport.Event{
			Kind:      transport.EventAwareness,
			Transport: transport.KindPeer,
			Peer:      transport.Source(transport.KindPeer, p.id),
			Payload:   msg.Payload,
		})
	}
}

// handleStateChange tears a peer down when its connection fails.
func (t *Transport) handleStateChange(p *peerConn, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateClosed:
		if t.peer(p.id) == p {
			t.failPeer(p, fmt.Errorf("connection %s", state))
		}
	}
}

// handleDocUpdate forwards a document change to every synced peer, unless
// the change came from one of our own peers.
func (t *Transport) handleDocUpdate(u crdt.Update) {
	if u.Origin == t {
		return
	}
	frame := protocol.Encode(protocol.SyncUpdate(u.Data))
	for _, p := range t.snapshot() {
		if p.state == stateSynced {
			t.sendTo(p, frame)
		}
	}
}

// teardown closes everything. Runs on the loop during Disconnect.
func (t *Transport) teardown() {
	for _, p := range t.snapshot() {
		t.removePeer(p)
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.setStatus(transport.StatusDisconnected, nil)
}

// ──────────────────────────────────────────────────────────────────────────────
// Peer bookkeeping
// ──────────────────────────────────────────────────────────────────────────────

func (t *Transport) addPeer(id string) (*peerConn, error) {
	p := &peerConn{id: id, state: stateConnecting}

	post := func(fn func()) { t.loop.Post(fn) }
	l, err := t.newLink(t.ctx, id, linkEvents{
		OnOpen:      func() { post(func() { t.handleChannelOpen(p) }) },
		OnClose:     func() { post(func() { t.handleChannelClosed(p) }) },
		OnMessage:   func(frame []byte) { post(func() { t.handleChannelMessage(p, frame) }) },
		OnCandidate: func(c webrtc.ICECandidateInit) { post(func() { t.handleLocalCandidate(p, c) }) },
		OnState:     func(s webrtc.PeerConnectionState) { post(func() { t.handleStateChange(p, s) }) },
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating link to %s: %v", transport.ErrPeerConnectionFailure, id, err)
	}
	p.link = l
	p.session = session.New(t.doc, t, func(frame []byte) error {
		return t.sendTo(p, frame)
	})

	t.mu.Lock()
	t.peers[id] = p
	t.mu.Unlock()
	return p, nil
}

func (t *Transport) handleChannelClosed(p *peerConn) {
	if t.peer(p.id) == p {
		t.removePeer(p)
	}
}

// failPeer tears down a single peer after a connection failure. Other peers
// and the signaling session are unaffected.
func (t *Transport) failPeer(p *peerConn, cause error) {
	util.LogWarning("peer: %v", fmt.Errorf("%w: %s: %v", transport.ErrPeerConnectionFailure, p.id, cause))
	t.removePeer(p)
}

func (t *Transport) removePeer(p *peerConn) {
	t.mu.Lock()
	if t.peers[p.id] != p {
		t.mu.Unlock()
		return
	}
	delete(t.peers, p.id)
	wasOpen := p.state == stateOpen || p.state == stateSynced
	p.state = stateClosed
	t.mu.Unlock()

	if err := p.link.Close(); err != nil {
		util.LogDebug("peer: closing link to %s: %v", p.id, err)
	}
	if wasOpen {
		util.Stats.RemoveLink()
		t.emit(transport.Event{
			Kind:      transport.EventPeerLeft,
			Transport: transport.KindPeer,
			Peer:      transport.Source(transport.KindPeer, p.id),
		})
	}
	t.updateStatus()
}

func (t *Transport) peer(id string) *peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers[id]
}

func (t *Transport) snapshot() []*peerConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

func (t *Transport) peerState(p *peerConn) peerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return p.state
}

func (t *Transport) setPeerState(p *peerConn, s peerState) {
	t.mu.Lock()
	p.state = s
	t.mu.Unlock()
}

func (t *Transport) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// updateStatus derives the status: connected while we are in the room's
// rendezvous or hold at least one open channel, connecting otherwise.
func (t *Transport) updateStatus() {
	if t.isStopped() {
		return
	}
	if t.conn != nil || len(t.Peers()) > 0 {
		t.setStatus(transport.StatusConnected, nil)
		return
	}
	if t.Status() != transport.StatusError {
		t.setStatus(transport.StatusConnecting, nil)
	}
}

func (t *Transport) setStatus(s transport.Status, err error) {
	t.mu.Lock()
	changed := t.status != s
	t.status = s
	t.mu.Unlock()

	if !changed && err == nil {
		return
	}
	if err != nil {
		util.LogError("peer: %v", err)
	}
	t.emit(transport.Event{Kind: transport.EventStatus, Transport: transport.KindPeer, Status: s, Err: err})
}

// emit delivers ev without ever blocking past shutdown.
func (t *Transport) emit(ev transport.Event) {
	select {
	case t.events <- ev:
		return
	default:
	}
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}
