package relay

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/1ureka/roomsync/internal/crdt"
	"github.com/1ureka/roomsync/internal/protocol"
	"github.com/1ureka/roomsync/internal/session"
	"github.com/1ureka/roomsync/internal/transport"
	"github.com/1ureka/roomsync/internal/util"
)

const writeWait = 10 * time.Second

// Config describes one room on one or more relay endpoints.
type Config struct {
	RoomID string

	// Endpoints are tried in order. Each gets Backoff.MaxRetries reconnect
	// attempts before the next one is tried.
	Endpoints []string

	// RoomKey, when set, authenticates the socket. With Signer also set the
	// key is delivered to the relay after every successful connection.
	RoomKey []byte
	Signer  ed25519.PrivateKey

	// Kind is KindRelay or KindBridge. Defaults to KindRelay.
	Kind transport.Kind

	Backoff    *transport.Backoff
	Clock      clock.Clock
	Dialer     *websocket.Dialer
	HTTPClient *http.Client
	History    *transport.AttemptLog
}

// Transport is the relay transport. Fields below the mutex are shared;
// socket and sess are owned by loop.
type Transport struct {
	cfg     Config
	doc     crdt.Document
	token   string
	clock   clock.Clock
	backoff *transport.Backoff
	history *transport.AttemptLog

	loop   *transport.Loop
	events chan transport.Event

	ctx         context.Context
	cancel      context.CancelFunc
	quit        chan struct{} // closed when Disconnect starts
	unsubscribe func()
	wg          sync.WaitGroup

	// loop-owned
	socket *websocket.Conn
	sess   *session.Session

	mu       sync.Mutex
	status   transport.Status
	endpoint string // endpoint of the open socket, empty when down
	started  bool
	stopped  bool
}

// New creates a relay transport syncing doc.
func New(doc crdt.Document, cfg Config) *Transport {
	if cfg.Kind != transport.KindBridge {
		cfg.Kind = transport.KindRelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = transport.NewBackoff()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.History == nil {
		cfg.History = transport.NewAttemptLog(0)
	}

	var token string
	if len(cfg.RoomKey) > 0 {
		token = AuthToken(cfg.RoomKey, cfg.RoomID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:     cfg,
		doc:     doc,
		token:   token,
		clock:   cfg.Clock,
		backoff: cfg.Backoff,
		history: cfg.History,
		loop:    transport.NewLoop(),
		events:  make(chan transport.Event, transport.EventBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
		status:  transport.StatusInitializing,
	}
}

// Kind implements transport.Transport.
func (t *Transport) Kind() transport.Kind { return t.cfg.Kind }

// Events implements transport.Transport.
func (t *Transport) Events() <-chan transport.Event { return t.events }

// Status implements transport.Provider.
func (t *Transport) Status() transport.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Peers returns the relay link's source while the socket is open. Clients
// behind the relay are not visible individually.
func (t *Transport) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endpoint == "" {
		return []string{}
	}
	return []string{t.source()}
}

// History returns the recorded connection attempts, oldest first.
func (t *Transport) History() []transport.Attempt { return t.history.Snapshot() }

func (t *Transport) source() string {
	return transport.Source(t.cfg.Kind, t.cfg.RoomID)
}

// Connect starts the connection loop. Cancelling ctx disconnects the
// transport.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return fmt.Errorf("%s: transport already disconnected", t.cfg.Kind)
	}
	if t.started {
		t.mu.Unlock()
		return nil
	}
	if len(t.cfg.Endpoints) == 0 {
		t.mu.Unlock()
		return fmt.Errorf("%s: no endpoints configured", t.cfg.Kind)
	}
	t.started = true
	t.mu.Unlock()

	context.AfterFunc(ctx, func() { t.Disconnect() })

	updates, unsubscribe := t.doc.Subscribe()
	t.unsubscribe = unsubscribe

	go t.loop.Run()
	go t.forwardUpdates(updates)

	t.wg.Add(1)
	go t.run()
	return nil
}

// Disconnect closes the socket and stops reconnecting. Safe to call more
// than once.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	started := t.started
	t.mu.Unlock()

	close(t.quit)

	// Frames already queued on the loop are written before the close frame.
	done := make(chan struct{})
	if started && t.loop.Post(func() { t.teardown(); close(done) }) {
		<-done
	} else {
		t.teardown()
	}
	t.cancel()
	t.loop.Stop()
	t.wg.Wait()

	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	return nil
}

// BroadcastAwareness sends payload on the socket if it is open.
func (t *Transport) BroadcastAwareness(payload []byte) {
	frame := protocol.Encode(protocol.Awareness(payload))
	t.loop.Post(func() { t.write(frame) })
}

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

// run dials, serves and redials. Each endpoint gets MaxRetries consecutive
// failures before the next endpoint is tried; a successful connection resets
// the count. When the last endpoint is exhausted the transport reports
// StatusError with the attempt history and stops. A socket closed with
// CloseAuthRejected is never retried.
func (t *Transport) run() {
	defer t.wg.Done()

	idx := 0
	for {
		endpoint := t.cfg.Endpoints[idx]
		t.loop.Post(func() { t.setStatus(transport.StatusConnecting, nil) })

		ws, err := t.dial(endpoint)
		if err == nil {
			t.backoff.Reset()
			code := t.serve(endpoint, ws)
			if code == CloseAuthRejected {
				err := fmt.Errorf("%w: %s refused the room token", transport.ErrAuthRejected, endpoint)
				t.loop.Post(func() { t.setStatus(transport.StatusError, err) })
				return
			}
			err = fmt.Errorf("socket closed (code %d)", code)
		}
		if t.ctx.Err() != nil || t.isStopped() {
			return
		}

		delay, ok := t.backoff.Next()
		if !ok {
			t.backoff.Reset()
			idx++
			if idx == len(t.cfg.Endpoints) {
				exhausted := &transport.ExhaustedError{What: t.cfg.Kind.String(), Attempts: t.history.Snapshot()}
				t.loop.Post(func() { t.setStatus(transport.StatusError, exhausted) })
				return
			}
			util.LogWarning("%s: giving up on %s, trying %s", t.cfg.Kind, endpoint, t.cfg.Endpoints[idx])
			continue
		}

		util.LogInfo("%s: reconnecting to %s in %s (attempt %d): %v", t.cfg.Kind, endpoint, delay, t.backoff.Attempts(), err)
		select {
		case <-t.clock.After(delay):
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) dial(endpoint string) (*websocket.Conn, error) {
	url := SocketURL(endpoint, t.cfg.RoomID, t.token)
	ws, resp, err := t.cfg.Dialer.DialContext(t.ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.history.Record(transport.Attempt{URL: endpoint, Err: err, At: t.clock.Now()})
	if err != nil {
		util.LogDebug("%s: dial %s: %v", t.cfg.Kind, endpoint, err)
		return nil, err
	}
	return ws, nil
}

// serve runs one socket until it closes and returns the close code
// (websocket.CloseAbnormalClosure when there was none).
func (t *Transport) serve(endpoint string, ws *websocket.Conn) int {
	stop := context.AfterFunc(t.ctx, func() { ws.Close() })
	defer stop()

	if !t.loop.Post(func() { t.handleOpen(endpoint, ws) }) {
		ws.Close()
		return websocket.CloseNormalClosure
	}

	if len(t.cfg.RoomKey) > 0 && t.cfg.Signer != nil {
		go t.deliverKey(endpoint)
	}

	code := websocket.CloseAbnormalClosure
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			break
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		util.Stats.AddRecv(len(data))
		t.loop.Post(func() { t.handleFrame(ws, data) })
	}

	t.loop.Post(func() { t.handleClosed(ws) })
	return code
}

func (t *Transport) deliverKey(endpoint string) {
	ctx, cancel := context.WithTimeout(t.ctx, 15*time.Second)
	defer cancel()
	err := DeliverKey(ctx, t.cfg.HTTPClient, endpoint, t.cfg.RoomID, t.cfg.RoomKey, t.cfg.Signer, t.clock.Now())
	if err != nil {
		// The relay keeps syncing without persistence.
		util.LogWarning("%s: %v", t.cfg.Kind, err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Loop handlers
// ──────────────────────────────────────────────────────────────────────────────

func (t *Transport) handleOpen(endpoint string, ws *websocket.Conn) {
	if t.isStopped() {
		ws.Close()
		return
	}
	t.socket = ws
	t.sess = session.New(t.doc, t, func(frame []byte) error { return t.write(frame) })

	t.mu.Lock()
	t.endpoint = endpoint
	t.mu.Unlock()

	util.Stats.AddLink()
	util.LogInfo("%s: connected to %s for room %s", t.cfg.Kind, endpoint, t.cfg.RoomID)
	t.emit(transport.Event{Kind: transport.EventPeerJoined, Transport: t.cfg.Kind, Peer: t.source()})
	t.setStatus(transport.StatusConnected, nil)

	if err := t.sess.Start(); err != nil {
		util.LogWarning("%s: sending step1: %v", t.cfg.Kind, err)
	}
}

func (t *Transport) handleFrame(ws *websocket.Conn, frame []byte) {
	if t.socket != ws {
		return
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		util.Stats.AddDropped()
		util.LogWarning("%s: dropping frame: %v", t.cfg.Kind, err)
		return
	}

	switch msg.Type {
	case protocol.TypeSync:
		if err := t.sess.Handle(msg); err != nil {
			util.LogWarning("%s: sync: %v", t.cfg.Kind, err)
		}
	case protocol.TypeAwareness:
		t.emit(transport.Event{
			Kind:      transport.EventAwareness,
			Transport: t.cfg.Kind,
			Peer:      t.source(),
			Payload:   msg.Payload,
		})
	}
}

func (t *Transport) handleClosed(ws *websocket.Conn) {
	if t.socket != ws {
		return
	}
	ws.Close()
	t.socket = nil
	t.sess = nil

	t.mu.Lock()
	t.endpoint = ""
	t.mu.Unlock()

	util.Stats.RemoveLink()
	t.emit(transport.Event{Kind: transport.EventPeerLeft, Transport: t.cfg.Kind, Peer: t.source()})
	if !t.isStopped() {
		t.setStatus(transport.StatusConnecting, nil)
	}
}

// handleDocUpdate forwards local and other-transport changes. The relay
// persists and fans them out, so they are sent whenever the socket is open.
func (t *Transport) handleDocUpdate(u crdt.Update) {
	if u.Origin == t {
		return
	}
	// Not gated on the session being synced: the relay stores the update
	// even when no member is listening.
	t.write(protocol.Encode(protocol.SyncUpdate(u.Data)))
}

// write sends a frame on the open socket. Only called from the loop, which
// makes it the socket's single writer.
func (t *Transport) write(frame []byte) error {
	if t.socket == nil {
		return nil
	}
	_ = t.socket.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.socket.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		util.LogDebug("%s: write: %v", t.cfg.Kind, err)
		return err
	}
	util.Stats.AddSent(len(frame))
	return nil
}

func (t *Transport) teardown() {
	if t.socket != nil {
		_ = t.socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		t.socket.Close()
		t.socket = nil
		t.sess = nil
		t.mu.Lock()
		t.endpoint = ""
		t.mu.Unlock()
		util.Stats.RemoveLink()
		t.emit(transport.Event{Kind: transport.EventPeerLeft, Transport: t.cfg.Kind, Peer: t.source()})
	}
	t.setStatus(transport.StatusDisconnected, nil)
}

func (t *Transport) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Transport) setStatus(s transport.Status, err error) {
	t.mu.Lock()
	// Once failed for good, stay failed until Disconnect.
	if t.status == transport.StatusError && s == transport.StatusConnecting {
		t.mu.Unlock()
		return
	}
	changed := t.status != s
	t.status = s
	t.mu.Unlock()

	if !changed && err == nil {
		return
	}
	if err != nil {
		util.LogError("%s: %v", t.cfg.Kind, err)
	}
	t.emit(transport.Event{Kind: transport.EventStatus, Transport: t.cfg.Kind, Status: s, Err: err})
}

// emit delivers ev without ever blocking once Disconnect has started.
func (t *Transport) emit(ev transport.Event) {
	select {
	case t.events <- ev:
		return
	default:
	}
	select {
	case t.events <- ev:
	case <-t.quit:
	}
}
