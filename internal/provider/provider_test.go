package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/roomsync/internal/awareness"
	"github.com/1ureka/roomsync/internal/crdt"
	"github.com/1ureka/roomsync/internal/peer"
	"github.com/1ureka/roomsync/internal/relay"
	"github.com/1ureka/roomsync/internal/relayserver"
	"github.com/1ureka/roomsync/internal/transport"
)

// fakeTransport records what the provider asks of it and lets tests inject
// events.
type fakeTransport struct {
	kind       transport.Kind
	events     chan transport.Event
	connectErr error

	mu           sync.Mutex
	status       transport.Status
	peers        []string
	broadcasts   [][]byte
	connected    int
	disconnected int
}

func newFake(kind transport.Kind) *fakeTransport {
	return &fakeTransport{kind: kind, events: make(chan transport.Event, 64)}
}

func (f *fakeTransport) Kind() transport.Kind           { return f.kind }
func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected++
	return f.connectErr
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected++
	return nil
}

func (f *fakeTransport) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTransport) Peers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.peers...)
}

func (f *fakeTransport) BroadcastAwareness(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, payload)
}

func (f *fakeTransport) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.broadcasts...)
}

func (f *fakeTransport) setStatus(s transport.Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
	f.events <- transport.Event{Kind: transport.EventStatus, Transport: f.kind, Status: s}
}

func (p *Provider) transportStatus(tr transport.Transport) transport.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statuses[tr]
}

func newTestProvider(t *testing.T, fakes ...*fakeTransport) (*Provider, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	transports := make([]transport.Transport, len(fakes))
	for i, f := range fakes {
		transports[i] = f
	}
	p := newProvider("room", transports, awareness.New(awareness.Config{ClientID: 1, Clock: mock}))
	t.Cleanup(func() { p.Destroy() })
	return p, mock
}

func awarenessPayload(t *testing.T, id uint64, ts int64, state map[string]string) []byte {
	t.Helper()
	data, err := cbor.Marshal(map[int]any{1: id, 2: ts, 3: state})
	require.NoError(t, err)
	return data
}

func TestAggregate(t *testing.T) {
	const (
		ini  = transport.StatusInitializing
		conn = transport.StatusConnecting
		up   = transport.StatusConnected
		down = transport.StatusDisconnected
		bad  = transport.StatusError
		gone = transport.StatusDestroyed
	)
	testCases := []struct {
		in   []transport.Status
		want transport.Status
	}{
		{nil, ini},
		{[]transport.Status{ini, ini}, ini},
		{[]transport.Status{bad, up}, up},
		{[]transport.Status{conn, up}, up},
		{[]transport.Status{bad, conn}, conn},
		{[]transport.Status{bad, bad}, bad},
		{[]transport.Status{bad, down}, down},
		{[]transport.Status{ini, down}, down},
		{[]transport.Status{up, gone}, gone},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, Aggregate(tc.in), "%v", tc.in)
	}
}

func TestStatusFollowsTransports(t *testing.T) {
	peerT, relayT := newFake(transport.KindPeer), newFake(transport.KindRelay)
	p, _ := newTestProvider(t, peerT, relayT)
	updates := p.Subscribe()

	require.NoError(t, p.Connect(context.Background()))
	assert.Equal(t, 1, peerT.connected)
	assert.Equal(t, 1, relayT.connected)

	next := func() transport.Status {
		select {
		case s := <-updates:
			return s
		case <-time.After(time.Second):
			t.Fatal("no status update")
			return 0
		}
	}

	peerT.setStatus(transport.StatusConnecting)
	assert.Equal(t, transport.StatusConnecting, next())

	relayT.setStatus(transport.StatusConnected)
	assert.Equal(t, transport.StatusConnected, next())

	// One transport failing while the other is up changes nothing. Each
	// transport has its own pump, so wait for the first failure to land
	// before sending the second.
	peerT.setStatus(transport.StatusError)
	require.Eventually(t, func() bool {
		return p.transportStatus(peerT) == transport.StatusError
	}, time.Second, time.Millisecond)
	select {
	case s := <-updates:
		t.Fatalf("unexpected status %s while the relay is up", s)
	default:
	}
	relayT.setStatus(transport.StatusError)
	assert.Equal(t, transport.StatusError, next())
	assert.Equal(t, transport.StatusError, p.Status())
}

func TestPeersAcrossTransports(t *testing.T) {
	peerT, relayT := newFake(transport.KindPeer), newFake(transport.KindRelay)
	peerT.peers = []string{"peer:b", "peer:a"}
	relayT.peers = []string{"relay:room"}
	p, _ := newTestProvider(t, peerT, relayT)

	assert.Equal(t, []string{"peer:a", "peer:b", "relay:room"}, p.Peers())
	assert.Equal(t, []transport.Kind{transport.KindPeer, transport.KindRelay}, p.Kinds())
}

func TestAwarenessRouting(t *testing.T) {
	peerT, relayT := newFake(transport.KindPeer), newFake(transport.KindRelay)
	p, mock := newTestProvider(t, peerT, relayT)
	require.NoError(t, p.Connect(context.Background()))

	// Remote state from either transport lands in one view.
	peerT.events <- transport.Event{Kind: transport.EventAwareness, Peer: "peer:x",
		Payload: awarenessPayload(t, 7, 10, map[string]string{"name": "x"})}
	relayT.events <- transport.Event{Kind: transport.EventAwareness, Peer: "relay:room",
		Payload: awarenessPayload(t, 8, 10, map[string]string{"name": "y"})}
	require.Eventually(t, func() bool { return len(p.Awareness().States()) == 2 }, time.Second, time.Millisecond)

	// A departed link takes its entries with it.
	peerT.events <- transport.Event{Kind: transport.EventPeerLeft, Peer: "peer:x"}
	require.Eventually(t, func() bool {
		_, ok := p.Awareness().States()[7]
		return !ok
	}, time.Second, time.Millisecond)

	// Local changes go out on every transport after the throttle window.
	require.NoError(t, p.Awareness().SetField("cursor", "3"))
	mock.Add(awareness.DefaultThrottle)
	require.Eventually(t, func() bool { return len(peerT.sent()) == 1 && len(relayT.sent()) == 1 }, time.Second, time.Millisecond)

	// A new link gets our state right away.
	relayT.events <- transport.Event{Kind: transport.EventPeerJoined, Peer: "relay:room"}
	require.Eventually(t, func() bool { return len(relayT.sent()) == 2 }, time.Second, time.Millisecond)
	assert.Len(t, peerT.sent(), 1)
}

func TestDestroy(t *testing.T) {
	peerT := newFake(transport.KindPeer)
	p, _ := newTestProvider(t, peerT)
	require.NoError(t, p.Connect(context.Background()))
	updates := p.Subscribe()

	require.NoError(t, p.Awareness().SetField("name", "ada"))
	require.NoError(t, p.Destroy())
	require.NoError(t, p.Destroy())

	var seen []transport.Status
	for s := range updates {
		seen = append(seen, s)
	}
	require.NotEmpty(t, seen)
	assert.Equal(t, transport.StatusDestroyed, seen[len(seen)-1])
	assert.Equal(t, transport.StatusDestroyed, p.Status())

	assert.Equal(t, 1, peerT.disconnected)

	// The departure payload went out before the transport was closed.
	sent := peerT.sent()
	require.NotEmpty(t, sent)
	var last map[int]any
	require.NoError(t, cbor.Unmarshal(sent[len(sent)-1], &last))
	assert.Nil(t, last[3])

	// Late events are ignored and late subscribers see the terminal status.
	peerT.events <- transport.Event{Kind: transport.EventStatus, Status: transport.StatusConnected}
	assert.Equal(t, transport.StatusDestroyed, p.Status())
	late, ok := <-p.Subscribe()
	assert.True(t, ok)
	assert.Equal(t, transport.StatusDestroyed, late)
	assert.Error(t, p.Connect(context.Background()))
}

func TestDestroyOnContextCancel(t *testing.T) {
	p, _ := newTestProvider(t, newFake(transport.KindRelay))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Connect(ctx))
	cancel()
	require.Eventually(t, func() bool { return p.Status() == transport.StatusDestroyed }, time.Second, time.Millisecond)
}

func TestConnectFailsWhenEveryTransportFails(t *testing.T) {
	a, b := newFake(transport.KindPeer), newFake(transport.KindRelay)
	a.connectErr = errors.New("a")
	b.connectErr = errors.New("b")
	p, _ := newTestProvider(t, a, b)
	assert.Error(t, p.Connect(context.Background()))
	assert.Equal(t, transport.StatusError, p.Status())

	c, d := newFake(transport.KindPeer), newFake(transport.KindRelay)
	c.connectErr = errors.New("c")
	p2, _ := newTestProvider(t, c, d)
	assert.NoError(t, p2.Connect(context.Background()))
}

func TestNewSelectsTransports(t *testing.T) {
	relaySrv, err := relayserver.New(relayserver.Options{NoPersist: true})
	require.NoError(t, err)
	bridge := httptest.NewServer(relaySrv)
	defer bridge.Close()
	defer relaySrv.Close()
	bridgeURL := "ws" + strings.TrimPrefix(bridge.URL, "http")

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	peerCfg := &peer.Config{Fallback: "ws://127.0.0.1:1/signal"}
	relayCfg := &relay.Config{Endpoints: []string{"wss://relay.example"}}

	testCases := []struct {
		name  string
		opts  Options
		want  []transport.Kind
		isErr bool
	}{
		{"bridge available", Options{BridgeURL: bridgeURL, Peer: peerCfg}, []transport.Kind{transport.KindBridge}, false},
		{"bridge unavailable falls back to peer", Options{BridgeURL: deadURL, Peer: peerCfg}, []transport.Kind{transport.KindPeer}, false},
		{"peer plus relay", Options{Peer: peerCfg, Relay: relayCfg}, []transport.Kind{transport.KindPeer, transport.KindRelay}, false},
		{"relay only", Options{Relay: relayCfg}, []transport.Kind{transport.KindRelay}, false},
		{"nothing", Options{BridgeURL: deadURL}, nil, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.opts.RoomID = "room"
			tc.opts.Doc = crdt.NewMap(42)
			p, err := New(context.Background(), tc.opts)
			if tc.isErr {
				assert.ErrorIs(t, err, ErrNoTransport)
				return
			}
			require.NoError(t, err)
			defer p.Destroy()
			assert.Equal(t, tc.want, p.Kinds())
			assert.Equal(t, uint64(42), p.Awareness().ClientID())
		})
	}
}

func TestDetectBridge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.True(t, DetectBridge(context.Background(), nil, "ws"+strings.TrimPrefix(srv.URL, "http")))
	assert.True(t, DetectBridge(context.Background(), srv.Client(), srv.URL+"/"))
	assert.False(t, DetectBridge(context.Background(), nil, ""))
	assert.False(t, DetectBridge(context.Background(), nil, srv.URL+"/nested"))
}

func TestTwoProvidersOverBridge(t *testing.T) {
	relaySrv, err := relayserver.New(relayserver.Options{NoPersist: true})
	require.NoError(t, err)
	bridge := httptest.NewServer(relaySrv)
	defer bridge.Close()
	defer relaySrv.Close()
	bridgeURL := "ws" + strings.TrimPrefix(bridge.URL, "http")

	fast := func() *relay.Config {
		return &relay.Config{Backoff: &transport.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond, MaxRetries: 3}}
	}
	docA, docB := crdt.NewMap(1), crdt.NewMap(2)
	a, err := New(context.Background(), Options{RoomID: "room", Doc: docA, BridgeURL: bridgeURL, Relay: fast(),
		Awareness: awareness.Config{Throttle: 5 * time.Millisecond}})
	require.NoError(t, err)
	b, err := New(context.Background(), Options{RoomID: "room", Doc: docB, BridgeURL: bridgeURL, Relay: fast(),
		Awareness: awareness.Config{Throttle: 5 * time.Millisecond}})
	require.NoError(t, err)
	defer a.Destroy()
	defer b.Destroy()

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return a.Status() == transport.StatusConnected && b.Status() == transport.StatusConnected
	}, 2*time.Second, 5*time.Millisecond)

	docA.Set("k", []byte("v"))
	require.Eventually(t, func() bool {
		v, ok := docB.Get("k")
		return ok && string(v) == "v"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Awareness().SetField("name", "ada"))
	require.Eventually(t, func() bool {
		return b.Awareness().States()[1]["name"] == "ada"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Destroy())
	require.Eventually(t, func() bool {
		_, ok := b.Awareness().States()[1]
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}
