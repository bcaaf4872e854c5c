// Package provider picks the transports for a room, wires them to one
// document and one awareness aggregator, and presents a single status and
// peer list over all of them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/1ureka/roomsync/internal/awareness"
	"github.com/1ureka/roomsync/internal/crdt"
	"github.com/1ureka/roomsync/internal/peer"
	"github.com/1ureka/roomsync/internal/relay"
	"github.com/1ureka/roomsync/internal/transport"
	"github.com/1ureka/roomsync/internal/util"
)

// ErrNoTransport: nothing in Options can reach the room.
var ErrNoTransport = errors.New("provider: no usable transport")

// listenerBuffer is the capacity of each Subscribe channel.
const listenerBuffer = 32

// Options describes a room and every path to it.
type Options struct {
	RoomID string
	Doc    crdt.Document

	// Peer enables the peer transport when it lists a signaling candidate.
	Peer *peer.Config

	// Relay adds a relay transport when it has endpoints.
	Relay *relay.Config

	// BridgeURL is a local host bridge. When it answers the probe it is
	// used instead of the peer transport. The bridge shares Relay's key,
	// signer and backoff settings when Relay is set.
	BridgeURL string

	Awareness awareness.Config
	Clock     clock.Clock

	// HTTPClient is used for the bridge probe.
	HTTPClient *http.Client
}

// Provider owns the transports and the awareness aggregator of one room.
// It implements transport.Provider.
type Provider struct {
	roomID     string
	transports []transport.Transport
	agg        *awareness.Aggregator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	pumped chan struct{} // closed when the awareness pump has drained

	mu        sync.Mutex
	status    transport.Status
	statuses  map[transport.Transport]transport.Status
	listeners []chan transport.Status
	started   bool
	destroyed bool
}

var _ transport.Provider = (*Provider)(nil)

// New chooses transports for opts. It probes the bridge, so it may block up
// to DefaultProbeTimeout.
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Doc == nil {
		return nil, errors.New("provider: document is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	var transports []transport.Transport
	switch {
	case opts.BridgeURL != "" && DetectBridge(ctx, opts.HTTPClient, opts.BridgeURL):
		util.LogInfo("provider: host bridge found at %s", opts.BridgeURL)
		transports = append(transports, relay.New(opts.Doc, bridgeConfig(opts)))
	case hasSignaling(opts.Peer):
		if opts.BridgeURL != "" {
			util.LogWarning("provider: host bridge %s unavailable, falling back to peer transport", opts.BridgeURL)
		}
		cfg := *opts.Peer
		cfg.RoomID = opts.RoomID
		if cfg.Clock == nil {
			cfg.Clock = opts.Clock
		}
		transports = append(transports, peer.New(opts.Doc, cfg))
	}

	if opts.Relay != nil && len(opts.Relay.Endpoints) > 0 {
		cfg := *opts.Relay
		cfg.RoomID = opts.RoomID
		cfg.Kind = transport.KindRelay
		if cfg.Clock == nil {
			cfg.Clock = opts.Clock
		}
		transports = append(transports, relay.New(opts.Doc, cfg))
	}

	if len(transports) == 0 {
		return nil, ErrNoTransport
	}

	awCfg := opts.Awareness
	if awCfg.Clock == nil {
		awCfg.Clock = opts.Clock
	}
	if awCfg.ClientID == 0 {
		awCfg.ClientID = clientID(opts.Doc)
	}
	return newProvider(opts.RoomID, transports, awareness.New(awCfg)), nil
}

func hasSignaling(cfg *peer.Config) bool {
	if cfg == nil {
		return false
	}
	if len(cfg.Invite) > 0 || cfg.Fallback != "" {
		return true
	}
	return cfg.Cache != nil && len(cfg.Cache.URLs()) > 0
}

func bridgeConfig(opts Options) relay.Config {
	var cfg relay.Config
	if opts.Relay != nil {
		cfg = *opts.Relay
	}
	cfg.RoomID = opts.RoomID
	cfg.Endpoints = []string{opts.BridgeURL}
	cfg.Kind = transport.KindBridge
	// The host process already holds the key; nothing to deliver.
	cfg.Signer = nil
	cfg.History = nil
	if cfg.Clock == nil {
		cfg.Clock = opts.Clock
	}
	return cfg
}

// clientID reuses the document's replica id when it has one.
func clientID(doc crdt.Document) uint64 {
	if d, ok := doc.(interface{ ClientID() uint64 }); ok {
		return d.ClientID()
	}
	return crdt.NewClientID()
}

func newProvider(roomID string, transports []transport.Transport, agg *awareness.Aggregator) *Provider {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		roomID:     roomID,
		transports: transports,
		agg:        agg,
		ctx:        ctx,
		cancel:     cancel,
		pumped:     make(chan struct{}),
		status:     transport.StatusInitializing,
		statuses:   make(map[transport.Transport]transport.Status, len(transports)),
	}
	for _, tr := range transports {
		p.statuses[tr] = transport.StatusInitializing
	}
	return p
}

// Kinds lists the active transport kinds in priority order.
func (p *Provider) Kinds() []transport.Kind {
	kinds := make([]transport.Kind, len(p.transports))
	for i, tr := range p.transports {
		kinds[i] = tr.Kind()
	}
	return kinds
}

// Awareness returns the room's aggregator.
func (p *Provider) Awareness() *awareness.Aggregator { return p.agg }

// Connect starts every transport. Cancelling ctx destroys the provider.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return fmt.Errorf("provider: %s already destroyed", p.roomID)
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	context.AfterFunc(ctx, func() { p.Destroy() })

	for _, tr := range p.transports {
		p.wg.Add(1)
		go p.pumpEvents(tr)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.agg.Run(p.ctx)
	}()
	go p.pumpAwareness()

	var errs []error
	for _, tr := range p.transports {
		if err := tr.Connect(p.ctx); err != nil {
			util.LogError("provider: %s transport: %v", tr.Kind(), err)
			p.observe(tr, transport.StatusError)
			errs = append(errs, err)
		}
	}
	if len(errs) == len(p.transports) {
		return errors.Join(errs...)
	}
	return nil
}

// Disconnect implements transport.Provider by destroying the provider.
func (p *Provider) Disconnect() error { return p.Destroy() }

// Status returns the aggregate status.
func (p *Provider) Status() transport.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Peers returns every source with an open link, across transports, sorted.
func (p *Provider) Peers() []string {
	peers := []string{}
	for _, tr := range p.transports {
		peers = append(peers, tr.Peers()...)
	}
	sort.Strings(peers)
	return peers
}

// Subscribe returns a channel of aggregate status changes. It receives
// StatusDestroyed last and is then closed.
func (p *Provider) Subscribe() <-chan transport.Status {
	ch := make(chan transport.Status, listenerBuffer)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		ch <- transport.StatusDestroyed
		close(ch)
		return ch
	}
	p.listeners = append(p.listeners, ch)
	return ch
}

// Destroy announces our departure, emits StatusDestroyed to subscribers,
// disconnects every transport and closes the subscriptions. Safe to call
// more than once.
func (p *Provider) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	p.status = transport.StatusDestroyed
	started := p.started
	listeners := p.listeners
	p.listeners = nil
	p.mu.Unlock()

	for _, l := range listeners {
		deliverTerminal(l)
	}

	p.agg.Close()
	if started {
		<-p.pumped
	}

	p.cancel()
	var errs []error
	for _, tr := range p.transports {
		if err := tr.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tr.Kind(), err))
		}
	}
	p.wg.Wait()

	for _, l := range listeners {
		close(l)
	}
	util.LogInfo("provider: %s destroyed", p.roomID)
	return errors.Join(errs...)
}

// deliverTerminal makes room for the final status if a slow subscriber let
// the buffer fill.
func deliverTerminal(l chan transport.Status) {
	for {
		select {
		case l <- transport.StatusDestroyed:
			return
		default:
		}
		select {
		case <-l:
		default:
		}
	}
}

func (p *Provider) pumpEvents(tr transport.Transport) {
	defer p.wg.Done()
	for {
		select {
		case ev := <-tr.Events():
			p.handleEvent(tr, ev)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Provider) handleEvent(tr transport.Transport, ev transport.Event) {
	switch ev.Kind {
	case transport.EventStatus:
		p.observe(tr, ev.Status)

	case transport.EventPeerJoined:
		util.LogSuccess("provider: %s joined", ev.Peer)
		// Let the newcomer see us without waiting for a local change.
		if data, err := p.agg.Encode(); err == nil {
			tr.BroadcastAwareness(data)
		}

	case transport.EventPeerLeft:
		n := p.agg.RemoveSource(ev.Peer)
		util.LogInfo("provider: %s left (%d awareness entries dropped)", ev.Peer, n)

	case transport.EventAwareness:
		if err := p.agg.ApplyRemote(ev.Payload, ev.Peer); err != nil {
			util.LogWarning("provider: %v", err)
		}
	}
}

// pumpAwareness forwards the aggregator's broadcasts to every transport
// until the aggregator closes, departure payload included.
func (p *Provider) pumpAwareness() {
	defer close(p.pumped)
	for data := range p.agg.Outbound() {
		for _, tr := range p.transports {
			tr.BroadcastAwareness(data)
		}
	}
}

// observe records one transport's status and publishes the aggregate if it
// changed.
func (p *Provider) observe(tr transport.Transport, s transport.Status) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.statuses[tr] = s
	all := make([]transport.Status, 0, len(p.statuses))
	for _, st := range p.statuses {
		all = append(all, st)
	}
	next := Aggregate(all)
	if next == p.status {
		p.mu.Unlock()
		return
	}
	p.status = next
	// Sent under the lock so nothing can follow StatusDestroyed.
	for _, l := range p.listeners {
		select {
		case l <- next:
		default:
			util.LogWarning("provider: status subscriber is not keeping up, dropping %s", next)
		}
	}
	p.mu.Unlock()

	util.LogDebug("provider: %s is %s", p.roomID, next)
}

// Aggregate folds transport statuses into one: connected if any transport is
// connected, else connecting if any is, error only if all are, disconnected
// otherwise. A set that has not started yet is initializing.
func Aggregate(statuses []transport.Status) transport.Status {
	if len(statuses) == 0 {
		return transport.StatusInitializing
	}
	count := map[transport.Status]int{}
	for _, s := range statuses {
		count[s]++
	}
	switch {
	case count[transport.StatusDestroyed] > 0:
		return transport.StatusDestroyed
	case count[transport.StatusConnected] > 0:
		return transport.StatusConnected
	case count[transport.StatusConnecting] > 0:
		return transport.StatusConnecting
	case count[transport.StatusError] == len(statuses):
		return transport.StatusError
	case count[transport.StatusInitializing] == len(statuses):
		return transport.StatusInitializing
	default:
		return transport.StatusDisconnected
	}
}
