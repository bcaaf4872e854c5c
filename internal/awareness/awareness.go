// Package awareness merges ephemeral per-client presence state (cursor,
// name, online flag) arriving over every transport into one view, and
// throttles the broadcast of the local client's own state.
package awareness

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"

	"github.com/1ureka/roomsync/internal/util"
)

// Defaults used when a Config field is zero.
const (
	DefaultThrottle      = 100 * time.Millisecond
	DefaultMaxAge        = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("awareness: closed")

// Config tunes an Aggregator.
type Config struct {
	ClientID      uint64
	Throttle      time.Duration
	MaxAge        time.Duration
	SweepInterval time.Duration
	Clock         clock.Clock
}

// Entry is one client's presence as last seen.
type Entry struct {
	ClientID  uint64
	State     map[string]string
	Timestamp time.Time // sender clock
	Source    string    // link the entry arrived on; empty for the local client
	Received  time.Time // local clock
}

// payload is the encoded form of one client's state. A nil State announces
// that the client left.
type payload struct {
	ClientID  uint64            `cbor:"1,keyasint"`
	Timestamp int64             `cbor:"2,keyasint"` // unix ms
	State     map[string]string `cbor:"3,keyasint"`
}

// Aggregator holds the local state and the merged remote states.
//
// Remote entries follow last-writer-wins on the sender's timestamp: an entry
// only replaces a stored one when its timestamp is strictly newer, whichever
// transport delivered it. Departed clients are kept as tombstones until the
// sweep so that a reordered older update cannot resurrect them.
type Aggregator struct {
	cfg   Config
	clock clock.Clock

	mu       sync.Mutex
	local    map[string]string
	lastTS   int64 // last timestamp we stamped, unix ms
	throttle *clock.Timer
	remote   map[uint64]*Entry
	closed   bool

	out     chan []byte
	changes chan struct{}
}

// New creates an aggregator. Zero durations take the package defaults.
func New(cfg Config) *Aggregator {
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Aggregator{
		cfg:     cfg,
		clock:   cfg.Clock,
		remote:  make(map[uint64]*Entry),
		out:     make(chan []byte, 1),
		changes: make(chan struct{}, 1),
	}
}

// ClientID returns the local client's id.
func (a *Aggregator) ClientID() uint64 { return a.cfg.ClientID }

// Outbound yields encoded local state to broadcast on every transport. Only
// the newest pending payload is kept. The channel is closed by Close, right
// after the departure payload.
func (a *Aggregator) Outbound() <-chan []byte { return a.out }

// Changes receives a signal whenever the merged view changes. Signals are
// coalesced.
func (a *Aggregator) Changes() <-chan struct{} { return a.changes }

// SetLocalState replaces the local state. The broadcast is deferred to the
// end of the current throttle window.
func (a *Aggregator) SetLocalState(state map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	a.local = maps.Clone(state)
	a.scheduleLocked()
	return nil
}

// SetField sets one key of the local state.
func (a *Aggregator) SetField(key, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.local == nil {
		a.local = make(map[string]string)
	}
	a.local[key] = value
	a.scheduleLocked()
	return nil
}

// LocalState returns a copy of the local state.
func (a *Aggregator) LocalState() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.local)
}

// scheduleLocked arms the throttle timer unless a broadcast is already
// pending for this window.
func (a *Aggregator) scheduleLocked() {
	a.notify()
	if a.throttle != nil {
		return
	}
	a.throttle = a.clock.AfterFunc(a.cfg.Throttle, a.flush)
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.throttle = nil
	if a.closed {
		return
	}
	data, err := a.encodeLocked(a.local)
	if err != nil {
		util.LogWarning("awareness: encoding local state: %v", err)
		return
	}
	a.pushLocked(data)
}

// pushLocked replaces any unsent payload with data.
func (a *Aggregator) pushLocked(data []byte) {
	for {
		select {
		case a.out <- data:
			return
		default:
		}
		select {
		case <-a.out:
		default:
		}
	}
}

func (a *Aggregator) stampLocked() int64 {
	ts := a.clock.Now().UnixMilli()
	if ts <= a.lastTS {
		ts = a.lastTS + 1
	}
	a.lastTS = ts
	return ts
}

func (a *Aggregator) encodeLocked(state map[string]string) ([]byte, error) {
	if state == nil {
		state = map[string]string{}
	}
	return cbor.Marshal(payload{ClientID: a.cfg.ClientID, Timestamp: a.stampLocked(), State: state})
}

// Encode returns the current local state, freshly stamped, for sending to a
// link that just opened. It bypasses the throttle.
func (a *Aggregator) Encode() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	return a.encodeLocked(a.local)
}

// ApplyRemote merges an encoded payload received from source. Our own
// payload echoed back is ignored.
func (a *Aggregator) ApplyRemote(data []byte, source string) error {
	var p payload
	if err := cbor.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("awareness: decoding payload from %s: %w", source, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || p.ClientID == a.cfg.ClientID {
		return nil
	}

	ts := time.UnixMilli(p.Timestamp)
	if cur, ok := a.remote[p.ClientID]; ok && !ts.After(cur.Timestamp) {
		return nil
	}
	a.remote[p.ClientID] = &Entry{
		ClientID:  p.ClientID,
		State:     p.State,
		Timestamp: ts,
		Source:    source,
		Received:  a.clock.Now(),
	}
	a.notify()
	return nil
}

// RemoveSource drops every entry that arrived on source and returns how many
// were removed.
func (a *Aggregator) RemoveSource(source string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, e := range a.remote {
		if e.Source == source {
			delete(a.remote, id)
			n++
		}
	}
	if n > 0 {
		a.notify()
	}
	return n
}

// Sweep drops entries not refreshed within MaxAge of local time.
func (a *Aggregator) Sweep() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.clock.Now().Add(-a.cfg.MaxAge)
	n := 0
	for id, e := range a.remote {
		if e.Received.Before(cutoff) {
			delete(a.remote, id)
			n++
		}
	}
	if n > 0 {
		util.LogDebug("awareness: swept %d stale entries", n)
		a.notify()
	}
	return n
}

// States returns every known client's state keyed by client id, the local
// client included.
func (a *Aggregator) States() map[uint64]map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]map[string]string, len(a.remote)+1)
	if a.local != nil {
		out[a.cfg.ClientID] = maps.Clone(a.local)
	}
	for id, e := range a.remote {
		if e.State != nil {
			out[id] = maps.Clone(e.State)
		}
	}
	return out
}

// Entries returns the live remote entries ordered by client id.
func (a *Aggregator) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, 0, len(a.remote))
	for _, e := range a.remote {
		if e.State == nil {
			continue
		}
		c := *e
		c.State = maps.Clone(e.State)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Renew queues the local state again with a fresh timestamp, so members
// that sweep on MaxAge keep seeing an idle client. It does nothing before
// the first local state or while a throttled broadcast is pending.
func (a *Aggregator) Renew() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.local == nil || a.throttle != nil {
		return
	}
	data, err := a.encodeLocked(a.local)
	if err != nil {
		util.LogWarning("awareness: encoding local state: %v", err)
		return
	}
	a.pushLocked(data)
}

// Run sweeps stale entries every SweepInterval and renews the local state
// every MaxAge/2 until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	sweep := a.clock.Ticker(a.cfg.SweepInterval)
	defer sweep.Stop()
	renew := a.clock.Ticker(a.cfg.MaxAge / 2)
	defer renew.Stop()
	for {
		select {
		case <-sweep.C:
			a.Sweep()
		case <-renew.C:
			a.Renew()
		case <-ctx.Done():
			return
		}
	}
}

// Close cancels any pending broadcast, queues a departure payload and
// closes Outbound. Safe to call more than once.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.throttle != nil {
		a.throttle.Stop()
		a.throttle = nil
	}

	data, err := cbor.Marshal(payload{ClientID: a.cfg.ClientID, Timestamp: a.stampLocked()})
	if err == nil {
		a.pushLocked(data)
	}
	close(a.out)
}

func (a *Aggregator) notify() {
	select {
	case a.changes <- struct{}{}:
	default:
	}
}
