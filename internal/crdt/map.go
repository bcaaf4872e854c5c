package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// subscriberBuffer is the per-subscriber notification channel capacity.
const subscriberBuffer = 256

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: 1 << 20}).DecMode(); err != nil {
		panic(err)
	}
}

// opID identifies an op: the replica that made it and its per-replica clock.
type opID struct {
	client uint64
	clock  uint64
}

type op struct {
	Client  uint64 `cbor:"1,keyasint"`
	Clock   uint64 `cbor:"2,keyasint"`
	Lamport uint64 `cbor:"3,keyasint"`
	Key     string `cbor:"4,keyasint"`
	Value   []byte `cbor:"5,keyasint,omitempty"`
	Deleted bool   `cbor:"6,keyasint,omitempty"`
}

func (o op) id() opID { return opID{o.Client, o.Clock} }

// wins reports whether o supersedes other for the same key.
func (o op) wins(other op) bool {
	if o.Lamport != other.Lamport {
		return o.Lamport > other.Lamport
	}
	return o.Client > other.Client
}

type updateFrame struct {
	Ops []op `cbor:"1,keyasint"`
}

// Map is a last-writer-wins map of byte values. Every Set or Delete is an op
// stamped with a Lamport time; the op with the highest (lamport, client)
// pair owns the key on every replica.
type Map struct {
	clientID uint64

	mu      sync.Mutex
	ops     map[opID]op
	vector  map[uint64]uint64 // client -> highest contiguous clock
	winners map[string]opID
	clock   uint64
	lamport uint64

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int
}

var _ Document = (*Map)(nil)

type subscriber struct {
	ch   chan Update
	done chan struct{}
}

// NewClientID returns a random replica identifier.
func NewClientID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint64(b[:]) >> 11
}

// NewMap creates an empty replica identified by clientID.
func NewMap(clientID uint64) *Map {
	return &Map{
		clientID: clientID,
		ops:      make(map[opID]op),
		vector:   make(map[uint64]uint64),
		winners:  make(map[string]opID),
		subs:     make(map[int]*subscriber),
	}
}

// ClientID returns the replica identifier.
func (m *Map) ClientID() uint64 { return m.clientID }

// Set assigns value to key and notifies subscribers with a nil origin.
func (m *Map) Set(key string, value []byte) {
	m.local(key, value, false)
}

// Delete removes key and notifies subscribers with a nil origin.
func (m *Map) Delete(key string) {
	m.local(key, nil, true)
}

func (m *Map) local(key string, value []byte, deleted bool) {
	m.mu.Lock()
	m.clock++
	m.lamport++
	o := op{
		Client:  m.clientID,
		Clock:   m.clock,
		Lamport: m.lamport,
		Key:     key,
		Value:   append([]byte(nil), value...),
		Deleted: deleted,
	}
	m.insert(o)
	m.mu.Unlock()

	m.notify(Update{Data: encodeOps([]op{o})})
}

// Get returns the current value of key.
func (m *Map) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.winners[key]
	if !ok {
		return nil, false
	}
	o := m.ops[id]
	if o.Deleted {
		return nil, false
	}
	return append([]byte(nil), o.Value...), true
}

// Snapshot returns a copy of every live key.
func (m *Map) Snapshot() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte, len(m.winners))
	for key, id := range m.winners {
		if o := m.ops[id]; !o.Deleted {
			out[key] = append([]byte(nil), o.Value...)
		}
	}
	return out
}

// EncodeState returns every op this replica holds.
func (m *Map) EncodeState() []byte {
	diff, _ := m.Diff(nil)
	return diff
}

// StateVector encodes the highest contiguous clock seen per replica.
func (m *Map) StateVector() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := encMode.Marshal(m.vector)
	if err != nil {
		panic(fmt.Sprintf("crdt: encoding state vector: %v", err))
	}
	return data
}

// Diff returns every op not covered by stateVector. An empty or nil vector
// yields the full state.
func (m *Map) Diff(stateVector []byte) ([]byte, error) {
	remote := map[uint64]uint64{}
	if len(stateVector) > 0 {
		if err := decMode.Unmarshal(stateVector, &remote); err != nil {
			return nil, fmt.Errorf("crdt: decoding state vector: %w", err)
		}
	}

	m.mu.Lock()
	var missing []op
	for _, o := range m.ops {
		if o.Clock > remote[o.Client] {
			missing = append(missing, o)
		}
	}
	m.mu.Unlock()

	sort.Slice(missing, func(i, j int) bool {
		if missing[i].Client != missing[j].Client {
			return missing[i].Client < missing[j].Client
		}
		return missing[i].Clock < missing[j].Clock
	})
	return encodeOps(missing), nil
}

// Apply merges update. Ops already present are skipped, so applying the same
// update twice leaves the document unchanged and emits no notification.
func (m *Map) Apply(update []byte, origin any) error {
	var frame updateFrame
	if err := decMode.Unmarshal(update, &frame); err != nil {
		return fmt.Errorf("crdt: decoding update: %w", err)
	}

	m.mu.Lock()
	var added []op
	for _, o := range frame.Ops {
		if o.Clock == 0 {
			continue
		}
		if _, seen := m.ops[o.id()]; seen {
			continue
		}
		m.insert(o)
		added = append(added, o)
	}
	m.mu.Unlock()

	if len(added) > 0 {
		m.notify(Update{Data: encodeOps(added), Origin: origin})
	}
	return nil
}

// insert records o. Callers hold m.mu.
func (m *Map) insert(o op) {
	m.ops[o.id()] = o
	if o.Lamport > m.lamport {
		m.lamport = o.Lamport
	}
	if o.Client == m.clientID && o.Clock > m.clock {
		m.clock = o.Clock
	}
	for {
		next := opID{o.Client, m.vector[o.Client] + 1}
		if _, ok := m.ops[next]; !ok {
			break
		}
		m.vector[o.Client] = next.clock
	}
	if cur, ok := m.winners[o.Key]; !ok || o.wins(m.ops[cur]) {
		m.winners[o.Key] = o.id()
	}
}

// Subscribe implements Document.
func (m *Map) Subscribe() (<-chan Update, func()) {
	s := &subscriber{
		ch:   make(chan Update, subscriberBuffer),
		done: make(chan struct{}),
	}

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = s
	m.subMu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(s.done)
		})
	}
}

func (m *Map) notify(u Update) {
	m.subMu.Lock()
	subs := make([]*subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subMu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- u:
		case <-s.done:
		}
	}
}

func encodeOps(ops []op) []byte {
	data, err := encMode.Marshal(updateFrame{Ops: ops})
	if err != nil {
		panic(fmt.Sprintf("crdt: encoding ops: %v", err))
	}
	return data
}
