package session

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/roomsync/internal/crdt"
	"github.com/1ureka/roomsync/internal/protocol"
)

// link is an in-process pair of queues. Frames are delivered by pump in an
// order chosen by the test, which models the unordered data channel.
type link struct {
	toA, toB [][]byte
}

func newPair(a, b crdt.Document) (*Session, *Session, *link) {
	l := &link{}
	sa := New(a, "from-b", func(f []byte) error { l.toB = append(l.toB, f); return nil })
	sb := New(b, "from-a", func(f []byte) error { l.toA = append(l.toA, f); return nil })
	return sa, sb, l
}

// pump delivers queued frames until both queues are empty, picking frames
// with rng (or FIFO when rng is nil). It returns the number of frames
// delivered and fails the test if the exchange does not settle.
func pump(t *testing.T, sa, sb *Session, l *link, rng *rand.Rand) int {
	t.Helper()
	delivered := 0
	for len(l.toA) > 0 || len(l.toB) > 0 {
		require.Less(t, delivered, 100, "handshake did not settle")

		queue, target := &l.toA, sa
		if len(l.toA) == 0 || (len(l.toB) > 0 && rng != nil && rng.IntN(2) == 0) {
			queue, target = &l.toB, sb
		}
		i := 0
		if rng != nil {
			i = rng.IntN(len(*queue))
		}
		frame := (*queue)[i]
		*queue = append((*queue)[:i], (*queue)[i+1:]...)

		msg, err := protocol.Decode(frame)
		require.NoError(t, err)
		require.NoError(t, target.Handle(msg))
		delivered++
	}
	return delivered
}

func TestHandshakeConverges(t *testing.T) {
	a := crdt.NewMap(1)
	b := crdt.NewMap(2)
	a.Set("title", []byte("hello"))
	b.Set("body", []byte("world"))

	sa, sb, l := newPair(a, b)
	require.NoError(t, sa.Start())
	require.NoError(t, sb.Start())
	pump(t, sa, sb, l, nil)

	assert.True(t, sa.Synced())
	assert.True(t, sb.Synced())
	assert.Equal(t, a.Snapshot(), b.Snapshot())
}

func TestHandshakeConvergesInAnyOrder(t *testing.T) {
	for seed := uint64(0); seed < 20; seed++ {
		a := crdt.NewMap(1)
		b := crdt.NewMap(2)
		a.Set("k", []byte("a"))
		b.Set("k", []byte("b"))
		b.Set("other", []byte("x"))

		sa, sb, l := newPair(a, b)
		require.NoError(t, sa.Start())
		require.NoError(t, sb.Start())
		pump(t, sa, sb, l, rand.New(rand.NewPCG(seed, seed+1)))

		assert.Equal(t, a.Snapshot(), b.Snapshot(), "seed %d", seed)
	}
}

// TestSyncedPeerDoesNotResendStepOne covers the loop guard: once synced, a
// Step1 is answered with Step2 only.
func TestSyncedPeerDoesNotResendStepOne(t *testing.T) {
	a := crdt.NewMap(1)
	b := crdt.NewMap(2)
	sa, sb, l := newPair(a, b)

	require.NoError(t, sa.Start())
	require.NoError(t, sb.Start())
	pump(t, sa, sb, l, nil)
	require.True(t, sa.Synced())

	require.NoError(t, sa.Handle(protocol.SyncStep1(b.StateVector())))
	require.Len(t, l.toB, 1)
	reply, err := protocol.Decode(l.toB[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.StepTwo, reply.Step)
}

func TestUnsyncedPeerAnswersWithStepOne(t *testing.T) {
	a := crdt.NewMap(1)
	b := crdt.NewMap(2)
	sa, _, l := newPair(a, b)

	require.NoError(t, sa.Handle(protocol.SyncStep1(b.StateVector())))
	require.Len(t, l.toB, 2)

	first, _ := protocol.Decode(l.toB[0])
	second, _ := protocol.Decode(l.toB[1])
	assert.Equal(t, protocol.StepTwo, first.Step)
	assert.Equal(t, protocol.StepOne, second.Step)
	assert.False(t, sa.Synced())
}

func TestUpdateAppliesWithOrigin(t *testing.T) {
	a := crdt.NewMap(1)
	b := crdt.NewMap(2)
	sa, _, _ := newPair(a, b)

	sub, cancel := a.Subscribe()
	defer cancel()

	b.Set("k", []byte("v"))
	require.NoError(t, sa.Handle(protocol.SyncUpdate(b.EncodeState())))

	u := <-sub
	assert.Equal(t, "from-b", u.Origin)
	assert.False(t, sa.Synced(), "an update alone does not complete the handshake")
}

func TestHandleRejectsAwareness(t *testing.T) {
	sa, _, _ := newPair(crdt.NewMap(1), crdt.NewMap(2))
	assert.Error(t, sa.Handle(protocol.Awareness([]byte("x"))))
}

func TestReset(t *testing.T) {
	a := crdt.NewMap(1)
	sa, _, _ := newPair(a, crdt.NewMap(2))
	require.NoError(t, sa.Handle(protocol.SyncStep2(crdt.NewMap(3).EncodeState())))
	require.True(t, sa.Synced())
	sa.Reset()
	assert.False(t, sa.Synced())
}
