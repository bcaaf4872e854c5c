package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains every notification currently buffered on ch.
func collect(ch <-chan Update) []Update {
	var out []Update
	for {
		select {
		case u := <-ch:
			out = append(out, u)
		default:
			return out
		}
	}
}

func TestMapSetGetDelete(t *testing.T) {
	m := NewMap(1)
	m.Set("title", []byte("draft"))

	v, ok := m.Get("title")
	require.True(t, ok)
	assert.Equal(t, []byte("draft"), v)

	m.Delete("title")
	_, ok = m.Get("title")
	assert.False(t, ok)
	assert.Empty(t, m.Snapshot())
}

func TestMapFullExchangeConverges(t *testing.T) {
	a := NewMap(1)
	b := NewMap(2)
	a.Set("x", []byte("from-a"))
	a.Set("shared", []byte("a"))
	b.Set("y", []byte("from-b"))
	b.Set("shared", []byte("b"))

	// Step1/Step2 in both directions.
	diffForB, err := a.Diff(b.StateVector())
	require.NoError(t, err)
	diffForA, err := b.Diff(a.StateVector())
	require.NoError(t, err)

	require.NoError(t, b.Apply(diffForB, "net"))
	require.NoError(t, a.Apply(diffForA, "net"))

	assert.Equal(t, a.Snapshot(), b.Snapshot())
	assert.Len(t, a.Snapshot(), 3)
}

func TestMapApplyOrderInsensitive(t *testing.T) {
	src := NewMap(7)
	sub, cancel := src.Subscribe()
	defer cancel()

	src.Set("k", []byte("1"))
	src.Set("k", []byte("2"))
	src.Set("j", []byte("3"))
	updates := collect(sub)
	require.Len(t, updates, 3)

	forward := NewMap(8)
	reverse := NewMap(9)
	for _, u := range updates {
		require.NoError(t, forward.Apply(u.Data, nil))
	}
	for i := len(updates) - 1; i >= 0; i-- {
		require.NoError(t, reverse.Apply(updates[i].Data, nil))
	}

	assert.Equal(t, src.Snapshot(), forward.Snapshot())
	assert.Equal(t, src.Snapshot(), reverse.Snapshot())

	v, _ := reverse.Get("k")
	assert.Equal(t, []byte("2"), v)
}

func TestMapApplyIdempotent(t *testing.T) {
	src := NewMap(1)
	src.Set("a", []byte("1"))
	state := src.EncodeState()

	dst := NewMap(2)
	sub, cancel := dst.Subscribe()
	defer cancel()

	require.NoError(t, dst.Apply(state, "relay"))
	first := dst.Snapshot()
	require.NoError(t, dst.Apply(state, "relay"))

	assert.Equal(t, first, dst.Snapshot())
	assert.Len(t, collect(sub), 1, "second apply must not notify")
}

func TestMapStateVectorSkipsGaps(t *testing.T) {
	src := NewMap(1)
	sub, cancel := src.Subscribe()
	defer cancel()
	src.Set("a", []byte("1"))
	src.Set("b", []byte("2"))
	updates := collect(sub)
	require.Len(t, updates, 2)

	// Only the second op arrives; the vector must not claim the first.
	dst := NewMap(2)
	require.NoError(t, dst.Apply(updates[1].Data, nil))

	diff, err := src.Diff(dst.StateVector())
	require.NoError(t, err)
	require.NoError(t, dst.Apply(diff, nil))
	assert.Equal(t, src.Snapshot(), dst.Snapshot())
}

func TestMapSubscribeCarriesOrigin(t *testing.T) {
	src := NewMap(1)
	src.Set("a", []byte("1"))

	dst := NewMap(2)
	sub, cancel := dst.Subscribe()
	defer cancel()

	require.NoError(t, dst.Apply(src.EncodeState(), "peer"))
	select {
	case u := <-sub:
		assert.Equal(t, "peer", u.Origin)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	dst.Set("b", []byte("2"))
	u := <-sub
	assert.Nil(t, u.Origin)
}

func TestMapApplyRejectsGarbage(t *testing.T) {
	m := NewMap(1)
	assert.Error(t, m.Apply([]byte{0xFF, 0x00}, nil))
	_, err := m.Diff([]byte{0xFF})
	assert.Error(t, err)
}
