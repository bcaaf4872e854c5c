package relayserver

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/roomsync/internal/store"
)

func TestStateLogSealedAtRest(t *testing.T) {
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	defer st.Close()

	log := newStateLog(st)
	key := bytes.Repeat([]byte{7}, 32)
	secret := []byte("meeting notes: launch on friday")

	require.NoError(t, log.append("r", key, secret))
	require.NoError(t, log.append("r", key, []byte("second")))
	require.NoError(t, log.append("r2", key, []byte("elsewhere")))

	var blobs int
	require.NoError(t, st.Scan(statePrefix, func(_ string, blob []byte) bool {
		blobs++
		assert.False(t, bytes.Contains(blob, secret))
		return true
	}))
	assert.Equal(t, 3, blobs)

	got, err := log.replay("r", key)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{secret, []byte("second")}, got)

	wrong, err := log.replay("r", bytes.Repeat([]byte{8}, 32))
	require.NoError(t, err)
	assert.Empty(t, wrong)
}

func TestStateLogSequenceSurvivesRestart(t *testing.T) {
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	defer st.Close()
	key := []byte("k")

	require.NoError(t, newStateLog(st).append("r", key, []byte("a")))
	require.NoError(t, newStateLog(st).append("r", key, []byte("b")))

	got, err := newStateLog(st).replay("r", key)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, got)
}

func TestStateLogRekey(t *testing.T) {
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	defer st.Close()

	log := newStateLog(st)
	oldKey, newKey := []byte("old"), []byte("new")
	require.NoError(t, log.append("r", oldKey, []byte("a")))
	require.NoError(t, log.append("r", newKey, []byte("b"))) // raced the rotation

	require.NoError(t, log.rekey("r", oldKey, newKey))

	got, err := log.replay("r", newKey)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, got)

	stale, err := log.replay("r", oldKey)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestSealBindsRoom(t *testing.T) {
	key, err := deriveStateKey([]byte("room key"), "a")
	require.NoError(t, err)
	blob, err := seal(key, "a", []byte("x"))
	require.NoError(t, err)

	_, err = open(key, "b", blob)
	assert.Error(t, err)
	_, err = open(key, "a", blob[:10])
	assert.ErrorIs(t, err, errShortBlob)

	plain, err := open(key, "a", blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), plain)
}

func TestClientLimiter(t *testing.T) {
	l := newClientLimiter(1, 1)
	now := time.Unix(1000, 0)

	assert.True(t, l.allow("a", now))
	assert.False(t, l.allow("a", now))
	assert.True(t, l.allow("b", now), "buckets are per client")
	assert.True(t, l.allow("a", now.Add(time.Second)))

	l.allow("c", now)
	l.allow("d", now.Add(limiterExpiry+2*time.Second))
	_, kept := l.buckets["c"]
	assert.False(t, kept, "idle buckets expire")

	var unlimited *clientLimiter
	assert.True(t, unlimited.allow("a", now))
	assert.Nil(t, newClientLimiter(0, 5))
}
