package awareness

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(t *testing.T, id uint64) (*Aggregator, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))
	a := New(Config{
		ClientID:      id,
		Throttle:      100 * time.Millisecond,
		MaxAge:        30 * time.Second,
		SweepInterval: 5 * time.Second,
		Clock:         mock,
	})
	t.Cleanup(a.Close)
	return a, mock
}

func remotePayload(t *testing.T, id uint64, ts int64, state map[string]string) []byte {
	t.Helper()
	data, err := cbor.Marshal(payload{ClientID: id, Timestamp: ts, State: state})
	require.NoError(t, err)
	return data
}

func decode(t *testing.T, data []byte) payload {
	t.Helper()
	var p payload
	require.NoError(t, cbor.Unmarshal(data, &p))
	return p
}

func TestThrottleCoalescesToLatestState(t *testing.T) {
	a, mock := newTestAggregator(t, 1)

	require.NoError(t, a.SetField("cursor", "1"))
	require.NoError(t, a.SetField("cursor", "2"))
	require.NoError(t, a.SetLocalState(map[string]string{"cursor": "3", "name": "ada"}))

	select {
	case <-a.Outbound():
		t.Fatal("broadcast before the window closed")
	default:
	}

	mock.Add(100 * time.Millisecond)

	var got []byte
	require.Eventually(t, func() bool {
		select {
		case got = <-a.Outbound():
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	p := decode(t, got)
	assert.Equal(t, uint64(1), p.ClientID)
	assert.Equal(t, map[string]string{"cursor": "3", "name": "ada"}, p.State)
	assert.Equal(t, mock.Now().UnixMilli(), p.Timestamp)

	// Exactly one broadcast for the window.
	mock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)
	select {
	case extra := <-a.Outbound():
		t.Fatalf("unexpected second broadcast: %v", decode(t, extra))
	default:
	}
}

func TestNextWindowBroadcastsAgain(t *testing.T) {
	a, mock := newTestAggregator(t, 1)

	next := func() payload {
		var got []byte
		require.Eventually(t, func() bool {
			select {
			case got = <-a.Outbound():
				return true
			default:
				return false
			}
		}, time.Second, time.Millisecond)
		return decode(t, got)
	}

	require.NoError(t, a.SetField("k", "a"))
	mock.Add(100 * time.Millisecond)
	first := next()

	require.NoError(t, a.SetField("k", "b"))
	mock.Add(100 * time.Millisecond)
	second := next()

	assert.Equal(t, "b", second.State["k"])
	assert.Greater(t, second.Timestamp, first.Timestamp)
}

func TestLastWriterWins(t *testing.T) {
	older := func(t *testing.T) []byte { return remotePayload(t, 7, 1000, map[string]string{"v": "old"}) }
	newer := func(t *testing.T) []byte { return remotePayload(t, 7, 2000, map[string]string{"v": "new"}) }

	testCases := []struct {
		name  string
		order []func(*testing.T) []byte
	}{
		{"in order", []func(*testing.T) []byte{older, newer}},
		{"reversed", []func(*testing.T) []byte{newer, older}},
		{"duplicated", []func(*testing.T) []byte{newer, older, newer, older}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a, _ := newTestAggregator(t, 1)
			for _, p := range tc.order {
				require.NoError(t, a.ApplyRemote(p(t), "peer:x"))
			}
			assert.Equal(t, map[string]string{"v": "new"}, a.States()[7])
		})
	}
}

func TestEqualTimestampDoesNotOverwrite(t *testing.T) {
	a, _ := newTestAggregator(t, 1)
	require.NoError(t, a.ApplyRemote(remotePayload(t, 7, 1000, map[string]string{"v": "first"}), "peer:x"))
	require.NoError(t, a.ApplyRemote(remotePayload(t, 7, 1000, map[string]string{"v": "second"}), "relay:r"))

	entries := a.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "first", entries[0].State["v"])
	assert.Equal(t, "peer:x", entries[0].Source)
}

func TestNewerEntryFromAnotherTransportWins(t *testing.T) {
	a, _ := newTestAggregator(t, 1)
	require.NoError(t, a.ApplyRemote(remotePayload(t, 7, 1000, map[string]string{"v": "p2p"}), "peer:x"))
	require.NoError(t, a.ApplyRemote(remotePayload(t, 7, 1001, map[string]string{"v": "relayed"}), "relay:r"))

	entries := a.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "relayed", entries[0].State["v"])
	assert.Equal(t, "relay:r", entries[0].Source)
}

func TestOwnPayloadIgnored(t *testing.T) {
	a, _ := newTestAggregator(t, 1)
	require.NoError(t, a.ApplyRemote(remotePayload(t, 1, 5000, map[string]string{"v": "echo"}), "relay:r"))
	assert.Empty(t, a.States())
}

func TestRemoveSource(t *testing.T) {
	a, _ := newTestAggregator(t, 1)
	require.NoError(t, a.ApplyRemote(remotePayload(t, 7, 1, map[string]string{"a": "1"}), "peer:x"))
	require.NoError(t, a.ApplyRemote(remotePayload(t, 8, 1, map[string]string{"b": "1"}), "peer:x"))
	require.NoError(t, a.ApplyRemote(remotePayload(t, 9, 1, map[string]string{"c": "1"}), "peer:y"))

	assert.Equal(t, 2, a.RemoveSource("peer:x"))
	assert.Equal(t, 0, a.RemoveSource("peer:x"))

	states := a.States()
	assert.Len(t, states, 1)
	assert.Contains(t, states, uint64(9))
}

func TestDepartureTombstone(t *testing.T) {
	a, _ := newTestAggregator(t, 1)
	require.NoError(t, a.ApplyRemote(remotePayload(t, 7, 1000, map[string]string{"v": "here"}), "peer:x"))
	require.NoError(t, a.ApplyRemote(remotePayload(t, 7, 2000, nil), "peer:x"))
	assert.NotContains(t, a.States(), uint64(7))

	// A delayed older update cannot bring the client back.
	require.NoError(t, a.ApplyRemote(remotePayload(t, 7, 1500, map[string]string{"v": "late"}), "peer:x"))
	assert.NotContains(t, a.States(), uint64(7))
	assert.Empty(t, a.Entries())
}

func TestEmptyStateIsNotADeparture(t *testing.T) {
	a, _ := newTestAggregator(t, 2)
	require.NoError(t, a.SetLocalState(map[string]string{}))
	data, err := a.Encode()
	require.NoError(t, err)

	b, _ := newTestAggregator(t, 1)
	require.NoError(t, b.ApplyRemote(data, "peer:a"))
	assert.Contains(t, b.States(), uint64(2))
}

func TestSweepUsesLocalReceiveTime(t *testing.T) {
	a, mock := newTestAggregator(t, 1)

	// Sender clock far in the past: still fresh locally.
	require.NoError(t, a.ApplyRemote(remotePayload(t, 7, 1, map[string]string{"v": "x"}), "peer:x"))
	assert.Equal(t, 0, a.Sweep())

	mock.Add(20 * time.Second)
	require.NoError(t, a.ApplyRemote(remotePayload(t, 8, 1, map[string]string{"v": "y"}), "peer:y"))

	mock.Add(11 * time.Second)
	assert.Equal(t, 1, a.Sweep())
	assert.NotContains(t, a.States(), uint64(7))
	assert.Contains(t, a.States(), uint64(8))
}

func TestRunSweepsPeriodically(t *testing.T) {
	a, mock := newTestAggregator(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	require.NoError(t, a.ApplyRemote(remotePayload(t, 7, 1, map[string]string{"v": "x"}), "peer:x"))
	mock.Add(31 * time.Second)

	require.Eventually(t, func() bool {
		mock.Add(5 * time.Second)
		return len(a.States()) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestIdleClientSurvivesRemoteSweep(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))
	newAt := func(id uint64) *Aggregator {
		a := New(Config{ClientID: id, MaxAge: 30 * time.Second, SweepInterval: time.Second, Clock: mock})
		t.Cleanup(a.Close)
		return a
	}
	alice, bob := newAt(1), newAt(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go alice.Run(ctx)

	require.NoError(t, alice.SetField("name", "alice"))
	received := 0
	deliver := func() {
		select {
		case data := <-alice.Outbound():
			require.NoError(t, bob.ApplyRemote(data, "peer:alice"))
			received++
		default:
		}
	}

	// A minute without a single local change.
	for i := 0; i < 60; i++ {
		mock.Add(time.Second)
		deliver()
		bob.Sweep()
	}
	require.Eventually(t, func() bool {
		deliver()
		return received > 1
	}, time.Second, 5*time.Millisecond)

	bob.Sweep()
	assert.Equal(t, map[string]string{"name": "alice"}, bob.States()[1])
}

func TestRenewWaitsForLocalState(t *testing.T) {
	a, mock := newTestAggregator(t, 1)
	a.Renew()
	select {
	case <-a.Outbound():
		t.Fatal("renewed without local state")
	default:
	}

	require.NoError(t, a.SetField("name", "ada"))
	mock.Add(100 * time.Millisecond)
	first := decode(t, <-a.Outbound())

	mock.Add(time.Second)
	a.Renew()
	again := decode(t, <-a.Outbound())
	assert.Equal(t, first.State, again.State)
	assert.Greater(t, again.Timestamp, first.Timestamp)
}

func TestCloseSendsDeparture(t *testing.T) {
	a, _ := newTestAggregator(t, 1)
	require.NoError(t, a.SetField("name", "ada"))

	a.Close()
	a.Close()

	data, ok := <-a.Outbound()
	require.True(t, ok)
	p := decode(t, data)
	assert.Equal(t, uint64(1), p.ClientID)
	assert.Nil(t, p.State)

	_, ok = <-a.Outbound()
	assert.False(t, ok, "outbound is closed after the departure")

	assert.ErrorIs(t, a.SetField("name", "bob"), ErrClosed)
	_, err := a.Encode()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChangesSignal(t *testing.T) {
	a, _ := newTestAggregator(t, 1)
	require.NoError(t, a.ApplyRemote(remotePayload(t, 7, 1, map[string]string{"v": "x"}), "peer:x"))
	select {
	case <-a.Changes():
	default:
		t.Fatal("no change signal")
	}
}

func TestApplyRemoteRejectsGarbage(t *testing.T) {
	a, _ := newTestAggregator(t, 1)
	assert.Error(t, a.ApplyRemote([]byte{0xff, 0x00}, "peer:x"))
}
