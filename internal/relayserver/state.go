package relayserver

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/1ureka/roomsync/internal/store"
	"github.com/1ureka/roomsync/internal/util"
)

const (
	statePrefix = "relay/state/"

	// stateVersion is the first byte of every stored blob and part of its
	// associated data.
	stateVersion byte = 0x01

	stateOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
)

var hkdfInfoState = []byte("roomsync.relay.state.v1")

var errShortBlob = errors.New("stored update is truncated")

// deriveStateKey turns a delivered room key into the 32-byte key the room's
// stored updates are sealed with.
func deriveStateKey(roomKey []byte, room string) ([]byte, error) {
	info := make([]byte, 0, len(hkdfInfoState)+1+len(room))
	info = append(info, hkdfInfoState...)
	info = append(info, ':')
	info = append(info, room...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, roomKey, nil, info), key); err != nil {
		return nil, fmt.Errorf("deriving state key: %w", err)
	}
	return key, nil
}

// seal encrypts one update as [version][nonce][ciphertext+tag]. The version
// and room id are authenticated so a blob cannot be moved between rooms.
func seal(key []byte, room string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	out := make([]byte, 1+len(nonce), stateOverhead+len(plaintext))
	out[0] = stateVersion
	copy(out[1:], nonce[:])
	return aead.Seal(out, nonce[:], plaintext, stateAAD(room)), nil
}

func open(key []byte, room string, blob []byte) ([]byte, error) {
	if len(blob) < stateOverhead {
		return nil, errShortBlob
	}
	if blob[0] != stateVersion {
		return nil, fmt.Errorf("stored update version %d is not supported", blob[0])
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	return aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], stateAAD(room))
}

func stateAAD(room string) []byte {
	return append([]byte{stateVersion}, room...)
}

// stateLog is the per-room append-only log of encrypted updates. The relay
// cannot merge updates, so a joining socket receives every stored one.
//
// TODO: let a client upload a compacted snapshot that replaces the log.
type stateLog struct {
	store *store.Store

	mu  sync.Mutex
	seq map[string]uint64 // next sequence number per room
}

func newStateLog(st *store.Store) *stateLog {
	return &stateLog{store: st, seq: make(map[string]uint64)}
}

func roomPrefix(room string) string { return statePrefix + room + "/" }

func entryKey(room string, seq uint64) string {
	// Zero padding keeps badger's key order equal to append order.
	return fmt.Sprintf("%s%020d", roomPrefix(room), seq)
}

func (l *stateLog) nextSeqLocked(room string) (uint64, error) {
	if seq, ok := l.seq[room]; ok {
		return seq, nil
	}
	var next uint64
	err := l.store.Scan(roomPrefix(room), func(key string, _ []byte) bool {
		n, err := strconv.ParseUint(strings.TrimPrefix(key, roomPrefix(room)), 10, 64)
		if err == nil && n >= next {
			next = n + 1
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	l.seq[room] = next
	return next, nil
}

// append seals update under roomKey and stores it after every earlier one.
func (l *stateLog) append(room string, roomKey, update []byte) error {
	key, err := deriveStateKey(roomKey, room)
	if err != nil {
		return err
	}
	blob, err := seal(key, room, update)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	seq, err := l.nextSeqLocked(room)
	if err != nil {
		return err
	}
	if err := l.store.Set(entryKey(room, seq), blob); err != nil {
		return err
	}
	l.seq[room] = seq + 1
	return nil
}

// replay returns the room's stored updates in append order. Entries that do
// not open under roomKey are skipped.
func (l *stateLog) replay(room string, roomKey []byte) ([][]byte, error) {
	key, err := deriveStateKey(roomKey, room)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var updates [][]byte
	err = l.store.Scan(roomPrefix(room), func(k string, blob []byte) bool {
		update, err := open(key, room, blob)
		if err != nil {
			util.LogWarning("relay: skipping stored update %s: %v", k, err)
			return true
		}
		updates = append(updates, update)
		return true
	})
	return updates, err
}

// rekey re-seals every stored update of room under newKey. Entries that
// open under neither key are dropped.
func (l *stateLog) rekey(room string, oldKey, newKey []byte) error {
	oldState, err := deriveStateKey(oldKey, room)
	if err != nil {
		return err
	}
	newState, err := deriveStateKey(newKey, room)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	type entry struct {
		key  string
		blob []byte
	}
	var entries []entry
	err = l.store.Scan(roomPrefix(room), func(k string, blob []byte) bool {
		entries = append(entries, entry{k, blob})
		return true
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		if _, err := open(newState, room, e.blob); err == nil {
			continue // appended after the key changed
		}
		update, err := open(oldState, room, e.blob)
		if err != nil {
			util.LogWarning("relay: dropping unreadable update %s during rekey: %v", e.key, err)
			if err := l.store.Delete(e.key); err != nil {
				return err
			}
			continue
		}
		blob, err := seal(newState, room, update)
		if err != nil {
			return err
		}
		if err := l.store.Set(e.key, blob); err != nil {
			return err
		}
	}
	util.LogInfo("relay: re-sealed %d stored updates for %s", len(entries), room)
	return nil
}
