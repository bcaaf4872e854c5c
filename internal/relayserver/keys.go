package relayserver

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/1ureka/roomsync/internal/relay"
	"github.com/1ureka/roomsync/internal/store"
)

const keyPrefix = "relay/key/"

// errKeyMismatch: a different key was delivered by someone other than the
// signer that registered the room.
var errKeyMismatch = errors.New("room key registered by another signer")

// keyRecord is the stored registration of one room.
type keyRecord struct {
	Signer  []byte `cbor:"1,keyasint"`
	Key     []byte `cbor:"2,keyasint"`
	Updated int64  `cbor:"3,keyasint"` // unix ms
}

// keyStore holds delivered room keys. Records are cached after the first
// lookup; a nil cache entry means the room has no key.
type keyStore struct {
	store *store.Store

	mu    sync.Mutex
	cache map[string]*keyRecord
}

func newKeyStore(st *store.Store) *keyStore {
	return &keyStore{store: st, cache: make(map[string]*keyRecord)}
}

func (k *keyStore) lookupLocked(room string) (*keyRecord, error) {
	if rec, ok := k.cache[room]; ok {
		return rec, nil
	}
	if k.store == nil {
		return nil, nil
	}
	data, err := k.store.Get(keyPrefix + room)
	if errors.Is(err, store.ErrNotFound) {
		k.cache[room] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec keyRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding key record for %s: %w", room, err)
	}
	k.cache[room] = &rec
	return &rec, nil
}

// key returns the room key, if one was delivered.
func (k *keyStore) key(room string) ([]byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, err := k.lookupLocked(room)
	if err != nil || rec == nil {
		return nil, false
	}
	return rec.Key, true
}

// token returns the auth token sockets for room must present.
func (k *keyStore) token(room string) (string, bool) {
	key, ok := k.key(room)
	if !ok {
		return "", false
	}
	return relay.AuthToken(key, room), true
}

// deliver registers key for room. The same key is accepted from anyone; a
// different key only from the signer that registered the room. When the key
// changes the previous one is returned.
func (k *keyStore) deliver(room string, signer ed25519.PublicKey, key []byte, now time.Time) (previous []byte, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	rec, err := k.lookupLocked(room)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		if bytes.Equal(rec.Key, key) {
			return nil, nil
		}
		if !bytes.Equal(rec.Signer, signer) {
			return nil, errKeyMismatch
		}
		previous = rec.Key
	}

	next := &keyRecord{Signer: append([]byte(nil), signer...), Key: append([]byte(nil), key...), Updated: now.UnixMilli()}
	if k.store != nil {
		data, err := cbor.Marshal(next)
		if err != nil {
			return nil, err
		}
		if err := k.store.Set(keyPrefix+room, data); err != nil {
			return nil, err
		}
	}
	k.cache[room] = next
	return previous, nil
}
