// Package store is a small key/value store backed by BadgerDB. The client
// keeps its signaling URL cache here; the relay daemon keeps room keys,
// room tokens and encrypted room state.
package store

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/1ureka/roomsync/internal/util"
)

var (
	ErrNotFound = errors.New("store: key not found")
	ErrClosed   = errors.New("store: closed")
)

// Store wraps a badger database.
type Store struct {
	db     *badger.DB
	closed atomic.Bool
}

// Open opens (or creates) a persistent store in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{})
	return open(opts)
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: opening badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores value under key.
func (s *Store) Set(key string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Scan calls fn for every key with the given prefix, in key order, until fn
// returns false.
func (s *Store) Scan(prefix string, fn func(key string, value []byte) bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(string(item.KeyCopy(nil)), value) {
				return nil
			}
		}
		return nil
	})
}

// Close flushes and closes the database. Safe to call more than once.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// badgerLogger routes badger's internal logging to the shared leveled logger.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{})   { util.LogError("badger: "+format, args...) }
func (badgerLogger) Warningf(format string, args ...interface{}) { util.LogWarning("badger: "+format, args...) }
func (badgerLogger) Infof(format string, args ...interface{})    { util.LogDebug("badger: "+format, args...) }
func (badgerLogger) Debugf(format string, args ...interface{})   { util.LogDebug("badger: "+format, args...) }
