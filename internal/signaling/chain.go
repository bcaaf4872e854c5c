package signaling

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/1ureka/roomsync/internal/store"
	"github.com/1ureka/roomsync/internal/util"
)

// CacheSize caps how many previously successful signaling URLs are kept.
const CacheSize = 10

// cacheKey is where the cache is persisted in the store.
const cacheKey = "signaling/urls"

// Source records why a URL is in the candidate chain.
type Source int

const (
	SourceInvite Source = iota
	SourceCache
	SourceFallback
)

func (s Source) String() string {
	switch s {
	case SourceInvite:
		return "invite"
	case SourceCache:
		return "cache"
	case SourceFallback:
		return "fallback"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Candidate is one URL in the chain.
type Candidate struct {
	URL    string
	Source Source
}

// Chain orders signaling URLs: invite URLs as given, then cached URLs
// most-recently-successful first, then the fallback. A URL appears once, at
// its highest-priority position. cache may be nil.
func Chain(invite []string, cache *Cache, fallback string) []Candidate {
	seen := make(map[string]struct{})
	var out []Candidate
	add := func(url string, src Source) {
		if url == "" {
			return
		}
		if _, dup := seen[url]; dup {
			return
		}
		seen[url] = struct{}{}
		out = append(out, Candidate{URL: url, Source: src})
	}

	for _, u := range invite {
		add(u, SourceInvite)
	}
	if cache != nil {
		for _, u := range cache.URLs() {
			add(u, SourceCache)
		}
	}
	add(fallback, SourceFallback)
	return out
}

// Cache remembers signaling URLs that led to a joined room, most recent
// first. When backed by a store the list survives restarts.
type Cache struct {
	mu    sync.Mutex
	urls  *lru.Cache[string, struct{}]
	store *store.Store
}

// NewCache loads the cache from st. A nil store keeps the cache in memory.
func NewCache(st *store.Store) (*Cache, error) {
	urls, err := lru.New[string, struct{}](CacheSize)
	if err != nil {
		return nil, err
	}
	c := &Cache{urls: urls, store: st}
	if st == nil {
		return c, nil
	}

	raw, err := st.Get(cacheKey)
	if errors.Is(err, store.ErrNotFound) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("signaling: loading url cache: %w", err)
	}

	var saved []string
	if err := cbor.Unmarshal(raw, &saved); err != nil {
		// A corrupt cache only costs us the shortcut; start fresh.
		util.LogWarning("signaling: discarding unreadable url cache: %v", err)
		return c, nil
	}
	// Saved most-recent first; re-add oldest first so recency is preserved.
	for i := len(saved) - 1; i >= 0; i-- {
		c.urls.Add(saved[i], struct{}{})
	}
	return c, nil
}

// URLs returns the cached URLs, most recently successful first.
func (c *Cache) URLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.urlsLocked()
}

func (c *Cache) urlsLocked() []string {
	keys := c.urls.Keys() // oldest first
	out := make([]string, len(keys))
	for i, k := range keys {
		out[len(keys)-1-i] = k
	}
	return out
}

// Remember marks url as the most recent success and persists the cache.
func (c *Cache) Remember(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.urls.Add(url, struct{}{})

	if c.store == nil {
		return nil
	}
	raw, err := cbor.Marshal(c.urlsLocked())
	if err != nil {
		return err
	}
	if err := c.store.Set(cacheKey, raw); err != nil {
		return fmt.Errorf("signaling: saving url cache: %w", err)
	}
	return nil
}
