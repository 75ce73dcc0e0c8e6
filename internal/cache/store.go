package cache

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is used when a non-positive size is given to New
const DefaultSize = 10000

// Store is an LRU-bounded result cache.
// Expired entries are kept so callers can fall back to them; only capacity evicts.
//
// Every invalidation advances the store generation. A fetch takes the generation with Begin
// before it starts and stores through SetSince, which drops the result if the key was
// invalidated or refetched after that point.
type Store struct {
	mu      sync.RWMutex
	entries *lru.Cache[string, *Entry]
	dropped *lru.Cache[string, uint64] // generation of the last invalidation per key
	gen     uint64
	floor   uint64                     // generation of the last Reset
	size    int
	now     func() time.Time
}

// New creates a Store holding at most size entries
func New(size int) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	dropped, err := lru.New[string, uint64](size)
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	return &Store{
		entries: entries,
		dropped: dropped,
		size:    size,
		now:     time.Now,
	}, nil
}

// SetClock replaces the time source. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Now returns the store's current time
func (s *Store) Now() time.Time {
	s.mu.RLock()
	now := s.now
	s.mu.RUnlock()
	return now()
}

// Get returns the entry for key. fresh is false when the entry outlived its TTL.
func (s *Store) Get(key string) (entry Entry, fresh bool, ok bool) {
	s.mu.RLock()
	e, ok := s.entries.Get(key)
	now := s.now
	s.mu.RUnlock()

	if !ok {
		return Entry{}, false, false
	}
	return *e, e.FreshAt(now()), true
}

// Begin returns the current generation, to be passed to SetSince once the fetch completes
func (s *Store) Begin() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Set stores value under key with the given TTL and returns the new entry
func (s *Store) Set(key string, value interface{}, ttl time.Duration) Entry {
	return s.SetAt(key, value, ttl, s.Now())
}

// SetAt stores value with an explicit store time
func (s *Store) SetAt(key string, value interface{}, ttl time.Duration, storedAt time.Time) Entry {
	e, _ := s.put(key, value, ttl, storedAt, 0, true)
	return e
}

// SetSince stores the result of a fetch that began at generation since.
// It reports false, leaving the cache untouched, when key was invalidated or stored by a
// later fetch in the meantime. The returned entry is valid either way.
func (s *Store) SetSince(key string, value interface{}, ttl time.Duration, since uint64) (Entry, bool) {
	return s.put(key, value, ttl, s.Now(), since, false)
}

// SetAtSince is SetSince with an explicit store time
func (s *Store) SetAtSince(key string, value interface{}, ttl time.Duration, storedAt time.Time, since uint64) (Entry, bool) {
	return s.put(key, value, ttl, storedAt, since, false)
}

func (s *Store) put(key string, value interface{}, ttl time.Duration, storedAt time.Time, since uint64, force bool) (Entry, bool) {
	if ttl < 0 {
		ttl = 0
	}
	e := &Entry{
		Key:      key,
		Value:    value,
		StoredAt: storedAt,
		TTL:      ttl,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if force {
		since = s.gen
	} else if s.overtaken(key, since) {
		e.gen = since
		return *e, false
	}
	e.gen = since
	s.entries.Add(key, e)
	s.dropped.Remove(key)
	return *e, true
}

// overtaken reports whether a fetch begun at since is older than the key's last invalidation
// or than the fetch that produced the current entry. Callers hold s.mu.
func (s *Store) overtaken(key string, since uint64) bool {
	if since < s.floor {
		return true
	}
	if g, ok := s.dropped.Peek(key); ok && g > since {
		return true
	}
	if cur, ok := s.entries.Peek(key); ok && cur.gen > since {
		return true
	}
	return false
}

// Invalidate removes key. It reports whether an entry was present.
func (s *Store) Invalidate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.dropped.Add(key, s.gen)
	return s.entries.Remove(key)
}

// InvalidateFunc removes every key for which match returns true and returns how many were removed
func (s *Store) InvalidateFunc(match func(key string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	removed := 0
	for _, key := range s.entries.Keys() {
		if match(key) {
			s.entries.Remove(key)
			s.dropped.Add(key, s.gen)
			removed++
		}
	}
	return removed
}

// Reset drops every entry. Fetches begun before the reset can no longer store.
func (s *Store) Reset() {
	s.mu.Lock()
	s.gen++
	s.floor = s.gen
	s.entries.Purge()
	s.dropped.Purge()
	s.mu.Unlock()
}

// Len returns the number of entries, fresh or stale
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries.Len()
}

// Size returns the capacity
func (s *Store) Size() int {
	return s.size
}
