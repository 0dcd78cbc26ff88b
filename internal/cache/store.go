// Package cache is the dashboard's keyed, TTL-aware store of fetched
// entities. Stale entries keep serving their value until replaced.
package cache

import (
	"strings"
	"sync"
	"time"
)

const (
	DefaultTTL = 5 * time.Minute

	EntityOrder     = "order"
	EntityOrderList = "orders"
	EntityMenu      = "menu"
	EntityAnalytics = "analytics"
)

// Key addresses one cached value: entity type, id and an optional role or
// query parameter.
type Key struct {
	Entity string
	ID     string
	Param  string
}

func (k Key) String() string {
	if k.Param == "" {
		return k.Entity + ":" + k.ID
	}
	return k.Entity + ":" + k.ID + ":" + k.Param
}

// OrderKey is the key of one order as seen by one role.
func OrderKey(id, role string) Key {
	return Key{Entity: EntityOrder, ID: id, Param: role}
}

// Freshness is the state of a looked-up entry.
type Freshness int

const (
	Miss Freshness = iota
	Fresh
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	}
	return "miss"
}

// Entry is a snapshot of a cached value.
type Entry struct {
	Value    any
	StoredAt time.Time
	Version  uint64
	Stale    bool
}

// Change is sent to watchers whenever a watched key is written, patched,
// invalidated or removed.
type Change struct {
	Key     string
	Version uint64
	Stale   bool
	Deleted bool
}

type entry struct {
	Entry
	ttl time.Duration
}

type watcher struct {
	prefix string
	ch     chan Change
}

// Store is safe for concurrent use. Writes to one key are last-writer-wins;
// every write bumps the key's version.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	ttl      time.Duration
	now      func() time.Time
	watchers map[*watcher]struct{}
}

type Option func(*Store)

// WithTTL sets the default staleness window.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		entries:  make(map[string]*entry),
		ttl:      DefaultTTL,
		now:      time.Now,
		watchers: make(map[*watcher]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the entry for key and whether it is fresh, stale or missing.
// A stale entry still carries its last value.
func (s *Store) Get(key Key) (Entry, Freshness) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key.String()]
	if !ok {
		return Entry{}, Miss
	}
	if e.Stale || s.now().Sub(e.StoredAt) >= e.ttl {
		snap := e.Entry
		snap.Stale = true
		return snap, Stale
	}
	return e.Entry, Fresh
}

// Set stores value under key with the store's default TTL.
func (s *Store) Set(key Key, value any) Entry {
	return s.SetTTL(key, value, s.ttl)
}

// SetTTL stores value under key with its own staleness window.
func (s *Store) SetTTL(key Key, value any, ttl time.Duration) Entry {
	s.mu.Lock()
	k := key.String()
	var version uint64 = 1
	if old, ok := s.entries[k]; ok {
		version = old.Version + 1
	}
	e := &entry{
		Entry: Entry{Value: value, StoredAt: s.now(), Version: version},
		ttl:   ttl,
	}
	s.entries[k] = e
	snap := e.Entry
	s.notifyLocked(Change{Key: k, Version: version})
	s.mu.Unlock()
	return snap
}

// Op is the write an Update callback asks for.
type Op int

const (
	// Skip leaves the entry untouched.
	Skip Op = iota
	// Keep writes the value but keeps the entry's age and staleness. An
	// entry created this way starts stale: it holds only part of the entity.
	Keep
	// Refresh writes the value as freshly fetched.
	Refresh
)

// Update atomically reads key and writes fn's result according to the
// returned Op. found is false when key is not cached.
func (s *Store) Update(key Key, fn func(cur Entry, found bool) (any, Op)) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	e, found := s.entries[k]
	var cur Entry
	if found {
		cur = e.Entry
		if !cur.Stale && s.now().Sub(cur.StoredAt) >= e.ttl {
			cur.Stale = true
		}
	}

	value, op := fn(cur, found)
	switch op {
	case Keep:
		if !found {
			e = &entry{Entry: Entry{StoredAt: s.now(), Stale: true}, ttl: s.ttl}
			s.entries[k] = e
		}
		e.Value = value
		e.Version++
	case Refresh:
		if !found {
			e = &entry{ttl: s.ttl}
			s.entries[k] = e
		}
		e.Value = value
		e.StoredAt = s.now()
		e.Stale = false
		e.Version++
	default:
		return cur, false
	}
	s.notifyLocked(Change{Key: k, Version: e.Version, Stale: e.Stale})
	return e.Entry, true
}

// Invalidate marks every entry whose key starts with prefix as due for
// refetch. Values are kept. Returns the number of entries marked.
func (s *Store) Invalidate(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.entries {
		if !strings.HasPrefix(k, prefix) || e.Stale {
			continue
		}
		e.Stale = true
		n++
		s.notifyLocked(Change{Key: k, Version: e.Version, Stale: true})
	}
	return n
}

// Delete removes key.
func (s *Store) Delete(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	e, ok := s.entries[k]
	if !ok {
		return
	}
	delete(s.entries, k)
	s.notifyLocked(Change{Key: k, Version: e.Version, Deleted: true})
}

// Clear drops every entry, as on logout.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.entries {
		s.notifyLocked(Change{Key: k, Version: e.Version, Deleted: true})
	}
	s.entries = make(map[string]*entry)
}

// Sweep evicts entries that have been past their TTL for longer than grace.
func (s *Store) Sweep(grace time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, e := range s.entries {
		if now.Sub(e.StoredAt) < e.ttl+grace {
			continue
		}
		delete(s.entries, k)
		n++
		s.notifyLocked(Change{Key: k, Version: e.Version, Deleted: true})
	}
	return n
}

// Watch subscribes to changes of keys starting with prefix. A watcher that
// falls behind by more than buffer changes misses the overflow rather than
// blocking writers. Call the returned func to stop watching.
func (s *Store) Watch(prefix string, buffer int) (<-chan Change, func()) {
	w := &watcher{prefix: prefix, ch: make(chan Change, buffer)}

	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, w)
			close(w.ch)
			s.mu.Unlock()
		})
	}
}

func (s *Store) notifyLocked(c Change) {
	for w := range s.watchers {
		if !strings.HasPrefix(c.Key, w.prefix) {
			continue
		}
		select {
		case w.ch <- c:
		default:
		}
	}
}
