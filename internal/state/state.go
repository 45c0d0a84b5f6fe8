package state

import (
	"sort"
	"sync"
	"time"

	"github.com/mcules/opus-mt-server/internal/engine"
)

type ModelState string

const (
	ModelUnavailable ModelState = "unavailable"
	ModelAvailable   ModelState = "available"
	ModelLoading     ModelState = "loading"
	ModelLoaded      ModelState = "loaded"
)

type Residency struct {
	Route       string
	State       ModelState
	LoadedSince time.Time
	LastUsed    time.Time
	// Generation increases every time the route is (re)loaded.
	Generation uint64
}

// Entry is a loaded (model, tokenizer) pair owned by the cache. Requests hold
// an entry between Acquire and Release; an entry dropped from the cache is
// closed once its last holder lets go.
type Entry struct {
	Model     engine.Model
	Tokenizer engine.Tokenizer
	Residency

	// Guarded by Cache.mu.
	refs    int
	retired bool
	closed  bool
}

// Cache maps route keys to loaded entries. It never evicts on its own.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	gen     uint64
}

func NewCache() *Cache {
	return &Cache{
		entries: map[string]*Entry{},
	}
}

func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	return e, ok
}

// Put inserts or replaces the entry for key. It returns the replaced entry, if any.
func (c *Cache) Put(key string, m engine.Model, tok engine.Tokenizer) (*Entry, *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	now := time.Now()
	e := &Entry{
		Model:     m,
		Tokenizer: tok,
		Residency: Residency{
			Route:       key,
			State:       ModelLoaded,
			LoadedSince: now,
			LastUsed:    now,
			Generation:  c.gen,
		},
	}
	prev := c.entries[key]
	c.entries[key] = e
	return e, prev
}

// Acquire returns the entry for key and marks it in use until Release.
func (c *Cache) Acquire(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok {
		e.refs++
	}
	return e, ok
}

// Release ends one use of e. It reports whether e was dropped from the cache
// and this was its last user, in which case the caller closes its handles.
func (c *Cache) Release(e *Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.refs > 0 {
		e.refs--
	}
	return c.closable(e)
}

// Retire marks an entry returned by Put, Delete or Clear as dropped. It
// reports whether nobody holds e, in which case the caller closes its handles
// now; otherwise the last Release does.
func (c *Cache) Retire(e *Entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.retired = true
	return c.closable(e)
}

func (c *Cache) closable(e *Entry) bool {
	if !e.retired || e.refs > 0 || e.closed {
		return false
	}
	e.closed = true
	return true
}

// Touch records a use of the entry.
func (c *Cache) Touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.LastUsed = time.Now()
	}
}

func (c *Cache) Delete(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	return e, ok
}

// Clear empties the cache and returns what it held.
func (c *Cache) Clear() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.entries = map[string]*Entry{}
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Keys returns the cached route keys in lexical order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns residency copies of all entries, ordered by route.
func (c *Cache) Snapshot() []Residency {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Residency, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Residency)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}
