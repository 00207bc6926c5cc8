// Package module implements the on-demand source transfer subsystem (C8):
// an Importer that fetches Lua chunks lazily by fullname, a master-side
// ModuleResponder that serves them together with their dependency closure,
// and an intermediate-peer ModuleForwarder that memoizes and relays.
package module

import "sync"

// entry is one cached GET_MODULE outcome, keyed by fullname. notFound marks
// a negative cache entry (spec.md §4.8: "a negative cache entry that raises
// IMPORT_ERROR") distinct from err, which is a transient fetch failure
// (timeout, disconnect) that must NOT be memoized — the name might resolve
// on a later attempt.
type entry struct {
	pkgPresent []string
	path       string
	source     []byte
	related    []string
	notFound   bool
	err        error
}

// cache is the positive/negative lookup table shared by Importer and
// ModuleForwarder.
type cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newCache() *cache {
	return &cache{entries: make(map[string]*entry)}
}

func (c *cache) get(fullname string) (*entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[fullname]
	return e, ok
}

func (c *cache) put(fullname string, e *entry) {
	c.mu.Lock()
	c.entries[fullname] = e
	c.mu.Unlock()
}
