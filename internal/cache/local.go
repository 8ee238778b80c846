package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Local is the bounded in-process L1 cache. Reads touch recency, inserts
// beyond capacity evict the least-recently-used entry. It does no network
// I/O and is safe for concurrent use.
type Local struct {
	entries *lru.Cache[string, *Entry]
}

// NewLocal creates an L1 cache bounded at capacity entries.
func NewLocal(capacity int) (*Local, error) {
	entries, err := lru.New[string, *Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Local{entries: entries}, nil
}

// Get returns the entry for key and refreshes its recency.
func (l *Local) Get(key string) (*Entry, bool) {
	return l.entries.Get(key)
}

// Set stores an entry, evicting the least-recently-used one if at capacity.
func (l *Local) Set(key string, entry *Entry) {
	l.entries.Add(key, entry)
}

// Evict removes key. Evicting a missing key is a no-op.
func (l *Local) Evict(key string) {
	l.entries.Remove(key)
}

// Len reports the current entry count, for the ops surface.
func (l *Local) Len() int {
	return l.entries.Len()
}

// Purge drops every entry.
func (l *Local) Purge() {
	l.entries.Purge()
}
