// Package cache provides the process-local L1 cache and the serialization
// boundary for entries crossing into and out of the shared L2 store.
package cache

import (
	"encoding/json"
	"time"

	"catalog-cache/internal/common/errors"
	"catalog-cache/internal/store"
)

// Entry is the tagged record stored at both cache tiers. FetchedAt records
// when the value was read from the source of truth, not when it entered
// this process.
type Entry struct {
	Key       string        `json:"key"`
	Record    *store.Record `json:"record"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// NewEntry wraps a freshly fetched record.
func NewEntry(key string, record *store.Record) *Entry {
	return &Entry{
		Key:       key,
		Record:    record,
		FetchedAt: time.Now().UTC(),
	}
}

// Encode serializes the entry for the shared cache.
func (e *Entry) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", errors.InternalError("failed to encode cache entry", err).WithContext("key", e.Key)
	}
	return string(data), nil
}

// DecodeEntry parses an entry read back from the shared cache. A payload
// that fails to parse is indistinguishable from a miss to callers, so the
// error carries enough context to log the corruption.
func DecodeEntry(data string) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, errors.InternalError("failed to decode cache entry", err)
	}
	if entry.Key == "" || entry.Record == nil {
		return nil, errors.InternalError("cache entry missing key or record", nil)
	}
	return &entry, nil
}
