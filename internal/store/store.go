// Package store defines the source-of-truth boundary for the cache engine:
// the minimal product projection the cache serves, and the Store interface
// the leader rebuild path fetches through.
package store

import (
	"context"
	"time"
)

// Record is the minimal product projection kept in cache. The full product
// row carries much more; only the fields hot read paths need are selected.
type Record struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	Currency   string    `json:"currency"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is the durable source of truth behind the cache.
//
// FetchByID returns (nil, nil) when the record does not exist; not-found is
// a legitimate outcome, not an error.
type Store interface {
	FetchByID(ctx context.Context, id string) (*Record, error)
}
