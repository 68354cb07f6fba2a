// Package cache provides the content-addressed TTL cache for consultation
// results and the incremental state store used for change detection between
// runs.
package cache

import (
	"errors"
	"regexp"
)

// ErrNotFound is returned by Store.Get when no record exists for the key.
var ErrNotFound = errors.New("cache: record not found")

// Store is a byte-addressable record store. The physical backend (flat files,
// embedded key-value store) is swappable without touching the manager or the
// orchestration logic above it.
//
// Keys must match keyPattern; the Manager only ever produces hex digests and
// digest-derived state keys, so this is a programming-error guard rather than
// an input-validation surface.
type Store interface {
	// Get returns the record for key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// Set writes the record for key. A reader must never observe a partially
	// written record.
	Set(key string, value []byte) error
	// Delete removes the record for key. Deleting an absent key is a no-op.
	Delete(key string) error
	// Keys lists all record keys.
	Keys() ([]string, error)
	Close() error
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func validKey(key string) bool {
	return key != "" && keyPattern.MatchString(key)
}
