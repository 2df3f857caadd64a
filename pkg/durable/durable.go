// Package durable defines the key-value contract the cache mirror
// persists through: a synchronous, string-keyed store with finite
// capacity and a quota-exceeded failure mode. Implementations live in
// the pebblestore and redistore subpackages; MemStore serves tests and
// single-process demos.
package durable

import "errors"

// ErrQuotaExceeded is returned by Set when the store cannot accept the
// record at its current size. Callers reclaim space and retry.
var ErrQuotaExceeded = errors.New("durable: quota exceeded")

// ErrClosed is returned by operations on a store that was shut down.
var ErrClosed = errors.New("durable: store closed")

// Store is the persistence contract. Implementations must be safe for
// concurrent use; cross-process writers are not coordinated, so
// concurrent processes race with last-write-wins semantics.
type Store interface {
	// Get returns the record for key, or found=false when absent.
	Get(key string) (value []byte, found bool, err error)

	// Set writes the record, replacing any prior value. Returns
	// ErrQuotaExceeded when the store is out of space.
	Set(key string, value []byte) error

	// Remove deletes the record for key. Removing an absent key is not
	// an error.
	Remove(key string) error

	// Keys enumerates every stored key beginning with prefix. An empty
	// prefix lists the whole store.
	Keys(prefix string) ([]string, error)

	// Close releases the store's resources.
	Close() error
}
