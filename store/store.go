// Package store provides the durable record store boundary consumed by
// the settlement engine, plus its in-memory and Postgres implementations.
//
// The engine never talks SQL or maps directly: it sees a generic
// key-value store with get/put/scan and a per-key exclusive-access
// primitive, and a typed record layer on top that encodes Auction, Bid
// and ConfigEntry records as CBOR.
package store

import "context"

// Pair is one key/value entry returned by Scan.
type Pair struct {
	Key   string
	Value []byte
}

// KV is the generic durable key-value store. Implementations must be safe
// for concurrent use.
type KV interface {
	// Get returns the value for key. found is false when the key does
	// not exist; that is not an error.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Put stores value under key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Scan returns all pairs whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([]Pair, error)

	// Acquire takes the exclusive lock for key, blocking until it is
	// available or ctx is done. The returned release func must be called
	// exactly once. Locks are per key, never global, so unrelated keys
	// do not contend.
	Acquire(ctx context.Context, key string) (release func(), err error)
}
