// Package resolver maps opaque keys to opaque values with a time to live. Backends range from a
// process-local map to the mainline DHT.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/zeebo/blake3"
)

// Absent or expired keys.
var ErrNotFound = errors.New("key not found")

// KeySize is the length of keys produced by KeyFor.
const KeySize = 20

type Resolver interface {
	// Put stores value under key. Expiry after ttl is best-effort for some backends.
	Put(ctx context.Context, key, value []byte, ttl time.Duration) error
	// Get returns ErrNotFound if key is absent or expired.
	Get(ctx context.Context, key []byte) ([]byte, error)
}

// KeyFor derives a key from a logical item name, for callers that don't supply an explicit key.
func KeyFor(namespace, name string) []byte {
	h := blake3.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(name))
	return h.Sum(nil)[:KeySize]
}
