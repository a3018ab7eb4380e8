// Package faststore defines the flat lookup store behind the fast kernel path.
//
// A Store is an accelerator only. A miss is never an error: callers fall back
// to the structural kernel cache, which stays authoritative. Implementations
// may therefore drop or delay writes (e.g. admission-based stores), but Clear
// must remove everything that was visible before it was called.
package faststore

// Store is a concurrent-safe map from an opaque string key to a value.
// Must be safe for concurrent use and must use locks independent of any
// caller's locks.
type Store interface {
	// Get returns (value, true) on hit; (nil, false) on miss.
	Get(key string) (any, bool)

	// Set stores value under key. Keeps the first value when the key exists.
	Set(key string, value any)

	// Clear removes every key.
	Clear()

	// Close releases resources.
	Close() error
}
