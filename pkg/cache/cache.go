package cache

import "io"

// Backend stores raw upstream responses keyed by request target.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the cached payload of key. The returned slice must be
	// treated as read-only.
	Get(key string) (payload []byte, ok bool)

	// Store caches payload under key. payload is copied by the backend.
	// It reports whether the entry was admitted.
	Store(key string, payload []byte) bool

	Stats() Stats

	Len() int

	// Clear drops all entries.
	Clear()

	io.Closer
}

// Stats is a point in time snapshot of a Backend.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Entries     int    `json:"entries"`
	CurrentSize int64  `json:"current_size"`
	MaxSize     int64  `json:"max_size"`
}
