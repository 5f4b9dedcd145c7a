package cache

// Cache maps entity names to resolved channel ids.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the cached id and true, or "" and false when absent or expired
	Get(key string) (string, bool)

	Set(key string, value string)

	// Remove drops key, used when a cached id is known to be stale
	Remove(key string)

	// Close stops background work
	Close()
}
