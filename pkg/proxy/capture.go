package proxy

import "sync"

// CaptureStore is a concurrency-safe in-memory store of recent
// RequestRecord entries, exposed through the admin surface.
type CaptureStore struct {
	mu      sync.Mutex
	entries []RequestRecord
	max     int
}

// NewCaptureStore creates a CaptureStore with capacity maxEntries.
func NewCaptureStore(maxEntries int) *CaptureStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &CaptureStore{max: maxEntries}
}

// Add adds a record, evicting the oldest when full.
func (c *CaptureStore) Add(r RequestRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, r)
}

// List returns a snapshot copy of entries.
func (c *CaptureStore) List() []RequestRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RequestRecord, len(c.entries))
	copy(out, c.entries)
	return out
}

// Clear empties the store.
func (c *CaptureStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}
