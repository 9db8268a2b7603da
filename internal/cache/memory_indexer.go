package cache

import "context"

// AddToSet implements Indexer by emulating a Redis set with an in-process
// map[string]map[string]struct{}.
func (c *MemoryCache) AddToSet(_ context.Context, setKey, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sets[setKey] == nil {
		c.sets[setKey] = make(map[string]struct{})
	}
	c.sets[setKey][member] = struct{}{}
	return nil
}

// SetMembers implements Indexer.
func (c *MemoryCache) SetMembers(_ context.Context, setKey string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	members := c.sets[setKey]
	out := make([]string, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	return out, nil
}

// ScanKeys implements Indexer with a linear scan over in-process keys —
// acceptable here since MemoryCache is the single-instance/dev backend.
func (c *MemoryCache) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for k := range c.items {
		if matchesGlob(pattern, k) {
			out = append(out, k)
		}
	}
	return out, nil
}

// DeleteMany implements Indexer.
func (c *MemoryCache) DeleteMany(_ context.Context, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.items, k)
		delete(c.sets, k)
	}
	return nil
}

// MemoryUsageBytes always reports 0 — MemoryCache does not track byte-level
// usage the way Redis's INFO memory does.
func (c *MemoryCache) MemoryUsageBytes(_ context.Context) int64 { return 0 }
