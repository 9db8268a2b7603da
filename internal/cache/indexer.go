package cache

import "context"

// Indexer is the per-backend fingerprint index a ResponseCache uses to
// support model-scoped clear/stats (spec §4.3): a "models:<backend>" set of
// every cache key ever written for that backend.
//
// Grounded on original_source/cache.py's use of Redis SADD/SMEMBERS/SCAN and
// the stats it derives from them.
type Indexer interface {
	// AddToSet adds member to the set named setKey.
	AddToSet(ctx context.Context, setKey, member string) error

	// SetMembers returns every member of the set named setKey.
	SetMembers(ctx context.Context, setKey string) ([]string, error)

	// ScanKeys returns every cache key matching pattern (glob-style, as
	// accepted by Redis SCAN/MATCH).
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// DeleteMany removes all of keys (ExactCache issues DEL in batches of
	// 500). Missing keys are not an error.
	DeleteMany(ctx context.Context, keys []string) error

	// MemoryUsageBytes reports the backing store's reported memory usage,
	// or 0 if the store does not track it (e.g. MemoryCache).
	MemoryUsageBytes(ctx context.Context) int64
}
