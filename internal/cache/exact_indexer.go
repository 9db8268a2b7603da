package cache

import (
	"context"
	"path"
	"strconv"
	"strings"
	"time"
)

const indexerScanTimeout = 2 * time.Second

// AddToSet implements Indexer using Redis SADD. The SADD error is returned
// to the caller; ResponseCache.Set logs it and carries on.
func (c *ExactCache) AddToSet(ctx context.Context, setKey, member string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return c.client.SAdd(ctx, setKey, member).Err()
}

// SetMembers implements Indexer using Redis SMEMBERS.
func (c *ExactCache) SetMembers(ctx context.Context, setKey string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return c.client.SMembers(ctx, setKey).Result()
}

// ScanKeys implements Indexer using Redis SCAN, cursor-walking the keyspace
// until exhausted — grounded on original_source/cache.py's scan-based clear
// and get_stats (it avoids the O(N) blocking cost of KEYS on a live cluster).
func (c *ExactCache) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, indexerScanTimeout)
	defer cancel()

	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return keys, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// DeleteMany implements Indexer using Redis DEL in batches of 500.
func (c *ExactCache) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, indexerScanTimeout)
	defer cancel()

	const batchSize = 500
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := c.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return err
		}
	}
	return nil
}

// MemoryUsageBytes reports Redis's used_memory from INFO memory, or 0 on
// error (graceful degradation).
func (c *ExactCache) MemoryUsageBytes(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(info, "\r\n") {
		if strings.HasPrefix(line, "used_memory:") {
			v := strings.TrimPrefix(line, "used_memory:")
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

// matchesGlob reports whether key matches a Redis-style glob pattern,
// reusing path.Match (Redis SCAN patterns are glob-compatible).
func matchesGlob(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}
