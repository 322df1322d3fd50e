// Package cache provides caching for derived key material.
package cache

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector/client-data-module-encryption/types"
)

const (
	// shardCount stripes the cache so unrelated fields never contend on
	// one lock.
	shardCount = 32

	cleanupInterval = 1 * time.Minute
)

type shard struct {
	mu   sync.RWMutex
	data map[string]*types.CacheEntry
	ttl  map[string]time.Time
}

// KeyCache implements types.KeyCache with per-shard locking and secure
// memory handling. Entries expire on a short TTL; a background routine
// wipes expired material.
type KeyCache struct {
	config  *types.CacheConfig
	shards  [shardCount]*shard
	logger  *zerolog.Logger
	done    chan struct{}
	stopped sync.Once

	enabled atomic.Bool
	hits    atomic.Int64
	misses  atomic.Int64

	statsMu sync.Mutex
	stats   types.CacheStats
}

// NewKeyCache creates a key cache with the provided configuration and
// starts the background cleanup routine.
func NewKeyCache(config *types.CacheConfig) *KeyCache {
	logger := log.With().Str("component", "key_cache").Logger()

	if config == nil {
		config = &types.CacheConfig{Enabled: true}
	}

	c := &KeyCache{
		config: config,
		logger: &logger,
		done:   make(chan struct{}),
		stats: types.CacheStats{
			LastPurged:  time.Now().UTC(),
			LastAccess:  time.Now().UTC(),
			LastUpdated: time.Now().UTC(),
		},
	}
	c.enabled.Store(config.Enabled)
	for i := range c.shards {
		c.shards[i] = &shard{
			data: make(map[string]*types.CacheEntry),
			ttl:  make(map[string]time.Time),
		}
	}

	go c.runCleanup()

	logger.Info().
		Bool("enabled", config.Enabled).
		Dur("ttl", config.GetEffectiveTTL()).
		Msg("Key cache initialized")

	return c
}

func (c *KeyCache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

func (c *KeyCache) runCleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if expired := c.evictExpired(); expired > 0 {
				c.logger.Debug().
					Int("expired", expired).
					Msg("Key cache cleanup completed")
			}
		case <-c.done:
			return
		}
	}
}

func (c *KeyCache) evictExpired() int {
	now := time.Now()
	expired := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, deadline := range s.ttl {
			if now.After(deadline) {
				if entry := s.data[key]; entry != nil {
					entry.Clear()
				}
				delete(s.data, key)
				delete(s.ttl, key)
				expired++
			}
		}
		s.mu.Unlock()
	}
	if expired > 0 {
		c.statsMu.Lock()
		c.stats.LastPurged = time.Now().UTC()
		c.statsMu.Unlock()
	}
	return expired
}

// Enable activates the cache.
func (c *KeyCache) Enable() {
	c.enabled.Store(true)
}

// Disable deactivates the cache and securely wipes all entries.
func (c *KeyCache) Disable() {
	c.enabled.Store(false)
	c.Clear()
}

// IsEnabled returns whether the cache is enabled.
func (c *KeyCache) IsEnabled() bool {
	return c.enabled.Load()
}

// Clear securely wipes and removes all entries.
func (c *KeyCache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		for key, entry := range s.data {
			if entry != nil {
				entry.Clear()
			}
			delete(s.data, key)
			delete(s.ttl, key)
		}
		s.mu.Unlock()
	}
	c.statsMu.Lock()
	c.stats.LastPurged = time.Now().UTC()
	c.statsMu.Unlock()
}

// Get retrieves cached key material and its version.
func (c *KeyCache) Get(ctx context.Context, key string) (*types.SecureBytes, string, int, bool) {
	if !c.enabled.Load() {
		return nil, "", 0, false
	}

	s := c.shardFor(key)
	s.mu.RLock()
	entry, ok := s.data[key]
	deadline := s.ttl[key]
	s.mu.RUnlock()

	if !ok || time.Now().After(deadline) {
		c.misses.Add(1)
		return nil, "", 0, false
	}

	c.hits.Add(1)
	c.statsMu.Lock()
	c.stats.LastAccess = time.Now().UTC()
	c.statsMu.Unlock()
	return entry.Value, entry.VersionID, entry.Sequence, true
}

// Set adds key material to the cache.
func (c *KeyCache) Set(ctx context.Context, key string, value []byte, versionID string, sequence int) {
	if !c.enabled.Load() {
		return
	}

	entry := &types.CacheEntry{
		Value:     types.NewSecureBytes(value),
		VersionID: versionID,
		Sequence:  sequence,
	}

	s := c.shardFor(key)
	s.mu.Lock()
	if old := s.data[key]; old != nil {
		old.Clear()
	}
	s.data[key] = entry
	s.ttl[key] = time.Now().Add(c.config.GetEffectiveTTL())
	s.mu.Unlock()

	c.statsMu.Lock()
	c.stats.LastUpdated = time.Now().UTC()
	c.statsMu.Unlock()
}

// Delete securely wipes and removes a key.
func (c *KeyCache) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	if entry := s.data[key]; entry != nil {
		entry.Clear()
	}
	delete(s.data, key)
	delete(s.ttl, key)
	s.mu.Unlock()
}

// DeletePrefix wipes and removes all keys with the given prefix. Used to
// invalidate one field's entries when its key rotates or its policy changes.
func (c *KeyCache) DeletePrefix(prefix string) {
	for _, s := range c.shards {
		s.mu.Lock()
		for key, entry := range s.data {
			if strings.HasPrefix(key, prefix) {
				if entry != nil {
					entry.Clear()
				}
				delete(s.data, key)
				delete(s.ttl, key)
			}
		}
		s.mu.Unlock()
	}
}

// GetStats returns cache statistics.
func (c *KeyCache) GetStats(ctx context.Context) types.CacheStats {
	size := 0
	for _, s := range c.shards {
		s.mu.RLock()
		size += len(s.data)
		s.mu.RUnlock()
	}

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	stats := c.stats
	stats.Size = size
	stats.Hits = c.hits.Load()
	stats.Misses = c.misses.Load()
	return stats
}

// Close stops the background cleanup routine and wipes all entries.
func (c *KeyCache) Close() {
	c.stopped.Do(func() {
		close(c.done)
	})
	c.Clear()
}

var _ types.KeyCache = (*KeyCache)(nil)
