package types

import (
	"context"
	"crypto/subtle"
	"errors"
	"runtime"
	"time"
)

// Common errors
var (
	ErrNotFound = errors.New("key not found in cache")
)

const (
	// DefaultCacheTTLMinutes is the default TTL for cached key material.
	// Kept short so rotations and policy changes take effect quickly; the
	// date-bound cache key additionally forces a daily re-derivation check.
	DefaultCacheTTLMinutes = 5
)

// SecureBytes represents a secure byte slice that will be wiped on garbage collection
type SecureBytes struct {
	data []byte
}

// NewSecureBytes creates a new secure byte slice
func NewSecureBytes(data []byte) *SecureBytes {
	secure := &SecureBytes{
		data: make([]byte, len(data)),
	}
	// Copy data using secure copy to prevent optimizations
	subtle.ConstantTimeCopy(1, secure.data, data)

	// Register finalizer to wipe memory when garbage collected
	runtime.SetFinalizer(secure, (*SecureBytes).Clear)
	return secure
}

// Clear securely wipes the memory
func (s *SecureBytes) Clear() {
	if s.data != nil {
		for i := range s.data {
			s.data[i] = 0
		}
		// Prevent compiler optimizations
		runtime.KeepAlive(s.data)
		s.data = nil
	}
}

// Get returns a copy of the data
func (s *SecureBytes) Get() []byte {
	if s.data == nil {
		return nil
	}
	result := make([]byte, len(s.data))
	subtle.ConstantTimeCopy(1, result, s.data)
	return result
}

// CacheEntry represents a cached derived key with secure memory handling
type CacheEntry struct {
	Value     *SecureBytes
	VersionID string
	Sequence  int
}

// Clear securely wipes the entry
func (e *CacheEntry) Clear() {
	if e.Value != nil {
		e.Value.Clear()
		e.Value = nil
	}
}

// CacheConfig holds configuration for key caching
type CacheConfig struct {
	// Enabled indicates whether caching is enabled
	Enabled bool `json:"enabled" bson:"enabled"`

	// TTL is the time-to-live for cached entries in minutes
	// If not set, DefaultCacheTTLMinutes will be used
	TTL int `json:"ttl,omitempty" bson:"ttl,omitempty"`
}

// GetEffectiveTTL returns the effective TTL for the cache
func (c *CacheConfig) GetEffectiveTTL() time.Duration {
	if c.TTL > 0 {
		return time.Duration(c.TTL) * time.Minute
	}
	return time.Duration(DefaultCacheTTLMinutes) * time.Minute
}

// CacheStats holds statistics about the cache
type CacheStats struct {
	Size        int       `json:"size" bson:"size"`
	Hits        int64     `json:"hits" bson:"hits"`
	Misses      int64     `json:"misses" bson:"misses"`
	LastPurged  time.Time `json:"lastPurged" bson:"lastPurged"`
	LastAccess  time.Time `json:"lastAccess" bson:"lastAccess"`
	LastUpdated time.Time `json:"lastUpdated" bson:"lastUpdated"`
}

// KeyCache defines the interface for key material caching
type KeyCache interface {
	// Enable enables the cache
	Enable()

	// Disable disables the cache and securely wipes all entries
	Disable()

	// IsEnabled returns whether the cache is enabled
	IsEnabled() bool

	// Clear securely wipes and removes all entries from the cache
	Clear()

	// Get retrieves cached key material and the version it belongs to
	Get(ctx context.Context, key string) (*SecureBytes, string, int, bool)

	// Set adds key material to the cache with secure memory handling
	Set(ctx context.Context, key string, value []byte, versionID string, sequence int)

	// Delete securely wipes and removes a key from the cache
	Delete(key string)

	// DeletePrefix wipes and removes all keys with the given prefix,
	// used to invalidate one field's entries on rotation
	DeletePrefix(prefix string)

	// GetStats returns cache statistics
	GetStats(ctx context.Context) CacheStats
}
