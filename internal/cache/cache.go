// Package cache provides caching for engine aggregates and snapshot payloads.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	SnapshotCacheSizeMB int
	SnapshotTTL         time.Duration
	QueryCacheSize      int
}

// Manager manages the aggregate query cache and the snapshot payload cache.
type Manager struct {
	snapshotCache *bigcache.BigCache
	queryCache    *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 10 * time.Minute
	}

	// Snapshots are immutable once stored, so entries only age out.
	snapshotCacheConfig := bigcache.Config{
		Shards:             16,
		LifeWindow:         cfg.SnapshotTTL,
		CleanWindow:        cfg.SnapshotTTL / 2,
		MaxEntriesInWindow: 1000,
		MaxEntrySize:       64 * 1024,
		HardMaxCacheSize:   cfg.SnapshotCacheSizeMB,
		Verbose:            false,
	}

	snapshotCache, err := bigcache.New(context.Background(), snapshotCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &Manager{
		snapshotCache: snapshotCache,
		queryCache:    queryCache,
	}, nil
}

// GetSnapshot retrieves an encoded snapshot payload.
func (m *Manager) GetSnapshot(key string) ([]byte, bool) {
	data, err := m.snapshotCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetSnapshot stores an encoded snapshot payload.
func (m *Manager) SetSnapshot(key string, data []byte) error {
	return m.snapshotCache.Set(key, data)
}

// DeleteSnapshot drops a snapshot payload.
func (m *Manager) DeleteSnapshot(key string) {
	m.snapshotCache.Delete(key)
}

// GetQuery retrieves an encoded aggregate.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores an encoded aggregate.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// QueryKey generates a cache key for an engine query. Long request
// descriptions are hashed.
func QueryKey(dataset string, request string) string {
	base := "query:" + dataset
	if len(request) <= 64 {
		return base + ":" + request
	}
	h := sha256.Sum256([]byte(request))
	return base + ":" + hex.EncodeToString(h[:])[:32]
}

// SnapshotKey generates a cache key for a snapshot replay payload.
func SnapshotKey(id string) string {
	return "snapshot:" + id
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"snapshot_cache_len": m.snapshotCache.Len(),
		"snapshot_cache_cap": m.snapshotCache.Capacity(),
		"query_cache_len":    m.queryCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.snapshotCache.Close()
}
