// Package cache provides the read-path cache used to accelerate transaction
// list and detail reads.
//
// The cache is best-effort and eventually consistent: entries are invalidated
// on writes and expire via TTL. Correctness-critical paths (idempotency
// replay, settlement) never read from it.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/settleflow/internal/metrics"
)

// Cache is a get/set/invalidate cache with TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	// DeletePrefix removes every entry whose key starts with prefix.
	// Keys are structured (merchant:{id}:transactions:...) so merchant-wide
	// invalidation is a single prefix sweep.
	DeletePrefix(ctx context.Context, prefix string)
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Cache implementation.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewMemory creates an in-memory cache. If janitorInterval > 0, a background
// sweep evicts expired entries until ctx is done.
func NewMemory(ctx context.Context, janitorInterval time.Duration) *Memory {
	m := &Memory{entries: make(map[string]entry)}
	if janitorInterval > 0 {
		go m.janitor(ctx, janitorInterval)
	}
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	metrics.CacheHitsTotal.Inc()
	return e.value, true
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	m.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
}

func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) {
	m.mu.Lock()
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
	m.mu.Unlock()
}

func (m *Memory) janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.entries {
				if now.After(e.expiresAt) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Key helpers keep the key scheme in one place.

// MerchantListPrefix is the invalidation prefix for a merchant's list pages.
func MerchantListPrefix(merchantID string) string {
	return "merchant:" + merchantID + ":transactions:"
}

// ListKey builds the cache key for one list page (filters folded in by caller).
func ListKey(merchantID, params string) string {
	return MerchantListPrefix(merchantID) + params
}

// DetailKey builds the cache key for a single transaction.
func DetailKey(txID string) string {
	return "transaction:" + txID
}
