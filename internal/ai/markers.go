package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Markers remember the newest inbound message per conversation so delayed
// reply jobs can tell whether they were superseded.
type Markers interface {
	SetLatest(ctx context.Context, conversationID, messageID string, ttl time.Duration) error
	// Latest returns "" when no marker exists.
	Latest(ctx context.Context, conversationID string) (string, error)
}

type RedisMarkers struct {
	client *redis.Client
	prefix string
}

func NewRedisMarkers(client *redis.Client, prefix string) *RedisMarkers {
	if prefix == "" {
		prefix = "ai:latest:"
	}
	return &RedisMarkers{client: client, prefix: prefix}
}

func (m *RedisMarkers) SetLatest(ctx context.Context, conversationID, messageID string, ttl time.Duration) error {
	if err := m.client.Set(ctx, m.prefix+conversationID, messageID, ttl).Err(); err != nil {
		return fmt.Errorf("set reply marker: %w", err)
	}
	return nil
}

func (m *RedisMarkers) Latest(ctx context.Context, conversationID string) (string, error) {
	value, err := m.client.Get(ctx, m.prefix+conversationID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("get reply marker: %w", err)
	}
	return value, nil
}

type markerEntry struct {
	messageID string
	createdAt time.Time
	expiresAt time.Time
}

// MemoryMarkers is the in-process Markers used without Redis. The oldest
// marker is evicted once maxEntries is reached.
type MemoryMarkers struct {
	mu         sync.RWMutex
	entries    map[string]markerEntry
	maxEntries int
	now        func() time.Time
}

func NewMemoryMarkers(maxEntries int) *MemoryMarkers {
	if maxEntries <= 0 {
		maxEntries = 2000
	}
	return &MemoryMarkers{
		entries:    make(map[string]markerEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (m *MemoryMarkers) SetLatest(_ context.Context, conversationID, messageID string, ttl time.Duration) error {
	now := m.now().UTC()
	entry := markerEntry{messageID: messageID, createdAt: now}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[conversationID]; !exists && len(m.entries) >= m.maxEntries {
		m.evictOldest()
	}
	m.entries[conversationID] = entry
	return nil
}

func (m *MemoryMarkers) Latest(_ context.Context, conversationID string) (string, error) {
	m.mu.RLock()
	entry, exists := m.entries[conversationID]
	m.mu.RUnlock()
	if !exists {
		return "", nil
	}
	if !entry.expiresAt.IsZero() && m.now().UTC().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, conversationID)
		m.mu.Unlock()
		return "", nil
	}
	return entry.messageID, nil
}

func (m *MemoryMarkers) evictOldest() {
	if len(m.entries) == 0 {
		return
	}
	type pair struct {
		key   string
		value markerEntry
	}
	pairs := make([]pair, 0, len(m.entries))
	for key, value := range m.entries {
		pairs = append(pairs, pair{key: key, value: value})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].value.createdAt.Before(pairs[j].value.createdAt)
	})
	delete(m.entries, pairs[0].key)
}
