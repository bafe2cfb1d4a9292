package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/homeward-matching/internal/models"
)

// RedisRestrictions reads anti-abuse tags from the set the trust service
// maintains at driver:restrictions:<id>.
type RedisRestrictions struct {
	Client *redis.Client
}

func (r *RedisRestrictions) Restrictions(ctx context.Context, driverID string) ([]string, error) {
	return r.Client.SMembers(ctx, "driver:restrictions:"+driverID).Result()
}

// MemoryRestrictions is a fixed tag table for tests and local runs.
type MemoryRestrictions struct {
	mu   sync.RWMutex
	tags map[string][]string
}

func NewMemoryRestrictions() *MemoryRestrictions {
	return &MemoryRestrictions{tags: make(map[string][]string)}
}

func (m *MemoryRestrictions) Set(driverID string, tags ...string) {
	m.mu.Lock()
	m.tags[driverID] = tags
	m.mu.Unlock()
}

func (m *MemoryRestrictions) Restrictions(_ context.Context, driverID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tags[driverID], nil
}

// RedisHomes keeps saved home destinations in per-user hashes.
type RedisHomes struct {
	Client *redis.Client
}

func homeKey(userID string) string { return "driver:home:" + userID }

func (r *RedisHomes) Save(ctx context.Context, userID string, dest models.Destination) error {
	return r.Client.HSet(ctx, homeKey(userID), map[string]interface{}{
		"lat":     strconv.FormatFloat(dest.Lat, 'f', -1, 64),
		"lon":     strconv.FormatFloat(dest.Lon, 'f', -1, 64),
		"address": dest.Address,
	}).Err()
}

func (r *RedisHomes) Get(ctx context.Context, userID string) (models.Destination, error) {
	m, err := r.Client.HGetAll(ctx, homeKey(userID)).Result()
	if err != nil {
		return models.Destination{}, err
	}
	if len(m) == 0 {
		return models.Destination{}, fmt.Errorf("home for %s: %w", userID, models.ErrNotFound)
	}
	var dest models.Destination
	dest.Lat, _ = strconv.ParseFloat(m["lat"], 64)
	dest.Lon, _ = strconv.ParseFloat(m["lon"], 64)
	dest.Address = m["address"]
	return dest, nil
}

// MemoryHomes is the in-memory HomeAddresses implementation.
type MemoryHomes struct {
	mu    sync.RWMutex
	homes map[string]models.Destination
}

func NewMemoryHomes() *MemoryHomes {
	return &MemoryHomes{homes: make(map[string]models.Destination)}
}

func (m *MemoryHomes) Save(_ context.Context, userID string, dest models.Destination) error {
	m.mu.Lock()
	m.homes[userID] = dest
	m.mu.Unlock()
	return nil
}

func (m *MemoryHomes) Get(_ context.Context, userID string) (models.Destination, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dest, ok := m.homes[userID]
	if !ok {
		return models.Destination{}, fmt.Errorf("home for %s: %w", userID, models.ErrNotFound)
	}
	return dest, nil
}
