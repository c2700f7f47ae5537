package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/uzurihq/notify/internal/db"
)

type mockPrefStore struct {
	prefs map[uuid.UUID]*db.Preference
	calls int
}

func (m *mockPrefStore) GetPreference(ctx context.Context, userID uuid.UUID) (*db.Preference, error) {
	m.calls++
	if p, ok := m.prefs[userID]; ok {
		return p, nil
	}
	return db.DefaultPreference(userID), nil
}

func setupTestCache(t *testing.T) (*PreferenceCache, *mockPrefStore, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := &Client{rdb: rdb, logger: zap.NewNop()}
	store := &mockPrefStore{prefs: make(map[uuid.UUID]*db.Preference)}
	cache := NewPreferenceCache(client, store, zap.NewNop())

	return cache, store, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestPreferenceCache_ReadThrough(t *testing.T) {
	cache, store, _, cleanup := setupTestCache(t)
	defer cleanup()

	ctx := context.Background()
	userID := uuid.New()
	store.prefs[userID] = &db.Preference{
		UserID:    userID,
		Channels:  []string{db.ChannelInApp, db.ChannelSMS},
		Language:  "sw",
		UrgentSMS: true,
	}

	// First read misses and fills the cache.
	pref, err := cache.GetPreference(ctx, userID)
	if err != nil {
		t.Fatalf("GetPreference() error = %v", err)
	}
	if pref.Language != "sw" {
		t.Errorf("expected language 'sw', got '%s'", pref.Language)
	}
	if store.calls != 1 {
		t.Fatalf("expected 1 store read, got %d", store.calls)
	}

	// Second read is served from Redis.
	pref, err = cache.GetPreference(ctx, userID)
	if err != nil {
		t.Fatalf("GetPreference() error = %v", err)
	}
	if store.calls != 1 {
		t.Errorf("expected cache hit, store read %d times", store.calls)
	}
	if len(pref.Channels) != 2 {
		t.Errorf("cached preference lost channels: %v", pref.Channels)
	}
}

func TestPreferenceCache_Invalidate(t *testing.T) {
	cache, store, _, cleanup := setupTestCache(t)
	defer cleanup()

	ctx := context.Background()
	userID := uuid.New()
	store.prefs[userID] = &db.Preference{UserID: userID, Channels: []string{db.ChannelInApp}}

	if _, err := cache.GetPreference(ctx, userID); err != nil {
		t.Fatalf("GetPreference() error = %v", err)
	}

	// Update the source and invalidate; the next read must see the change.
	store.prefs[userID] = &db.Preference{UserID: userID, Channels: []string{db.ChannelInApp, db.ChannelEmail}}
	cache.Invalidate(ctx, userID)

	pref, err := cache.GetPreference(ctx, userID)
	if err != nil {
		t.Fatalf("GetPreference() error = %v", err)
	}
	if len(pref.Channels) != 2 {
		t.Errorf("expected updated preference after invalidation, got %v", pref.Channels)
	}
	if store.calls != 2 {
		t.Errorf("expected 2 store reads, got %d", store.calls)
	}
}

func TestPreferenceCache_CorruptEntryFallsThrough(t *testing.T) {
	cache, store, mr, cleanup := setupTestCache(t)
	defer cleanup()

	ctx := context.Background()
	userID := uuid.New()
	store.prefs[userID] = &db.Preference{UserID: userID, Channels: []string{db.ChannelInApp}}

	mr.Set("pref:"+userID.String(), "{corrupt")

	pref, err := cache.GetPreference(ctx, userID)
	if err != nil {
		t.Fatalf("GetPreference() error = %v", err)
	}
	if len(pref.Channels) != 1 {
		t.Errorf("expected store preference, got %v", pref.Channels)
	}
	if store.calls != 1 {
		t.Errorf("expected fallback store read, got %d", store.calls)
	}
}

func TestPreferenceCache_RedisDownFailsOpen(t *testing.T) {
	cache, store, mr, cleanup := setupTestCache(t)
	defer cleanup()

	ctx := context.Background()
	userID := uuid.New()
	store.prefs[userID] = &db.Preference{UserID: userID, Channels: []string{db.ChannelInApp}}

	mr.Close()

	pref, err := cache.GetPreference(ctx, userID)
	if err != nil {
		t.Fatalf("expected fallback to store with redis down, got error %v", err)
	}
	if pref == nil || len(pref.Channels) != 1 {
		t.Errorf("unexpected preference with redis down: %+v", pref)
	}
}
