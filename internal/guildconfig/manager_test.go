package guildconfig

import (
	"context"
	"testing"

	"voicetracker/internal/models"
	"voicetracker/internal/store"
)

// fakeSource is an in-memory config backend that counts reads.
type fakeSource struct {
	configs map[string]*models.ServerConfig
	gets    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{configs: make(map[string]*models.ServerConfig)}
}

func (f *fakeSource) GetServerConfig(guildID string) (*models.ServerConfig, error) {
	f.gets++
	return f.configs[guildID], nil
}

func (f *fakeSource) UpsertServerConfig(cfg *models.ServerConfig) error {
	f.configs[cfg.GuildID] = cfg
	return nil
}

func TestGetReadsThroughToSource(t *testing.T) {
	src := newFakeSource()
	src.configs["g1"] = models.DefaultServerConfig("g1")
	m := NewManager(src, store.NewMemoryStore())

	cfg, err := m.Get(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cfg == nil || cfg.GuildID != "g1" {
		t.Fatalf("Get returned %+v", cfg)
	}
	if src.gets != 1 {
		t.Errorf("Expected one backend read, got %d", src.gets)
	}
}

func TestGetUsesLocalCacheOnRepeat(t *testing.T) {
	src := newFakeSource()
	src.configs["g1"] = models.DefaultServerConfig("g1")
	m := NewManager(src, store.NewMemoryStore())
	ctx := context.Background()

	if _, err := m.Get(ctx, "g1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := m.Get(ctx, "g1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if src.gets != 1 {
		t.Errorf("Repeat read should hit the cache, got %d backend reads", src.gets)
	}
}

func TestGetReadsSharedCacheAcrossInstances(t *testing.T) {
	src := newFakeSource()
	src.configs["g1"] = models.DefaultServerConfig("g1")
	shared := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := NewManager(src, shared).Get(ctx, "g1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// second manager with a cold local cache against the same store
	cfg, err := NewManager(src, shared).Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cfg == nil || cfg.GuildID != "g1" {
		t.Fatalf("Get returned %+v", cfg)
	}
	if src.gets != 1 {
		t.Errorf("Shared cache should serve the second instance, got %d backend reads", src.gets)
	}
}

func TestGetUnconfiguredGuildReturnsNil(t *testing.T) {
	m := NewManager(newFakeSource(), store.NewMemoryStore())

	cfg, err := m.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cfg != nil {
		t.Errorf("Unconfigured guild should yield nil, got %+v", cfg)
	}
}

func TestSaveUpdatesBackendAndCaches(t *testing.T) {
	src := newFakeSource()
	m := NewManager(src, store.NewMemoryStore())
	ctx := context.Background()

	cfg := models.DefaultServerConfig("g1")
	cfg.MinSessionMinutes = 45
	if err := m.Save(ctx, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := m.Get(ctx, "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.MinSessionMinutes != 45 {
		t.Errorf("MinSessionMinutes = %d, want 45", got.MinSessionMinutes)
	}
	if src.gets != 0 {
		t.Errorf("Save should prime the cache, got %d backend reads", src.gets)
	}
	if src.configs["g1"] == nil {
		t.Error("Save should persist to the backend")
	}
}

func TestClearForcesBackendReload(t *testing.T) {
	src := newFakeSource()
	src.configs["g1"] = models.DefaultServerConfig("g1")
	m := NewManager(src, store.NewMemoryStore())
	ctx := context.Background()

	if _, err := m.Get(ctx, "g1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := m.Clear(ctx, "g1"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := m.Get(ctx, "g1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if src.gets != 2 {
		t.Errorf("Clear should drop both cache levels, got %d backend reads", src.gets)
	}
}
