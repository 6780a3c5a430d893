// Package guildconfig serves per-guild configuration snapshots through a
// two-level read-through cache: in-process, then the shared key-value
// store, then the database.
package guildconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"voicetracker/internal/models"
	"voicetracker/internal/store"
)

const (
	localCacheTTL  = 5 * time.Minute
	sharedCacheTTL = 5 * time.Minute
)

// Source is the authoritative config backend.
type Source interface {
	GetServerConfig(guildID string) (*models.ServerConfig, error)
	UpsertServerConfig(cfg *models.ServerConfig) error
}

// Manager caches guild configuration reads. The session core only ever sees
// the returned snapshot.
type Manager struct {
	source Source
	store  store.Store
	cache  *gocache.Cache
}

// NewManager creates a guild config manager.
func NewManager(source Source, st store.Store) *Manager {
	return &Manager{
		source: source,
		store:  st,
		cache:  gocache.New(localCacheTTL, 10*time.Minute),
	}
}

// Get returns the guild's config snapshot, or nil if the guild is not
// configured.
func (m *Manager) Get(ctx context.Context, guildID string) (*models.ServerConfig, error) {
	if cached, ok := m.cache.Get(guildID); ok {
		return cached.(*models.ServerConfig), nil
	}

	key := store.GuildConfigKey(guildID)
	if raw, err := m.store.Get(ctx, key); err == nil {
		var cfg models.ServerConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err == nil {
			m.cache.Set(guildID, &cfg, gocache.DefaultExpiration)
			return &cfg, nil
		}
		// fall through to the database on a malformed cache entry
	} else if err != store.ErrNotFound {
		return nil, fmt.Errorf("failed to read cached config: %w", err)
	}

	cfg, err := m.source.GetServerConfig(guildID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, nil
	}

	if err := m.writeShared(ctx, cfg); err != nil {
		return nil, err
	}
	m.cache.Set(guildID, cfg, gocache.DefaultExpiration)
	return cfg, nil
}

// Save writes a config to the backend and refreshes both cache levels.
func (m *Manager) Save(ctx context.Context, cfg *models.ServerConfig) error {
	if err := m.source.UpsertServerConfig(cfg); err != nil {
		return err
	}
	if err := m.writeShared(ctx, cfg); err != nil {
		return err
	}
	m.cache.Set(cfg.GuildID, cfg, gocache.DefaultExpiration)
	return nil
}

// Refresh reloads a guild's config from the backend into both cache levels.
func (m *Manager) Refresh(ctx context.Context, guildID string) (*models.ServerConfig, error) {
	cfg, err := m.source.GetServerConfig(guildID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, nil
	}
	if err := m.writeShared(ctx, cfg); err != nil {
		return nil, err
	}
	m.cache.Set(guildID, cfg, gocache.DefaultExpiration)
	return cfg, nil
}

// Clear drops a guild from both cache levels.
func (m *Manager) Clear(ctx context.Context, guildID string) error {
	m.cache.Delete(guildID)
	if err := m.store.Delete(ctx, store.GuildConfigKey(guildID)); err != nil {
		return fmt.Errorf("failed to clear cached config: %w", err)
	}
	return nil
}

func (m *Manager) writeShared(ctx context.Context, cfg *models.ServerConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := m.store.Set(ctx, store.GuildConfigKey(cfg.GuildID), string(data), sharedCacheTTL); err != nil {
		return fmt.Errorf("failed to cache config: %w", err)
	}
	return nil
}
