// Package store defines the key-value time store the session engine is
// persisted in: plain string keys with TTLs plus one timestamp-scored
// sorted collection per guild.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// ScoredValue is a sorted-collection member together with its score.
type ScoredValue struct {
	Value string
	Score float64
}

// Store is the persistence substrate for session state. String operations
// are atomic per key; sorted-collection members are append/remove only.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRevRangeByScoreWithScores(ctx context.Context, key string, max, min float64) ([]ScoredValue, error)
	ZRem(ctx context.Context, key, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Keys returns all keys matching a glob-style pattern. Used by the
	// reconciliation sweep to discover session keys for a guild.
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Key layout, shared by the session manager and the sweep.

func ActiveSessionKey(guildID, userID string) string {
	return fmt.Sprintf("voice:%s:active:%s", guildID, userID)
}

func PausedSessionKey(guildID, userID string) string {
	return fmt.Sprintf("voice:%s:paused:%s", guildID, userID)
}

func PendingSessionKey(guildID, userID string) string {
	return fmt.Sprintf("voice:%s:pending:%s", guildID, userID)
}

func CompletedSessionsKey(guildID string) string {
	return fmt.Sprintf("voice:%s:completed", guildID)
}

func ActiveSessionPattern(guildID string) string {
	return fmt.Sprintf("voice:%s:active:*", guildID)
}

func PausedSessionPattern(guildID string) string {
	return fmt.Sprintf("voice:%s:paused:*", guildID)
}

func GuildConfigKey(guildID string) string {
	return fmt.Sprintf("config:%s", guildID)
}
