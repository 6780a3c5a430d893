package store

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same TTL and sorted-collection
// semantics as the Redis implementation. Tests run the session engine
// against it; it is also usable for local single-process runs without Redis.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]memoryEntry
	zets map[string]map[string]float64

	// Now is the clock used for TTL expiry. Overridable in tests.
	Now func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]memoryEntry),
		zets: make(map[string]map[string]float64),
		Now:  time.Now,
	}
}

func (s *MemoryStore) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && s.Now().After(e.expiresAt)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.keys[key]
	if !ok || s.expired(e) {
		delete(s.keys, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.Now().Add(ttl)
	}
	s.keys[key] = e
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.keys, key)
	}
	return nil
}

func (s *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.zets[key]
	if !ok {
		set = make(map[string]float64)
		s.zets[key] = set
	}
	set[member] = score
	return nil
}

func (s *MemoryStore) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	members := s.rangeByScore(key, min, max)
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Value
	}
	return out, nil
}

func (s *MemoryStore) ZRevRangeByScoreWithScores(_ context.Context, key string, max, min float64) ([]ScoredValue, error) {
	members := s.rangeByScore(key, min, max)
	// reverse into descending score order
	for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
		members[i], members[j] = members[j], members[i]
	}
	return members, nil
}

func (s *MemoryStore) rangeByScore(key string, min, max float64) []ScoredValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ScoredValue
	for member, score := range s.zets[key] {
		if score >= min && score <= max {
			out = append(out, ScoredValue{Value: member, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func (s *MemoryStore) ZRem(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.zets[key], member)
	return nil
}

func (s *MemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for member, score := range s.zets[key] {
		if score >= min && score <= max {
			delete(s.zets[key], member)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.zets[key])), nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for key, e := range s.keys {
		if s.expired(e) {
			delete(s.keys, key)
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}
