// Package session implements the voice-session lifecycle engine: the state
// machine that carries a (guild, user) presence through active, paused,
// pending and completed states with mute-aware time accounting.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicetracker/internal/models"
	"voicetracker/internal/store"
)

// Policy defaults. TTLs are a safety net so a crashed process cannot leave
// sessions accruing forever; the grace interval bounds rejoin continuation
// of a sub-minimum session.
const (
	DefaultActiveTTL    = 24 * time.Hour
	DefaultPendingTTL   = 5 * time.Minute
	DefaultPendingGrace = 5 * time.Minute
)

// Options override the policy constants.
type Options struct {
	ActiveTTL    time.Duration
	PendingTTL   time.Duration
	PendingGrace time.Duration
}

// Manager owns all session state transitions. Transitions for the same
// (guild, user) serialize on a per-key mutex; different keys do not block
// each other.
type Manager struct {
	store store.Store
	log   *logrus.Logger
	opts  Options

	now   func() time.Time
	locks sync.Map // "guild:user" -> *sync.Mutex
}

// NewManager creates a session manager on the given store.
func NewManager(st store.Store, log *logrus.Logger) *Manager {
	return NewManagerWithOptions(st, log, Options{})
}

// NewManagerWithOptions creates a session manager with explicit policy
// overrides; zero fields fall back to the defaults.
func NewManagerWithOptions(st store.Store, log *logrus.Logger, opts Options) *Manager {
	if opts.ActiveTTL <= 0 {
		opts.ActiveTTL = DefaultActiveTTL
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	if opts.PendingGrace <= 0 {
		opts.PendingGrace = DefaultPendingGrace
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		store: st,
		log:   log,
		opts:  opts,
		now:   time.Now,
	}
}

// SetClock replaces the manager's clock. Tests use this for deterministic
// time accounting.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) lock(guildID, userID string) func() {
	v, _ := m.locks.LoadOrStore(guildID+":"+userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) nowMillis() int64 {
	return m.now().UnixMilli()
}

// settleMuteTime charges the interval since the last checkpoint to exactly
// one of the mute buckets and advances the checkpoint.
func settleMuteTime(s *models.VoiceSession, now int64) {
	elapsed := now - s.LastMuteCheck
	if elapsed < 0 {
		elapsed = 0
	}
	if s.IsMuted {
		s.MutedTime += elapsed
	} else {
		s.UnmutedTime += elapsed
	}
	s.LastMuteCheck = now
}

// readSession loads and decodes a session record. A missing key or a
// malformed value both yield (nil, nil): the undecodable record is deleted
// so the next event or sweep recreates clean state.
func (m *Manager) readSession(ctx context.Context, key string) (*models.VoiceSession, error) {
	raw, err := m.store.Get(ctx, key)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", key, err)
	}

	var s models.VoiceSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		m.log.WithField("key", key).Warnf("Discarding malformed session record: %v", err)
		_ = m.store.Delete(ctx, key)
		return nil, nil
	}
	return &s, nil
}

func (m *Manager) writeSession(ctx context.Context, key string, s *models.VoiceSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := m.store.Set(ctx, key, string(data), m.opts.ActiveTTL); err != nil {
		return fmt.Errorf("failed to write session %s: %w", key, err)
	}
	return nil
}

// Start opens a session for a user entering a tracked voice channel. If a
// pending session ended within the grace interval, its accumulated time is
// carried over and the pending record consumed; otherwise the session
// starts from zero.
func (m *Manager) Start(ctx context.Context, guildID, userID, displayName string, isMuted bool) error {
	defer m.lock(guildID, userID)()

	now := m.nowMillis()
	sess := &models.VoiceSession{
		GuildID:       guildID,
		UserID:        userID,
		DisplayName:   displayName,
		StartTime:     now,
		LastMuteCheck: now,
		IsMuted:       isMuted,
	}

	pendingKey := store.PendingSessionKey(guildID, userID)
	if raw, err := m.store.Get(ctx, pendingKey); err == nil {
		var pending models.PendingSession
		if err := json.Unmarshal([]byte(raw), &pending); err != nil {
			m.log.WithField("key", pendingKey).Warnf("Discarding malformed pending record: %v", err)
		} else if now-pending.EndTime < m.opts.PendingGrace.Milliseconds() {
			sess.TotalTime = pending.TotalTime
			sess.MutedTime = pending.MutedTime
			sess.UnmutedTime = pending.UnmutedTime
		}
		if err := m.store.Delete(ctx, pendingKey); err != nil {
			return fmt.Errorf("failed to consume pending session: %w", err)
		}
	} else if err != store.ErrNotFound {
		return fmt.Errorf("failed to read pending session: %w", err)
	}

	return m.writeSession(ctx, store.ActiveSessionKey(guildID, userID), sess)
}

// Pause moves an active session to paused, settling mute accounting and
// folding the running segment into the accumulated total. No active session
// means nothing to do.
func (m *Manager) Pause(ctx context.Context, guildID, userID, reason string) error {
	defer m.lock(guildID, userID)()

	activeKey := store.ActiveSessionKey(guildID, userID)
	sess, err := m.readSession(ctx, activeKey)
	if err != nil || sess == nil {
		return err
	}

	now := m.nowMillis()
	settleMuteTime(sess, now)
	sess.TotalTime += now - sess.StartTime
	sess.PausedAt = now
	sess.PauseReason = reason

	// Paused is written before active is deleted so no window exists where
	// the user has neither record.
	if err := m.writeSession(ctx, store.PausedSessionKey(guildID, userID), sess); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, activeKey); err != nil {
		return fmt.Errorf("failed to delete active session: %w", err)
	}
	return nil
}

// Resume reopens a paused session as active, starting a new segment. No
// paused session means nothing to do.
func (m *Manager) Resume(ctx context.Context, guildID, userID, displayName string) error {
	defer m.lock(guildID, userID)()

	pausedKey := store.PausedSessionKey(guildID, userID)
	sess, err := m.readSession(ctx, pausedKey)
	if err != nil || sess == nil {
		return err
	}

	now := m.nowMillis()
	sess.StartTime = now
	sess.LastMuteCheck = now
	sess.PausedAt = 0
	sess.PauseReason = ""
	if displayName != "" {
		sess.DisplayName = displayName
	}

	if err := m.writeSession(ctx, store.ActiveSessionKey(guildID, userID), sess); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, pausedKey); err != nil {
		return fmt.Errorf("failed to delete paused session: %w", err)
	}
	return nil
}

// DiscardPaused deletes a paused session outright. The sweep uses this for
// paused records whose user is no longer in voice at all.
func (m *Manager) DiscardPaused(ctx context.Context, guildID, userID string) error {
	defer m.lock(guildID, userID)()

	if err := m.store.Delete(ctx, store.PausedSessionKey(guildID, userID)); err != nil {
		return fmt.Errorf("failed to discard paused session: %w", err)
	}
	return nil
}

// UpdateMuteStatus settles accounting up to now and records the new mute
// flag. The running segment is not folded into the total; that only happens
// at segment boundaries.
func (m *Manager) UpdateMuteStatus(ctx context.Context, guildID, userID string, isMuted bool) error {
	defer m.lock(guildID, userID)()

	activeKey := store.ActiveSessionKey(guildID, userID)
	sess, err := m.readSession(ctx, activeKey)
	if err != nil || sess == nil {
		return err
	}

	settleMuteTime(sess, m.nowMillis())
	sess.IsMuted = isMuted

	return m.writeSession(ctx, activeKey, sess)
}

// EndResult reports how End disposed of a session.
type EndResult struct {
	TotalTime int64
	Pending   bool
	Completed bool
	Record    *models.CompletedSession
}

// End closes an active session. Sub-minimum accumulations become a pending
// record with a short TTL; everything else is appended to the guild's
// completed collection. Returns nil when no active session exists.
func (m *Manager) End(ctx context.Context, guildID, userID string, minDuration time.Duration) (*EndResult, error) {
	defer m.lock(guildID, userID)()

	activeKey := store.ActiveSessionKey(guildID, userID)
	sess, err := m.readSession(ctx, activeKey)
	if err != nil || sess == nil {
		return nil, err
	}

	now := m.nowMillis()
	settleMuteTime(sess, now)
	totalTime := now - sess.StartTime + sess.TotalTime

	if err := m.store.Delete(ctx, activeKey); err != nil {
		return nil, fmt.Errorf("failed to delete active session: %w", err)
	}

	if totalTime < minDuration.Milliseconds() {
		pending := models.PendingSession{
			GuildID:     guildID,
			UserID:      userID,
			DisplayName: sess.DisplayName,
			StartTime:   sess.StartTime,
			TotalTime:   totalTime,
			MutedTime:   sess.MutedTime,
			UnmutedTime: sess.UnmutedTime,
			EndTime:     now,
		}
		data, err := json.Marshal(pending)
		if err != nil {
			return nil, fmt.Errorf("failed to encode pending session: %w", err)
		}
		if err := m.store.Set(ctx, store.PendingSessionKey(guildID, userID), string(data), m.opts.PendingTTL); err != nil {
			return nil, fmt.Errorf("failed to write pending session: %w", err)
		}
		return &EndResult{TotalTime: totalTime, Pending: true}, nil
	}

	completed := &models.CompletedSession{
		UserID:         userID,
		DisplayName:    sess.DisplayName,
		TotalTime:      totalTime,
		MutedTime:      sess.MutedTime,
		UnmutedTime:    sess.UnmutedTime,
		MutePercentage: mutePercentage(sess.MutedTime, totalTime),
		Timestamp:      now,
	}
	data, err := json.Marshal(completed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completed session: %w", err)
	}
	if err := m.store.ZAdd(ctx, store.CompletedSessionsKey(guildID), float64(now), string(data)); err != nil {
		return nil, fmt.Errorf("failed to append completed session: %w", err)
	}
	return &EndResult{TotalTime: totalTime, Completed: true, Record: completed}, nil
}

func mutePercentage(mutedTime, totalTime int64) int {
	if totalTime <= 0 {
		return 0
	}
	return int(math.Round(float64(mutedTime) / float64(totalTime) * 100))
}

// CompletedRecord pairs a decoded completed session with the exact stored
// member value, so removal matches the record it came from byte for byte.
type CompletedRecord struct {
	models.CompletedSession
	raw string
}

// RecentCompleted returns the newest completed session for the user whose
// completion time falls within the rejoin window, or nil.
func (m *Manager) RecentCompleted(ctx context.Context, guildID, userID string, window time.Duration) (*CompletedRecord, error) {
	now := m.nowMillis()
	members, err := m.store.ZRevRangeByScoreWithScores(ctx,
		store.CompletedSessionsKey(guildID),
		float64(now), float64(now-window.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to scan recent sessions: %w", err)
	}

	for _, member := range members {
		var rec CompletedRecord
		if err := json.Unmarshal([]byte(member.Value), &rec.CompletedSession); err != nil {
			continue
		}
		if rec.UserID == userID {
			rec.raw = member.Value
			return &rec, nil
		}
	}
	return nil, nil
}

// RemoveCompleted deletes a specific completed record by exact value.
func (m *Manager) RemoveCompleted(ctx context.Context, guildID string, rec *CompletedRecord) error {
	if err := m.store.ZRem(ctx, store.CompletedSessionsKey(guildID), rec.raw); err != nil {
		return fmt.Errorf("failed to remove completed session: %w", err)
	}
	return nil
}

// Reclaim undoes a recent completion: the record is removed from the
// completed collection and its accumulated time resumes as a fresh active
// segment. Used when a user rejoins within the rejoin window.
func (m *Manager) Reclaim(ctx context.Context, guildID, userID, displayName string, isMuted bool, rec *CompletedRecord) error {
	defer m.lock(guildID, userID)()

	if err := m.RemoveCompleted(ctx, guildID, rec); err != nil {
		return err
	}

	now := m.nowMillis()
	sess := &models.VoiceSession{
		GuildID:       guildID,
		UserID:        userID,
		DisplayName:   displayName,
		StartTime:     now,
		TotalTime:     rec.TotalTime,
		MutedTime:     rec.MutedTime,
		UnmutedTime:   rec.UnmutedTime,
		LastMuteCheck: now,
		IsMuted:       isMuted,
	}
	return m.writeSession(ctx, store.ActiveSessionKey(guildID, userID), sess)
}

// ActiveSessions lists all active sessions for a guild, for live inclusion
// in reports and for the reconciliation sweep.
func (m *Manager) ActiveSessions(ctx context.Context, guildID string) ([]models.VoiceSession, error) {
	return m.sessionsByPattern(ctx, store.ActiveSessionPattern(guildID))
}

// PausedSessions lists all paused sessions for a guild.
func (m *Manager) PausedSessions(ctx context.Context, guildID string) ([]models.VoiceSession, error) {
	return m.sessionsByPattern(ctx, store.PausedSessionPattern(guildID))
}

func (m *Manager) sessionsByPattern(ctx context.Context, pattern string) ([]models.VoiceSession, error) {
	keys, err := m.store.Keys(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate session keys: %w", err)
	}

	var sessions []models.VoiceSession
	for _, key := range keys {
		sess, err := m.readSession(ctx, key)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			sessions = append(sessions, *sess)
		}
	}
	return sessions, nil
}

// CompletedBetween returns completed sessions scored within [from, to],
// oldest first. Malformed members are skipped.
func (m *Manager) CompletedBetween(ctx context.Context, guildID string, from, to int64) ([]models.CompletedSession, error) {
	members, err := m.store.ZRangeByScore(ctx, store.CompletedSessionsKey(guildID), float64(from), float64(to))
	if err != nil {
		return nil, fmt.Errorf("failed to read completed sessions: %w", err)
	}

	var sessions []models.CompletedSession
	for _, member := range members {
		var rec models.CompletedSession
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			m.log.WithField("guild", guildID).Warnf("Skipping malformed completed record: %v", err)
			continue
		}
		sessions = append(sessions, rec)
	}
	return sessions, nil
}

// CleanupBefore trims completed sessions older than the cutoff and returns
// how many were removed.
func (m *Manager) CleanupBefore(ctx context.Context, guildID string, cutoff int64) (int64, error) {
	removed, err := m.store.ZRemRangeByScore(ctx, store.CompletedSessionsKey(guildID), 0, float64(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to trim completed sessions: %w", err)
	}
	return removed, nil
}
