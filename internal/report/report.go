// Package report merges completed and in-progress session data into
// per-user activity totals for a report window.
package report

import (
	"context"
	"sort"
	"time"

	"voicetracker/internal/session"
)

// UserActivity is one tracked member's accumulated time in the window.
type UserActivity struct {
	UserID         string
	DisplayName    string
	TotalTime      int64
	MutePercentage int
}

// Report is the aggregated activity for one guild and window.
type Report struct {
	Days         int
	From, To     int64
	Active       []UserActivity // descending by total time
	Inactive     []string       // display names, ascending
	TotalTracked int
	ActivityRate int // percent of tracked members with any activity
}

// Aggregator consumes the session manager's read surface only.
type Aggregator struct {
	sessions *session.Manager
	now      func() time.Time
}

// NewAggregator creates a report aggregator.
func NewAggregator(sessions *session.Manager) *Aggregator {
	return &Aggregator{sessions: sessions, now: time.Now}
}

// SetClock replaces the aggregator's clock, for deterministic tests.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Generate builds the activity report for the trailing window. tracked maps
// the guild's tracked member IDs to display names; members without any
// session in the window land in Inactive.
func (a *Aggregator) Generate(ctx context.Context, guildID string, days int, tracked map[string]string) (*Report, error) {
	now := a.now().UnixMilli()
	from := now - int64(days)*24*time.Hour.Milliseconds()

	type muteAccum struct {
		muted int64
		total int64
	}
	activity := make(map[string]int64)
	muteStats := make(map[string]*muteAccum)

	add := func(userID string, total, muted int64) {
		activity[userID] += total
		ms, ok := muteStats[userID]
		if !ok {
			ms = &muteAccum{}
			muteStats[userID] = ms
		}
		ms.muted += muted
		ms.total += total
	}

	completed, err := a.sessions.CompletedBetween(ctx, guildID, from, now)
	if err != nil {
		return nil, err
	}
	for _, s := range completed {
		if _, ok := tracked[s.UserID]; !ok {
			continue
		}
		add(s.UserID, s.TotalTime, s.MutedTime)
	}

	// Project live sessions to now, including the unmuted/muted time still
	// accruing since the last checkpoint.
	active, err := a.sessions.ActiveSessions(ctx, guildID)
	if err != nil {
		return nil, err
	}
	for _, s := range active {
		if _, ok := tracked[s.UserID]; !ok {
			continue
		}
		total := now - s.StartTime + s.TotalTime
		muted := s.MutedTime
		if s.IsMuted {
			muted += now - s.LastMuteCheck
		}
		add(s.UserID, total, muted)
	}

	rep := &Report{Days: days, From: from, To: now}
	for userID, total := range activity {
		ms := muteStats[userID]
		pct := 0
		if ms.total > 0 {
			pct = int(float64(ms.muted)/float64(ms.total)*100 + 0.5)
		}
		rep.Active = append(rep.Active, UserActivity{
			UserID:         userID,
			DisplayName:    tracked[userID],
			TotalTime:      total,
			MutePercentage: pct,
		})
	}
	sort.Slice(rep.Active, func(i, j int) bool {
		if rep.Active[i].TotalTime != rep.Active[j].TotalTime {
			return rep.Active[i].TotalTime > rep.Active[j].TotalTime
		}
		return rep.Active[i].UserID < rep.Active[j].UserID
	})

	for userID, displayName := range tracked {
		if _, ok := activity[userID]; !ok {
			rep.Inactive = append(rep.Inactive, displayName)
		}
	}
	sort.Strings(rep.Inactive)

	rep.TotalTracked = len(rep.Active) + len(rep.Inactive)
	if rep.TotalTracked > 0 {
		rep.ActivityRate = int(float64(len(rep.Active))/float64(rep.TotalTracked)*100 + 0.5)
	}
	return rep, nil
}
