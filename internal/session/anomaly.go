package session

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// Detection thresholds.
const (
	// A single calendar day above this is flagged as excessive_daily.
	excessiveDailyThreshold = 20 * time.Hour
	// A trailing average above this per day is flagged as excessive_average.
	excessiveAverageThreshold = 16 * time.Hour
	// always_muted requires more than this many sessions, so a one-off
	// accidental mute is never flagged.
	alwaysMutedMinSessions = 5
)

// Flag types.
const (
	FlagExcessiveDaily   = "excessive_daily"
	FlagAlwaysMuted      = "always_muted"
	FlagExcessiveAverage = "excessive_average"
)

// Flag is one suspicion raised against a user, with a human-readable detail.
type Flag struct {
	Type   string
	Detail string
}

// UserStats summarizes a user's completed sessions in the analyzed window.
type UserStats struct {
	TotalTime         int64
	SessionCount      int
	AvgMutePercentage int
	AvgDailyHours     float64
}

// SuspiciousUser is one flagged user in an anomaly report.
type SuspiciousUser struct {
	UserID      string
	DisplayName string
	Flags       []Flag
	Stats       UserStats
}

// SuspiciousUsers analyzes completed sessions over the trailing window and
// returns users matching at least one anomaly pattern. A guild with no
// sessions yields an empty list, never an error.
func (m *Manager) SuspiciousUsers(ctx context.Context, guildID string, days int) ([]SuspiciousUser, error) {
	if days <= 0 {
		days = 1
	}
	now := m.nowMillis()
	from := now - int64(days)*24*time.Hour.Milliseconds()

	sessions, err := m.CompletedBetween(ctx, guildID, from, now)
	if err != nil {
		return nil, err
	}

	type userAccum struct {
		displayName string
		totalTime   int64
		count       int
		mutePctSum  int
		dailyTime   map[string]int64 // local calendar date -> ms
	}

	users := make(map[string]*userAccum)
	for _, s := range sessions {
		u, ok := users[s.UserID]
		if !ok {
			u = &userAccum{dailyTime: make(map[string]int64)}
			users[s.UserID] = u
		}
		u.displayName = s.DisplayName
		u.totalTime += s.TotalTime
		u.count++
		u.mutePctSum += s.MutePercentage

		day := time.UnixMilli(s.Timestamp).In(time.Local).Format("2006-01-02")
		u.dailyTime[day] += s.TotalTime
	}

	var suspicious []SuspiciousUser
	for userID, u := range users {
		var flags []Flag

		for day, total := range u.dailyTime {
			if total > excessiveDailyThreshold.Milliseconds() {
				flags = append(flags, Flag{
					Type:   FlagExcessiveDaily,
					Detail: fmt.Sprintf("%.1f hours on %s", hours(total), day),
				})
			}
		}
		sort.Slice(flags, func(i, j int) bool { return flags[i].Detail < flags[j].Detail })

		avgMute := u.mutePctSum / u.count
		if avgMute == 100 && u.count > alwaysMutedMinSessions {
			flags = append(flags, Flag{
				Type:   FlagAlwaysMuted,
				Detail: fmt.Sprintf("muted for all %d sessions", u.count),
			})
		}

		avgDaily := hours(u.totalTime) / float64(days)
		if u.totalTime/int64(days) > excessiveAverageThreshold.Milliseconds() {
			flags = append(flags, Flag{
				Type:   FlagExcessiveAverage,
				Detail: fmt.Sprintf("%.1f hour daily average over %d days", avgDaily, days),
			})
		}

		if len(flags) == 0 {
			continue
		}

		suspicious = append(suspicious, SuspiciousUser{
			UserID:      userID,
			DisplayName: u.displayName,
			Flags:       flags,
			Stats: UserStats{
				TotalTime:         u.totalTime,
				SessionCount:      u.count,
				AvgMutePercentage: avgMute,
				AvgDailyHours:     math.Round(avgDaily*10) / 10,
			},
		})
	}

	sort.Slice(suspicious, func(i, j int) bool {
		return suspicious[i].Stats.TotalTime > suspicious[j].Stats.TotalTime
	})
	return suspicious, nil
}

func hours(ms int64) float64 {
	return float64(ms) / float64(time.Hour.Milliseconds())
}
