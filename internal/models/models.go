package models

// All instants in this package are Unix epoch milliseconds, matching the
// scores used in the completed-sessions collection.

// VoiceSession is an in-progress (active or paused) voice session for one
// user in one guild. TotalTime holds the accumulated duration of all prior
// segments; the running segment is measured from StartTime and folded in at
// the next pause or end.
type VoiceSession struct {
	GuildID       string `json:"guildId"`
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	StartTime     int64  `json:"startTime"`
	TotalTime     int64  `json:"totalTime"`
	MutedTime     int64  `json:"mutedTime"`
	UnmutedTime   int64  `json:"unmutedTime"`
	LastMuteCheck int64  `json:"lastMuteCheck"`
	IsMuted       bool   `json:"isMuted"`

	// Set only while the session is paused.
	PausedAt    int64  `json:"pausedAt,omitempty"`
	PauseReason string `json:"pauseReason,omitempty"`
}

// PendingSession is a just-ended session whose accumulated time fell below
// the minimum. It is kept briefly so a rapid rejoin can continue
// accumulating instead of losing the partial progress.
type PendingSession struct {
	GuildID     string `json:"guildId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	StartTime   int64  `json:"startTime"`
	TotalTime   int64  `json:"totalTime"`
	MutedTime   int64  `json:"mutedTime"`
	UnmutedTime int64  `json:"unmutedTime"`
	EndTime     int64  `json:"endTime"`
}

// CompletedSession is an immutable record appended to the guild's
// time-ordered completed collection. Timestamp is the completion instant
// and the collection score.
type CompletedSession struct {
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	TotalTime      int64  `json:"totalTime"`
	MutedTime      int64  `json:"mutedTime"`
	UnmutedTime    int64  `json:"unmutedTime"`
	MutePercentage int    `json:"mutePercentage"`
	Timestamp      int64  `json:"timestamp"`
}

// ServerConfig is the per-guild configuration snapshot. The session core
// reads it and never mutates it.
type ServerConfig struct {
	GuildID             string
	TrackingRoleName    string
	ReportChannelID     string
	ReportRecipients    []string
	ExcludedChannelIDs  []string
	MinSessionMinutes   int
	RejoinWindowMinutes int
	WeeklyReportEnabled bool
	WeeklyReportDay     int // 0 = Sunday
	WeeklyReportHour    int
	AntiCheatEnabled    bool
	MinUsersInChannel   int
}

// IsExcluded reports whether the channel never accrues session time.
func (c *ServerConfig) IsExcluded(channelID string) bool {
	if channelID == "" {
		return false
	}
	for _, id := range c.ExcludedChannelIDs {
		if id == channelID {
			return true
		}
	}
	return false
}

// MeetsOccupancy reports whether a channel with the given non-bot member
// count may accrue time under the anti-cheat occupancy floor.
func (c *ServerConfig) MeetsOccupancy(nonBotMembers int) bool {
	if !c.AntiCheatEnabled || c.MinUsersInChannel <= 0 {
		return true
	}
	return nonBotMembers >= c.MinUsersInChannel
}

// DefaultServerConfig returns the configuration a guild gets on first join.
func DefaultServerConfig(guildID string) *ServerConfig {
	return &ServerConfig{
		GuildID:             guildID,
		TrackingRoleName:    "Voice Active",
		ReportRecipients:    []string{},
		ExcludedChannelIDs:  []string{},
		MinSessionMinutes:   20,
		RejoinWindowMinutes: 20,
		WeeklyReportEnabled: true,
		WeeklyReportDay:     0,
		WeeklyReportHour:    9,
		AntiCheatEnabled:    true,
		MinUsersInChannel:   2,
	}
}

// ReportLog records one report delivery attempt.
type ReportLog struct {
	GuildID    string
	ReportType string
	Days       int
	SentTo     []string
	Success    bool
	Error      string
}
