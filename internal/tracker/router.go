// Package tracker turns raw voice-state transitions into session manager
// operations and reconciles drift with a periodic sweep.
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"voicetracker/internal/models"
	"voicetracker/internal/session"
)

// VoiceState is one side of a presence transition. Deafened covers both
// self- and server-deafen.
type VoiceState struct {
	ChannelID string
	SelfMute  bool
	Deafened  bool
}

// Event describes a user's voice-channel membership before and after a
// gateway event.
type Event struct {
	GuildID     string
	UserID      string
	DisplayName string
	Bot         bool
	Tracked     bool // holds the guild's tracking role
	Old         VoiceState
	New         VoiceState
}

// PresentMember is a member currently connected to a voice channel.
type PresentMember struct {
	UserID      string
	DisplayName string
	ChannelID   string
	Bot         bool
	Tracked     bool
	SelfMute    bool
	Deafened    bool
}

// GuildView answers membership queries against a snapshot of the guild's
// current voice state. Implementations must exclude nobody; filtering by
// bot/role is the router's job.
type GuildView interface {
	// ChannelMembers returns everyone connected to the channel.
	ChannelMembers(channelID string) []PresentMember
	// VoiceMembers returns everyone connected to any voice channel in the
	// guild.
	VoiceMembers() []PresentMember
}

// Router dispatches classified presence transitions to the session manager.
type Router struct {
	sessions *session.Manager
	log      *logrus.Logger
}

// NewRouter creates a presence event router.
func NewRouter(sessions *session.Manager, log *logrus.Logger) *Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Router{sessions: sessions, log: log}
}

func (r *Router) voiceLog(ev Event, action string) {
	r.log.WithFields(logrus.Fields{
		"guild": ev.GuildID,
		"user":  ev.UserID,
		"name":  ev.DisplayName,
	}).Infof("Voice: %s", action)
}

// nonBotCount counts human members in a channel.
func nonBotCount(view GuildView, channelID string) int {
	count := 0
	for _, m := range view.ChannelMembers(channelID) {
		if !m.Bot {
			count++
		}
	}
	return count
}

// HandleVoiceUpdate classifies a transition and applies the matching session
// operation, then runs the occupancy cascade on the vacated channel.
func (r *Router) HandleVoiceUpdate(ctx context.Context, cfg *models.ServerConfig, view GuildView, ev Event) error {
	if ev.UserID == "" || ev.Bot || !ev.Tracked {
		return nil
	}

	if err := r.handleTransition(ctx, cfg, view, ev); err != nil {
		return err
	}
	return r.cascadeOccupancy(ctx, cfg, view, ev)
}

func (r *Router) handleTransition(ctx context.Context, cfg *models.ServerConfig, view GuildView, ev Event) error {
	minSession := time.Duration(cfg.MinSessionMinutes) * time.Minute
	rejoinWindow := time.Duration(cfg.RejoinWindowMinutes) * time.Minute

	// Same channel: only the flags changed.
	if ev.Old.ChannelID != "" && ev.Old.ChannelID == ev.New.ChannelID {
		switch {
		case !ev.Old.Deafened && ev.New.Deafened:
			r.voiceLog(ev, "deafened")
			return r.sessions.Pause(ctx, ev.GuildID, ev.UserID, "deafened")
		case ev.Old.Deafened && !ev.New.Deafened:
			if cfg.IsExcluded(ev.New.ChannelID) || !cfg.MeetsOccupancy(nonBotCount(view, ev.New.ChannelID)) {
				// Stays paused until conditions are met; the sweep
				// reconciles later.
				return nil
			}
			r.voiceLog(ev, "undeafened")
			return r.sessions.Resume(ctx, ev.GuildID, ev.UserID, ev.DisplayName)
		case ev.Old.SelfMute != ev.New.SelfMute:
			return r.sessions.UpdateMuteStatus(ctx, ev.GuildID, ev.UserID, ev.New.SelfMute)
		}
		return nil
	}

	// Join from nowhere into a tracked channel.
	if ev.Old.ChannelID == "" && ev.New.ChannelID != "" && !cfg.IsExcluded(ev.New.ChannelID) {
		return r.joinTracked(ctx, cfg, view, ev, "joined", rejoinWindow)
	}

	// Leave voice entirely, or move from a tracked channel into an excluded
	// one.
	if ev.Old.ChannelID != "" &&
		(ev.New.ChannelID == "" || (!cfg.IsExcluded(ev.Old.ChannelID) && cfg.IsExcluded(ev.New.ChannelID))) {
		r.voiceLog(ev, "left")
		_, err := r.sessions.End(ctx, ev.GuildID, ev.UserID, minSession)
		return err
	}

	// Move from an excluded channel into a tracked one.
	if cfg.IsExcluded(ev.Old.ChannelID) && ev.New.ChannelID != "" && !cfg.IsExcluded(ev.New.ChannelID) {
		return r.joinTracked(ctx, cfg, view, ev, "moved from excluded to tracked channel", rejoinWindow)
	}

	return nil
}

// joinTracked applies the shared join logic: occupancy and deafen gates,
// then reclaim-or-start.
func (r *Router) joinTracked(ctx context.Context, cfg *models.ServerConfig, view GuildView, ev Event, action string, rejoinWindow time.Duration) error {
	if !cfg.MeetsOccupancy(nonBotCount(view, ev.New.ChannelID)) {
		r.voiceLog(ev, action+" but not enough users")
		return nil
	}
	if ev.New.Deafened {
		r.voiceLog(ev, action+" but deafened")
		return nil
	}

	r.voiceLog(ev, action)

	recent, err := r.sessions.RecentCompleted(ctx, ev.GuildID, ev.UserID, rejoinWindow)
	if err != nil {
		return err
	}
	if recent != nil {
		return r.sessions.Reclaim(ctx, ev.GuildID, ev.UserID, ev.DisplayName, ev.New.SelfMute, recent)
	}
	return r.sessions.Start(ctx, ev.GuildID, ev.UserID, ev.DisplayName, ev.New.SelfMute)
}

// cascadeOccupancy force-ends the sessions of everyone left behind in the
// vacated channel once its human count drops below the floor. Sessions must
// not accrue in channels effectively empty of real interaction.
func (r *Router) cascadeOccupancy(ctx context.Context, cfg *models.ServerConfig, view GuildView, ev Event) error {
	if ev.Old.ChannelID == "" || !cfg.AntiCheatEnabled || cfg.MinUsersInChannel <= 0 {
		return nil
	}
	if nonBotCount(view, ev.Old.ChannelID) >= cfg.MinUsersInChannel {
		return nil
	}

	minSession := time.Duration(cfg.MinSessionMinutes) * time.Minute
	for _, member := range view.ChannelMembers(ev.Old.ChannelID) {
		if member.Bot || member.UserID == ev.UserID {
			continue
		}
		if _, err := r.sessions.End(ctx, ev.GuildID, member.UserID, minSession); err != nil {
			return fmt.Errorf("failed to end session for %s: %w", member.UserID, err)
		}
		r.log.WithFields(logrus.Fields{
			"guild": ev.GuildID,
			"user":  member.UserID,
			"name":  member.DisplayName,
		}).Info("Voice: ended due to insufficient users")
	}
	return nil
}
