package tracker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"voicetracker/internal/models"
)

// Sweep reconciles stored session state against the guild's actual voice
// state. The event-driven path alone is not restart safe: gateway events
// delivered during downtime are gone, so the sweep self-heals on a fixed
// interval. It re-reads through the manager before every write, tolerating
// concurrent event-driven updates.
func (r *Router) Sweep(ctx context.Context, cfg *models.ServerConfig, view GuildView) error {
	guildID := cfg.GuildID
	minSession := time.Duration(cfg.MinSessionMinutes) * time.Minute

	inVoice := make(map[string]PresentMember)
	for _, m := range view.VoiceMembers() {
		inVoice[m.UserID] = m
	}

	// End active sessions whose user is no longer in a valid tracked state.
	active, err := r.sessions.ActiveSessions(ctx, guildID)
	if err != nil {
		return err
	}
	for _, sess := range active {
		member, present := inVoice[sess.UserID]
		valid := present &&
			member.Tracked &&
			!member.Deafened &&
			!cfg.IsExcluded(member.ChannelID) &&
			cfg.MeetsOccupancy(nonBotCount(view, member.ChannelID))
		if valid {
			continue
		}
		if _, err := r.sessions.End(ctx, guildID, sess.UserID, minSession); err != nil {
			return err
		}
		r.log.WithFields(logrus.Fields{
			"guild": guildID,
			"user":  sess.UserID,
			"name":  sess.DisplayName,
		}).Info("Sweep: ended stale session")
	}

	// Drop paused sessions whose user left voice entirely.
	paused, err := r.sessions.PausedSessions(ctx, guildID)
	if err != nil {
		return err
	}
	for _, sess := range paused {
		if _, present := inVoice[sess.UserID]; present {
			continue
		}
		if err := r.sessions.DiscardPaused(ctx, guildID, sess.UserID); err != nil {
			return err
		}
		r.log.WithFields(logrus.Fields{
			"guild": guildID,
			"user":  sess.UserID,
			"name":  sess.DisplayName,
		}).Info("Sweep: removed orphaned paused session")
	}

	// Start sessions for eligible members already sitting in a valid
	// channel with no record, covering restart gaps.
	activeNow := make(map[string]bool, len(active))
	for _, sess := range active {
		activeNow[sess.UserID] = true
	}
	pausedNow := make(map[string]bool, len(paused))
	for _, sess := range paused {
		pausedNow[sess.UserID] = true
	}

	for _, member := range inVoice {
		if member.Bot || !member.Tracked || member.Deafened {
			continue
		}
		if cfg.IsExcluded(member.ChannelID) || !cfg.MeetsOccupancy(nonBotCount(view, member.ChannelID)) {
			continue
		}
		if activeNow[member.UserID] || pausedNow[member.UserID] {
			continue
		}
		if err := r.sessions.Start(ctx, guildID, member.UserID, member.DisplayName, member.SelfMute); err != nil {
			return err
		}
		r.log.WithFields(logrus.Fields{
			"guild": guildID,
			"user":  member.UserID,
			"name":  member.DisplayName,
		}).Info("Sweep: started session for untracked member")
	}

	return nil
}
