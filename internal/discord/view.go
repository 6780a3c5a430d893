package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"

	"voicetracker/internal/models"
	"voicetracker/internal/tracker"
)

// stateView is a tracker.GuildView over a snapshot of the gateway state
// cache, taken once per event or sweep pass.
type stateView struct {
	members   []tracker.PresentMember
	byChannel map[string][]tracker.PresentMember
}

func (v *stateView) ChannelMembers(channelID string) []tracker.PresentMember {
	return v.byChannel[channelID]
}

func (v *stateView) VoiceMembers() []tracker.PresentMember {
	return v.members
}

// guildView snapshots everyone currently connected to voice in the guild.
func (b *Bot) guildView(guildID string, cfg *models.ServerConfig) (*stateView, error) {
	guild, err := b.session.State.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("guild %s not in state cache: %w", guildID, err)
	}

	roleID := trackingRoleID(guild, cfg.TrackingRoleName)

	view := &stateView{byChannel: make(map[string][]tracker.PresentMember)}
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == "" {
			continue
		}
		member, err := b.resolveMember(guildID, vs.UserID)
		if err != nil {
			continue
		}
		pm := tracker.PresentMember{
			UserID:      vs.UserID,
			DisplayName: displayName(member),
			ChannelID:   vs.ChannelID,
			Bot:         member.User != nil && member.User.Bot,
			Tracked:     roleID != "" && hasRole(member, roleID),
			SelfMute:    vs.SelfMute,
			Deafened:    vs.SelfDeaf || vs.Deaf,
		}
		view.members = append(view.members, pm)
		view.byChannel[vs.ChannelID] = append(view.byChannel[vs.ChannelID], pm)
	}
	return view, nil
}

// buildEvent translates a gateway voice-state update into a router event
// plus the guild snapshot it should be judged against.
func (b *Bot) buildEvent(s *discordgo.Session, cfg *models.ServerConfig, vs *discordgo.VoiceStateUpdate) (tracker.Event, *stateView, error) {
	view, err := b.guildView(vs.GuildID, cfg)
	if err != nil {
		return tracker.Event{}, nil, err
	}

	member := vs.Member
	if member == nil {
		member, err = b.resolveMember(vs.GuildID, vs.UserID)
		if err != nil {
			return tracker.Event{}, nil, err
		}
	}

	guild, err := s.State.Guild(vs.GuildID)
	if err != nil {
		return tracker.Event{}, nil, err
	}
	roleID := trackingRoleID(guild, cfg.TrackingRoleName)

	ev := tracker.Event{
		GuildID:     vs.GuildID,
		UserID:      vs.UserID,
		DisplayName: displayName(member),
		Bot:         member.User != nil && member.User.Bot,
		Tracked:     roleID != "" && hasRole(member, roleID),
		New: tracker.VoiceState{
			ChannelID: vs.ChannelID,
			SelfMute:  vs.SelfMute,
			Deafened:  vs.SelfDeaf || vs.Deaf,
		},
	}
	if before := vs.BeforeUpdate; before != nil {
		ev.Old = tracker.VoiceState{
			ChannelID: before.ChannelID,
			SelfMute:  before.SelfMute,
			Deafened:  before.SelfDeaf || before.Deaf,
		}
	}
	return ev, view, nil
}

// resolveMember reads a member from the state cache, falling back to the
// REST API for members the cache has not seen yet.
func (b *Bot) resolveMember(guildID, userID string) (*discordgo.Member, error) {
	member, err := b.session.State.Member(guildID, userID)
	if err == nil {
		return member, nil
	}
	member, err = b.session.GuildMember(guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch member %s: %w", userID, err)
	}
	return member, nil
}

func trackingRoleID(guild *discordgo.Guild, roleName string) string {
	for _, role := range guild.Roles {
		if role.Name == roleName {
			return role.ID
		}
	}
	return ""
}

func hasRole(member *discordgo.Member, roleID string) bool {
	for _, id := range member.Roles {
		if id == roleID {
			return true
		}
	}
	return false
}

func displayName(member *discordgo.Member) string {
	if member.Nick != "" {
		return member.Nick
	}
	if member.User != nil {
		if member.User.GlobalName != "" {
			return member.User.GlobalName
		}
		return member.User.Username
	}
	return ""
}

// trackedMembers pages through the guild's full member list and returns the
// non-bot members holding the tracking role, keyed by user ID.
func (b *Bot) trackedMembers(guildID string, cfg *models.ServerConfig) (map[string]string, error) {
	guild, err := b.session.State.Guild(guildID)
	if err != nil {
		return nil, err
	}
	roleID := trackingRoleID(guild, cfg.TrackingRoleName)
	if roleID == "" {
		return nil, fmt.Errorf("tracking role %q not found", cfg.TrackingRoleName)
	}

	tracked := make(map[string]string)
	after := ""
	for {
		members, err := b.session.GuildMembers(guildID, after, 1000)
		if err != nil {
			return nil, fmt.Errorf("failed to list guild members: %w", err)
		}
		if len(members) == 0 {
			return tracked, nil
		}
		for _, member := range members {
			if member.User == nil {
				continue
			}
			after = member.User.ID
			if member.User.Bot {
				continue
			}
			if hasRole(member, roleID) {
				tracked[member.User.ID] = displayName(member)
			}
		}
	}
}
