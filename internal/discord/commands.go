package discord

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"voicetracker/pkg/utils"
)

// messageCreate handles the text commands exposed on top of the session
// engine's read surface.
func (b *Bot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.Bot || m.GuildID == "" {
		return
	}

	content := strings.TrimSpace(m.Content)

	switch {
	case strings.HasPrefix(content, "!voicereport"):
		b.handleReportCommand(s, m, content)
	case strings.HasPrefix(content, "!voiceaudit"):
		b.handleAuditCommand(s, m, content)
	case strings.HasPrefix(content, "!voicestats"):
		b.handleStatsCommand(s, m, content)
	}
}

// commandAllowed gates the read commands on the Manage Server permission.
func (b *Bot) commandAllowed(s *discordgo.Session, m *discordgo.MessageCreate) bool {
	perms, err := s.UserChannelPermissions(m.Author.ID, m.ChannelID)
	if err != nil {
		return false
	}
	return perms&discordgo.PermissionManageServer != 0
}

func parseDays(content, command string) int {
	arg := strings.TrimSpace(strings.TrimPrefix(content, command))
	if days, err := strconv.Atoi(arg); err == nil && days > 0 && days <= 90 {
		return days
	}
	return 7
}

// handleReportCommand handles !voicereport [days]
func (b *Bot) handleReportCommand(s *discordgo.Session, m *discordgo.MessageCreate, content string) {
	if !b.commandAllowed(s, m) {
		return
	}

	ctx := context.Background()
	cfg, err := b.configs.Get(ctx, m.GuildID)
	if err != nil || cfg == nil {
		s.ChannelMessageSend(m.ChannelID, "This server is not configured yet.")
		return
	}

	days := parseDays(content, "!voicereport")
	embed, err := b.buildReport(ctx, m.GuildID, cfg, days)
	if err != nil {
		b.log.WithField("guild", m.GuildID).Errorf("Failed to build report: %v", err)
		s.ChannelMessageSend(m.ChannelID, "Failed to generate the report.")
		return
	}

	if _, err := s.ChannelMessageSendEmbed(m.ChannelID, embed); err != nil {
		b.log.WithField("guild", m.GuildID).Errorf("Failed to send report: %v", err)
		return
	}
	b.logReport(m.GuildID, "manual", days, []string{"c:" + m.ChannelID}, nil)
}

// handleStatsCommand handles !voicestats [@user] [days]. Without a mention it
// reports the caller's own activity.
func (b *Bot) handleStatsCommand(s *discordgo.Session, m *discordgo.MessageCreate, content string) {
	userID := m.Author.ID
	days := 7

	for _, arg := range strings.Fields(content)[1:] {
		if strings.HasPrefix(arg, "<@") {
			userID = utils.ExtractUserIDFromMention(arg)
			continue
		}
		if n, err := strconv.Atoi(arg); err == nil && n > 0 && n <= 90 {
			days = n
		}
	}

	// looking up someone else requires the same permission as the reports
	if userID != m.Author.ID && !b.commandAllowed(s, m) {
		return
	}

	ctx := context.Background()
	member, err := b.resolveMember(m.GuildID, userID)
	if err != nil {
		s.ChannelMessageSend(m.ChannelID, "Could not find that member.")
		return
	}

	rep, err := b.reporter.Generate(ctx, m.GuildID, days, map[string]string{userID: displayName(member)})
	if err != nil {
		b.log.WithField("guild", m.GuildID).Errorf("Failed to build stats: %v", err)
		s.ChannelMessageSend(m.ChannelID, "Failed to look up voice stats.")
		return
	}

	if len(rep.Active) == 0 {
		s.ChannelMessageSend(m.ChannelID,
			fmt.Sprintf("%s has no voice activity in the last %d days.", utils.FormatUserMention(userID), days))
		return
	}

	u := rep.Active[0]
	s.ChannelMessageSend(m.ChannelID,
		fmt.Sprintf("%s: **%s** in voice over the last %d days (%d%% muted).",
			utils.FormatUserMention(userID), utils.FormatDuration(u.TotalTime), days, u.MutePercentage))
}

// handleAuditCommand handles !voiceaudit [days]
func (b *Bot) handleAuditCommand(s *discordgo.Session, m *discordgo.MessageCreate, content string) {
	if !b.commandAllowed(s, m) {
		return
	}

	days := parseDays(content, "!voiceaudit")
	suspicious, err := b.sessions.SuspiciousUsers(context.Background(), m.GuildID, days)
	if err != nil {
		b.log.WithField("guild", m.GuildID).Errorf("Failed to audit sessions: %v", err)
		s.ChannelMessageSend(m.ChannelID, "Failed to run the audit.")
		return
	}

	if len(suspicious) == 0 {
		s.ChannelMessageSend(m.ChannelID,
			fmt.Sprintf("No suspicious voice activity found in the last %d days.", days))
		return
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Suspicious Voice Activity",
		Description: fmt.Sprintf("Found %d users with suspicious patterns over %d days", len(suspicious), days),
		Color:       0xFF9900,
	}
	for _, user := range suspicious {
		if len(embed.Fields) >= 20 {
			break
		}
		var flags []string
		for _, f := range user.Flags {
			flags = append(flags, "• "+f.Detail)
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: utils.TruncateString(fmt.Sprintf("%s (%s)", user.DisplayName, user.UserID), 256),
			Value: fmt.Sprintf("%s\n**Total:** %s over %d sessions\n**Avg Muted:** %d%%",
				strings.Join(flags, "\n"),
				utils.FormatDuration(user.Stats.TotalTime),
				user.Stats.SessionCount,
				user.Stats.AvgMutePercentage),
			Inline: true,
		})
	}

	if _, err := s.ChannelMessageSendEmbed(m.ChannelID, embed); err != nil {
		b.log.WithField("guild", m.GuildID).Errorf("Failed to send audit: %v", err)
	}
}
