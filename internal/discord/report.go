package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"voicetracker/internal/models"
	"voicetracker/pkg/utils"
)

const embedFieldLimit = 1000

// scheduleWeeklyReport (re)registers the guild's weekly report cron entry.
func (b *Bot) scheduleWeeklyReport(guildID string, cfg *models.ServerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.reportJobs[guildID]; ok {
		b.cron.Remove(id)
	}

	spec := fmt.Sprintf("0 %d * * %d", cfg.WeeklyReportHour, cfg.WeeklyReportDay)
	id, err := b.cron.AddFunc(spec, func() {
		b.generateAndSendReport(context.Background(), guildID, 7, "scheduled")
	})
	if err != nil {
		b.log.WithField("guild", guildID).Errorf("Failed to schedule weekly report: %v", err)
		return
	}
	b.reportJobs[guildID] = id
	b.log.WithField("guild", guildID).Info("Scheduled weekly report")
}

// generateAndSendReport builds the activity report and delivers it to the
// configured recipients, logging the outcome.
func (b *Bot) generateAndSendReport(ctx context.Context, guildID string, days int, reportType string) {
	cfg, err := b.configs.Get(ctx, guildID)
	if err != nil || cfg == nil {
		return
	}

	embed, err := b.buildReport(ctx, guildID, cfg, days)
	if err != nil {
		b.log.WithField("guild", guildID).Errorf("Failed to generate report: %v", err)
		b.logReport(guildID, reportType, days, nil, err)
		return
	}

	recipients := cfg.ReportRecipients
	if len(recipients) == 0 && cfg.ReportChannelID != "" {
		recipients = []string{"c:" + cfg.ReportChannelID}
	}

	var sent []string
	for _, recipient := range recipients {
		if err := b.deliverReport(recipient, embed); err != nil {
			b.log.WithField("guild", guildID).Errorf("Failed to send report to %s: %v", recipient, err)
			continue
		}
		sent = append(sent, recipient)
	}

	b.logReport(guildID, reportType, days, sent, nil)
}

// deliverReport sends the embed to a channel recipient ("c:" prefix) or a
// user's DM.
func (b *Bot) deliverReport(recipient string, embed *discordgo.MessageEmbed) error {
	if channelID, ok := strings.CutPrefix(recipient, "c:"); ok {
		_, err := b.session.ChannelMessageSendEmbed(channelID, embed)
		return err
	}

	dm, err := b.session.UserChannelCreate(recipient)
	if err != nil {
		return fmt.Errorf("failed to open DM: %w", err)
	}
	_, err = b.session.ChannelMessageSendEmbed(dm.ID, embed)
	return err
}

func (b *Bot) logReport(guildID, reportType string, days int, sentTo []string, reportErr error) {
	entry := &models.ReportLog{
		GuildID:    guildID,
		ReportType: reportType,
		Days:       days,
		SentTo:     sentTo,
		Success:    reportErr == nil,
	}
	if reportErr != nil {
		entry.Error = reportErr.Error()
	}
	if err := b.repo.LogReport(entry); err != nil {
		b.log.WithField("guild", guildID).Errorf("Failed to log report: %v", err)
	}
}

// buildReport aggregates the window and renders the report embed.
func (b *Bot) buildReport(ctx context.Context, guildID string, cfg *models.ServerConfig, days int) (*discordgo.MessageEmbed, error) {
	tracked, err := b.trackedMembers(guildID, cfg)
	if err != nil {
		return nil, err
	}

	rep, err := b.reporter.Generate(ctx, guildID, days, tracked)
	if err != nil {
		return nil, err
	}

	title := fmt.Sprintf("%d-Day Voice Activity Report", days)
	if days == 7 {
		title = "Weekly Voice Activity Report"
	}

	embed := &discordgo.MessageEmbed{
		Title: title,
		Description: fmt.Sprintf("**Tracking Role:** `%s`\n**Period:** Last %d days",
			cfg.TrackingRoleName, days),
		Color:     0x00FF88,
		Timestamp: time.Now().Format(time.RFC3339),
	}

	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
		Name: "Statistics",
		Value: fmt.Sprintf("**Active Users:** %d (%d%%)\n**Inactive Users:** %d\n**Total Tracked:** %d",
			len(rep.Active), rep.ActivityRate, len(rep.Inactive), rep.TotalTracked),
	})

	if len(rep.Active) > 0 {
		var lines []string
		for _, u := range rep.Active {
			line := fmt.Sprintf("%s — `%s`", u.DisplayName, utils.FormatDuration(u.TotalTime))
			if u.MutePercentage > 0 {
				line += fmt.Sprintf(" (%d%% muted)", u.MutePercentage)
			}
			lines = append(lines, line)
		}
		appendChunkedField(embed, fmt.Sprintf("Active Users (%d)", len(rep.Active)), lines)
	} else {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Active Users",
			Value: "*No active users this period*",
		})
	}

	if len(rep.Inactive) > 0 {
		var lines []string
		for _, name := range rep.Inactive {
			lines = append(lines, "• "+name)
		}
		appendChunkedField(embed, fmt.Sprintf("Inactive Users (%d)", len(rep.Inactive)), lines)
	}

	return embed, nil
}

// appendChunkedField splits a line list across fields so no field value
// exceeds the embed limit.
func appendChunkedField(embed *discordgo.MessageEmbed, name string, lines []string) {
	var chunk strings.Builder
	first := true
	flush := func() {
		if chunk.Len() == 0 {
			return
		}
		fieldName := "​"
		if first {
			fieldName = name
			first = false
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  fieldName,
			Value: strings.TrimRight(chunk.String(), "\n"),
		})
		chunk.Reset()
	}

	for _, line := range lines {
		if chunk.Len()+len(line)+1 > embedFieldLimit {
			flush()
		}
		chunk.WriteString(line)
		chunk.WriteString("\n")
	}
	flush()
}
