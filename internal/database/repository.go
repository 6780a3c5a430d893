package database

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"voicetracker/internal/models"
)

// Repository handles database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// GetServerConfig loads a guild's configuration, or nil if the guild has
// never been configured.
func (r *Repository) GetServerConfig(guildID string) (*models.ServerConfig, error) {
	cfg := &models.ServerConfig{GuildID: guildID}
	var reportChannel sql.NullString

	err := r.db.conn.QueryRow(`
		SELECT tracking_role_name, report_channel_id, report_recipients,
		       excluded_channel_ids, min_session_minutes, rejoin_window_minutes,
		       weekly_report_enabled, weekly_report_day, weekly_report_hour,
		       anti_cheat_enabled, min_users_in_channel
		FROM server_configs WHERE guild_id = $1`, guildID).Scan(
		&cfg.TrackingRoleName,
		&reportChannel,
		pq.Array(&cfg.ReportRecipients),
		pq.Array(&cfg.ExcludedChannelIDs),
		&cfg.MinSessionMinutes,
		&cfg.RejoinWindowMinutes,
		&cfg.WeeklyReportEnabled,
		&cfg.WeeklyReportDay,
		&cfg.WeeklyReportHour,
		&cfg.AntiCheatEnabled,
		&cfg.MinUsersInChannel,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server config: %w", err)
	}

	cfg.ReportChannelID = reportChannel.String
	return cfg, nil
}

// UpsertServerConfig writes a guild's configuration, creating the row on
// first use.
func (r *Repository) UpsertServerConfig(cfg *models.ServerConfig) error {
	_, err := r.db.conn.Exec(`
		INSERT INTO server_configs (
			guild_id, tracking_role_name, report_channel_id, report_recipients,
			excluded_channel_ids, min_session_minutes, rejoin_window_minutes,
			weekly_report_enabled, weekly_report_day, weekly_report_hour,
			anti_cheat_enabled, min_users_in_channel
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (guild_id) DO UPDATE SET
			tracking_role_name = EXCLUDED.tracking_role_name,
			report_channel_id = EXCLUDED.report_channel_id,
			report_recipients = EXCLUDED.report_recipients,
			excluded_channel_ids = EXCLUDED.excluded_channel_ids,
			min_session_minutes = EXCLUDED.min_session_minutes,
			rejoin_window_minutes = EXCLUDED.rejoin_window_minutes,
			weekly_report_enabled = EXCLUDED.weekly_report_enabled,
			weekly_report_day = EXCLUDED.weekly_report_day,
			weekly_report_hour = EXCLUDED.weekly_report_hour,
			anti_cheat_enabled = EXCLUDED.anti_cheat_enabled,
			min_users_in_channel = EXCLUDED.min_users_in_channel`,
		cfg.GuildID,
		cfg.TrackingRoleName,
		cfg.ReportChannelID,
		pq.Array(cfg.ReportRecipients),
		pq.Array(cfg.ExcludedChannelIDs),
		cfg.MinSessionMinutes,
		cfg.RejoinWindowMinutes,
		cfg.WeeklyReportEnabled,
		cfg.WeeklyReportDay,
		cfg.WeeklyReportHour,
		cfg.AntiCheatEnabled,
		cfg.MinUsersInChannel,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert server config: %w", err)
	}
	return nil
}

// DeleteServerConfig removes a guild's configuration.
func (r *Repository) DeleteServerConfig(guildID string) error {
	if _, err := r.db.conn.Exec(`DELETE FROM server_configs WHERE guild_id = $1`, guildID); err != nil {
		return fmt.Errorf("failed to delete server config: %w", err)
	}
	return nil
}

// LogReport records one report delivery attempt.
func (r *Repository) LogReport(entry *models.ReportLog) error {
	_, err := r.db.conn.Exec(`
		INSERT INTO report_logs (guild_id, report_type, days, sent_to, success, error)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))`,
		entry.GuildID,
		entry.ReportType,
		entry.Days,
		pq.Array(entry.SentTo),
		entry.Success,
		entry.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to log report: %w", err)
	}
	return nil
}
