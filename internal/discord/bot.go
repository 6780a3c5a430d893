package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"voicetracker/internal/config"
	"voicetracker/internal/database"
	"voicetracker/internal/guildconfig"
	"voicetracker/internal/models"
	"voicetracker/internal/report"
	"voicetracker/internal/session"
	"voicetracker/internal/store"
	"voicetracker/internal/tracker"
)

// Bot represents the Discord bot
type Bot struct {
	session  *discordgo.Session
	log      *logrus.Logger
	cfg      *config.Config
	configs  *guildconfig.Manager
	repo     *database.Repository
	sessions *session.Manager
	router   *tracker.Router
	reporter *report.Aggregator
	store    store.Store

	cron       *cron.Cron
	mu         sync.Mutex
	reportJobs map[string]cron.EntryID

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a new Discord bot
func New(cfg *config.Config, log *logrus.Logger, configs *guildconfig.Manager, repo *database.Repository, sessions *session.Manager, st store.Store) (*Bot, error) {
	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	bot := &Bot{
		session:    dg,
		log:        log,
		cfg:        cfg,
		configs:    configs,
		repo:       repo,
		sessions:   sessions,
		router:     tracker.NewRouter(sessions, log),
		reporter:   report.NewAggregator(sessions),
		store:      st,
		cron:       cron.New(),
		reportJobs: make(map[string]cron.EntryID),
		stop:       make(chan struct{}),
	}

	// Add event handlers
	dg.AddHandler(bot.ready)
	dg.AddHandler(bot.voiceStateUpdate)
	dg.AddHandler(bot.guildCreate)
	dg.AddHandler(bot.guildDelete)
	dg.AddHandler(bot.messageCreate)

	return bot, nil
}

// Start opens the gateway connection and begins the background loops.
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}
	b.cron.Start()
	return nil
}

// Stop shuts down the background loops and closes the connection.
func (b *Bot) Stop() error {
	close(b.stop)
	b.wg.Wait()
	b.cron.Stop()
	return b.session.Close()
}

func (b *Bot) ready(s *discordgo.Session, _ *discordgo.Ready) {
	b.log.Infof("Bot logged in as %s, serving %d guilds", s.State.User.Username, len(s.State.Guilds))

	ctx := context.Background()
	for _, guild := range s.State.Guilds {
		if _, err := b.setupGuild(ctx, guild.ID); err != nil {
			b.log.WithField("guild", guild.ID).Errorf("Failed to set up guild: %v", err)
		}
	}

	b.sweepAllGuilds(ctx)

	b.wg.Add(1)
	go b.sweepLoop()
}

// setupGuild makes sure a guild has a configuration and, if enabled, a
// weekly report schedule. Reports whether a new config was created.
func (b *Bot) setupGuild(ctx context.Context, guildID string) (bool, error) {
	created := false
	cfg, err := b.configs.Get(ctx, guildID)
	if err != nil {
		return false, err
	}
	if cfg == nil {
		cfg = models.DefaultServerConfig(guildID)
		if err := b.configs.Save(ctx, cfg); err != nil {
			return false, err
		}
		b.log.WithField("guild", guildID).Info("Created default server config")
		created = true
	}

	if cfg.WeeklyReportEnabled {
		b.scheduleWeeklyReport(guildID, cfg)
	}
	return created, nil
}

func (b *Bot) guildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	ctx := context.Background()
	created, err := b.setupGuild(ctx, g.ID)
	if err != nil {
		b.log.WithField("guild", g.ID).Errorf("Failed to set up joined guild: %v", err)
		return
	}
	if created && g.SystemChannelID != "" {
		msg := fmt.Sprintf("Voice tracking is set up. Members with the `%s` role accrue "+
			"voice time; use `!voicereport` for activity reports.",
			models.DefaultServerConfig(g.ID).TrackingRoleName)
		if _, err := b.session.ChannelMessageSend(g.SystemChannelID, msg); err != nil {
			b.log.WithField("guild", g.ID).Warnf("Failed to send welcome message: %v", err)
		}
	}
}

func (b *Bot) guildDelete(_ *discordgo.Session, g *discordgo.GuildDelete) {
	b.log.WithField("guild", g.ID).Info("Left guild")

	b.mu.Lock()
	if id, ok := b.reportJobs[g.ID]; ok {
		b.cron.Remove(id)
		delete(b.reportJobs, g.ID)
	}
	b.mu.Unlock()

	if b.cfg.DeleteDataOnLeave {
		if err := b.cleanupGuildData(context.Background(), g.ID); err != nil {
			b.log.WithField("guild", g.ID).Errorf("Failed to clean up guild data: %v", err)
		}
	}
}

// cleanupGuildData removes all session keys and configuration for a guild.
func (b *Bot) cleanupGuildData(ctx context.Context, guildID string) error {
	keys, err := b.store.Keys(ctx, fmt.Sprintf("voice:%s:*", guildID))
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := b.store.Delete(ctx, keys...); err != nil {
			return err
		}
	}
	if err := b.repo.DeleteServerConfig(guildID); err != nil {
		return err
	}
	return b.configs.Clear(ctx, guildID)
}

// voiceStateUpdate feeds a gateway transition through the event router. A
// failed event is logged and dropped; the sweep repairs the state on its
// next cycle.
func (b *Bot) voiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.GuildID == "" {
		return
	}

	ctx := context.Background()
	cfg, err := b.configs.Get(ctx, vs.GuildID)
	if err != nil {
		b.log.WithField("guild", vs.GuildID).Errorf("Failed to load config: %v", err)
		return
	}
	if cfg == nil {
		return
	}

	ev, view, err := b.buildEvent(s, cfg, vs)
	if err != nil {
		b.log.WithField("guild", vs.GuildID).Errorf("Failed to resolve voice event: %v", err)
		return
	}

	if err := b.router.HandleVoiceUpdate(ctx, cfg, view, ev); err != nil {
		b.log.WithFields(logrus.Fields{
			"guild": vs.GuildID,
			"user":  vs.UserID,
		}).Errorf("Error in voice state update: %v", err)
	}
}

// sweepLoop runs the reconciliation sweep and completed-session retention on
// a fixed interval.
func (b *Bot) sweepLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			ctx := context.Background()
			b.sweepAllGuilds(ctx)
			b.trimCompleted(ctx)
		}
	}
}

func (b *Bot) sweepAllGuilds(ctx context.Context) {
	for _, guild := range b.session.State.Guilds {
		cfg, err := b.configs.Get(ctx, guild.ID)
		if err != nil || cfg == nil {
			continue
		}
		view, err := b.guildView(guild.ID, cfg)
		if err != nil {
			b.log.WithField("guild", guild.ID).Errorf("Failed to snapshot guild: %v", err)
			continue
		}
		if err := b.router.Sweep(ctx, cfg, view); err != nil {
			b.log.WithField("guild", guild.ID).Errorf("Error syncing voice states: %v", err)
		}
	}
}

func (b *Bot) trimCompleted(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(b.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
	for _, guild := range b.session.State.Guilds {
		removed, err := b.sessions.CleanupBefore(ctx, guild.ID, cutoff)
		if err != nil {
			b.log.WithField("guild", guild.ID).Errorf("Failed to trim old sessions: %v", err)
			continue
		}
		if removed > 0 {
			b.log.WithField("guild", guild.ID).Infof("Cleaned up %d sessions older than %d days", removed, b.cfg.RetentionDays)
		}
	}
}
