package channel

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"council/internal/domain"
	"council/internal/infra/config"
)

// DiscordChannel implements domain.Channel via discordgo. It normalizes
// platform messages into agent-level inbound messages: native user
// mentions resolve through the identity map, @everyone becomes a
// broadcast marker, and DM conversations bind to the configured agent.
type DiscordChannel struct {
	token           string
	identities      map[string]string // discord user id -> agent id
	dmAgent         string
	allowedChannels map[string]bool

	session   *discordgo.Session
	handler   domain.MessageHandler
	logger    *slog.Logger
	botUserID string
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewDiscordChannel creates a Discord bot channel.
func NewDiscordChannel(cfg config.DiscordChannelConfig, logger *slog.Logger) *DiscordChannel {
	var allowed map[string]bool
	if len(cfg.AllowedChannels) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedChannels))
		for _, id := range cfg.AllowedChannels {
			allowed[id] = true
		}
	}

	return &DiscordChannel{
		token:           cfg.Token,
		identities:      cfg.Identities,
		dmAgent:         cfg.DMAgent,
		allowedChannels: allowed,
		logger:          logger,
	}
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	d.handler = handler
	d.ctx, d.cancel = context.WithCancel(ctx)

	dg, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return err
	}
	d.session = dg
	d.session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	d.session.AddHandler(d.onMessageCreate)

	if err := d.session.Open(); err != nil {
		return err
	}

	d.botUserID = d.session.State.User.ID
	d.logger.Info("discord channel started", "user_id", d.botUserID)
	return nil
}

func (d *DiscordChannel) Stop(_ context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

func (d *DiscordChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	content := msg.Text
	if msg.Error {
		content = "Error: " + content
	}
	_, err := d.session.ChannelMessageSend(msg.ConversationID, content)
	return err
}

func (d *DiscordChannel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore own messages and other bots.
	if m.Author.ID == d.botUserID || m.Author.Bot {
		return
	}

	// Guild channel filter; DMs always pass.
	if m.GuildID != "" && len(d.allowedChannels) > 0 && !d.allowedChannels[m.ChannelID] {
		return
	}

	msg := d.normalize(m)
	if strings.TrimSpace(msg.Text) == "" {
		return
	}

	d.handler(d.ctx, msg)
}

// normalize translates a Discord message into the agent-level shape the
// router understands.
func (d *DiscordChannel) normalize(m *discordgo.MessageCreate) domain.InboundMessage {
	msg := domain.InboundMessage{
		ChannelName:    "discord",
		ConversationID: m.ChannelID,
		SenderID:       m.Author.ID,
		SenderName:     m.Author.Username,
		Broadcast:      m.MentionEveryone,
		Timestamp:      time.Now().UTC(),
	}

	// An empty guild id means a direct message.
	if m.GuildID == "" {
		msg.DirectTo = d.dmAgent
	}

	content := m.Content
	for _, u := range m.Mentions {
		// Resolve native mentions to agent ids; the bot's own mention
		// and unmapped users are just stripped.
		if agentID, ok := d.identities[u.ID]; ok {
			msg.Mentions = append(msg.Mentions, agentID)
		}
		content = strings.ReplaceAll(content, "<@"+u.ID+">", "")
		content = strings.ReplaceAll(content, "<@!"+u.ID+">", "")
	}
	content = strings.ReplaceAll(content, "@everyone", "")
	content = strings.ReplaceAll(content, "@here", "")
	msg.Text = strings.TrimSpace(content)

	return msg
}
