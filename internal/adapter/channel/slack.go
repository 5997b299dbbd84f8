package channel

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"council/internal/domain"
	"council/internal/infra/config"
)

// slackMentionRe matches Slack's inline user mention markup.
var slackMentionRe = regexp.MustCompile(`<@([A-Z0-9]+)(\|[^>]*)?>`)

// slackBroadcastRe matches channel-wide markers (<!channel>, <!here>,
// <!everyone>).
var slackBroadcastRe = regexp.MustCompile(`<!(channel|here|everyone)(\|[^>]*)?>`)

// SlackChannel implements domain.Channel via Socket Mode. Like the
// Discord adapter it resolves identities before the router sees the
// message: user mentions map to agent ids through the identity map and
// IM conversations bind to the configured agent.
type SlackChannel struct {
	botToken   string
	appToken   string
	identities map[string]string // slack user id -> agent id
	dmAgent    string

	api       *slack.Client
	socketCli *socketmode.Client
	handler   domain.MessageHandler
	logger    *slog.Logger
	botUserID string
	userNames sync.Map // cache: userID -> display name
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewSlackChannel creates a Slack Socket Mode channel.
func NewSlackChannel(cfg config.SlackChannelConfig, logger *slog.Logger) *SlackChannel {
	return &SlackChannel{
		botToken:   cfg.BotToken,
		appToken:   cfg.AppToken,
		identities: cfg.Identities,
		dmAgent:    cfg.DMAgent,
		logger:     logger,
	}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	s.handler = handler
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.api = slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	s.socketCli = socketmode.New(s.api)

	authResp, err := s.api.AuthTest()
	if err != nil {
		return err
	}
	s.botUserID = authResp.UserID
	s.logger.Info("slack channel started", "bot_user_id", s.botUserID)

	go s.eventLoop()
	go func() {
		if err := s.socketCli.Run(); err != nil {
			s.logger.Error("slack socket mode error", "error", err)
		}
	}()

	return nil
}

func (s *SlackChannel) Stop(_ context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *SlackChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	content := msg.Text
	if msg.Error {
		content = ":warning: " + content
	}
	_, _, err := s.api.PostMessage(msg.ConversationID, slack.MsgOptionText(content, false))
	return err
}

func (s *SlackChannel) eventLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-s.socketCli.Events:
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			s.socketCli.Ack(*evt.Request)

			if ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				s.handleMessage(ev)
			}
		}
	}
}

func (s *SlackChannel) handleMessage(ev *slackevents.MessageEvent) {
	// Ignore our own messages and other bots.
	if ev.User == "" || ev.User == s.botUserID || ev.BotID != "" {
		return
	}

	msg := s.normalize(ev)
	if strings.TrimSpace(msg.Text) == "" {
		return
	}

	s.handler(s.ctx, msg)
}

// normalize translates a Slack message into the agent-level shape the
// router understands.
func (s *SlackChannel) normalize(ev *slackevents.MessageEvent) domain.InboundMessage {
	msg := domain.InboundMessage{
		ChannelName:    "slack",
		ConversationID: ev.Channel,
		SenderID:       ev.User,
		SenderName:     s.resolveUserName(ev.User),
		Timestamp:      time.Now().UTC(),
	}

	// IM conversation ids start with "D".
	if strings.HasPrefix(ev.Channel, "D") {
		msg.DirectTo = s.dmAgent
	}

	content := ev.Text

	if slackBroadcastRe.MatchString(content) {
		msg.Broadcast = true
		content = slackBroadcastRe.ReplaceAllString(content, "")
	}

	for _, match := range slackMentionRe.FindAllStringSubmatch(content, -1) {
		if agentID, ok := s.identities[match[1]]; ok {
			msg.Mentions = append(msg.Mentions, agentID)
		}
	}
	content = slackMentionRe.ReplaceAllString(content, "")
	msg.Text = strings.TrimSpace(content)

	return msg
}

// resolveUserName returns a display name for a Slack user id, using a
// cache to avoid repeated API calls.
func (s *SlackChannel) resolveUserName(userID string) string {
	if v, ok := s.userNames.Load(userID); ok {
		return v.(string)
	}
	if s.api == nil {
		return userID
	}
	info, err := s.api.GetUserInfo(userID)
	if err != nil {
		s.logger.Warn("slack: failed to resolve user name", "user_id", userID, "error", err)
		return userID
	}
	name := info.RealName
	if name == "" {
		name = info.Name
	}
	s.userNames.Store(userID, name)
	return name
}
