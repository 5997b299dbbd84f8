package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"council/internal/domain"
)

// maxReplyLen bounds outbound messages; Discord caps at 2000 characters
// and Slack tolerates far more, so the lowest common bound wins.
const maxReplyLen = 1900

// Coordinator binds chat channels to the router and the council: inbound
// messages become commands or routed tasks, and task status updates flow
// back to the originating conversation.
type Coordinator struct {
	council *Council
	router  *Router
	bus     domain.EventBus
	logger  *slog.Logger

	channels map[string]domain.Channel

	// limiter paces outbound sends across all channels.
	limiter *rate.Limiter

	characterMode bool
	historyLimit  int
}

// NewCoordinator creates a coordinator. Channels are attached with
// AddChannel before Start.
func NewCoordinator(
	council *Council,
	router *Router,
	bus domain.EventBus,
	logger *slog.Logger,
	characterMode bool,
	historyLimit int,
) *Coordinator {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &Coordinator{
		council:       council,
		router:        router,
		bus:           bus,
		logger:        logger,
		channels:      make(map[string]domain.Channel),
		limiter:       rate.NewLimiter(rate.Every(time.Second), 5),
		characterMode: characterMode,
		historyLimit:  historyLimit,
	}
}

// AddChannel attaches a transport. Must be called before Start.
func (co *Coordinator) AddChannel(ch domain.Channel) {
	co.channels[ch.Name()] = ch
}

// Start registers the council notifier and starts every channel.
func (co *Coordinator) Start(ctx context.Context) error {
	co.council.SetNotifier(co.notifyTask)
	for name, ch := range co.channels {
		if err := ch.Start(ctx, co.handleMessage); err != nil {
			return fmt.Errorf("start channel %s: %w", name, err)
		}
		co.logger.Info("channel started", "channel", name)
	}
	return nil
}

// Stop stops every channel and waits for in-flight tasks to settle.
func (co *Coordinator) Stop(ctx context.Context) error {
	var firstErr error
	for name, ch := range co.channels {
		if err := ch.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop channel %s: %w", name, err)
		}
	}
	if err := co.council.Close(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close council: %w", err)
	}
	return firstErr
}

// handleMessage is the single entry point for all inbound chat traffic.
func (co *Coordinator) handleMessage(ctx context.Context, msg domain.InboundMessage) {
	co.publishEvent(ctx, domain.EventMessageReceived, "", "")

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		co.handleCommand(ctx, msg, text)
		return
	}

	agentIDs := co.router.Route(msg)
	if len(agentIDs) == 0 {
		// Not addressed to anyone; silence is the contract.
		co.logger.Debug("message routed nowhere",
			"channel", msg.ChannelName,
			"conversation", msg.ConversationID,
		)
		return
	}
	for _, id := range agentIDs {
		co.publishEvent(ctx, domain.EventAgentRouted, "", id)
	}

	co.council.Dispatch(ctx, msg, agentIDs)
}

// handleCommand parses and executes a slash command.
func (co *Coordinator) handleCommand(ctx context.Context, msg domain.InboundMessage, text string) {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	var reply string
	var isErr bool

	switch cmd {
	case "/task":
		reply, isErr = co.cmdTask(ctx, msg, args)
	case "/status":
		reply, isErr = co.cmdStatus(args)
	case "/tasks":
		reply = co.cmdTasks()
	case "/agents":
		reply = co.cmdAgents()
	case "/cancel":
		reply, isErr = co.cmdDecision(ctx, cmd, args, co.council.Cancel, "cancelled")
	case "/approve":
		reply, isErr = co.cmdDecision(ctx, cmd, args, co.council.Approve, "approved")
	case "/reject":
		reply, isErr = co.cmdDecision(ctx, cmd, args, co.council.Reject, "rejected")
	case "/session":
		reply, isErr = co.cmdSession(msg, args)
	case "/reset":
		reply, isErr = co.cmdReset(ctx, msg, args)
	case "/repos":
		reply, isErr = co.cmdRepos(ctx)
	case "/history":
		reply, isErr = co.cmdHistory(ctx)
	case "/help":
		reply = helpText
	default:
		reply, isErr = fmt.Sprintf("Unknown command %s. Try /help.", cmd), true
	}

	if reply != "" {
		co.send(ctx, msg.ChannelName, domain.OutboundMessage{
			ConversationID: msg.ConversationID,
			Text:           reply,
			Error:          isErr,
		})
	}
}

const helpText = `Commands:
/task <agent_id> [repo:owner/name] <description> — submit a task
/status <task_id> — show one task
/tasks — list known tasks
/agents — list agents
/cancel <task_id> — cancel a task
/approve <task_id> — approve a gated step
/reject <task_id> — reject a gated step
/session <agent_id> — show call budget for this conversation
/reset <agent_id> — reset call budget and continuity
/repos — list repositories
/history — recent finished tasks`

func (co *Coordinator) cmdTask(ctx context.Context, msg domain.InboundMessage, args []string) (string, bool) {
	if len(args) < 2 {
		return "Usage: /task <agent_id> [repo:owner/name] <description>", true
	}
	agentID := args[0]
	rest := args[1:]

	var repo string
	desc := make([]string, 0, len(rest))
	for _, f := range rest {
		if strings.HasPrefix(f, "repo:") {
			repo = strings.TrimPrefix(f, "repo:")
			continue
		}
		desc = append(desc, f)
	}

	task, err := co.council.Submit(ctx, SubmitRequest{
		Description:    strings.Join(desc, " "),
		AgentID:        agentID,
		Repository:     repo,
		ChannelName:    msg.ChannelName,
		ConversationID: msg.ConversationID,
	})
	if err != nil {
		return fmt.Sprintf("Submit failed: %v", err), true
	}
	return fmt.Sprintf("Task %s submitted to %s", shortID(task.ID), agentID), false
}

func (co *Coordinator) cmdStatus(args []string) (string, bool) {
	if len(args) != 1 {
		return "Usage: /status <task_id>", true
	}
	task, err := co.council.Task(args[0])
	if err != nil {
		return fmt.Sprintf("Status failed: %v", err), true
	}
	return formatTask(task), false
}

func (co *Coordinator) cmdTasks() string {
	tasks := co.council.Tasks()
	if len(tasks) == 0 {
		return "No tasks yet."
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s  %-16s  %s  %s\n",
			shortID(t.ID), t.Status, t.AgentID, truncate(t.Description, 60))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (co *Coordinator) cmdAgents() string {
	defs := co.council.Agents()
	if len(defs) == 0 {
		return "No agents configured."
	}
	var b strings.Builder
	for _, d := range defs {
		fmt.Fprintf(&b, "%s — %s (triggers: %s)\n",
			d.ID, d.Role, strings.Join(d.Triggers, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (co *Coordinator) cmdDecision(ctx context.Context, cmd string, args []string, f func(context.Context, string) error, verb string) (string, bool) {
	if len(args) != 1 {
		return fmt.Sprintf("Usage: %s <task_id>", cmd), true
	}
	if err := f(ctx, args[0]); err != nil {
		return fmt.Sprintf("%v", err), true
	}
	return fmt.Sprintf("Task %s %s", shortID(args[0]), verb), false
}

func (co *Coordinator) cmdSession(msg domain.InboundMessage, args []string) (string, bool) {
	if len(args) != 1 {
		return "Usage: /session <agent_id>", true
	}
	info, err := co.council.SessionInfo(args[0], msg.ConversationID)
	if err != nil {
		return fmt.Sprintf("%v", err), true
	}
	return fmt.Sprintf("%s: %d/%d calls used, %d remaining, continuity: %v",
		info.AgentID, info.Calls, info.Quota, info.Remaining(), info.HasToken), false
}

func (co *Coordinator) cmdReset(ctx context.Context, msg domain.InboundMessage, args []string) (string, bool) {
	if len(args) != 1 {
		return "Usage: /reset <agent_id>", true
	}
	if err := co.council.ResetSession(ctx, args[0], msg.ConversationID); err != nil {
		return fmt.Sprintf("%v", err), true
	}
	return fmt.Sprintf("Session for %s reset", args[0]), false
}

func (co *Coordinator) cmdRepos(ctx context.Context) (string, bool) {
	repos, err := co.council.Repositories(ctx)
	if err != nil {
		return fmt.Sprintf("%v", err), true
	}
	if len(repos) == 0 {
		return "No repositories found.", false
	}
	var b strings.Builder
	for _, r := range repos {
		fmt.Fprintf(&b, "%s — %s\n", r.FullName, truncate(r.Description, 60))
	}
	return strings.TrimRight(b.String(), "\n"), false
}

func (co *Coordinator) cmdHistory(ctx context.Context) (string, bool) {
	tasks, err := co.council.History(ctx, co.historyLimit)
	if err != nil {
		return fmt.Sprintf("History failed: %v", err), true
	}
	if len(tasks) == 0 {
		return "No finished tasks.", false
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s  %-10s  %s  %s\n",
			shortID(t.ID), t.Status, t.AgentID, truncate(t.Description, 60))
	}
	return strings.TrimRight(b.String(), "\n"), false
}

func formatTask(t domain.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s\nStatus: %s\nAgent: %s\nDescription: %s\n",
		t.ID, t.Status, t.AgentID, t.Description)
	if t.Repository != "" {
		fmt.Fprintf(&b, "Repository: %s\n", t.Repository)
	}
	if t.PendingAction != "" {
		fmt.Fprintf(&b, "Pending: %s\n", t.PendingAction)
	}
	if t.PullRequestURL != "" {
		fmt.Fprintf(&b, "PR: %s\n", t.PullRequestURL)
	}
	if t.ErrorDetail != "" {
		fmt.Fprintf(&b, "Error: %s\n", t.ErrorDetail)
	}
	return strings.TrimRight(b.String(), "\n")
}

// notifyTask delivers a task status note back to its conversation,
// prefixed with the agent's emoji in character mode.
func (co *Coordinator) notifyTask(ctx context.Context, task domain.Task, note string) {
	if co.characterMode {
		if def, err := co.council.AgentDefinition(task.AgentID); err == nil && def.Emoji != "" {
			note = def.Emoji + " " + note
		}
	}
	co.send(ctx, task.ChannelName, domain.OutboundMessage{
		ConversationID: task.ConversationID,
		Text:           note,
	})
}

func (co *Coordinator) send(ctx context.Context, channelName string, msg domain.OutboundMessage) {
	ch, ok := co.channels[channelName]
	if !ok {
		co.logger.Error("no channel for outbound message", "channel", channelName)
		return
	}

	msg.Text = truncate(msg.Text, maxReplyLen)

	if err := co.limiter.Wait(ctx); err != nil {
		return
	}
	if err := ch.Send(ctx, msg); err != nil {
		co.logger.Error("send failed", "channel", channelName, "error", err)
		return
	}
	co.publishEvent(ctx, domain.EventMessageSent, "", "")
}

func (co *Coordinator) publishEvent(ctx context.Context, typ domain.EventType, taskID, agentID string) {
	if co.bus == nil {
		return
	}
	co.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		TaskID:    taskID,
		AgentID:   agentID,
	})
}
