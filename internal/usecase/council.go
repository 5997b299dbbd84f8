package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"council/internal/domain"
	"council/internal/infra/tracer"
)

// Notifier receives task status updates for delivery back to the
// originating conversation.
type Notifier func(ctx context.Context, task domain.Task, note string)

// SubmitRequest describes one task submission.
type SubmitRequest struct {
	Description    string
	AgentID        string
	Repository     string
	ChannelName    string
	ConversationID string
}

// Council orchestrates tasks across the agent registry: it validates
// submissions, drives each task through its state machine, gates
// publishing steps behind human approval, and archives terminal tasks.
type Council struct {
	registry *Registry
	sessions *SessionManager
	scm      domain.SCMProvider
	archive  domain.TaskArchive
	bus      domain.EventBus
	logger   *slog.Logger

	// approvalTimeout bounds waiting_approval; zero disables expiry.
	approvalTimeout time.Duration
	baseBranch      string

	mu           sync.RWMutex
	tasks        map[string]*domain.Task
	order        []string // creation order of task ids
	running      map[string]context.CancelFunc
	approvals    map[string]chan bool
	waitingSince map[string]time.Time
	notify       Notifier

	wg sync.WaitGroup
}

// NewCouncil creates a council over the given registry. scm and archive
// may be nil: gated steps then fail with a configuration error, and
// archiving is skipped.
func NewCouncil(
	registry *Registry,
	sessions *SessionManager,
	scm domain.SCMProvider,
	archive domain.TaskArchive,
	bus domain.EventBus,
	logger *slog.Logger,
	approvalTimeout time.Duration,
	baseBranch string,
) *Council {
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Council{
		registry:        registry,
		sessions:        sessions,
		scm:             scm,
		archive:         archive,
		bus:             bus,
		logger:          logger,
		approvalTimeout: approvalTimeout,
		baseBranch:      baseBranch,
		tasks:           make(map[string]*domain.Task),
		running:         make(map[string]context.CancelFunc),
		approvals:       make(map[string]chan bool),
		waitingSince:    make(map[string]time.Time),
	}
}

// SetNotifier registers the status update callback. Must be called
// before the first Submit.
func (c *Council) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = n
}

// Submit validates the request against the registry and starts the task
// asynchronously. Unknown agents fail with ErrUnknownAgent and no task
// is created. The returned snapshot reflects the pending task.
func (c *Council) Submit(ctx context.Context, req SubmitRequest) (domain.Task, error) {
	const op = "Council.Submit"

	if strings.TrimSpace(req.Description) == "" {
		return domain.Task{}, domain.NewDomainError(op, domain.ErrInvalidInput, "empty task description")
	}

	agent, err := c.registry.Get(req.AgentID)
	if err != nil {
		return domain.Task{}, domain.NewDomainError(op, domain.ErrUnknownAgent, req.AgentID)
	}

	task := &domain.Task{
		ID:             ulid.Make().String(),
		Description:    req.Description,
		AgentID:        req.AgentID,
		Repository:     req.Repository,
		Status:         domain.TaskPending,
		ChannelName:    req.ChannelName,
		ConversationID: req.ConversationID,
		CreatedAt:      time.Now().UTC(),
	}

	// The run outlives the submitting request; only Cancel stops it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.tasks[task.ID] = task
	c.order = append(c.order, task.ID)
	c.running[task.ID] = cancel
	c.mu.Unlock()

	c.publish(ctx, domain.EventTaskCreated, task)
	c.logger.Info("task submitted",
		"task_id", task.ID,
		"agent_id", task.AgentID,
		"repository", task.Repository,
	)

	c.wg.Add(1)
	go c.run(runCtx, agent, task)

	return c.snapshot(task), nil
}

// Dispatch submits one independent task per routed agent for an inbound
// message. Per-agent failures are logged and skipped; the remaining
// agents still get their task.
func (c *Council) Dispatch(ctx context.Context, msg domain.InboundMessage, agentIDs []string) []domain.Task {
	tasks := make([]domain.Task, 0, len(agentIDs))
	for _, id := range agentIDs {
		task, err := c.Submit(ctx, SubmitRequest{
			Description:    msg.Text,
			AgentID:        id,
			ChannelName:    msg.ChannelName,
			ConversationID: msg.ConversationID,
		})
		if err != nil {
			c.logger.Error("dispatch submit failed", "agent_id", id, "error", err)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// run drives one task from pending to a terminal state.
func (c *Council) run(ctx context.Context, agent *Agent, task *domain.Task) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.running, task.ID)
		c.mu.Unlock()
	}()

	ctx, span := tracer.StartSpan(ctx, "council.run",
		tracer.WithTask(task.ID, task.AgentID))
	defer span.End()

	// Cancelled before it ever started.
	if ctx.Err() != nil {
		c.finish(ctx, task, domain.TaskCancelled, "", "cancelled before start")
		return
	}

	if err := c.transition(task, domain.TaskRunning); err != nil {
		// Cancel won the race between submit and start.
		c.logger.Debug("task never started", "task_id", task.ID, "error", err)
		return
	}
	c.publish(ctx, domain.EventTaskStarted, task)
	c.sendNote(ctx, task, fmt.Sprintf("Task %s started", shortID(task.ID)))

	result, err := agent.Invoke(ctx, task.ConversationID, task.Description)
	if err != nil {
		if ctx.Err() != nil {
			c.finish(ctx, task, domain.TaskCancelled, "", "cancelled while running")
			return
		}
		tracer.RecordError(span, err)
		c.finish(ctx, task, domain.TaskFailed, "", err.Error())
		return
	}

	// The pull-request grant gates publication: pause for approval when
	// the task names a repository.
	if agent.Definition().HasTool(domain.ToolCreatePullRequest) && task.Repository != "" {
		c.runGated(ctx, task, result)
		tracer.SetOK(span)
		return
	}

	c.finish(ctx, task, domain.TaskCompleted, result, "")
	tracer.SetOK(span)
}

// runGated pauses the task in waiting_approval and, once approved,
// publishes the result as a branch, a notes commit and a pull request.
func (c *Council) runGated(ctx context.Context, task *domain.Task, result string) {
	decision := make(chan bool, 1)

	c.mu.Lock()
	c.approvals[task.ID] = decision
	task.PendingAction = fmt.Sprintf("open pull request on %s", task.Repository)
	c.waitingSince[task.ID] = time.Now().UTC()
	err := task.Transition(domain.TaskWaitingApproval)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.approvals, task.ID)
		delete(c.waitingSince, task.ID)
		c.mu.Unlock()
	}()

	if err != nil {
		c.finish(ctx, task, domain.TaskFailed, "", err.Error())
		return
	}
	c.publish(ctx, domain.EventTaskWaitingApproval, task)
	c.sendNote(ctx, task, fmt.Sprintf(
		"Task %s needs approval: %s. Use /approve %s or /reject %s.",
		shortID(task.ID), c.snapshot(task).PendingAction, task.ID, task.ID,
	))

	approved := false
	select {
	case approved = <-decision:
	case <-ctx.Done():
	}

	if !approved {
		// Cancel may have settled the task already; don't report a
		// rejection for it.
		if !c.snapshot(task).Status.Terminal() {
			c.publish(ctx, domain.EventTaskRejected, task)
		}
		c.finish(ctx, task, domain.TaskCancelled, "", "approval rejected")
		return
	}

	if err := c.transition(task, domain.TaskRunning); err != nil {
		c.logger.Error("approved task could not resume", "task_id", task.ID, "error", err)
		return
	}
	c.publish(ctx, domain.EventTaskApproved, task)

	branch, prURL, err := c.publishResult(ctx, task, result)
	if err != nil {
		c.finish(ctx, task, domain.TaskFailed, "", fmt.Sprintf("publish failed: %v", err))
		return
	}

	c.mu.Lock()
	task.Branch = branch
	task.PullRequestURL = prURL
	c.mu.Unlock()

	c.finish(ctx, task, domain.TaskCompleted, result, "")
}

// publishResult performs the gated SCM step: branch, notes commit, PR.
func (c *Council) publishResult(ctx context.Context, task *domain.Task, result string) (branch, prURL string, err error) {
	if c.scm == nil {
		return "", "", fmt.Errorf("no scm provider configured")
	}

	branch = "council/task-" + strings.ToLower(task.ID)
	if err := c.scm.CreateBranch(ctx, task.Repository, branch, ""); err != nil {
		return "", "", fmt.Errorf("create branch: %w", err)
	}

	notes := fmt.Sprintf("# Task %s\n\nAgent: %s\n\n## Request\n\n%s\n\n## Result\n\n%s\n",
		task.ID, task.AgentID, task.Description, result)
	err = c.scm.CommitFile(ctx, domain.CommitInput{
		Repo:    task.Repository,
		Branch:  branch,
		Path:    fmt.Sprintf("docs/tasks/%s.md", strings.ToLower(task.ID)),
		Message: fmt.Sprintf("Add task notes for %s", shortID(task.ID)),
		Content: []byte(notes),
	})
	if err != nil {
		return "", "", fmt.Errorf("commit notes: %w", err)
	}

	pr, err := c.scm.CreatePullRequest(ctx, domain.PullRequestInput{
		Repo:  task.Repository,
		Title: truncate(task.Description, 72),
		Body:  result,
		Head:  branch,
		Base:  c.baseBranch,
	})
	if err != nil {
		return "", "", fmt.Errorf("create pull request: %w", err)
	}
	return branch, pr.URL, nil
}

// finish moves the task to a terminal state, archives it and notifies.
// It reports whether this call performed the transition: when another
// path already settled the task, the result is discarded and the
// terminal snapshot stays untouched.
func (c *Council) finish(ctx context.Context, task *domain.Task, to domain.TaskStatus, result, detail string) bool {
	c.mu.Lock()
	err := task.Transition(to)
	if err == nil {
		task.Result = result
		task.ErrorDetail = detail
	}
	c.mu.Unlock()

	if err != nil {
		// A concurrent path already settled the task.
		c.logger.Debug("terminal transition skipped", "task_id", task.ID, "to", string(to), "error", err)
		return false
	}

	// Notification and archival outlive the run context: cancellation
	// arrives here with ctx already cut.
	ctx = context.WithoutCancel(ctx)

	snap := c.snapshot(task)
	switch to {
	case domain.TaskCompleted:
		c.publish(ctx, domain.EventTaskCompleted, task)
		note := snap.Result
		if snap.PullRequestURL != "" {
			note = fmt.Sprintf("%s\n\nPull request: %s", snap.Result, snap.PullRequestURL)
		}
		c.sendNote(ctx, task, note)
	case domain.TaskFailed:
		c.publish(ctx, domain.EventTaskFailed, task)
		c.sendNote(ctx, task, fmt.Sprintf("Task %s failed: %s", shortID(task.ID), detail))
	case domain.TaskCancelled:
		c.publish(ctx, domain.EventTaskCancelled, task)
		c.sendNote(ctx, task, fmt.Sprintf("Task %s cancelled", shortID(task.ID)))
	}

	c.logger.Info("task settled",
		"task_id", task.ID,
		"agent_id", task.AgentID,
		"status", string(to),
	)

	if c.archive != nil {
		if err := c.archive.Save(ctx, snap); err != nil {
			c.logger.Error("task archive failed", "task_id", task.ID, "error", err)
		}
	}
	return true
}

// Cancel stops a task cooperatively. Cancelling a task already in a
// terminal state is a successful no-op; unknown ids fail with
// ErrTaskNotFound.
func (c *Council) Cancel(ctx context.Context, taskID string) error {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return domain.NewDomainError("Council.Cancel", domain.ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		c.mu.Unlock()
		return nil
	}
	decision := c.approvals[taskID]
	cancel := c.running[taskID]
	c.mu.Unlock()

	// Settle the task before unblocking the run goroutine: a provider
	// call that ignores its context and returns after this point is
	// discarded, never completed. Queries observe cancelled as soon as
	// Cancel returns.
	c.finish(ctx, task, domain.TaskCancelled, "", "cancelled by request")

	if decision != nil {
		select {
		case decision <- false:
		default:
		}
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Approve resumes a task paused in waiting_approval. Any other state
// fails with ErrApprovalNotPending.
func (c *Council) Approve(ctx context.Context, taskID string) error {
	return c.decide(taskID, true, "Council.Approve")
}

// Reject cancels a task paused in waiting_approval; the gated step never
// runs and the task never resumes.
func (c *Council) Reject(ctx context.Context, taskID string) error {
	return c.decide(taskID, false, "Council.Reject")
}

func (c *Council) decide(taskID string, approved bool, op string) error {
	c.mu.RLock()
	task, ok := c.tasks[taskID]
	var decision chan bool
	if ok {
		decision = c.approvals[taskID]
	}
	waiting := ok && task.Status == domain.TaskWaitingApproval
	c.mu.RUnlock()

	if !ok {
		return domain.NewDomainError(op, domain.ErrTaskNotFound, taskID)
	}
	if !waiting || decision == nil {
		return domain.NewDomainError(op, domain.ErrApprovalNotPending, taskID)
	}

	select {
	case decision <- approved:
		return nil
	default:
		// Someone else decided first.
		return domain.NewDomainError(op, domain.ErrApprovalNotPending, taskID)
	}
}

// ExpireApprovals rejects tasks stuck in waiting_approval longer than
// maxAge and returns how many were expired. Zero maxAge disables expiry.
func (c *Council) ExpireApprovals(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}

	cutoff := time.Now().UTC().Add(-maxAge)

	c.mu.RLock()
	var stale []chan bool
	var ids []string
	for id, since := range c.waitingSince {
		if since.Before(cutoff) {
			if ch := c.approvals[id]; ch != nil {
				stale = append(stale, ch)
				ids = append(ids, id)
			}
		}
	}
	c.mu.RUnlock()

	expired := 0
	for i, ch := range stale {
		select {
		case ch <- false:
			expired++
			c.logger.Warn("approval expired", "task_id", ids[i], "max_age", maxAge)
		default:
		}
	}
	return expired
}

// ApprovalTimeout returns the configured approval expiry bound.
func (c *Council) ApprovalTimeout() time.Duration { return c.approvalTimeout }

// Task returns a snapshot of the task. Terminal snapshots are stable:
// repeated reads return identical values.
func (c *Council) Task(taskID string) (domain.Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	task, ok := c.tasks[taskID]
	if !ok {
		return domain.Task{}, domain.NewDomainError("Council.Task", domain.ErrTaskNotFound, taskID)
	}
	return *task, nil
}

// Tasks returns snapshots of all known tasks, newest first.
func (c *Council) Tasks() []domain.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Task, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.tasks[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// SessionInfo exposes the budget state for one (agent, conversation).
func (c *Council) SessionInfo(agentID, conversationID string) (SessionInfo, error) {
	if !c.registry.Has(agentID) {
		return SessionInfo{}, domain.NewDomainError("Council.SessionInfo", domain.ErrUnknownAgent, agentID)
	}
	return c.sessions.Info(agentID, conversationID), nil
}

// ResetSession clears the call counter and continuity token for one
// (agent, conversation) pair.
func (c *Council) ResetSession(ctx context.Context, agentID, conversationID string) error {
	if !c.registry.Has(agentID) {
		return domain.NewDomainError("Council.ResetSession", domain.ErrUnknownAgent, agentID)
	}
	if err := c.sessions.Reset(agentID, conversationID); err != nil {
		return err
	}
	if c.bus != nil {
		c.bus.Publish(ctx, domain.Event{
			Type:      domain.EventSessionReset,
			Timestamp: time.Now().UTC(),
			AgentID:   agentID,
		})
	}
	return nil
}

// Agents lists the registered agent definitions in config order.
func (c *Council) Agents() []domain.AgentDefinition {
	return c.registry.Definitions()
}

// AgentDefinition returns one agent's configuration.
func (c *Council) AgentDefinition(agentID string) (domain.AgentDefinition, error) {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return domain.AgentDefinition{}, err
	}
	return agent.Definition(), nil
}

// Repositories lists repositories reachable through the SCM provider.
func (c *Council) Repositories(ctx context.Context) ([]domain.Repository, error) {
	if c.scm == nil {
		return nil, domain.NewDomainError("Council.Repositories", domain.ErrNotFound, "no scm provider configured")
	}
	return c.scm.ListRepositories(ctx)
}

// History returns archived terminal tasks, newest first.
func (c *Council) History(ctx context.Context, limit int) ([]domain.Task, error) {
	if c.archive == nil {
		return nil, nil
	}
	return c.archive.Recent(ctx, limit)
}

// ReapSessions removes sessions idle longer than ttl.
func (c *Council) ReapSessions(ttl time.Duration) int {
	return c.sessions.ReapIdle(ttl)
}

// Close rejects any tasks parked in waiting_approval, then waits for
// in-flight runs to settle. It gives up with the context's error when
// the deadline passes first, leaving stragglers to the process exit.
func (c *Council) Close(ctx context.Context) error {
	c.mu.RLock()
	pending := make([]chan bool, 0, len(c.approvals))
	for _, ch := range c.approvals {
		pending = append(pending, ch)
	}
	c.mu.RUnlock()
	for _, ch := range pending {
		select {
		case ch <- false:
		default:
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Council) transition(task *domain.Task, to domain.TaskStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return task.Transition(to)
}

func (c *Council) snapshot(task *domain.Task) domain.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *task
}

func (c *Council) publish(ctx context.Context, typ domain.EventType, task *domain.Task) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		TaskID:    task.ID,
		AgentID:   task.AgentID,
	})
}

func (c *Council) sendNote(ctx context.Context, task *domain.Task, note string) {
	c.mu.RLock()
	notify := c.notify
	snap := *task
	c.mu.RUnlock()

	if notify == nil || note == "" {
		return
	}
	notify(ctx, snap, note)
}

// shortID abbreviates a task id for chat display.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// truncate shortens s to at most n bytes, cutting on a rune boundary so
// multi-byte text is never split mid-sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
