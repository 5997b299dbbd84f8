package usecase

import (
	"context"
	"strings"
	"testing"
	"time"

	"council/internal/domain"
)

func newTestCoordinator(t *testing.T, defs []domain.AgentDefinition, provider domain.ModelProvider, scm domain.SCMProvider) (*Coordinator, *Council, *fakeChannel) {
	t.Helper()

	council, registry, _ := newTestCouncil(t, defs, provider, scm, nil)
	router := NewRouter(registry, testLogger())
	ch := &fakeChannel{name: "discord"}

	co := NewCoordinator(council, router, nil, testLogger(), false, 20)
	co.AddChannel(ch)
	if err := co.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { co.Stop(context.Background()) })
	return co, council, ch
}

func inbound(text string) domain.InboundMessage {
	return domain.InboundMessage{
		ChannelName:    "discord",
		ConversationID: "c1",
		SenderName:     "alice",
		Text:           text,
		Timestamp:      time.Now(),
	}
}

func lastReply(t *testing.T, ch *fakeChannel) domain.OutboundMessage {
	t.Helper()
	sent := ch.sentMessages()
	if len(sent) == 0 {
		t.Fatal("no reply was sent")
	}
	return sent[len(sent)-1]
}

// waitForReply blocks until some sent message contains substr. Task notes
// are delivered asynchronously, so tests must drain them before asserting
// on the latest reply.
func waitForReply(t *testing.T, ch *fakeChannel, substr string) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		for _, m := range ch.sentMessages() {
			if strings.Contains(m.Text, substr) {
				return true
			}
		}
		return false
	}, "reply containing "+substr)
}

func TestCommandHelp(t *testing.T) {
	_, _, ch := newTestCoordinator(t, nil, &fakeProvider{}, nil)

	ch.deliver(context.Background(), inbound("/help"))

	reply := lastReply(t, ch)
	if !strings.Contains(reply.Text, "/task") || !strings.Contains(reply.Text, "/approve") {
		t.Errorf("help text incomplete: %q", reply.Text)
	}
}

func TestCommandUnknown(t *testing.T) {
	_, _, ch := newTestCoordinator(t, nil, &fakeProvider{}, nil)

	ch.deliver(context.Background(), inbound("/frobnicate"))

	reply := lastReply(t, ch)
	if !reply.Error || !strings.Contains(reply.Text, "Unknown command") {
		t.Errorf("reply = %+v", reply)
	}
}

func TestCommandAgents(t *testing.T) {
	defs := []domain.AgentDefinition{
		{ID: "dev", Role: "Developer", Triggers: []string{"code"}},
		{ID: "ops", Role: "Operator", Triggers: []string{"deploy"}},
	}
	_, _, ch := newTestCoordinator(t, defs, &fakeProvider{}, nil)

	ch.deliver(context.Background(), inbound("/agents"))

	reply := lastReply(t, ch)
	if !strings.Contains(reply.Text, "dev") || !strings.Contains(reply.Text, "Operator") {
		t.Errorf("agent listing = %q", reply.Text)
	}
}

func TestCommandTaskAndStatus(t *testing.T) {
	provider := &fakeProvider{reply: "all sorted"}
	defs := []domain.AgentDefinition{{ID: "dev"}}
	_, council, ch := newTestCoordinator(t, defs, provider, nil)

	ch.deliver(context.Background(), inbound("/task dev repo:acme/widgets fix the login flow"))

	reply := lastReply(t, ch)
	if reply.Error || !strings.Contains(reply.Text, "submitted") {
		t.Fatalf("submission reply = %+v", reply)
	}

	tasks := council.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	task := tasks[0]
	if task.Repository != "acme/widgets" {
		t.Errorf("repository = %q, want acme/widgets", task.Repository)
	}
	if task.Description != "fix the login flow" {
		t.Errorf("description = %q", task.Description)
	}

	waitFor(t, 2*time.Second, statusIs(council, task.ID, domain.TaskCompleted), "task completion")
	waitForReply(t, ch, "all sorted")

	ch.deliver(context.Background(), inbound("/status "+task.ID))
	reply = lastReply(t, ch)
	if !strings.Contains(reply.Text, "completed") {
		t.Errorf("status reply = %q", reply.Text)
	}
}

func TestCommandTaskUsage(t *testing.T) {
	_, _, ch := newTestCoordinator(t, nil, &fakeProvider{}, nil)

	ch.deliver(context.Background(), inbound("/task"))

	reply := lastReply(t, ch)
	if !reply.Error || !strings.Contains(reply.Text, "Usage:") {
		t.Errorf("reply = %+v", reply)
	}
}

func TestCommandSessionAndReset(t *testing.T) {
	provider := &fakeProvider{reply: "ok"}
	defs := []domain.AgentDefinition{{ID: "dev"}}
	_, council, ch := newTestCoordinator(t, defs, provider, nil)

	ch.deliver(context.Background(), inbound("/task dev quick job"))
	tasks := council.Tasks()
	waitFor(t, 2*time.Second, statusIs(council, tasks[0].ID, domain.TaskCompleted), "completion")
	waitForReply(t, ch, "ok")

	ch.deliver(context.Background(), inbound("/session dev"))
	reply := lastReply(t, ch)
	if !strings.Contains(reply.Text, "1/50") {
		t.Errorf("session reply = %q", reply.Text)
	}

	ch.deliver(context.Background(), inbound("/reset dev"))
	reply = lastReply(t, ch)
	if reply.Error {
		t.Errorf("reset reply = %+v", reply)
	}
}

func TestTriggerRoutingCreatesTask(t *testing.T) {
	provider := &fakeProvider{reply: "on it"}
	defs := []domain.AgentDefinition{{ID: "ops", Triggers: []string{"deploy"}}}
	_, council, ch := newTestCoordinator(t, defs, provider, nil)

	ch.deliver(context.Background(), inbound("please deploy the release"))

	waitFor(t, 2*time.Second, func() bool { return len(council.Tasks()) == 1 }, "routed task")
	task := council.Tasks()[0]
	if task.AgentID != "ops" {
		t.Errorf("routed to %q, want ops", task.AgentID)
	}
}

func TestUnroutedMessageIsSilent(t *testing.T) {
	defs := []domain.AgentDefinition{{ID: "ops", Triggers: []string{"deploy"}}}
	_, council, ch := newTestCoordinator(t, defs, &fakeProvider{}, nil)

	ch.deliver(context.Background(), inbound("anyone up for lunch?"))

	time.Sleep(50 * time.Millisecond)
	if len(council.Tasks()) != 0 {
		t.Error("unrouted message must not create tasks")
	}
	if len(ch.sentMessages()) != 0 {
		t.Error("unrouted message must not produce a reply")
	}
}

func TestApprovalOverChat(t *testing.T) {
	provider := &fakeProvider{reply: "patch ready"}
	scm := &fakeSCM{}
	_, council, ch := newTestCoordinator(t, []domain.AgentDefinition{gatedAgent()}, provider, scm)

	ch.deliver(context.Background(), inbound("/task dev repo:acme/widgets ship it"))
	tasks := council.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	id := tasks[0].ID

	waitFor(t, 2*time.Second, statusIs(council, id, domain.TaskWaitingApproval), "approval gate")

	ch.deliver(context.Background(), inbound("/approve "+id))
	waitFor(t, 2*time.Second, statusIs(council, id, domain.TaskCompleted), "post-approval completion")

	final, _ := council.Task(id)
	if final.PullRequestURL == "" {
		t.Error("completed gated task must carry the pull request URL")
	}
}

func TestCancelOverChatConfirms(t *testing.T) {
	provider := &fakeProvider{block: make(chan struct{})}
	defs := []domain.AgentDefinition{{ID: "dev"}}
	_, council, ch := newTestCoordinator(t, defs, provider, nil)
	defer close(provider.block)

	ch.deliver(context.Background(), inbound("/task dev take your time"))
	tasks := council.Tasks()
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	id := tasks[0].ID
	waitFor(t, 2*time.Second, statusIs(council, id, domain.TaskRunning), "task start")

	ch.deliver(context.Background(), inbound("/cancel "+id))
	waitFor(t, 2*time.Second, statusIs(council, id, domain.TaskCancelled), "cancellation")

	// Both the command acknowledgement and the status note must arrive;
	// losing the note leaves other conversation members uninformed.
	waitFor(t, 2*time.Second, func() bool {
		count := 0
		for _, m := range ch.sentMessages() {
			if strings.Contains(m.Text, "cancelled") {
				count++
			}
		}
		return count >= 2
	}, "cancellation acknowledgement and status note")
}

func TestOutboundTruncation(t *testing.T) {
	provider := &fakeProvider{reply: strings.Repeat("x", 5000)}
	defs := []domain.AgentDefinition{{ID: "dev"}}
	_, council, ch := newTestCoordinator(t, defs, provider, nil)

	ch.deliver(context.Background(), inbound("/task dev long answer please"))
	tasks := council.Tasks()
	waitFor(t, 2*time.Second, statusIs(council, tasks[0].ID, domain.TaskCompleted), "completion")

	for _, msg := range ch.sentMessages() {
		if len(msg.Text) > maxReplyLen {
			t.Errorf("outbound message of %d chars exceeds the cap", len(msg.Text))
		}
	}
}
