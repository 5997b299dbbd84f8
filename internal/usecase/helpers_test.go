package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"council/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// fakeProvider is a scriptable model provider. If block is non-nil, Call
// stalls until block closes or the context is cancelled; a stubborn
// provider ignores the context and waits for block alone.
type fakeProvider struct {
	mu    sync.Mutex
	calls []domain.CallRequest

	reply    string
	token    string
	err      error
	block    chan struct{}
	stubborn bool
}

func (p *fakeProvider) Call(ctx context.Context, req domain.CallRequest) (*domain.CallResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if p.block != nil {
		if p.stubborn {
			<-p.block
		} else {
			select {
			case <-p.block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &domain.CallResult{
		Text:            p.reply,
		ContinuityToken: p.token,
		Usage:           domain.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10},
	}, nil
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProvider) lastCall() domain.CallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

// fakeSCM records the gated publishing steps.
type fakeSCM struct {
	mu       sync.Mutex
	repos    []domain.Repository
	branches []string
	commits  []domain.CommitInput
	prs      []domain.PullRequestInput
	err      error
}

func (s *fakeSCM) ListRepositories(ctx context.Context) ([]domain.Repository, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.repos, nil
}

func (s *fakeSCM) CreateBranch(ctx context.Context, repo, branch, fromRef string) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches = append(s.branches, branch)
	return nil
}

func (s *fakeSCM) CommitFile(ctx context.Context, in domain.CommitInput) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, in)
	return nil
}

func (s *fakeSCM) CreatePullRequest(ctx context.Context, in domain.PullRequestInput) (*domain.PullRequest, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prs = append(s.prs, in)
	return &domain.PullRequest{
		Number: len(s.prs),
		URL:    "https://example.test/" + in.Repo + "/pull/1",
		Title:  in.Title,
	}, nil
}

// fakeArchive is an in-memory TaskArchive.
type fakeArchive struct {
	mu    sync.Mutex
	saved []domain.Task
}

func (a *fakeArchive) Save(ctx context.Context, t domain.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, t)
	return nil
}

func (a *fakeArchive) Recent(ctx context.Context, limit int) ([]domain.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Task, len(a.saved))
	copy(out, a.saved)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (a *fakeArchive) Close() error { return nil }

// fakeChannel captures outbound messages and lets tests inject inbound ones.
type fakeChannel struct {
	name string

	mu      sync.Mutex
	sent    []domain.OutboundMessage
	handler domain.MessageHandler
}

func (c *fakeChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	return nil
}

func (c *fakeChannel) Stop(ctx context.Context) error { return nil }

func (c *fakeChannel) Send(ctx context.Context, msg domain.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) deliver(ctx context.Context, msg domain.InboundMessage) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(ctx, msg)
}

func (c *fakeChannel) sentMessages() []domain.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.OutboundMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// newTestAgent wires an agent with fresh session state.
func newTestAgent(def domain.AgentDefinition, provider domain.ModelProvider, quota int) (*Agent, *SessionManager) {
	sessions := NewSessionManager(quota)
	agent := NewAgent(def, provider, sessions, NewSessionLocker(), nil, testLogger(), false)
	return agent, sessions
}

// newTestCouncil builds a registry-backed council over fake collaborators.
func newTestCouncil(t *testing.T, defs []domain.AgentDefinition, provider domain.ModelProvider, scm domain.SCMProvider, archive domain.TaskArchive) (*Council, *Registry, *SessionManager) {
	t.Helper()

	sessions := NewSessionManager(50)
	locker := NewSessionLocker()
	registry := NewRegistry(testLogger())
	for _, def := range defs {
		agent := NewAgent(def, provider, sessions, locker, nil, testLogger(), false)
		if err := registry.Register(agent); err != nil {
			t.Fatalf("register %s: %v", def.ID, err)
		}
	}
	council := NewCouncil(registry, sessions, scm, archive, nil, testLogger(), time.Minute, "main")
	return council, registry, sessions
}
