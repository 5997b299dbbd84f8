package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"council/internal/domain"
	"council/internal/infra/tracer"
)

// Agent is one persona's invocation capability: it enforces the session
// call budget, serializes invocations per session, and threads the
// persona prompt, tool grants and continuity token through to the
// model provider.
type Agent struct {
	def           domain.AgentDefinition
	provider      domain.ModelProvider
	sessions      *SessionManager
	locker        *SessionLocker
	bus           domain.EventBus
	logger        *slog.Logger
	characterMode bool
}

// NewAgent creates an agent bound to its provider and session manager.
func NewAgent(
	def domain.AgentDefinition,
	provider domain.ModelProvider,
	sessions *SessionManager,
	locker *SessionLocker,
	bus domain.EventBus,
	logger *slog.Logger,
	characterMode bool,
) *Agent {
	return &Agent{
		def:           def,
		provider:      provider,
		sessions:      sessions,
		locker:        locker,
		bus:           bus,
		logger:        logger,
		characterMode: characterMode,
	}
}

// Definition returns the agent's immutable configuration.
func (a *Agent) Definition() domain.AgentDefinition { return a.def }

// SessionInfo exposes this agent's budget state for one conversation.
func (a *Agent) SessionInfo(conversationID string) SessionInfo {
	return a.sessions.Info(a.def.ID, conversationID)
}

// Invoke runs one model call for this agent in the given conversation.
// The budget is checked before the provider is reached; an exhausted
// session fails with ErrBudgetExceeded and stays unchanged. The counter
// and continuity token advance only after the provider succeeds, so a
// failed call costs nothing.
func (a *Agent) Invoke(ctx context.Context, conversationID, text string) (string, error) {
	const op = "Agent.Invoke"

	if strings.TrimSpace(text) == "" {
		return "", domain.NewDomainError(op, domain.ErrInvalidInput, "empty message text")
	}

	// Serialize per session so concurrent invocations cannot interleave
	// the budget check with the commit.
	unlock, err := a.locker.Lock(ctx, SessionKey(a.def.ID, conversationID))
	if err != nil {
		return "", domain.WrapOp(op, err)
	}
	defer unlock()

	ctx, span := tracer.StartSpan(ctx, "agent.invoke",
		tracer.WithSession(a.def.ID, conversationID))
	defer span.End()

	token, err := a.sessions.Acquire(a.def.ID, conversationID)
	if err != nil {
		tracer.RecordError(span, err)
		a.publish(ctx, domain.EventBudgetExceeded, conversationID)
		a.logger.Warn("session budget exhausted",
			"agent_id", a.def.ID,
			"conversation", conversationID,
			"quota", a.sessions.Quota(),
		)
		return "", err
	}

	result, err := a.provider.Call(ctx, domain.CallRequest{
		Model:           a.def.Model,
		SystemPrompt:    a.def.PromptFor(a.characterMode),
		Tools:           a.def.Tools,
		Text:            text,
		ContinuityToken: token,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return "", domain.NewDomainError(op, domain.ErrProviderError, err.Error())
	}

	calls, warn := a.sessions.Commit(a.def.ID, conversationID, result.ContinuityToken)
	if warn {
		a.publish(ctx, domain.EventBudgetWarning, conversationID)
		a.logger.Warn("session approaching call budget",
			"agent_id", a.def.ID,
			"conversation", conversationID,
			"calls", calls,
			"quota", a.sessions.Quota(),
		)
	}

	span.SetAttributes(
		tracer.IntAttr("session.calls", calls),
		tracer.IntAttr("llm.total_tokens", result.Usage.TotalTokens),
	)
	tracer.SetOK(span)

	a.logger.Debug("agent invocation completed",
		"agent_id", a.def.ID,
		"provider", a.provider.Name(),
		"calls", calls,
		"tokens", result.Usage.TotalTokens,
	)

	return result.Text, nil
}

func (a *Agent) publish(ctx context.Context, typ domain.EventType, conversationID string) {
	if a.bus == nil {
		return
	}
	info := a.sessions.Info(a.def.ID, conversationID)
	payload := fmt.Sprintf(`{"conversation_id":%q,"calls":%d,"quota":%d}`,
		conversationID, info.Calls, info.Quota)
	a.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		AgentID:   a.def.ID,
		Payload:   []byte(payload),
	})
}
