package domain

import "context"

// CallRequest is a single model invocation on behalf of an agent.
type CallRequest struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// SystemPrompt is the persona prompt selected for this agent.
	SystemPrompt string

	// Tools is the agent's permission set, threaded through verbatim.
	// Tool execution happens inside the provider, never in this core.
	Tools []ToolGrant

	// Text is the user-visible task or message text.
	Text string

	// ContinuityToken resumes a prior exchange. It is opaque: the core
	// stores and replays it without interpreting its contents. Empty
	// starts a fresh exchange.
	ContinuityToken string

	MaxTokens int
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CallResult is the provider's answer to a CallRequest.
type CallResult struct {
	Text string

	// ContinuityToken carries the exchange forward; callers persist it
	// for the next CallRequest in the same session.
	ContinuityToken string

	Usage Usage
}

// ModelProvider invokes an underlying model. Implementations own
// conversation continuity, tool handling and transport details.
type ModelProvider interface {
	Call(ctx context.Context, req CallRequest) (*CallResult, error)
	Name() string
}
