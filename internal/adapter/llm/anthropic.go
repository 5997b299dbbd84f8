package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"council/internal/domain"
	"council/internal/infra/config"
	"council/internal/infra/tracer"
)

const defaultAnthropicVersion = "2023-06-01"

// AnthropicProvider implements domain.ModelProvider for the Anthropic
// Messages API. Conversation history lives in the provider's transcript
// store; the core only holds the continuity token.
type AnthropicProvider struct {
	name        string
	model       string
	apiKey      string
	baseURL     string
	maxTokens   int
	client      *http.Client
	transcripts *transcriptStore
	logger      *slog.Logger
	version     string
}

// NewAnthropicProvider creates a provider for the Anthropic Messages API.
func NewAnthropicProvider(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	return &AnthropicProvider{
		name:        cfg.Name,
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		maxTokens:   cfg.MaxTokens,
		client:      NewHTTPClient(cfg),
		transcripts: newTranscriptStore(),
		logger:      logger,
		version:     defaultAnthropicVersion,
	}
}

// Call implements domain.ModelProvider.
func (p *AnthropicProvider) Call(ctx context.Context, req domain.CallRequest) (*domain.CallResult, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.call",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	turns := append(p.transcripts.resume(req.ContinuityToken), turn{role: "user", text: req.Text})

	body, err := json.Marshal(p.toAnthropicRequest(req, turns))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": p.version,
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/v1/messages", body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var antResp anthropicResponse
	if err := json.Unmarshal(respBody, &antResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	result := fromAnthropicResponse(antResp)
	result.ContinuityToken = p.transcripts.save(req.ContinuityToken,
		append(turns, turn{role: "assistant", text: result.Text}))

	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logCallCompleted(p.logger, p.name, result)

	return result, nil
}

// Name implements domain.ModelProvider.
func (p *AnthropicProvider) Name() string { return p.name }

// --- Anthropic API wire types ---

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (p *AnthropicProvider) toAnthropicRequest(req domain.CallRequest, turns []turn) anthropicRequest {
	antReq := anthropicRequest{
		Model:     req.Model,
		System:    buildSystemPrompt(req.SystemPrompt, req.Tools),
		MaxTokens: req.MaxTokens,
	}
	if antReq.Model == "" {
		antReq.Model = p.model
	}
	if antReq.MaxTokens <= 0 {
		antReq.MaxTokens = p.maxTokens
	}
	if antReq.MaxTokens <= 0 {
		antReq.MaxTokens = 4096
	}

	for _, t := range turns {
		antReq.Messages = append(antReq.Messages, anthropicMessage{
			Role:    t.role,
			Content: []anthropicContent{{Type: "text", Text: t.text}},
		})
	}
	return antReq
}

func fromAnthropicResponse(resp anthropicResponse) *domain.CallResult {
	result := &domain.CallResult{
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	var texts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}
	result.Text = strings.Join(texts, "\n")
	return result
}
