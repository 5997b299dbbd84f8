package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"council/internal/domain"
	"council/internal/infra/config"
	"council/internal/infra/tracer"
)

// bedrockConverseAPI abstracts the Bedrock runtime methods for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider implements domain.ModelProvider via the AWS Bedrock
// Converse API. Like the Anthropic provider it keeps conversation history
// in its own transcript store behind continuity tokens.
type BedrockProvider struct {
	name        string
	model       string
	maxTokens   int
	client      bedrockConverseAPI
	transcripts *transcriptStore
	logger      *slog.Logger
}

// NewBedrockProvider creates a Bedrock provider using the default AWS
// credential chain.
func NewBedrockProvider(cfg config.ProviderConfig, logger *slog.Logger) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &BedrockProvider{
		name:        cfg.Name,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		client:      bedrockruntime.NewFromConfig(awsCfg),
		transcripts: newTranscriptStore(),
		logger:      logger,
	}, nil
}

// newBedrockProviderWithClient creates a BedrockProvider with an injected
// client (for testing).
func newBedrockProviderWithClient(name, model string, client bedrockConverseAPI, logger *slog.Logger) *BedrockProvider {
	return &BedrockProvider{
		name:        name,
		model:       model,
		client:      client,
		transcripts: newTranscriptStore(),
		logger:      logger,
	}
}

// Call implements domain.ModelProvider.
func (p *BedrockProvider) Call(ctx context.Context, req domain.CallRequest) (*domain.CallResult, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.call",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	turns := append(p.transcripts.resume(req.ContinuityToken), turn{role: "user", text: req.Text})

	output, err := p.client.Converse(ctx, p.toConverseInput(req, turns))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, mapBedrockError(err)
	}

	result := fromConverseOutput(output)
	result.ContinuityToken = p.transcripts.save(req.ContinuityToken,
		append(turns, turn{role: "assistant", text: result.Text}))

	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logCallCompleted(p.logger, p.name, result)

	return result, nil
}

// Name implements domain.ModelProvider.
func (p *BedrockProvider) Name() string { return p.name }

// --- Converse request/response conversion ---

func (p *BedrockProvider) toConverseInput(req domain.CallRequest, turns []turn) *bedrockruntime.ConverseInput {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokens)),
		},
	}

	if sys := buildSystemPrompt(req.SystemPrompt, req.Tools); sys != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: sys},
		}
	}

	for _, t := range turns {
		role := types.ConversationRoleUser
		if t.role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		input.Messages = append(input.Messages, types.Message{
			Role: role,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: t.text},
			},
		})
	}

	return input
}

func fromConverseOutput(output *bedrockruntime.ConverseOutput) *domain.CallResult {
	result := &domain.CallResult{}

	if output.Usage != nil {
		in := int(aws.ToInt32(output.Usage.InputTokens))
		out := int(aws.ToInt32(output.Usage.OutputTokens))
		result.Usage = domain.Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		}
	}

	if outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		var texts []string
		for _, block := range outMsg.Value.Content {
			if b, ok := block.(*types.ContentBlockMemberText); ok {
				texts = append(texts, b.Value)
			}
		}
		result.Text = strings.Join(texts, "\n")
	}

	return result
}

// --- Error mapping ---

func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "ThrottlingException" || code == "TooManyRequestsException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
		case code == "AccessDeniedException" || code == "UnrecognizedClientException":
			return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
		case code == "ValidationException" && strings.Contains(msg, "too long"):
			return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
		case code == "ModelNotReadyException" || code == "ServiceUnavailableException" ||
			code == "InternalServerException":
			return fmt.Errorf("%w: %s", domain.ErrProviderError, msg)
		}
	}

	return domain.WrapOp("bedrock", err)
}
