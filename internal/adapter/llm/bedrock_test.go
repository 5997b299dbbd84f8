package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"council/internal/domain"
)

type fakeConverseClient struct {
	inputs []*bedrockruntime.ConverseInput
	reply  string
	err    error
}

func (c *fakeConverseClient) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	c.inputs = append(c.inputs, params)
	if c.err != nil {
		return nil, c.err
	}
	return &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{
			Value: types.Message{
				Role: types.ConversationRoleAssistant,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: c.reply},
				},
			},
		},
		Usage: &types.TokenUsage{
			InputTokens:  aws.Int32(20),
			OutputTokens: aws.Int32(7),
		},
	}, nil
}

func TestBedrockCall(t *testing.T) {
	client := &fakeConverseClient{reply: "from bedrock"}
	p := newBedrockProviderWithClient("bedrock", "anthropic.claude-test", client, discardLogger())

	result, err := p.Call(context.Background(), domain.CallRequest{
		SystemPrompt: "You are ops.",
		Text:         "status?",
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	if result.Text != "from bedrock" {
		t.Errorf("text = %q", result.Text)
	}
	if result.Usage.TotalTokens != 27 {
		t.Errorf("total tokens = %d, want 27", result.Usage.TotalTokens)
	}
	if result.ContinuityToken == "" {
		t.Error("successful call must return a continuity token")
	}

	input := client.inputs[0]
	if aws.ToString(input.ModelId) != "anthropic.claude-test" {
		t.Errorf("model id = %q", aws.ToString(input.ModelId))
	}
	if len(input.System) != 1 {
		t.Error("system prompt not set")
	}
	if len(input.Messages) != 1 || input.Messages[0].Role != types.ConversationRoleUser {
		t.Errorf("messages = %+v", input.Messages)
	}
}

func TestBedrockContinuity(t *testing.T) {
	client := &fakeConverseClient{reply: "ack"}
	p := newBedrockProviderWithClient("bedrock", "model", client, discardLogger())

	first, err := p.Call(context.Background(), domain.CallRequest{Text: "one"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Call(context.Background(), domain.CallRequest{
		Text: "two", ContinuityToken: first.ContinuityToken,
	}); err != nil {
		t.Fatal(err)
	}

	last := client.inputs[len(client.inputs)-1]
	if len(last.Messages) != 3 {
		t.Fatalf("resumed call carried %d messages, want 3", len(last.Messages))
	}
	if last.Messages[1].Role != types.ConversationRoleAssistant {
		t.Errorf("second message role = %v", last.Messages[1].Role)
	}
}

type fakeAPIError struct {
	code string
	msg  string
}

func (e *fakeAPIError) Error() string                 { return e.msg }
func (e *fakeAPIError) ErrorCode() string             { return e.code }
func (e *fakeAPIError) ErrorMessage() string          { return e.msg }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func TestBedrockErrorMapping(t *testing.T) {
	cases := []struct {
		code string
		msg  string
		want error
	}{
		{"ThrottlingException", "slow down", domain.ErrRateLimit},
		{"AccessDeniedException", "denied", domain.ErrAuthInvalid},
		{"ValidationException", "input is too long", domain.ErrContextOverflow},
		{"ServiceUnavailableException", "down", domain.ErrProviderError},
	}

	for _, tc := range cases {
		client := &fakeConverseClient{err: &fakeAPIError{code: tc.code, msg: tc.msg}}
		p := newBedrockProviderWithClient("bedrock", "model", client, discardLogger())

		_, err := p.Call(context.Background(), domain.CallRequest{Text: "x"})
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.code, err, tc.want)
		}
	}
}
