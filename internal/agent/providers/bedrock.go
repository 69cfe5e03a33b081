package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/toolconv"
	"github.com/haasonsaas/conductor/internal/backoff"
	"github.com/haasonsaas/conductor/pkg/models"
)

// BedrockProvider implements agent.LLMProvider for AWS Bedrock via the
// Converse API. It provides access to foundation models hosted on AWS
// including Anthropic Claude, Amazon Titan, Meta Llama, and more.
//
// ConverseStream marks block starts only for tool use and streams text
// without explicit boundaries, so the pump synthesizes the block protocol
// with a blockWriter. Usage metadata arrives after messageStop, which is
// why the pump drains the event channel instead of returning at stop.
//
// Thread Safety:
// BedrockProvider is safe for concurrent use across multiple goroutines.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	maxRetries   int
	policy       backoff.BackoffPolicy
	region       string
}

// BedrockConfig holds configuration for the Bedrock provider.
type BedrockConfig struct {
	// Region is the AWS region (default: us-east-1)
	Region string

	// AccessKeyID for explicit credentials (optional, uses default chain if empty)
	AccessKeyID string

	// SecretAccessKey for explicit credentials (optional)
	SecretAccessKey string

	// SessionToken for temporary credentials (optional)
	SessionToken string

	// DefaultModel is the model to use when not specified
	// (default: anthropic.claude-3-5-sonnet-20241022-v2:0)
	DefaultModel string

	// MaxRetries for transient failures (default: 3)
	MaxRetries int
}

// NewBedrockProvider creates a new AWS Bedrock provider instance.
//
// Example with default credentials:
//
//	provider, err := NewBedrockProvider(BedrockConfig{
//	    Region: "us-east-1",
//	})
//
// Example with explicit credentials:
//
//	provider, err := NewBedrockProvider(BedrockConfig{
//	    Region:          "us-west-2",
//	    AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
//	    SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
//	})
func NewBedrockProvider(cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	var awsCfg aws.Config
	var err error

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			)),
		)
	} else {
		// Default credential chain (env, shared config, IAM role).
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		policy:       backoff.DefaultPolicy(),
		region:       cfg.Region,
	}, nil
}

// Name returns the provider identifier.
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// Models returns the list of available models on Bedrock.
// Note: Actual availability depends on your AWS account's model access.
func (p *BedrockProvider) Models() []agent.Model {
	return []agent.Model{
		// Anthropic Claude models
		{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", Name: "Claude 3.5 Sonnet v2 (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "anthropic.claude-3-opus-20240229-v1:0", Name: "Claude 3 Opus (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", Name: "Claude 3 Haiku (Bedrock)", ContextSize: 200000, SupportsVision: true},
		// Amazon Titan models
		{ID: "amazon.titan-text-express-v1", Name: "Titan Text Express", ContextSize: 8192, SupportsVision: false},
		// Meta Llama models
		{ID: "meta.llama3-70b-instruct-v1:0", Name: "Llama 3 70B (Bedrock)", ContextSize: 8192, SupportsVision: false},
		{ID: "meta.llama3-8b-instruct-v1:0", Name: "Llama 3 8B (Bedrock)", ContextSize: 8192, SupportsVision: false},
		// Mistral models
		{ID: "mistral.mixtral-8x7b-instruct-v0:1", Name: "Mixtral 8x7B (Bedrock)", ContextSize: 32768, SupportsVision: false},
		// Cohere models
		{ID: "cohere.command-r-plus-v1:0", Name: "Command R+ (Bedrock)", ContextSize: 128000, SupportsVision: false},
	}
}

// SupportsTools indicates whether this provider supports tool/function calling.
// Bedrock supports tool use via the Converse API for compatible models.
func (p *BedrockProvider) SupportsTools() bool {
	return true
}

// Complete sends a completion request to Bedrock and returns a streaming response.
func (p *BedrockProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.client == nil {
		return nil, NewProviderError("bedrock", req.Model, errors.New("Bedrock client not initialized"))
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	input, err := p.buildInput(req, model)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)

	go func() {
		defer close(chunks)

		send := func(chunk *agent.CompletionChunk) bool {
			select {
			case chunks <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		attempt := func() (bool, error) {
			stream, err := p.client.ConverseStream(ctx, input)
			if err != nil {
				return false, p.wrapError(err, model)
			}
			return p.pump(ctx, stream, send, model)
		}

		if err := runWithRetry(ctx, p.policy, p.maxRetries, attempt); err != nil {
			send(&agent.CompletionChunk{Err: err})
		}
	}()

	return chunks, nil
}

func (p *BedrockProvider) buildInput(req *agent.CompletionRequest, model string) (*bedrockruntime.ConverseStreamInput, error) {
	messages, err := convertBedrockMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to convert messages: %w", err)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}

	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	inference := &types.InferenceConfiguration{}
	configured := false
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		inference.MaxTokens = aws.Int32(int32(maxTokens))
		configured = true
	}
	if req.Temperature > 0 {
		inference.Temperature = aws.Float32(req.Temperature)
		configured = true
	}
	if configured {
		input.InferenceConfig = inference
	}

	if len(req.Tools) > 0 {
		input.ToolConfig = toolconv.ToBedrockTools(req.Tools)
	}

	return input, nil
}

// pump drains the Converse event stream into chunks. It reports whether any
// chunk reached the consumer, which gates the caller's retry decision.
func (p *BedrockProvider) pump(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, send func(*agent.CompletionChunk) bool, model string) (bool, error) {
	eventStream := stream.GetStream()
	defer eventStream.Close()

	delivered := false
	writer := newBlockWriter(func(chunk *agent.CompletionChunk) bool {
		if !send(chunk) {
			return false
		}
		delivered = true
		return true
	})

	var usage models.TokenUsage
	stopReason := agent.StopUnknown
	sawStop := false

	eventChan := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()

		case event, ok := <-eventChan:
			if !ok {
				if err := eventStream.Err(); err != nil {
					return delivered, p.wrapError(err, model)
				}
				if !sawStop {
					return delivered, p.wrapError(errors.New("stream ended before message stop"), model)
				}
				if !writer.done(stopReason, &usage, nil) {
					return delivered, ctx.Err()
				}
				return delivered, nil
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					if !writer.startTool(aws.ToString(toolUse.Value.ToolUseId), aws.ToString(toolUse.Value.Name)) {
						return delivered, ctx.Err()
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if !writer.text(delta.Value) {
						return delivered, ctx.Err()
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						if !writer.toolInput(*delta.Value.Input) {
							return delivered, ctx.Err()
						}
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if !writer.closeOpen() {
					return delivered, ctx.Err()
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				// Usage metadata still follows; drain until channel close.
				stopReason = mapBedrockStop(ev.Value.StopReason)
				sawStop = true

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					usage.InputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					usage.OutputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
				}
			}
		}
	}
}

// convertBedrockMessages converts conversation history to Converse format.
func convertBedrockMessages(messages []models.Message) ([]types.Message, error) {
	result := make([]types.Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []types.ContentBlock

		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}

		for _, tr := range msg.ToolResults {
			block := types.ToolResultBlock{
				ToolUseId: aws.String(tr.ToolCallID),
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: tr.Content},
				},
			}
			if tr.IsError {
				block.Status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{Value: block})
		}

		for _, tc := range msg.ToolCalls {
			var inputDoc any
			if err := json.Unmarshal(tc.Input, &inputDoc); err != nil {
				inputDoc = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}

		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}

		result = append(result, types.Message{
			Role:    role,
			Content: content,
		})
	}

	return result, nil
}

// mapBedrockStop translates Converse stop reasons into the internal enum.
func mapBedrockStop(reason types.StopReason) agent.StopReason {
	switch reason {
	case types.StopReasonEndTurn:
		return agent.StopEndTurn
	case types.StopReasonToolUse:
		return agent.StopToolUse
	case types.StopReasonMaxTokens:
		return agent.StopMaxTokens
	case types.StopReasonStopSequence:
		return agent.StopSequence
	case types.StopReasonContentFiltered, types.StopReasonGuardrailIntervened:
		return agent.StopContentFiltered
	default:
		return agent.StopUnknown
	}
}

// wrapError converts AWS SDK errors into classified ProviderErrors. Smithy
// API errors carry a code (ThrottlingException, ValidationException) that
// classifies more reliably than message text.
func (p *BedrockProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return NewProviderError("bedrock", model, err).
			WithCode(apiErr.ErrorCode()).
			WithMessage(apiErr.ErrorMessage())
	}

	return NewProviderError("bedrock", model, err)
}
