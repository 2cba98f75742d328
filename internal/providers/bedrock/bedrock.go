// Package bedrock adapts AWS Bedrock's Converse/ConverseStream API to the
// agent.LLMProvider interface. Credentials load from explicit static
// values when configured, otherwise from the default chain (env, shared
// config, IAM role).
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/agentmesh/swarmd/internal/agent"
	"github.com/agentmesh/swarmd/pkg/models"
)

// Config configures the Bedrock provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
}

// Provider implements agent.LLMProvider for AWS Bedrock foundation models.
type Provider struct {
	client       *bedrockruntime.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// New builds a Provider, loading AWS credentials from explicit values in
// cfg if both key fields are set, otherwise from the default chain (env,
// shared config, IAM role).
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	return &Provider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (p *Provider) Name() string { return "bedrock" }

func (p *Provider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := convertMessages(req.Messages)
	converseReq := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if req.System != "" {
		converseReq.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if maxTokens > 1<<31-1 {
			maxTokens = 1<<31 - 1
		}
		converseReq.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	}
	if len(req.Tools) > 0 {
		toolConfig, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("bedrock: convert tools: %w", err)
		}
		converseReq.ToolConfig = toolConfig
	}

	var stream *bedrockruntime.ConverseStreamOutput
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.ConverseStream(ctx, converseReq)
		if lastErr == nil {
			break
		}
		if isContextOverflow(lastErr) {
			return nil, agent.ErrContextWindowExceeded
		}
		if !isRetryable(lastErr) {
			return nil, fmt.Errorf("bedrock: non-retryable error: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("bedrock: max retries exceeded: %w", lastErr)
	}

	out := make(chan agent.CompletionChunk)
	go processStream(ctx, stream, out)
	return out, nil
}

func processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, out chan<- agent.CompletionChunk) {
	defer close(out)
	eventStream := stream.GetStream()
	defer eventStream.Close()

	var currentCall *models.FunctionCall
	var inputBuilder strings.Builder

	eventChan := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			out <- agent.CompletionChunk{Err: ctx.Err()}
			return
		case event, ok := <-eventChan:
			if !ok {
				if currentCall != nil && currentCall.ID != "" {
					currentCall.Args = json.RawMessage(inputBuilder.String())
					out <- agent.CompletionChunk{FunctionCall: currentCall}
				}
				if err := eventStream.Err(); err != nil {
					if isContextOverflow(err) {
						out <- agent.CompletionChunk{Err: agent.ErrContextWindowExceeded}
					} else {
						out <- agent.CompletionChunk{Err: fmt.Errorf("bedrock: %w", err)}
					}
				} else {
					out <- agent.CompletionChunk{Done: true}
				}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentCall = &models.FunctionCall{ID: aws.ToString(toolUse.Value.ToolUseId), ToolName: aws.ToString(toolUse.Value.Name)}
					inputBuilder.Reset()
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						out <- agent.CompletionChunk{Text: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						inputBuilder.WriteString(*delta.Value.Input)
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockStop:
				if currentCall != nil && currentCall.ID != "" {
					currentCall.Args = json.RawMessage(inputBuilder.String())
					out <- agent.CompletionChunk{FunctionCall: currentCall}
					currentCall = nil
					inputBuilder.Reset()
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				out <- agent.CompletionChunk{Done: true}
				return
			}
		}
	}
}

func convertMessages(messages []models.Content) []types.Message {
	result := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []types.ContentBlock
		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText, models.PartThought:
				if part.Text != "" {
					content = append(content, &types.ContentBlockMemberText{Value: part.Text})
				}
			case models.PartFunctionCall:
				var inputDoc any
				if len(part.FunctionCall.Args) > 0 {
					if err := json.Unmarshal(part.FunctionCall.Args, &inputDoc); err != nil {
						inputDoc = map[string]any{}
					}
				} else {
					inputDoc = map[string]any{}
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(part.FunctionCall.ID),
						Name:      aws.String(part.FunctionCall.ToolName),
						Input:     document.NewLazyDocument(inputDoc),
					},
				})
			case models.PartFunctionResponse:
				text := string(part.FunctionResponse.Result)
				if part.FunctionResponse.Error != "" {
					text = part.FunctionResponse.Error
				}
				content = append(content, &types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(part.FunctionResponse.ToolCallID),
						Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: text}},
					},
				})
			}
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleModel {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result
}

func convertTools(tools []agent.LLMToolSpec) (*types.ToolConfiguration, error) {
	specs := make([]types.Tool, 0, len(tools))
	for _, tool := range tools {
		var schemaDoc any
		if err := json.Unmarshal(tool.Schema, &schemaDoc); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", tool.Name, err)
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaDoc)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{"ThrottlingException", "TooManyRequestsException", "ServiceUnavailableException", "rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// isContextOverflow reports whether err is Bedrock's way of saying the
// assembled request exceeded its context window, the signal the reactive
// compaction tier watches for. Grounded on the pack's
// copilot-agent isContextOverflow string-match idiom, adapted to the
// ValidationException wording Bedrock's Converse API uses instead of
// OpenAI/Anthropic's context_length_exceeded code.
func isContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "context_length_exceeded") ||
		strings.Contains(s, "maximum context length") ||
		strings.Contains(s, "input is too long") ||
		strings.Contains(s, "too many input tokens")
}
