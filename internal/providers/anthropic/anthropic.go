// Package anthropic adapts Anthropic's Claude API to the agent.LLMProvider
// interface: streaming with exponential-backoff retry, an SSE event-type
// switch over the stream, and message/tool conversion between the
// provider-neutral types and the SDK's wire shapes.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentmesh/swarmd/internal/agent"
	"github.com/agentmesh/swarmd/pkg/models"
)

// Config configures the Anthropic provider.
type Config struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// Provider implements agent.LLMProvider for Anthropic's Claude API.
type Provider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// New builds a Provider from Config, defaulting to 3 retries, 1s base
// backoff, and Claude Sonnet 4.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.CompletionChunk, error) {
	out := make(chan agent.CompletionChunk)

	go func() {
		defer close(out)

		messages, err := convertMessages(req.Messages)
		if err != nil {
			out <- agent.CompletionChunk{Err: fmt.Errorf("anthropic: convert messages: %w", err)}
			return
		}
		tools, err := convertTools(req.Tools)
		if err != nil {
			out <- agent.CompletionChunk{Err: fmt.Errorf("anthropic: convert tools: %w", err)}
			return
		}

		model := req.Model
		if model == "" {
			model = p.defaultModel
		}
		maxTokens := req.MaxTokens
		if maxTokens <= 0 {
			maxTokens = 4096
		}

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			Messages:  messages,
			MaxTokens: int64(maxTokens),
		}
		if req.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.System}}
		}
		if len(tools) > 0 {
			params.Tools = tools
		}

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream = p.client.Messages.NewStreaming(ctx, params)
			if stream.Err() == nil {
				break
			}
			if isContextOverflow(stream.Err()) {
				out <- agent.CompletionChunk{Err: agent.ErrContextWindowExceeded}
				return
			}
			if !isRetryable(stream.Err()) || attempt == p.maxRetries {
				out <- agent.CompletionChunk{Err: fmt.Errorf("anthropic: stream: %w", stream.Err())}
				return
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				out <- agent.CompletionChunk{Err: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}

		processStream(stream, out)
	}()

	return out, nil
}

func processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- agent.CompletionChunk) {
	var currentCall *models.FunctionCall
	var currentInput strings.Builder
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentCall = &models.FunctionCall{ID: toolUse.ID, ToolName: toolUse.Name}
				currentInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- agent.CompletionChunk{Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- agent.CompletionChunk{Thought: delta.Thinking}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentCall != nil {
				currentCall.Args = json.RawMessage(currentInput.String())
				out <- agent.CompletionChunk{FunctionCall: currentCall}
				currentCall = nil
			}
		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
		case "message_stop":
			out <- agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		case "error":
			out <- agent.CompletionChunk{Err: errors.New("anthropic: stream error")}
			return
		}
	}
	if err := stream.Err(); err != nil {
		if isContextOverflow(err) {
			out <- agent.CompletionChunk{Err: agent.ErrContextWindowExceeded}
			return
		}
		out <- agent.CompletionChunk{Err: fmt.Errorf("anthropic: %w", err)}
	}
}

func convertMessages(messages []models.Content) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		var blocks []anthropic.ContentBlockParamUnion
		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText, models.PartThought:
				if part.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(part.Text))
				}
			case models.PartFunctionCall:
				var input map[string]any
				if len(part.FunctionCall.Args) > 0 {
					if err := json.Unmarshal(part.FunctionCall.Args, &input); err != nil {
						return nil, fmt.Errorf("tool call args for %s: %w", part.FunctionCall.ToolName, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(part.FunctionCall.ID, input, part.FunctionCall.ToolName))
			case models.PartFunctionResponse:
				content := string(part.FunctionResponse.Result)
				if part.FunctionResponse.Error != "" {
					content = part.FunctionResponse.Error
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(part.FunctionResponse.ToolCallID, content, part.FunctionResponse.Error != ""))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == models.RoleModel {
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		} else {
			result = append(result, anthropic.NewUserMessage(blocks...))
		}
	}
	return result, nil
}

func convertTools(tools []agent.LLMToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{"rate_limit", "429", "too many requests", "500", "502", "503", "504", "timeout", "deadline exceeded", "connection reset", "connection refused"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// isContextOverflow reports whether err is the provider's way of saying
// the assembled request exceeded its context window, the signal the
// reactive compaction tier watches for. Grounded on the
// pack's copilot-agent isContextOverflow string-match idiom.
func isContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "context_length_exceeded") ||
		strings.Contains(s, "maximum context length") ||
		strings.Contains(s, "prompt is too long") ||
		(strings.Contains(s, "400") && strings.Contains(s, "too many tokens"))
}
