// Package openai adapts OpenAI's chat completions API to the
// agent.LLMProvider interface. In-progress tool calls accumulate in an
// index-keyed map (OpenAI streams tool call arguments as fragments keyed
// by an index, not a stable id, until the final chunk) and flush on
// finish_reason.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentmesh/swarmd/internal/agent"
	"github.com/agentmesh/swarmd/pkg/models"
)

// Config configures the OpenAI provider.
type Config struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// Provider implements agent.LLMProvider for OpenAI's chat completions API.
type Provider struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// New builds a Provider from Config.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Provider{
		client:       openai.NewClientWithConfig(clientCfg),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  convertMessages(req.Messages, req.System),
		MaxTokens: maxTokens,
		Stream:    true,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if isContextOverflow(lastErr) {
			return nil, agent.ErrContextWindowExceeded
		}
		if !isRetryable(lastErr) {
			return nil, fmt.Errorf("openai: non-retryable error: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	out := make(chan agent.CompletionChunk)
	go processStream(ctx, stream, out)
	return out, nil
}

func processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- agent.CompletionChunk) {
	defer close(out)
	defer stream.Close()

	calls := make(map[int]*models.FunctionCall)
	flush := func() {
		for _, c := range calls {
			if c.ID != "" && c.ToolName != "" {
				out <- agent.CompletionChunk{FunctionCall: c}
			}
		}
		calls = make(map[int]*models.FunctionCall)
	}

	for {
		select {
		case <-ctx.Done():
			out <- agent.CompletionChunk{Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				out <- agent.CompletionChunk{Done: true}
				return
			}
			if isContextOverflow(err) {
				out <- agent.CompletionChunk{Err: agent.ErrContextWindowExceeded}
				return
			}
			out <- agent.CompletionChunk{Err: err}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			out <- agent.CompletionChunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if calls[index] == nil {
				calls[index] = &models.FunctionCall{}
			}
			if tc.ID != "" {
				calls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[index].ToolName = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				calls[index].Args = json.RawMessage(string(calls[index].Args) + tc.Function.Arguments)
			}
		}

		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func convertMessages(messages []models.Content, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.TextContent()})

		case models.RoleModel:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.TextContent()}
			for _, part := range msg.Parts {
				if part.Type == models.PartFunctionCall {
					oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
						ID:   part.FunctionCall.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      part.FunctionCall.ToolName,
							Arguments: string(part.FunctionCall.Args),
						},
					})
				}
			}
			result = append(result, oaiMsg)

		case models.RoleToolReply:
			for _, part := range msg.Parts {
				if part.Type != models.PartFunctionResponse {
					continue
				}
				content := string(part.FunctionResponse.Result)
				if part.FunctionResponse.Error != "" {
					content = part.FunctionResponse.Error
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: part.FunctionResponse.ToolCallID,
				})
			}

		default:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.TextContent()})
		}
	}
	return result
}

func convertTools(tools []agent.LLMToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func isRetryable(err error) bool {
	msg := err.Error()
	for _, needle := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// isContextOverflow reports whether err is OpenAI's way of saying the
// assembled request exceeded its context window, the signal the reactive
// compaction tier watches for. Grounded on the pack's
// copilot-agent isContextOverflow string-match idiom.
func isContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "context_length_exceeded") ||
		strings.Contains(s, "maximum context length") ||
		strings.Contains(s, "prompt is too long")
}
