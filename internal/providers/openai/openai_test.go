package openai

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentmesh/swarmd/internal/agent"
	"github.com/agentmesh/swarmd/pkg/models"
)

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNewAppliesDefaults(t *testing.T) {
	p, err := New(Config{APIKey: "test-key"})
	require.NoError(t, err)
	assert.Equal(t, 3, p.maxRetries)
	assert.Equal(t, time.Second, p.retryDelay)
	assert.Equal(t, "gpt-4o", p.defaultModel)
}

func TestName(t *testing.T) {
	p, err := New(Config{APIKey: "test-key"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestConvertMessagesPrependsSystem(t *testing.T) {
	out := convertMessages(nil, "you are a node")
	require.Len(t, out, 1)
	assert.Equal(t, openai.ChatMessageRoleSystem, out[0].Role)
	assert.Equal(t, "you are a node", out[0].Content)
}

func TestConvertMessagesUserAndModel(t *testing.T) {
	msgs := []models.Content{
		{Role: models.RoleUser, Parts: []models.Part{{Type: models.PartText, Text: "hi"}}},
		{Role: models.RoleModel, Parts: []models.Part{{Type: models.PartText, Text: "hello"}}},
	}
	out := convertMessages(msgs, "")
	require.Len(t, out, 2)
	assert.Equal(t, openai.ChatMessageRoleUser, out[0].Role)
	assert.Equal(t, openai.ChatMessageRoleAssistant, out[1].Role)
}

func TestConvertMessagesModelWithToolCall(t *testing.T) {
	msgs := []models.Content{
		{Role: models.RoleModel, Parts: []models.Part{{
			Type:         models.PartFunctionCall,
			FunctionCall: &models.FunctionCall{ID: "call-1", ToolName: "dispatch_task", Args: json.RawMessage(`{"task_instruction":"go"}`)},
		}}},
	}
	out := convertMessages(msgs, "")
	require.Len(t, out, 1)
	require.Len(t, out[0].ToolCalls, 1)
	assert.Equal(t, "dispatch_task", out[0].ToolCalls[0].Function.Name)
}

func TestConvertMessagesToolReplyUsesResultOrError(t *testing.T) {
	msgs := []models.Content{
		{Role: models.RoleToolReply, Parts: []models.Part{{
			Type:             models.PartFunctionResponse,
			FunctionResponse: &models.FunctionResponse{ToolCallID: "call-1", ToolName: "dispatch_task", Result: json.RawMessage(`"ok"`)},
		}}},
		{Role: models.RoleToolReply, Parts: []models.Part{{
			Type:             models.PartFunctionResponse,
			FunctionResponse: &models.FunctionResponse{ToolCallID: "call-2", ToolName: "dispatch_task", Error: "boom"},
		}}},
	}
	out := convertMessages(msgs, "")
	require.Len(t, out, 2)
	assert.Equal(t, `"ok"`, out[0].Content)
	assert.Equal(t, "boom", out[1].Content)
	assert.Equal(t, openai.ChatMessageRoleTool, out[0].Role)
}

func TestConvertToolsBuildsFunctionDefinitions(t *testing.T) {
	tools := []agent.LLMToolSpec{
		{Name: "dispatch_task", Description: "delegate", Schema: json.RawMessage(`{"type":"object"}`)},
	}
	out := convertTools(tools)
	require.Len(t, out, 1)
	assert.Equal(t, openai.ToolTypeFunction, out[0].Type)
	assert.Equal(t, "dispatch_task", out[0].Function.Name)
}

func TestConvertToolsFallsBackOnInvalidSchema(t *testing.T) {
	tools := []agent.LLMToolSpec{
		{Name: "broken", Schema: json.RawMessage(`not-json`)},
	}
	out := convertTools(tools)
	require.Len(t, out, 1)
	assert.NotNil(t, out[0].Function.Parameters)
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("rate limit exceeded"), true},
		{errors.New("429 too many requests"), true},
		{errors.New("503 service unavailable"), true},
		{errors.New("invalid api key"), false},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.want, isRetryable(tt.err), "isRetryable(%v)", tt.err)
	}
}

func TestIsContextOverflow(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("This model's maximum context length is 128000 tokens"), true},
		{errors.New("context_length_exceeded"), true},
		{errors.New("prompt is too long"), true},
		{errors.New("invalid request"), false},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.want, isContextOverflow(tt.err), "isContextOverflow(%v)", tt.err)
	}
}
