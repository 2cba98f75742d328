package anthropic

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	assert.Equal(t, "claude-sonnet-4-20250514", p.defaultModel)
}

func TestNewHonorsExplicitConfig(t *testing.T) {
	p, err := New(Config{
		APIKey:       "test-key",
		MaxRetries:   5,
		RetryDelay:   2 * time.Second,
		DefaultModel: "claude-opus-4-20250514",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, p.maxRetries)
	assert.Equal(t, 2*time.Second, p.retryDelay)
	assert.Equal(t, "claude-opus-4-20250514", p.defaultModel)
}

func TestName(t *testing.T) {
	p, err := New(Config{APIKey: "test-key"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
}

func TestConvertMessagesSkipsSystemRole(t *testing.T) {
	msgs := []models.Content{
		{Role: models.RoleSystem, Parts: []models.Part{{Type: models.PartText, Text: "you are a node"}}},
		{Role: models.RoleUser, Parts: []models.Part{{Type: models.PartText, Text: "hello"}}},
	}
	out, err := convertMessages(msgs)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestConvertMessagesDropsEmptyBlocks(t *testing.T) {
	msgs := []models.Content{
		{Role: models.RoleUser, Parts: []models.Part{{Type: models.PartText, Text: ""}}},
	}
	out, err := convertMessages(msgs)
	require.NoError(t, err)
	assert.Empty(t, out, "a message with no non-empty parts must produce no anthropic message")
}

func TestConvertMessagesToolCallAndResponse(t *testing.T) {
	msgs := []models.Content{
		{Role: models.RoleModel, Parts: []models.Part{{
			Type:         models.PartFunctionCall,
			FunctionCall: &models.FunctionCall{ID: "call-1", ToolName: "dispatch_task", Args: json.RawMessage(`{"task_instruction":"go"}`)},
		}}},
		{Role: models.RoleToolReply, Parts: []models.Part{{
			Type:             models.PartFunctionResponse,
			FunctionResponse: &models.FunctionResponse{ToolCallID: "call-1", ToolName: "dispatch_task", Result: json.RawMessage(`"done"`)},
		}}},
	}
	out, err := convertMessages(msgs)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestConvertMessagesInvalidToolArgs(t *testing.T) {
	msgs := []models.Content{
		{Role: models.RoleModel, Parts: []models.Part{{
			Type:         models.PartFunctionCall,
			FunctionCall: &models.FunctionCall{ID: "call-1", ToolName: "dispatch_task", Args: json.RawMessage(`not-json`)},
		}}},
	}
	_, err := convertMessages(msgs)
	assert.Error(t, err)
}

func TestConvertMessagesErrorResponseUsesErrorContent(t *testing.T) {
	msgs := []models.Content{
		{Role: models.RoleToolReply, Parts: []models.Part{{
			Type:             models.PartFunctionResponse,
			FunctionResponse: &models.FunctionResponse{ToolCallID: "call-1", ToolName: "dispatch_task", Error: "boom"},
		}}},
	}
	out, err := convertMessages(msgs)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestConvertToolsBuildsOneParamPerTool(t *testing.T) {
	tools := []agent.LLMToolSpec{
		{Name: "dispatch_task", Description: "delegate a sub-task", Schema: json.RawMessage(`{"type":"object","properties":{"task_instruction":{"type":"string"}}}`)},
	}
	out, err := convertTools(tools)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].OfTool)
	assert.Equal(t, "dispatch_task", out[0].OfTool.Name)
}

func TestConvertToolsInvalidSchema(t *testing.T) {
	tools := []agent.LLMToolSpec{
		{Name: "broken", Schema: json.RawMessage(`not-json`)},
	}
	_, err := convertTools(tools)
	assert.Error(t, err)
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("rate_limit exceeded"), true},
		{errors.New("HTTP 429"), true},
		{errors.New("500 internal server error"), true},
		{errors.New("connection reset by peer"), true},
		{errors.New("invalid request: missing field"), false},
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
		{errors.New("prompt is too long: 250000 tokens > 200000 maximum"), true},
		{errors.New("this model's maximum context length is 200000 tokens"), true},
		{errors.New("context_length_exceeded"), true},
		{errors.New("401 unauthorized"), false},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.want, isContextOverflow(tt.err), "isContextOverflow(%v)", tt.err)
	}
}
