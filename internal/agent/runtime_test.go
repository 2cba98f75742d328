package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/swarmd/internal/cancel"
	"github.com/agentmesh/swarmd/internal/compaction"
	"github.com/agentmesh/swarmd/internal/sessionstore"
	"github.com/agentmesh/swarmd/pkg/models"
)

// scriptedProvider replays a fixed sequence of turns, one per Complete call,
// and records every request it was handed.
type scriptedProvider struct {
	turns    [][]CompletionChunk
	calls    int
	requests []*CompletionRequest
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan CompletionChunk, error) {
	p.requests = append(p.requests, req)
	idx := p.calls
	p.calls++
	ch := make(chan CompletionChunk, len(p.turns[idx]))
	for _, c := range p.turns[idx] {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

type echoTool struct{}

func (echoTool) Name() string            { return "echo" }
func (echoTool) Description() string     { return "echoes args back" }
func (echoTool) Schema() json.RawMessage { return nil }
func (echoTool) Invoke(ctx context.Context, args json.RawMessage, tc ToolContext) (json.RawMessage, error) {
	return args, nil
}

type fakeSummarizer struct{ summary string }

func (f fakeSummarizer) Summarize(ctx context.Context, text, instructions string) (string, error) {
	return f.summary, nil
}

func drain(t *testing.T, ch <-chan StreamItem) []StreamItem {
	t.Helper()
	var out []StreamItem
	for item := range ch {
		out = append(out, item)
	}
	return out
}

func TestRuntimeRunFinalizesOnTextOnlyTurn(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	provider := &scriptedProvider{turns: [][]CompletionChunk{
		{{Text: "hello "}, {Text: "world"}, {Done: true}},
	}}
	rt := NewRuntime(provider, store, fakeSummarizer{}, compaction.DefaultConfig(100_000), "test-model", "be helpful")
	registry := NewToolRegistry("sess-1")

	key := models.SessionKey{AppName: "swarmd", UserID: "u1", SessionID: "sess-1"}
	items := drain(t, rt.Run(context.Background(), key, registry, "hi there", nil))

	require.NotEmpty(t, items)
	for _, it := range items {
		assert.Nil(t, it.Err)
	}

	session, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, session.Events, 2) // user turn + model turn
	assert.Equal(t, models.AuthorUser, session.Events[0].Author)
	assert.Equal(t, models.AuthorModel, session.Events[1].Author)
	assert.Equal(t, "hello world", session.Events[1].Content.TextContent())
	assert.Equal(t, models.DeriveTitle("hi there"), session.Title)
}

func TestRuntimeRunExecutesToolSequentiallyThenFinalizes(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	callArgs, _ := json.Marshal(map[string]string{"msg": "ping"})
	provider := &scriptedProvider{turns: [][]CompletionChunk{
		{{FunctionCall: &models.FunctionCall{ID: "call-1", ToolName: "echo", Args: callArgs}}, {Done: true}},
		{{Text: "done"}, {Done: true}},
	}}
	rt := NewRuntime(provider, store, fakeSummarizer{}, compaction.DefaultConfig(100_000), "test-model", "")
	registry := NewToolRegistry("sess-2")
	registry.Bind(echoTool{})

	key := models.SessionKey{AppName: "swarmd", UserID: "u1", SessionID: "sess-2"}
	items := drain(t, rt.Run(context.Background(), key, registry, "use the tool", nil))
	for _, it := range items {
		assert.Nil(t, it.Err)
	}

	session, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	// user, function_call, function_response, final model text — in order,
	// and the call precedes its matching result.
	require.Len(t, session.Events, 4)
	assert.Equal(t, models.PartFunctionCall, session.Events[1].Content.Parts[0].Type)
	assert.Equal(t, models.PartFunctionResponse, session.Events[2].Content.Parts[0].Type)
	assert.Equal(t, "call-1", session.Events[2].Content.Parts[0].FunctionResponse.ToolCallID)
	assert.Equal(t, "done", session.Events[3].Content.TextContent())

	require.Len(t, provider.requests, 2)
	assert.Len(t, provider.requests[1].Messages, 3) // user + call + result fed back in
}

type oversizedTool struct{}

func (oversizedTool) Name() string            { return "huge" }
func (oversizedTool) Description() string     { return "returns far too much" }
func (oversizedTool) Schema() json.RawMessage { return nil }
func (oversizedTool) Invoke(ctx context.Context, args json.RawMessage, tc ToolContext) (json.RawMessage, error) {
	payload, _ := json.Marshal(map[string]string{"blob": strings.Repeat("x", MaxToolResultSize+1)})
	return payload, nil
}

func TestToolRegistryTruncatesOversizedResult(t *testing.T) {
	registry := NewToolRegistry("sess-big")
	registry.Bind(oversizedTool{})

	result := registry.Invoke(context.Background(), "huge", nil, ToolContext{})
	require.False(t, result.IsError)
	assert.LessOrEqual(t, len(result.Content), MaxToolResultSize+1024)
	assert.Contains(t, string(result.Content), "truncated")
	assert.True(t, json.Valid(result.Content), "the truncated payload must still be valid JSON")
}

func TestRuntimeRunHonorsCancellationBeforeModelCall(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	provider := &scriptedProvider{turns: [][]CompletionChunk{{{Text: "should not be reached"}}}}
	rt := NewRuntime(provider, store, fakeSummarizer{}, compaction.DefaultConfig(100_000), "m", "")
	registry := NewToolRegistry("sess-3")

	ch := cancel.New()
	ch.Post()

	key := models.SessionKey{AppName: "swarmd", UserID: "u1", SessionID: "sess-3"}
	items := drain(t, rt.Run(context.Background(), key, registry, "hi", ch))

	require.NotEmpty(t, items)
	last := items[len(items)-1]
	assert.ErrorIs(t, last.Err, ErrCancelled)
	assert.Zero(t, provider.calls)
}

func TestRuntimePreflightCompactionRunsBeforeModelCall(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	key := models.SessionKey{AppName: "swarmd", UserID: "u1", SessionID: "sess-4"}
	_, _, err := store.GetOrCreate(context.Background(), key)
	require.NoError(t, err)

	var seeded []models.Event
	for i := 0; i < 12; i++ {
		seeded = append(seeded, models.NewTextEvent(models.AuthorUser, models.RoleUser, "filler", time.Now().UTC()))
	}
	require.NoError(t, store.AppendEvents(context.Background(), key, seeded...))

	provider := &scriptedProvider{turns: [][]CompletionChunk{{{Text: "ok"}, {Done: true}}}}
	cfg := compaction.Config{StructuralEventThreshold: 10, MinEventsForCompaction: 2}
	rt := NewRuntime(provider, store, fakeSummarizer{summary: "prior chatter"}, cfg, "m", "")
	registry := NewToolRegistry("sess-4")

	items := drain(t, rt.Run(context.Background(), key, registry, "new turn", nil))
	for _, it := range items {
		assert.Nil(t, it.Err)
	}

	require.Len(t, provider.requests, 1)
	// Compacted down to one summary event (no system events existed): the
	// new user turn is appended before preflight runs, so it is folded into
	// the summary.
	assert.LessOrEqual(t, len(provider.requests[0].Messages), 2)
}
