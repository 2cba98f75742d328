package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/swarmd/pkg/models"
)

func textEvent(author models.Author, role models.Role, text string) models.Event {
	return models.NewTextEvent(author, role, text, time.Now().UTC())
}

func TestEstimateTokens(t *testing.T) {
	events := []models.Event{textEvent(models.AuthorUser, models.RoleUser, "123456789")}
	// rendered text adds an "[user] " prefix and trailing space/newline, so
	// just assert the ratio direction rather than an exact byte count.
	got := EstimateTokens(events)
	assert.Greater(t, got, 0)
	assert.LessOrEqual(t, got, len(RenderEvents(events)))
}

func TestDecidePreflightMinEventsFloor(t *testing.T) {
	cfg := DefaultConfig(1000)
	var events []models.Event
	for i := 0; i < DefaultMinEventsForCompaction-1; i++ {
		events = append(events, textEvent(models.AuthorUser, models.RoleUser, "hi"))
	}
	assert.Equal(t, TriggerNone, DecidePreflight(events, cfg))
}

func TestDecidePreflightStructural(t *testing.T) {
	cfg := Config{StructuralEventThreshold: 5, MinEventsForCompaction: 2}
	var events []models.Event
	for i := 0; i < 6; i++ {
		events = append(events, textEvent(models.AuthorUser, models.RoleUser, "hi"))
	}
	assert.Equal(t, TriggerStructural, DecidePreflight(events, cfg))
}

func TestDecidePreflightPredictive(t *testing.T) {
	cfg := Config{ContextWindowTokens: 10, MinEventsForCompaction: 2}
	events := []models.Event{
		textEvent(models.AuthorUser, models.RoleUser, strings.Repeat("x", 100)),
		textEvent(models.AuthorModel, models.RoleModel, strings.Repeat("y", 100)),
	}
	assert.Equal(t, TriggerPredictive, DecidePreflight(events, cfg))
}

func TestDecideReactiveRespectsFloor(t *testing.T) {
	cfg := Config{MinEventsForCompaction: 10}
	assert.False(t, DecideReactive(make([]models.Event, 3), cfg))
	assert.True(t, DecideReactive(make([]models.Event, 10), cfg))
}

type fakeSummarizer struct {
	summary string
	err     error
	calls    int
	lastLen  int
	lastText string
}

func (f *fakeSummarizer) Summarize(ctx context.Context, text string, instructions string) (string, error) {
	f.calls++
	f.lastLen = len(text)
	f.lastText = text
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

func TestCompactKeepsSystemEventsAndAddsOneSummaryEvent(t *testing.T) {
	events := []models.Event{
		textEvent(models.AuthorSystem, models.RoleSystem, "you are a helpful agent"),
		textEvent(models.AuthorUser, models.RoleUser, "do the thing"),
		textEvent(models.AuthorModel, models.RoleModel, "working on it"),
	}
	sum := &fakeSummarizer{summary: "user asked for the thing, in progress"}

	out, err := Compact(context.Background(), events, sum, TriggerStructural)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, models.AuthorSystem, out[0].Author)
	assert.Equal(t, "you are a helpful agent", out[0].Content.TextContent())
	assert.Equal(t, models.AuthorUser, out[1].Author)
	assert.Equal(t, models.RoleUser, out[1].Content.Role)
	assert.True(t, strings.HasPrefix(out[1].Content.TextContent(), CompactionNoticePrefix))
	assert.Contains(t, out[1].Content.TextContent(), sum.summary)
	assert.Equal(t, 1, sum.calls)
}

func TestCompactSurfacesSummarizerError(t *testing.T) {
	events := []models.Event{textEvent(models.AuthorUser, models.RoleUser, "hi")}
	sum := &fakeSummarizer{err: errors.New("boom")}
	_, err := Compact(context.Background(), events, sum, TriggerPredictive)
	assert.Error(t, err)
}

func TestCompactReactiveInjectsStubForDanglingCall(t *testing.T) {
	call := models.Event{
		Author: models.AuthorModel,
		Content: models.Content{
			Role: models.RoleModel,
			Parts: []models.Part{{
				Type:         models.PartFunctionCall,
				FunctionCall: &models.FunctionCall{ID: "call-1", ToolName: "dispatch_task"},
			}},
		},
	}
	events := []models.Event{
		textEvent(models.AuthorUser, models.RoleUser, "go dispatch this"),
		call,
	}
	sum := &fakeSummarizer{summary: "dispatched a task, awaiting result"}

	_, err := Compact(context.Background(), events, sum, TriggerReactive)
	require.NoError(t, err)
	// The rendered text handed to the summarizer must include the
	// synthetic result, i.e. the function_call is no longer dangling.
	assert.Contains(t, sum.lastText, "<result dispatch_task")
	assert.Greater(t, sum.lastLen, 0)
}

func TestCompactIsIdempotentUnderPreflightCheck(t *testing.T) {
	events := []models.Event{
		textEvent(models.AuthorSystem, models.RoleSystem, "system prompt"),
		textEvent(models.AuthorUser, models.RoleUser, "hello"),
	}
	sum := &fakeSummarizer{summary: "short chat"}
	compacted, err := Compact(context.Background(), events, sum, TriggerStructural)
	require.NoError(t, err)

	assert.True(t, IsCompacted(compacted))
	// Re-running preflight against an already-compacted (2-event) log never
	// re-triggers under the default floor/threshold.
	assert.Equal(t, TriggerNone, DecidePreflight(compacted, DefaultConfig(1_000_000)))
}

func TestTruncateForSafetyKeepsHeadAndTail(t *testing.T) {
	big := strings.Repeat("a", MaxRenderChars+1000)
	out := truncateForSafety(big)
	assert.Less(t, len(out), len(big))
	assert.True(t, strings.HasPrefix(out, "aaa"))
	assert.True(t, strings.HasSuffix(out, "aaa"))
}

func TestIsCompactedRejectsMixedAuthorsBeforeSummary(t *testing.T) {
	events := []models.Event{
		textEvent(models.AuthorSystem, models.RoleSystem, "sys"),
		textEvent(models.AuthorModel, models.RoleModel, "not a summary"),
		textEvent(models.AuthorUser, models.RoleUser, CompactionNoticePrefix+"x"),
	}
	assert.False(t, IsCompacted(events))
}
