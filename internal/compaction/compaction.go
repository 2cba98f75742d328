// Package compaction implements the context compaction engine:
// predictive/structural/reactive trigger evaluation, auxiliary
// summarization, and the exact new-event-list construction the session
// runtime persists back through sessionstore.Store.ReplaceEvents.
package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentmesh/swarmd/pkg/models"
)

// CharsPerToken is the character-to-token estimation ratio for the
// predictive trigger.
const CharsPerToken = 3

// PredictiveThreshold is the fraction of the context window above which the
// predictive trigger fires.
const PredictiveThreshold = 0.90

// DefaultStructuralEventThreshold is the default event-count above which the
// structural trigger fires. Configurable.
const DefaultStructuralEventThreshold = 700

// DefaultMinEventsForCompaction is the floor below which compaction never
// runs regardless of trigger.
const DefaultMinEventsForCompaction = 10

// MaxRenderChars is the safety cap on rendered event-log text handed to the
// summarizer. Logs larger than this are truncated before summarization.
const MaxRenderChars = 200_000

// HeadKeepRatio and TailKeepRatio govern the safety truncation: keep the
// first 20% and last 30% of the rendered text, drop the middle.
const (
	HeadKeepRatio = 0.20
	TailKeepRatio = 0.30
)

// SummaryInstructions is the fixed instruction handed to the auxiliary
// summarizer on every compaction call.
const SummaryInstructions = "Summarize the conversation so far. Preserve the user's goal, " +
	"decisions made, and any open questions. Omit source code listings and verbose tool output; " +
	"keep the summary concise and information-dense."

// CompactionNoticePrefix is the literal prefix of the synthetic user event
// the compacted log is seeded with.
const CompactionNoticePrefix = "[System] Context cleared. Summary of previous conversation:\n"

// Config holds the three configurable trigger knobs.
type Config struct {
	ContextWindowTokens      int
	StructuralEventThreshold int
	MinEventsForCompaction   int
}

// DefaultConfig returns the standard defaults for a given model context
// window.
func DefaultConfig(contextWindowTokens int) Config {
	return Config{
		ContextWindowTokens:      contextWindowTokens,
		StructuralEventThreshold: DefaultStructuralEventThreshold,
		MinEventsForCompaction:   DefaultMinEventsForCompaction,
	}
}

func (c Config) normalized() Config {
	if c.StructuralEventThreshold <= 0 {
		c.StructuralEventThreshold = DefaultStructuralEventThreshold
	}
	if c.MinEventsForCompaction <= 0 {
		c.MinEventsForCompaction = DefaultMinEventsForCompaction
	}
	return c
}

// Trigger identifies which of the three tiers fired.
type Trigger int

const (
	TriggerNone Trigger = iota
	TriggerPredictive
	TriggerStructural
	TriggerReactive
)

func (t Trigger) String() string {
	switch t {
	case TriggerPredictive:
		return "predictive"
	case TriggerStructural:
		return "structural"
	case TriggerReactive:
		return "reactive"
	default:
		return "none"
	}
}

// EstimateTokens approximates the token count of an event log using the
// char-count/3 heuristic.
func EstimateTokens(events []models.Event) int {
	chars := len(RenderEvents(events))
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// DecidePreflight evaluates the predictive and structural tiers. The runtime
// calls it once per turn, before the turn's first model generation
// (runtime.preflightCompact). It never returns TriggerReactive; that tier is only
// ever entered from the ContextWindowExceeded handler via DecideReactive.
func DecidePreflight(events []models.Event, cfg Config) Trigger {
	cfg = cfg.normalized()
	if len(events) < cfg.MinEventsForCompaction {
		return TriggerNone
	}
	if cfg.ContextWindowTokens > 0 {
		estimated := EstimateTokens(events)
		if float64(estimated) > float64(cfg.ContextWindowTokens)*PredictiveThreshold {
			return TriggerPredictive
		}
	}
	if len(events) > cfg.StructuralEventThreshold {
		return TriggerStructural
	}
	return TriggerNone
}

// DecideReactive reports whether compaction should run in response to a
// ContextWindowExceeded error from the model provider. The minimum-event
// floor still applies: a log too short to compact is a provider or config
// problem, not something compaction can fix.
func DecideReactive(events []models.Event, cfg Config) bool {
	cfg = cfg.normalized()
	return len(events) >= cfg.MinEventsForCompaction
}

// Summarizer is the auxiliary model call compaction delegates to. Callers
// typically bind this to a cheap/fast model distinct from the primary
// session model.
type Summarizer interface {
	Summarize(ctx context.Context, text string, instructions string) (string, error)
}

// RenderEvents flattens an event log to plain text for token estimation and
// summarization input. Tool calls/results are rendered compactly; thought
// parts are included since they carry planning context the summary should
// preserve.
func RenderEvents(events []models.Event) string {
	var sb strings.Builder
	for _, e := range events {
		sb.WriteString("[")
		sb.WriteString(string(e.Author))
		sb.WriteString("] ")
		for _, p := range e.Content.Parts {
			switch p.Type {
			case models.PartText, models.PartThought:
				sb.WriteString(p.Text)
			case models.PartFunctionCall:
				if p.FunctionCall != nil {
					fmt.Fprintf(&sb, "<call %s(%s)>", p.FunctionCall.ToolName, truncate(string(p.FunctionCall.Args), 200))
				}
			case models.PartFunctionResponse:
				if p.FunctionResponse != nil {
					fmt.Fprintf(&sb, "<result %s: %s>", p.FunctionResponse.ToolName, truncate(string(p.FunctionResponse.Result), 200))
				}
			}
			sb.WriteString(" ")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// truncateForSafety shortens rendered text longer than MaxRenderChars to its
// first 20% and last 30%, dropping the middle; the result is not capped at
// MaxRenderChars.
func truncateForSafety(text string) string {
	if len(text) <= MaxRenderChars {
		return text
	}
	headLen := int(float64(len(text)) * HeadKeepRatio)
	tailLen := int(float64(len(text)) * TailKeepRatio)
	head := text[:headLen]
	tail := text[len(text)-tailLen:]
	return head + "\n...[truncated]...\n" + tail
}

// danglingFunctionCall returns the tool-call id/name of the last
// function_call in events that has no matching function_response, if any.
func danglingFunctionCall(events []models.Event) (id, tool string, ok bool) {
	answered := make(map[string]bool)
	var pendingID, pendingTool string
	havePending := false
	for _, e := range events {
		for _, p := range e.Content.Parts {
			switch p.Type {
			case models.PartFunctionCall:
				if p.FunctionCall != nil {
					pendingID, pendingTool = p.FunctionCall.ID, p.FunctionCall.ToolName
					havePending = true
				}
			case models.PartFunctionResponse:
				if p.FunctionResponse != nil {
					answered[p.FunctionResponse.ToolCallID] = true
				}
			}
		}
	}
	if havePending && !answered[pendingID] {
		return pendingID, pendingTool, true
	}
	return "", "", false
}

// Compact runs the full algorithm: synthesize a stub for a
// dangling tool call if the reactive tier fired mid-call, summarize via the
// injected Summarizer, and build the replacement event list: every original
// system-role event, unchanged and in place, followed by exactly one
// user-role event carrying the summary.
//
// Compact does not persist the result; callers pass the returned slice to
// sessionstore.Store.ReplaceEvents, the store's explicit in-place mutation
// primitive.
func Compact(ctx context.Context, events []models.Event, summarizer Summarizer, trigger Trigger) ([]models.Event, error) {
	working := events
	if trigger == TriggerReactive {
		if id, tool, ok := danglingFunctionCall(events); ok {
			stub := models.Event{
				Author: models.AuthorModel,
				Content: models.Content{
					Role: models.RoleToolReply,
					Parts: []models.Part{{
						Type: models.PartFunctionResponse,
						FunctionResponse: &models.FunctionResponse{
							ToolCallID: id,
							ToolName:   tool,
							Error:      "compacted before tool result was recorded",
							Synthetic:  true,
						},
					}},
				},
				CreatedAt: time.Now().UTC(),
			}
			working = append(append([]models.Event{}, events...), stub)
		}
	}

	text := truncateForSafety(RenderEvents(working))
	summary, err := summarizer.Summarize(ctx, text, SummaryInstructions)
	if err != nil {
		return nil, fmt.Errorf("compaction: summarize: %w", err)
	}

	out := make([]models.Event, 0, len(working)+1)
	for _, e := range working {
		if e.Author == models.AuthorSystem {
			out = append(out, e)
		}
	}
	out = append(out, models.NewTextEvent(models.AuthorUser, models.RoleUser,
		CompactionNoticePrefix+summary, time.Now().UTC()))
	return out, nil
}

// IsCompacted reports whether events already has the shape Compact
// produces: system events only, followed by exactly one user event whose
// text begins with CompactionNoticePrefix. DecidePreflight already makes
// Compact idempotent in practice (a freshly compacted log is far under both
// thresholds), but callers that want an explicit check can use this.
func IsCompacted(events []models.Event) bool {
	if len(events) == 0 {
		return false
	}
	last := events[len(events)-1]
	if last.Author != models.AuthorUser {
		return false
	}
	text := last.Content.TextContent()
	if !strings.HasPrefix(text, CompactionNoticePrefix) {
		return false
	}
	for _, e := range events[:len(events)-1] {
		if e.Author != models.AuthorSystem {
			return false
		}
	}
	return true
}
