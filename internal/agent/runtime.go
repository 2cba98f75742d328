package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentmesh/swarmd/internal/cancel"
	"github.com/agentmesh/swarmd/internal/compaction"
	"github.com/agentmesh/swarmd/internal/observability"
	"github.com/agentmesh/swarmd/internal/sessionstore"
	"github.com/agentmesh/swarmd/pkg/models"
)

// safetyMaxIterations bounds the number of model/tool round trips in a
// single Run call, a safety net against a runaway model that never stops
// calling tools.
const safetyMaxIterations = 50

type systemPromptKey struct{}

// WithSystemPrompt overrides the system prompt for one Run call, leaving
// Runtime's own defaultSystem untouched. The gateway uses it to fold the
// skill manager's current phase-1 catalog into the prompt per turn,
// without the runtime importing the skills package itself.
func WithSystemPrompt(ctx context.Context, prompt string) context.Context {
	return context.WithValue(ctx, systemPromptKey{}, prompt)
}

func systemPromptFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(systemPromptKey{}).(string)
	return v, ok
}

// StreamItem is one element of a Run output stream: either a Chunk to
// forward to the client, or — as the final item before the channel closes —
// a terminal error.
type StreamItem struct {
	Chunk *models.Chunk
	Err   error
}

// Runtime is the session runtime: the ReAct loop that interleaves model
// generations with tool calls, honoring cancellation at guard points and
// triggering compaction. Tool calls within one turn run sequentially —
// fan-out across nodes is the dispatcher tool's job, not the loop's.
type Runtime struct {
	provider   LLMProvider
	store      sessionstore.Store
	summarizer compaction.Summarizer

	compactionCfg compaction.Config
	defaultModel  string
	defaultSystem string
	maxTokens     int
	metrics       *observability.Metrics
}

// NewRuntime builds a Runtime bound to one provider, one session store, and
// one auxiliary summarizer.
func NewRuntime(provider LLMProvider, store sessionstore.Store, summarizer compaction.Summarizer, compactionCfg compaction.Config, defaultModel, defaultSystem string) *Runtime {
	return &Runtime{
		provider:      provider,
		store:         store,
		summarizer:    summarizer,
		compactionCfg: compactionCfg,
		defaultModel:  defaultModel,
		defaultSystem: defaultSystem,
		maxTokens:     4096,
	}
}

// WithMetrics attaches the node's Prometheus collector set, used to record
// compaction runs (observability.Metrics.RecordCompaction). Optional: a
// Runtime with no metrics attached just skips recording.
func (rt *Runtime) WithMetrics(metrics *observability.Metrics) *Runtime {
	rt.metrics = metrics
	return rt
}

// recordLLMRequest records one provider.Complete-plus-collectTurn round
// trip. collectTurn does not read CompletionChunk's InputTokens/OutputTokens,
// so this always reports 0/0 — RecordLLMRequest already tolerates
// that (it only emits the token counters when a count is positive).
func (rt *Runtime) recordLLMRequest(model, status string, start time.Time) {
	if rt.metrics == nil {
		return
	}
	rt.metrics.RecordLLMRequest(rt.provider.Name(), model, status, time.Since(start).Seconds(), 0, 0)
}

func (rt *Runtime) recordToolExecution(toolName, status string, start time.Time) {
	if rt.metrics == nil {
		return
	}
	rt.metrics.RecordToolExecution(toolName, status, time.Since(start).Seconds())
}

func (rt *Runtime) recordCompaction(trigger compaction.Trigger, err error) {
	if rt.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	rt.metrics.RecordCompaction(trigger.String(), status)
}

// Run executes one user turn to completion, streaming chunks as they're
// produced. The returned channel is closed once the turn finalizes,
// cancels, or fails; a final StreamItem carrying a non-nil Err precedes
// closure on any non-success path.
func (rt *Runtime) Run(ctx context.Context, key models.SessionKey, registry *ToolRegistry, userText string, cancelCh *cancel.Channel) <-chan StreamItem {
	out := make(chan StreamItem, 16)

	go func() {
		defer close(out)

		session, _, err := rt.store.GetOrCreate(ctx, key)
		if err != nil {
			out <- StreamItem{Err: fmt.Errorf("runtime: get or create session: %w", err)}
			return
		}

		userEvent := models.NewTextEvent(models.AuthorUser, models.RoleUser, userText, time.Now().UTC())
		if err := rt.store.AppendEvents(ctx, key, userEvent); err != nil {
			out <- StreamItem{Err: fmt.Errorf("runtime: append user event: %w", err)}
			return
		}

		// Derive the session title from the first user turn, once.
		if session.Title == "" {
			if err := rt.store.SetTitle(ctx, key, models.DeriveTitle(userText)); err != nil {
				out <- StreamItem{Err: fmt.Errorf("runtime: set title: %w", err)}
				return
			}
		}

		session, err = rt.store.Get(ctx, key)
		if err != nil {
			out <- StreamItem{Err: fmt.Errorf("runtime: reload session: %w", err)}
			return
		}
		events := session.Events

		events, err = rt.preflightCompact(ctx, key, events)
		if err != nil {
			out <- StreamItem{Err: fmt.Errorf("runtime: preflight compaction: %w", err)}
			return
		}

		emit := func(c models.Chunk) { out <- StreamItem{Chunk: &c} }
		toolCtx := ToolContext{
			SessionKey:  key.String(),
			ToolBinder:  registry,
			CancelCheck: func() bool { return cancel.Guard(cancelCh) },
			Emit:        emit,
		}

		retriedAfterReactive := false

		for iteration := 0; iteration < safetyMaxIterations; iteration++ {
			if cancel.Guard(cancelCh) {
				out <- StreamItem{Err: ErrCancelled}
				return
			}

			system := rt.defaultSystem
			if override, ok := systemPromptFromContext(ctx); ok {
				system = override
			}
			req := &CompletionRequest{
				Model:     rt.defaultModel,
				System:    system,
				Messages:  contentsOf(events),
				Tools:     registry.AsLLMTools(),
				MaxTokens: rt.maxTokens,
			}

			requestStart := time.Now()
			chunks, err := rt.provider.Complete(ctx, req)
			if err != nil {
				rt.recordLLMRequest(req.Model, "error", requestStart)
				if errors.Is(err, ErrContextWindowExceeded) && !retriedAfterReactive {
					retriedAfterReactive = true
					out <- StreamItem{Chunk: &models.Chunk{Type: models.ChunkText, Text: "[context window exceeded, compacting...]"}}
					events, err = rt.reactiveCompact(ctx, key, events)
					if err != nil {
						out <- StreamItem{Err: fmt.Errorf("runtime: reactive compaction: %w", err)}
						return
					}
					continue
				}
				out <- StreamItem{Err: fmt.Errorf("runtime: provider complete: %w", err)}
				return
			}

			turn, turnErr := rt.collectTurn(ctx, chunks, emit, cancelCh)
			if turnErr != nil {
				rt.recordLLMRequest(req.Model, "error", requestStart)
				if errors.Is(turnErr, ErrContextWindowExceeded) && !retriedAfterReactive {
					retriedAfterReactive = true
					out <- StreamItem{Chunk: &models.Chunk{Type: models.ChunkText, Text: "[context window exceeded, compacting...]"}}
					events, err = rt.reactiveCompact(ctx, key, events)
					if err != nil {
						out <- StreamItem{Err: fmt.Errorf("runtime: reactive compaction: %w", err)}
						return
					}
					continue
				}
				out <- StreamItem{Err: turnErr}
				return
			}
			rt.recordLLMRequest(req.Model, "success", requestStart)

			// A turn that only requested tools has no parts of its own; its
			// calls are persisted below as function_call events.
			if len(turn.parts) > 0 || len(turn.calls) == 0 {
				modelEvent := models.Event{
					Author:    models.AuthorModel,
					Content:   models.Content{Role: models.RoleModel, Parts: turn.parts},
					CreatedAt: time.Now().UTC(),
				}
				if err := rt.store.AppendEvents(ctx, key, modelEvent); err != nil {
					out <- StreamItem{Err: fmt.Errorf("runtime: append model event: %w", err)}
					return
				}
				events = append(events, modelEvent)
			}

			if len(turn.calls) == 0 {
				// Non-tool response: the turn is finalized.
				return
			}

			// Sequential tool execution within this turn.
			for _, call := range turn.calls {
				if cancel.Guard(cancelCh) {
					out <- StreamItem{Err: ErrCancelled}
					return
				}

				emit(models.ToolCallChunk(call.ToolName, call.Args))
				callEvent := models.Event{
					Author: models.AuthorModel,
					Content: models.Content{Role: models.RoleModel, Parts: []models.Part{{
						Type:         models.PartFunctionCall,
						FunctionCall: &call,
					}}},
					CreatedAt: time.Now().UTC(),
				}
				if err := rt.store.AppendEvents(ctx, key, callEvent); err != nil {
					out <- StreamItem{Err: fmt.Errorf("runtime: append tool_call event: %w", err)}
					return
				}
				events = append(events, callEvent)

				toolStart := time.Now()
				result := registry.Invoke(ctx, call.ToolName, call.Args, toolCtx)
				fr := &models.FunctionResponse{ToolCallID: call.ID, ToolName: call.ToolName}
				if result.IsError {
					fr.Error = string(result.Content)
					rt.recordToolExecution(call.ToolName, "error", toolStart)
				} else {
					fr.Result = result.Content
					rt.recordToolExecution(call.ToolName, "success", toolStart)
				}
				emit(models.ToolResultChunk(call.ToolName, string(result.Content), !result.IsError))

				resultEvent := models.Event{
					Author: models.AuthorModel,
					Content: models.Content{Role: models.RoleToolReply, Parts: []models.Part{{
						Type:             models.PartFunctionResponse,
						FunctionResponse: fr,
					}}},
					CreatedAt: time.Now().UTC(),
				}
				if err := rt.store.AppendEvents(ctx, key, resultEvent); err != nil {
					out <- StreamItem{Err: fmt.Errorf("runtime: append tool_result event: %w", err)}
					return
				}
				events = append(events, resultEvent)
			}
			// Loop: the next iteration's request includes the freshly
			// appended tool_call/tool_result events.
		}

		out <- StreamItem{Err: fmt.Errorf("runtime: exceeded %d iterations without finalizing", safetyMaxIterations)}
	}()

	return out
}

// modelTurn accumulates one model generation's parts and any function
// calls it requested, in emission order.
type modelTurn struct {
	parts []models.Part
	calls []models.FunctionCall
}

// collectTurn drains a single provider stream, forwarding text/thought
// chunks immediately and accumulating the turn's parts and function calls.
// Ordering guarantee: text parts within a turn preserve order.
func (rt *Runtime) collectTurn(ctx context.Context, chunks <-chan CompletionChunk, emit func(models.Chunk), cancelCh *cancel.Channel) (*modelTurn, error) {
	turn := &modelTurn{}
	for c := range chunks {
		if cancel.Guard(cancelCh) {
			return nil, ErrCancelled
		}
		if c.Err != nil {
			return nil, c.Err
		}
		if c.Text != "" {
			turn.parts = append(turn.parts, models.Part{Type: models.PartText, Text: c.Text})
			emit(models.TextChunk(c.Text))
		}
		if c.Thought != "" {
			turn.parts = append(turn.parts, models.Part{Type: models.PartThought, Text: c.Thought})
			emit(models.ThoughtChunk(c.Thought))
		}
		if c.FunctionCall != nil {
			turn.calls = append(turn.calls, *c.FunctionCall)
		}
	}
	return turn, nil
}

// preflightCompact runs the predictive/structural trigger check before the
// first model call of a turn.
func (rt *Runtime) preflightCompact(ctx context.Context, key models.SessionKey, events []models.Event) ([]models.Event, error) {
	trigger := compaction.DecidePreflight(events, rt.compactionCfg)
	if trigger == compaction.TriggerNone {
		return events, nil
	}
	compacted, err := compaction.Compact(ctx, events, rt.summarizer, trigger)
	if err != nil {
		rt.recordCompaction(trigger, err)
		return nil, err
	}
	if err := rt.store.ReplaceEvents(ctx, key, compacted); err != nil {
		rt.recordCompaction(trigger, err)
		return nil, err
	}
	rt.recordCompaction(trigger, nil)
	return compacted, nil
}

// reactiveCompact runs compaction in response to a ContextWindowExceeded
// error from the provider, injecting a
// synthetic function_response stub if the log ends mid-tool-call.
func (rt *Runtime) reactiveCompact(ctx context.Context, key models.SessionKey, events []models.Event) ([]models.Event, error) {
	if !compaction.DecideReactive(events, rt.compactionCfg) {
		return events, ErrContextWindowExceeded
	}
	compacted, err := compaction.Compact(ctx, events, rt.summarizer, compaction.TriggerReactive)
	if err != nil {
		rt.recordCompaction(compaction.TriggerReactive, err)
		return nil, err
	}
	if err := rt.store.ReplaceEvents(ctx, key, compacted); err != nil {
		rt.recordCompaction(compaction.TriggerReactive, err)
		return nil, err
	}
	rt.recordCompaction(compaction.TriggerReactive, nil)
	return compacted, nil
}

// ForceCompact runs compaction unconditionally, bypassing every trigger
// threshold. skill_load calls it (through the gateway's forceCompact
// adapter) when the compactor skill is activated.
func (rt *Runtime) ForceCompact(ctx context.Context, key models.SessionKey) error {
	session, err := rt.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("runtime: force compact: load session: %w", err)
	}
	compacted, err := compaction.Compact(ctx, session.Events, rt.summarizer, compaction.TriggerStructural)
	if err != nil {
		rt.recordCompaction(compaction.TriggerStructural, err)
		return fmt.Errorf("runtime: force compact: %w", err)
	}
	if err := rt.store.ReplaceEvents(ctx, key, compacted); err != nil {
		rt.recordCompaction(compaction.TriggerStructural, err)
		return fmt.Errorf("runtime: force compact: replace events: %w", err)
	}
	rt.recordCompaction(compaction.TriggerStructural, nil)
	return nil
}

func contentsOf(events []models.Event) []models.Content {
	out := make([]models.Content, len(events))
	for i, e := range events {
		out[i] = e.Content
	}
	return out
}
