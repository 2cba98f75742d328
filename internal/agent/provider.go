package agent

import (
	"context"

	"github.com/agentmesh/swarmd/pkg/models"
)

// LLMProvider is the uniform interface every model backend implements.
// The session runtime is provider-agnostic; internal/providers/{anthropic,
// openai,bedrock} each satisfy this.
type LLMProvider interface {
	// Complete sends a request and streams back generation parts. The
	// channel is closed when the model turn ends; a non-nil err from
	// Complete itself means the request could not even be dispatched
	// (network failure, auth failure) — per-chunk errors arrive as
	// CompletionChunk.Err instead.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan CompletionChunk, error)

	// Name identifies the provider for logging and for auxiliary-model
	// selection in the compaction engine.
	Name() string
}

// CompletionRequest carries one model turn's input: the full event history
// rendered as provider-neutral content, the bound tool specs, and
// generation parameters.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []models.Content
	Tools     []LLMToolSpec
	MaxTokens int
}

// CompletionChunk is one piece of a streamed model turn. Exactly one of
// Text/Thought/FunctionCall is populated per chunk; Done marks the last
// chunk of the stream (whether or not it carries a FunctionCall).
type CompletionChunk struct {
	Text         string
	Thought      string
	FunctionCall *models.FunctionCall

	Done bool
	Err  error

	InputTokens  int
	OutputTokens int
}

// Providers that hit a context-window rejection report
// ErrContextWindowExceeded (see errors.go), either as Complete's own error
// (openai and bedrock, when the stream cannot be opened) or as
// CompletionChunk{Err: ErrContextWindowExceeded}, so the runtime's reactive
// compaction path, which checks both, can detect it without string-matching
// provider error text.
