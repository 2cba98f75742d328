package agent

import (
	"errors"
	"fmt"
)

// ErrCancelled is raised by the cancellation guard when it observes a
// pending CANCEL signal. The runtime ends the run with it as the final
// StreamItem error; the gateway's chat handler then finalizes a cancellation
// notice event and releases the busy lock.
var ErrCancelled = errors.New("agent: run cancelled")

// ErrContextWindowExceeded is the reactive-tier compaction trigger: the
// model provider rejected a request because the assembled context exceeded
// its window.
var ErrContextWindowExceeded = errors.New("agent: context window exceeded")

// ToolErrorKind enumerates the ways a tool invocation can fail.
type ToolErrorKind string

const (
	ToolErrorExecution   ToolErrorKind = "execution"
	ToolErrorInvalidArgs ToolErrorKind = "invalid_args"
	ToolErrorNotFound    ToolErrorKind = "not_found"
	ToolErrorTimeout     ToolErrorKind = "timeout"
)

// ToolError is the structured failure surfaced to the model as a
// tool_result payload rather than propagated as a fatal runtime error.
type ToolError struct {
	Kind    ToolErrorKind
	Tool    string
	Message string
	Cause   error
}

func (e *ToolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool %q: %s: %v", e.Tool, e.Message, e.Cause)
	}
	return fmt.Sprintf("tool %q: %s", e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// NewToolError wraps err (which may be nil) as a ToolError of the given kind.
func NewToolError(kind ToolErrorKind, tool, message string, cause error) *ToolError {
	return &ToolError{Kind: kind, Tool: tool, Message: message, Cause: cause}
}
