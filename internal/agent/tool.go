package agent

import (
	"context"
	"encoding/json"

	"github.com/agentmesh/swarmd/pkg/models"
)

// ToolContext carries per-invocation collaborators into a tool's Invoke
// call: the owning session key, a handle the skill_load meta-tool uses to
// mutate the session's own tool set, the cancellation check so
// long-running tools can cooperatively honor a CANCEL signal mid-execution,
// and an Emit hook so a tool that itself produces streamed progress (the
// swarm dispatcher's swarm_event chunks) can push chunks onto
// the session's own output stream without waiting for Invoke to return.
type ToolContext struct {
	SessionKey  string
	ToolBinder  ToolBinder
	CancelCheck func() bool
	Emit        func(models.Chunk)
}

// ToolBinder lets a meta-tool (skill_load) append newly-imported tool
// bindings to the session's own ordered tool vector. Implemented by
// *ToolRegistry.
type ToolBinder interface {
	Bind(tools ...Tool) (added []string)
}

// Tool is the uniform invocation surface every bound tool implements,
// whether synchronous or asynchronous — the loop awaits either the same
// way.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Invoke(ctx context.Context, args json.RawMessage, tc ToolContext) (json.RawMessage, error)
}

// ToolResult is what a tool invocation yields to the loop: either a JSON
// result payload, or a structured failure the loop turns into
// {"error": ..., "status": "failed"} without ever treating it as fatal.
type ToolResult struct {
	Content json.RawMessage
	IsError bool
	ErrKind ToolErrorKind
}

// ErrorResult builds the {error, status:"failed"} payload the loop
// surfaces tool failures with.
func ErrorResult(kind ToolErrorKind, message string) ToolResult {
	payload, _ := json.Marshal(map[string]string{"error": message, "status": "failed"})
	return ToolResult{Content: payload, IsError: true, ErrKind: kind}
}
