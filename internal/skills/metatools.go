package skills

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentmesh/swarmd/internal/agent"
)

// CompactNowFunc forces the compaction engine to run unconditionally for
// one session, bypassing every trigger threshold. Bound to
// agent.Runtime.ForceCompact by whichever layer wires the meta-tools
// together.
type CompactNowFunc func(ctx context.Context, sessionKey string) error

// SkillLoadTool is the meta-tool every session is bound with at
// construction. Activating the canonical compactor skill invokes
// compactNow directly instead of importing tools.
type SkillLoadTool struct {
	manager    *Manager
	compactNow CompactNowFunc
}

// NewSkillLoadTool binds a skill_load tool to one manager and one forced
// compaction callback.
func NewSkillLoadTool(manager *Manager, compactNow CompactNowFunc) *SkillLoadTool {
	return &SkillLoadTool{manager: manager, compactNow: compactNow}
}

func (t *SkillLoadTool) Name() string { return "skill_load" }

func (t *SkillLoadTool) Description() string {
	return "Load and activate a skill by id: imports its instructions and tool bindings into this session."
}

func (t *SkillLoadTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"skill_id": {"type": "string"}},
		"required": ["skill_id"]
	}`)
}

type skillLoadArgs struct {
	SkillID string `json:"skill_id"`
}

// skillLoadResult is the confirmation string the model sees embedding the
// expanded SOP.
type skillLoadResult struct {
	SkillID    string   `json:"skill_id"`
	Body       string   `json:"body,omitempty"`
	ToolsAdded []string `json:"tools_added,omitempty"`
	Compacted  bool     `json:"compacted,omitempty"`
}

func (t *SkillLoadTool) Invoke(ctx context.Context, args json.RawMessage, tc agent.ToolContext) (json.RawMessage, error) {
	var parsed skillLoadArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return nil, fmt.Errorf("skill_load: invalid arguments: %w", err)
	}
	if parsed.SkillID == "" {
		return nil, fmt.Errorf("skill_load: skill_id is required")
	}

	if parsed.SkillID == CompactorSkillID {
		if t.compactNow == nil {
			return nil, fmt.Errorf("skill_load: compactor skill activated but no compaction callback is wired")
		}
		if err := t.compactNow(ctx, tc.SessionKey); err != nil {
			return nil, fmt.Errorf("skill_load: force compaction: %w", err)
		}
		return json.Marshal(skillLoadResult{SkillID: parsed.SkillID, Compacted: true})
	}

	result, tools, err := t.manager.ActivateTools(parsed.SkillID)
	if err != nil {
		return nil, err
	}

	var added []string
	if tc.ToolBinder != nil && len(tools) > 0 {
		added = tc.ToolBinder.Bind(tools...)
	}

	return json.Marshal(skillLoadResult{SkillID: parsed.SkillID, Body: result.Body, ToolsAdded: added})
}

var _ agent.Tool = (*SkillLoadTool)(nil)
