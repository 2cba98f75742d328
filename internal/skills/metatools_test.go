package skills

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentmesh/swarmd/internal/agent"
)

type stubTool struct{ name string }

func (s stubTool) Name() string               { return s.name }
func (s stubTool) Description() string        { return "stub" }
func (s stubTool) Schema() json.RawMessage    { return nil }
func (s stubTool) Invoke(ctx context.Context, args json.RawMessage, tc agent.ToolContext) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

type stubBinder struct{ bound []string }

func (b *stubBinder) Bind(tools ...agent.Tool) []string {
	for _, t := range tools {
		b.bound = append(b.bound, t.Name())
	}
	return b.bound
}

func init() {
	RegisterToolFactory("fake-tool-skill", func() ([]agent.Tool, error) {
		return []agent.Tool{stubTool{name: "fake_tool"}}, nil
	})
}

func TestSkillLoadToolActivatesAndBindsTools(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "fake-tool-skill", "fake-tool-skill", "has a fake tool", "Use the fake tool.")

	m := NewManager(dir)
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	tool := NewSkillLoadTool(m, nil)
	binder := &stubBinder{}
	args, _ := json.Marshal(skillLoadArgs{SkillID: "fake-tool-skill"})

	out, err := tool.Invoke(context.Background(), args, agent.ToolContext{SessionKey: "s1", ToolBinder: binder})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	var result skillLoadResult
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Body == "" {
		t.Error("expected non-empty body in confirmation")
	}
	if len(result.ToolsAdded) != 1 || result.ToolsAdded[0] != "fake_tool" {
		t.Errorf("expected fake_tool bound, got %v", result.ToolsAdded)
	}
	if len(binder.bound) != 1 {
		t.Errorf("expected binder to record 1 bound tool, got %d", len(binder.bound))
	}
}

func TestSkillLoadToolCompactorInvokesCallbackAndAddsNoTools(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, CompactorSkillID, "compactor", "forces compaction", "Forces compaction.")

	m := NewManager(dir)
	if err := m.Discover(context.Background()); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	var gotSessionKey string
	called := false
	compactNow := func(ctx context.Context, sessionKey string) error {
		called = true
		gotSessionKey = sessionKey
		return nil
	}

	tool := NewSkillLoadTool(m, compactNow)
	binder := &stubBinder{}
	args, _ := json.Marshal(skillLoadArgs{SkillID: CompactorSkillID})

	out, err := tool.Invoke(context.Background(), args, agent.ToolContext{SessionKey: "s-42", ToolBinder: binder})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !called {
		t.Fatal("expected compactNow to be invoked")
	}
	if gotSessionKey != "s-42" {
		t.Errorf("expected session key s-42, got %q", gotSessionKey)
	}
	if len(binder.bound) != 0 {
		t.Errorf("expected no tools bound for the compactor special case, got %v", binder.bound)
	}

	var result skillLoadResult
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !result.Compacted {
		t.Error("expected Compacted to be true")
	}
}

func TestSkillLoadToolRejectsMissingSkillID(t *testing.T) {
	m := NewManager(t.TempDir())
	tool := NewSkillLoadTool(m, nil)
	if _, err := tool.Invoke(context.Background(), json.RawMessage(`{}`), agent.ToolContext{}); err == nil {
		t.Fatal("expected an error for missing skill_id")
	}
}
