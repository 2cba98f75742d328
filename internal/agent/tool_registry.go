package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Guard limits bounding untrusted tool-call payloads before they ever
// reach a provider.
const (
	MaxToolNameLength = 128
	MaxToolParamsSize = 256 * 1024

	// MaxToolResultSize caps what a tool result may feed back to the
	// model; anything larger is cut and marked.
	MaxToolResultSize = 256 * 1024
)

// truncationMarker is appended to an oversized tool result in place of the
// dropped tail.
const truncationMarker = "\n...[truncated: tool result exceeded size limit]"

// ToolRegistry is a session's own ordered, mutable tool vector — no global
// mutable tool state. Every session owns a fresh vector at construction;
// skill_load appends to it; the model-call adapter reads it each
// iteration. The first binding is always the skill_load meta-tool
// (installed by the constructor's caller).
type ToolRegistry struct {
	mu      sync.RWMutex
	order   []string
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	sessKey string
}

// NewToolRegistry builds an empty per-session tool registry.
func NewToolRegistry(sessionKey string) *ToolRegistry {
	return &ToolRegistry{
		sessKey: sessionKey,
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Bind appends tools not already bound by name, in order, and compiles
// each tool's schema for later argument validation. It implements
// ToolBinder so skill_load can call it directly.
func (r *ToolRegistry) Bind(tools ...Tool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []string
	for _, t := range tools {
		name := t.Name()
		if len(name) > MaxToolNameLength {
			continue
		}
		if _, exists := r.tools[name]; exists {
			continue // duplicates by name are ignored
		}
		compiled, err := compileSchema(name, t.Schema())
		if err == nil {
			r.schemas[name] = compiled
		}
		r.tools[name] = t
		r.order = append(r.order, name)
		added = append(added, name)
	}
	return added
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", bytesReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(name + ".json")
}

// Get returns the bound tool by name, if any.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the bound tool names in bind order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// AsLLMTools returns the {name, description, schema} tuples the provider
// adapter sends to the model each loop iteration.
type LLMToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

func (r *ToolRegistry) AsLLMTools() []LLMToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]LLMToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, LLMToolSpec{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	return out
}

// Invoke validates args against the tool's compiled schema (when present)
// and executes it, translating panics and errors uniformly into a
// ToolResult rather than a fatal runtime error.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args json.RawMessage, tc ToolContext) (result ToolResult) {
	if len(args) > MaxToolParamsSize {
		return ErrorResult(ToolErrorInvalidArgs, fmt.Sprintf("tool %q arguments exceed %d bytes", name, MaxToolParamsSize))
	}

	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResult(ToolErrorNotFound, fmt.Sprintf("tool %q is not bound to this session", name))
	}

	if schema != nil && len(args) > 0 {
		var v any
		if err := json.Unmarshal(args, &v); err == nil {
			if err := schema.Validate(v); err != nil {
				return ErrorResult(ToolErrorInvalidArgs, fmt.Sprintf("tool %q arguments failed schema validation: %v", name, err))
			}
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = ErrorResult(ToolErrorExecution, fmt.Sprintf("tool %q panicked: %v", name, rec))
		}
	}()

	out, err := t.Invoke(ctx, args, tc)
	if err != nil {
		return ErrorResult(ToolErrorExecution, err.Error())
	}
	if len(out) > MaxToolResultSize {
		// Re-wrapping as a JSON string keeps the persisted event's content
		// valid JSON even though the cut fell mid-structure.
		payload, _ := json.Marshal(map[string]string{"result": string(out[:MaxToolResultSize]) + truncationMarker})
		return ToolResult{Content: payload}
	}
	return ToolResult{Content: out}
}
