package skills

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agentmesh/swarmd/internal/agent"
)

// Tool aliases the session runtime's tool interface so the rest of this
// package can refer to it without every file importing internal/agent.
type Tool = agent.Tool

// ToolFactory builds the tool bindings a skill contributes. Go has no
// runtime equivalent of importing an arbitrary module by path, so skill
// tool bindings live in a compile-time registry that each built-in skill's
// own package populates from an init() func, keyed by skill id. A factory may
// return an error if its tools require something unavailable in this
// environment (a missing binary, an unset API key).
type ToolFactory func() ([]agent.Tool, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]ToolFactory{}
)

// RegisterToolFactory binds a skill id to its tool factory. Skill packages
// call this from init(); registering the same id twice is a programming
// error and panics.
func RegisterToolFactory(skillID string, factory ToolFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, exists := factories[skillID]; exists {
		panic(fmt.Sprintf("skills: tool factory already registered for %q", skillID))
	}
	factories[skillID] = factory
}

func lookupToolFactory(skillID string) (ToolFactory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[skillID]
	return f, ok
}

// RegisteredSkillIDs returns the ids with a registered tool factory, sorted
// for deterministic logging/test output.
func RegisteredSkillIDs() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]string, 0, len(factories))
	for id := range factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
