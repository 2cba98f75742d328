// Package skills implements the skill manager: on-disk skill
// package discovery, two-phase lazy load (front-matter only for routing,
// full instruction body only on activation), and the skill_load meta-tool
// that mutates a session's own tool vector. Forced compaction is reached by
// activating the compactor skill through skill_load; there is no separate
// smart_compact tool.
//
// Skills live in one local directory of subfolders, each holding a
// SKILL.md manifest with YAML front-matter and a markdown instruction
// body.
package skills

import "sync"

// CompactorSkillID is the canonical skill id that, when activated, invokes
// the compaction engine directly instead of importing tools.
const CompactorSkillID = "compactor"

// Entry is one discovered skill. Content is populated lazily: Discover
// only ever sets ID/Name/Description/Path (phase 1); Content is filled in
// by loadContent on activation (phase 2).
type Entry struct {
	ID          string
	Name        string
	Description string
	Path        string

	mu      sync.Mutex
	content string
	loaded  bool
}

// Snapshot is the {id, name, description} projection the system prompt
// uses for routing.
type Snapshot struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// ToSnapshot projects an Entry to its phase-1 routing view.
func (e *Entry) ToSnapshot() Snapshot {
	return Snapshot{ID: e.ID, Name: e.Name, Description: e.Description}
}
