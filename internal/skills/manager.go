package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager discovers skill packages under a single well-known directory
// and serves the two-phase lazy load: front-matter only at discovery,
// full instruction body on activation.
type Manager struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	watchDebounce time.Duration
	watcher       *fsnotify.Watcher
	watchCancel   context.CancelFunc
	watchWg       sync.WaitGroup
}

// NewManager builds a Manager rooted at dir. dir need not exist yet at
// construction time; Discover creates nothing and simply finds zero
// skills if it's absent.
func NewManager(dir string) *Manager {
	return &Manager{
		dir:           dir,
		logger:        slog.Default().With("component", "skills"),
		entries:       make(map[string]*Entry),
		watchDebounce: 250 * time.Millisecond,
	}
}

// Discover scans dir for skill subdirectories, parsing only the
// front-matter of each (phase 1). A subdirectory without a SKILL.md, or
// with an invalid manifest, is skipped with a warning rather than failing
// the whole scan — one bad skill should never take down routing for every
// other skill.
func (m *Manager) Discover(ctx context.Context) error {
	children, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.entries = make(map[string]*Entry)
			m.mu.Unlock()
			return nil
		}
		return fmt.Errorf("skills: read %s: %w", m.dir, err)
	}

	found := make(map[string]*Entry)
	for _, child := range children {
		if !child.IsDir() {
			continue
		}
		id := child.Name()
		manifestPath := filepath.Join(m.dir, id, SkillFilename)
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			if !os.IsNotExist(err) {
				m.logger.Warn("skill manifest unreadable", "id", id, "error", err)
			}
			continue
		}
		entry, err := parseManifest(id, data, filepath.Join(m.dir, id))
		if err != nil {
			m.logger.Warn("skill manifest invalid, skipping", "id", id, "error", err)
			continue
		}
		// Phase 1 keeps only the routing front-matter; loadContent reads
		// the body from disk on activation.
		entry.content = ""
		entry.loaded = false
		found[id] = entry
	}

	m.mu.Lock()
	m.entries = found
	m.mu.Unlock()

	m.logger.Info("discovered skills", "count", len(found))
	return nil
}

// Get returns the discovered entry by id.
func (m *Manager) Get(id string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// List returns every discovered skill's phase-1 snapshot, sorted by id for
// a deterministic system-prompt rendering.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.ToSnapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActivationResult is what skill_load hands back to the caller: either
// the full instruction body plus the tool bindings a normal skill
// contributes, or IsCompactor set, meaning the caller should invoke the
// compaction engine directly and append no tools.
type ActivationResult struct {
	Entry       *Entry
	Body        string
	IsCompactor bool
}

// ErrSkillNotFound is returned by Activate when id names no discovered
// skill.
type ErrSkillNotFound struct{ ID string }

func (e *ErrSkillNotFound) Error() string {
	return fmt.Sprintf("skills: skill %q not found", e.ID)
}

// Activate performs phase 2: it reads and caches the full markdown body
// for id, and — unless id is the canonical compactor skill — looks up and
// invokes that skill's registered tool factory.
func (m *Manager) Activate(id string) (*ActivationResult, error) {
	entry, ok := m.Get(id)
	if !ok {
		return nil, &ErrSkillNotFound{ID: id}
	}

	body, err := entry.loadContent()
	if err != nil {
		return nil, fmt.Errorf("skills: load content for %q: %w", id, err)
	}

	if id == CompactorSkillID {
		return &ActivationResult{Entry: entry, Body: body, IsCompactor: true}, nil
	}

	// Tool construction happens in ActivateTools, not here, so a caller
	// that only needs the body doesn't pay for tool construction it would
	// discard.
	return &ActivationResult{Entry: entry, Body: body}, nil
}

// loadContent returns the manifest body, reading it from disk on first
// access (Discover keeps only the front-matter) and caching it for later
// activations.
func (e *Entry) loadContent() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return e.content, nil
	}
	data, err := os.ReadFile(filepath.Join(e.Path, SkillFilename))
	if err != nil {
		return "", err
	}
	parsed, err := parseManifest(e.ID, data, e.Path)
	if err != nil {
		return "", err
	}
	e.content = parsed.content
	e.loaded = true
	return e.content, nil
}

// ActivateTools performs phase 2 in full: body plus constructed tool
// bindings (empty for the compactor special case).
func (m *Manager) ActivateTools(id string) (*ActivationResult, []Tool, error) {
	result, err := m.Activate(id)
	if err != nil {
		return nil, nil, err
	}
	if result.IsCompactor {
		return result, nil, nil
	}
	factory, ok := lookupToolFactory(id)
	if !ok {
		return result, nil, nil
	}
	tools, err := factory()
	if err != nil {
		return nil, nil, fmt.Errorf("skills: build tools for %q: %w", id, err)
	}
	return result, tools, nil
}

// StartWatching enables fsnotify-based hot reload of the skills
// directory: any create/write/remove/rename under dir triggers a debounced
// re-Discover. Optional; a node that edits skills on disk picks them up
// without a restart.
func (m *Manager) StartWatching(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("skills: start watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("skills: watch %s: %w", m.dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.watcher = watcher
	m.watchCancel = cancel
	m.mu.Unlock()

	m.watchWg.Add(1)
	go m.watchLoop(watchCtx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer m.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleRefresh := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.watchDebounce, func() {
			if err := m.Discover(context.Background()); err != nil {
				m.logger.Warn("skill re-discovery failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleRefresh()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("skill watch error", "error", err)
		}
	}
}

// Close stops the watcher, if one was started.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	watcher := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	m.watchWg.Wait()
	return nil
}
