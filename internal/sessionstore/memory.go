package sessionstore

import (
	"context"
	"sync"

	"github.com/agentmesh/swarmd/pkg/models"
)

// MemoryStore is an in-process Store, used by tests and by single-node
// development runs. Every read returns a deep copy so a caller mutating
// the result can never corrupt the authoritative map entry out from under
// a concurrent reader.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.Session)}
}

func cloneEvents(in []models.Event) []models.Event {
	out := make([]models.Event, len(in))
	for i, e := range in {
		parts := make([]models.Part, len(e.Content.Parts))
		copy(parts, e.Content.Parts)
		out[i] = models.Event{
			Author:    e.Author,
			Content:   models.Content{Role: e.Content.Role, Parts: parts},
			CreatedAt: e.CreatedAt,
		}
	}
	return out
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	meta := make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		meta[k] = v
	}
	return &models.Session{
		Key:       s.Key,
		Title:     s.Title,
		Metadata:  meta,
		Events:    cloneEvents(s.Events),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, key models.SessionKey) (*models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key.String()
	if s, ok := m.sessions[k]; ok {
		return cloneSession(s), false, nil
	}
	t := now()
	s := &models.Session{Key: key, Metadata: map[string]any{}, CreatedAt: t, UpdatedAt: t}
	m.sessions[k] = s
	return cloneSession(s), true, nil
}

func (m *MemoryStore) Get(ctx context.Context, key models.SessionKey) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) List(ctx context.Context, appName, userID string, opts ListOptions) ([]models.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SessionSummary
	for _, s := range m.sessions {
		if s.Key.AppName != appName || s.Key.UserID != userID {
			continue
		}
		out = append(out, models.SessionSummary{
			SessionID:    s.Key.SessionID,
			Title:        s.Title,
			MessageCount: len(s.Events),
			CreatedAt:    s.CreatedAt,
			UpdatedAt:    s.UpdatedAt,
		})
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		lo := opts.Offset
		if lo > len(out) {
			lo = len(out)
		}
		hi := lo + opts.Limit
		if hi > len(out) {
			hi = len(out)
		}
		out = out[lo:hi]
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key models.SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key.String()
	if _, ok := m.sessions[k]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, k)
	return nil
}

func (m *MemoryStore) SetTitle(ctx context.Context, key models.SessionKey, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key.String()]
	if !ok {
		return ErrNotFound
	}
	s.Title = title
	s.UpdatedAt = now()
	return nil
}

// AppendEvents grows the authoritative slice in place via append+
// reassignment of the map entry's own field — never by replacing
// m.sessions[k] with a new *Session built from a caller's copy.
func (m *MemoryStore) AppendEvents(ctx context.Context, key models.SessionKey, events ...models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key.String()]
	if !ok {
		return ErrNotFound
	}
	s.Events = append(s.Events, cloneEvents(events)...)
	s.UpdatedAt = now()
	return nil
}

// ReplaceEvents is the explicit in-place mutation primitive compaction
// relies on: it mutates the authoritative session's Events field directly,
// never a reference a caller might be holding a stale copy of.
func (m *MemoryStore) ReplaceEvents(ctx context.Context, key models.SessionKey, events []models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key.String()]
	if !ok {
		return ErrNotFound
	}
	s.Events = cloneEvents(events)
	s.UpdatedAt = now()
	return nil
}
