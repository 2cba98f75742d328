// Package sessionstore persists per-session event logs and state: append,
// read, list, delete, and in-place replace.
//
// Every read returns a defensive copy, which is exactly why the interface
// carries an explicit ReplaceEvents primitive: a caller that mutated a
// returned *models.Session in place and wrote it back would silently lose
// the authoritative copy.
package sessionstore

import (
	"context"
	"errors"
	"time"

	"github.com/agentmesh/swarmd/pkg/models"
)

// ErrNotFound is returned by Get/Delete when the session key is unknown.
var ErrNotFound = errors.New("sessionstore: session not found")

// ListOptions configures Store.List.
type ListOptions struct {
	Limit  int
	Offset int
}

// Store is the persistence interface for sessions and their event logs.
// Every method that returns a *models.Session returns a defensive copy;
// the only way to mutate the authoritative event list is AppendEvents or
// ReplaceEvents.
type Store interface {
	// GetOrCreate returns the session for key, creating an empty one if
	// none exists yet (created reports which). It is idempotent and is
	// what the chat endpoint calls.
	GetOrCreate(ctx context.Context, key models.SessionKey) (sess *models.Session, created bool, err error)

	Get(ctx context.Context, key models.SessionKey) (*models.Session, error)
	List(ctx context.Context, appName, userID string, opts ListOptions) ([]models.SessionSummary, error)
	Delete(ctx context.Context, key models.SessionKey) error

	// SetTitle persists the auto-derived title once.
	SetTitle(ctx context.Context, key models.SessionKey, title string) error

	// AppendEvents appends one or more events, in order, to the
	// authoritative log.
	AppendEvents(ctx context.Context, key models.SessionKey, events ...models.Event) error

	// ReplaceEvents performs the compaction engine's wholesale in-place
	// replacement: it is the only
	// method permitted to shrink the event count, and it must be atomic
	// against the authoritative state, never a reference swap on a
	// caller-held copy.
	ReplaceEvents(ctx context.Context, key models.SessionKey, events []models.Event) error
}

func now() time.Time { return time.Now().UTC() }

func epoch(t time.Time) float64 {
	if t.IsZero() {
		t = now()
	}
	return float64(t.UnixNano()) / 1e9
}

func unEpoch(f float64) time.Time {
	return time.Unix(0, int64(f*1e9)).UTC()
}
