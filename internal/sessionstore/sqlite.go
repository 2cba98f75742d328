package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentmesh/swarmd/pkg/models"
)

// SQLiteStore is the production Store: two tables —
// sessions(key PRIMARY KEY, state JSON, created_at, updated_at) and
// events(session_key FK, seq, author, content JSON, created_at) — one
// database file per node, named by port (e.g. adk_sessions_port_8000),
// opened by the caller via OpenSQLiteStore(DBPathForPort(dir, port)).
//
// ReplaceEvents is implemented as a single transaction: DELETE every row
// for the session key, then re-INSERT the new event list with fresh
// sequence numbers. This satisfies the in-place-replace invariant at the
// storage layer: callers never see a half-replaced log, and the mutation
// is atomic against concurrent readers.
type SQLiteStore struct {
	db *sql.DB
}

// DBPathForPort renders the per-node database filename, keyed by port.
func DBPathForPort(dir string, port int) string {
	return fmt.Sprintf("%s/adk_sessions_port_%d", dir, port)
}

type sessionState struct {
	Title    string         `json:"title,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OpenSQLiteStore opens (and migrates) the session database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open %s: %w", path, err)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			app_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			state JSON NOT NULL,
			created_at REAL NOT NULL,
			updated_at REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			session_key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			author TEXT NOT NULL,
			content JSON NOT NULL,
			created_at REAL NOT NULL,
			PRIMARY KEY (session_key, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_app_user ON sessions(app_name, user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sessionstore: migrate: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) GetOrCreate(ctx context.Context, key models.SessionKey) (*models.Session, bool, error) {
	if existing, err := s.Get(ctx, key); err == nil {
		return existing, false, nil
	} else if err != ErrNotFound {
		return nil, false, err
	}

	t := now()
	state := sessionState{Metadata: map[string]any{}}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, false, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (key, app_name, user_id, session_id, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.String(), key.AppName, key.UserID, key.SessionID, raw, epoch(t), epoch(t))
	if err != nil {
		return nil, false, err
	}
	return &models.Session{Key: key, Metadata: state.Metadata, CreatedAt: t, UpdatedAt: t}, true, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key models.SessionKey) (*models.Session, error) {
	var raw []byte
	var createdAt, updatedAt float64
	row := s.db.QueryRowContext(ctx, `SELECT state, created_at, updated_at FROM sessions WHERE key = ?`, key.String())
	if err := row.Scan(&raw, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var state sessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}

	events, err := s.loadEvents(ctx, key)
	if err != nil {
		return nil, err
	}

	return &models.Session{
		Key:       key,
		Title:     state.Title,
		Metadata:  state.Metadata,
		Events:    events,
		CreatedAt: unEpoch(createdAt),
		UpdatedAt: unEpoch(updatedAt),
	}, nil
}

func (s *SQLiteStore) loadEvents(ctx context.Context, key models.SessionKey) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT author, content, created_at FROM events WHERE session_key = ? ORDER BY seq ASC`, key.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var author string
		var content []byte
		var createdAt float64
		if err := rows.Scan(&author, &content, &createdAt); err != nil {
			return nil, err
		}
		var c models.Content
		if err := json.Unmarshal(content, &c); err != nil {
			return nil, err
		}
		out = append(out, models.Event{Author: models.Author(author), Content: c, CreatedAt: unEpoch(createdAt)})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) List(ctx context.Context, appName, userID string, opts ListOptions) ([]models.SessionSummary, error) {
	query := `SELECT s.session_id, s.state, s.created_at, s.updated_at,
		(SELECT COUNT(*) FROM events e WHERE e.session_key = s.key) AS msg_count
		FROM sessions s WHERE s.app_name = ? AND s.user_id = ? ORDER BY s.updated_at DESC`
	args := []any{appName, userID}
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SessionSummary
	for rows.Next() {
		var sum models.SessionSummary
		var raw []byte
		var createdAt, updatedAt float64
		if err := rows.Scan(&sum.SessionID, &raw, &createdAt, &updatedAt, &sum.MessageCount); err != nil {
			return nil, err
		}
		var state sessionState
		if err := json.Unmarshal(raw, &state); err == nil {
			sum.Title = state.Title
		}
		sum.CreatedAt = unEpoch(createdAt)
		sum.UpdatedAt = unEpoch(updatedAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, key models.SessionKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_key = ?`, key.String()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetTitle(ctx context.Context, key models.SessionKey, title string) error {
	existing, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	existing.Title = title
	raw, err := json.Marshal(sessionState{Title: title, Metadata: existing.Metadata})
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET state = ?, updated_at = ? WHERE key = ?`, raw, epoch(now()), key.String())
	return err
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, key models.SessionKey, events ...models.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var nextSeq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM events WHERE session_key = ?`, key.String())
	if err := row.Scan(&nextSeq); err != nil {
		return err
	}

	for i, e := range events {
		content, err := json.Marshal(e.Content)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (session_key, seq, author, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			key.String(), nextSeq+i, string(e.Author), content, epoch(e.CreatedAt)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE key = ?`, epoch(now()), key.String()); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceEvents: see type doc — delete-then-reinsert inside one
// transaction, so readers never observe a torn log.
func (s *SQLiteStore) ReplaceEvents(ctx context.Context, key models.SessionKey, events []models.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_key = ?`, key.String()); err != nil {
		return err
	}
	for i, e := range events {
		content, err := json.Marshal(e.Content)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (session_key, seq, author, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			key.String(), i, string(e.Author), content, epoch(e.CreatedAt)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE key = ?`, epoch(now()), key.String()); err != nil {
		return err
	}
	return tx.Commit()
}
