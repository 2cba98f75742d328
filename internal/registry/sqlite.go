package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the Store implementation backing the Registry: a single
// table nodes(port INTEGER PRIMARY KEY, url TEXT, status TEXT, last_seen
// REAL). The registry table is conceptually shared — in deployments where
// nodes run against a common volume or network filesystem, every node
// opens the same DSN; in single-host development, each node's registry
// file is distinct and peers are added by pointing at the same path.
//
// A short busy_timeout guards against concurrent-writer lock contention;
// busy-waits are non-fatal.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and migrates) the registry database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS nodes (
		port INTEGER PRIMARY KEY,
		url TEXT NOT NULL,
		status TEXT NOT NULL,
		last_seen REAL NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Register(ctx context.Context, rec PeerRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO nodes (port, url, status, last_seen) VALUES (?, ?, ?, ?)`,
		rec.Port, rec.URL, rec.Status, float64(rec.LastSeen.Unix()))
	return err
}

func (s *SQLiteStore) Deregister(ctx context.Context, port int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE port = ?`, port)
	return err
}

func (s *SQLiteStore) List(ctx context.Context) ([]PeerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT port, url, status, last_seen FROM nodes WHERE status = ?`, StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PeerRecord
	for rows.Next() {
		var rec PeerRecord
		var lastSeen float64
		if err := rows.Scan(&rec.Port, &rec.URL, &rec.Status, &lastSeen); err != nil {
			return nil, err
		}
		rec.LastSeen = time.Unix(int64(lastSeen), 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
