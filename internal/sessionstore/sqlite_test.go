package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/swarmd/pkg/models"
)

// setupMockDB mirrors internal/registry/sqlite_test.go's harness.
func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *SQLiteStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, &SQLiteStore{db: db}
}

func testKey() models.SessionKey {
	return models.SessionKey{AppName: "swarmd", UserID: "u1", SessionID: "s1"}
}

func stateJSON(t *testing.T, title string) []byte {
	t.Helper()
	raw, err := json.Marshal(sessionState{Title: title, Metadata: map[string]any{}})
	require.NoError(t, err)
	return raw
}

func TestSQLiteStoreGetReturnsNotFound(t *testing.T) {
	mock, store := setupMockDB(t)
	key := testKey()

	mock.ExpectQuery("SELECT state, created_at, updated_at FROM sessions WHERE key = ?").
		WithArgs(key.String()).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreGetLoadsEvents(t *testing.T) {
	mock, store := setupMockDB(t)
	key := testKey()

	mock.ExpectQuery("SELECT state, created_at, updated_at FROM sessions WHERE key = ?").
		WithArgs(key.String()).
		WillReturnRows(sqlmock.NewRows([]string{"state", "created_at", "updated_at"}).
			AddRow(stateJSON(t, "hello"), float64(1000), float64(2000)))

	content, err := json.Marshal(models.Content{Role: models.RoleUser, Parts: []models.Part{{Type: models.PartText, Text: "hi"}}})
	require.NoError(t, err)
	mock.ExpectQuery("SELECT author, content, created_at FROM events WHERE session_key = \\? ORDER BY seq ASC").
		WithArgs(key.String()).
		WillReturnRows(sqlmock.NewRows([]string{"author", "content", "created_at"}).
			AddRow(string(models.AuthorUser), content, float64(1500)))

	sess, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "hello", sess.Title)
	require.Len(t, sess.Events, 1)
	assert.Equal(t, models.AuthorUser, sess.Events[0].Author)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreGetOrCreateInsertsWhenMissing(t *testing.T) {
	mock, store := setupMockDB(t)
	key := testKey()

	mock.ExpectQuery("SELECT state, created_at, updated_at FROM sessions WHERE key = ?").
		WithArgs(key.String()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(key.String(), key.AppName, key.UserID, key.SessionID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sess, created, err := store.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, key, sess.Key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreListWithLimitAppendsClause(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectQuery("SELECT s.session_id, s.state, s.created_at, s.updated_at").
		WithArgs("swarmd", "u1", 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "state", "created_at", "updated_at", "msg_count"}).
			AddRow("s1", stateJSON(t, "t1"), float64(1000), float64(2000), 3))

	out, err := store.List(context.Background(), "swarmd", "u1", ListOptions{Limit: 10, Offset: 0})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "t1", out[0].Title)
	assert.Equal(t, 3, out[0].MessageCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreListWithoutLimitOmitsClause(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectQuery("SELECT s.session_id, s.state, s.created_at, s.updated_at").
		WithArgs("swarmd", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "state", "created_at", "updated_at", "msg_count"}))

	out, err := store.List(context.Background(), "swarmd", "u1", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreDeleteNotFoundRollsBack(t *testing.T) {
	mock, store := setupMockDB(t)
	key := testKey()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM sessions WHERE key = ?").
		WithArgs(key.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Delete(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreDeleteRemovesSessionAndEvents(t *testing.T) {
	mock, store := setupMockDB(t)
	key := testKey()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM sessions WHERE key = ?").
		WithArgs(key.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM events WHERE session_key = ?").
		WithArgs(key.String()).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	require.NoError(t, store.Delete(context.Background(), key))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreAppendEventsUsesNextSeq(t *testing.T) {
	mock, store := setupMockDB(t)
	key := testKey()
	events := []models.Event{
		models.NewTextEvent(models.AuthorUser, models.RoleUser, "hi", time.Unix(100, 0)),
		models.NewTextEvent(models.AuthorModel, models.RoleModel, "hello", time.Unix(101, 0)),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(seq\\), -1\\) \\+ 1 FROM events WHERE session_key = ?").
		WithArgs(key.String()).
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(5))
	mock.ExpectExec("INSERT INTO events").
		WithArgs(key.String(), 5, string(models.AuthorUser), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO events").
		WithArgs(key.String(), 6, string(models.AuthorModel), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sessions SET updated_at = \\? WHERE key = \\?").
		WithArgs(sqlmock.AnyArg(), key.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.AppendEvents(context.Background(), key, events...))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSQLiteStoreReplaceEventsDeletesThenReinsertsAtZero is the invariant
// the compaction engine depends on (see the SQLiteStore type doc):
// ReplaceEvents must delete every existing row for the key and re-insert the
// replacement log at fresh sequence numbers starting from 0, all inside one
// transaction, never a partial delete or insert visible to a concurrent
// reader.
func TestSQLiteStoreReplaceEventsDeletesThenReinsertsAtZero(t *testing.T) {
	mock, store := setupMockDB(t)
	key := testKey()
	events := []models.Event{
		models.NewTextEvent(models.AuthorUser, models.RoleUser, "summary", time.Unix(200, 0)),
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM events WHERE session_key = ?").
		WithArgs(key.String()).
		WillReturnResult(sqlmock.NewResult(0, 9))
	mock.ExpectExec("INSERT INTO events").
		WithArgs(key.String(), 0, string(models.AuthorUser), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sessions SET updated_at = \\? WHERE key = \\?").
		WithArgs(sqlmock.AnyArg(), key.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.ReplaceEvents(context.Background(), key, events))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStoreReplaceEventsRollsBackOnInsertError(t *testing.T) {
	mock, store := setupMockDB(t)
	key := testKey()
	events := []models.Event{
		models.NewTextEvent(models.AuthorUser, models.RoleUser, "summary", time.Unix(200, 0)),
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM events WHERE session_key = ?").
		WithArgs(key.String()).
		WillReturnResult(sqlmock.NewResult(0, 9))
	mock.ExpectExec("INSERT INTO events").
		WithArgs(key.String(), 0, string(models.AuthorUser), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.ReplaceEvents(context.Background(), key, events)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
