package syncserver_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/aggregat4/tasklist-sync/internal/crdt"
	"github.com/aggregat4/tasklist-sync/internal/syncserver"
)

func newMockStore(t *testing.T) (*syncserver.Store, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlxDB := sqlx.NewDb(db, "postgres")
	return syncserver.NewStore(sqlxDB), mock, db
}

func TestStoreBootstrapProvisionsInitialGenerationForNewUser(t *testing.T) {
	store, mock, _ := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT s.dataset_generation_id, s.dataset_generation_key, s.blob").
		WithArgs("user-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO snapshots").
		WithArgs("user-1", "initial-user-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"dataset_generation_id"}).AddRow(int64(1)))
	mock.ExpectExec("INSERT INTO meta").
		WithArgs("user-1", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT server_seq, user_id, dataset_generation_id, op_type").
		WithArgs("user-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"server_seq", "user_id", "dataset_generation_id", "op_type", "scope", "resource_id", "item_id", "actor", "clock", "payload"}))
	mock.ExpectExec("INSERT INTO clients").
		WithArgs("user-1", "client-a", int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.Bootstrap(ctx, "user-1", "client-a")
	require.NoError(t, err)
	require.Equal(t, "initial-user-1", result.DatasetGenerationKey)
	require.Equal(t, "", result.Snapshot)
	require.Empty(t, result.Ops)
	require.Equal(t, int64(0), result.ServerSeq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreBootstrapReturnsExistingGenerationAndOps(t *testing.T) {
	store, mock, _ := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT s.dataset_generation_id, s.dataset_generation_key, s.blob").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"dataset_generation_id", "dataset_generation_key", "blob"}).
			AddRow(int64(7), "gen-7", `{"lists":[]}`))
	mock.ExpectQuery("SELECT server_seq, user_id, dataset_generation_id, op_type").
		WithArgs("user-1", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"server_seq", "user_id", "dataset_generation_id", "op_type", "scope", "resource_id", "item_id", "actor", "clock", "payload"}).
			AddRow(int64(3), "user-1", int64(7), "insert", "list", "list-a", "", "actor-a", int64(1), []byte(`{}`)))
	mock.ExpectExec("INSERT INTO clients").
		WithArgs("user-1", "client-a", int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.Bootstrap(ctx, "user-1", "client-a")
	require.NoError(t, err)
	require.Equal(t, "gen-7", result.DatasetGenerationKey)
	require.Equal(t, `{"lists":[]}`, result.Snapshot)
	require.Len(t, result.Ops, 1)
	require.Equal(t, crdt.OpInsert, result.Ops[0].Type)
	require.Equal(t, int64(3), result.ServerSeq)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePushConflictsOnStaleGenerationKey(t *testing.T) {
	store, mock, _ := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT s.dataset_generation_id, s.dataset_generation_key, s.blob").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"dataset_generation_id", "dataset_generation_key", "blob"}).
			AddRow(int64(7), "gen-7", `{}`))
	mock.ExpectRollback()

	result, err := store.Push(ctx, "user-1", "client-a", "gen-stale", nil)
	require.NoError(t, err)
	require.True(t, result.Conflict)
	require.Equal(t, "gen-7", result.DatasetGenerationKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePushDedupesAndAdvancesCursor(t *testing.T) {
	store, mock, _ := newMockStore(t)
	ctx := context.Background()

	op := crdt.Op{Type: crdt.OpInsert, Scope: crdt.ScopeList, ResourceID: "list-a", Actor: "actor-a", Clock: 5, Payload: []byte(`{}`)}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT s.dataset_generation_id, s.dataset_generation_key, s.blob").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"dataset_generation_id", "dataset_generation_key", "blob"}).
			AddRow(int64(7), "gen-7", `{}`))
	mock.ExpectExec("INSERT INTO ops").
		WithArgs("user-1", int64(7), "insert", "list", "list-a", "", "actor-a", int64(5), []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT MAX\\(server_seq\\)").
		WithArgs("user-1", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(9)))
	mock.ExpectExec("INSERT INTO clients").
		WithArgs("user-1", "client-a", int64(9), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.Push(ctx, "user-1", "client-a", "gen-7", []crdt.Op{op})
	require.NoError(t, err)
	require.False(t, result.Conflict)
	require.Equal(t, int64(9), result.ServerSeq)
	require.Equal(t, "gen-7", result.DatasetGenerationKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStorePullDetectsGenerationConflict(t *testing.T) {
	store, mock, _ := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT s.dataset_generation_id, s.dataset_generation_key, s.blob").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"dataset_generation_id", "dataset_generation_key", "blob"}).
			AddRow(int64(7), "gen-7", `{}`))
	mock.ExpectRollback()

	result, err := store.Pull(ctx, "user-1", "client-a", "gen-stale", 0)
	require.NoError(t, err)
	require.True(t, result.Conflict)
	require.Equal(t, "gen-7", result.DatasetGenerationKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreResetConflictsOnDuplicateGenerationKey(t *testing.T) {
	store, mock, _ := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("user-1", "gen-dup").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	conflict, err := store.Reset(ctx, "user-1", "gen-dup", "{}")
	require.NoError(t, err)
	require.True(t, conflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreResetFlipsActiveGenerationAndClearsOps(t *testing.T) {
	store, mock, _ := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("user-1", "gen-8").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO snapshots").
		WithArgs("user-1", "gen-8", "{}", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"dataset_generation_id"}).AddRow(int64(8)))
	mock.ExpectExec("INSERT INTO meta").
		WithArgs("user-1", int64(8), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM ops").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM clients").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	conflict, err := store.Reset(ctx, "user-1", "gen-8", "{}")
	require.NoError(t, err)
	require.False(t, conflict)
	require.NoError(t, mock.ExpectationsWereMet())
}
