package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/aggregat4/tasklist-sync/internal/crdt"
	"github.com/aggregat4/tasklist-sync/internal/observability"
)

// newMockEngine builds an Engine around a sqlmock-backed *sqlx.DB instead of
// a real sqlite3 connection, mirroring syncserver_test's newMockStore so the
// same fault-injection technique used server-side (internal/syncserver/store_test.go)
// exercises the client-side engine's transactions directly.
func newMockEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	e := &Engine{
		db:      sqlx.NewDb(db, "sqlite3"),
		logger:  observability.NewNoopLogger(),
		metrics: observability.NewNoopMetricsClient(),
		tracer:  observability.NoopStartSpan,
	}
	return e, mock
}

func TestEnginePersistListOperationsCommitsOpsAndSnapshot(t *testing.T) {
	e, mock := newMockEngine(t)
	ctx := context.Background()
	op := crdt.Op{Type: crdt.OpInsert, Scope: crdt.ScopeList, ResourceID: "list-a", Actor: "actor-a", Clock: 1, Payload: []byte(`{}`)}
	snapshot := &ListSnapshot{Clock: 1, Blob: []byte(`{"entries":[]}`)}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT OR IGNORE INTO list_operations").
		WithArgs("list-a", int64(1), "actor-a", schemaVersion, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO list_snapshots").
		WithArgs("list-a", schemaVersion, int64(1), string(snapshot.Blob), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM list_operations WHERE list_id = \\? AND clock <= \\?").
		WithArgs("list-a", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := e.PersistListOperations(ctx, "list-a", []crdt.Op{op}, snapshot)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestEnginePersistListOperationsRollsBackWhenSnapshotPruneFails covers P7
// for the client-side engine: once the snapshot has been written inside the
// transaction, a failure pruning the operations it supersedes must roll back
// the whole transaction rather than leave a snapshot with no matching prune
// (internal/syncserver/store_test.go:93,141,158 covers the equivalent
// property server-side with the same ExpectRollback technique).
func TestEnginePersistListOperationsRollsBackWhenSnapshotPruneFails(t *testing.T) {
	e, mock := newMockEngine(t)
	ctx := context.Background()
	op := crdt.Op{Type: crdt.OpInsert, Scope: crdt.ScopeList, ResourceID: "list-a", Actor: "actor-a", Clock: 1, Payload: []byte(`{}`)}
	snapshot := &ListSnapshot{Clock: 1, Blob: []byte(`{"entries":[]}`)}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT OR IGNORE INTO list_operations").
		WithArgs("list-a", int64(1), "actor-a", schemaVersion, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO list_snapshots").
		WithArgs("list-a", schemaVersion, int64(1), string(snapshot.Blob), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM list_operations WHERE list_id = \\? AND clock <= \\?").
		WithArgs("list-a", int64(1)).
		WillReturnError(errors.New("injected prune failure"))
	mock.ExpectRollback()

	err := e.PersistListOperations(ctx, "list-a", []crdt.Op{op}, snapshot)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnginePersistListOperationsRollsBackWhenOpInsertFails(t *testing.T) {
	e, mock := newMockEngine(t)
	ctx := context.Background()
	op := crdt.Op{Type: crdt.OpInsert, Scope: crdt.ScopeList, ResourceID: "list-a", Actor: "actor-a", Clock: 1, Payload: []byte(`{}`)}
	snapshot := &ListSnapshot{Clock: 1, Blob: []byte(`{"entries":[]}`)}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT OR IGNORE INTO list_operations").
		WithArgs("list-a", int64(1), "actor-a", schemaVersion, sqlmock.AnyArg()).
		WillReturnError(errors.New("injected op insert failure"))
	mock.ExpectRollback()

	err := e.PersistListOperations(ctx, "list-a", []crdt.Op{op}, snapshot)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnginePersistRegistryOperationsRollsBackWhenSnapshotPruneFails(t *testing.T) {
	e, mock := newMockEngine(t)
	ctx := context.Background()
	op := crdt.Op{Type: crdt.OpInsert, Scope: crdt.ScopeRegistry, ResourceID: "", Actor: "actor-a", Clock: 1, Payload: []byte(`{}`)}
	snapshot := &ListSnapshot{Clock: 1, Blob: []byte(`{"lists":[]}`)}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT OR IGNORE INTO registry_operations").
		WithArgs(int64(1), "actor-a", schemaVersion, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO registry_snapshot").
		WithArgs(schemaVersion, int64(1), string(snapshot.Blob), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM registry_operations WHERE clock <= \\?").
		WithArgs(int64(1)).
		WillReturnError(errors.New("injected prune failure"))
	mock.ExpectRollback()

	err := e.PersistRegistryOperations(ctx, []crdt.Op{op}, snapshot)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEngineDeleteListRollsBackOnSnapshotDeleteFailure(t *testing.T) {
	e, mock := newMockEngine(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM list_operations WHERE list_id = \\?").
		WithArgs("list-a").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM list_snapshots WHERE list_id = \\?").
		WithArgs("list-a").
		WillReturnError(errors.New("injected delete failure"))
	mock.ExpectRollback()

	err := e.DeleteList(ctx, "list-a")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
