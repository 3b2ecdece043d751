// Package storage is the client-side durable storage engine (spec §4.6): a
// SQLite-backed key-value surface holding list snapshots, per-list and
// registry operation logs, the lists registry's own snapshot, sync cursor
// state and the outbox.
//
// Grounded on the teacher's pkg/database/test_database.go
// (sqlx.Connect("sqlite3", ...) pattern) and
// pkg/repository/postgres/base_repository.go / transaction.go
// (BeginTxx + explicit commit/rollback, prepared-statement reuse) —
// generalized from the teacher's Postgres-only base repository to the
// local SQLite engine this spec calls for.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/aggregat4/tasklist-sync/internal/apperrors"
	"github.com/aggregat4/tasklist-sync/internal/crdt"
	"github.com/aggregat4/tasklist-sync/internal/observability"
)

// schemaVersion is the "version" field stamped on every persisted snapshot
// and op row (spec §4.6: "a stable versioned JSON-like format with an
// explicit version field").
const schemaVersion = 1

const ddl = `
CREATE TABLE IF NOT EXISTS list_snapshots (
	list_id    TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	clock      INTEGER NOT NULL,
	blob       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS list_operations (
	list_id TEXT NOT NULL,
	clock   INTEGER NOT NULL,
	actor   TEXT NOT NULL,
	version INTEGER NOT NULL,
	op_json TEXT NOT NULL,
	PRIMARY KEY (list_id, clock, actor)
);
CREATE INDEX IF NOT EXISTS idx_list_operations_list ON list_operations (list_id);

CREATE TABLE IF NOT EXISTS registry_snapshot (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version    INTEGER NOT NULL,
	clock      INTEGER NOT NULL,
	blob       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS registry_operations (
	clock   INTEGER NOT NULL,
	actor   TEXT NOT NULL,
	version INTEGER NOT NULL,
	op_json TEXT NOT NULL,
	PRIMARY KEY (clock, actor)
);

CREATE TABLE IF NOT EXISTS sync_state (
	id               INTEGER PRIMARY KEY CHECK (id = 1),
	client_id        TEXT NOT NULL,
	last_server_seq  INTEGER NOT NULL,
	dataset_gen_key  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS outbox (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	op_json TEXT NOT NULL
);
`

// Engine is the client storage engine. A zero Engine is not usable;
// construct with Open.
type Engine struct {
	db      *sqlx.DB
	logger  observability.Logger
	metrics observability.MetricsClient
	tracer  observability.StartSpanFunc
}

// Option configures an Engine at construction, following the teacher's
// functional-option convention (pkg/repository/postgres/task_repository.go).
type Option func(*Engine)

// WithLogger overrides the engine's logger.
func WithLogger(l observability.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics overrides the engine's metrics client.
func WithMetrics(m observability.MetricsClient) Option { return func(e *Engine) { e.metrics = m } }

// WithTracer overrides the engine's tracer.
func WithTracer(t observability.StartSpanFunc) Option { return func(e *Engine) { e.tracer = t } }

// Open connects to a SQLite database at path (":memory:" for a transient
// store) and ensures the schema exists.
func Open(ctx context.Context, path string, opts ...Option) (*Engine, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(apperrors.ErrStorageError, err.Error())
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, errors.Wrap(apperrors.ErrStorageError, err.Error())
	}
	e := &Engine{
		db:      db,
		logger:  observability.NewNoopLogger(),
		metrics: observability.NewNoopMetricsClient(),
		tracer:  observability.NoopStartSpan,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.migrate(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) migrate(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(apperrors.ErrStorageError, err.Error())
	}
	return nil
}

// Close releases the underlying database handle.
func (e *Engine) Close() error { return e.db.Close() }

// withTx runs fn inside a transaction, committing on success and rolling
// back on error or panic (mirrors the teacher's BaseRepository.WithTransaction).
func (e *Engine) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	ctx, span := e.tracer(ctx, "storage.withTx")
	defer span.End()
	stop := e.metrics.StartTimer("storage_transaction_duration", nil)
	defer stop()

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		e.metrics.IncrementCounter("storage_transaction_errors", 1)
		return errors.Wrap(apperrors.ErrStorageError, err.Error())
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.logger.Error("rollback failed", map[string]interface{}{"error": rbErr.Error()})
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		e.metrics.IncrementCounter("storage_transaction_errors", 1)
		return errors.Wrap(apperrors.ErrStorageError, err.Error())
	}
	return nil
}

// ListSnapshot is what PersistListOperations/LoadList exchange: an opaque,
// already-encoded list state plus the clock it was taken at.
type ListSnapshot struct {
	Clock int64
	Blob  []byte
}

// PersistListOperations commits ops for listID and, if snapshot is
// non-nil, the new snapshot and the pruning of operations at or below its
// clock, all in one transaction (spec §4.6: "Readers must never observe a
// half-applied state").
func (e *Engine) PersistListOperations(ctx context.Context, listID string, ops []crdt.Op, snapshot *ListSnapshot) error {
	return e.withTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().Unix()
		for _, op := range ops {
			opJSON, err := json.Marshal(op)
			if err != nil {
				return errors.Wrap(apperrors.ErrStorageError, err.Error())
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO list_operations (list_id, clock, actor, version, op_json)
				VALUES (?, ?, ?, ?, ?)`,
				listID, op.Clock, op.Actor, schemaVersion, string(opJSON)); err != nil {
				return errors.Wrap(apperrors.ErrStorageError, err.Error())
			}
		}
		if snapshot != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO list_snapshots (list_id, version, clock, blob, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(list_id) DO UPDATE SET version=excluded.version, clock=excluded.clock, blob=excluded.blob, updated_at=excluded.updated_at`,
				listID, schemaVersion, snapshot.Clock, string(snapshot.Blob), now); err != nil {
				return errors.Wrap(apperrors.ErrStorageError, err.Error())
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM list_operations WHERE list_id = ? AND clock <= ?`, listID, snapshot.Clock); err != nil {
				return errors.Wrap(apperrors.ErrStorageError, err.Error())
			}
		}
		return nil
	})
}

// LoadList returns the persisted snapshot (nil if none) and any operations
// recorded after it, for hydration: "apply the snapshot then replay
// remaining ops".
func (e *Engine) LoadList(ctx context.Context, listID string) (*ListSnapshot, []crdt.Op, error) {
	var snap *ListSnapshot
	var row struct {
		Clock int64  `db:"clock"`
		Blob  string `db:"blob"`
	}
	err := e.db.GetContext(ctx, &row, `SELECT clock, blob FROM list_snapshots WHERE list_id = ?`, listID)
	switch {
	case err == nil:
		snap = &ListSnapshot{Clock: row.Clock, Blob: []byte(row.Blob)}
	case errors.Is(err, sql.ErrNoRows):
		// No snapshot yet: hydrate purely from the op log.
	default:
		return nil, nil, errors.Wrap(apperrors.ErrStorageError, err.Error())
	}

	var opRows []struct {
		OpJSON string `db:"op_json"`
	}
	if err := e.db.SelectContext(ctx, &opRows, `
		SELECT op_json FROM list_operations WHERE list_id = ? ORDER BY clock, actor`, listID); err != nil {
		return nil, nil, errors.Wrap(apperrors.ErrStorageError, err.Error())
	}
	ops := make([]crdt.Op, 0, len(opRows))
	for _, r := range opRows {
		var op crdt.Op
		if err := json.Unmarshal([]byte(r.OpJSON), &op); err != nil {
			e.logger.Warn("dropping malformed list operation", map[string]interface{}{"listId": listID, "error": err.Error()})
			continue
		}
		ops = append(ops, op)
	}
	return snap, ops, nil
}

// ListIDs returns every list id that has either a snapshot or operations
// recorded, for full-repository hydration on startup.
func (e *Engine) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := e.db.SelectContext(ctx, &ids, `
		SELECT list_id FROM list_snapshots
		UNION
		SELECT list_id FROM list_operations`); err != nil {
		return nil, errors.Wrap(apperrors.ErrStorageError, err.Error())
	}
	return ids, nil
}

// DeleteList removes all persisted state for listID (used by the
// repository's ReplaceWithSnapshot clean slate).
func (e *Engine) DeleteList(ctx context.Context, listID string) error {
	return e.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM list_operations WHERE list_id = ?`, listID); err != nil {
			return errors.Wrap(apperrors.ErrStorageError, err.Error())
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM list_snapshots WHERE list_id = ?`, listID); err != nil {
			return errors.Wrap(apperrors.ErrStorageError, err.Error())
		}
		return nil
	})
}

// PersistRegistryOperations is PersistListOperations' registry-scoped twin
// (spec §4.6: "Equivalent semantics for the registry store").
func (e *Engine) PersistRegistryOperations(ctx context.Context, ops []crdt.Op, snapshot *ListSnapshot) error {
	return e.withTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().Unix()
		for _, op := range ops {
			opJSON, err := json.Marshal(op)
			if err != nil {
				return errors.Wrap(apperrors.ErrStorageError, err.Error())
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO registry_operations (clock, actor, version, op_json)
				VALUES (?, ?, ?, ?)`, op.Clock, op.Actor, schemaVersion, string(opJSON)); err != nil {
				return errors.Wrap(apperrors.ErrStorageError, err.Error())
			}
		}
		if snapshot != nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO registry_snapshot (id, version, clock, blob, updated_at)
				VALUES (1, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET version=excluded.version, clock=excluded.clock, blob=excluded.blob, updated_at=excluded.updated_at`,
				schemaVersion, snapshot.Clock, string(snapshot.Blob), now); err != nil {
				return errors.Wrap(apperrors.ErrStorageError, err.Error())
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM registry_operations WHERE clock <= ?`, snapshot.Clock); err != nil {
				return errors.Wrap(apperrors.ErrStorageError, err.Error())
			}
		}
		return nil
	})
}

// LoadRegistry is LoadList's registry-scoped twin.
func (e *Engine) LoadRegistry(ctx context.Context) (*ListSnapshot, []crdt.Op, error) {
	var snap *ListSnapshot
	var row struct {
		Clock int64  `db:"clock"`
		Blob  string `db:"blob"`
	}
	err := e.db.GetContext(ctx, &row, `SELECT clock, blob FROM registry_snapshot WHERE id = 1`)
	switch {
	case err == nil:
		snap = &ListSnapshot{Clock: row.Clock, Blob: []byte(row.Blob)}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, nil, errors.Wrap(apperrors.ErrStorageError, err.Error())
	}

	var opRows []struct {
		OpJSON string `db:"op_json"`
	}
	if err := e.db.SelectContext(ctx, &opRows, `SELECT op_json FROM registry_operations ORDER BY clock, actor`); err != nil {
		return nil, nil, errors.Wrap(apperrors.ErrStorageError, err.Error())
	}
	ops := make([]crdt.Op, 0, len(opRows))
	for _, r := range opRows {
		var op crdt.Op
		if err := json.Unmarshal([]byte(r.OpJSON), &op); err != nil {
			e.logger.Warn("dropping malformed registry operation", map[string]interface{}{"error": err.Error()})
			continue
		}
		ops = append(ops, op)
	}
	return snap, ops, nil
}

// SyncState is the persisted {clientId, lastServerSeq} pair (spec §4.9).
type SyncState struct {
	ClientID            string
	LastServerSeq       int64
	DatasetGenerationKey string
}

// LoadSyncState returns the persisted sync cursor, or a zero-value state
// with ok=false if none has been saved yet.
func (e *Engine) LoadSyncState(ctx context.Context) (SyncState, bool, error) {
	var row struct {
		ClientID      string `db:"client_id"`
		LastServerSeq int64  `db:"last_server_seq"`
		DatasetGenKey string `db:"dataset_gen_key"`
	}
	err := e.db.GetContext(ctx, &row, `SELECT client_id, last_server_seq, dataset_gen_key FROM sync_state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, false, nil
	}
	if err != nil {
		return SyncState{}, false, errors.Wrap(apperrors.ErrStorageError, err.Error())
	}
	return SyncState{ClientID: row.ClientID, LastServerSeq: row.LastServerSeq, DatasetGenerationKey: row.DatasetGenKey}, true, nil
}

// SaveSyncState persists the sync cursor.
func (e *Engine) SaveSyncState(ctx context.Context, state SyncState) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO sync_state (id, client_id, last_server_seq, dataset_gen_key)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET client_id=excluded.client_id, last_server_seq=excluded.last_server_seq, dataset_gen_key=excluded.dataset_gen_key`,
		state.ClientID, state.LastServerSeq, state.DatasetGenerationKey)
	if err != nil {
		return errors.Wrap(apperrors.ErrStorageError, err.Error())
	}
	return nil
}

// EnqueueOutbox appends op to the outbox FIFO.
func (e *Engine) EnqueueOutbox(ctx context.Context, op crdt.Op) error {
	opJSON, err := json.Marshal(op)
	if err != nil {
		return errors.Wrap(apperrors.ErrStorageError, err.Error())
	}
	if _, err := e.db.ExecContext(ctx, `INSERT INTO outbox (op_json) VALUES (?)`, string(opJSON)); err != nil {
		return errors.Wrap(apperrors.ErrStorageError, err.Error())
	}
	return nil
}

// OutboxEntry pairs a queued op with the row id needed to drop it once
// acknowledged.
type OutboxEntry struct {
	Seq int64
	Op  crdt.Op
}

// LoadOutbox returns the outbox FIFO in submission order.
func (e *Engine) LoadOutbox(ctx context.Context) ([]OutboxEntry, error) {
	var rows []struct {
		Seq    int64  `db:"seq"`
		OpJSON string `db:"op_json"`
	}
	if err := e.db.SelectContext(ctx, &rows, `SELECT seq, op_json FROM outbox ORDER BY seq`); err != nil {
		return nil, errors.Wrap(apperrors.ErrStorageError, err.Error())
	}
	out := make([]OutboxEntry, 0, len(rows))
	for _, r := range rows {
		var op crdt.Op
		if err := json.Unmarshal([]byte(r.OpJSON), &op); err != nil {
			e.logger.Warn("dropping malformed outbox entry", map[string]interface{}{"error": err.Error()})
			continue
		}
		out = append(out, OutboxEntry{Seq: r.Seq, Op: op})
	}
	return out, nil
}

// DropOutbox removes the given outbox rows, typically after a successful
// push acknowledges them.
func (e *Engine) DropOutbox(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	return e.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, seq := range seqs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, seq); err != nil {
				return errors.Wrap(apperrors.ErrStorageError, err.Error())
			}
		}
		return nil
	})
}

// ClearOutbox empties the outbox, used on generation reset.
func (e *Engine) ClearOutbox(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return errors.Wrap(apperrors.ErrStorageError, err.Error())
	}
	return nil
}
