package syncserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/aggregat4/tasklist-sync/internal/crdt"
)

// Store is the per-user op log and dataset-generation store (spec §4.10),
// backed by a Postgres sqlx.DB. Grounded on the teacher's
// pkg/repository/postgres/task_repository.go (sqlx.DB field,
// BeginTxx/tx.Commit/Rollback discipline, pkg/errors wrapping on every SQL
// call) narrowed to the four tables this spec names.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an already-migrated *sqlx.DB.
func NewStore(db *sqlx.DB) *Store { return &Store{db: db} }

// opRow is the ops table's row shape, used both for inserts and scans.
type opRow struct {
	ServerSeq           int64           `db:"server_seq"`
	UserID              string          `db:"user_id"`
	DatasetGenerationID int64           `db:"dataset_generation_id"`
	OpType              string          `db:"op_type"`
	Scope               string          `db:"scope"`
	ResourceID          string          `db:"resource_id"`
	ItemID              string          `db:"item_id"`
	Actor               string          `db:"actor"`
	Clock               int64           `db:"clock"`
	Payload             json.RawMessage `db:"payload"`
}

func (r opRow) toOp() crdt.Op {
	return crdt.Op{
		Type:       crdt.OpType(r.OpType),
		Scope:      crdt.Scope(r.Scope),
		ResourceID: r.ResourceID,
		ItemID:     r.ItemID,
		Actor:      r.Actor,
		Clock:      r.Clock,
		Payload:    r.Payload,
	}
}

// BootstrapResult is what GET /sync/bootstrap needs to answer a client
// (spec §4.10: "active snapshot + any ops with server_seq > 0 for that
// generation; always returns the active generation key and current max
// seq").
type BootstrapResult struct {
	DatasetGenerationKey string
	Snapshot             string
	Ops                  []crdt.Op
	ServerSeq            int64
}

// Bootstrap fetches (or, for a brand-new user, provisions) the active
// generation and returns its snapshot and op tail.
func (s *Store) Bootstrap(ctx context.Context, userID, clientID string) (BootstrapResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return BootstrapResult{}, errors.Wrap(err, "failed to begin bootstrap transaction")
	}
	defer func() { _ = tx.Rollback() }()

	generationID, generationKey, blob, err := s.activeGenerationForUpdate(ctx, tx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			generationID, generationKey, blob, err = s.provisionInitialGeneration(ctx, tx, userID)
		}
		if err != nil {
			return BootstrapResult{}, err
		}
	}

	var rows []opRow
	if err := tx.SelectContext(ctx, &rows, `
		SELECT server_seq, user_id, dataset_generation_id, op_type, scope, resource_id, item_id, actor, clock, payload
		FROM ops WHERE user_id = $1 AND dataset_generation_id = $2 ORDER BY server_seq`,
		userID, generationID); err != nil {
		return BootstrapResult{}, errors.Wrap(err, "failed to load ops for bootstrap")
	}

	ops, maxSeq := decodeOpRows(rows)
	if err := upsertClientCursor(ctx, tx, userID, clientID, maxSeq); err != nil {
		return BootstrapResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return BootstrapResult{}, errors.Wrap(err, "failed to commit bootstrap transaction")
	}

	return BootstrapResult{DatasetGenerationKey: generationKey, Snapshot: blob, Ops: ops, ServerSeq: maxSeq}, nil
}

// PushResult is what POST /sync/push needs to answer a client.
type PushResult struct {
	ServerSeq            int64
	DatasetGenerationKey string
	Conflict             bool
}

// Push validates datasetGenerationKey against the active generation,
// inserts ops with INSERT ... ON CONFLICT DO NOTHING dedupe semantics
// (spec P10), and advances the client's cursor.
func (s *Store) Push(ctx context.Context, userID, clientID, datasetGenerationKey string, ops []crdt.Op) (PushResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return PushResult{}, errors.Wrap(err, "failed to begin push transaction")
	}
	defer func() { _ = tx.Rollback() }()

	generationID, activeKey, _, err := s.activeGenerationForUpdate(ctx, tx, userID)
	if err != nil {
		return PushResult{}, err
	}
	if activeKey != datasetGenerationKey {
		_ = tx.Rollback()
		return PushResult{DatasetGenerationKey: activeKey, Conflict: true}, nil
	}

	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ops (user_id, dataset_generation_id, op_type, scope, resource_id, item_id, actor, clock, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id, dataset_generation_id, actor, clock, scope, resource_id) DO NOTHING`,
			userID, generationID, string(op.Type), string(op.Scope), op.ResourceID, op.ItemID, op.Actor, op.Clock, op.Payload); err != nil {
			return PushResult{}, errors.Wrap(err, "failed to insert pushed op")
		}
	}

	maxSeq, err := s.maxServerSeq(ctx, tx, userID, generationID)
	if err != nil {
		return PushResult{}, err
	}
	if err := upsertClientCursor(ctx, tx, userID, clientID, maxSeq); err != nil {
		return PushResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PushResult{}, errors.Wrap(err, "failed to commit push transaction")
	}

	return PushResult{ServerSeq: maxSeq, DatasetGenerationKey: activeKey}, nil
}

// PullResult is what GET /sync/pull needs to answer a client.
type PullResult struct {
	Ops                  []crdt.Op
	ServerSeq            int64
	DatasetGenerationKey string
	Conflict             bool
}

// Pull returns ops after since for the active generation, or a conflict if
// the caller's datasetGenerationKey is stale.
func (s *Store) Pull(ctx context.Context, userID, clientID, datasetGenerationKey string, since int64) (PullResult, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return PullResult{}, errors.Wrap(err, "failed to begin pull transaction")
	}
	defer func() { _ = tx.Rollback() }()

	generationID, activeKey, _, err := s.activeGeneration(ctx, tx, userID)
	if err != nil {
		return PullResult{}, err
	}
	if datasetGenerationKey != "" && activeKey != datasetGenerationKey {
		return PullResult{DatasetGenerationKey: activeKey, Conflict: true}, nil
	}

	var rows []opRow
	if err := tx.SelectContext(ctx, &rows, `
		SELECT server_seq, user_id, dataset_generation_id, op_type, scope, resource_id, item_id, actor, clock, payload
		FROM ops WHERE user_id = $1 AND dataset_generation_id = $2 AND server_seq > $3
		ORDER BY server_seq`,
		userID, generationID, since); err != nil {
		return PullResult{}, errors.Wrap(err, "failed to load ops for pull")
	}
	ops, maxSeq := decodeOpRows(rows)
	if maxSeq == 0 {
		maxSeq = since
	}

	if err := upsertClientCursor(ctx, s.db, userID, clientID, maxSeq); err != nil {
		return PullResult{}, err
	}

	return PullResult{Ops: ops, ServerSeq: maxSeq, DatasetGenerationKey: activeKey}, nil
}

// Reset installs newGenerationKey as the active generation (spec §4.10
// reset: "atomic: insert-or-reject new snapshot, flip active generation,
// delete ops and client cursors for that user").
func (s *Store) Reset(ctx context.Context, userID, newGenerationKey, snapshotBlob string) (conflict bool, err error) {
	tx, txErr := s.db.BeginTxx(ctx, nil)
	if txErr != nil {
		return false, errors.Wrap(txErr, "failed to begin reset transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM snapshots WHERE user_id = $1 AND dataset_generation_key = $2)`,
		userID, newGenerationKey); err != nil {
		return false, errors.Wrap(err, "failed to check existing generation key")
	}
	if exists {
		return true, nil
	}

	var newID int64
	if err := tx.GetContext(ctx, &newID, `
		INSERT INTO snapshots (user_id, dataset_generation_key, blob, created_at)
		VALUES ($1, $2, $3, $4) RETURNING dataset_generation_id`,
		userID, newGenerationKey, snapshotBlob, time.Now().UTC()); err != nil {
		return false, errors.Wrap(err, "failed to insert new snapshot generation")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta (user_id, active_dataset_generation_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET active_dataset_generation_id = EXCLUDED.active_dataset_generation_id,
			updated_at = EXCLUDED.updated_at`,
		userID, newID, time.Now().UTC()); err != nil {
		return false, errors.Wrap(err, "failed to flip active generation")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM ops WHERE user_id = $1`, userID); err != nil {
		return false, errors.Wrap(err, "failed to clear ops on reset")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM clients WHERE user_id = $1`, userID); err != nil {
		return false, errors.Wrap(err, "failed to clear client cursors on reset")
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit reset transaction")
	}
	return false, nil
}

// queryer is the subset of *sqlx.Tx/*sqlx.DB the helpers below need, so
// Pull's read-only path and Push's upsert can share code with either.
type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) activeGeneration(ctx context.Context, tx *sqlx.Tx, userID string) (id int64, key, blob string, err error) {
	err = tx.QueryRowxContext(ctx, `
		SELECT s.dataset_generation_id, s.dataset_generation_key, s.blob
		FROM meta m JOIN snapshots s ON s.dataset_generation_id = m.active_dataset_generation_id
		WHERE m.user_id = $1`, userID).Scan(&id, &key, &blob)
	if err != nil {
		return 0, "", "", errors.Wrap(err, "failed to load active generation")
	}
	return id, key, blob, nil
}

// activeGenerationForUpdate is activeGeneration with a row lock, giving
// concurrent writers the immediate-lock discipline spec §4.10 asks for.
func (s *Store) activeGenerationForUpdate(ctx context.Context, tx *sqlx.Tx, userID string) (id int64, key, blob string, err error) {
	err = tx.QueryRowxContext(ctx, `
		SELECT s.dataset_generation_id, s.dataset_generation_key, s.blob
		FROM meta m JOIN snapshots s ON s.dataset_generation_id = m.active_dataset_generation_id
		WHERE m.user_id = $1 FOR UPDATE`, userID).Scan(&id, &key, &blob)
	if err != nil {
		return 0, "", "", err // sql.ErrNoRows surfaces to callers deciding whether to provision
	}
	return id, key, blob, nil
}

func (s *Store) provisionInitialGeneration(ctx context.Context, tx *sqlx.Tx, userID string) (id int64, key, blob string, err error) {
	key = "initial-" + userID
	if err := tx.GetContext(ctx, &id, `
		INSERT INTO snapshots (user_id, dataset_generation_key, blob, created_at)
		VALUES ($1, $2, '', $3) RETURNING dataset_generation_id`,
		userID, key, time.Now().UTC()); err != nil {
		return 0, "", "", errors.Wrap(err, "failed to provision initial generation")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta (user_id, active_dataset_generation_id, updated_at) VALUES ($1, $2, $3)`,
		userID, id, time.Now().UTC()); err != nil {
		return 0, "", "", errors.Wrap(err, "failed to record initial active generation")
	}
	return id, key, "", nil
}

func (s *Store) maxServerSeq(ctx context.Context, tx *sqlx.Tx, userID string, generationID int64) (int64, error) {
	var maxSeq sql.NullInt64
	if err := tx.GetContext(ctx, &maxSeq, `
		SELECT MAX(server_seq) FROM ops WHERE user_id = $1 AND dataset_generation_id = $2`,
		userID, generationID); err != nil {
		return 0, errors.Wrap(err, "failed to compute max server seq")
	}
	return maxSeq.Int64, nil
}

func upsertClientCursor(ctx context.Context, q queryer, userID, clientID string, seq int64) error {
	if clientID == "" {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO clients (user_id, client_id, last_seen_server_seq, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, client_id) DO UPDATE SET
			last_seen_server_seq = GREATEST(clients.last_seen_server_seq, EXCLUDED.last_seen_server_seq),
			updated_at = EXCLUDED.updated_at`,
		userID, clientID, seq, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to upsert client cursor")
	}
	return nil
}

func decodeOpRows(rows []opRow) ([]crdt.Op, int64) {
	ops := make([]crdt.Op, 0, len(rows))
	var maxSeq int64
	for _, r := range rows {
		ops = append(ops, r.toOp())
		if r.ServerSeq > maxSeq {
			maxSeq = r.ServerSeq
		}
	}
	return ops, maxSeq
}
