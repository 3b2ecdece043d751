// Package repository implements the local repository (spec §4.7): it owns
// one registry CRDT and a map of task-list CRDTs, turns user intents into
// CRDT ops, persists them, records undo/redo history, enqueues outbox
// entries for sync, and fans out freshly-projected state to subscribers.
//
// Grounded on the teacher's pkg/repository/postgres/task_repository.go
// (functional RepositoryOption construction, logger/metrics/tracer
// plumbing, per-operation Prometheus timers) generalized from a single
// Postgres table to the two in-memory CRDTs plus internal/storage this
// spec calls for.
package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/aggregat4/tasklist-sync/internal/apperrors"
	"github.com/aggregat4/tasklist-sync/internal/crdt"
	"github.com/aggregat4/tasklist-sync/internal/history"
	"github.com/aggregat4/tasklist-sync/internal/observability"
	"github.com/aggregat4/tasklist-sync/internal/position"
	"github.com/aggregat4/tasklist-sync/internal/registry"
	"github.com/aggregat4/tasklist-sync/internal/storage"
	"github.com/aggregat4/tasklist-sync/internal/tasklist"
)

// DefaultSnapshotInterval is the implementer-choice "every N ops" snapshot
// policy (spec §4.7 design note, "e.g. 32").
const DefaultSnapshotInterval = 32

// SnapshotSchema is the envelope's schema tag (spec §6).
const SnapshotSchema = "net.aggregat4.tasklist.snapshot@v1"

// RegistryView is the fully-projected state delivered to registry
// subscribers (spec §4.7: "stable, fully-projected state objects").
type RegistryView struct {
	Lists []registry.Entry
}

// ListView is the fully-projected state delivered to per-list subscribers.
type ListView struct {
	ListID string
	Title  string
	Tasks  []tasklist.Entry
}

// GlobalView is the fully-projected state delivered to global subscribers.
type GlobalView struct {
	Registry RegistryView
	Lists    map[string]ListView
}

// Snapshot is the full export/import envelope (spec §6): "snapshot
// envelope {schema, exportedAt, data: {registry, lists: [{listId, state}]}}".
type Snapshot struct {
	Schema     string       `json:"schema"`
	ExportedAt string       `json:"exportedAt"`
	Data       SnapshotData `json:"data"`
}

// SnapshotData is the payload carried by Snapshot.
type SnapshotData struct {
	Registry registry.State `json:"registry"`
	Lists    []SnapshotList `json:"lists"`
}

// SnapshotList is one list's entry in a Snapshot.
type SnapshotList struct {
	ListID string        `json:"listId"`
	State  tasklist.State `json:"state"`
}

// Repository owns the registry CRDT and every task list's CRDT, routing
// intents through them to storage, history and subscribers (spec §4.7).
type Repository struct {
	mu       sync.Mutex
	store    *storage.Engine
	actor    string
	registry *registry.Registry
	lists    map[string]*tasklist.TaskList
	history  *history.Manager
	opCounts map[string]int

	snapshotEvery int
	errorHandler  func(error)

	busMu       sync.Mutex
	globalBus   *bus[GlobalView]
	registryBus *bus[RegistryView]
	listBuses   map[string]*bus[ListView]

	logger  observability.Logger
	metrics observability.MetricsClient
	tracer  observability.StartSpanFunc
}

// Option configures a Repository at construction, following the teacher's
// functional-option convention (pkg/repository/postgres/task_repository.go).
type Option func(*Repository)

// WithLogger overrides the repository's logger.
func WithLogger(l observability.Logger) Option { return func(r *Repository) { r.logger = l } }

// WithMetrics overrides the repository's metrics client.
func WithMetrics(m observability.MetricsClient) Option { return func(r *Repository) { r.metrics = m } }

// WithTracer overrides the repository's tracer.
func WithTracer(t observability.StartSpanFunc) Option { return func(r *Repository) { r.tracer = t } }

// WithSnapshotEvery overrides the "every N ops" snapshot policy.
func WithSnapshotEvery(n int) Option { return func(r *Repository) { r.snapshotEvery = n } }

// WithErrorHandler registers a callback invoked whenever a persistence
// write fails; the repository itself keeps running with in-memory state
// live (spec §7: "StorageError ... intent state kept in memory").
func WithErrorHandler(fn func(error)) Option { return func(r *Repository) { r.errorHandler = fn } }

// New constructs a Repository, hydrating the registry and every list from
// store (spec §4.6: "hydration applies the snapshot then replays
// remaining ops").
func New(ctx context.Context, store *storage.Engine, actor string, opts ...Option) (*Repository, error) {
	r := &Repository{
		store:         store,
		actor:         actor,
		lists:         make(map[string]*tasklist.TaskList),
		history:       history.New(),
		opCounts:      make(map[string]int),
		snapshotEvery: DefaultSnapshotInterval,
		globalBus:     newBus[GlobalView](),
		registryBus:   newBus[RegistryView](),
		listBuses:     make(map[string]*bus[ListView]),
		logger:        observability.NewNoopLogger(),
		metrics:       observability.NewNoopMetricsClient(),
		tracer:        observability.NoopStartSpan,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.registry = registry.New(actor)
	regSnap, regOps, err := store.LoadRegistry(ctx)
	if err != nil {
		return nil, err
	}
	if regSnap != nil {
		var state registry.State
		if err := json.Unmarshal(regSnap.Blob, &state); err != nil {
			return nil, errors.Wrap(apperrors.ErrDecodeError, err.Error())
		}
		r.registry.ResetFromState(state)
	}
	for _, op := range regOps {
		if err := r.registry.ApplyOperation(op); err != nil {
			r.logger.Warn("dropping unreplayable registry operation during hydration", map[string]interface{}{"error": err.Error()})
		}
	}

	listIDs, err := store.ListIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range listIDs {
		lst := tasklist.New(id, actor)
		snap, ops, err := store.LoadList(ctx, id)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			var state tasklist.State
			if err := json.Unmarshal(snap.Blob, &state); err != nil {
				return nil, errors.Wrap(apperrors.ErrDecodeError, err.Error())
			}
			lst.ResetFromState(state)
		}
		for _, op := range ops {
			if err := lst.ApplyOperation(op); err != nil {
				r.logger.Warn("dropping unreplayable list operation during hydration", map[string]interface{}{"listId": id, "error": err.Error()})
			}
		}
		r.lists[id] = lst
	}
	return r, nil
}

func (r *Repository) now() time.Time { return time.Now() }

func (r *Repository) handleStorageErr(err error) {
	if err == nil {
		return
	}
	r.logger.Error("persistence failed; state kept live in memory", map[string]interface{}{"error": err.Error()})
	r.metrics.IncrementCounter("repository_storage_errors", 1)
	if r.errorHandler != nil {
		r.errorHandler(err)
	}
}

// persistRegistryOps writes ops for the registry, forcing a snapshot (and
// pruning superseded ops) once snapshotEvery ops (DefaultSnapshotInterval
// unless overridden by WithSnapshotEvery) have accumulated since the last one (spec §4.7 snapshot policy). Failures are
// advisory: logged and surfaced to errorHandler, never returned to the
// caller, since the CRDT mutation has already happened in memory.
func (r *Repository) persistRegistryOps(ctx context.Context, ops []crdt.Op) {
	if len(ops) == 0 {
		return
	}
	var snap *storage.ListSnapshot
	r.opCounts["registry"] += len(ops)
	if r.opCounts["registry"] >= r.snapshotEvery {
		blob, err := json.Marshal(r.registry.ExportState())
		if err != nil {
			r.handleStorageErr(errors.Wrap(apperrors.ErrStorageError, err.Error()))
		} else {
			snap = &storage.ListSnapshot{Clock: r.registry.ClockValue(), Blob: blob}
			r.opCounts["registry"] = 0
		}
	}
	r.handleStorageErr(r.store.PersistRegistryOperations(ctx, ops, snap))
}

// persistListOps is persistRegistryOps' per-list twin.
func (r *Repository) persistListOps(ctx context.Context, listID string, lst *tasklist.TaskList, ops []crdt.Op) {
	if len(ops) == 0 {
		return
	}
	var snap *storage.ListSnapshot
	key := "list:" + listID
	r.opCounts[key] += len(ops)
	if r.opCounts[key] >= r.snapshotEvery {
		blob, err := json.Marshal(lst.ExportState())
		if err != nil {
			r.handleStorageErr(errors.Wrap(apperrors.ErrStorageError, err.Error()))
		} else {
			snap = &storage.ListSnapshot{Clock: lst.ClockValue(), Blob: blob}
			r.opCounts[key] = 0
		}
	}
	r.handleStorageErr(r.store.PersistListOperations(ctx, listID, ops, snap))
}

func (r *Repository) enqueueOutbox(ctx context.Context, op crdt.Op) {
	r.handleStorageErr(r.store.EnqueueOutbox(ctx, op))
}

func (r *Repository) recordHistory(entry history.Entry) {
	if r.history.Suppressed() {
		return
	}
	entry.Timestamp = r.now()
	entry.Actor = r.actor
	r.history.Record(entry)
}

func (r *Repository) requireList(listID string) (*tasklist.TaskList, error) {
	lst, ok := r.lists[listID]
	if !ok {
		return nil, errors.Wrapf(apperrors.ErrEntryNotFound, "listId %q", listID)
	}
	return lst, nil
}

// --- op template builders (spec §4.8: "inverse ops are constructed as the
// same tagged variants"). These never carry a clock/actor; Replay stamps
// both fresh whenever the template is applied. ---

func restoreTemplate(scope crdt.Scope, resourceID, itemID string) crdt.Op {
	return crdt.Op{Type: crdt.OpRestore, Scope: scope, ResourceID: resourceID, ItemID: itemID}
}

func removeTemplate(scope crdt.Scope, resourceID, itemID string) crdt.Op {
	return crdt.Op{Type: crdt.OpRemove, Scope: scope, ResourceID: resourceID, ItemID: itemID}
}

func updateTemplate[P any](scope crdt.Scope, resourceID, itemID string, patch P) (crdt.Op, error) {
	payload, err := json.Marshal(crdt.UpdatePayload[P]{Patch: patch})
	if err != nil {
		return crdt.Op{}, errors.Wrap(err, "encode update template payload")
	}
	return crdt.Op{Type: crdt.OpUpdate, Scope: scope, ResourceID: resourceID, ItemID: itemID, Payload: payload}, nil
}

func moveTemplate(scope crdt.Scope, resourceID, itemID string, pos position.Position) (crdt.Op, error) {
	payload, err := json.Marshal(crdt.MovePayload{Position: pos})
	if err != nil {
		return crdt.Op{}, errors.Wrap(err, "encode move template payload")
	}
	return crdt.Op{Type: crdt.OpMove, Scope: scope, ResourceID: resourceID, ItemID: itemID, Payload: payload}, nil
}

func decodeMovePosition(op crdt.Op) (position.Position, error) {
	var p crdt.MovePayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return nil, errors.Wrap(apperrors.ErrDecodeError, err.Error())
	}
	return p.Position, nil
}

// --- registry intents ---

// CreateList inserts a new list into the registry, creates its empty task
// list, and returns its id.
func (r *Repository) CreateList(ctx context.Context, title, afterID string) (string, error) {
	r.mu.Lock()
	id := uuid.NewString()
	op, err := r.registry.CreateList(id, title, afterID)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	r.lists[id] = tasklist.New(id, r.actor)
	r.persistRegistryOps(ctx, []crdt.Op{op})
	r.recordHistory(history.Entry{
		Scope:      "registry",
		Label:      "createList",
		ForwardOps: []crdt.Op{restoreTemplate(crdt.ScopeRegistry, "registry", id)},
		InverseOps: []crdt.Op{removeTemplate(crdt.ScopeRegistry, "registry", id)},
	})
	r.enqueueOutbox(ctx, op)
	r.mu.Unlock()

	r.publish("")
	return id, nil
}

// RenameList updates a list's title.
func (r *Repository) RenameList(ctx context.Context, listID, title string) error {
	r.mu.Lock()
	entry, ok := r.registry.Get(listID)
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(apperrors.ErrEntryNotFound, "listId %q", listID)
	}
	oldTitle := entry.Data.Title

	op, err := r.registry.RenameList(listID, title)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.persistRegistryOps(ctx, []crdt.Op{op})

	forward, ferr := updateTemplate(crdt.ScopeRegistry, "registry", listID, registry.Patch{Title: &title})
	inverse, ierr := updateTemplate(crdt.ScopeRegistry, "registry", listID, registry.Patch{Title: &oldTitle})
	if ferr == nil && ierr == nil {
		r.recordHistory(history.Entry{
			Scope: "registry", Label: "renameList", CoalesceKey: "renameList:" + listID,
			ForwardOps: []crdt.Op{forward}, InverseOps: []crdt.Op{inverse},
		})
	}
	r.enqueueOutbox(ctx, op)
	r.mu.Unlock()

	r.publish("")
	return nil
}

// ReorderList recomputes a list's registry position.
func (r *Repository) ReorderList(ctx context.Context, listID string, opts crdt.MoveOptions) error {
	r.mu.Lock()
	entry, ok := r.registry.Get(listID)
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(apperrors.ErrEntryNotFound, "listId %q", listID)
	}
	oldPos := entry.Pos

	op, err := r.registry.ReorderList(listID, opts)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if op.Type == "" {
		// No-op move (target position equals current); nothing to persist
		// or record.
		r.mu.Unlock()
		return nil
	}
	r.persistRegistryOps(ctx, []crdt.Op{op})

	newPos, perr := decodeMovePosition(op)
	if perr == nil {
		forward, ferr := moveTemplate(crdt.ScopeRegistry, "registry", listID, newPos)
		inverse, ierr := moveTemplate(crdt.ScopeRegistry, "registry", listID, oldPos)
		if ferr == nil && ierr == nil {
			r.recordHistory(history.Entry{
				Scope: "registry", Label: "reorderList",
				ForwardOps: []crdt.Op{forward}, InverseOps: []crdt.Op{inverse},
			})
		}
	}
	r.enqueueOutbox(ctx, op)
	r.mu.Unlock()

	r.publish("")
	return nil
}

// RemoveList tombstones a list's registry entry.
func (r *Repository) RemoveList(ctx context.Context, listID string) error {
	r.mu.Lock()
	if _, ok := r.registry.Get(listID); !ok {
		r.mu.Unlock()
		return errors.Wrapf(apperrors.ErrEntryNotFound, "listId %q", listID)
	}
	op, err := r.registry.RemoveList(listID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.persistRegistryOps(ctx, []crdt.Op{op})
	r.recordHistory(history.Entry{
		Scope: "registry", Label: "removeList",
		ForwardOps: []crdt.Op{removeTemplate(crdt.ScopeRegistry, "registry", listID)},
		InverseOps: []crdt.Op{restoreTemplate(crdt.ScopeRegistry, "registry", listID)},
	})
	r.enqueueOutbox(ctx, op)
	r.mu.Unlock()

	r.publish("")
	return nil
}

// --- task intents ---

// InsertTask inserts a new task into listID and returns its id.
func (r *Repository) InsertTask(ctx context.Context, listID, text, note, afterID, beforeID string) (string, error) {
	r.mu.Lock()
	lst, err := r.requireList(listID)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	id := uuid.NewString()
	op, err := lst.InsertTask(id, text, note, afterID, beforeID)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	r.persistListOps(ctx, listID, lst, []crdt.Op{op})
	r.recordHistory(history.Entry{
		Scope: listID, Label: "insertTask",
		ForwardOps: []crdt.Op{restoreTemplate(crdt.ScopeList, listID, id)},
		InverseOps: []crdt.Op{removeTemplate(crdt.ScopeList, listID, id)},
	})
	r.enqueueOutbox(ctx, op)
	r.mu.Unlock()

	r.publish(listID)
	return id, nil
}

// UpdateTask merges patch onto a task, capturing its full pre-state
// (spec §4.8: "text, done, note ... needed to re-create the prior entry
// exactly") so the inverse can restore every field regardless of which
// ones patch touches.
func (r *Repository) UpdateTask(ctx context.Context, listID, taskID string, patch tasklist.Patch) error {
	r.mu.Lock()
	lst, err := r.requireList(listID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	entry, ok := lst.Get(taskID)
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(apperrors.ErrEntryNotFound, "taskId %q", taskID)
	}
	oldText, oldDone, oldNote := entry.Data.Text, entry.Data.Done, entry.Data.Note

	op, err := lst.UpdateTask(taskID, patch)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.persistListOps(ctx, listID, lst, []crdt.Op{op})

	forward, ferr := updateTemplate(crdt.ScopeList, listID, taskID, patch)
	inverse, ierr := updateTemplate(crdt.ScopeList, listID, taskID, tasklist.Patch{Text: &oldText, Done: &oldDone, Note: &oldNote})
	if ferr == nil && ierr == nil {
		r.recordHistory(history.Entry{
			Scope: listID, Label: "updateTask", CoalesceKey: "updateTask:" + listID + ":" + taskID,
			ForwardOps: []crdt.Op{forward}, InverseOps: []crdt.Op{inverse},
		})
	}
	r.enqueueOutbox(ctx, op)
	r.mu.Unlock()

	r.publish(listID)
	return nil
}

// ToggleTask sets a task's done flag to done.
func (r *Repository) ToggleTask(ctx context.Context, listID, taskID string, done bool) error {
	return r.UpdateTask(ctx, listID, taskID, tasklist.Patch{Done: &done})
}

// RemoveTask tombstones a task.
func (r *Repository) RemoveTask(ctx context.Context, listID, taskID string) error {
	r.mu.Lock()
	lst, err := r.requireList(listID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	op, err := lst.RemoveTask(taskID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.persistListOps(ctx, listID, lst, []crdt.Op{op})
	r.recordHistory(history.Entry{
		Scope: listID, Label: "removeTask",
		ForwardOps: []crdt.Op{removeTemplate(crdt.ScopeList, listID, taskID)},
		InverseOps: []crdt.Op{restoreTemplate(crdt.ScopeList, listID, taskID)},
	})
	r.enqueueOutbox(ctx, op)
	r.mu.Unlock()

	r.publish(listID)
	return nil
}

// MoveTaskWithinList recomputes a task's position within listID.
func (r *Repository) MoveTaskWithinList(ctx context.Context, listID, taskID string, opts crdt.MoveOptions) error {
	r.mu.Lock()
	lst, err := r.requireList(listID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	entry, ok := lst.Get(taskID)
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(apperrors.ErrEntryNotFound, "taskId %q", taskID)
	}
	oldPos := entry.Pos

	op, err := lst.MoveTaskWithin(taskID, opts)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if op.Type == "" {
		r.mu.Unlock()
		return nil
	}
	r.persistListOps(ctx, listID, lst, []crdt.Op{op})

	newPos, perr := decodeMovePosition(op)
	if perr == nil {
		forward, ferr := moveTemplate(crdt.ScopeList, listID, taskID, newPos)
		inverse, ierr := moveTemplate(crdt.ScopeList, listID, taskID, oldPos)
		if ferr == nil && ierr == nil {
			r.recordHistory(history.Entry{
				Scope: listID, Label: "moveTaskWithinList",
				ForwardOps: []crdt.Op{forward}, InverseOps: []crdt.Op{inverse},
			})
		}
	}
	r.enqueueOutbox(ctx, op)
	r.mu.Unlock()

	r.publish(listID)
	return nil
}

// MoveTask moves a task from one list to another, preserving its id, text,
// done and note (spec §4.7: "a remove on the source and an insert on the
// target, persisted independently but recorded in history as one compound
// entry").
func (r *Repository) MoveTask(ctx context.Context, sourceListID, targetListID, taskID string, opts crdt.MoveOptions) error {
	r.mu.Lock()
	src, err := r.requireList(sourceListID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	tgt, err := r.requireList(targetListID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	entry, ok := src.Get(taskID)
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(apperrors.ErrEntryNotFound, "taskId %q", taskID)
	}

	removeOp, err := src.RemoveTask(taskID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	insertOp, err := tgt.InsertTask(taskID, entry.Data.Text, entry.Data.Note, opts.AfterID, opts.BeforeID)
	if err != nil {
		// Roll the source removal back so a failed target insert doesn't
		// silently drop the task.
		_, _ = src.RestoreTask(taskID)
		r.mu.Unlock()
		return err
	}
	var toggleOp crdt.Op
	if entry.Data.Done {
		toggleOp, err = tgt.ToggleTask(taskID, true)
		if err != nil {
			r.mu.Unlock()
			return err
		}
	}

	r.persistListOps(ctx, sourceListID, src, []crdt.Op{removeOp})
	if toggleOp.Type != "" {
		r.persistListOps(ctx, targetListID, tgt, []crdt.Op{insertOp, toggleOp})
	} else {
		r.persistListOps(ctx, targetListID, tgt, []crdt.Op{insertOp})
	}

	r.recordHistory(history.Entry{
		Scope: sourceListID + ">" + targetListID, Label: "moveTask",
		ForwardOps: []crdt.Op{
			removeTemplate(crdt.ScopeList, sourceListID, taskID),
			restoreTemplate(crdt.ScopeList, targetListID, taskID),
		},
		InverseOps: []crdt.Op{
			removeTemplate(crdt.ScopeList, targetListID, taskID),
			restoreTemplate(crdt.ScopeList, sourceListID, taskID),
		},
	})

	r.enqueueOutbox(ctx, removeOp)
	r.enqueueOutbox(ctx, insertOp)
	if toggleOp.Type != "" {
		r.enqueueOutbox(ctx, toggleOp)
	}
	r.mu.Unlock()

	r.publish(sourceListID)
	r.publish(targetListID)
	return nil
}

// --- undo/redo ---

// replayOps applies each template in order, persisting and enqueueing the
// re-stamped op it produces. Must be called with r.mu held.
func (r *Repository) replayOps(ctx context.Context, templates []crdt.Op) (touchedRegistry bool, touchedLists []string, err error) {
	seen := map[string]bool{}
	for _, tmpl := range templates {
		switch tmpl.Scope {
		case crdt.ScopeRegistry:
			applied, rerr := r.registry.Replay(tmpl)
			if rerr != nil {
				err = rerr
				continue
			}
			r.persistRegistryOps(ctx, []crdt.Op{applied})
			r.enqueueOutbox(ctx, applied)
			touchedRegistry = true
		case crdt.ScopeList:
			lst, ok := r.lists[tmpl.ResourceID]
			if !ok {
				continue
			}
			applied, rerr := lst.Replay(tmpl)
			if rerr != nil {
				err = rerr
				continue
			}
			r.persistListOps(ctx, tmpl.ResourceID, lst, []crdt.Op{applied})
			r.enqueueOutbox(ctx, applied)
			if !seen[tmpl.ResourceID] {
				seen[tmpl.ResourceID] = true
				touchedLists = append(touchedLists, tmpl.ResourceID)
			}
		}
	}
	return touchedRegistry, touchedLists, err
}

// Undo pops the most recent history entry and replays its inverse ops
// (spec §4.8). Returns false if there is nothing to undo.
func (r *Repository) Undo(ctx context.Context) (bool, error) {
	r.mu.Lock()
	entry, ok := r.history.Undo()
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	unsuppress := r.history.BeginSuppress()
	touchedRegistry, touchedLists, err := r.replayOps(ctx, entry.InverseOps)
	unsuppress()
	r.mu.Unlock()

	r.publishTouched(touchedRegistry, touchedLists)
	return true, err
}

// Redo pops the most recently undone entry and replays its forward ops.
func (r *Repository) Redo(ctx context.Context) (bool, error) {
	r.mu.Lock()
	entry, ok := r.history.Redo()
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	unsuppress := r.history.BeginSuppress()
	touchedRegistry, touchedLists, err := r.replayOps(ctx, entry.ForwardOps)
	unsuppress()
	r.mu.Unlock()

	r.publishTouched(touchedRegistry, touchedLists)
	return true, err
}

// UndoDepth reports how many entries can currently be undone.
func (r *Repository) UndoDepth() int { return r.history.UndoDepth() }

// RedoDepth reports how many entries can currently be redone.
func (r *Repository) RedoDepth() int { return r.history.RedoDepth() }

// --- remote ops (sync client) ---

// ApplyRemoteOp applies one already-finalized op received from the sync
// server (spec §4.9: "merge ops through applyOperation"), persisting it and
// publishing the result. Unlike replayOps this never re-stamps clock/actor:
// a remote op's identity is already fixed by the peer that generated it.
// A list-scoped op for a listID not yet known locally (e.g. its createList
// registry op hasn't arrived yet) lazily creates the list's CRDT so ops can
// be applied in whatever order the server delivers them.
func (r *Repository) ApplyRemoteOp(ctx context.Context, op crdt.Op) error {
	r.mu.Lock()
	var err error
	listID := ""
	switch op.Scope {
	case crdt.ScopeRegistry:
		if err = r.registry.ApplyOperation(op); err == nil {
			r.persistRegistryOps(ctx, []crdt.Op{op})
		}
	case crdt.ScopeList:
		listID = op.ResourceID
		lst, ok := r.lists[listID]
		if !ok {
			lst = tasklist.New(listID, r.actor)
			r.lists[listID] = lst
		}
		if err = lst.ApplyOperation(op); err == nil {
			r.persistListOps(ctx, listID, lst, []crdt.Op{op})
		}
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.publish(listID)
	return nil
}

// ApplyRemoteOps applies each op in order, skipping and logging any that
// fail rather than aborting the merge (spec §7 DecodeError: "skipped with a
// diagnostic, never crashes replay").
func (r *Repository) ApplyRemoteOps(ctx context.Context, ops []crdt.Op) {
	for _, op := range ops {
		if err := r.ApplyRemoteOp(ctx, op); err != nil {
			r.logger.Warn("dropping unapplyable remote operation", map[string]interface{}{"error": err.Error()})
		}
	}
}

// --- snapshot import/export ---

// ExportSnapshotData returns the full exportable state of the repository
// (spec §6 snapshot envelope).
func (r *Repository) ExportSnapshotData() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := SnapshotData{Registry: r.registry.ExportState()}
	for id, lst := range r.lists {
		data.Lists = append(data.Lists, SnapshotList{ListID: id, State: lst.ExportState()})
	}
	sort.Slice(data.Lists, func(i, j int) bool { return data.Lists[i].ListID < data.Lists[j].ListID })
	return Snapshot{Schema: SnapshotSchema, ExportedAt: r.now().UTC().Format(time.RFC3339), Data: data}
}

// ReplaceWithSnapshot atomically replaces the repository's entire state
// (spec §4.9: used on generation mismatch and on explicit import/reset).
// This bypasses outbox enqueueing: the snapshot is either the server's own
// authoritative state (bootstrap/push-reject path) or a deliberate local
// replace, neither of which should be re-pushed as a fresh mutation.
func (r *Repository) ReplaceWithSnapshot(ctx context.Context, snap Snapshot) error {
	r.mu.Lock()
	previousListIDs := make([]string, 0, len(r.lists))
	for id := range r.lists {
		previousListIDs = append(previousListIDs, id)
	}

	r.registry = registry.New(r.actor)
	r.registry.ResetFromState(snap.Data.Registry)

	lists := make(map[string]*tasklist.TaskList, len(snap.Data.Lists))
	for _, ls := range snap.Data.Lists {
		lst := tasklist.New(ls.ListID, r.actor)
		lst.ResetFromState(ls.State)
		lists[ls.ListID] = lst
	}
	r.lists = lists
	r.history = history.New()
	r.opCounts = make(map[string]int)

	regBlob, err := json.Marshal(r.registry.ExportState())
	if err != nil {
		r.handleStorageErr(errors.Wrap(apperrors.ErrStorageError, err.Error()))
	} else {
		r.handleStorageErr(r.store.PersistRegistryOperations(ctx, nil, &storage.ListSnapshot{Clock: r.registry.ClockValue(), Blob: regBlob}))
	}
	for id, lst := range lists {
		blob, err := json.Marshal(lst.ExportState())
		if err != nil {
			r.handleStorageErr(errors.Wrap(apperrors.ErrStorageError, err.Error()))
			continue
		}
		r.handleStorageErr(r.store.PersistListOperations(ctx, id, nil, &storage.ListSnapshot{Clock: lst.ClockValue(), Blob: blob}))
	}
	for _, id := range previousListIDs {
		if _, ok := lists[id]; !ok {
			r.handleStorageErr(r.store.DeleteList(ctx, id))
		}
	}
	r.mu.Unlock()

	r.publish("")
	return nil
}

// --- read accessors ---

func (r *Repository) currentRegistryView() RegistryView {
	return RegistryView{Lists: r.registry.Lists()}
}

func (r *Repository) currentListView(listID string) (ListView, bool) {
	lst, ok := r.lists[listID]
	if !ok {
		return ListView{}, false
	}
	return ListView{ListID: listID, Title: lst.Title(), Tasks: lst.Tasks()}, true
}

func (r *Repository) currentGlobalView() GlobalView {
	g := GlobalView{Registry: r.currentRegistryView(), Lists: make(map[string]ListView, len(r.lists))}
	for id, lst := range r.lists {
		g.Lists[id] = ListView{ListID: id, Title: lst.Title(), Tasks: lst.Tasks()}
	}
	return g
}

// RegistryView returns the current registry projection.
func (r *Repository) RegistryView() RegistryView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentRegistryView()
}

// ListView returns the current projection of listID.
func (r *Repository) ListView(listID string) (ListView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentListView(listID)
}

// --- subscriptions ---

// bus is a minimal topic holding subscriber handles (design note, spec
// §9: "model as a topic bus ... avoid capturing mutable references into
// handlers; each emission carries a freshly projected state value").
type bus[T any] struct {
	mu       sync.Mutex
	handlers map[int]func(T)
	next     int
}

func newBus[T any]() *bus[T] { return &bus[T]{handlers: make(map[int]func(T))} }

func (b *bus[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish invokes every handler with a snapshot of the handler set taken
// under lock, but calls handlers outside the lock so a handler may
// subscribe or unsubscribe without deadlocking. A panicking handler is
// recovered and logged so it never aborts fan-out to the rest (spec §4.7:
// "listeners that raise must not abort the fan-out to other listeners").
func (b *bus[T]) Publish(v T, logger observability.Logger) {
	b.mu.Lock()
	fns := make([]func(T), 0, len(b.handlers))
	for _, fn := range b.handlers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("subscriber panicked", map[string]interface{}{"panic": p})
				}
			}()
			fn(v)
		}()
	}
}

func (r *Repository) listBus(listID string) *bus[ListView] {
	r.busMu.Lock()
	defer r.busMu.Unlock()
	b, ok := r.listBuses[listID]
	if !ok {
		b = newBus[ListView]()
		r.listBuses[listID] = b
	}
	return b
}

// publish projects current state and fans it out to the global bus plus
// either the registry bus (listID == "": a registry-only intent) or the
// named list's bus, per the "global, per-registry, and per-list" fan-out
// (spec §4.7). Must be called without r.mu held.
func (r *Repository) publish(listID string) {
	r.mu.Lock()
	var regView RegistryView
	var listView ListView
	hasList := false
	if listID == "" {
		regView = r.currentRegistryView()
	} else {
		listView, hasList = r.currentListView(listID)
	}
	global := r.currentGlobalView()
	r.mu.Unlock()

	if listID == "" {
		r.registryBus.Publish(regView, r.logger)
	} else if hasList {
		r.listBus(listID).Publish(listView, r.logger)
	}
	r.globalBus.Publish(global, r.logger)
}

func (r *Repository) publishTouched(touchedRegistry bool, touchedLists []string) {
	if touchedRegistry {
		r.publish("")
	}
	for _, id := range touchedLists {
		r.publish(id)
	}
}

// SubscribeGlobal registers fn for every mutation across the repository.
func (r *Repository) SubscribeGlobal(fn func(GlobalView)) func() { return r.globalBus.Subscribe(fn) }

// SubscribeRegistry registers fn for registry-only mutations.
func (r *Repository) SubscribeRegistry(fn func(RegistryView)) func() {
	return r.registryBus.Subscribe(fn)
}

// SubscribeList registers fn for mutations to one list.
func (r *Repository) SubscribeList(listID string, fn func(ListView)) func() {
	return r.listBus(listID).Subscribe(fn)
}
