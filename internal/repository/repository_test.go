package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aggregat4/tasklist-sync/internal/apperrors"
	"github.com/aggregat4/tasklist-sync/internal/crdt"
	"github.com/aggregat4/tasklist-sync/internal/storage"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	repo, err := New(ctx, store, "actor-a")
	require.NoError(t, err)
	return repo
}

func TestCreateListInsertTaskAndSubscriptions(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	var globalSeen, registrySeen, listSeen int
	repo.SubscribeGlobal(func(GlobalView) { globalSeen++ })
	repo.SubscribeRegistry(func(RegistryView) { registrySeen++ })

	listID, err := repo.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	require.NotEmpty(t, listID)

	repo.SubscribeList(listID, func(ListView) { listSeen++ })

	taskID, err := repo.InsertTask(ctx, listID, "Milk", "", "", "")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	view, ok := repo.ListView(listID)
	require.True(t, ok)
	require.Len(t, view.Tasks, 1)
	require.Equal(t, "Milk", view.Tasks[0].Data.Text)

	require.Equal(t, 2, globalSeen)   // createList, insertTask
	require.Equal(t, 1, registrySeen) // only createList touches the registry
	require.Equal(t, 1, listSeen)     // subscribed after createList, before insertTask
}

func TestUndoRedoAcrossIntents(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	listID, err := repo.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	taskID, err := repo.InsertTask(ctx, listID, "Milk", "", "", "")
	require.NoError(t, err)
	require.NoError(t, repo.ToggleTask(ctx, listID, taskID, true))

	view, _ := repo.ListView(listID)
	require.True(t, view.Tasks[0].Data.Done)

	ok, err := repo.Undo(ctx) // undo toggle
	require.NoError(t, err)
	require.True(t, ok)
	view, _ = repo.ListView(listID)
	require.False(t, view.Tasks[0].Data.Done)

	ok, err = repo.Undo(ctx) // undo insertTask
	require.NoError(t, err)
	require.True(t, ok)
	view, _ = repo.ListView(listID)
	require.Empty(t, view.Tasks)

	ok, err = repo.Undo(ctx) // undo createList
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, repo.RegistryView().Lists)

	ok, err = repo.Redo(ctx) // redo createList
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, repo.RegistryView().Lists, 1)

	ok, err = repo.Redo(ctx) // redo insertTask
	require.NoError(t, err)
	require.True(t, ok)
	view, _ = repo.ListView(listID)
	require.Len(t, view.Tasks, 1)

	ok, err = repo.Redo(ctx) // redo toggle
	require.NoError(t, err)
	require.True(t, ok)
	view, _ = repo.ListView(listID)
	require.True(t, view.Tasks[0].Data.Done)

	ok, err = repo.Redo(ctx)
	require.NoError(t, err)
	require.False(t, ok, "nothing left to redo")
}

func TestRecordingSuppressedDuringUndoRedo(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	listID, err := repo.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	require.Equal(t, 1, repo.UndoDepth())

	ok, err := repo.Undo(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, repo.UndoDepth())
	require.Equal(t, 1, repo.RedoDepth())

	ok, err = repo.Redo(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	// Redoing must not push a fresh entry onto the undo stack beyond the
	// one entry that was there originally.
	require.Equal(t, 1, repo.UndoDepth())
	require.Equal(t, 0, repo.RedoDepth())
}

func TestMoveTaskBetweenListsIsOneCompoundUndo(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	sourceID, err := repo.CreateList(ctx, "Source", "")
	require.NoError(t, err)
	targetID, err := repo.CreateList(ctx, "Target", "")
	require.NoError(t, err)
	taskID, err := repo.InsertTask(ctx, sourceID, "Milk", "", "", "")
	require.NoError(t, err)
	require.NoError(t, repo.ToggleTask(ctx, sourceID, taskID, true))

	require.NoError(t, repo.MoveTask(ctx, sourceID, targetID, taskID, crdt.MoveOptions{}))

	srcView, _ := repo.ListView(sourceID)
	tgtView, _ := repo.ListView(targetID)
	require.Empty(t, srcView.Tasks)
	require.Len(t, tgtView.Tasks, 1)
	require.True(t, tgtView.Tasks[0].Data.Done, "done state is preserved across the move")

	ok, err := repo.Undo(ctx) // one undo reverts the whole move
	require.NoError(t, err)
	require.True(t, ok)

	srcView, _ = repo.ListView(sourceID)
	tgtView, _ = repo.ListView(targetID)
	require.Len(t, srcView.Tasks, 1)
	require.Empty(t, tgtView.Tasks)
	require.True(t, srcView.Tasks[0].Data.Done)

	ok, err = repo.Redo(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	srcView, _ = repo.ListView(sourceID)
	tgtView, _ = repo.ListView(targetID)
	require.Empty(t, srcView.Tasks)
	require.Len(t, tgtView.Tasks, 1)
}

func TestSnapshotExportAndReplace(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	listID, err := repo.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	_, err = repo.InsertTask(ctx, listID, "Milk", "", "", "")
	require.NoError(t, err)

	snap := repo.ExportSnapshotData()
	require.Equal(t, SnapshotSchema, snap.Schema)
	require.Len(t, snap.Data.Lists, 1)

	fresh := newTestRepository(t)
	require.NoError(t, fresh.ReplaceWithSnapshot(ctx, snap))
	require.Equal(t, repo.RegistryView().Lists, fresh.RegistryView().Lists)
	view, ok := fresh.ListView(listID)
	require.True(t, ok)
	require.Len(t, view.Tasks, 1)
	require.Equal(t, "Milk", view.Tasks[0].Data.Text)
}

func TestHydrationRestoresStateAcrossRepositoryInstances(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	repo, err := New(ctx, store, "actor-a")
	require.NoError(t, err)
	listID, err := repo.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	_, err = repo.InsertTask(ctx, listID, "Milk", "", "", "")
	require.NoError(t, err)

	reopened, err := New(ctx, store, "actor-a")
	require.NoError(t, err)
	view, ok := reopened.ListView(listID)
	require.True(t, ok)
	require.Len(t, view.Tasks, 1)
	require.Equal(t, "Milk", view.Tasks[0].Data.Text)
}

func TestInsertTaskOnUnknownListIsEntryNotFound(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	_, err := repo.InsertTask(ctx, "does-not-exist", "Milk", "", "", "")
	require.ErrorIs(t, err, apperrors.ErrEntryNotFound)
}

func TestApplyRemoteOpsLazilyCreatesListAndMerges(t *testing.T) {
	ctx := context.Background()
	local := newTestRepository(t)
	remote := newTestRepository(t)

	listID, err := remote.CreateList(ctx, "Groceries", "")
	require.NoError(t, err)
	taskID, err := remote.InsertTask(ctx, listID, "Milk", "", "", "")
	require.NoError(t, err)

	snap := remote.ExportSnapshotData()
	var registryOps, listOps []crdt.Op
	_ = snap // the snapshot path is exercised elsewhere; here we replay raw ops

	// Re-derive the two ops remote actually generated by reading them back
	// off of its own storage-backed outbox, the same source a real sync
	// client would push from.
	entries, err := remote.store.LoadOutbox(ctx)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Op.Scope == crdt.ScopeRegistry {
			registryOps = append(registryOps, e.Op)
		} else {
			listOps = append(listOps, e.Op)
		}
	}
	require.NotEmpty(t, registryOps)
	require.NotEmpty(t, listOps)

	var globalSeen int
	local.SubscribeGlobal(func(GlobalView) { globalSeen++ })

	local.ApplyRemoteOps(ctx, registryOps)
	local.ApplyRemoteOps(ctx, listOps)

	require.Len(t, local.RegistryView().Lists, 1)
	view, ok := local.ListView(listID)
	require.True(t, ok, "list is lazily created from a list-scoped remote op")
	require.Len(t, view.Tasks, 1)
	require.Equal(t, taskID, view.Tasks[0].ID)
	require.Equal(t, "Milk", view.Tasks[0].Data.Text)
	require.Equal(t, len(registryOps)+len(listOps), globalSeen)
}
