package registry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateRenameRemoveList(t *testing.T) {
	r := New("actor-a")
	createOp, err := r.CreateList("list-1", "Groceries", "")
	require.NoError(t, err)
	require.Equal(t, "registry", string(createOp.Scope))

	_, err = r.RenameList("list-1", "Groceries v2")
	require.NoError(t, err)

	lists := r.Lists()
	require.Len(t, lists, 1)
	require.Equal(t, "Groceries v2", lists[0].Data.Title)

	_, err = r.RemoveList("list-1")
	require.NoError(t, err)
	require.Empty(t, r.Lists())

	_, stillThere := r.Get("list-1")
	require.True(t, stillThere, "tombstoned entries remain addressable, just invisible")
}

func TestRegistryConvergesForConcurrentRenames(t *testing.T) {
	a := New("a")
	createOp, err := a.CreateList("list-1", "Groceries", "")
	require.NoError(t, err)

	// Two concurrent renames racing from different actors at the same
	// clock value; the higher actor must win regardless of apply order.
	loRename := createOp
	loRename.Type = "update"
	loRename.Actor = "a"
	loRename.Clock = 2
	loRename.ItemID = "list-1"
	loRename.Payload = mustEncodeTitle(t, "from-a")

	hiRename := loRename
	hiRename.Actor = "z"
	hiRename.Payload = mustEncodeTitle(t, "from-z")

	order1 := New("r1")
	require.NoError(t, order1.ApplyOperation(createOp))
	require.NoError(t, order1.ApplyOperation(loRename))
	require.NoError(t, order1.ApplyOperation(hiRename))

	order2 := New("r2")
	require.NoError(t, order2.ApplyOperation(createOp))
	require.NoError(t, order2.ApplyOperation(hiRename))
	require.NoError(t, order2.ApplyOperation(loRename))

	require.Equal(t, order1.Lists(), order2.Lists())
	require.Equal(t, "from-z", order1.Lists()[0].Data.Title)
}

func TestRestoreListUndoesRemove(t *testing.T) {
	r := New("a")
	_, err := r.CreateList("list-1", "Groceries", "")
	require.NoError(t, err)
	_, err = r.RemoveList("list-1")
	require.NoError(t, err)
	require.Empty(t, r.Lists())

	_, err = r.RestoreList("list-1")
	require.NoError(t, err)
	lists := r.Lists()
	require.Len(t, lists, 1)
	require.Equal(t, "Groceries", lists[0].Data.Title)
}

func TestReplayRenamesAgainstIntervingOp(t *testing.T) {
	r := New("a")
	_, err := r.CreateList("list-1", "Groceries", "")
	require.NoError(t, err)

	renameTemplate, err := r.RenameList("list-1", "undo-target")
	require.NoError(t, err)

	// An intervening remote rename lands after our own, at a higher clock.
	remote := renameTemplate
	remote.Actor = "z"
	remote.Clock = r.ClockValue() + 10
	remote.Payload = mustEncodeTitle(t, "remote-wins")
	require.NoError(t, r.ApplyOperation(remote))
	require.Equal(t, "remote-wins", r.Lists()[0].Data.Title)

	// Replaying the (now stale-clocked) template must still win, because
	// Replay re-stamps a fresh, higher clock rather than reusing the one
	// captured when the template was built.
	_, err = r.Replay(renameTemplate)
	require.NoError(t, err)
	require.Equal(t, "undo-target", r.Lists()[0].Data.Title)
}

func mustEncodeTitle(t *testing.T, title string) []byte {
	t.Helper()
	b, err := json.Marshal(struct {
		Patch Patch `json:"patch"`
	}{Patch: Patch{Title: &title}})
	require.NoError(t, err)
	return b
}
