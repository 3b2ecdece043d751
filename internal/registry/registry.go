// Package registry implements the lists registry CRDT (spec §4.4): a
// specialization of internal/crdt's ordered set whose payload is a single
// list title.
package registry

import (
	"github.com/aggregat4/tasklist-sync/internal/crdt"
)

// Data is the registry entry payload (I6): one list's title.
type Data struct {
	Title string `json:"title"`
}

// Patch is the partial-update shape for renameList; nil fields are left
// untouched (I6: unknown/absent fields are ignored on decode).
type Patch struct {
	Title *string `json:"title,omitempty"`
}

func merge(cur Data, patch Patch) Data {
	if patch.Title != nil {
		cur.Title = *patch.Title
	}
	return cur
}

// Entry is one registered list: its id and title, in registry order.
type Entry = crdt.Entry[Data]

// State is the registry's exportState()/resetFromState() snapshot shape.
type State = crdt.State[Data]

// Registry is the lists registry CRDT for one installation.
type Registry struct {
	set *crdt.OrderedSet[Data, Patch]
}

// New constructs an empty Registry owned by actor.
func New(actor string) *Registry {
	return &Registry{set: crdt.New[Data, Patch](crdt.ScopeRegistry, "registry", actor, merge)}
}

// CreateList is an insert whose payload is {title} (spec §4.4).
func (r *Registry) CreateList(id, title, afterID string) (crdt.Op, error) {
	return r.set.GenerateInsert(crdt.InsertOptions[Data]{ID: id, Data: Data{Title: title}, AfterID: afterID})
}

// RenameList updates a list's title.
func (r *Registry) RenameList(listID, title string) (crdt.Op, error) {
	return r.set.GenerateUpdate(listID, Patch{Title: &title})
}

// ReorderList is a move of a list's registry entry.
func (r *Registry) ReorderList(listID string, opts crdt.MoveOptions) (crdt.Op, error) {
	return r.set.GenerateMove(listID, opts)
}

// RemoveList tombstones a list's registry entry.
func (r *Registry) RemoveList(listID string) (crdt.Op, error) {
	return r.set.GenerateRemove(listID)
}

// RestoreList clears a list's tombstone, undoing a prior RemoveList.
func (r *Registry) RestoreList(listID string) (crdt.Op, error) {
	return r.set.GenerateRestore(listID)
}

// Replay re-stamps and applies an op template produced by the history
// manager for an undo/redo step.
func (r *Registry) Replay(op crdt.Op) (crdt.Op, error) {
	return r.set.Replay(op)
}

// ApplyOperation applies a (possibly remote) registry op.
func (r *Registry) ApplyOperation(op crdt.Op) error {
	return r.set.ApplyOperation(op)
}

// Lists returns the live lists in registry order.
func (r *Registry) Lists() []Entry {
	return r.set.ToVisibleList()
}

// Get returns the registry entry for listID, including tombstones.
func (r *Registry) Get(listID string) (Entry, bool) {
	return r.set.Get(listID)
}

// ExportState returns the registry's current snapshot.
func (r *Registry) ExportState() State {
	return r.set.ExportState()
}

// ResetFromState atomically replaces the registry's state.
func (r *Registry) ResetFromState(state State) {
	r.set.ResetFromState(state)
}

// ClockValue exposes the registry's current logical clock value.
func (r *Registry) ClockValue() int64 {
	return r.set.Clock().Value()
}
