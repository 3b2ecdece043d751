// Package tasklist implements the per-list task CRDT (spec §4.5): a
// specialization of internal/crdt's ordered set whose payload is
// {text, done, note}, plus a list-level title carried as a separate LWW
// scalar outside the ordered set (spec §4.4/§4.5: "rename is an LWW scalar
// separate from entries").
package tasklist

import (
	"encoding/json"

	"github.com/aggregat4/tasklist-sync/internal/crdt"
)

// Data is one task's payload (I6).
type Data struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
	Note string `json:"note"`
}

// Patch is the partial-update shape for updateTask/toggleTask; nil fields
// are left untouched.
type Patch struct {
	Text *string `json:"text,omitempty"`
	Done *bool   `json:"done,omitempty"`
	Note *string `json:"note,omitempty"`
}

func merge(cur Data, patch Patch) Data {
	if patch.Text != nil {
		cur.Text = *patch.Text
	}
	if patch.Done != nil {
		cur.Done = *patch.Done
	}
	if patch.Note != nil {
		cur.Note = *patch.Note
	}
	return cur
}

// Entry is one task in the list.
type Entry = crdt.Entry[Data]

// TasksState is the ordered-set portion of the list's snapshot.
type TasksState = crdt.State[Data]

// renameTitlePayload is the payload carried by a renameTitle op (spec §3).
type renameTitlePayload struct {
	Title string `json:"title"`
}

// State is the full exportState()/resetFromState() shape for one list:
// the task entries plus the list-level title and its LWW timestamp.
type State struct {
	Tasks          TasksState `json:"tasks"`
	Title          string     `json:"title"`
	TitleUpdatedAt int64      `json:"titleUpdatedAt"`
	TitleUpdatedBy string     `json:"titleUpdatedBy"`
}

// TaskList is the CRDT for one list's tasks plus its title.
type TaskList struct {
	id             string
	actor          string
	set            *crdt.OrderedSet[Data, Patch]
	title          string
	titleUpdatedAt int64
	titleUpdatedBy string
}

// New constructs an empty TaskList for listID, owned by actor.
func New(listID, actor string) *TaskList {
	return &TaskList{
		id:    listID,
		actor: actor,
		set:   crdt.New[Data, Patch](crdt.ScopeList, listID, actor, merge),
	}
}

// InsertTask is an insert whose payload is {text, done, note}.
func (l *TaskList) InsertTask(id, text, note string, afterID, beforeID string) (crdt.Op, error) {
	return l.set.GenerateInsert(crdt.InsertOptions[Data]{
		ID: id, Data: Data{Text: text, Note: note},
		AfterID: afterID, BeforeID: beforeID,
	})
}

// UpdateTask merges a partial change onto a task's data.
func (l *TaskList) UpdateTask(id string, patch Patch) (crdt.Op, error) {
	return l.set.GenerateUpdate(id, patch)
}

// ToggleTask flips a task's done flag to the given value.
func (l *TaskList) ToggleTask(id string, done bool) (crdt.Op, error) {
	return l.set.GenerateUpdate(id, Patch{Done: &done})
}

// RemoveTask tombstones a task.
func (l *TaskList) RemoveTask(id string) (crdt.Op, error) {
	return l.set.GenerateRemove(id)
}

// RestoreTask clears a task's tombstone, undoing a prior RemoveTask.
func (l *TaskList) RestoreTask(id string) (crdt.Op, error) {
	return l.set.GenerateRestore(id)
}

// Replay re-stamps and applies an op template produced by the history
// manager for an undo/redo step. renameTitle is handled separately since
// the title is not an ordered-set entry.
func (l *TaskList) Replay(op crdt.Op) (crdt.Op, error) {
	if op.Type != crdt.OpRenameTitle {
		return l.set.Replay(op)
	}
	var payload renameTitlePayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return crdt.Op{}, err
	}
	return l.RenameTitle(payload.Title), nil
}

// MoveTaskWithin recomputes a task's position within this list.
func (l *TaskList) MoveTaskWithin(id string, opts crdt.MoveOptions) (crdt.Op, error) {
	return l.set.GenerateMove(id, opts)
}

// RenameTitle updates the list-level title using the same (clock, actor)
// LWW rule as any data field (I4), but keyed on its own timestamp so it
// never interferes with per-task field resolution.
func (l *TaskList) RenameTitle(title string) crdt.Op {
	clock := l.set.Clock()
	c := clock.Next()
	payload, _ := json.Marshal(renameTitlePayload{Title: title})
	op := crdt.Op{
		Type:       crdt.OpRenameTitle,
		Scope:      crdt.ScopeList,
		ResourceID: l.id,
		Actor:      l.actor,
		Clock:      c,
		Payload:    payload,
	}
	l.title = title
	l.titleUpdatedAt = c
	l.titleUpdatedBy = l.actor
	return op
}

// Title returns the list's current title.
func (l *TaskList) Title() string { return l.title }

// ApplyOperation applies a (possibly remote) task or renameTitle op.
func (l *TaskList) ApplyOperation(op crdt.Op) error {
	if op.Type != crdt.OpRenameTitle {
		return l.set.ApplyOperation(op)
	}
	l.set.Clock().Observe(op.Clock)
	// Title tie-break (SPEC_FULL §5, decision 1): ties also break on actor,
	// for consistency with every other LWW field in the system.
	if op.Clock < l.titleUpdatedAt {
		return nil
	}
	if op.Clock == l.titleUpdatedAt && op.Actor <= l.titleUpdatedBy {
		return nil
	}
	var payload renameTitlePayload
	if err := json.Unmarshal(op.Payload, &payload); err != nil {
		return err
	}
	l.title = payload.Title
	l.titleUpdatedAt = op.Clock
	l.titleUpdatedBy = op.Actor
	return nil
}

// Tasks returns the live tasks in pos order.
func (l *TaskList) Tasks() []Entry {
	return l.set.ToVisibleList()
}

// Get returns the task entry for id, including tombstones.
func (l *TaskList) Get(id string) (Entry, bool) {
	return l.set.Get(id)
}

// ExportState returns the list's full snapshot (tasks + title).
func (l *TaskList) ExportState() State {
	return State{
		Tasks:          l.set.ExportState(),
		Title:          l.title,
		TitleUpdatedAt: l.titleUpdatedAt,
		TitleUpdatedBy: l.titleUpdatedBy,
	}
}

// ResetFromState atomically replaces this list's full state.
func (l *TaskList) ResetFromState(state State) {
	l.set.ResetFromState(state.Tasks)
	l.title = state.Title
	l.titleUpdatedAt = state.TitleUpdatedAt
	l.titleUpdatedBy = state.TitleUpdatedBy
}

// ClockValue exposes the list's current logical clock value.
func (l *TaskList) ClockValue() int64 {
	return l.set.Clock().Value()
}
