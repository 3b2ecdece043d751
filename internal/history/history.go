// Package history implements the undo/redo manager (spec §4.8): two stacks
// of entries carrying both the forward and the synthesized inverse ops for
// one intent, with coalescing of rapid same-field edits and a suppression
// counter so replaying an undo/redo never re-records itself.
//
// Grounded on the teacher's pkg/collaboration/state_crdt.go operation log
// (its StateOperation append-log), adapted into two stacks of entries with
// coalesce-by-key, as DESIGN.md's grounding table records; the teacher
// itself has no undo manager.
package history

import (
	"sync"
	"time"

	"github.com/aggregat4/tasklist-sync/internal/crdt"
)

// DefaultCoalesceWindow is the default Δtime under which two entries
// sharing a CoalesceKey and Scope are merged into one undo step (spec §4.8).
const DefaultCoalesceWindow = 1000 * time.Millisecond

// Entry is one undoable intent.
type Entry struct {
	Scope       string
	ForwardOps  []crdt.Op
	InverseOps  []crdt.Op
	Label       string
	Actor       string
	CoalesceKey string
	Timestamp   time.Time
}

// Manager holds the undo/redo stacks for one repository instance.
type Manager struct {
	mu             sync.Mutex
	undo           []Entry
	redo           []Entry
	coalesceWindow time.Duration
	suppressed     int
}

// New constructs an empty Manager using DefaultCoalesceWindow.
func New() *Manager {
	return &Manager{coalesceWindow: DefaultCoalesceWindow}
}

// WithCoalesceWindow overrides the coalescing window (tests use a shorter
// one to avoid real-time sleeps).
func (m *Manager) WithCoalesceWindow(d time.Duration) *Manager {
	m.coalesceWindow = d
	return m
}

// BeginSuppress marks the start of an undo/redo replay; the returned func
// must be called (typically deferred) to end suppression. Counter-based so
// nested suppressions (a compound entry replaying two ops) are safe.
func (m *Manager) BeginSuppress() func() {
	m.mu.Lock()
	m.suppressed++
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.suppressed--
		m.mu.Unlock()
	}
}

// Suppressed reports whether history recording is currently suppressed
// (i.e. the repository is replaying an undo/redo and must not re-record it).
func (m *Manager) Suppressed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suppressed > 0
}

// Record pushes entry onto the undo stack, clearing the redo stack, unless
// it coalesces with the current top entry (same scope, same non-empty
// CoalesceKey, within the coalescing window) — in which case the top
// entry's forward ops are replaced while its original inverse ops are kept,
// so one undo still restores the state from before the whole coalesced run.
func (m *Manager) Record(entry Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.redo = m.redo[:0]

	if n := len(m.undo); n > 0 {
		top := m.undo[n-1]
		if entry.CoalesceKey != "" && top.CoalesceKey == entry.CoalesceKey &&
			top.Scope == entry.Scope && entry.Timestamp.Sub(top.Timestamp) < m.coalesceWindow {
			top.ForwardOps = entry.ForwardOps
			top.Timestamp = entry.Timestamp
			top.Label = entry.Label
			m.undo[n-1] = top
			return
		}
	}
	m.undo = append(m.undo, entry)
}

// Undo pops the top undo entry onto the redo stack and returns its inverse
// ops for the caller to replay (under suppression).
func (m *Manager) Undo() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.undo)
	if n == 0 {
		return Entry{}, false
	}
	entry := m.undo[n-1]
	m.undo = m.undo[:n-1]
	m.redo = append(m.redo, entry)
	return entry, true
}

// Redo pops the top redo entry back onto the undo stack and returns its
// forward ops for the caller to replay (under suppression).
func (m *Manager) Redo() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.redo)
	if n == 0 {
		return Entry{}, false
	}
	entry := m.redo[n-1]
	m.redo = m.redo[:n-1]
	m.undo = append(m.undo, entry)
	return entry, true
}

// UndoDepth and RedoDepth expose stack sizes, mainly for tests asserting P8.
func (m *Manager) UndoDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo)
}

func (m *Manager) RedoDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo)
}
