package crdt

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/aggregat4/tasklist-sync/internal/apperrors"
	"github.com/aggregat4/tasklist-sync/internal/clock"
	"github.com/aggregat4/tasklist-sync/internal/position"
)

// Entry is one member of the ordered set (spec §3). D is the application
// payload: registry.Data{Title} for the lists registry, tasklist.Data for a
// task list.
type Entry[D any] struct {
	ID           string            `json:"id"`
	Pos          position.Position `json:"pos"`
	Data         D                 `json:"data"`
	CreatedAt    int64             `json:"createdAt"`
	UpdatedAt    int64             `json:"updatedAt"`
	UpdatedBy    string            `json:"updatedBy"`
	PosUpdatedAt int64             `json:"posUpdatedAt"`
	PosUpdatedBy string            `json:"posUpdatedBy"`
	DeletedAt    *int64            `json:"deletedAt,omitempty"`
	DeletedBy    string            `json:"deletedBy,omitempty"`
}

// Live reports whether the entry has not been tombstoned.
func (e Entry[D]) Live() bool { return e.DeletedAt == nil }

func (e Entry[D]) clone() Entry[D] {
	c := e
	c.Pos = e.Pos.Clone()
	if e.DeletedAt != nil {
		d := *e.DeletedAt
		c.DeletedAt = &d
	}
	return c
}

// State is the exportState()/resetFromState() snapshot shape (spec §4.3):
// entries sorted by pos, tombstones included, for reconciliation across
// generations not yet compacted.
type State[D any] struct {
	Clock   int64       `json:"clock"`
	Entries []Entry[D]  `json:"entries"`
}

// Merger merges a decoded update patch onto an existing data value. Each
// specialization (registry, task list) supplies its own.
type Merger[D any, P any] func(current D, patch P) D

// InsertOptions describes where to place a new entry. Exactly one of
// AfterID, BeforeID or Position should be set; all zero means "append at
// the end" (both bounds open).
type InsertOptions[D any] struct {
	ID       string
	Data     D
	AfterID  string
	BeforeID string
	Position position.Position
}

// MoveOptions mirrors InsertOptions for generateMove.
type MoveOptions struct {
	AfterID  string
	BeforeID string
	Position position.Position
}

// OrderedSet is the generic ordered-set CRDT (spec §4.3), parameterized by
// its full data type D and its update-patch type P.
type OrderedSet[D any, P any] struct {
	mu         sync.Mutex
	scope      Scope
	resourceID string
	actor      string
	clock      *clock.Clock
	entries    map[string]*Entry[D]
	merge      Merger[D, P]
}

// New constructs an empty OrderedSet owned by actor.
func New[D any, P any](scope Scope, resourceID, actor string, merge Merger[D, P]) *OrderedSet[D, P] {
	return &OrderedSet[D, P]{
		scope:      scope,
		resourceID: resourceID,
		actor:      actor,
		clock:      clock.New(actor),
		entries:    make(map[string]*Entry[D]),
		merge:      merge,
	}
}

// Clock exposes the underlying logical clock, mainly for tests and for the
// list-level title LWW field layered on top in internal/tasklist.
func (s *OrderedSet[D, P]) Clock() *clock.Clock { return s.clock }

func (s *OrderedSet[D, P]) resolvePosition(afterID, beforeID string, explicit position.Position) (position.Position, error) {
	if explicit != nil {
		return explicit, nil
	}
	var left, right position.Position
	if afterID != "" {
		e, ok := s.entries[afterID]
		if !ok {
			return nil, errors.Wrapf(apperrors.ErrEntryNotFound, "afterId %q", afterID)
		}
		left = e.Pos
	}
	if beforeID != "" {
		e, ok := s.entries[beforeID]
		if !ok {
			return nil, errors.Wrapf(apperrors.ErrEntryNotFound, "beforeId %q", beforeID)
		}
		right = e.Pos
	}
	if afterID == "" && beforeID == "" {
		// No neighbour hint at all: append after the current last entry.
		bounds := s.liveSortedLocked()
		if len(bounds) > 0 {
			left = bounds[len(bounds)-1].Pos
		}
	}
	return position.Generate(left, right, s.actor)
}

// GenerateInsert allocates an id (caller-supplied in opts.ID, else a fresh
// UUID), computes its position from the supplied neighbour hints, stamps
// the op with (clock, actor), applies it locally and returns it.
func (s *OrderedSet[D, P]) GenerateInsert(opts InsertOptions[D]) (Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.entries[id]; exists {
		return Op{}, errors.Wrapf(apperrors.ErrDuplicateID, "id %q", id)
	}

	pos, err := s.resolvePosition(opts.AfterID, opts.BeforeID, opts.Position)
	if err != nil {
		return Op{}, err
	}

	c := s.clock.Next()
	payload, err := encodePayload(InsertPayload[D]{Position: pos, Data: opts.Data})
	if err != nil {
		return Op{}, errors.Wrap(err, "encode insert payload")
	}
	op := Op{
		Type:       OpInsert,
		Scope:      s.scope,
		ResourceID: s.resourceID,
		ItemID:     id,
		Actor:      s.actor,
		Clock:      c,
		Payload:    payload,
	}
	if err := s.applyInsertLocked(op, pos, opts.Data); err != nil {
		return Op{}, err
	}
	return op, nil
}

// GenerateUpdate merges patch onto the entry's data and stamps the result.
func (s *OrderedSet[D, P]) GenerateUpdate(id string, patch P) (Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Op{}, errors.Wrapf(apperrors.ErrEntryNotFound, "id %q", id)
	}
	if !e.Live() {
		return Op{}, errors.Wrapf(apperrors.ErrTombstoned, "id %q", id)
	}

	c := s.clock.Next()
	payload, err := encodePayload(UpdatePayload[P]{Patch: patch})
	if err != nil {
		return Op{}, errors.Wrap(err, "encode update payload")
	}
	op := Op{
		Type:       OpUpdate,
		Scope:      s.scope,
		ResourceID: s.resourceID,
		ItemID:     id,
		Actor:      s.actor,
		Clock:      c,
		Payload:    payload,
	}
	e.Data = s.merge(e.Data, patch)
	e.UpdatedAt = c
	e.UpdatedBy = s.actor
	return op, nil
}

// GenerateMove recomputes pos for id; if the target resolves to the
// entry's current position, no op is emitted (zero Op, nil error).
func (s *OrderedSet[D, P]) GenerateMove(id string, opts MoveOptions) (Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Op{}, errors.Wrapf(apperrors.ErrEntryNotFound, "id %q", id)
	}
	if !e.Live() {
		return Op{}, errors.Wrapf(apperrors.ErrTombstoned, "id %q", id)
	}

	pos, err := s.resolvePosition(opts.AfterID, opts.BeforeID, opts.Position)
	if err != nil {
		return Op{}, err
	}
	if pos.Equal(e.Pos) {
		return Op{}, nil
	}

	c := s.clock.Next()
	payload, err := encodePayload(MovePayload{Position: pos})
	if err != nil {
		return Op{}, errors.Wrap(err, "encode move payload")
	}
	op := Op{
		Type:       OpMove,
		Scope:      s.scope,
		ResourceID: s.resourceID,
		ItemID:     id,
		Actor:      s.actor,
		Clock:      c,
		Payload:    payload,
	}
	e.Pos = pos
	e.PosUpdatedAt = c
	e.PosUpdatedBy = s.actor
	return op, nil
}

// GenerateRemove tombstones id.
func (s *OrderedSet[D, P]) GenerateRemove(id string) (Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Op{}, errors.Wrapf(apperrors.ErrEntryNotFound, "id %q", id)
	}
	if !e.Live() {
		return Op{}, errors.Wrapf(apperrors.ErrTombstoned, "id %q", id)
	}

	c := s.clock.Next()
	op := Op{
		Type:       OpRemove,
		Scope:      s.scope,
		ResourceID: s.resourceID,
		ItemID:     id,
		Actor:      s.actor,
		Clock:      c,
	}
	d := c
	e.DeletedAt = &d
	e.DeletedBy = s.actor
	return op, nil
}

// GenerateRestore clears id's tombstone, for undoing a remove. Only valid
// on a tombstoned entry; the entry's data and position are left untouched,
// exactly as they were before the remove.
func (s *OrderedSet[D, P]) GenerateRestore(id string) (Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Op{}, errors.Wrapf(apperrors.ErrEntryNotFound, "id %q", id)
	}
	if e.DeletedAt == nil {
		return Op{}, errors.Wrapf(apperrors.ErrTombstoned, "id %q is not tombstoned", id)
	}

	c := s.clock.Next()
	e.DeletedAt = nil
	e.DeletedBy = ""
	return Op{
		Type:       OpRestore,
		Scope:      s.scope,
		ResourceID: s.resourceID,
		ItemID:     id,
		Actor:      s.actor,
		Clock:      c,
	}, nil
}

// Replay re-stamps op with a fresh local (clock, actor) and applies it
// through the ordinary ApplyOperation path. Used by the history manager to
// replay a forward or inverse op template: history stores op shape and
// payload, never a clock value frozen at record time, since a later
// redo/undo must out-rank whatever was applied in between (spec §4.8, §9).
func (s *OrderedSet[D, P]) Replay(op Op) (Op, error) {
	s.mu.Lock()
	op.Actor = s.actor
	op.Clock = s.clock.Next()
	s.mu.Unlock()

	if err := s.ApplyOperation(op); err != nil {
		return Op{}, err
	}
	return op, nil
}

// applyInsertLocked is shared by GenerateInsert (local, data already typed)
// and ApplyOperation (remote, data decoded from JSON).
func (s *OrderedSet[D, P]) applyInsertLocked(op Op, pos position.Position, data D) error {
	s.entries[op.ItemID] = &Entry[D]{
		ID:        op.ItemID,
		Pos:       pos,
		Data:      data,
		CreatedAt: op.Clock,
		UpdatedAt: op.Clock,
		UpdatedBy: op.Actor,
	}
	return nil
}

// ApplyOperation applies a (possibly remote) op idempotently and
// commutatively per the resolution table in spec §4.3. The clock is always
// observed, even when the op itself is dropped by a field's LWW rule.
func (s *OrderedSet[D, P]) ApplyOperation(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock.Observe(op.Clock)

	switch op.Type {
	case OpInsert:
		payload, err := decodePayload[InsertPayload[D]](op.Payload)
		if err != nil {
			return errors.Wrap(apperrors.ErrDecodeError, err.Error())
		}
		if _, known := s.entries[op.ItemID]; known {
			// Live or tombstoned: idempotent, ignore (table: "if id known
			// live, ignore"; "if tombstoned, ignore").
			return nil
		}
		return s.applyInsertLocked(op, payload.Position, payload.Data)

	case OpUpdate:
		e, ok := s.entries[op.ItemID]
		if !ok {
			// Remote update raced ahead of the insert it depends on; the
			// clock observation above still advances, nothing else to do.
			return nil
		}
		if e.DeletedAt != nil && op.Clock <= *e.DeletedAt {
			return nil
		}
		if !wins(op.Clock, op.Actor, e.UpdatedAt, e.UpdatedBy) {
			return nil
		}
		payload, err := decodePayload[UpdatePayload[P]](op.Payload)
		if err != nil {
			return errors.Wrap(apperrors.ErrDecodeError, err.Error())
		}
		e.Data = s.merge(e.Data, payload.Patch)
		e.UpdatedAt = op.Clock
		e.UpdatedBy = op.Actor
		return nil

	case OpMove:
		e, ok := s.entries[op.ItemID]
		if !ok {
			return nil
		}
		if e.DeletedAt != nil && op.Clock <= *e.DeletedAt {
			return nil
		}
		if !wins(op.Clock, op.Actor, e.PosUpdatedAt, e.PosUpdatedBy) {
			return nil
		}
		payload, err := decodePayload[MovePayload](op.Payload)
		if err != nil {
			return errors.Wrap(apperrors.ErrDecodeError, err.Error())
		}
		e.Pos = payload.Position
		e.PosUpdatedAt = op.Clock
		e.PosUpdatedBy = op.Actor
		return nil

	case OpRemove:
		e, ok := s.entries[op.ItemID]
		if !ok {
			return nil
		}
		if e.DeletedAt == nil {
			d := op.Clock
			e.DeletedAt = &d
			e.DeletedBy = op.Actor
		} else if op.Clock > *e.DeletedAt {
			d := op.Clock
			e.DeletedAt = &d
			e.DeletedBy = op.Actor
		}
		return nil

	case OpRestore:
		e, ok := s.entries[op.ItemID]
		if !ok || e.DeletedAt == nil {
			return nil
		}
		if op.Clock > *e.DeletedAt {
			e.DeletedAt = nil
			e.DeletedBy = ""
		}
		return nil

	default:
		return errors.Wrapf(apperrors.ErrDecodeError, "unknown op type %q", op.Type)
	}
}

// wins implements the (clock, actor) LWW comparison shared by update and
// move resolution (I4): strictly greater clock wins; on a clock tie the
// higher actor wins (case-sensitive).
func wins(clock int64, actor string, against int64, againstActor string) bool {
	if clock != against {
		return clock > against
	}
	return actor > againstActor
}

func (s *OrderedSet[D, P]) liveSortedLocked() []*Entry[D] {
	out := make([]*Entry[D], 0, len(s.entries))
	for _, e := range s.entries {
		if e.Live() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if cmp := out[i].Pos.Compare(out[j].Pos); cmp != 0 {
			return cmp < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ToVisibleList returns live entries in pos order, tie-broken by id (I2).
func (s *OrderedSet[D, P]) ToVisibleList() []Entry[D] {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := s.liveSortedLocked()
	out := make([]Entry[D], len(sorted))
	for i, e := range sorted {
		out[i] = e.clone()
	}
	return out
}

// Get returns a copy of the entry for id, including tombstones.
func (s *OrderedSet[D, P]) Get(id string) (Entry[D], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return Entry[D]{}, false
	}
	return e.clone(), true
}

// ExportState returns a snapshot sorted by pos, tombstones included.
func (s *OrderedSet[D, P]) ExportState() State[D] {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*Entry[D], 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if cmp := all[i].Pos.Compare(all[j].Pos); cmp != 0 {
			return cmp < 0
		}
		return all[i].ID < all[j].ID
	})
	entries := make([]Entry[D], len(all))
	for i, e := range all {
		entries[i] = e.clone()
	}
	return State[D]{Clock: s.clock.Value(), Entries: entries}
}

// ResetFromState atomically replaces the map and clock, used by hydration
// and by snapshot bootstrap.
func (s *OrderedSet[D, P]) ResetFromState(state State[D]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string]*Entry[D], len(state.Entries))
	for _, e := range state.Entries {
		ec := e.clone()
		entries[e.ID] = &ec
	}
	s.entries = entries
	s.clock.Reset(state.Clock)
}
