// Package crdt implements the ordered-set CRDT shared by the lists registry
// and every task list (spec §4.3): a tombstoned, id-keyed collection
// ordered by fractional position with last-writer-wins data fields.
//
// Grounded on the teacher's pkg/collaboration/document_crdt.go (tombstone
// map, idempotent ApplyOperation keyed by id, GetOperationsSince) and
// pkg/collaboration/crdt/lwwregister.go ((timestamp, nodeID) tie-break,
// generalized here to (clock, actor)) — both replaced in structure to
// carry fractional positions and the exact op-type resolution table of
// spec §4.3 rather than the teacher's character-array document model.
package crdt

import (
	"encoding/json"

	"github.com/aggregat4/tasklist-sync/internal/position"
)

// OpType discriminates the op envelope's payload (spec §3). Design notes
// call for a tagged variant keyed on type rather than one object shape;
// Op plays that role, carrying an undecoded Payload until the CRDT that
// owns Scope/ResourceID decodes it against its own data type.
type OpType string

const (
	OpInsert OpType = "insert"
	OpUpdate OpType = "update"
	OpMove   OpType = "move"
	OpRemove OpType = "remove"
	// OpRenameTitle is the task list's list-level title rename (spec §3);
	// it is handled outside OrderedSet.ApplyOperation because the title is
	// not itself an ordered-set entry.
	OpRenameTitle OpType = "renameTitle"
	// OpRestore clears a tombstone set by an earlier remove, used by the
	// history manager to undo a remove without resurrecting via a blocked
	// duplicate insert (spec §4.8/§9: "inverse ops are constructed as the
	// same tagged variants and replayed through the ordinary application
	// path"). Finality (P5) is preserved because a restore only wins over
	// the tombstone when its clock is strictly greater than deletedAt,
	// exactly as any other LWW field transition.
	OpRestore OpType = "restore"
)

// Scope is carried on every op so a repository routing ops to two kinds of
// CRDT (registry, list) knows which one owns it (spec §3).
type Scope string

const (
	ScopeRegistry Scope = "registry"
	ScopeList     Scope = "list"
)

// Op is the wire and storage envelope for one mutation (spec §3, §6).
// Payload is left as raw JSON here; InsertPayload/UpdatePayload/MovePayload
// give the per-type shapes that OrderedSet encodes into and decodes out of
// it, so unknown payload fields are dropped on decode (I6) for free via
// encoding/json.
type Op struct {
	Type       OpType          `json:"type"`
	Scope      Scope           `json:"scope"`
	ResourceID string          `json:"resourceId"`
	ItemID     string          `json:"itemId,omitempty"`
	Actor      string          `json:"actor"`
	Clock      int64           `json:"clock"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// InsertPayload is the insert op's payload: the assigned position plus a
// full snapshot of the entry's data, enough to replay the insert without
// consulting neighbours again.
type InsertPayload[D any] struct {
	Position position.Position `json:"pos"`
	Data     D                 `json:"data"`
}

// UpdatePayload carries only the fields being changed; P is typically a
// pointer-field "patch" type so zero-value fields can be distinguished from
// explicitly-cleared ones.
type UpdatePayload[P any] struct {
	Patch P `json:"patch"`
}

// MovePayload carries the new position; move is modelled as an update of
// pos with its own LWW timestamp (posUpdatedAt) to avoid interfering with
// data-field LWW (spec §4.3).
type MovePayload struct {
	Position position.Position `json:"pos"`
}

func decodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

func encodePayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
