// Package apperrors holds the sentinel error kinds shared across the core
// (spec §7). Components wrap these with github.com/pkg/errors so callers
// can still match with errors.Is while getting a stack-carrying message.
package apperrors

import "errors"

var (
	// ErrPositionExhausted: the position generator could not produce a
	// value under position.MaxDepth.
	ErrPositionExhausted = errors.New("position exhausted")
	// ErrEntryNotFound: a CRDT operation referenced an id that does not
	// exist in the set.
	ErrEntryNotFound = errors.New("entry not found")
	// ErrTombstoned: a CRDT operation targeted an id whose tombstone state
	// does not allow it (already removed, or, for a restore, not removed).
	ErrTombstoned = errors.New("entry tombstoned")
	// ErrDuplicateID: generateInsert was asked to reuse an id already
	// present (live or tombstoned) in the set.
	ErrDuplicateID = errors.New("duplicate id")
	// ErrStorageError: a persistence transaction failed; callers keep
	// in-memory state live and retry on the next mutation.
	ErrStorageError = errors.New("storage error")
	// ErrGenerationMismatch: a remote op or push referred to a dataset
	// generation other than the active one.
	ErrGenerationMismatch = errors.New("dataset generation mismatch")
	// ErrNetworkUnavailable: a sync round-trip failed at the transport
	// level; the outbox is retained and backoff applies.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrPublishError: a snapshot reset was rejected because its key
	// already exists for the user; the blob is not compared, so re-sending
	// an identical reset is rejected too.
	ErrPublishError = errors.New("publish rejected")
	// ErrDecodeError: a malformed op or snapshot was encountered; the
	// caller should skip it and log a diagnostic rather than crash replay.
	ErrDecodeError = errors.New("decode error")
)
