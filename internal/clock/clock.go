// Package clock implements the per-actor logical clock each CRDT instance
// stamps its operations with (spec §3, §4.2). It is deliberately a single
// scalar counter, not a vector clock: ordering across the whole system
// comes from the server-assigned serverSeq (spec §5), not from clock
// comparison between actors.
package clock

import "sync"

// Clock is a monotonic per-actor counter. The zero value is not usable;
// construct with New.
type Clock struct {
	mu    sync.Mutex
	value int64
	actor string
}

// New returns a Clock owned by actor, starting at 0.
func New(actor string) *Clock {
	return &Clock{actor: actor}
}

// Actor returns the stable actor id this clock was constructed with.
func (c *Clock) Actor() string { return c.actor }

// Value returns the current counter value without advancing it.
func (c *Clock) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Next advances the counter and returns the new value. Every locally
// emitted operation is stamped with the result of Next.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value
}

// Observe merges a remote clock value in without emitting: value becomes
// max(value, remote). Applying any remote operation calls this with the
// operation's clock.
func (c *Clock) Observe(remote int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if remote > c.value {
		c.value = remote
	}
}

// Reset replaces the counter outright, used when a CRDT's whole state
// (including its clock) is atomically swapped for a snapshot.
func (c *Clock) Reset(value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
}
