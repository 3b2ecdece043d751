// Package position implements the fractional-position algebra used to order
// entries in the ordered-set CRDT without ever rewriting a neighbour.
package position

import (
	"fmt"
	"strings"

	"github.com/aggregat4/tasklist-sync/internal/apperrors"
)

// MaxDepth bounds how many (digit, actor) components a position may grow to
// before generation gives up. 32 matches the safety-cap floor called out by
// the algorithm's contract (implementer choice, >= 32).
const MaxDepth = 32

// openBaseDigit seeds the first position generated between two fully open
// bounds. Starting away from zero leaves integer room on both sides, so a
// long run of repeated inserts at the very front or back of a list (the
// common case of building one up from scratch) stays a single component
// per call instead of walking an ever-deeper placeholder chain the moment
// digit 0 is reached.
const openBaseDigit = 1 << 20

// ErrPositionExhausted is returned when no value can be generated under
// MaxDepth between the given bounds.
var ErrPositionExhausted = apperrors.ErrPositionExhausted

// Component is one level of a Position: a non-negative integer digit and the
// actor that claimed it. The actor only decides ordering once two
// generators land on the same digit at the same depth.
type Component struct {
	Digit int    `json:"digit"`
	Actor string `json:"actor"`
}

// Position is a non-empty, immutable sequence of Components. Comparison is
// lexicographic; a component missing past the end of a shorter sequence
// compares as (0, "").
type Position []Component

func componentAt(p Position, depth int) Component {
	if depth < len(p) {
		return p[depth]
	}
	return Component{Digit: 0, Actor: ""}
}

// Compare returns -1, 0 or 1 as p sorts before, equal to, or after o.
func (p Position) Compare(o Position) int {
	n := len(p)
	if len(o) > n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		a, b := componentAt(p, i), componentAt(o, i)
		if a.Digit != b.Digit {
			if a.Digit < b.Digit {
				return -1
			}
			return 1
		}
		if a.Actor != b.Actor {
			if a.Actor < b.Actor {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether p sorts strictly before o.
func (p Position) Less(o Position) bool { return p.Compare(o) < 0 }

// Equal reports whether p and o are the same sequence.
func (p Position) Equal(o Position) bool { return p.Compare(o) == 0 }

// Clone returns an independent copy so callers can't mutate a stored
// position through a shared backing array.
func (p Position) Clone() Position {
	out := make(Position, len(p))
	copy(out, p)
	return out
}

// String renders a position as "digit:actor/digit:actor/...". This is for
// storage and debugging only; the wire contract serializes components
// directly as a JSON array.
func (p Position) String() string {
	parts := make([]string, len(p))
	for i, c := range p {
		parts[i] = fmt.Sprintf("%d:%s", c.Digit, c.Actor)
	}
	return strings.Join(parts, "/")
}

// head reports p's first component and whether one is actually present. A
// nil or empty Position has none — the caller has run off the end of real
// data, not hit a literal zero component.
func head(p Position) (Component, bool) {
	if len(p) == 0 {
		return Component{}, false
	}
	return p[0], true
}

// tail drops p's first component, returning nil once nothing real is left
// rather than an empty-but-non-nil slice, so a subsequent head(tail(p))
// reports "not present" instead of a phantom zero component.
func tail(p Position) Position {
	if len(p) <= 1 {
		return nil
	}
	return p[1:]
}

// Generate produces a Position strictly between left and right, claimed by
// actor. Either bound may be nil, meaning that side is open (±∞). left and
// right must not be equal or inverted when both present — Generate panics
// on that, matching the "equal or inverted bounds are a programming error"
// contract; callers (the ordered-set CRDT) are expected to have already
// resolved neighbour hints into concrete positions before calling in.
//
// The search proceeds depth by depth against two working bounds (curLeft,
// curRight) that start as left/right and get narrowed or fully opened as
// the search commits to a decision. At each depth it looks for an integer
// strictly between the two bounds' digits; when it finds one, it stamps the
// new position with actor and returns. When a depth can't be resolved by
// digit alone (the bounds tie, or are exactly one apart), the search
// extends the shared prefix with the bound's own component and, critically,
// opens up whichever side that step already settled — carrying the *other*
// side's unresolved remainder forward, never the original bound re-read at
// a deeper index. That is what makes the search terminate: once a side is
// settled it can never tie again, so depth strictly consumes real data from
// the side that is still undecided until that side also runs out.
func Generate(left, right Position, actor string) (Position, error) {
	if left != nil && right != nil && !left.Less(right) {
		panic("position: left must be strictly less than right")
	}

	var prefix []Component
	curLeft, curRight := left, right
	for depth := 0; depth < MaxDepth; depth++ {
		lo, loPresent := head(curLeft)
		hi, hiPresent := head(curRight)

		switch {
		case !loPresent && !hiPresent:
			// Neither side has any real constraint left.
			return append(prefix, Component{Digit: openBaseDigit, Actor: actor}), nil
		case !loPresent:
			// Only an upper bound remains. Room below hi.Digit iff it is > 0.
			if hi.Digit > 0 {
				return append(prefix, Component{Digit: hi.Digit - 1, Actor: actor}), nil
			}
			if hi.Actor != "" {
				// No digit room, but hi's actor is a real, non-empty claim
				// (every assigned component carries one): "" sits strictly
				// below it, settling "< right" right here regardless of
				// whatever follows in right's own structure. The trailing
				// actor component keeps this result distinct from every
				// other actor resolving the same gap (P3) and, if left was
				// a real-but-exhausted bound rather than truly open, lands
				// strictly above it too — "" ties left's implicit padding,
				// a non-empty actor does not.
				return append(prefix, Component{Digit: 0, Actor: ""}, Component{Digit: 0, Actor: actor}), nil
			}
			if rest := tail(curRight); rest != nil {
				// hi is itself a placeholder left behind by an earlier
				// resolution at this same depth (digit 0, empty actor):
				// there is genuinely no room here from either dimension.
				// Tie with it exactly and keep descending against whatever
				// real structure remains in its tail.
				prefix = append(prefix, Component{Digit: 0, Actor: ""})
				curRight = rest
				continue
			}
			// hi ends exactly here with nothing real left in it either:
			// only option is to grow one more placeholder level.
			prefix = append(prefix, Component{Digit: 0, Actor: ""})
			curRight = nil
			continue
		case !hiPresent:
			// Only a lower bound remains: room above is unbounded.
			return append(prefix, Component{Digit: lo.Digit + 1, Actor: actor}), nil
		default:
			if hi.Digit-lo.Digit > 1 {
				mid := lo.Digit + (hi.Digit-lo.Digit)/2
				return append(prefix, Component{Digit: mid, Actor: actor}), nil
			}
			if hi.Digit != lo.Digit {
				// Exactly one apart: carrying lo's own pair forward already
				// settles "< right" for every depth beyond this one (digit
				// alone decides), so right is fully open from here; "> left"
				// still depends on whatever real depth is left in left.
				prefix = append(prefix, Component{Digit: lo.Digit, Actor: lo.Actor})
				curLeft, curRight = tail(curLeft), nil
				continue
			}
			if lo.Actor != hi.Actor {
				// Digits tie; lo.Actor < hi.Actor is guaranteed by the
				// left < right precondition holding at the first differing
				// depth. Carrying lo's pair forward settles "< right" here
				// (actor decides the tie) and opens right for every deeper
				// depth; "> left" still depends on left's remaining tail.
				prefix = append(prefix, Component{Digit: lo.Digit, Actor: lo.Actor})
				curLeft, curRight = tail(curLeft), nil
				continue
			}
			// Both digit and actor tie: genuinely shared prefix, descend
			// using the common component against both remaining tails.
			prefix = append(prefix, Component{Digit: lo.Digit, Actor: lo.Actor})
			curLeft, curRight = tail(curLeft), tail(curRight)
		}
	}
	return nil, ErrPositionExhausted
}

// Between reports whether p sorts strictly between left and right (a nil
// bound is treated as open).
func Between(p, left, right Position) bool {
	if left != nil && !left.Less(p) {
		return false
	}
	if right != nil && !p.Less(right) {
		return false
	}
	return true
}
