// Grounded on the teacher's internal/adapters/resilience/circuitbreaker.go
// (gobreaker.CircuitBreaker wrapped behind a small config struct with
// sensible defaults), narrowed to the one circuit this spec needs: the
// sync client's HTTP round-trips to the sync server.
package syncclient

import (
	"time"

	"github.com/sony/gobreaker"
)

// newCircuitBreaker builds the breaker guarding every sync HTTP call
// (spec §4.9 design note: "network round-trips are guarded by a circuit
// breaker so a downed server doesn't pile up blocked pushes").
func newCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}
