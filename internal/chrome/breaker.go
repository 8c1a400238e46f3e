package chrome

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"tradefleet/internal/events"
)

// Circuit breaker state labels (bounded set, reused in metrics and the
// control surface).
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

type breakerKey struct {
	Tab   string
	Class OpClass
}

type tabBreaker struct {
	cb *gobreaker.CircuitBreaker

	mu       sync.Mutex
	openedAt time.Time
}

// BreakerRegistry holds one circuit breaker per (tab, op class). Breakers
// are created lazily on first use and survive tab restarts so a flapping
// tab does not reset its own failure history.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[breakerKey]*tabBreaker
	policies *PolicySet
	cooldown time.Duration
	journal  *events.Journal
}

// NewBreakerRegistry creates a registry with the given cooldown (how long
// a breaker stays open before admitting a half-open trial).
func NewBreakerRegistry(policies *PolicySet, cooldown time.Duration, journal *events.Journal) *BreakerRegistry {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerRegistry{
		breakers: make(map[breakerKey]*tabBreaker),
		policies: policies,
		cooldown: cooldown,
		journal:  journal,
	}
}

func (r *BreakerRegistry) get(tab string, class OpClass) *tabBreaker {
	key := breakerKey{Tab: tab, Class: class}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}

	b := &tabBreaker{}
	threshold := r.policies.For(class).CircuitThreshold

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: fmt.Sprintf("%s/%s", tab, class),
		// One concurrent half-open trial; one success closes.
		MaxRequests: 1,
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.onStateChange(tab, class, from, to, r.journal)
		},
	})

	r.breakers[key] = b
	return b
}

func (b *tabBreaker) onStateChange(tab string, class OpClass, from, to gobreaker.State, journal *events.Journal) {
	m := events.GetMetrics()
	m.CircuitState.WithLabelValues(tab, class.String()).Set(gaugeValue(to))

	if to == gobreaker.StateOpen {
		b.mu.Lock()
		b.openedAt = time.Now()
		b.mu.Unlock()
		m.CircuitTrips.WithLabelValues(tab, class.String()).Inc()
	}

	if journal != nil {
		journal.Append(events.Event{
			Component:    "breaker",
			Kind:         "circuit_transition",
			OpClass:      class.String(),
			Tab:          tab,
			Outcome:      events.OutcomeFailure,
			CircuitState: stateLabel(to),
			Severity:     transitionSeverity(to),
			Description:  fmt.Sprintf("circuit %s -> %s", stateLabel(from), stateLabel(to)),
		})
	}
}

func transitionSeverity(to gobreaker.State) string {
	if to == gobreaker.StateOpen {
		return events.SeverityCritical
	}
	return events.SeverityInfo
}

func gaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func stateLabel(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Execute runs fn under the (tab, class) breaker. When the breaker is
// open the call is short-circuited with a CircuitOpenError carrying the
// open timestamp and the remaining cooldown.
func (r *BreakerRegistry) Execute(tab string, class OpClass, fn func() (interface{}, error)) (interface{}, error) {
	b := r.get(tab, class)

	v, err := b.cb.Execute(fn)
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		b.mu.Lock()
		openedAt := b.openedAt
		b.mu.Unlock()

		retryAfter := r.cooldown - time.Since(openedAt)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return nil, &CircuitOpenError{
			Tab:        tab,
			Class:      class,
			Reason:     err.Error(),
			OpenedAt:   openedAt,
			RetryAfter: retryAfter,
		}
	}
	return v, err
}

// State returns the current state label for one (tab, class).
func (r *BreakerRegistry) State(tab string, class OpClass) string {
	return stateLabel(r.get(tab, class).cb.State())
}

// Snapshot returns state labels per op class for one tab, for the control
// surface and the recovery snapshot.
func (r *BreakerRegistry) Snapshot(tab string) map[string]string {
	out := make(map[string]string, 3)
	for _, class := range []OpClass{Critical, Important, NonCritical} {
		out[class.String()] = r.State(tab, class)
	}
	return out
}

// SnapshotAll returns states for every breaker the registry has created.
func (r *BreakerRegistry) SnapshotAll() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.breakers))
	for key, b := range r.breakers {
		out[fmt.Sprintf("%s/%s", key.Tab, key.Class)] = stateLabel(b.cb.State())
	}
	return out
}
