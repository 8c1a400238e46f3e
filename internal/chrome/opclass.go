package chrome

import (
	"math/rand"
	"time"
)

// OpClass is the coarse policy category governing retries, timeouts,
// backoff and circuit thresholds.
type OpClass int

const (
	// Critical covers trade-affecting operations: place bracket, exit.
	Critical OpClass = iota
	// Important covers state reads required for trading: market data,
	// symbol updates, account tables.
	Important
	// NonCritical covers observability reads: console logs, diagnostics.
	NonCritical
)

func (c OpClass) String() string {
	switch c {
	case Critical:
		return "CRITICAL"
	case Important:
		return "IMPORTANT"
	case NonCritical:
		return "NON_CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseOpClass maps a policy name to its class, defaulting to NonCritical.
func ParseOpClass(s string) OpClass {
	switch s {
	case "CRITICAL":
		return Critical
	case "IMPORTANT":
		return Important
	default:
		return NonCritical
	}
}

// Policy holds the retry, timeout and breaker parameters for one class.
type Policy struct {
	MaxAttempts      int
	AttemptTimeout   time.Duration
	TransportBackoff time.Duration // fixed delay after a transport failure
	TransportJitter  time.Duration // uniform jitter added on top
	BusyBackoffBase  time.Duration // exponential base when chrome reports busy
	BusyBackoffCap   time.Duration
	CircuitThreshold uint32 // consecutive failures before the breaker opens
}

// PolicySet resolves the policy for each operation class. Overrides from
// configuration replace individual fields of the built-in table.
type PolicySet struct {
	policies map[OpClass]Policy
}

// DefaultPolicySet returns the built-in policy table.
func DefaultPolicySet() *PolicySet {
	return &PolicySet{policies: map[OpClass]Policy{
		Critical: {
			MaxAttempts:      3,
			AttemptTimeout:   10 * time.Second,
			TransportBackoff: 0,
			TransportJitter:  100 * time.Millisecond,
			BusyBackoffBase:  250 * time.Millisecond,
			BusyBackoffCap:   2 * time.Second,
			CircuitThreshold: 3,
		},
		Important: {
			MaxAttempts:      2,
			AttemptTimeout:   5 * time.Second,
			TransportBackoff: 250 * time.Millisecond,
			TransportJitter:  100 * time.Millisecond,
			BusyBackoffBase:  500 * time.Millisecond,
			BusyBackoffCap:   4 * time.Second,
			CircuitThreshold: 5,
		},
		NonCritical: {
			MaxAttempts:      1,
			AttemptTimeout:   2 * time.Second,
			TransportBackoff: 0,
			TransportJitter:  0,
			BusyBackoffBase:  0,
			BusyBackoffCap:   0,
			CircuitThreshold: 10,
		},
	}}
}

// Override replaces non-zero fields of one class's policy.
func (s *PolicySet) Override(c OpClass, maxAttempts int, attemptTimeout time.Duration, threshold uint32) {
	p := s.policies[c]
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if attemptTimeout > 0 {
		p.AttemptTimeout = attemptTimeout
	}
	if threshold > 0 {
		p.CircuitThreshold = threshold
	}
	s.policies[c] = p
}

// For returns the policy for a class.
func (s *PolicySet) For(c OpClass) Policy {
	return s.policies[c]
}

// TransportDelay computes the sleep after a transport failure.
func (p Policy) TransportDelay() time.Duration {
	d := p.TransportBackoff
	if p.TransportJitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.TransportJitter)))
	}
	return d
}

// BusyDelay computes the exponential sleep after a chrome-busy failure.
// attempt is zero-based.
func (p Policy) BusyDelay(attempt int) time.Duration {
	if p.BusyBackoffBase <= 0 {
		return 0
	}
	d := p.BusyBackoffBase << uint(attempt)
	if d > p.BusyBackoffCap {
		d = p.BusyBackoffCap
	}
	return d
}
