// Package events provides the append-only operation journal and the
// Prometheus counters derived from it. Every safe-evaluate call, startup
// transition, restart and dispatch outcome lands here; the control surface
// reads it back for /api/health and /api/errors.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Severity levels for journal entries (bounded set)
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome labels (bounded set)
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeSkipped     = "skipped"
)

// Event is one structured journal entry.
type Event struct {
	TS           time.Time `json:"ts"`
	Component    string    `json:"component"`
	Kind         string    `json:"kind"`
	OpClass      string    `json:"op_class,omitempty"`
	Account      string    `json:"account,omitempty"`
	Tab          string    `json:"tab,omitempty"`
	Outcome      string    `json:"outcome"`
	ElapsedMS    int64     `json:"elapsed_ms"`
	Attempts     int       `json:"attempts,omitempty"`
	CircuitState string    `json:"circuit_state,omitempty"`
	Description  string    `json:"description"`
	Severity     string    `json:"severity"`
	Category     string    `json:"category"`
}

// Journal is a bounded append-only ring of events. Appends also emit a
// zerolog line so the journal and the log stream never diverge.
type Journal struct {
	mu     sync.RWMutex
	events []Event
	limit  int
	log    zerolog.Logger
}

const defaultJournalLimit = 10000

// NewJournal creates a journal bounded to limit entries (0 = default).
func NewJournal(limit int) *Journal {
	if limit <= 0 {
		limit = defaultJournalLimit
	}
	return &Journal{
		events: make([]Event, 0, 256),
		limit:  limit,
		log:    log.With().Str("component", "journal").Logger(),
	}
}

// Append records an event. The timestamp is filled in when zero.
func (j *Journal) Append(e Event) {
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	if e.Severity == "" {
		e.Severity = severityForOutcome(e.Outcome)
	}
	if e.Category == "" {
		e.Category = e.Component
	}

	j.mu.Lock()
	j.events = append(j.events, e)
	if len(j.events) > j.limit {
		// Drop the oldest half rather than shifting one at a time.
		j.events = append(j.events[:0], j.events[len(j.events)-j.limit/2:]...)
	}
	j.mu.Unlock()

	ev := j.log.Info()
	switch e.Severity {
	case SeverityWarning:
		ev = j.log.Warn()
	case SeverityError, SeverityCritical:
		ev = j.log.Error()
	}
	ev.Str("kind", e.Kind).
		Str("comp", e.Component).
		Str("outcome", e.Outcome).
		Str("op_class", e.OpClass).
		Str("account", e.Account).
		Int64("elapsed_ms", e.ElapsedMS).
		Int("attempts", e.Attempts).
		Str("circuit", e.CircuitState).
		Msg(e.Description)
}

func severityForOutcome(outcome string) string {
	switch outcome {
	case OutcomeFailure:
		return SeverityError
	case OutcomeCircuitOpen, OutcomeSkipped:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Query returns events newer than the window, optionally filtered by
// category. A zero window means all retained events.
func (j *Journal) Query(category string, window time.Duration) []Event {
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]Event, 0, len(j.events))
	for _, e := range j.events {
		if !cutoff.IsZero() && e.TS.Before(cutoff) {
			continue
		}
		if category != "" && !strings.EqualFold(e.Category, category) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Clear drops events older than the given age and returns the remaining count.
func (j *Journal) Clear(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	j.mu.Lock()
	defer j.mu.Unlock()

	kept := j.events[:0]
	for _, e := range j.events {
		if e.TS.After(cutoff) {
			kept = append(kept, e)
		}
	}
	j.events = kept
	return len(j.events)
}

// Summary aggregates error counts by severity and category over a window.
type Summary struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
	ByCategory map[string]int `json:"by_category"`
}

// Summarize counts warning-and-worse events in the window.
func (j *Journal) Summarize(window time.Duration) Summary {
	s := Summary{
		BySeverity: make(map[string]int),
		ByCategory: make(map[string]int),
	}
	for _, e := range j.Query("", window) {
		if e.Severity == SeverityInfo {
			continue
		}
		s.Total++
		s.BySeverity[e.Severity]++
		s.ByCategory[e.Category]++
	}
	return s
}

// HealthScore derives the 0..100 system health score from the recent
// journal: -10 per critical, -5 per error, -1 per warning, floored at 0.
func (j *Journal) HealthScore(window time.Duration) int {
	s := j.Summarize(window)
	score := 100
	score -= 10 * s.BySeverity[SeverityCritical]
	score -= 5 * s.BySeverity[SeverityError]
	score -= 1 * s.BySeverity[SeverityWarning]
	if score < 0 {
		score = 0
	}
	return score
}

// HealthStatus buckets a score per the dashboard contract.
func HealthStatus(score int) string {
	switch {
	case score >= 90:
		return "HEALTHY"
	case score >= 70:
		return "DEGRADED"
	case score >= 50:
		return "WARNING"
	default:
		return "CRITICAL"
	}
}

// Rates returns failure counts per category bucketed per minute over the
// window, for trend display.
func (j *Journal) Rates(window time.Duration) map[string]float64 {
	if window <= 0 {
		window = 15 * time.Minute
	}
	minutes := window.Minutes()
	rates := make(map[string]float64)
	for _, e := range j.Query("", window) {
		if e.Severity == SeverityInfo {
			continue
		}
		rates[e.Category]++
	}
	for k, v := range rates {
		rates[k] = v / minutes
	}
	return rates
}
