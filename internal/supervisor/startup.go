package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradefleet/internal/events"
)

// Mode controls whether the startup monitor observes, drives restarts,
// or does nothing.
type Mode int

const (
	ModeDisabled Mode = iota
	ModePassive
	ModeActive
)

func (m Mode) String() string {
	switch m {
	case ModePassive:
		return "PASSIVE"
	case ModeActive:
		return "ACTIVE"
	default:
		return "DISABLED"
	}
}

// ParseMode maps a mode name; unknown names return Disabled and false.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToUpper(s) {
	case "DISABLED":
		return ModeDisabled, true
	case "PASSIVE":
		return ModePassive, true
	case "ACTIVE":
		return ModeActive, true
	}
	return ModeDisabled, false
}

// StartupFailedError reports a phase that exceeded its budget or failed
// its check.
type StartupFailedError struct {
	Phase  Phase
	Reason string
}

func (e *StartupFailedError) Error() string {
	return fmt.Sprintf("startup failed in %s: %s", e.Phase, e.Reason)
}

// PhaseDriver performs the per-phase checks that advance an instance to
// READY. The session package implements it; the monitor owns timing.
type PhaseDriver interface {
	// Detect confirms the spawned process is serving the target port.
	Detect(ctx context.Context, inst *Instance) error
	// Connect confirms the DevTools endpoint answers and a trivial
	// script runs in a tab.
	Connect(ctx context.Context, inst *Instance) error
	// LoadPage confirms the primary page is on the trading host.
	LoadPage(ctx context.Context, inst *Instance) error
	// Authenticate injects credentials and waits for the login form to
	// clear.
	Authenticate(ctx context.Context, inst *Instance) error
	// Finalize confirms driver functions are present and installs the
	// alert-dialog suppression.
	Finalize(ctx context.Context, inst *Instance) error
}

// Budgets assigns each phase its share of the total startup budget.
type Budgets struct {
	Total  time.Duration
	Phases map[Phase]time.Duration
}

// DefaultBudgets splits the 120s default across phases.
func DefaultBudgets(total time.Duration) Budgets {
	if total <= 0 {
		total = 120 * time.Second
	}
	// Shares sum to the total; authentication gets the largest cut
	// because the venue's login flow is the slow step.
	return Budgets{
		Total: total,
		Phases: map[Phase]time.Duration{
			PhaseLaunching:      total * 15 / 120,
			PhaseConnecting:     total * 20 / 120,
			PhaseLoadingPage:    total * 30 / 120,
			PhaseAuthenticating: total * 40 / 120,
			PhaseReady:          total * 15 / 120,
		},
	}
}

// Monitor runs the startup state machine for browser instances.
type Monitor struct {
	modeMu sync.RWMutex
	mode   Mode

	budgets Budgets
	journal *events.Journal
	log     zerolog.Logger
}

// NewMonitor creates a startup monitor in the given mode.
func NewMonitor(mode Mode, budgets Budgets, journal *events.Journal, log zerolog.Logger) *Monitor {
	return &Monitor{
		mode:    mode,
		budgets: budgets,
		journal: journal,
		log:     log,
	}
}

// Mode returns the current mode.
func (m *Monitor) Mode() Mode {
	m.modeMu.RLock()
	defer m.modeMu.RUnlock()
	return m.mode
}

// SetMode switches the monitor mode at runtime.
func (m *Monitor) SetMode(mode Mode) {
	m.modeMu.Lock()
	m.mode = mode
	m.modeMu.Unlock()
	m.journal.Append(events.Event{
		Component:   "startup",
		Kind:        "mode_change",
		Outcome:     events.OutcomeSuccess,
		Description: "startup monitoring mode set to " + mode.String(),
	})
}

// Run drives one instance from its current phase to READY, enforcing the
// per-phase and total budgets. A hard timeout or failed check returns
// StartupFailedError and marks the instance FAILED; the supervisor then
// decides whether to retry.
func (m *Monitor) Run(ctx context.Context, inst *Instance, driver PhaseDriver) error {
	if m.Mode() == ModeDisabled {
		return nil
	}

	totalCtx, cancel := context.WithTimeout(ctx, m.budgets.Total)
	defer cancel()

	steps := map[Phase]func(context.Context, *Instance) error{
		PhaseLaunching:      driver.Detect,
		PhaseConnecting:     driver.Connect,
		PhaseLoadingPage:    driver.LoadPage,
		PhaseAuthenticating: driver.Authenticate,
		PhaseReady:          driver.Finalize,
	}

	for _, phase := range startupPhases {
		if inst.Phase() >= phase {
			continue
		}
		if err := m.runPhase(totalCtx, inst, phase, steps[phase]); err != nil {
			inst.setPhase(PhaseFailed)
			inst.mu.Lock()
			inst.lastError = err.Error()
			inst.mu.Unlock()
			return err
		}
		inst.setPhase(phase)
	}
	return nil
}

func (m *Monitor) runPhase(ctx context.Context, inst *Instance, phase Phase, step func(context.Context, *Instance) error) error {
	budget := m.budgets.Phases[phase]
	if budget <= 0 {
		budget = m.budgets.Total / 5
	}
	start := time.Now()

	// Soft warning at half budget.
	warn := time.AfterFunc(budget/2, func() {
		m.journal.Append(events.Event{
			Component:   "startup",
			Kind:        "phase_slow",
			Account:     inst.AccountID,
			Outcome:     events.OutcomeSuccess,
			Severity:    events.SeverityWarning,
			Description: fmt.Sprintf("phase %s past 50%% of its %s budget", phase, budget),
		})
	})
	defer warn.Stop()

	phaseCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	err := step(phaseCtx, inst)
	elapsed := time.Since(start)
	events.GetMetrics().StartupPhase.WithLabelValues(phase.String()).Observe(elapsed.Seconds())

	outcome := events.OutcomeSuccess
	desc := fmt.Sprintf("phase %s completed", phase)
	if err != nil {
		outcome = events.OutcomeFailure
		reason := err.Error()
		if phaseCtx.Err() != nil {
			reason = fmt.Sprintf("budget %s exceeded", budget)
		}
		desc = fmt.Sprintf("phase %s failed: %s", phase, reason)
		err = &StartupFailedError{Phase: phase, Reason: reason}
	}

	m.journal.Append(events.Event{
		Component:   "startup",
		Kind:        "phase_transition",
		Account:     inst.AccountID,
		Outcome:     outcome,
		ElapsedMS:   elapsed.Milliseconds(),
		Description: desc,
	})
	return err
}
