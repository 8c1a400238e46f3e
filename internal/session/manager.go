package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradefleet/internal/chrome"
	"tradefleet/internal/config"
	"tradefleet/internal/events"
	"tradefleet/internal/state"
	"tradefleet/internal/supervisor"
)

// Manager owns the account lifecycle: launch, startup, health watching
// and restart with state preservation. It is the only caller of the
// supervisor's restart action.
type Manager struct {
	cfg      *config.Config
	sup      *supervisor.Supervisor
	monitor  *supervisor.Monitor
	boot     *Bootstrapper
	registry *Registry
	probe    *chrome.Probe
	store    *state.Store
	journal  *events.Journal
	log      zerolog.Logger
}

// NewManager wires the lifecycle manager.
func NewManager(cfg *config.Config, sup *supervisor.Supervisor, monitor *supervisor.Monitor, boot *Bootstrapper, registry *Registry, probe *chrome.Probe, store *state.Store, journal *events.Journal, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		sup:      sup,
		monitor:  monitor,
		boot:     boot,
		registry: registry,
		probe:    probe,
		store:    store,
		journal:  journal,
		log:      log,
	}
}

const watchInterval = 30 * time.Second

// Start registers every account, brings up the non-protected ones in
// parallel and then watches health until the context ends. Accounts on
// the protected port are registered for observation only.
func (m *Manager) Start(ctx context.Context) error {
	restored, err := m.store.Load()
	if err != nil {
		m.log.Warn().Err(err).Msg("Recovery snapshot unreadable, starting fresh")
	}
	m.reportRestoredCircuits(restored)

	g, gctx := errgroup.WithContext(ctx)
	for _, account := range m.cfg.Accounts {
		account := account
		m.sup.Register(account)

		if account.AssignedPort == m.sup.ProtectedPort() {
			m.log.Info().
				Str("account", account.ID()).
				Int("port", account.AssignedPort).
				Msg("Account is on the protected port: observe-only")
			continue
		}

		g.Go(func() error {
			if err := m.bringUp(gctx, account, restored); err != nil {
				m.log.Error().Err(err).Str("account", account.ID()).Msg("Account failed to reach READY")
				// One failed account must not stop the fleet.
				return nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if m.registry.Len() == 0 && len(m.cfg.Accounts) > 0 {
		m.journal.Append(events.Event{
			Component:   "manager",
			Kind:        "fleet_empty",
			Outcome:     events.OutcomeFailure,
			Severity:    events.SeverityCritical,
			Description: "no account reached READY",
		})
	}

	m.watch(ctx)
	return nil
}

// reportRestoredCircuits surfaces breaker states carried over from the
// previous run. Breakers themselves start fresh; a circuit that was open
// at shutdown is worth an operator's attention before trading resumes.
func (m *Manager) reportRestoredCircuits(restored *state.Snapshot) {
	if restored == nil {
		return
	}
	for key, st := range restored.CircuitStates {
		if st == "CLOSED" {
			continue
		}
		m.journal.Append(events.Event{
			Component:    "manager",
			Kind:         "circuit_carryover",
			Outcome:      events.OutcomeSkipped,
			Severity:     events.SeverityWarning,
			CircuitState: st,
			Description:  fmt.Sprintf("circuit %s was %s before the last shutdown", key, st),
		})
	}
}

// bringUp launches one account's browser and drives it to READY.
func (m *Manager) bringUp(ctx context.Context, account config.Account, restored *state.Snapshot) error {
	if err := m.sup.Launch(ctx, account.ID()); err != nil {
		return err
	}

	inst, _ := m.sup.Instance(account.ID())
	if err := m.monitor.Run(ctx, inst, m.boot); err != nil {
		return err
	}

	// Re-seed the last active symbol from the recovery snapshot.
	if restored != nil {
		if symbol, ok := restored.ActiveSymbols[account.ID()]; ok && symbol != "" {
			if sess, ok := m.registry.Get(account.ID()); ok {
				if err := sess.UpdateSymbol(ctx, "", symbol); err != nil {
					m.log.Warn().Err(err).Str("account", account.ID()).Msg("Failed to restore active symbol")
				}
			}
		}
	}

	m.persistFleet()
	return nil
}

// persistFleet snapshots the ready set and port mapping.
func (m *Manager) persistFleet() {
	ready := make([]string, 0)
	ports := make(map[string]int)
	for _, s := range m.registry.List() {
		ready = append(ready, s.Account.ID())
		ports[s.Account.ID()] = s.Account.AssignedPort
	}
	if err := m.store.SetReadySessions(ready, ports); err != nil {
		m.log.Warn().Err(err).Msg("Failed to persist fleet state")
	}
}

// watch probes session health periodically and, in ACTIVE mode, restarts
// wedged browsers.
func (m *Manager) watch(ctx context.Context) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, sess := range m.registry.List() {
			report := m.probe.Check(ctx, tabOf(sess))
			if report.DerivedStatus == chrome.HealthHealthy {
				sess.Touch()
				continue
			}

			m.journal.Append(events.Event{
				Component:   "manager",
				Kind:        "session_unhealthy",
				Account:     sess.Account.ID(),
				Outcome:     events.OutcomeFailure,
				Severity:    events.SeverityWarning,
				Description: fmt.Sprintf("session health %s", report.DerivedStatus),
			})

			switch report.DerivedStatus {
			case chrome.HealthUnresponsive:
				if m.monitor.Mode() == supervisor.ModeActive {
					m.restart(ctx, sess.Account)
				}
			case chrome.HealthDegraded, chrome.HealthMisauthenticated:
				// Script loss and logout are recoverable in place:
				// invalidate and re-run the startup tail.
				sess.Invalidate()
				if m.monitor.Mode() == supervisor.ModeActive {
					m.recover(ctx, sess.Account)
				}
			}
		}

		// Surviving console output feeds the journal as observations.
		m.drainConsoles(ctx)
	}
}

// restart tears the account down and brings it back up, preserving its
// port and identity.
func (m *Manager) restart(ctx context.Context, account config.Account) {
	m.boot.Teardown(account.ID())

	if err := m.sup.Restart(ctx, account); err != nil {
		m.log.Error().Err(err).Str("account", account.ID()).Msg("Restart refused or failed")
		return
	}

	restored, _ := m.store.Load()
	inst, _ := m.sup.Instance(account.ID())
	if err := m.monitor.Run(ctx, inst, m.boot); err != nil {
		m.log.Error().Err(err).Str("account", account.ID()).Msg("Startup after restart failed")
		return
	}
	if restored != nil {
		if symbol := restored.ActiveSymbols[account.ID()]; symbol != "" {
			if sess, ok := m.registry.Get(account.ID()); ok {
				if err := sess.UpdateSymbol(ctx, "", symbol); err != nil {
					m.log.Warn().Err(err).Str("account", account.ID()).Msg("Failed to restore active symbol")
				}
			}
		}
	}
	m.persistFleet()
}

// recover re-runs authentication and injection phases against the live
// browser without killing the process.
func (m *Manager) recover(ctx context.Context, account config.Account) {
	inst, ok := m.sup.Instance(account.ID())
	if !ok {
		return
	}
	recoverCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	if err := m.boot.LoadPage(recoverCtx, inst); err != nil {
		m.log.Warn().Err(err).Str("account", account.ID()).Msg("In-place recovery: page load failed")
		return
	}
	if err := m.boot.Authenticate(recoverCtx, inst); err != nil {
		m.log.Warn().Err(err).Str("account", account.ID()).Msg("In-place recovery: authentication failed")
		return
	}
	if err := m.boot.Finalize(recoverCtx, inst); err != nil {
		m.log.Warn().Err(err).Str("account", account.ID()).Msg("In-place recovery: finalize failed")
	}
}

// drainConsoles pulls captured console lines into the journal.
func (m *Manager) drainConsoles(ctx context.Context) {
	for _, sess := range m.registry.List() {
		lines, err := sess.ConsoleLog(ctx)
		if err != nil {
			continue
		}
		for _, line := range lines {
			m.journal.Append(events.Event{
				Component:   "console",
				Kind:        "page_console",
				Account:     sess.Account.ID(),
				Outcome:     events.OutcomeSuccess,
				Description: line,
			})
		}
	}
}

func tabOf(s *Session) chrome.EvalTarget { return s.tab }
