package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradefleet/internal/config"
	"tradefleet/internal/events"
)

// PortProtectedError reports a refused action against the reserved port.
// The action was never executed.
type PortProtectedError struct {
	Port   int
	Action string
}

func (e *PortProtectedError) Error() string {
	return fmt.Sprintf("port %d is protected: refusing %s", e.Port, e.Action)
}

// Instance is one tracked browser. Owned exclusively by the supervisor;
// everyone else reads through Status().
type Instance struct {
	AccountID   string
	Port        int
	ProfilePath string

	mu             sync.Mutex
	phase          Phase
	pid            int
	startedAt      time.Time
	launchAttempts int
	lastError      string
	proc           *Process
}

// Status is the read-only view of an instance.
type Status struct {
	AccountID      string    `json:"account"`
	Port           int       `json:"port"`
	Pid            int       `json:"pid,omitempty"`
	Phase          string    `json:"phase"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	LaunchAttempts int       `json:"launch_attempts"`
	LastError      string    `json:"last_error,omitempty"`
}

// Phase returns the current phase.
func (i *Instance) Phase() Phase {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.phase
}

// setPhase advances the phase; backward transitions are ignored except
// to FAILED.
func (i *Instance) setPhase(p Phase) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p != PhaseFailed && p <= i.phase {
		return
	}
	i.phase = p
}

// Status returns a consistent view of the instance.
func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Status{
		AccountID:      i.AccountID,
		Port:           i.Port,
		Pid:            i.pid,
		Phase:          i.phase.String(),
		StartedAt:      i.startedAt,
		LaunchAttempts: i.launchAttempts,
		LastError:      i.lastError,
	}
}

// Supervisor tracks every account's browser instance. It is the only
// component allowed to spawn or kill browser processes.
type Supervisor struct {
	mu        sync.RWMutex
	instances map[string]*Instance

	launcher      Launcher
	protectedPort int
	chromeCfg     config.ChromeConfig
	restartCfg    config.RestartConfig

	histMu      sync.Mutex
	restartHist map[string][]time.Time

	journal *events.Journal
	log     zerolog.Logger
}

const killGrace = 5 * time.Second

// New creates a supervisor.
func New(launcher Launcher, chromeCfg config.ChromeConfig, restartCfg config.RestartConfig, journal *events.Journal, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		instances:     make(map[string]*Instance),
		launcher:      launcher,
		protectedPort: chromeCfg.ProtectedPort,
		chromeCfg:     chromeCfg,
		restartCfg:    restartCfg,
		restartHist:   make(map[string][]time.Time),
		journal:       journal,
		log:           log,
	}
}

// guardPort is the hard rule: no launch, kill, restart or cleanup ever
// targets the protected port.
func (s *Supervisor) guardPort(port int, action string) error {
	if port != s.protectedPort {
		return nil
	}
	err := &PortProtectedError{Port: port, Action: action}
	s.log.Warn().Int("port", port).Str("action", action).Msg("Refusing action on protected port")
	s.journal.Append(events.Event{
		Component:   "supervisor",
		Kind:        "port_protected",
		Outcome:     events.OutcomeSkipped,
		Severity:    events.SeverityWarning,
		Description: err.Error(),
	})
	return err
}

// ProtectedPort returns the reserved port.
func (s *Supervisor) ProtectedPort() int { return s.protectedPort }

// Register creates a fresh instance in REGISTERED for an account.
// Re-registering an account replaces its previous instance.
func (s *Supervisor) Register(account config.Account) *Instance {
	inst := &Instance{
		AccountID:   account.ID(),
		Port:        account.AssignedPort,
		ProfilePath: filepath.Join(s.chromeCfg.ProfileBaseDir, account.ID()),
		phase:       PhaseRegistered,
	}

	s.mu.Lock()
	s.instances[account.ID()] = inst
	s.mu.Unlock()
	return inst
}

// Instance returns the tracked instance for an account.
func (s *Supervisor) Instance(accountID string) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[accountID]
	return inst, ok
}

// Statuses returns the status of every tracked instance.
func (s *Supervisor) Statuses() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.Status())
	}
	return out
}

// Launch spawns the browser for a registered account.
func (s *Supervisor) Launch(ctx context.Context, accountID string) error {
	inst, ok := s.Instance(accountID)
	if !ok {
		return fmt.Errorf("no instance registered for account %s", accountID)
	}
	if err := s.guardPort(inst.Port, "launch"); err != nil {
		return err
	}

	startURL := "https://" + s.chromeCfg.TradingHost + "/"
	proc, err := s.launcher.Launch(ctx, LaunchSpec{
		Port:       inst.Port,
		ProfileDir: inst.ProfilePath,
		StartURL:   startURL,
		Executable: s.chromeCfg.Executable,
		Headless:   s.chromeCfg.Headless,
	})

	inst.mu.Lock()
	inst.launchAttempts++
	if err != nil {
		inst.lastError = err.Error()
		inst.mu.Unlock()
		return err
	}
	inst.proc = proc
	inst.pid = proc.Pid
	inst.startedAt = time.Now()
	inst.lastError = ""
	if inst.phase < PhaseLaunching {
		inst.phase = PhaseLaunching
	}
	inst.mu.Unlock()

	s.journal.Append(events.Event{
		Component:   "supervisor",
		Kind:        "launch",
		Account:     accountID,
		Outcome:     events.OutcomeSuccess,
		Description: fmt.Sprintf("browser launched on port %d (pid %d)", inst.Port, proc.Pid),
	})
	return nil
}

// Kill stops the account's browser.
func (s *Supervisor) Kill(ctx context.Context, accountID string) error {
	inst, ok := s.Instance(accountID)
	if !ok {
		return fmt.Errorf("no instance registered for account %s", accountID)
	}
	if err := s.guardPort(inst.Port, "kill"); err != nil {
		return err
	}

	inst.mu.Lock()
	proc := inst.proc
	inst.mu.Unlock()

	if err := s.launcher.Kill(proc, killGrace); err != nil {
		return err
	}

	s.journal.Append(events.Event{
		Component:   "supervisor",
		Kind:        "kill",
		Account:     accountID,
		Outcome:     events.OutcomeSuccess,
		Description: fmt.Sprintf("browser on port %d stopped", inst.Port),
	})
	return nil
}

// Restart destroys the instance and registers a fresh one, bounded by the
// rolling restart window. State preservation (symbol, circuits) is the
// caller's concern via the recovery store.
func (s *Supervisor) Restart(ctx context.Context, account config.Account) error {
	accountID := account.ID()
	inst, ok := s.Instance(accountID)
	if !ok {
		return fmt.Errorf("no instance registered for account %s", accountID)
	}
	if err := s.guardPort(inst.Port, "restart"); err != nil {
		return err
	}

	if !s.allowRestart(accountID) {
		return fmt.Errorf("restart budget exhausted for %s: %d per %s",
			accountID, s.restartCfg.MaxAttempts, s.restartCfg.GetWindow())
	}

	if err := s.Kill(ctx, accountID); err != nil {
		s.log.Warn().Err(err).Str("account", accountID).Msg("Kill before restart failed, continuing")
	}
	if err := s.launcher.CleanupPort(inst.Port); err != nil {
		s.log.Warn().Err(err).Int("port", inst.Port).Msg("Residual cleanup failed")
	}

	select {
	case <-time.After(s.restartCfg.GetBackoff()):
	case <-ctx.Done():
		return ctx.Err()
	}

	s.Register(account)
	events.GetMetrics().Restarts.WithLabelValues(accountID).Inc()
	s.journal.Append(events.Event{
		Component:   "supervisor",
		Kind:        "restart",
		Account:     accountID,
		Outcome:     events.OutcomeSuccess,
		Severity:    events.SeverityWarning,
		Description: fmt.Sprintf("instance recreated on port %d", inst.Port),
	})

	return s.Launch(ctx, accountID)
}

// allowRestart enforces the bounded rolling window.
func (s *Supervisor) allowRestart(accountID string) bool {
	now := time.Now()
	window := s.restartCfg.GetWindow()

	s.histMu.Lock()
	defer s.histMu.Unlock()

	hist := s.restartHist[accountID]
	kept := hist[:0]
	for _, t := range hist {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	if len(kept) >= s.restartCfg.MaxAttempts {
		s.restartHist[accountID] = kept
		return false
	}
	s.restartHist[accountID] = append(kept, now)
	return true
}

// Shutdown kills every non-protected instance.
func (s *Supervisor) Shutdown(ctx context.Context) {
	for _, st := range s.Statuses() {
		if st.Port == s.protectedPort {
			continue
		}
		if err := s.Kill(ctx, st.AccountID); err != nil {
			s.log.Warn().Err(err).Str("account", st.AccountID).Msg("Shutdown kill failed")
		}
	}
}

// ProcessAlive reports whether the instance's tracked process is running.
func (s *Supervisor) ProcessAlive(accountID string) bool {
	inst, ok := s.Instance(accountID)
	if !ok {
		return false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.proc != nil && inst.proc.Alive()
}
