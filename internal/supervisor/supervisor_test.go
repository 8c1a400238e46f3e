package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefleet/internal/config"
	"tradefleet/internal/events"
)

// fakeLauncher records calls so tests can prove no OS action happened.
type fakeLauncher struct {
	launched []LaunchSpec
	killed   int
	cleaned  []int
	nextPid  int
}

func (f *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (*Process, error) {
	f.launched = append(f.launched, spec)
	f.nextPid++
	return &Process{Pid: 4000 + f.nextPid}, nil
}

func (f *fakeLauncher) Kill(p *Process, grace time.Duration) error {
	f.killed++
	return nil
}

func (f *fakeLauncher) CleanupPort(port int) error {
	f.cleaned = append(f.cleaned, port)
	return nil
}

func testChromeConfig() config.ChromeConfig {
	return config.ChromeConfig{
		TradingHost:    "trader.tradovate.com",
		ProfileBaseDir: "/tmp/profiles",
		ProtectedPort:  9222,
	}
}

func testRestartConfig() config.RestartConfig {
	return config.RestartConfig{MaxAttempts: 2, Window: "10m", Backoff: "1ms"}
}

func newTestSupervisor() (*Supervisor, *fakeLauncher) {
	launcher := &fakeLauncher{}
	sup := New(launcher, testChromeConfig(), testRestartConfig(), events.NewJournal(100), zerolog.Nop())
	return sup, launcher
}

func account(name string, port int) config.Account {
	return config.Account{DisplayName: name, Username: "u", Password: "p", AssignedPort: port}
}

func TestLaunchRegisteredAccount(t *testing.T) {
	sup, launcher := newTestSupervisor()
	sup.Register(account("Main", 9301))

	err := sup.Launch(context.Background(), "Main")
	require.NoError(t, err)

	require.Len(t, launcher.launched, 1)
	spec := launcher.launched[0]
	assert.Equal(t, 9301, spec.Port)
	assert.Equal(t, "https://trader.tradovate.com/", spec.StartURL)
	assert.Contains(t, spec.ProfileDir, "Main")

	inst, ok := sup.Instance("Main")
	require.True(t, ok)
	st := inst.Status()
	assert.Equal(t, "LAUNCHING", st.Phase)
	assert.Equal(t, 1, st.LaunchAttempts)
	assert.NotZero(t, st.Pid)
}

func TestLaunchRefusedOnProtectedPort(t *testing.T) {
	sup, launcher := newTestSupervisor()
	sup.Register(account("Shared", 9222))

	err := sup.Launch(context.Background(), "Shared")

	var protected *PortProtectedError
	require.ErrorAs(t, err, &protected)
	assert.Equal(t, 9222, protected.Port)
	assert.Equal(t, "launch", protected.Action)
	assert.Empty(t, launcher.launched, "protected port must never reach the launcher")
}

func TestKillAndRestartRefusedOnProtectedPort(t *testing.T) {
	sup, launcher := newTestSupervisor()
	acc := account("Shared", 9222)
	sup.Register(acc)

	var protected *PortProtectedError
	require.ErrorAs(t, sup.Kill(context.Background(), "Shared"), &protected)
	require.ErrorAs(t, sup.Restart(context.Background(), acc), &protected)

	assert.Zero(t, launcher.killed)
	assert.Empty(t, launcher.cleaned)
}

func TestProtectedPortRefusalIsJournaled(t *testing.T) {
	launcher := &fakeLauncher{}
	journal := events.NewJournal(100)
	sup := New(launcher, testChromeConfig(), testRestartConfig(), journal, zerolog.Nop())
	sup.Register(account("Shared", 9222))

	_ = sup.Launch(context.Background(), "Shared")

	evts := journal.Query("", time.Minute)
	require.NotEmpty(t, evts)
	found := false
	for _, e := range evts {
		if e.Kind == "port_protected" {
			found = true
			assert.Equal(t, events.OutcomeSkipped, e.Outcome)
		}
	}
	assert.True(t, found)
}

func TestRestartReplacesInstanceAndCleansPort(t *testing.T) {
	sup, launcher := newTestSupervisor()
	acc := account("Main", 9301)
	sup.Register(acc)
	require.NoError(t, sup.Launch(context.Background(), "Main"))

	err := sup.Restart(context.Background(), acc)
	require.NoError(t, err)

	assert.Equal(t, 1, launcher.killed)
	assert.Equal(t, []int{9301}, launcher.cleaned)
	assert.Len(t, launcher.launched, 2)

	// The fresh instance starts its phase history over.
	inst, _ := sup.Instance("Main")
	assert.Equal(t, PhaseLaunching, inst.Phase())
	assert.Equal(t, 1, inst.Status().LaunchAttempts)
}

func TestRestartBudgetExhausted(t *testing.T) {
	sup, _ := newTestSupervisor()
	acc := account("Main", 9301)
	sup.Register(acc)
	require.NoError(t, sup.Launch(context.Background(), "Main"))

	// MaxAttempts is 2 in the rolling window.
	require.NoError(t, sup.Restart(context.Background(), acc))
	require.NoError(t, sup.Restart(context.Background(), acc))

	err := sup.Restart(context.Background(), acc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restart budget exhausted")
}

func TestShutdownSkipsProtectedPort(t *testing.T) {
	sup, launcher := newTestSupervisor()
	sup.Register(account("Main", 9301))
	sup.Register(account("Shared", 9222))
	require.NoError(t, sup.Launch(context.Background(), "Main"))

	sup.Shutdown(context.Background())

	assert.Equal(t, 1, launcher.killed, "only the non-protected instance is killed")
}

func TestPhaseMonotonicity(t *testing.T) {
	inst := &Instance{phase: PhaseConnecting}

	// Backward transitions are ignored.
	inst.setPhase(PhaseLaunching)
	assert.Equal(t, PhaseConnecting, inst.Phase())

	inst.setPhase(PhaseLoadingPage)
	assert.Equal(t, PhaseLoadingPage, inst.Phase())

	// FAILED is reachable from anywhere.
	inst.setPhase(PhaseFailed)
	assert.Equal(t, PhaseFailed, inst.Phase())
}
