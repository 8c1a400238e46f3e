package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradefleet/internal/chrome"
	"tradefleet/internal/config"
	"tradefleet/internal/dispatch"
	"tradefleet/internal/events"
	"tradefleet/internal/order"
	"tradefleet/internal/session"
	"tradefleet/internal/state"
	"tradefleet/internal/supervisor"
)

type nopLauncher struct{}

func (nopLauncher) Launch(ctx context.Context, spec supervisor.LaunchSpec) (*supervisor.Process, error) {
	return &supervisor.Process{Pid: 4242}, nil
}
func (nopLauncher) Kill(p *supervisor.Process, grace time.Duration) error { return nil }
func (nopLauncher) CleanupPort(port int) error                           { return nil }

type idleTab struct{ key string }

func (t idleTab) Key() string { return t.key }
func (t idleTab) Evaluate(ctx context.Context, expression string, timeout time.Duration) (*chrome.EvalEnvelope, error) {
	return nil, context.Canceled
}

// fakeExec satisfies dispatch.Executor without a browser.
type fakeExec struct {
	feedback *session.OrderFeedback
	placeErr error
}

func (f *fakeExec) MarketData(ctx context.Context, symbol string) (*order.Snapshot, error) {
	return &order.Snapshot{
		Symbol: symbol,
		Bid:    decimal.RequireFromString("21000.25"),
		Ask:    decimal.RequireFromString("21000.50"),
		At:     time.Now(),
	}, nil
}

func (f *fakeExec) PlaceBracket(ctx context.Context, intent *order.Intent) (*session.OrderFeedback, error) {
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return f.feedback, nil
}

func (f *fakeExec) CircuitSnapshot() map[string]string {
	return map[string]string{"CRITICAL": "closed"}
}

func filledExecFeedback() *session.OrderFeedback {
	fill := 21000.50
	now := time.Now().UnixMilli()
	return &session.OrderFeedback{
		Success:          true,
		OrderID:          "ord-1",
		OrderType:        "MARKET",
		OrderAction:      "Buy",
		OrderQuantity:    1,
		AverageFillPrice: &fill,
		BracketOrders: []session.BracketOrder{
			{Type: "TAKE_PROFIT", OrderID: "tp-1"},
			{Type: "STOP_LOSS", OrderID: "sl-1"},
		},
		TimingMetrics: session.TimingMetrics{
			SubmittedAt:   now,
			CompletedAt:   now + 40,
			TotalDuration: 40,
		},
	}
}

type testEnv struct {
	server   *Server
	registry *session.Registry
	sup      *supervisor.Supervisor
	monitor  *supervisor.Monitor
	journal  *events.Journal
	cfg      *config.Config
	coord    *dispatch.Coordinator
	execs    map[string]dispatch.Executor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.App.Name = "tradefleet"
	cfg.App.Environment = "development"
	cfg.API.Port = 8080
	cfg.API.RequestDeadline = "5s"
	cfg.API.SignalRateLimit = 1000
	cfg.API.SignalRateBurst = 1000
	cfg.Chrome.TradingHost = "trader.tradovate.com"
	cfg.Chrome.ProtectedPort = 9222
	cfg.Startup.Mode = "ACTIVE"
	cfg.Restart.MaxAttempts = 3
	cfg.Accounts = []config.Account{
		{DisplayName: "Main", Username: "u1", Password: "p1", AssignedPort: 9301},
		{DisplayName: "Shared", Username: "u2", Password: "p2", AssignedPort: 9222},
	}
	cfg.Strategies = map[string][]string{
		"default": {"Main"},
		"shared":  {"Shared"},
	}

	journal := events.NewJournal(500)
	store := state.NewStore(filepath.Join(t.TempDir(), "recovery.json"), time.Hour, zerolog.Nop())
	registry := session.NewRegistry()
	env := &testEnv{
		registry: registry,
		journal:  journal,
		cfg:      cfg,
		execs:    make(map[string]dispatch.Executor),
	}

	lookup := func(accountID string) (dispatch.Executor, bool) {
		e, ok := env.execs[accountID]
		return e, ok
	}
	coord := dispatch.NewCoordinator(dispatch.NewRouter(cfg), lookup, store, journal, zerolog.Nop())
	env.coord = coord

	env.sup = supervisor.New(nopLauncher{}, cfg.Chrome, cfg.Restart, journal, zerolog.Nop())
	env.monitor = supervisor.NewMonitor(supervisor.ModeActive, supervisor.DefaultBudgets(2*time.Minute), journal, zerolog.Nop())

	env.server = NewServer(Deps{
		Config:      cfg,
		Coordinator: coord,
		Registry:    registry,
		Supervisor:  env.sup,
		Monitor:     env.monitor,
		Journal:     journal,
	})
	return env
}

// addSession installs a READY session for an account and wires its
// dispatch executor.
func (e *testEnv) addSession(t *testing.T, name string, exec dispatch.Executor) {
	t.Helper()
	account, ok := e.cfg.AccountByID(name)
	require.True(t, ok)

	policies := chrome.DefaultPolicySet()
	evaluator := chrome.NewEvaluator(policies,
		chrome.NewBreakerRegistry(policies, time.Second, e.journal), e.journal, zerolog.Nop())
	bundle := &session.ScriptBundle{}

	e.registry.Add(session.New(account, idleTab{key: name + "-tab"}, evaluator, bundle))
	e.execs[name] = exec
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRootReportsService(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "tradefleet", body["service"])
	assert.Equal(t, "running", body["status"])
}

func TestHealthEmptyFleet(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)

	system := body["system_health"].(map[string]any)
	assert.Equal(t, float64(100), system["score"])
	assert.Equal(t, "HEALTHY", system["status"])
	assert.GreaterOrEqual(t, system["uptime_seconds"], float64(0))
	assert.Empty(t, body["sessions"])
}

func TestHealthListsReadySessions(t *testing.T) {
	env := newTestEnv(t)
	env.addSession(t, "Main", &fakeExec{feedback: filledExecFeedback()})
	env.sup.Register(env.cfg.Accounts[0])

	w := env.do(http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)

	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 1)
	sess := sessions[0].(map[string]any)
	assert.Equal(t, "Main", sess["account"])
	assert.Equal(t, float64(9301), sess["port"])
	assert.Equal(t, "REGISTERED", sess["phase"])
	assert.Equal(t, true, sess["ready"])

	lastSeen, err := time.Parse(time.RFC3339Nano, sess["last_seen"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), lastSeen, time.Minute)
}

func TestSignalWithoutSessionsIsUnavailable(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/signal", `{"symbol":"NQ","action":"Buy","quantity":1}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(0), body["filled"])
	accounts := body["accounts"].([]any)
	require.Len(t, accounts, 1)
	assert.Equal(t, "ERRORED", accounts[0].(map[string]any)["status"])
}

func TestSignalAllRejectedIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.addSession(t, "Main", &fakeExec{feedback: &session.OrderFeedback{
		Success: false, RejectionReason: "insufficient margin",
	}})

	w := env.do(http.MethodPost, "/api/signal", `{"symbol":"NQ","action":"Buy","quantity":1}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["rejected"])
	assert.Equal(t, float64(0), body["filled"])
}

func TestSignalRejectsInvalidBody(t *testing.T) {
	env := newTestEnv(t)
	env.addSession(t, "Main", &fakeExec{feedback: filledExecFeedback()})

	w := env.do(http.MethodPost, "/api/signal", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/signal", `{"symbol":"NQ","action":"Buy","quantity":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/signal", `{"symbol":"NQ","action":"Hold","quantity":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSignalRoutingOnlyProtectedIsConflict(t *testing.T) {
	// No sessions at all: an empty route is a routing conflict, not an
	// availability problem.
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/signal",
		`{"symbol":"NQ","action":"Buy","quantity":1,"strategy_tag":"shared"}`)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeBody(t, w)
	skipped := body["skipped"].([]any)
	require.Len(t, skipped, 1)
	assert.Equal(t, "Shared", skipped[0].(map[string]any)["account"])
}

func TestSignalDispatchesToDefaultStrategy(t *testing.T) {
	env := newTestEnv(t)
	env.addSession(t, "Main", &fakeExec{feedback: filledExecFeedback()})

	w := env.do(http.MethodPost, "/api/signal",
		`{"id":"sig-7","symbol":"NQ","action":"Buy","quantity":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)

	assert.Equal(t, "sig-7", body["signal_id"])
	assert.Equal(t, float64(1), body["requested"])
	assert.Equal(t, float64(1), body["filled"])

	accounts := body["accounts"].([]any)
	require.Len(t, accounts, 1)
	report := accounts[0].(map[string]any)
	assert.Equal(t, "Main", report["account"])
	assert.Equal(t, "FILLED", report["status"])
	assert.Len(t, report["orders"], 3)
}

func TestTradeRequiresAccountList(t *testing.T) {
	env := newTestEnv(t)
	env.addSession(t, "Main", &fakeExec{feedback: filledExecFeedback()})

	w := env.do(http.MethodPost, "/api/trade", `{"symbol":"NQ","action":"Buy","quantity":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTradeExplicitAccounts(t *testing.T) {
	env := newTestEnv(t)
	env.addSession(t, "Main", &fakeExec{feedback: filledExecFeedback()})

	w := env.do(http.MethodPost, "/api/trade",
		`{"accounts":["Main"],"symbol":"NQ","action":"Sell","quantity":2}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["filled"])
}

func TestAccountsNeverExposeCredentials(t *testing.T) {
	env := newTestEnv(t)
	env.sup.Register(env.cfg.Accounts[0])

	w := env.do(http.MethodGet, "/api/accounts", "")
	require.Equal(t, http.StatusOK, w.Code)

	raw := w.Body.String()
	assert.NotContains(t, raw, "u1")
	assert.NotContains(t, raw, "p1")
	assert.NotContains(t, raw, "password")

	body := decodeBody(t, w)
	accounts := body["accounts"].([]any)
	require.Len(t, accounts, 2)
	for _, a := range accounts {
		entry := a.(map[string]any)
		if entry["name"] == "Shared" {
			assert.Equal(t, true, entry["protected"])
		} else {
			assert.Equal(t, false, entry["protected"])
		}
	}
}

func TestErrorsQueryAndClear(t *testing.T) {
	env := newTestEnv(t)
	env.journal.Append(events.Event{
		Component: "chrome", Kind: "evaluate", Outcome: events.OutcomeFailure,
		Description: "transport lost",
	})
	env.journal.Append(events.Event{
		TS:        time.Now().Add(-3 * time.Hour),
		Component: "supervisor", Kind: "restart", Outcome: events.OutcomeFailure,
		Description: "old failure",
	})

	w := env.do(http.MethodGet, "/api/errors?window=1h&category=chrome", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, "1h0m0s", body["window"])

	// Bare numbers are minutes.
	w = env.do(http.MethodGet, "/api/errors?window=30", "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, "30m0s", body["window"])

	w = env.do(http.MethodPost, "/api/errors/clear", `{"hours":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, float64(1), body["remaining"])
}

func TestStartupMonitoringControl(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/startup-monitoring/control", `{"mode":"SOMETIMES"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, supervisor.ModeActive, env.monitor.Mode())

	w = env.do(http.MethodPost, "/api/startup-monitoring/control", `{"mode":"passive"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, supervisor.ModePassive, env.monitor.Mode())

	w = env.do(http.MethodGet, "/api/startup-monitoring", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "PASSIVE", body["mode"])
}

func TestSignalRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.API.SignalRateLimit = 1
	env.cfg.API.SignalRateBurst = 1

	// Rebuild so the limiter picks up the tight budget.
	env.server = NewServer(Deps{
		Config:      env.cfg,
		Coordinator: env.coord,
		Registry:    env.registry,
		Supervisor:  env.sup,
		Monitor:     env.monitor,
		Journal:     env.journal,
	})

	// First request consumes the burst; with no sessions it still gets
	// past the limiter and fails on availability.
	w := env.do(http.MethodPost, "/api/signal", `{"symbol":"NQ","action":"Buy","quantity":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.do(http.MethodPost, "/api/signal", `{"symbol":"NQ","action":"Buy","quantity":1}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
