package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradefleet/internal/chrome"
	"tradefleet/internal/config"
	"tradefleet/internal/order"
)

// Session is the active pairing of an account with a ready tab. It exists
// only while the instance is READY; the manager destroys it on any phase
// regression.
type Session struct {
	Account config.Account

	tab       chrome.EvalTarget
	evaluator *chrome.Evaluator
	bundle    *ScriptBundle

	// criticalMu serializes trade-affecting operations: at most one
	// CRITICAL call in flight per session.
	criticalMu sync.Mutex

	mu              sync.Mutex
	injectedVersion string
	lastTradeResult *OrderFeedback
	lastSeen        time.Time

	log zerolog.Logger
}

// New binds an account to its attached tab.
func New(account config.Account, tab chrome.EvalTarget, evaluator *chrome.Evaluator, bundle *ScriptBundle) *Session {
	return &Session{
		Account:   account,
		tab:       tab,
		evaluator: evaluator,
		bundle:    bundle,
		lastSeen:  time.Now(),
		log:       config.NewAccountLogger(account.ID(), account.AssignedPort),
	}
}

// Touch records a passed health check.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen reports when the session last passed a health check.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// TabKey returns the breaker key of the underlying tab.
func (s *Session) TabKey() string { return s.tab.Key() }

// Ready reports whether the injected script version matches the bundle.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.injectedVersion == s.bundle.Version
}

// CircuitSnapshot reports the breaker state per operation class for this
// session's tab.
func (s *Session) CircuitSnapshot() map[string]string {
	return s.evaluator.Breakers().Snapshot(s.tab.Key())
}

// LastTradeResult returns the most recent order feedback, if any.
func (s *Session) LastTradeResult() *OrderFeedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTradeResult
}

// InjectScripts evaluates the bundle into the tab in its fixed order and
// records the version. Called at READY and again after any event that
// invalidates the tab (navigation, reload, crash restart).
func (s *Session) InjectScripts(ctx context.Context) error {
	for i, src := range s.bundle.Sources {
		_, err := s.evaluator.SafeEvaluate(ctx, s.tab,
			"(() => { "+src+"\n; return true })()",
			"inject "+s.bundle.Names[i], chrome.Important, "boolean")
		if err != nil {
			return fmt.Errorf("failed to inject %s: %w", s.bundle.Names[i], err)
		}
	}

	s.mu.Lock()
	s.injectedVersion = s.bundle.Version
	s.mu.Unlock()

	s.log.Info().Str("version", s.bundle.Version).Msg("Page scripts injected")
	return nil
}

// Invalidate clears the injected version so callers re-inject before the
// next page-function call.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.injectedVersion = ""
	s.mu.Unlock()
}

func (s *Session) requireReady() error {
	if !s.Ready() {
		return fmt.Errorf("session %s: page scripts not injected (version mismatch)", s.Account.ID())
	}
	return nil
}

// jsArgs renders Go values as a javascript argument list.
func jsArgs(args ...any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == nil {
			parts[i] = "null"
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			parts[i] = "null"
			continue
		}
		parts[i] = string(b)
	}
	return strings.Join(parts, ", ")
}

// PlaceBracket submits one bracket order through the page driver. This is
// a CRITICAL operation and fully serialized per session.
func (s *Session) PlaceBracket(ctx context.Context, intent *order.Intent) (*OrderFeedback, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	s.criticalMu.Lock()
	defer s.criticalMu.Unlock()

	var tpTicks, slTicks any
	if intent.TPEnabled {
		tpTicks = intent.TPTicks
	}
	if intent.SLEnabled {
		slTicks = intent.SLTicks
	}
	var orderType any
	if intent.OrderType != "" {
		orderType = string(intent.OrderType)
	}
	tick, _ := intent.TickSize.Float64()

	js := fmt.Sprintf("autoTrade(%s)", jsArgs(
		intent.ContractSymbol,
		intent.Quantity,
		string(intent.Action),
		tpTicks,
		slTicks,
		tick,
		orderType,
	))

	raw, err := s.evaluator.SafeEvaluate(ctx, s.tab, js,
		fmt.Sprintf("place bracket %s %s x%d", intent.Action, intent.ContractSymbol, intent.Quantity),
		chrome.Critical, "object")
	if err != nil {
		return nil, err
	}

	var feedback OrderFeedback
	if err := json.Unmarshal(raw, &feedback); err != nil {
		return nil, &chrome.TransportError{Op: "place_bracket", Err: err}
	}

	s.mu.Lock()
	s.lastTradeResult = &feedback
	s.mu.Unlock()
	return &feedback, nil
}

// Exit aliases accepted by the page driver.
const (
	ExitPosition  = "exit"
	ExitReverse   = "reverse"
	ExitCancelAll = "cancel-all"
)

// Exit closes or cancels positions for a symbol. CRITICAL.
func (s *Session) Exit(ctx context.Context, symbol, alias string) (bool, error) {
	if err := s.requireReady(); err != nil {
		return false, err
	}

	s.criticalMu.Lock()
	defer s.criticalMu.Unlock()

	js := fmt.Sprintf("clickExitForSymbol(%s)", jsArgs(symbol, alias))
	raw, err := s.evaluator.SafeEvaluate(ctx, s.tab, js,
		fmt.Sprintf("%s %s", alias, symbol), chrome.Critical, "boolean")
	if err != nil {
		return false, err
	}

	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return false, &chrome.TransportError{Op: "exit", Err: err}
	}
	return ok, nil
}

// UpdateSymbol changes the symbol in a page input. IMPORTANT.
func (s *Session) UpdateSymbol(ctx context.Context, selector, value string) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	js := fmt.Sprintf("updateSymbol(%s).then(() => true)", jsArgs(selector, value))
	_, err := s.evaluator.SafeEvaluate(ctx, s.tab, js,
		"update symbol to "+value, chrome.Important, "boolean")
	return err
}

// marketDataPayload mirrors getMarketData's return shape.
type marketDataPayload struct {
	Symbol     string  `json:"symbol"`
	BidPrice   float64 `json:"bidPrice"`
	OfferPrice float64 `json:"offerPrice"`
}

// MarketData reads the current top of book from the page. IMPORTANT.
// A null payload is a hard error: trades are never composed against a
// missing snapshot.
func (s *Session) MarketData(ctx context.Context, symbol string) (*order.Snapshot, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	js := fmt.Sprintf("getMarketData(%s)", jsArgs(symbol))
	raw, err := s.evaluator.SafeEvaluate(ctx, s.tab, js,
		"market data "+symbol, chrome.Important, "")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, order.ErrNoMarketData
	}

	var payload marketDataPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &chrome.TransportError{Op: "market_data", Err: err}
	}

	return &order.Snapshot{
		Symbol: payload.Symbol,
		Bid:    decimal.NewFromFloat(payload.BidPrice),
		Ask:    decimal.NewFromFloat(payload.OfferPrice),
		At:     time.Now(),
	}, nil
}

// ConsoleLog drains captured console lines from the interceptor script.
// NON_CRITICAL; failures are observability loss, not trading loss.
func (s *Session) ConsoleLog(ctx context.Context) ([]string, error) {
	raw, err := s.evaluator.SafeEvaluate(ctx, s.tab,
		"window.getCapturedConsoleLogs ? window.getCapturedConsoleLogs() : []",
		"drain console log", chrome.NonCritical, "object")
	if err != nil {
		return nil, err
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err != nil {
		return nil, &chrome.TransportError{Op: "console_log", Err: err}
	}
	return lines, nil
}

// AccountTable reads the page's account table. IMPORTANT.
func (s *Session) AccountTable(ctx context.Context) (json.RawMessage, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	return s.evaluator.SafeEvaluate(ctx, s.tab,
		"window.getAccountTable ? getAccountTable() : null",
		"read account table", chrome.Important, "")
}
