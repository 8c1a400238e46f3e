package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradefleet/internal/chrome"
	"tradefleet/internal/events"
	"tradefleet/internal/order"
	"tradefleet/internal/session"
	"tradefleet/internal/state"
)

// Executor is the slice of a session the coordinator needs. *session.Session
// implements it.
type Executor interface {
	MarketData(ctx context.Context, symbol string) (*order.Snapshot, error)
	PlaceBracket(ctx context.Context, intent *order.Intent) (*session.OrderFeedback, error)
	CircuitSnapshot() map[string]string
}

// SessionLookup borrows the executor for an account, if one is READY.
type SessionLookup func(accountID string) (Executor, bool)

// Coordinator fans one signal out to all routed accounts in parallel and
// aggregates per-account execution reports. Within an account, bracket
// legs are strictly sequential: entry, then take-profit, then stop-loss.
type Coordinator struct {
	router  *Router
	lookup  SessionLookup
	store   *state.Store
	journal *events.Journal
	log     zerolog.Logger

	// bracketTimeout caps one account's bracket submission once started;
	// started work runs to completion even if the client goes away.
	bracketTimeout time.Duration

	// now is the contract-resolution clock, replaceable in tests.
	now func() time.Time
}

// NewCoordinator wires the execution coordinator.
func NewCoordinator(router *Router, lookup SessionLookup, store *state.Store, journal *events.Journal, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		router:         router,
		lookup:         lookup,
		store:          store,
		journal:        journal,
		log:            log,
		bracketTimeout: 60 * time.Second,
		now:            time.Now,
	}
}

// DispatchSignal routes a signal and executes it on every routed account.
func (c *Coordinator) DispatchSignal(ctx context.Context, sig order.Signal) (*AggregateReport, error) {
	route := c.router.Route(sig)
	return c.execute(ctx, sig, route)
}

// DispatchTo executes a signal on an explicit account list, bypassing the
// strategy map. The protected-port filter still applies.
func (c *Coordinator) DispatchTo(ctx context.Context, accounts []string, sig order.Signal) (*AggregateReport, error) {
	route := c.router.Filter(accounts)
	return c.execute(ctx, sig, route)
}

func (c *Coordinator) execute(ctx context.Context, sig order.Signal, route RouteResult) (*AggregateReport, error) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}

	agg := &AggregateReport{
		SignalID:  sig.ID,
		Requested: len(route.Accounts),
		Skipped:   route.Skipped,
	}
	if len(route.Accounts) == 0 {
		return agg, ErrRoutingEmpty
	}

	events.GetMetrics().SignalsTotal.Inc()

	reports := make([]ExecutionReport, len(route.Accounts))
	var mu sync.Mutex

	g := new(errgroup.Group)
	// Bounded by the number of routed sessions: each account runs its own
	// sequence, there is nothing to queue behind.
	g.SetLimit(len(route.Accounts))

	for i, accountID := range route.Accounts {
		i, accountID := i, accountID
		g.Go(func() error {
			report := c.executeAccount(ctx, accountID, sig)
			mu.Lock()
			reports[i] = report
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	for _, r := range reports {
		agg.Accounts = append(agg.Accounts, r)
		switch r.Status {
		case StatusFilled:
			agg.Filled++
		case StatusRejected:
			agg.Rejected++
		default:
			agg.Errored++
		}
	}

	if err := c.store.SetLastSignal(sig.ID); err != nil {
		c.log.Warn().Err(err).Msg("Failed to persist last signal id")
	}

	circuits := make(map[string]string)
	for _, r := range agg.Accounts {
		for class, st := range r.CircuitStates {
			circuits[r.Account+"/"+class] = st
		}
	}
	if len(circuits) > 0 {
		if err := c.store.SetCircuits(circuits); err != nil {
			c.log.Warn().Err(err).Msg("Failed to persist circuit states")
		}
	}

	c.journal.Append(events.Event{
		Component: "dispatch",
		Kind:      "signal_complete",
		Outcome:   outcomeFor(agg),
		Description: fmt.Sprintf("signal %s: %d requested, %d filled, %d rejected, %d errored",
			sig.ID, agg.Requested, agg.Filled, agg.Rejected, agg.Errored),
	})
	return agg, nil
}

func outcomeFor(agg *AggregateReport) string {
	if agg.Filled > 0 {
		return events.OutcomeSuccess
	}
	return events.OutcomeFailure
}

// executeAccount runs the full bracket sequence for one account. The
// request deadline gates only the start: once the CRITICAL submission has
// begun it runs to completion, because the side effect is external and
// cannot be rolled back.
func (c *Coordinator) executeAccount(ctx context.Context, accountID string, sig order.Signal) (report ExecutionReport) {
	report = ExecutionReport{
		Account: accountID,
		Orders:  []OrderRecord{},
		Timing:  Timing{SubmittedAt: c.now()},
	}

	if err := ctx.Err(); err != nil {
		report.Status = StatusDeadlineExceeded
		report.Error = "request deadline reached before dispatch"
		return report
	}

	exec, ok := c.lookup(accountID)
	if !ok {
		report.Status = StatusErrored
		report.Error = "no READY session for account"
		return report
	}
	defer func() {
		report.CircuitStates = exec.CircuitSnapshot()
	}()

	contract := order.NormalizeSymbol(sig.Symbol, c.now())

	snap, err := exec.MarketData(ctx, contract)
	if err != nil {
		report.Status = StatusErrored
		report.Error = fmt.Sprintf("market data unavailable: %v", err)
		return report
	}

	intent, err := order.Compose(accountID, sig, snap, c.now())
	if err != nil {
		report.Status = StatusErrored
		report.Error = fmt.Sprintf("composition failed: %v", err)
		return report
	}

	// Detach from request cancellation: a submitted trade must be
	// observed to completion.
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.bracketTimeout)
	defer cancel()

	feedback, err := exec.PlaceBracket(submitCtx, intent)
	if err != nil {
		report.Status = StatusErrored
		report.Error = err.Error()
		var open *chrome.CircuitOpenError
		if errors.As(err, &open) {
			report.Error = fmt.Sprintf("circuit open since %s: retry after %s", open.OpenedAt.Format(time.RFC3339), open.RetryAfter)
		}
		events.GetMetrics().OrdersTotal.WithLabelValues("errored").Inc()
		return report
	}

	c.foldFeedback(&report, intent, feedback)

	if report.Success {
		if err := c.store.SetSymbol(accountID, intent.ContractSymbol); err != nil {
			c.log.Warn().Err(err).Str("account", accountID).Msg("Failed to persist active symbol")
		}
	}
	return report
}

// foldFeedback maps the page's order feedback into the report, recording
// the legs in causal order. A rejected entry suppresses the contingent
// legs entirely.
func (c *Coordinator) foldFeedback(report *ExecutionReport, intent *order.Intent, fb *session.OrderFeedback) {
	now := c.now()

	if !fb.Success {
		report.Status = StatusRejected
		report.RejectedCount = 1
		report.RejectionReason = fb.RejectionReason
		events.GetMetrics().OrdersTotal.WithLabelValues("rejected").Inc()
		return
	}

	entry := OrderRecord{
		ID:        fb.OrderID,
		Type:      "ENTRY",
		Timestamp: now,
		FillPrice: fb.AverageFillPrice,
	}
	report.Orders = append(report.Orders, entry)
	report.FilledCount++
	events.GetMetrics().OrdersTotal.WithLabelValues("filled").Inc()

	if fb.TimingMetrics.FirstFillAt > 0 {
		t := time.UnixMilli(fb.TimingMetrics.FirstFillAt)
		report.Timing.FirstFillAt = &t
	}
	if fb.TimingMetrics.CompletedAt > 0 {
		t := time.UnixMilli(fb.TimingMetrics.CompletedAt)
		report.Timing.CompletedAt = &t
	}

	// Contingent legs, entry -> TP -> SL. The page driver places them
	// with the entry; a leg that was requested but absent from the
	// feedback is an error on that leg, not on the entry.
	if intent.TPEnabled {
		if b, ok := fb.Bracket("TAKE_PROFIT"); ok {
			report.Orders = append(report.Orders, OrderRecord{ID: b.OrderID, Type: "TAKE_PROFIT", Timestamp: now})
			report.FilledCount++
		} else {
			report.RejectedCount++
			report.RejectionReason = "take-profit leg missing from feedback"
		}
	}
	if intent.SLEnabled {
		if b, ok := fb.Bracket("STOP_LOSS"); ok {
			report.Orders = append(report.Orders, OrderRecord{ID: b.OrderID, Type: "STOP_LOSS", Timestamp: now})
			report.FilledCount++
		} else {
			report.RejectedCount++
			report.RejectionReason = "stop-loss leg missing from feedback"
		}
	}

	report.Success = true
	report.Status = StatusFilled
}
