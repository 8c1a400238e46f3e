package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Health status labels for a probed tab.
const (
	HealthHealthy          = "HEALTHY"
	HealthDegraded         = "DEGRADED"
	HealthUnresponsive     = "UNRESPONSIVE"
	HealthMisauthenticated = "MISAUTHENTICATED"
)

// RequiredPageFunctions are the globals the in-page driver must expose
// before a tab is considered trading-ready.
var RequiredPageFunctions = []string{
	"autoTrade",
	"clickExitForSymbol",
	"updateSymbol",
	"getMarketData",
}

// HealthReport is the outcome of probing one tab.
type HealthReport struct {
	BasicEvalOK      bool            `json:"basic_eval_ok"`
	URLMatchesHost   bool            `json:"url_matches_expected_host"`
	DocumentReady    bool            `json:"document_ready"`
	FunctionsPresent map[string]bool `json:"required_page_functions_present"`
	CurrentURL       string          `json:"current_url,omitempty"`
	DerivedStatus    string          `json:"derived_status"`
}

// Probe checks liveness, page state and driver function presence.
type Probe struct {
	evaluator   *Evaluator
	tradingHost string
	loginPath   string
}

// NewProbe builds a health probe for the configured trading host.
func NewProbe(evaluator *Evaluator, tradingHost, loginPath string) *Probe {
	return &Probe{
		evaluator:   evaluator,
		tradingHost: tradingHost,
		loginPath:   loginPath,
	}
}

// Arithmetic liveness check with a value no page would coincidentally
// produce.
const (
	livenessExpr  = "1614*2"
	livenessValue = 3228
)

// Check probes one tab. All probe operations are NON_CRITICAL so an
// unhealthy tab cannot trip trading breakers through its own probe.
func (p *Probe) Check(ctx context.Context, tab EvalTarget) HealthReport {
	report := HealthReport{FunctionsPresent: make(map[string]bool)}

	raw, err := p.evaluator.SafeEvaluate(ctx, tab, livenessExpr, "health: basic eval", NonCritical, "number")
	if err == nil {
		var n int
		if json.Unmarshal(raw, &n) == nil && n == livenessValue {
			report.BasicEvalOK = true
		}
	}
	if !report.BasicEvalOK {
		report.DerivedStatus = HealthUnresponsive
		return report
	}

	if raw, err := p.evaluator.SafeEvaluate(ctx, tab, "window.location.href", "health: current url", NonCritical, "string"); err == nil {
		var href string
		if json.Unmarshal(raw, &href) == nil {
			report.CurrentURL = href
			report.URLMatchesHost = hostOf(href) == p.tradingHost
		}
	}

	if raw, err := p.evaluator.SafeEvaluate(ctx, tab, "document.readyState", "health: ready state", NonCritical, "string"); err == nil {
		var state string
		if json.Unmarshal(raw, &state) == nil {
			report.DocumentReady = state == "complete"
		}
	}

	report.FunctionsPresent = p.checkFunctions(ctx, tab)

	report.DerivedStatus = p.derive(report)
	return report
}

// checkFunctions tests presence of every required driver global in one
// round trip.
func (p *Probe) checkFunctions(ctx context.Context, tab EvalTarget) map[string]bool {
	present := make(map[string]bool, len(RequiredPageFunctions))

	checks := make([]string, len(RequiredPageFunctions))
	for i, fn := range RequiredPageFunctions {
		checks[i] = fmt.Sprintf("%q: typeof window.%s === 'function'", fn, fn)
	}
	expr := "JSON.parse(JSON.stringify({" + strings.Join(checks, ",") + "}))"

	raw, err := p.evaluator.SafeEvaluate(ctx, tab, expr, "health: driver functions", NonCritical, "object")
	if err != nil {
		return present
	}
	_ = json.Unmarshal(raw, &present)
	return present
}

func (p *Probe) derive(r HealthReport) string {
	if !r.BasicEvalOK {
		return HealthUnresponsive
	}
	if p.loginPath != "" && strings.Contains(r.CurrentURL, p.loginPath) {
		return HealthMisauthenticated
	}
	allFunctions := len(r.FunctionsPresent) == len(RequiredPageFunctions)
	for _, ok := range r.FunctionsPresent {
		allFunctions = allFunctions && ok
	}
	if r.URLMatchesHost && r.DocumentReady && allFunctions {
		return HealthHealthy
	}
	return HealthDegraded
}
