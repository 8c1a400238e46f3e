// Package dispatch fans incoming signals out to account sessions: the
// router decides which accounts a signal targets, the coordinator
// executes it against each and aggregates the reports.
package dispatch

import (
	"errors"

	"tradefleet/internal/config"
	"tradefleet/internal/order"
)

// ErrRoutingEmpty is returned when a signal matches no accounts. The
// control surface maps it to 409.
var ErrRoutingEmpty = errors.New("signal matched no accounts")

// DefaultStrategyTag is the strategy-map key holding the default account
// set used for signals with an absent or unknown tag. Unknown tags never
// fan out to all accounts.
const DefaultStrategyTag = "default"

// SkipReasonPortProtected marks accounts excluded because their port is
// the protected one.
const SkipReasonPortProtected = "PortProtected"

// Skip records an account excluded from a dispatch with its reason.
type Skip struct {
	Account string `json:"account"`
	Reason  string `json:"reason"`
}

// RouteResult is the outcome of routing one signal.
type RouteResult struct {
	Accounts []string `json:"accounts"`
	Skipped  []Skip   `json:"skipped,omitempty"`
}

// Router maps strategy tags to account sets. Routing is pure: it never
// touches sessions.
type Router struct {
	routes        map[string][]string
	accounts      map[string]config.Account
	protectedPort int
}

// NewRouter builds a router from the loaded configuration.
func NewRouter(cfg *config.Config) *Router {
	byID := make(map[string]config.Account, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		byID[a.ID()] = a
	}
	return &Router{
		routes:        cfg.Strategies,
		accounts:      byID,
		protectedPort: cfg.Chrome.ProtectedPort,
	}
}

// Route resolves a signal's strategy tag to the target accounts.
// Accounts on the protected port are always filtered out and reported
// under Skipped.
func (r *Router) Route(sig order.Signal) RouteResult {
	tag := sig.Strategy
	names, ok := r.routes[tag]
	if !ok {
		names = r.routes[DefaultStrategyTag]
	}
	return r.filter(names)
}

// Filter applies the protected-port rule to an explicit account list
// (used by the direct-trade endpoint, which bypasses the strategy map).
func (r *Router) Filter(names []string) RouteResult {
	return r.filter(names)
}

func (r *Router) filter(names []string) RouteResult {
	var result RouteResult
	for _, name := range names {
		account, known := r.accounts[name]
		if !known {
			result.Skipped = append(result.Skipped, Skip{Account: name, Reason: "UnknownAccount"})
			continue
		}
		if account.AssignedPort == r.protectedPort {
			result.Skipped = append(result.Skipped, Skip{Account: name, Reason: SkipReasonPortProtected})
			continue
		}
		result.Accounts = append(result.Accounts, name)
	}
	return result
}
