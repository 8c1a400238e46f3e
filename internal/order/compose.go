package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Action is the direction of a signal.
type Action string

const (
	Buy  Action = "Buy"
	Sell Action = "Sell"
)

// Type enumerates the supported order types.
type Type string

const (
	Market       Type = "MARKET"
	Limit        Type = "LIMIT"
	Stop         Type = "STOP"
	StopLimit    Type = "STOP_LIMIT"
	TrailStop    Type = "TRL_STOP"
	TrailStopLmt Type = "TRL_STP_LMT"
)

func validType(t Type) bool {
	switch t {
	case Market, Limit, Stop, StopLimit, TrailStop, TrailStopLmt:
		return true
	}
	return false
}

// Signal is the webhook input: what to trade, not where. Routing decides
// the accounts.
type Signal struct {
	ID         string   `json:"id,omitempty"`
	Symbol     string   `json:"symbol"`
	Action     Action   `json:"action"`
	Quantity   int      `json:"quantity"`
	Strategy   string   `json:"strategy_tag,omitempty"`
	EntryPrice *float64 `json:"entry_price,omitempty"`
	TPTicks    *int     `json:"tp_ticks,omitempty"`
	SLTicks    *int     `json:"sl_ticks,omitempty"`
	TPPrice    *float64 `json:"tp_price,omitempty"`
	SLPrice    *float64 `json:"sl_price,omitempty"`
	OrderType  Type     `json:"order_type,omitempty"`
	TPEnabled  *bool    `json:"tp_enabled,omitempty"`
	SLEnabled  *bool    `json:"sl_enabled,omitempty"`
}

// Validate checks the static shape of a signal.
func (s Signal) Validate() error {
	if s.Symbol == "" {
		return errors.New("signal: symbol is required")
	}
	if s.Action != Buy && s.Action != Sell {
		return fmt.Errorf("signal: action %q must be Buy or Sell", s.Action)
	}
	if s.Quantity < 1 {
		return fmt.Errorf("signal: quantity %d must be at least 1", s.Quantity)
	}
	if s.OrderType != "" && !validType(s.OrderType) {
		return fmt.Errorf("signal: unknown order_type %q", s.OrderType)
	}
	return nil
}

// Snapshot is current top-of-book for a contract, read from the page
// immediately before composition.
type Snapshot struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	At     time.Time
}

// ErrNoMarketData is returned when composition is attempted without a
// market snapshot. Trades are never submitted against stale data.
var ErrNoMarketData = errors.New("no market data snapshot for composition")

// Intent is the fully normalized order ready for submission to one
// account's page driver.
type Intent struct {
	Account        string           `json:"account"`
	ContractSymbol string           `json:"contract_symbol"`
	Action         Action           `json:"action"`
	Quantity       int              `json:"quantity"`
	OrderType      Type             `json:"order_type"`
	EntryPrice     *decimal.Decimal `json:"entry_price,omitempty"`
	TPPrice        *decimal.Decimal `json:"tp_price,omitempty"`
	SLPrice        *decimal.Decimal `json:"sl_price,omitempty"`
	TPTicks        int              `json:"tp_ticks"`
	SLTicks        int              `json:"sl_ticks"`
	TPEnabled      bool             `json:"tp_enabled"`
	SLEnabled      bool             `json:"sl_enabled"`
	TickSize       decimal.Decimal  `json:"tick_size"`
	Precision      int32            `json:"precision"`
}

// NormalizeSymbol resolves a 1-3 letter root to its front-quarter
// contract code; anything else is passed through uppercased.
func NormalizeSymbol(symbol string, now time.Time) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if isRootSymbol(symbol) {
		return FrontQuarter(symbol, now).Symbol
	}
	return symbol
}

// rootOf extracts the root for spec lookup from a possibly-normalized
// contract code (strips a trailing quarter letter + year digit).
func rootOf(symbol string) string {
	if len(symbol) >= 3 {
		last := symbol[len(symbol)-1]
		letter := symbol[len(symbol)-2]
		if last >= '0' && last <= '9' {
			switch letter {
			case 'H', 'M', 'U', 'Z':
				return symbol[:len(symbol)-2]
			}
		}
	}
	return symbol
}

// Compose produces a normalized intent for one account.
//
// Order type resolution: an explicit order_type on the signal always
// wins, even when the entry price would imply a different type. Without
// one, no entry price means MARKET; otherwise LIMIT or STOP is inferred
// from the entry price relative to the current ask (Buy) or bid (Sell).
func Compose(account string, sig Signal, snap *Snapshot, now time.Time) (*Intent, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, ErrNoMarketData
	}

	contract := NormalizeSymbol(sig.Symbol, now)
	cspec := SpecFor(rootOf(contract))

	intent := &Intent{
		Account:        account,
		ContractSymbol: contract,
		Action:         sig.Action,
		Quantity:       sig.Quantity,
		TickSize:       cspec.TickSize,
		Precision:      cspec.Precision,
		TPEnabled:      enabled(sig.TPEnabled),
		SLEnabled:      enabled(sig.SLEnabled),
	}

	intent.TPTicks = cspec.DefaultTPTicks
	if sig.TPTicks != nil {
		intent.TPTicks = *sig.TPTicks
	}
	intent.SLTicks = cspec.DefaultSLTicks
	if sig.SLTicks != nil {
		intent.SLTicks = *sig.SLTicks
	}

	var entry *decimal.Decimal
	if sig.EntryPrice != nil {
		d := decimal.NewFromFloat(*sig.EntryPrice).Round(cspec.Precision)
		entry = &d
	}

	intent.OrderType = resolveType(sig, entry, snap)
	if intent.OrderType != Market {
		intent.EntryPrice = entry
	}

	// The bracket anchors on the working price: the explicit entry for
	// resting orders, top of book for market orders.
	anchor := anchorPrice(intent, snap)
	if intent.TPEnabled {
		tp := bracketPrice(sig.TPPrice, anchor, intent.TPTicks, cspec, sig.Action, true)
		intent.TPPrice = &tp
	}
	if intent.SLEnabled {
		sl := bracketPrice(sig.SLPrice, anchor, intent.SLTicks, cspec, sig.Action, false)
		intent.SLPrice = &sl
	}

	return intent, nil
}

func enabled(flag *bool) bool {
	if flag == nil {
		return true
	}
	return *flag
}

func resolveType(sig Signal, entry *decimal.Decimal, snap *Snapshot) Type {
	if sig.OrderType != "" {
		return sig.OrderType
	}
	if entry == nil {
		return Market
	}
	if sig.Action == Buy {
		if entry.LessThan(snap.Ask) {
			return Limit
		}
		return Stop
	}
	if entry.GreaterThan(snap.Bid) {
		return Limit
	}
	return Stop
}

func anchorPrice(intent *Intent, snap *Snapshot) decimal.Decimal {
	if intent.EntryPrice != nil {
		return *intent.EntryPrice
	}
	if intent.Action == Buy {
		return snap.Ask
	}
	return snap.Bid
}

// bracketPrice derives one bracket leg price: explicit when supplied,
// otherwise anchor +/- ticks * tick size, rounded to the instrument
// precision. profit=true computes the take-profit side.
func bracketPrice(explicit *float64, anchor decimal.Decimal, ticks int, cspec ContractSpec, action Action, profit bool) decimal.Decimal {
	if explicit != nil {
		return decimal.NewFromFloat(*explicit).Round(cspec.Precision)
	}
	offset := cspec.TickSize.Mul(decimal.NewFromInt(int64(ticks)))
	up := (action == Buy) == profit
	if up {
		return anchor.Add(offset).Round(cspec.Precision)
	}
	return anchor.Sub(offset).Round(cspec.Precision)
}
