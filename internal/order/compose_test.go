package order

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int         { return &v }
func f64Ptr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool      { return &v }

func nqSnapshot() *Snapshot {
	return &Snapshot{
		Symbol: "NQH5",
		Bid:    decimal.RequireFromString("21000.25"),
		Ask:    decimal.RequireFromString("21000.50"),
		At:     time.Now(),
	}
}

func january() time.Time {
	return time.Date(2025, time.January, 15, 12, 0, 0, 0, time.UTC)
}

func TestComposeMarketBuyBrackets(t *testing.T) {
	sig := Signal{
		Symbol:   "NQ",
		Action:   Buy,
		Quantity: 2,
		TPTicks:  intPtr(15),
		SLTicks:  intPtr(15),
	}

	intent, err := Compose("Main", sig, nqSnapshot(), january())
	require.NoError(t, err)

	assert.Equal(t, "NQH5", intent.ContractSymbol)
	assert.Equal(t, Market, intent.OrderType)
	assert.Nil(t, intent.EntryPrice)

	// Market Buy anchors on the ask: 21000.50 +/- 15 * 0.25.
	require.NotNil(t, intent.TPPrice)
	require.NotNil(t, intent.SLPrice)
	assert.Equal(t, "21004.25", intent.TPPrice.StringFixed(2))
	assert.Equal(t, "20996.75", intent.SLPrice.StringFixed(2))
}

func TestComposeMarketSellAnchorsOnBid(t *testing.T) {
	sig := Signal{
		Symbol:   "NQ",
		Action:   Sell,
		Quantity: 1,
		TPTicks:  intPtr(10),
		SLTicks:  intPtr(10),
	}

	intent, err := Compose("Main", sig, nqSnapshot(), january())
	require.NoError(t, err)

	// Sell take-profit is below the anchor, stop above: 21000.25 -/+ 2.50.
	assert.Equal(t, "20997.75", intent.TPPrice.StringFixed(2))
	assert.Equal(t, "21002.75", intent.SLPrice.StringFixed(2))
}

func TestComposeInfersLimitAndStop(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		entry  float64
		want   Type
	}{
		{"buy below ask is limit", Buy, 20990.00, Limit},
		{"buy at ask is stop", Buy, 21000.50, Stop},
		{"buy above ask is stop", Buy, 21010.00, Stop},
		{"sell above bid is limit", Sell, 21010.00, Limit},
		{"sell at bid is stop", Sell, 21000.25, Stop},
		{"sell below bid is stop", Sell, 20990.00, Stop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := Signal{
				Symbol:     "NQ",
				Action:     tt.action,
				Quantity:   1,
				EntryPrice: f64Ptr(tt.entry),
			}
			intent, err := Compose("Main", sig, nqSnapshot(), january())
			require.NoError(t, err)
			assert.Equal(t, tt.want, intent.OrderType)
			require.NotNil(t, intent.EntryPrice)
		})
	}
}

func TestComposeExplicitTypeWinsOverEntryPrice(t *testing.T) {
	// Entry below the ask would infer LIMIT; the explicit STOP wins.
	sig := Signal{
		Symbol:     "NQ",
		Action:     Buy,
		Quantity:   1,
		EntryPrice: f64Ptr(20990.00),
		OrderType:  Stop,
	}

	intent, err := Compose("Main", sig, nqSnapshot(), january())
	require.NoError(t, err)
	assert.Equal(t, Stop, intent.OrderType)
}

func TestComposeRestingOrderAnchorsOnEntry(t *testing.T) {
	sig := Signal{
		Symbol:     "NQ",
		Action:     Buy,
		Quantity:   1,
		EntryPrice: f64Ptr(20990.00),
		TPTicks:    intPtr(4),
		SLTicks:    intPtr(4),
	}

	intent, err := Compose("Main", sig, nqSnapshot(), january())
	require.NoError(t, err)

	assert.Equal(t, "20991.00", intent.TPPrice.StringFixed(2))
	assert.Equal(t, "20989.00", intent.SLPrice.StringFixed(2))
}

func TestComposeExplicitBracketPricesWin(t *testing.T) {
	sig := Signal{
		Symbol:   "NQ",
		Action:   Buy,
		Quantity: 1,
		TPPrice:  f64Ptr(21050.00),
		SLPrice:  f64Ptr(20950.00),
	}

	intent, err := Compose("Main", sig, nqSnapshot(), january())
	require.NoError(t, err)

	assert.Equal(t, "21050.00", intent.TPPrice.StringFixed(2))
	assert.Equal(t, "20950.00", intent.SLPrice.StringFixed(2))
}

func TestComposeBracketEnableFlags(t *testing.T) {
	sig := Signal{
		Symbol:    "NQ",
		Action:    Buy,
		Quantity:  1,
		TPEnabled: boolPtr(false),
	}

	intent, err := Compose("Main", sig, nqSnapshot(), january())
	require.NoError(t, err)

	assert.False(t, intent.TPEnabled)
	assert.Nil(t, intent.TPPrice)
	// SL defaults to enabled.
	assert.True(t, intent.SLEnabled)
	assert.NotNil(t, intent.SLPrice)
}

func TestComposeDefaultsTicksFromContractSpec(t *testing.T) {
	sig := Signal{Symbol: "MNQ", Action: Buy, Quantity: 1}

	intent, err := Compose("Main", sig, nqSnapshot(), january())
	require.NoError(t, err)

	spec := SpecFor("MNQ")
	assert.Equal(t, spec.DefaultTPTicks, intent.TPTicks)
	assert.Equal(t, spec.DefaultSLTicks, intent.SLTicks)
	assert.True(t, spec.TickSize.Equal(intent.TickSize))
}

func TestComposeRequiresSnapshot(t *testing.T) {
	sig := Signal{Symbol: "NQ", Action: Buy, Quantity: 1}

	_, err := Compose("Main", sig, nil, january())
	assert.ErrorIs(t, err, ErrNoMarketData)
}

func TestComposeRejectsInvalidSignals(t *testing.T) {
	tests := []struct {
		name string
		sig  Signal
	}{
		{"missing symbol", Signal{Action: Buy, Quantity: 1}},
		{"bad action", Signal{Symbol: "NQ", Action: "Hold", Quantity: 1}},
		{"zero quantity", Signal{Symbol: "NQ", Action: Buy}},
		{"unknown type", Signal{Symbol: "NQ", Action: Buy, Quantity: 1, OrderType: "ICEBERG"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compose("Main", tt.sig, nqSnapshot(), january())
			assert.Error(t, err)
		})
	}
}

func TestComposeIsDeterministic(t *testing.T) {
	sig := Signal{Symbol: "NQ", Action: Buy, Quantity: 3, TPTicks: intPtr(8), SLTicks: intPtr(8)}
	snap := nqSnapshot()

	a, err := Compose("Main", sig, snap, january())
	require.NoError(t, err)
	b, err := Compose("Main", sig, snap, january())
	require.NoError(t, err)

	assert.Equal(t, a.ContractSymbol, b.ContractSymbol)
	assert.Equal(t, a.OrderType, b.OrderType)
	assert.True(t, a.TPPrice.Equal(*b.TPPrice))
	assert.True(t, a.SLPrice.Equal(*b.SLPrice))
}
