package order

import "github.com/shopspring/decimal"

// ContractSpec carries the instrument-level constants for one root
// symbol. Tick size and precision are a contract of the instrument, not
// a user preference.
type ContractSpec struct {
	TickSize       decimal.Decimal
	Precision      int32
	DefaultTPTicks int
	DefaultSLTicks int
}

func spec(tick string, precision int32, tp, sl int) ContractSpec {
	return ContractSpec{
		TickSize:       decimal.RequireFromString(tick),
		Precision:      precision,
		DefaultTPTicks: tp,
		DefaultSLTicks: sl,
	}
}

// contractSpecs maps root symbols to their instrument constants.
var contractSpecs = map[string]ContractSpec{
	"NQ":  spec("0.25", 2, 15, 15),
	"MNQ": spec("0.25", 2, 15, 15),
	"ES":  spec("0.25", 2, 10, 10),
	"MES": spec("0.25", 2, 10, 10),
	"YM":  spec("1", 0, 30, 30),
	"MYM": spec("1", 0, 30, 30),
	"RTY": spec("0.1", 1, 20, 20),
	"M2K": spec("0.1", 1, 20, 20),
	"GC":  spec("0.1", 1, 20, 20),
	"MGC": spec("0.1", 1, 20, 20),
	"CL":  spec("0.01", 2, 25, 25),
	"MCL": spec("0.01", 2, 25, 25),
	"SI":  spec("0.005", 3, 30, 30),
	"HG":  spec("0.0005", 4, 30, 30),
	"6E":  spec("0.00005", 5, 20, 20),
}

// defaultSpec is the fallback for roots absent from the table.
var defaultSpec = spec("0.25", 2, 10, 10)

// SpecFor looks up the contract spec for a root symbol, falling back to
// sensible defaults.
func SpecFor(root string) ContractSpec {
	if s, ok := contractSpecs[root]; ok {
		return s
	}
	return defaultSpec
}
