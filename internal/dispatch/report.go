package dispatch

import "time"

// Account-level execution statuses.
const (
	StatusFilled           = "FILLED"
	StatusRejected         = "REJECTED"
	StatusErrored          = "ERRORED"
	StatusDeadlineExceeded = "DEADLINE_EXCEEDED"
)

// OrderRecord is one submitted leg in an account's report.
type OrderRecord struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // ENTRY, TAKE_PROFIT, STOP_LOSS
	Timestamp time.Time `json:"timestamp"`
	FillPrice *float64  `json:"fill_price,omitempty"`
}

// Timing captures the submission timeline for one account.
type Timing struct {
	SubmittedAt time.Time  `json:"submitted_at"`
	FirstFillAt *time.Time `json:"first_fill_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ExecutionReport is the per-account outcome of one signal.
type ExecutionReport struct {
	Account         string            `json:"account"`
	Success         bool              `json:"success"`
	Status          string            `json:"status"`
	FilledCount     int               `json:"filled_count"`
	RejectedCount   int               `json:"rejected_count"`
	RejectionReason string            `json:"rejection_reason,omitempty"`
	Error           string            `json:"error,omitempty"`
	Orders          []OrderRecord     `json:"orders"`
	Timing          Timing            `json:"timing"`
	CircuitStates   map[string]string `json:"circuit_state_snapshot,omitempty"`
}

// AggregateReport is the top-level response for one dispatched signal.
type AggregateReport struct {
	SignalID  string            `json:"signal_id"`
	Requested int               `json:"requested"`
	Filled    int               `json:"filled"`
	Rejected  int               `json:"rejected"`
	Errored   int               `json:"errored"`
	Skipped   []Skip            `json:"skipped,omitempty"`
	Accounts  []ExecutionReport `json:"accounts"`
}

// AnySuccess reports whether at least one account filled.
func (a *AggregateReport) AnySuccess() bool {
	return a.Filled > 0
}
