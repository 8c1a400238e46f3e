// Package session binds a ready, script-injected tab to an account
// identity and exposes typed page-function calls, each compiled to a
// safe-evaluate of a fixed operation class.
package session

import "time"

// FillRatio describes partial fills reported by the page driver.
type FillRatio struct {
	Filled        int     `json:"filled"`
	Total         int     `json:"total"`
	IsPartial     bool    `json:"isPartial"`
	PercentFilled float64 `json:"percentFilled"`
}

// FillEvent is one fill observed by the page driver.
type FillEvent struct {
	Timestamp int64   `json:"timestamp"`
	ID        string  `json:"id"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
}

// BracketOrder identifies a contingent leg created with the entry.
type BracketOrder struct {
	Type    string `json:"type"` // "STOP_LOSS" or "TAKE_PROFIT"
	OrderID string `json:"orderId"`
}

// TimingMetrics carries the page driver's submission timeline.
type TimingMetrics struct {
	SubmittedAt   int64 `json:"submittedAt"`
	FirstFillAt   int64 `json:"firstFillAt,omitempty"`
	CompletedAt   int64 `json:"completedAt,omitempty"`
	RiskCheckTime int64 `json:"riskCheckTime,omitempty"`
	TotalDuration int64 `json:"totalDuration"`
}

// Fee is one venue fee line.
type Fee struct {
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
	Timestamp   int64   `json:"timestamp"`
}

// OrderFeedback is the payload returned by the in-page autoTrade driver.
type OrderFeedback struct {
	Success          bool           `json:"success"`
	OrderID          string         `json:"orderId,omitempty"`
	OrderType        string         `json:"orderType"`
	OrderAction      string         `json:"orderAction"`
	OrderQuantity    int            `json:"orderQuantity"`
	RequestedPrice   *float64       `json:"requestedPrice,omitempty"`
	AverageFillPrice *float64       `json:"averageFillPrice,omitempty"`
	FillRatio        *FillRatio     `json:"fillRatio,omitempty"`
	FillEvents       []FillEvent    `json:"fillEvents,omitempty"`
	BracketOrders    []BracketOrder `json:"bracketOrders,omitempty"`
	RejectionReason  string         `json:"rejectionReason,omitempty"`
	TimingMetrics    TimingMetrics  `json:"timingMetrics"`
	Commission       *float64       `json:"commission,omitempty"`
	Fees             []Fee          `json:"fees,omitempty"`
}

// Bracket returns the contingent leg of the given type, if present.
func (f *OrderFeedback) Bracket(kind string) (BracketOrder, bool) {
	for _, b := range f.BracketOrders {
		if b.Type == kind {
			return b, true
		}
	}
	return BracketOrder{}, false
}

// SubmittedAt converts the driver's epoch-millis timeline to time.Time.
func (t TimingMetrics) Submitted() time.Time {
	return time.UnixMilli(t.SubmittedAt)
}
