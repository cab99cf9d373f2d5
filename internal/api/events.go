package api

import (
	"time"

	"github.com/shopspring/decimal"
)

// Dashboard event types.
const (
	EventSnapshot = "snapshot"
	EventState    = "state"
	EventBook     = "book"
	EventWatch    = "watch"
	EventTrade    = "trade"
	EventTickSize = "tick_size"
)

// DashboardEvent is the wrapper for all events sent to the dashboard.
type DashboardEvent struct {
	Type      string      `json:"type"`               // one of the Event* constants
	Timestamp time.Time   `json:"timestamp"`          // event time
	TokenID   string      `json:"token_id,omitempty"` // empty for market-wide events
	Data      interface{} `json:"data"`               // event-specific payload
}

// StateEvent reports a supervisor state transition.
type StateEvent struct {
	State      string `json:"state"`
	Connection string `json:"connection"`
	BackoffMs  int64  `json:"backoff_ms"` // retry delay, set when entering backoff
}

// BookUpdateEvent reports a changed top of book.
type BookUpdateEvent struct {
	Outcome    string          `json:"outcome"`
	BestBid    decimal.Decimal `json:"best_bid"`
	BestAsk    decimal.Decimal `json:"best_ask"`
	Midpoint   decimal.Decimal `json:"midpoint"`
	Spread     decimal.Decimal `json:"spread"`
	UpdateTime time.Time       `json:"update_time"`
}

// WatchEvent reports a market switch. Slug is empty after an unwatch.
type WatchEvent struct {
	Slug     string           `json:"slug"`
	Resolved bool             `json:"resolved"`
	Outcomes []OutcomeSummary `json:"outcomes"`
}

// TradeEvent reports a last_trade_price print.
type TradeEvent struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Side  string `json:"side"`
}

// TickSizeEvent reports a venue tick size change.
type TickSizeEvent struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// NewStateEvent creates a state event.
func NewStateEvent(state, connection string, backoff time.Duration) DashboardEvent {
	return DashboardEvent{
		Type:      EventState,
		Timestamp: time.Now(),
		Data: StateEvent{
			State:      state,
			Connection: connection,
			BackoffMs:  backoff.Milliseconds(),
		},
	}
}

// NewBookUpdateEvent creates a book event for one outcome.
func NewBookUpdateEvent(tokenID, outcome string, bid, ask, mid, spread decimal.Decimal, at time.Time) DashboardEvent {
	return DashboardEvent{
		Type:      EventBook,
		Timestamp: time.Now(),
		TokenID:   tokenID,
		Data: BookUpdateEvent{
			Outcome:    outcome,
			BestBid:    bid,
			BestAsk:    ask,
			Midpoint:   mid,
			Spread:     spread,
			UpdateTime: at,
		},
	}
}
