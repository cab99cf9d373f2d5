// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the book watcher: market metadata,
// REST order book payloads, and the market-channel WebSocket messages. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"
)

// ------------------------------------------------------------------------
// Core enums
// ------------------------------------------------------------------------

// Side identifies which side of the book a level belongs to: BUY (bids) or SELL (asks).
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// TickSize represents the price granularity for a market. Polymarket supports
// four tick sizes; each market has a fixed tick size that determines the
// minimum price increment.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal, coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals, standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals, fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals, ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// ------------------------------------------------------------------------
// Market metadata
// ------------------------------------------------------------------------

// Outcome is one side of a market ("Yes"/"No", "Up"/"Down", ...).
// Identity is the CLOB token ID.
type Outcome struct {
	Name    string `json:"name"`
	TokenID string `json:"token_id"`
}

// MarketInfo is the subset of Gamma market metadata the book watcher needs to
// decide whether to run at all and how to score liquidity rewards.
type MarketInfo struct {
	ID          string    // Gamma market ID
	ConditionID string    // CTF condition ID
	Slug        string    // human-readable URL slug
	Question    string    // the prediction question
	Outcomes    []Outcome // one entry per outcome token, in venue order

	TickSize TickSize // price granularity

	Active          bool      // market is live
	Closed          bool      // market has been resolved
	AcceptingOrders bool      // CLOB is accepting new orders
	EndDate         time.Time // when the market is scheduled to resolve

	RewardsEnabled   bool    // venue pays liquidity rewards on this market
	RewardsMinSize   float64 // minimum size to qualify for liquidity rewards
	RewardsMaxSpread float64 // max distance from midpoint, in price units (0.03 = 3c)
}

// Tradable reports whether the live book engine should run for this market.
// Closed or paused markets are shown as resolved, read-only data.
func (m MarketInfo) Tradable() bool {
	return !m.Closed && m.AcceptingOrders
}

// TokenIDs returns the outcome token IDs in venue order.
func (m MarketInfo) TokenIDs() []string {
	ids := make([]string, len(m.Outcomes))
	for i, o := range m.Outcomes {
		ids[i] = o.TokenID
	}
	return ids
}

// ------------------------------------------------------------------------
// Order book
// ------------------------------------------------------------------------

// PriceLevel is a single bid or ask level in the order book.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// ------------------------------------------------------------------------
// WebSocket events
// ------------------------------------------------------------------------
// These structs map 1:1 to the JSON messages sent over the Polymarket market
// channel. The five kinds form a closed set: Event can only be implemented in
// this package, and EventHandler has one method per kind, so adding a kind
// breaks every handler at compile time until it is handled.

// Market channel event_type values.
const (
	EventBook           = "book"
	EventPriceChange    = "price_change"
	EventBestBidAsk     = "best_bid_ask"
	EventLastTrade      = "last_trade_price"
	EventTickSizeChange = "tick_size_change"
)

// Event is one decoded market-channel message.
type Event interface {
	// EventType returns the wire event_type tag.
	EventType() string
	// Accept calls the handler method matching the concrete kind.
	Accept(h EventHandler)

	sealed()
}

// EventHandler visits every Event kind.
type EventHandler interface {
	OnBook(WSBookEvent)
	OnPriceChange(WSPriceChangeEvent)
	OnBestBidAsk(WSBestBidAskEvent)
	OnLastTrade(WSLastTradeEvent)
	OnTickSizeChange(WSTickSizeChangeEvent)
}

// WSBookEvent is a full order book snapshot from the market WS channel.
// Replaces the entire local book for the given asset.
type WSBookEvent struct {
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"` // condition ID
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"` // book version hash
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Buys      []PriceLevel `json:"buys"`  // legacy name for bids
	Sells     []PriceLevel `json:"sells"` // legacy name for asks
}

// Levels returns bids and asks, falling back to the legacy buys/sells fields.
func (e WSBookEvent) Levels() (bids, asks []PriceLevel) {
	bids, asks = e.Bids, e.Asks
	if bids == nil {
		bids = e.Buys
	}
	if asks == nil {
		asks = e.Sells
	}
	return bids, asks
}

func (WSBookEvent) EventType() string       { return EventBook }
func (e WSBookEvent) Accept(h EventHandler) { h.OnBook(e) }
func (WSBookEvent) sealed()                 {}

// WSPriceChange is a single price level update within a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`    // the price level that changed
	Size    string `json:"size"`     // new size at that level (0 = removed)
	Side    Side   `json:"side"`     // BUY or SELL
	Hash    string `json:"hash"`     // updated book hash
	BestBid string `json:"best_bid"` // new best bid after this change
	BestAsk string `json:"best_ask"` // new best ask after this change
}

// WSPriceChangeEvent is an incremental order book update from the market WS.
// Changes are applied in array order.
type WSPriceChangeEvent struct {
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

func (WSPriceChangeEvent) EventType() string       { return EventPriceChange }
func (e WSPriceChangeEvent) Accept(h EventHandler) { h.OnPriceChange(e) }
func (WSPriceChangeEvent) sealed()                 {}

// WSBestBidAskEvent carries the venue's current top of book for one asset.
type WSBestBidAskEvent struct {
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Spread    string `json:"spread"`
	Timestamp string `json:"timestamp"`
}

func (WSBestBidAskEvent) EventType() string       { return EventBestBidAsk }
func (e WSBestBidAskEvent) Accept(h EventHandler) { h.OnBestBidAsk(e) }
func (WSBestBidAskEvent) sealed()                 {}

// WSLastTradeEvent reports the most recent match on an asset.
type WSLastTradeEvent struct {
	AssetID    string `json:"asset_id"`
	Market     string `json:"market"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	Side       Side   `json:"side"`
	FeeRateBps string `json:"fee_rate_bps"`
	Timestamp  string `json:"timestamp"`
}

func (WSLastTradeEvent) EventType() string       { return EventLastTrade }
func (e WSLastTradeEvent) Accept(h EventHandler) { h.OnLastTrade(e) }
func (WSLastTradeEvent) sealed()                 {}

// WSTickSizeChangeEvent is sent when the venue changes an asset's tick size,
// typically as the price approaches 0 or 1.
type WSTickSizeChangeEvent struct {
	AssetID     string `json:"asset_id"`
	Market      string `json:"market"`
	OldTickSize string `json:"old_tick_size"`
	NewTickSize string `json:"new_tick_size"`
	Timestamp   string `json:"timestamp"`
}

func (WSTickSizeChangeEvent) EventType() string       { return EventTickSizeChange }
func (e WSTickSizeChangeEvent) Accept(h EventHandler) { h.OnTickSizeChange(e) }
func (WSTickSizeChangeEvent) sealed()                 {}

// WSSubscribeMsg is the subscription message sent once, immediately after
// the market channel connection opens.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`
	Type     string   `json:"type"`       // "market"
	AssetIDs []string `json:"assets_ids"` // token IDs
}

// WSAuth contains the L2 API credentials sent with the subscription.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}
