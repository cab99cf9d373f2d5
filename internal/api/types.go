package api

import (
	"time"

	"github.com/shopspring/decimal"

	"polymarket-bookwatch/internal/config"
)

// StatusSnapshot is the engine state served on /api/status and pushed to
// dashboard clients on connect.
type StatusSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Watched market; nil when nothing is watched.
	Market *MarketSummary `json:"market,omitempty"`

	// Connection
	State      string `json:"state"`       // idle, connecting, live, backoff
	Connection string `json:"connection"`  // connecting, connected, disconnected
	Generation uint64 `json:"generation"`
	RetryInMs  int64  `json:"retry_in_ms"` // pending backoff delay, 0 outside backoff

	// Book freshness
	Loading     bool      `json:"loading"`  // first snapshot not yet installed
	Resolved    bool      `json:"resolved"` // closed market, no stream
	Stale       bool      `json:"stale"`    // possibly out of date
	LastUpdated time.Time `json:"last_updated"`

	// Health counters
	StaleDrops uint64 `json:"stale_drops"`
	Reconnects uint64 `json:"reconnects"`

	Config ConfigSummary `json:"config"`
}

// MarketSummary is the metadata of the watched market.
type MarketSummary struct {
	Slug             string           `json:"slug"`
	Question         string           `json:"question"`
	ConditionID      string           `json:"condition_id"`
	Outcomes         []OutcomeSummary `json:"outcomes"`
	TickSize         string           `json:"tick_size"`
	PriceDecimals    int              `json:"price_decimals"` // display precision for TickSize
	EndDate          time.Time        `json:"end_date"`
	RewardsEnabled   bool             `json:"rewards_enabled"`
	RewardsMaxSpread float64          `json:"rewards_max_spread"`
	RewardsMinSize   float64          `json:"rewards_min_size"`
}

// OutcomeSummary names one outcome token.
type OutcomeSummary struct {
	Name    string `json:"name"`
	TokenID string `json:"token_id"`
}

// DepthSnapshot is the per-outcome cumulative depth served on /api/depth.
type DepthSnapshot struct {
	Timestamp  time.Time      `json:"timestamp"`
	Slug       string         `json:"slug"`
	Loading    bool           `json:"loading"`
	Connection string         `json:"connection"`
	Outcomes   []OutcomeDepth `json:"outcomes"`
}

// OutcomeDepth is one outcome's book with running totals.
type OutcomeDepth struct {
	Name          string          `json:"name"`
	TokenID       string          `json:"token_id"`
	BestBid       decimal.Decimal `json:"best_bid"`
	BestAsk       decimal.Decimal `json:"best_ask"`
	Spread        decimal.Decimal `json:"spread"`
	SpreadPercent decimal.Decimal `json:"spread_percent"`
	Midpoint      decimal.Decimal `json:"midpoint"`
	Hash          string          `json:"hash"`
	HashTrusted   bool            `json:"hash_trusted"`
	Bids          []DepthRow      `json:"bids"`
	Asks          []DepthRow      `json:"asks"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DepthRow is one price level with cumulative size and notional.
type DepthRow struct {
	Price          decimal.Decimal `json:"price"`
	Size           decimal.Decimal `json:"size"`
	CumSize        decimal.Decimal `json:"cum_size"`
	CumNotional    decimal.Decimal `json:"cum_notional"`
	RewardEligible bool            `json:"reward_eligible"`
}

// ConfigSummary exposes non-secret settings.
type ConfigSummary struct {
	CLOBBaseURL    string `json:"clob_base_url"`
	WSMarketURL    string `json:"ws_market_url"`
	PingIntervalMs int64  `json:"ping_interval_ms"`
	ReadTimeoutMs  int64  `json:"read_timeout_ms"`
	BackoffFloorMs int64  `json:"backoff_floor_ms"`
	BackoffCeilMs  int64  `json:"backoff_ceiling_ms"`
	StaleAfterMs   int64  `json:"stale_after_ms"`
	RedisEnabled   bool   `json:"redis_enabled"`
}

// NewConfigSummary creates a config summary from the full config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		CLOBBaseURL:    cfg.API.CLOBBaseURL,
		WSMarketURL:    cfg.API.WSMarketURL,
		PingIntervalMs: cfg.Stream.PingInterval.Milliseconds(),
		ReadTimeoutMs:  cfg.Stream.ReadTimeout.Milliseconds(),
		BackoffFloorMs: cfg.Stream.BackoffFloor.Milliseconds(),
		BackoffCeilMs:  cfg.Stream.BackoffCeiling.Milliseconds(),
		StaleAfterMs:   cfg.Stream.StaleAfter.Milliseconds(),
		RedisEnabled:   cfg.Redis.Enabled,
	}
}
