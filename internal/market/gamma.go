package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"polymarket-bookwatch/internal/config"
	"polymarket-bookwatch/pkg/types"
)

// ErrMarketNotFound is returned when Gamma has no market for a slug.
var ErrMarketNotFound = errors.New("market not found")

// GammaMarket is the JSON shape returned by the Gamma API.
// Outcomes and ClobTokenIds are JSON arrays encoded as strings.
type GammaMarket struct {
	ID                    string        `json:"id"`
	Question              string        `json:"question"`
	ConditionID           string        `json:"conditionId"`
	Slug                  string        `json:"slug"`
	Active                bool          `json:"active"`
	Closed                bool          `json:"closed"`
	AcceptingOrders       bool          `json:"acceptingOrders"`
	EnableOrderBook       bool          `json:"enableOrderBook"`
	EndDate               string        `json:"endDate"`
	Outcomes              string        `json:"outcomes"`
	ClobTokenIds          string        `json:"clobTokenIds"`
	OrderPriceMinTickSize float64       `json:"orderPriceMinTickSize"`
	RewardsMinSize        float64       `json:"rewardsMinSize"`
	RewardsMaxSpread      float64       `json:"rewardsMaxSpread"` // cents
	ClobRewards           []GammaReward `json:"clobRewards"`
}

// GammaReward is one liquidity reward program attached to a market.
type GammaReward struct {
	ID               string  `json:"id"`
	AssetAddress     string  `json:"assetAddress"`
	RewardsDailyRate float64 `json:"rewardsDailyRate"`
}

// MetadataClient looks up market metadata on the Gamma API.
type MetadataClient struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewMetadataClient creates a Gamma client sharing the REST rate budget.
func NewMetadataClient(cfg config.Config, logger *slog.Logger) *MetadataClient {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	rps := cfg.API.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	return &MetadataClient{
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.With("component", "gamma"),
	}
}

// MarketBySlug fetches one market by its URL slug.
func (c *MetadataClient) MarketBySlug(ctx context.Context, slug string) (types.MarketInfo, error) {
	if slug == "" {
		return types.MarketInfo{}, errors.New("market slug is empty")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return types.MarketInfo{}, err
	}

	var page []GammaMarket
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		ForceContentType("application/json").
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return types.MarketInfo{}, fmt.Errorf("fetch market %s: %w", slug, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.MarketInfo{}, fmt.Errorf("fetch market %s: status %d", slug, resp.StatusCode())
	}

	for _, gm := range page {
		if gm.Slug != slug {
			continue
		}
		info, err := convertToMarketInfo(gm)
		if err != nil {
			return types.MarketInfo{}, fmt.Errorf("market %s: %w", slug, err)
		}
		c.logger.Debug("market metadata",
			"slug", slug,
			"outcomes", len(info.Outcomes),
			"closed", info.Closed,
			"rewards", info.RewardsEnabled,
		)
		return info, nil
	}
	return types.MarketInfo{}, fmt.Errorf("%w: %s", ErrMarketNotFound, slug)
}

// convertToMarketInfo transforms a Gamma API response into MarketInfo. It
// pairs outcome names with token IDs in venue order and converts the reward
// spread from cents to price units.
func convertToMarketInfo(gm GammaMarket) (types.MarketInfo, error) {
	var names, tokenIDs []string
	if err := parseJSONArray(gm.Outcomes, &names); err != nil {
		return types.MarketInfo{}, fmt.Errorf("outcomes: %w", err)
	}
	if err := parseJSONArray(gm.ClobTokenIds, &tokenIDs); err != nil {
		return types.MarketInfo{}, fmt.Errorf("clobTokenIds: %w", err)
	}
	if len(tokenIDs) == 0 {
		return types.MarketInfo{}, errors.New("no outcome tokens")
	}
	if len(names) != len(tokenIDs) {
		return types.MarketInfo{}, fmt.Errorf("%d outcomes but %d token ids", len(names), len(tokenIDs))
	}

	outcomes := make([]types.Outcome, len(tokenIDs))
	for i := range tokenIDs {
		outcomes[i] = types.Outcome{Name: names[i], TokenID: tokenIDs[i]}
	}

	var tickSize types.TickSize
	switch gm.OrderPriceMinTickSize {
	case 0.1:
		tickSize = types.Tick01
	case 0.001:
		tickSize = types.Tick0001
	case 0.0001:
		tickSize = types.Tick00001
	default:
		tickSize = types.Tick001
	}

	endDate, _ := time.Parse(time.RFC3339, gm.EndDate)
	maxSpread := gm.RewardsMaxSpread / 100

	return types.MarketInfo{
		ID:               gm.ID,
		ConditionID:      gm.ConditionID,
		Slug:             gm.Slug,
		Question:         gm.Question,
		Outcomes:         outcomes,
		TickSize:         tickSize,
		Active:           gm.Active,
		Closed:           gm.Closed,
		AcceptingOrders:  gm.AcceptingOrders && gm.EnableOrderBook,
		EndDate:          endDate,
		RewardsEnabled:   maxSpread > 0 && hasActiveReward(gm.ClobRewards),
		RewardsMinSize:   gm.RewardsMinSize,
		RewardsMaxSpread: maxSpread,
	}, nil
}

// hasActiveReward reports whether any program pays out. Markets without a
// clobRewards list fall back to rewardsMaxSpread alone.
func hasActiveReward(rewards []GammaReward) bool {
	if rewards == nil {
		return true
	}
	for _, r := range rewards {
		if r.RewardsDailyRate > 0 {
			return true
		}
	}
	return false
}

// parseJSONArray parses a JSON array string like `["a","b"]`. An empty string
// is an empty array.
func parseJSONArray(s string, out *[]string) error {
	if s == "" {
		*out = nil
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}

