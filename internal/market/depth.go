package market

import (
	"sort"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// RewardParams is the market-level liquidity reward configuration supplied
// by the metadata collaborator.
type RewardParams struct {
	Enabled   bool
	MaxSpread decimal.Decimal // max |price - midpoint| that still earns rewards
}

// DepthRow is one price level with running totals from the best price inward.
type DepthRow struct {
	Price          decimal.Decimal
	Size           decimal.Decimal
	CumSize        decimal.Decimal // sum of sizes from best through this level
	CumNotional    decimal.Decimal // CumSize * Price
	RewardEligible bool
}

// Depth is the derived, read-only view of one outcome's book.
type Depth struct {
	TokenID       string
	Bids          []DepthRow // best (highest) first
	Asks          []DepthRow // best (lowest) first
	BestBid       decimal.Decimal
	BestAsk       decimal.Decimal
	Spread        decimal.Decimal // 0 unless both sides are positive
	SpreadPercent decimal.Decimal // Spread / BestAsk, 0 if BestAsk is 0
	Midpoint      decimal.Decimal // 0 unless both sides are positive
	Quote         Quote           // venue-reported top of book, advisory
	HashTrusted   bool
}

// ComputeDepth derives cumulative depth, top of book and reward flags from a
// book copy. It never mutates ob and holds no state between calls.
func ComputeDepth(ob OrderBook, rp RewardParams) Depth {
	bids := sortedLevels(ob.Bids, true)
	asks := sortedLevels(ob.Asks, false)

	d := Depth{
		TokenID:     ob.TokenID,
		Quote:       ob.Quote,
		HashTrusted: ob.HashTrusted,
	}
	if len(bids) > 0 {
		d.BestBid = bids[0].Price
	}
	if len(asks) > 0 {
		d.BestAsk = asks[0].Price
	}

	d.Spread, d.Midpoint = spreadAndMid(d.BestBid, d.BestAsk)
	if d.BestAsk.IsPositive() {
		d.SpreadPercent = d.Spread.Div(d.BestAsk)
	}

	d.Bids = cumulate(bids, d, rp)
	d.Asks = cumulate(asks, d, rp)
	return d
}

// spreadAndMid returns zeros unless both sides are positive.
func spreadAndMid(bid, ask decimal.Decimal) (spread, mid decimal.Decimal) {
	if !bid.IsPositive() || !ask.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	return ask.Sub(bid), bid.Add(ask).Div(two)
}

// RewardEligible reports whether a resting level at price would earn
// liquidity rewards: rewards are on, both sides of the book are positive,
// and the level sits within MaxSpread of the midpoint.
func RewardEligible(price, bestBid, bestAsk decimal.Decimal, rp RewardParams) bool {
	if !rp.Enabled || !bestBid.IsPositive() || !bestAsk.IsPositive() {
		return false
	}
	mid := bestBid.Add(bestAsk).Div(two)
	return price.Sub(mid).Abs().LessThanOrEqual(rp.MaxSpread)
}

func cumulate(levels []Level, d Depth, rp RewardParams) []DepthRow {
	rows := make([]DepthRow, len(levels))
	cum := decimal.Zero
	for i, l := range levels {
		cum = cum.Add(l.Size)
		rows[i] = DepthRow{
			Price:          l.Price,
			Size:           l.Size,
			CumSize:        cum,
			CumNotional:    cum.Mul(l.Price),
			RewardEligible: RewardEligible(l.Price, d.BestBid, d.BestAsk, rp),
		}
	}
	return rows
}

// sortedLevels returns a best-first copy: descending for bids, ascending for asks.
func sortedLevels(levels []Level, desc bool) []Level {
	out := append([]Level(nil), levels...)
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
