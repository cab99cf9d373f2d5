package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"polymarket-bookwatch/internal/exchange"
	"polymarket-bookwatch/internal/market"
	"polymarket-bookwatch/pkg/types"
)

// WatchSet is the ordered set of outcome token IDs one session subscribes to.
// It is immutable once built.
type WatchSet struct {
	ids   []string
	index map[string]struct{}
}

// NewWatchSet builds a watch set, dropping empty and duplicate IDs.
func NewWatchSet(ids []string) WatchSet {
	w := WatchSet{index: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := w.index[id]; dup {
			continue
		}
		w.index[id] = struct{}{}
		w.ids = append(w.ids, id)
	}
	return w
}

// Contains reports whether tokenID is watched.
func (w WatchSet) Contains(tokenID string) bool {
	_, ok := w.index[tokenID]
	return ok
}

// IDs returns the token IDs in subscription order.
func (w WatchSet) IDs() []string { return append([]string(nil), w.ids...) }

// Len returns the number of watched tokens.
func (w WatchSet) Len() int { return len(w.ids) }

// Observer receives everything dispatch sees that is not a book mutation.
type Observer interface {
	UnknownAsset(eventType, assetID string)
	ProtocolError(err error)
	LastTrade(evt types.WSLastTradeEvent)
	TickSizeChange(evt types.WSTickSizeChangeEvent)
}

type nopObserver struct{}

func (nopObserver) UnknownAsset(string, string)                {}
func (nopObserver) ProtocolError(error)                        {}
func (nopObserver) LastTrade(types.WSLastTradeEvent)           {}
func (nopObserver) TickSizeChange(types.WSTickSizeChangeEvent) {}

// Dispatch translates one decoded event into book mutations, in the order
// they must be applied. It holds no state; events for tokens outside watch
// and malformed deltas produce no mutation and are reported to obs instead.
func Dispatch(watch WatchSet, evt types.Event, obs Observer) []market.Mutation {
	if obs == nil {
		obs = nopObserver{}
	}
	d := &dispatcher{watch: watch, obs: obs}
	evt.Accept(d)
	return d.muts
}

// dispatcher implements types.EventHandler for one Dispatch call.
type dispatcher struct {
	watch WatchSet
	obs   Observer
	muts  []market.Mutation
}

func (d *dispatcher) OnBook(e types.WSBookEvent) {
	if !d.watch.Contains(e.AssetID) {
		d.obs.UnknownAsset(e.EventType(), e.AssetID)
		return
	}
	bids, asks := e.Levels()
	m, err := market.ReplaceMutation(e.AssetID, bids, asks, e.Hash)
	if err != nil {
		d.obs.ProtocolError(&exchange.ProtocolError{EventType: e.EventType(), Err: err})
		return
	}
	d.muts = append(d.muts, m)
}

func (d *dispatcher) OnPriceChange(e types.WSPriceChangeEvent) {
	for i, pc := range e.PriceChanges {
		if !d.watch.Contains(pc.AssetID) {
			d.obs.UnknownAsset(e.EventType(), pc.AssetID)
			continue
		}
		m, err := deltaMutation(pc)
		if err != nil {
			d.obs.ProtocolError(&exchange.ProtocolError{
				EventType: e.EventType(),
				Err:       fmt.Errorf("change %d: %w", i, err),
			})
			continue
		}
		d.muts = append(d.muts, m)
	}
}

func deltaMutation(pc types.WSPriceChange) (market.Mutation, error) {
	if pc.Side != types.BUY && pc.Side != types.SELL {
		return market.Mutation{}, fmt.Errorf("side %q", pc.Side)
	}
	price, err := decimal.NewFromString(pc.Price)
	if err != nil {
		return market.Mutation{}, fmt.Errorf("price %q: %w", pc.Price, err)
	}
	size, err := decimal.NewFromString(pc.Size)
	if err != nil {
		return market.Mutation{}, fmt.Errorf("size %q: %w", pc.Size, err)
	}
	if size.IsNegative() {
		return market.Mutation{}, fmt.Errorf("size %q: negative", pc.Size)
	}

	op := market.OpUpsert
	if size.IsZero() {
		op = market.OpRemove
	}
	return market.Mutation{
		Op:      op,
		TokenID: pc.AssetID,
		Side:    pc.Side,
		Price:   price,
		Size:    size,
		Hash:    pc.Hash,
	}, nil
}

func (d *dispatcher) OnBestBidAsk(e types.WSBestBidAskEvent) {
	if !d.watch.Contains(e.AssetID) {
		d.obs.UnknownAsset(e.EventType(), e.AssetID)
		return
	}
	bid, err := parseOptionalPrice(e.BestBid)
	if err != nil {
		d.obs.ProtocolError(&exchange.ProtocolError{EventType: e.EventType(), Err: fmt.Errorf("best_bid: %w", err)})
		return
	}
	ask, err := parseOptionalPrice(e.BestAsk)
	if err != nil {
		d.obs.ProtocolError(&exchange.ProtocolError{EventType: e.EventType(), Err: fmt.Errorf("best_ask: %w", err)})
		return
	}
	d.muts = append(d.muts, market.Mutation{
		Op:      market.OpQuote,
		TokenID: e.AssetID,
		BestBid: bid,
		BestAsk: ask,
	})
}

func (d *dispatcher) OnLastTrade(e types.WSLastTradeEvent) {
	if !d.watch.Contains(e.AssetID) {
		d.obs.UnknownAsset(e.EventType(), e.AssetID)
		return
	}
	d.obs.LastTrade(e)
}

func (d *dispatcher) OnTickSizeChange(e types.WSTickSizeChangeEvent) {
	if !d.watch.Contains(e.AssetID) {
		d.obs.UnknownAsset(e.EventType(), e.AssetID)
		return
	}
	d.obs.TickSizeChange(e)
}

// parseOptionalPrice treats an empty side as no quote (zero).
func parseOptionalPrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
