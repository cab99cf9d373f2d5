package types

import "testing"

func TestTickSizeDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 1},
		{Tick001, 2},
		{Tick0001, 3},
		{Tick00001, 4},
		{TickSize("unknown"), 2}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.Decimals(); got != tt.want {
			t.Errorf("TickSize(%q).Decimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestMarketInfoTradable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		info MarketInfo
		want bool
	}{
		{"open and accepting", MarketInfo{AcceptingOrders: true}, true},
		{"closed", MarketInfo{Closed: true, AcceptingOrders: true}, false},
		{"paused", MarketInfo{AcceptingOrders: false}, false},
	}

	for _, tt := range tests {
		if got := tt.info.Tradable(); got != tt.want {
			t.Errorf("%s: Tradable() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBookEventLevelsFallsBackToLegacyFields(t *testing.T) {
	t.Parallel()

	evt := WSBookEvent{
		Buys:  []PriceLevel{{Price: "0.40", Size: "10"}},
		Sells: []PriceLevel{{Price: "0.60", Size: "5"}},
	}
	bids, asks := evt.Levels()
	if len(bids) != 1 || bids[0].Price != "0.40" {
		t.Errorf("bids = %v, want legacy buys", bids)
	}
	if len(asks) != 1 || asks[0].Price != "0.60" {
		t.Errorf("asks = %v, want legacy sells", asks)
	}

	evt.Bids = []PriceLevel{{Price: "0.45", Size: "1"}}
	bids, _ = evt.Levels()
	if bids[0].Price != "0.45" {
		t.Errorf("bids[0].Price = %q, want 0.45 (bids take precedence)", bids[0].Price)
	}
}

type kindRecorder struct{ got []string }

func (r *kindRecorder) OnBook(WSBookEvent)                     { r.got = append(r.got, EventBook) }
func (r *kindRecorder) OnPriceChange(WSPriceChangeEvent)       { r.got = append(r.got, EventPriceChange) }
func (r *kindRecorder) OnBestBidAsk(WSBestBidAskEvent)         { r.got = append(r.got, EventBestBidAsk) }
func (r *kindRecorder) OnLastTrade(WSLastTradeEvent)           { r.got = append(r.got, EventLastTrade) }
func (r *kindRecorder) OnTickSizeChange(WSTickSizeChangeEvent) { r.got = append(r.got, EventTickSizeChange) }

func TestEventAcceptRoutesByKind(t *testing.T) {
	t.Parallel()

	events := []Event{
		WSBookEvent{},
		WSPriceChangeEvent{},
		WSBestBidAskEvent{},
		WSLastTradeEvent{},
		WSTickSizeChangeEvent{},
	}
	r := &kindRecorder{}
	for _, e := range events {
		e.Accept(r)
	}
	for i, e := range events {
		if r.got[i] != e.EventType() {
			t.Errorf("event %d routed to %q, want %q", i, r.got[i], e.EventType())
		}
	}
}
