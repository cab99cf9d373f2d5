// Package market provides the local order book store, the derived depth and
// reward views, and the Gamma market metadata client.
//
// Book mirrors the CLOB order book for every outcome of one watched market.
// It is changed only through Apply, which takes Mutations produced by the
// engine's event dispatcher:
//   - OpReplace installs a full book (REST snapshot or WS "book" event)
//   - OpUpsert / OpRemove apply one incremental price level change
//   - OpQuote records the venue's best bid/ask, kept beside the level sets
//
// Each side is a sorted tree map keyed by decimal price, so at most one level
// exists per price and reads come out best-first without sorting.
package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/shopspring/decimal"

	"polymarket-bookwatch/pkg/types"
)

// Level is one parsed price level.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Quote is the venue-reported top of book for one outcome.
type Quote struct {
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	At      time.Time
}

// OrderBook is a point-in-time copy of one outcome's book. Callers own it.
type OrderBook struct {
	TokenID     string
	Bids        []Level // descending by price (best bid first)
	Asks        []Level // ascending by price (best ask first)
	Hash        string  // last hash seen from the venue
	HashTrusted bool    // false once any delta has been applied after the last replace
	Quote       Quote
	SnapshotAt  time.Time // last full replace
	UpdatedAt   time.Time // last mutation of any kind
}

// MutationOp enumerates the ways a Book can change.
type MutationOp int

const (
	OpReplace MutationOp = iota
	OpUpsert
	OpRemove
	OpQuote
)

func (op MutationOp) String() string {
	switch op {
	case OpReplace:
		return "replace"
	case OpUpsert:
		return "upsert"
	case OpRemove:
		return "remove"
	case OpQuote:
		return "quote"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// Mutation is one change to a single outcome's book.
type Mutation struct {
	Op      MutationOp
	TokenID string

	// OpUpsert / OpRemove
	Side  types.Side
	Price decimal.Decimal
	Size  decimal.Decimal

	// OpReplace
	Bids []Level
	Asks []Level

	// OpReplace carries the snapshot hash; deltas carry the venue's post-change hash.
	Hash string

	// OpQuote
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
}

type outcomeBook struct {
	bids        *treemap.Map // decimal price -> decimal size, best (highest) first
	asks        *treemap.Map // decimal price -> decimal size, best (lowest) first
	hash        string
	hashTrusted bool
	quote       Quote
	snapshotAt  time.Time
	updated     time.Time
}

func newOutcomeBook() *outcomeBook {
	return &outcomeBook{
		bids: treemap.NewWith(descendingPrice),
		asks: treemap.NewWith(ascendingPrice),
	}
}

func ascendingPrice(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

func descendingPrice(a, b interface{}) int {
	return b.(decimal.Decimal).Cmp(a.(decimal.Decimal))
}

// Book maintains the local mirror of every outcome's order book for one
// watched market. It is concurrency-safe (RWMutex protected).
type Book struct {
	mu       sync.RWMutex
	outcomes []types.Outcome
	books    map[string]*outcomeBook // keyed by token ID
	updated  time.Time               // last time any book data arrived
	now      func() time.Time
}

// NewBook creates an empty book for the given outcomes.
func NewBook(outcomes []types.Outcome) *Book {
	b := &Book{
		outcomes: append([]types.Outcome(nil), outcomes...),
		books:    make(map[string]*outcomeBook, len(outcomes)),
		now:      time.Now,
	}
	for _, o := range outcomes {
		b.books[o.TokenID] = newOutcomeBook()
	}
	return b
}

// Outcomes returns the outcomes this book tracks, in venue order.
func (b *Book) Outcomes() []types.Outcome {
	return append([]types.Outcome(nil), b.outcomes...)
}

// Apply performs the mutations in order and returns how many touched a
// tracked outcome. Mutations for unknown tokens are skipped.
func (b *Book) Apply(muts ...Mutation) int {
	if len(muts) == 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	applied := 0
	for _, m := range muts {
		ob, ok := b.books[m.TokenID]
		if !ok {
			continue
		}

		switch m.Op {
		case OpReplace:
			ob.bids.Clear()
			ob.asks.Clear()
			putLevels(ob.bids, m.Bids)
			putLevels(ob.asks, m.Asks)
			ob.hash = m.Hash
			ob.hashTrusted = true
			ob.snapshotAt = now

		case OpUpsert, OpRemove:
			side := ob.side(m.Side)
			if side == nil {
				continue
			}
			if m.Op == OpRemove || m.Size.IsZero() {
				side.Remove(m.Price)
			} else {
				side.Put(m.Price, m.Size)
			}
			if m.Hash != "" {
				ob.hash = m.Hash
			}
			ob.hashTrusted = false

		case OpQuote:
			ob.quote = Quote{BestBid: m.BestBid, BestAsk: m.BestAsk, At: now}

		default:
			continue
		}

		ob.updated = now
		applied++
	}

	if applied > 0 {
		b.updated = now
	}
	return applied
}

func (ob *outcomeBook) side(s types.Side) *treemap.Map {
	switch s {
	case types.BUY:
		return ob.bids
	case types.SELL:
		return ob.asks
	default:
		return nil
	}
}

// putLevels inserts levels, dropping zero sizes; a repeated price keeps the last size.
func putLevels(m *treemap.Map, levels []Level) {
	for _, l := range levels {
		if l.Size.IsZero() {
			m.Remove(l.Price)
			continue
		}
		m.Put(l.Price, l.Size)
	}
}

// Snapshot returns a copy of one outcome's book. ok is false if the token is
// not tracked.
func (b *Book) Snapshot(tokenID string) (OrderBook, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ob, ok := b.books[tokenID]
	if !ok {
		return OrderBook{}, false
	}
	return OrderBook{
		TokenID:     tokenID,
		Bids:        collect(ob.bids),
		Asks:        collect(ob.asks),
		Hash:        ob.hash,
		HashTrusted: ob.hashTrusted,
		Quote:       ob.quote,
		SnapshotAt:  ob.snapshotAt,
		UpdatedAt:   ob.updated,
	}, true
}

// TopOfBook is the best level of each side of one outcome, read without
// copying the ladders.
type TopOfBook struct {
	BestBid   decimal.Decimal // zero when the side is empty
	BestAsk   decimal.Decimal
	Spread    decimal.Decimal // 0 unless both sides are positive
	Midpoint  decimal.Decimal // 0 unless both sides are positive
	UpdatedAt time.Time
}

// Top returns the best bid and ask of one outcome. ok is false if the token
// is not tracked.
func (b *Book) Top(tokenID string) (TopOfBook, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ob, ok := b.books[tokenID]
	if !ok {
		return TopOfBook{}, false
	}
	t := TopOfBook{
		BestBid:   best(ob.bids),
		BestAsk:   best(ob.asks),
		UpdatedAt: ob.updated,
	}
	t.Spread, t.Midpoint = spreadAndMid(t.BestBid, t.BestAsk)
	return t, true
}

// best returns the first key in comparator order, which is the best price.
func best(m *treemap.Map) decimal.Decimal {
	k, _ := m.Min()
	if k == nil {
		return decimal.Zero
	}
	return k.(decimal.Decimal)
}

func collect(m *treemap.Map) []Level {
	out := make([]Level, 0, m.Size())
	it := m.Iterator()
	for it.Next() {
		out = append(out, Level{
			Price: it.Key().(decimal.Decimal),
			Size:  it.Value().(decimal.Decimal),
		})
	}
	return out
}

// Ready reports whether every outcome has received at least one full snapshot.
func (b *Book) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ob := range b.books {
		if ob.snapshotAt.IsZero() {
			return false
		}
	}
	return true
}

// IsStale returns true if the book hasn't been updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.updated.IsZero() {
		return true
	}
	return b.now().Sub(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last book update.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// ParseLevels converts wire levels to decimals. Any unparseable price or size
// fails the whole slice, since a partially parsed snapshot cannot be trusted.
func ParseLevels(raw []types.PriceLevel) ([]Level, error) {
	out := make([]Level, 0, len(raw))
	for i, r := range raw {
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			return nil, fmt.Errorf("level %d price %q: %w", i, r.Price, err)
		}
		size, err := decimal.NewFromString(r.Size)
		if err != nil {
			return nil, fmt.Errorf("level %d size %q: %w", i, r.Size, err)
		}
		if size.IsNegative() {
			return nil, fmt.Errorf("level %d size %q: negative", i, r.Size)
		}
		out = append(out, Level{Price: price, Size: size})
	}
	return out, nil
}

// ReplaceMutation builds an OpReplace mutation from wire levels.
func ReplaceMutation(tokenID string, bids, asks []types.PriceLevel, hash string) (Mutation, error) {
	b, err := ParseLevels(bids)
	if err != nil {
		return Mutation{}, fmt.Errorf("bids: %w", err)
	}
	a, err := ParseLevels(asks)
	if err != nil {
		return Mutation{}, fmt.Errorf("asks: %w", err)
	}
	return Mutation{Op: OpReplace, TokenID: tokenID, Bids: b, Asks: a, Hash: hash}, nil
}
