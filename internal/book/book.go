// Package book maintains an in-memory mirror of the exchange order book for
// a single binary market's two complementary tokens.
//
// Each token's bids and asks are ordered decimal price-levels, fed by full
// snapshots (on connect/resync) and incremental deltas (on price_change
// events). A level with size 0 is removed. Best bid is the maximum bid key;
// best ask is the minimum ask key; crossed books are tolerated, never
// corrected — see the Reconciler for the operator-visible log line.
package book

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"predictionmm/pkg/types"
)

// Book mirrors the order book for one market's two tokens. Writes to a
// given token are single-writer (the owning stream handler); readers take
// a brief read lock to extract a consistent snapshot.
type Book struct {
	mu          sync.RWMutex
	conditionID string
	tokenA      string
	tokenB      string
	sides       map[string]*tokenBook // keyed by token ID
	updated     time.Time
}

type tokenBook struct {
	bids []types.PriceLevel // sorted descending by price
	asks []types.PriceLevel // sorted ascending by price
	hash string
}

// New creates an empty book for the market's two tokens.
func New(conditionID, tokenA, tokenB string) *Book {
	return &Book{
		conditionID: conditionID,
		tokenA:      tokenA,
		tokenB:      tokenB,
		sides: map[string]*tokenBook{
			tokenA: {},
			tokenB: {},
		},
	}
}

// ApplySnapshot replaces the full bid/ask level set for a token.
func (b *Book) ApplySnapshot(token string, bids, asks []types.PriceLevel, hash string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb := b.sideLocked(token)
	tb.bids = sortLevels(bids, true)
	tb.asks = sortLevels(asks, false)
	tb.hash = hash
	b.updated = time.Now()
}

// ApplyDelta applies a single incremental level change. size=0 deletes the
// level; otherwise the level is inserted or its size replaced.
func (b *Book) ApplyDelta(token string, side types.Side, price, size decimal.Decimal, hash string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tb := b.sideLocked(token)
	if side == types.BUY {
		tb.bids = applyLevel(tb.bids, price, size, true)
	} else {
		tb.asks = applyLevel(tb.asks, price, size, false)
	}
	tb.hash = hash
	b.updated = time.Now()
}

func (b *Book) sideLocked(token string) *tokenBook {
	tb, ok := b.sides[token]
	if !ok {
		tb = &tokenBook{}
		b.sides[token] = tb
	}
	return tb
}

// applyLevel inserts, replaces, or removes a single price level, keeping
// the slice sorted (descending for bids, ascending for asks).
func applyLevel(levels []types.PriceLevel, price, size decimal.Decimal, descending bool) []types.PriceLevel {
	idx := sort.Search(len(levels), func(i int) bool {
		if descending {
			return levels[i].Price.LessThanOrEqual(price)
		}
		return levels[i].Price.GreaterThanOrEqual(price)
	})

	found := idx < len(levels) && levels[idx].Price.Equal(price)

	if size.IsZero() {
		if found {
			levels = append(levels[:idx], levels[idx+1:]...)
		}
		return levels
	}

	if found {
		levels[idx].Size = size
		return levels
	}

	levels = append(levels, types.PriceLevel{})
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = types.PriceLevel{Price: price, Size: size}
	return levels
}

func sortLevels(levels []types.PriceLevel, descending bool) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(levels))
	for _, lv := range levels {
		if lv.Size.IsZero() {
			continue
		}
		out = append(out, lv)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// Best returns the best bid/ask price and size at each, for one token.
// ok is false if either side is empty.
func (b *Book) Best(token string) (bestBid, bestBidSize, bestAsk, bestAskSize decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tb, exists := b.sides[token]
	if !exists || len(tb.bids) == 0 || len(tb.asks) == 0 {
		return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	return tb.bids[0].Price, tb.bids[0].Size, tb.asks[0].Price, tb.asks[0].Size, true
}

// Mid returns the mid price for a token: (best_bid + best_ask) / 2.
func (b *Book) Mid(token string) (decimal.Decimal, bool) {
	bid, _, ask, _, ok := b.Best(token)
	if !ok {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// IsStale reports whether the book hasn't been updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last applied snapshot or delta.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// Tokens returns the two tokens this book tracks.
func (b *Book) Tokens() (tokenA, tokenB string) {
	return b.tokenA, b.tokenB
}
