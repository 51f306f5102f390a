// Package position holds the per-token Position and per-token/side
// OpenOrder state the Quote Engine and Reconciler read and the exchange
// client and stream handlers write.
//
// A position's size is always >= 0; avg_price is defined iff size > 0.
// At most one OpenOrder is tracked per (token, side); when the exchange
// reports several in a pull, MergeAuthoritative collapses them into the
// aggregate view (total size, volume-weighted price).
package position

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"predictionmm/pkg/types"
)

// Position is the size/average-price state for a single token.
type Position struct {
	Size        decimal.Decimal
	AvgPrice    decimal.Decimal
	HasPosition bool
}

// Orders is the pair of tracked open orders for a token, one per side.
type Orders struct {
	Buy  *types.OpenOrder
	Sell *types.OpenOrder
}

type tokenState struct {
	position Position
	buy      *types.OpenOrder
	sell     *types.OpenOrder
}

// Store is the single-writer-per-token position and order book, guarded by
// one RWMutex — contention is acceptable since writes are infrequent
// relative to reads from the Quote Engine.
type Store struct {
	mu    sync.RWMutex
	state map[string]*tokenState
}

// New creates an empty store.
func New() *Store {
	return &Store{state: make(map[string]*tokenState)}
}

func (s *Store) entryLocked(token string) *tokenState {
	st, ok := s.state[token]
	if !ok {
		st = &tokenState{}
		s.state[token] = st
	}
	return st
}

// GetPosition returns the current position for a token. Zero value with
// HasPosition=false if the token has never been touched.
func (s *Store) GetPosition(token string) Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.state[token]; ok {
		return st.position
	}
	return Position{}
}

// GetOrders returns the tracked buy/sell open orders for a token.
func (s *Store) GetOrders(token string) Orders {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.state[token]; ok {
		return Orders{Buy: st.buy, Sell: st.sell}
	}
	return Orders{}
}

// ApplyFill eagerly updates position size and average price from a local
// fill, ahead of the authoritative periodic pull.
//
// Buy:  avg_price = (avg_price*size + fill_price*fill_size) / (size+fill_size)
// Sell: size = max(0, size-fill_size); avg_price unchanged if any remains,
// undefined (zeroed) if the position is fully closed.
func (s *Store) ApplyFill(token string, side types.Side, size, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.entryLocked(token)
	pos := st.position

	if side == types.BUY {
		totalCost := pos.AvgPrice.Mul(pos.Size).Add(price.Mul(size))
		newSize := pos.Size.Add(size)
		pos.Size = newSize
		if newSize.IsPositive() {
			pos.AvgPrice = totalCost.Div(newSize)
			pos.HasPosition = true
		}
	} else {
		newSize := pos.Size.Sub(size)
		if newSize.IsNegative() {
			newSize = decimal.Zero
		}
		pos.Size = newSize
		if newSize.IsZero() {
			pos.AvgPrice = decimal.Zero
			pos.HasPosition = false
		}
	}
	st.position = pos
}

// SetWarmCache primes one token's position from a persisted warm-cache
// snapshot at startup, before the first authoritative pull lands. Unlike
// MergeAuthoritative, it touches only this token's entry — safe to call once
// per token during startup without resetting positions already primed by
// earlier calls.
func (s *Store) SetWarmCache(token string, size, avgPrice decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.entryLocked(token)
	st.position = Position{
		Size:        size,
		AvgPrice:    avgPrice,
		HasPosition: size.IsPositive(),
	}
}

// ApplyOrderAck records or updates the tracked order for a (token, side)
// after a place acknowledgment.
func (s *Store) ApplyOrderAck(token string, side types.Side, orderID string, price, size decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.entryLocked(token)
	order := &types.OpenOrder{
		OrderID:  orderID,
		TokenID:  token,
		Side:     side,
		Price:    price,
		Size:     size,
		PlacedAt: time.Now(),
	}
	if side == types.BUY {
		st.buy = order
	} else {
		st.sell = order
	}
}

// ClearOrder drops the tracked order on one (token, side) without needing
// its order ID — used by the Reconciler after a cancel-all-for-token call,
// since a collapsed-aggregate entry may not carry a single ID to match on.
func (s *Store) ClearOrder(token string, side types.Side) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[token]
	if !ok {
		return
	}
	if side == types.BUY {
		st.buy = nil
	} else {
		st.sell = nil
	}
}

// ApplyOrderGone removes the tracked order with the given order ID,
// wherever it is held, on cancel or full fill.
func (s *Store) ApplyOrderGone(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.state {
		if st.buy != nil && st.buy.OrderID == orderID {
			st.buy = nil
		}
		if st.sell != nil && st.sell.OrderID == orderID {
			st.sell = nil
		}
	}
}

// MergeAuthoritative replaces local state from a periodic pull.
//
// pending reports, for each token, whether the Pending Intents Set is
// non-empty — per spec, while pending, only avg_price is taken from the
// pull; size is retained from local state, since REST size may lag the
// ack of fills already accounted locally.
func (s *Store) MergeAuthoritative(positions []types.ExchangePosition, orders []types.ExchangeOpenOrder, pending map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byToken := make(map[string][]types.ExchangeOpenOrder)
	for _, o := range orders {
		byToken[o.TokenID] = append(byToken[o.TokenID], o)
	}

	seen := make(map[string]bool)
	for _, p := range positions {
		seen[p.TokenID] = true
		st := s.entryLocked(p.TokenID)
		if pending[p.TokenID] {
			st.position.AvgPrice = p.AvgPrice
			st.position.HasPosition = st.position.Size.IsPositive()
		} else {
			st.position = Position{
				Size:        p.Size,
				AvgPrice:    p.AvgPrice,
				HasPosition: p.Size.IsPositive(),
			}
		}
	}

	for token, st := range s.state {
		if !seen[token] && !pending[token] {
			st.position = Position{}
		}
	}

	for token, tokOrders := range byToken {
		st := s.entryLocked(token)
		st.buy = collapseSide(tokOrders, types.BUY)
		st.sell = collapseSide(tokOrders, types.SELL)
	}
	for token, st := range s.state {
		if _, ok := byToken[token]; !ok {
			st.buy = nil
			st.sell = nil
		}
	}
}

// collapseSide aggregates every exchange-side order on one (token, side)
// into a single volume-weighted OpenOrder, per spec.md §3's "at most one
// tracked order per (token, side)" collapsed-aggregate rule.
func collapseSide(orders []types.ExchangeOpenOrder, side types.Side) *types.OpenOrder {
	var totalSize, weightedPrice decimal.Decimal
	var ids []string
	for _, o := range orders {
		if o.Side != side {
			continue
		}
		remaining := o.Size.Sub(o.SizeMatched)
		if !remaining.IsPositive() {
			continue
		}
		weightedPrice = weightedPrice.Add(o.Price.Mul(remaining))
		totalSize = totalSize.Add(remaining)
		ids = append(ids, o.OrderID)
	}
	if totalSize.IsZero() {
		return nil
	}
	orderID := ids[0]
	if len(ids) > 1 {
		orderID = ""
	}
	return &types.OpenOrder{
		OrderID:  orderID,
		Side:     side,
		Price:    weightedPrice.Div(totalSize),
		Size:     totalSize,
		PlacedAt: time.Now(),
	}
}
