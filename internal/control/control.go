// Package control implements the Periodic Control Loop: the single
// scheduler running two tickers — a full position/order pull and a
// reward/position snapshot to the sinks — and applying the Market Registry
// snapshots it receives. The registry's own polling cadence runs in
// registry.Run.
//
// Grounded on internal/market/scanner.go's resty polling ticker loop and
// internal/risk/manager.go's ticker loop, merged here into one scheduler
// instead of two independent ones, per spec.md §4.6's "single logical
// scheduler" requirement.
package control

import (
	"context"
	"log/slog"
	"time"

	"predictionmm/internal/pending"
	"predictionmm/internal/position"
	"predictionmm/internal/registry"
	"predictionmm/internal/sinks"
	"predictionmm/pkg/types"
)

// Exchange is the narrow pull-side interface the loop consumes.
type Exchange interface {
	ListOpenOrders(ctx context.Context) ([]types.ExchangeOpenOrder, error)
	ListPositions(ctx context.Context) ([]types.ExchangePosition, error)
}

// MarketIndex gives the loop the current set of tracked tokens (and their
// owning market) and a way to enqueue a reconciliation trigger. Implemented
// by the Engine, the only component that knows every live market.
type MarketIndex interface {
	Tokens() map[string]string // token -> condition_id
	Trigger(conditionID, reason string)
}

// Config bundles the loop's dependencies and cadences.
type Config struct {
	Exchange          Exchange
	Positions         *position.Store
	Pending           *pending.Set
	Markets           MarketIndex
	RegistrySnapshots <-chan registry.Snapshot
	OnRegistryUpdate  func(registry.Snapshot)
	OnSnapshot        func()
	Sinks             sinks.Sinks

	PullInterval     time.Duration
	SnapshotInterval time.Duration
	CallTimeout      time.Duration

	Logger *slog.Logger
}

// Loop is the Periodic Control Loop.
type Loop struct {
	exchange          Exchange
	positions         *position.Store
	pendingSet        *pending.Set
	markets           MarketIndex
	registrySnapshots <-chan registry.Snapshot
	onRegistryUpdate  func(registry.Snapshot)
	onSnapshot        func()
	sinks             sinks.Sinks

	pullInterval     time.Duration
	snapshotInterval time.Duration
	callTimeout      time.Duration

	logger *slog.Logger
}

// New creates a Periodic Control Loop from cfg.
func New(cfg Config) *Loop {
	return &Loop{
		exchange:          cfg.Exchange,
		positions:         cfg.Positions,
		pendingSet:        cfg.Pending,
		markets:           cfg.Markets,
		registrySnapshots: cfg.RegistrySnapshots,
		onRegistryUpdate:  cfg.OnRegistryUpdate,
		onSnapshot:        cfg.OnSnapshot,
		sinks:             cfg.Sinks,
		pullInterval:      cfg.PullInterval,
		snapshotInterval:  cfg.SnapshotInterval,
		callTimeout:       cfg.CallTimeout,
		logger:            cfg.Logger.With("component", "control"),
	}
}

// Run blocks until ctx is cancelled, driving the pull and snapshot
// cadences plus forwarding Market Registry snapshots as they arrive.
func (l *Loop) Run(ctx context.Context) error {
	pullTicker := time.NewTicker(l.pullInterval)
	defer pullTicker.Stop()
	snapshotTicker := time.NewTicker(l.snapshotInterval)
	defer snapshotTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-pullTicker.C:
			l.pull(ctx)

		case <-snapshotTicker.C:
			l.snapshot()

		case snap, ok := <-l.registrySnapshots:
			if !ok {
				l.registrySnapshots = nil
				continue
			}
			if l.onRegistryUpdate != nil {
				l.onRegistryUpdate(snap)
			}
		}
	}
}

// PullNow runs one pull cycle immediately — used on startup and after a
// stream reconnect forces a full pull (spec.md §4.5).
func (l *Loop) PullNow(ctx context.Context) {
	l.pull(ctx)
}

func (l *Loop) pull(ctx context.Context) {
	pullCtx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	orders, err := l.exchange.ListOpenOrders(pullCtx)
	if err != nil {
		l.logger.Error("pull open orders failed", "error", err)
		return
	}
	positions, err := l.exchange.ListPositions(pullCtx)
	if err != nil {
		l.logger.Error("pull positions failed", "error", err)
		return
	}

	tokens := l.markets.Tokens()
	beforePos := make(map[string]position.Position, len(tokens))
	beforeOrders := make(map[string]position.Orders, len(tokens))
	for token := range tokens {
		beforePos[token] = l.positions.GetPosition(token)
		beforeOrders[token] = l.positions.GetOrders(token)
	}

	l.positions.MergeAuthoritative(positions, orders, l.pendingSet.PendingTokens())

	if swept := l.pendingSet.SweepExpired(); swept > 0 {
		l.logger.Debug("swept expired pending intents", "count", swept)
	}

	triggered := make(map[string]bool, len(tokens))
	for token, conditionID := range tokens {
		if triggered[conditionID] {
			continue
		}
		changed := !positionsEqual(beforePos[token], l.positions.GetPosition(token)) ||
			!ordersEqual(beforeOrders[token], l.positions.GetOrders(token))
		if !changed {
			continue
		}
		triggered[conditionID] = true
		l.markets.Trigger(conditionID, "periodic")
	}
}

func positionsEqual(a, b position.Position) bool {
	return a.HasPosition == b.HasPosition && a.Size.Equal(b.Size) && a.AvgPrice.Equal(b.AvgPrice)
}

// ordersEqual reports whether a resting order on either side disappeared,
// appeared, or changed identity between two GetOrders snapshots — a pull
// that sees an order vanish out-of-band (manually cancelled on the exchange)
// with no offsetting position change must still trigger a reconciliation so
// the side gets replaced.
func ordersEqual(a, b position.Orders) bool {
	return openOrderEqual(a.Buy, b.Buy) && openOrderEqual(a.Sell, b.Sell)
}

func openOrderEqual(a, b *types.OpenOrder) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.OrderID == b.OrderID && a.Price.Equal(b.Price) && a.Size.Equal(b.Size)
}

func (l *Loop) snapshot() {
	tokens := l.markets.Tokens()
	now := time.Now()

	for token, conditionID := range tokens {
		pos := l.positions.GetPosition(token)
		l.sinks.WritePosition(sinks.PositionSnapshotRecord{
			Timestamp:   now,
			ConditionID: conditionID,
			Token:       token,
			Size:        pos.Size,
			AvgPrice:    pos.AvgPrice,
		})

		orders := l.positions.GetOrders(token)
		if orders.Buy != nil {
			l.sinks.WriteReward(sinks.RewardSnapshotRecord{
				Timestamp: now, ConditionID: conditionID, Token: token,
				Side: string(types.BUY), Price: orders.Buy.Price, Size: orders.Buy.Size,
			})
		}
		if orders.Sell != nil {
			l.sinks.WriteReward(sinks.RewardSnapshotRecord{
				Timestamp: now, ConditionID: conditionID, Token: token,
				Side: string(types.SELL), Price: orders.Sell.Price, Size: orders.Sell.Size,
			})
		}
	}

	l.logger.Debug("snapshot written", "tracked_tokens", len(tokens), "pending_intents", l.pendingSet.Len())

	if l.onSnapshot != nil {
		l.onSnapshot()
	}
}
