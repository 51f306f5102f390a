// Package engine is the top-level orchestrator: it wires the Book Store,
// Position & Order Store, Pending Intents Set, Risk-Off Registry, Market
// Registry, Reconciler, Stream Handlers, Periodic Control Loop, and Sinks
// into one running bot, and owns the token→market routing every other
// component needs but none of them owns alone.
//
// Generalized from the teacher's market-slot/token-map engine: a
// marketSlot here wraps a *reconcile.Market instead of an Avellaneda-
// Stoikov *strategy.Maker, and market lifecycle is driven by Market
// Registry snapshots instead of a spread-scanning discovery loop.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"predictionmm/internal/book"
	"predictionmm/internal/config"
	"predictionmm/internal/control"
	"predictionmm/internal/exchange"
	"predictionmm/internal/pending"
	"predictionmm/internal/position"
	"predictionmm/internal/reconcile"
	"predictionmm/internal/registry"
	"predictionmm/internal/riskoff"
	"predictionmm/internal/sinks"
	"predictionmm/internal/stream"
	"predictionmm/pkg/types"
)

// marketSlot is one actively-tracked market: its book mirror and its
// Reconciler. Position/pending/risk-off state lives in engine-wide stores
// keyed by token, not per slot, since the Periodic Control Loop and stream
// handlers need to reach every market uniformly.
type marketSlot struct {
	market types.Market
	book   *book.Book
	recon  *reconcile.Market
}

// Engine orchestrates every component of the market-making bot.
type Engine struct {
	cfg    *config.Config
	client *exchange.Client
	auth   *exchange.Auth

	mktFeed *exchange.WSFeed
	usrFeed *exchange.WSFeed

	marketHandler *stream.MarketHandler
	userHandler   *stream.UserHandler
	controlLoop   *control.Loop
	reg           *registry.Registry
	riskoffReg    *riskoff.Registry

	positions  *position.Store
	pendingSet *pending.Set

	sinksBundle Sinks
	engineParams types.EngineParameters

	logger *slog.Logger

	mu       sync.RWMutex
	slots    map[string]*marketSlot // condition_id -> slot
	tokenMap map[string]string      // token -> condition_id

	latestSnapshot registry.Snapshot
	snapshotMu     sync.RWMutex
}

// Sinks groups the sink bundle and its close func together so Engine owns
// a single field for both.
type Sinks struct {
	Bundle sinks.Sinks
	Close  func() error
}

// New wires every component from cfg. If L2 API credentials are not
// configured, it derives them via L1 auth before returning.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	auth, err := exchange.NewAuth(*cfg)
	if err != nil {
		return nil, fmt.Errorf("init auth: %w", err)
	}

	client := exchange.NewClient(*cfg, auth, logger)

	if !auth.HasL2Credentials() {
		logger.Info("no L2 credentials configured, deriving via L1 auth")
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, fmt.Errorf("derive L2 credentials: %w", err)
		}
		auth.SetCredentials(*creds)
	}

	riskoffReg, err := riskoff.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open risk-off registry: %w", err)
	}

	sinkBundle, closeSinks, err := sinks.Open(cfg.Sinks.Dir)
	if err != nil {
		return nil, fmt.Errorf("open sinks: %w", err)
	}

	mktFeed := exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)
	usrFeed := exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger)

	reg := registry.New(cfg.Registry.BaseURL, cfg.Registry.RefreshInterval, logger)

	e := &Engine{
		cfg:          cfg,
		client:       client,
		auth:         auth,
		mktFeed:      mktFeed,
		usrFeed:      usrFeed,
		reg:          reg,
		riskoffReg:   riskoffReg,
		positions:    position.New(),
		pendingSet:   pending.New(),
		sinksBundle:  Sinks{Bundle: sinkBundle, Close: closeSinks},
		engineParams: cfg.Engine.Resolve(),
		logger:       logger.With("component", "engine"),
		slots:        make(map[string]*marketSlot),
		tokenMap:     make(map[string]string),
	}

	e.marketHandler = stream.NewMarketHandler(mktFeed, e, e.Trigger, logger)
	e.userHandler = stream.NewUserHandler(usrFeed, e, e.positions, e.pendingSet, cfg.Engine.PendingIntentTTLOrDefault(), e.Trigger, sinkBundle, logger)

	e.controlLoop = control.New(control.Config{
		Exchange:          client,
		Positions:         e.positions,
		Pending:           e.pendingSet,
		Markets:           e,
		RegistrySnapshots: reg.Snapshots(),
		OnRegistryUpdate:  e.applySnapshot,
		OnSnapshot:        e.persistWarmCache,
		Sinks:             sinkBundle,
		PullInterval:      cfg.Control.PullIntervalOrDefault(),
		SnapshotInterval:  cfg.Control.SnapshotIntervalOrDefault(),
		CallTimeout:       cfg.Engine.ExchangeCallTimeoutOrDefault(),
		Logger:            logger,
	})

	mktFeed.OnReconnect(func() { e.controlLoop.PullNow(context.Background()) })
	usrFeed.OnReconnect(func() { e.controlLoop.PullNow(context.Background()) })

	return e, nil
}

// BookFor implements stream.Router.
func (e *Engine) BookFor(token string) (*book.Book, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	conditionID, ok := e.tokenMap[token]
	if !ok {
		return nil, false
	}
	slot, ok := e.slots[conditionID]
	if !ok {
		return nil, false
	}
	return slot.book, true
}

// MarketFor implements stream.Router.
func (e *Engine) MarketFor(token string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	conditionID, ok := e.tokenMap[token]
	return conditionID, ok
}

// Tokens implements control.MarketIndex.
func (e *Engine) Tokens() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.tokenMap))
	for token, conditionID := range e.tokenMap {
		out[token] = conditionID
	}
	return out
}

// Trigger implements both stream.Trigger and control.MarketIndex.Trigger:
// it enqueues one reconciliation attempt for a market.
func (e *Engine) Trigger(conditionID, reason string) {
	e.mu.RLock()
	slot, ok := e.slots[conditionID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	slot.recon.Trigger(context.Background(), reason)
}

// Run starts every background goroutine and blocks until ctx is cancelled
// or a fatal component error occurs.
func (e *Engine) Run(ctx context.Context) error {
	snap, err := e.reg.Load(ctx)
	if err != nil {
		return fmt.Errorf("initial registry load: %w", err)
	}
	e.applySnapshot(snap)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.marketHandler.Run(ctx) })
	g.Go(func() error { return e.userHandler.Run(ctx) })
	g.Go(func() error { e.reg.Run(ctx); return nil })
	g.Go(func() error { return e.controlLoop.Run(ctx) })

	e.controlLoop.PullNow(ctx)

	return g.Wait()
}

// Stop gracefully shuts down: best-effort cancels every known token's
// resting orders (the exchange has no single global cancel-all, only
// per-token), closes the WS feeds, and flushes sinks.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")

	e.mu.RLock()
	tokens := make([]string, 0, len(e.tokenMap))
	for token := range e.tokenMap {
		tokens = append(tokens, token)
	}
	e.mu.RUnlock()

	cancelCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Engine.ExchangeCallTimeoutOrDefault())
	defer cancel()
	for _, token := range tokens {
		if err := e.client.CancelAllForToken(cancelCtx, token); err != nil {
			e.logger.Error("cancel on shutdown failed", "token", token, "error", err)
		}
	}

	e.persistWarmCache()

	e.mktFeed.Close()
	e.usrFeed.Close()
	if err := e.sinksBundle.Close(); err != nil {
		e.logger.Error("close sinks", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// applySnapshot diffs the new Market Registry snapshot against currently
// tracked markets, starting and stopping slots and diffing WS
// subscriptions to match.
func (e *Engine) applySnapshot(snap registry.Snapshot) {
	e.snapshotMu.Lock()
	e.latestSnapshot = snap
	e.snapshotMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	for conditionID := range e.slots {
		if _, ok := snap.Markets[conditionID]; !ok {
			e.stopMarketLocked(conditionID)
		}
	}

	for conditionID, market := range snap.Markets {
		trade, ok := snap.Trades[conditionID]
		if !ok || !trade.Enabled {
			continue
		}
		if _, exists := e.slots[conditionID]; !exists {
			e.startMarketLocked(market)
		}
	}

	e.logger.Info("applied registry snapshot", "markets", len(snap.Markets))
}

func (e *Engine) startMarketLocked(market types.Market) {
	if market.TokenA == "" || market.TokenB == "" {
		e.logger.Warn("skipping market with missing token IDs", "condition", market.ConditionID)
		return
	}

	b := book.New(market.ConditionID, market.TokenA, market.TokenB)

	recon := reconcile.New(reconcile.Config{
		ConditionID:       market.ConditionID,
		Book:              b,
		Positions:         e.positions,
		Pending:           e.pendingSet,
		RiskOff:           e.riskoffReg,
		Exchange:          e.client,
		Volatility:        reconcile.ZeroVolatility{},
		Registry:          e.resolveMarket,
		EngineParams:      e.engineParams,
		BookOnlyRateLimit: e.cfg.Engine.BookOnlyRateLimitOrDefault(),
		CallTimeout:       e.cfg.Engine.ExchangeCallTimeoutOrDefault(),
		Logger:            e.logger,
	})

	e.slots[market.ConditionID] = &marketSlot{market: market, book: b, recon: recon}
	e.tokenMap[market.TokenA] = market.ConditionID
	e.tokenMap[market.TokenB] = market.ConditionID

	subCtx := context.Background()
	if err := e.mktFeed.Subscribe(subCtx, []string{market.TokenA, market.TokenB}); err != nil {
		e.logger.Error("subscribe market feed failed", "condition", market.ConditionID, "error", err)
	}
	if err := e.usrFeed.Subscribe(subCtx, []string{market.ConditionID}); err != nil {
		e.logger.Error("subscribe user feed failed", "condition", market.ConditionID, "error", err)
	}

	for _, token := range []string{market.TokenA, market.TokenB} {
		if snap, err := e.riskoffReg.LoadSnapshot(market.ConditionID, token); err == nil && snap != nil {
			primeFromSnapshot(e.positions, token, *snap)
		}
	}

	e.logger.Info("market started", "condition", market.ConditionID, "slug", market.Slug)
}

func (e *Engine) stopMarketLocked(conditionID string) {
	slot, ok := e.slots[conditionID]
	if !ok {
		return
	}

	ctx := context.Background()
	if err := e.mktFeed.Unsubscribe(ctx, []string{slot.market.TokenA, slot.market.TokenB}); err != nil {
		e.logger.Error("unsubscribe market feed failed", "condition", conditionID, "error", err)
	}
	if err := e.usrFeed.Unsubscribe(ctx, []string{conditionID}); err != nil {
		e.logger.Error("unsubscribe user feed failed", "condition", conditionID, "error", err)
	}

	delete(e.tokenMap, slot.market.TokenA)
	delete(e.tokenMap, slot.market.TokenB)
	delete(e.slots, conditionID)

	e.logger.Info("market stopped", "condition", conditionID)
}

// resolveMarket is the reconcile.RegistryView the Reconciler consults
// every cycle — always the most recently loaded snapshot.
func (e *Engine) resolveMarket(conditionID string) (types.Market, types.StrategyParameters, types.TradeConfig, bool) {
	e.snapshotMu.RLock()
	defer e.snapshotMu.RUnlock()

	market, ok := e.latestSnapshot.Markets[conditionID]
	if !ok {
		return types.Market{}, types.StrategyParameters{}, types.TradeConfig{}, false
	}
	trade, ok := e.latestSnapshot.Trades[conditionID]
	if !ok {
		return types.Market{}, types.StrategyParameters{}, types.TradeConfig{}, false
	}
	params := e.latestSnapshot.ResolveProfile(market)
	return market, params, trade, true
}

// persistWarmCache snapshots every tracked token's current position to the
// Risk-Off Registry's warm cache, so a restart does not have to wait for
// the first periodic pull to recover a rough local view of inventory.
func (e *Engine) persistWarmCache() {
	e.mu.RLock()
	slots := make([]*marketSlot, 0, len(e.slots))
	for _, slot := range e.slots {
		slots = append(slots, slot)
	}
	e.mu.RUnlock()

	now := time.Now()
	for _, slot := range slots {
		for _, token := range []string{slot.market.TokenA, slot.market.TokenB} {
			pos := e.positions.GetPosition(token)
			snap := riskoff.PositionSnapshot{
				Size:      pos.Size.String(),
				AvgPrice:  pos.AvgPrice.String(),
				UpdatedAt: now,
			}
			if err := e.riskoffReg.SaveSnapshot(slot.market.ConditionID, token, snap); err != nil {
				e.logger.Error("save warm cache snapshot failed", "condition", slot.market.ConditionID, "token", token, "error", err)
			}
		}
	}
}

func primeFromSnapshot(store *position.Store, token string, snap riskoff.PositionSnapshot) {
	size, err := decimal.NewFromString(snap.Size)
	if err != nil {
		return
	}
	avgPrice, err := decimal.NewFromString(snap.AvgPrice)
	if err != nil {
		return
	}
	store.SetWarmCache(token, size, avgPrice)
}
