// Package reconcile implements the Reconciler: the per-market active
// controller that, on any trigger, consults the Quote Engine and Risk
// Evaluator and issues the minimum cancel/place sequence to drive live
// orders toward the desired state.
//
// Grounded on the teacher's internal/engine per-market goroutine/slot
// pattern and internal/strategy/maker.go's Run loop, replaced end to end
// with the deterministic quote/risk packages instead of Avellaneda-Stoikov.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"predictionmm/internal/book"
	"predictionmm/internal/pending"
	"predictionmm/internal/position"
	"predictionmm/internal/quote"
	"predictionmm/internal/risk"
	"predictionmm/internal/riskoff"
	"predictionmm/pkg/types"
)

// Exchange is the narrow interface the Reconciler consumes — the trading
// core never formats HTTP or signs an order itself. Satisfied by
// *internal/exchange.Client.
type Exchange interface {
	CreateOrder(ctx context.Context, token string, side types.Side, price, size decimal.Decimal, postOnly bool) (string, error)
	CancelAllForToken(ctx context.Context, token string) error
	MergeComplementary(ctx context.Context, conditionID string, amountMicroshares int64, negRisk bool) error
}

// VolatilityProvider supplies the scalar volatility signal spec.md §4.3
// names as an input the Quote Engine and Risk Evaluator both read. This is
// the price-history/volatility collector external collaborator; the
// Reconciler only ever reads a number from it.
type VolatilityProvider interface {
	Volatility(conditionID string) decimal.Decimal
}

// ZeroVolatility is a VolatilityProvider that always reports zero — a
// placeholder wiring for the volatility collector, which spec.md §1 names
// explicitly as out of scope.
type ZeroVolatility struct{}

func (ZeroVolatility) Volatility(string) decimal.Decimal { return decimal.Zero }

// RegistryView resolves the current, possibly-just-refreshed parameters for
// one market. Returns ok=false if the market is not (or no longer) present
// in the Market Registry's snapshot — the configuration error kind, which
// the Reconciler handles by skipping the market rather than crashing.
type RegistryView func(conditionID string) (market types.Market, params types.StrategyParameters, trade types.TradeConfig, ok bool)

// Market is one condition_id's Reconciler: it owns no goroutine of its own
// until a trigger arrives, and guarantees at most one reconciliation runs
// at a time for this market.
type Market struct {
	conditionID string
	book        *book.Book
	positions   *position.Store
	pendingSet  *pending.Set
	riskoff     *riskoff.Registry
	exchange    Exchange
	volatility  VolatilityProvider
	registry    RegistryView

	engineParams      types.EngineParameters
	bookOnlyRateLimit time.Duration
	callTimeout       time.Duration

	logger *slog.Logger

	mu           sync.Mutex
	running      bool
	retryPending bool
	lastActionAt time.Time
}

// Config bundles a Market's fixed dependencies at construction time.
type Config struct {
	ConditionID       string
	Book              *book.Book
	Positions         *position.Store
	Pending           *pending.Set
	RiskOff           *riskoff.Registry
	Exchange          Exchange
	Volatility        VolatilityProvider
	Registry          RegistryView
	EngineParams      types.EngineParameters
	BookOnlyRateLimit time.Duration
	CallTimeout       time.Duration
	Logger            *slog.Logger
}

// New creates a Market reconciler. It starts idle; call Trigger to run it.
func New(cfg Config) *Market {
	vol := cfg.Volatility
	if vol == nil {
		vol = ZeroVolatility{}
	}
	return &Market{
		conditionID:       cfg.ConditionID,
		book:              cfg.Book,
		positions:         cfg.Positions,
		pendingSet:        cfg.Pending,
		riskoff:           cfg.RiskOff,
		exchange:          cfg.Exchange,
		volatility:        vol,
		registry:          cfg.Registry,
		engineParams:      cfg.EngineParams,
		bookOnlyRateLimit: cfg.BookOnlyRateLimit,
		callTimeout:       cfg.CallTimeout,
		logger:            cfg.Logger.With("component", "reconcile", "condition", cfg.ConditionID),
	}
}

// Trigger enqueues one reconciliation attempt. reason is "book", "private",
// or "periodic" — only "book" is subject to the rate limit. If a
// reconciliation is already running, this sets the retry flag and returns
// immediately; duplicate triggers never queue more than one retry.
func (m *Market) Trigger(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.running {
		m.retryPending = true
		m.mu.Unlock()
		return
	}
	if reason == "book" && !m.lastActionAt.IsZero() && time.Since(m.lastActionAt) < m.bookOnlyRateLimit {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.runLoop(ctx)
}

func (m *Market) runLoop(ctx context.Context) {
	for {
		m.reconcileOnce(ctx)

		m.mu.Lock()
		if m.retryPending && ctx.Err() == nil {
			m.retryPending = false
			m.mu.Unlock()
			continue
		}
		m.running = false
		m.retryPending = false
		m.mu.Unlock()
		return
	}
}

func (m *Market) markActed() {
	m.mu.Lock()
	m.lastActionAt = time.Now()
	m.mu.Unlock()
}

func (m *Market) reconcileOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	rec, err := m.riskoff.Load(m.conditionID)
	if err != nil {
		m.logger.Error("load risk-off record", "error", err)
	}
	now := time.Now()
	if rec != nil {
		if rec.Active(now) {
			return
		}
		if err := m.riskoff.Clear(m.conditionID); err != nil {
			m.logger.Warn("clear expired risk-off record", "error", err)
		}
	}

	market, params, trade, ok := m.registry(m.conditionID)
	if !ok {
		m.logger.Debug("market not in registry snapshot, skipping", "condition", m.conditionID)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	for _, token := range []string{market.TokenA, market.TokenB} {
		if token == "" {
			continue
		}
		if m.reconcileToken(callCtx, token, market, params, trade) {
			// Risk-off tripped for this market; both tokens share the same
			// pause, no point reconciling the other token this cycle.
			return
		}
	}

	m.maybeMerge(callCtx, market)
}

// reconcileToken returns true if risk-off tripped, signalling the caller to
// stop processing the market's other token this cycle.
func (m *Market) reconcileToken(ctx context.Context, token string, market types.Market, params types.StrategyParameters, trade types.TradeConfig) bool {
	reverse := market.Reverse(token)
	bestBid, _, bestAsk, _, hasBook := m.book.Best(token)
	pos := m.positions.GetPosition(token)
	reversePos := m.positions.GetPosition(reverse)
	orders := m.positions.GetOrders(token)
	vol := m.volatility.Volatility(m.conditionID)

	if hasBook && bestBid.IsPositive() && bestAsk.IsPositive() && bestBid.GreaterThanOrEqual(bestAsk) {
		m.logger.Warn("crossed book, passing through", "token", token, "best_bid", bestBid, "best_ask", bestAsk)
	}

	// No book snapshot yet means no real mid to evaluate against — bestBid
	// and bestAsk are both the zero value, which would read as a 100% mark-
	// to-market loss against any open position and spuriously trip risk-off.
	// Quoting is skipped too: without a book there is nothing to quote off.
	if !hasBook {
		return false
	}

	if verdict := risk.Evaluate(pos, bestBid, bestAsk, vol, params); verdict.Trip {
		m.tripRiskOff(ctx, market, token, pos, bestBid, verdict, params)
		return true
	}

	in := quote.Input{
		Token:           token,
		ReverseToken:    reverse,
		BestBid:         bestBid,
		BestAsk:         bestAsk,
		HasBook:         hasBook,
		Position:        pos,
		ReversePosition: reversePos,
		Orders:          orders,
		Market:          market,
		Params:          params,
		Trade:           trade,
		Engine:          m.engineParams,
		Volatility:      vol,
		RiskOff:         false,
	}
	desired := quote.Compute(in)

	cancelBuy := quote.ReplaceDecision(desired.Buy, orders.Buy, types.BUY, m.engineParams)
	cancelSell := quote.ReplaceDecision(desired.Sell, orders.Sell, types.SELL, m.engineParams)

	if !cancelBuy && !cancelSell {
		placed := m.placeIfAbsent(ctx, token, types.BUY, desired.Buy, orders.Buy)
		placed = m.placeIfAbsent(ctx, token, types.SELL, desired.Sell, orders.Sell) || placed
		if placed {
			m.markActed()
		}
		return false
	}

	if err := m.exchange.CancelAllForToken(ctx, token); err != nil {
		m.logger.Error("cancel all for token failed", "token", token, "error", err)
		return false
	}
	m.positions.ClearOrder(token, types.BUY)
	m.positions.ClearOrder(token, types.SELL)

	m.place(ctx, token, types.BUY, desired.Buy)
	m.place(ctx, token, types.SELL, desired.Sell)
	m.markActed()
	return false
}

// placeIfAbsent places desired only when no order is currently live on that
// side — the case where ReplaceDecision correctly declined to ask for a
// cancel (nothing to cancel) but a fresh placement is still owed.
func (m *Market) placeIfAbsent(ctx context.Context, token string, side types.Side, desired *types.DesiredOrder, existing *types.OpenOrder) bool {
	if existing != nil || desired == nil {
		return false
	}
	m.place(ctx, token, side, desired)
	return true
}

func (m *Market) place(ctx context.Context, token string, side types.Side, desired *types.DesiredOrder) {
	if desired == nil {
		return
	}
	orderID, err := m.exchange.CreateOrder(ctx, token, side, desired.Price, desired.Size, true)
	if err != nil {
		m.logger.Error("place order failed", "token", token, "side", side, "error", err)
		return
	}
	m.positions.ApplyOrderAck(token, side, orderID, desired.Price, desired.Size)
}

func (m *Market) tripRiskOff(ctx context.Context, market types.Market, token string, pos position.Position, bestBid decimal.Decimal, verdict risk.Verdict, params types.StrategyParameters) {
	if err := m.exchange.CancelAllForToken(ctx, token); err != nil {
		m.logger.Error("risk-off cancel failed", "token", token, "error", err)
	}
	m.positions.ClearOrder(token, types.BUY)
	m.positions.ClearOrder(token, types.SELL)

	if pos.HasPosition && pos.Size.IsPositive() && bestBid.IsPositive() {
		orderID, err := m.exchange.CreateOrder(ctx, token, types.SELL, bestBid, pos.Size, false)
		if err != nil {
			m.logger.Error("risk-off liquidation sell failed", "token", token, "error", err)
		} else {
			m.positions.ApplyOrderAck(token, types.SELL, orderID, bestBid, pos.Size)
		}
	}

	rec := riskoff.Record{SleepUntil: time.Now().Add(params.SleepPeriod()), Reason: verdict.Reason}
	if err := m.riskoff.Save(m.conditionID, rec); err != nil {
		m.logger.Error("save risk-off record", "error", err)
	}

	m.logger.Warn("risk-off tripped",
		"token", token,
		"reason", verdict.Reason,
		"pnl_pct", verdict.PnLPct,
		"sleep_until", rec.SleepUntil,
	)
	m.markActed()
}

// maybeMerge invokes the merge_complementary external tool once both
// tokens' positions clear the configured share threshold.
func (m *Market) maybeMerge(ctx context.Context, market types.Market) {
	if market.TokenA == "" || market.TokenB == "" {
		return
	}
	posA := m.positions.GetPosition(market.TokenA)
	posB := m.positions.GetPosition(market.TokenB)

	amount := posA.Size
	if posB.Size.LessThan(amount) {
		amount = posB.Size
	}
	if amount.LessThan(m.engineParams.MergeThreshold) {
		return
	}

	microshares := amount.Mul(decimal.New(1, 6)).Truncate(0).IntPart()
	if microshares <= 0 {
		return
	}

	if err := m.exchange.MergeComplementary(ctx, m.conditionID, microshares, market.NegRisk); err != nil {
		m.logger.Error("merge complementary failed", "error", err)
		return
	}

	m.positions.ApplyFill(market.TokenA, types.SELL, amount, posA.AvgPrice)
	m.positions.ApplyFill(market.TokenB, types.SELL, amount, posB.AvgPrice)
	m.logger.Info("merged complementary tokens", "amount", amount)
	m.markActed()
}

