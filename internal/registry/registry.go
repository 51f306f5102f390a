// Package registry is the Market Registry external collaborator: it loads
// the authoritative Market, StrategyParameters, and TradeConfig tables on a
// slow cadence and hands the core a typed snapshot. The core reads but
// never writes these values.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"predictionmm/pkg/types"
)

// Snapshot is one point-in-time load of the registry's two logical tables.
type Snapshot struct {
	Markets    map[string]types.Market             // keyed by condition_id
	Trades     map[string]types.TradeConfig         // keyed by condition_id
	Strategies map[types.StrategyProfile]types.StrategyParameters
	LoadedAt   time.Time
}

// wireMarket is the JSON shape the registry endpoint returns for one market.
type wireMarket struct {
	ConditionID     string `json:"condition_id"`
	TokenA          string `json:"token_a"`
	TokenB          string `json:"token_b"`
	Slug            string `json:"slug"`
	Question        string `json:"question"`
	NegRisk         bool   `json:"neg_risk"`
	TickSize        string `json:"tick_size"`
	MinSize         string `json:"min_size"`
	MaxSpread       string `json:"max_spread"`
	StrategyProfile string `json:"strategy_profile"`

	TradeSize string `json:"trade_size"`
	MaxSize   string `json:"max_size"`
	Enabled   bool   `json:"enabled"`
}

type wireStrategy struct {
	Profile              string `json:"profile"`
	StopLossThreshold    string `json:"stop_loss_threshold"`
	TakeProfitThreshold  string `json:"take_profit_threshold"`
	VolatilityThreshold  string `json:"volatility_threshold"`
	SpreadThreshold      string `json:"spread_threshold"`
	SleepPeriodHours     string `json:"sleep_period_hours"`
}

type wirePayload struct {
	Markets    []wireMarket   `json:"markets"`
	Strategies []wireStrategy `json:"strategies"`
}

// DefaultProfile names the strategy profile applied to a market whose
// StrategyProfile field is empty — resolved Open Question 1 in SPEC_FULL.md.
const DefaultProfile = types.ProfileDefault

// Registry polls an HTTP endpoint for the market universe and trade
// configuration at a fixed interval.
type Registry struct {
	http         *resty.Client
	url          string
	pollInterval time.Duration
	logger       *slog.Logger

	resultCh chan Snapshot
}

// New creates a registry client pointed at baseURL, polling every
// pollInterval (60s when pollInterval is not positive).
func New(baseURL string, pollInterval time.Duration, logger *slog.Logger) *Registry {
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Registry{
		http:         client,
		url:          "/registry",
		pollInterval: pollInterval,
		logger:       logger.With("component", "registry"),
		resultCh:     make(chan Snapshot, 1),
	}
}

// Snapshots returns the channel the Engine reads from.
func (r *Registry) Snapshots() <-chan Snapshot {
	return r.resultCh
}

// Run polls immediately and then every pollInterval until ctx is
// cancelled.
func (r *Registry) Run(ctx context.Context) {
	r.poll(ctx)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Registry) poll(ctx context.Context) {
	snap, err := r.Load(ctx)
	if err != nil {
		r.logger.Error("registry poll failed", "error", err)
		return
	}

	select {
	case r.resultCh <- snap:
	default:
		select {
		case <-r.resultCh:
		default:
		}
		r.resultCh <- snap
	}
}

// Load performs one synchronous fetch-and-parse, usable directly at
// startup before the Run loop's first tick.
func (r *Registry) Load(ctx context.Context) (Snapshot, error) {
	var payload wirePayload
	resp, err := r.http.R().SetContext(ctx).SetResult(&payload).Get(r.url)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch registry: %w", err)
	}
	if resp.IsError() {
		return Snapshot{}, fmt.Errorf("registry returned status %d", resp.StatusCode())
	}

	snap := Snapshot{
		Markets:    make(map[string]types.Market, len(payload.Markets)),
		Trades:     make(map[string]types.TradeConfig, len(payload.Markets)),
		Strategies: make(map[types.StrategyProfile]types.StrategyParameters, len(payload.Strategies)),
		LoadedAt:   time.Now(),
	}

	for _, s := range payload.Strategies {
		params, err := parseStrategy(s)
		if err != nil {
			r.logger.Warn("dropping malformed strategy profile", "profile", s.Profile, "error", err)
			continue
		}
		snap.Strategies[params.Profile] = params
	}

	for _, m := range payload.Markets {
		market, trade, err := parseMarket(m)
		if err != nil {
			r.logger.Warn("dropping malformed market", "condition_id", m.ConditionID, "error", err)
			continue
		}
		snap.Markets[market.ConditionID] = market
		snap.Trades[market.ConditionID] = trade
	}

	return snap, nil
}

// ResolveProfile applies Open Question 1's decision: a market's own
// StrategyProfile wins when non-empty; otherwise DefaultProfile.
func (s Snapshot) ResolveProfile(market types.Market) types.StrategyParameters {
	profile := market.StrategyProfile
	if profile == "" {
		profile = DefaultProfile
	}
	return s.Strategies[profile]
}

func parseMarket(m wireMarket) (types.Market, types.TradeConfig, error) {
	minSize, err := decimal.NewFromString(orDefault(m.MinSize, "0"))
	if err != nil {
		return types.Market{}, types.TradeConfig{}, fmt.Errorf("min_size: %w", err)
	}
	maxSpread, err := decimal.NewFromString(orDefault(m.MaxSpread, "1"))
	if err != nil {
		return types.Market{}, types.TradeConfig{}, fmt.Errorf("max_spread: %w", err)
	}
	tradeSize, err := decimal.NewFromString(orDefault(m.TradeSize, "0"))
	if err != nil {
		return types.Market{}, types.TradeConfig{}, fmt.Errorf("trade_size: %w", err)
	}
	maxSize, err := decimal.NewFromString(orDefault(m.MaxSize, "0"))
	if err != nil {
		return types.Market{}, types.TradeConfig{}, fmt.Errorf("max_size: %w", err)
	}

	market := types.Market{
		ConditionID:     m.ConditionID,
		TokenA:          m.TokenA,
		TokenB:          m.TokenB,
		Slug:            m.Slug,
		Question:        m.Question,
		NegRisk:         m.NegRisk,
		TickSize:        types.TickSize(orDefault(m.TickSize, string(types.Tick001))),
		MinSize:         minSize,
		MaxSpread:       maxSpread,
		StrategyProfile: types.StrategyProfile(m.StrategyProfile),
	}
	trade := types.TradeConfig{
		ConditionID: m.ConditionID,
		TradeSize:   tradeSize,
		MaxSize:     maxSize,
		Enabled:     m.Enabled,
	}
	return market, trade, nil
}

func parseStrategy(s wireStrategy) (types.StrategyParameters, error) {
	stopLoss, err := decimal.NewFromString(orDefault(s.StopLossThreshold, "0"))
	if err != nil {
		return types.StrategyParameters{}, fmt.Errorf("stop_loss_threshold: %w", err)
	}
	takeProfit, err := decimal.NewFromString(orDefault(s.TakeProfitThreshold, "0"))
	if err != nil {
		return types.StrategyParameters{}, fmt.Errorf("take_profit_threshold: %w", err)
	}
	volatility, err := decimal.NewFromString(orDefault(s.VolatilityThreshold, "0"))
	if err != nil {
		return types.StrategyParameters{}, fmt.Errorf("volatility_threshold: %w", err)
	}
	spread, err := decimal.NewFromString(orDefault(s.SpreadThreshold, "0"))
	if err != nil {
		return types.StrategyParameters{}, fmt.Errorf("spread_threshold: %w", err)
	}
	sleepHours, err := decimal.NewFromString(orDefault(s.SleepPeriodHours, "0"))
	if err != nil {
		return types.StrategyParameters{}, fmt.Errorf("sleep_period_hours: %w", err)
	}

	return types.StrategyParameters{
		Profile:             types.StrategyProfile(s.Profile),
		StopLossThreshold:   stopLoss,
		TakeProfitThreshold: takeProfit,
		VolatilityThreshold: volatility,
		SpreadThreshold:     spread,
		SleepPeriodHours:    sleepHours,
	}, nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
