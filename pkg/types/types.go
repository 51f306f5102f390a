// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the core — market metadata,
// order book snapshots, positions, and WebSocket event payloads. It has
// no dependencies on internal packages, so it can be imported by any
// layer. All prices, sizes, and notionals are decimal.Decimal: binary
// prediction-market prices live in [0, 1] and naive float64 arithmetic
// on them accumulates rounding error that compounds across thousands of
// reconciliation cycles.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled: stays on book until filled or cancelled
)

// SignatureType identifies the signing scheme for the exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // proxy / smart wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a market. Each market has a
// fixed tick size that determines the minimum price increment and the
// rounding precision for stablecoin amounts.
type TickSize string

const (
	Tick01    TickSize = "0.1"    // 1 decimal  — coarse markets
	Tick001   TickSize = "0.01"   // 2 decimals — standard markets (most common)
	Tick0001  TickSize = "0.001"  // 3 decimals — fine-grained markets
	Tick00001 TickSize = "0.0001" // 4 decimals — ultra-precise markets
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int32 {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// Decimal returns the tick size as a decimal.Decimal increment, e.g. 0.01.
func (t TickSize) Decimal() decimal.Decimal {
	return decimal.New(1, -t.Decimals())
}

// AmountDecimals returns the number of decimal places stablecoin amounts
// (size * price) are rounded to for orders at this tick size.
func (t TickSize) AmountDecimals() int32 {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// StrategyProfile names a bundle of risk thresholds. A market's
// StrategyProfile selects which StrategyParameters apply.
type StrategyProfile string

const (
	ProfileConservative StrategyProfile = "conservative"
	ProfileDefault       StrategyProfile = "default"
	ProfileAggressive    StrategyProfile = "aggressive"
)

// Market is the authoritative description of one binary prediction market,
// loaded from the Market Registry and never mutated by the trading core.
type Market struct {
	ConditionID string // authoritative market identifier; used for cancels and the private WS subscription
	TokenA      string // CLOB token ID for outcome A ("YES")
	TokenB      string // CLOB token ID for outcome B ("NO"); complementary to TokenA
	Slug        string
	Question    string

	NegRisk         bool
	TickSize        TickSize
	MinSize         decimal.Decimal // minimum order size in shares
	MaxSpread       decimal.Decimal // upper bound on best_ask - best_bid above which buying is refused
	StrategyProfile StrategyProfile // empty = use registry.DefaultProfile ("default")
}

// Reverse returns the complementary token for a given token in this market.
// Returns "" if tokenID is neither TokenA nor TokenB.
func (m Market) Reverse(tokenID string) string {
	switch tokenID {
	case m.TokenA:
		return m.TokenB
	case m.TokenB:
		return m.TokenA
	default:
		return ""
	}
}

// StrategyParameters is a named bundle of risk thresholds, keyed by
// StrategyProfile and shared across every market using that profile.
type StrategyParameters struct {
	Profile             StrategyProfile
	StopLossThreshold   decimal.Decimal // percent; pnl_pct below this trips stop-loss
	TakeProfitThreshold decimal.Decimal // percent; take-profit price = avg_price * (1 + this/100)
	VolatilityThreshold decimal.Decimal
	SpreadThreshold     decimal.Decimal // max spread at which stop-loss is still allowed to trip
	SleepPeriodHours    decimal.Decimal
}

// SleepPeriod returns the strategy's sleep period as a time.Duration.
func (p StrategyParameters) SleepPeriod() time.Duration {
	hours, _ := p.SleepPeriodHours.Float64()
	return time.Duration(hours * float64(time.Hour))
}

// TradeConfig is the per-market trading budget, sourced from the Market
// Registry alongside Market and StrategyParameters.
type TradeConfig struct {
	ConditionID string
	TradeSize   decimal.Decimal // stablecoin notional added to inventory per quote cycle
	MaxSize     decimal.Decimal // stablecoin notional cap on accumulated position
	Enabled     bool
}

// EngineParameters bundles the named constants the Quote Engine treats as
// configuration, never hard-coded at the call site: the global hard share
// cap, the low-price bid multiplier, and the cancel/replace thresholds for
// each side.
type EngineParameters struct {
	HardShareCapShares decimal.Decimal // global absolute share cap across one token's buy side

	LowPriceThreshold  decimal.Decimal // below this buy_price, apply LowPriceMultiplier
	LowPriceMultiplier decimal.Decimal // factor >= 1 applied to bias the bid more aggressively

	BuyReplaceThresholdPrice   decimal.Decimal // |Δprice| above this triggers cancel+replace on a buy
	BuyReplaceThresholdSizePct decimal.Decimal // |Δsize|/size above this triggers cancel+replace on a buy

	SellReplaceThresholdPrice   decimal.Decimal
	SellReplaceThresholdSizePct decimal.Decimal

	MergeThreshold decimal.Decimal // min(position(token_a), position(token_b)) shares that triggers merge_complementary
}

// DefaultEngineParameters returns the reference values named in spec.md §9
// Design Notes, so nothing downstream hard-codes them inline.
func DefaultEngineParameters() EngineParameters {
	return EngineParameters{
		HardShareCapShares:          decimal.NewFromInt(250),
		LowPriceThreshold:           decimal.NewFromFloat(0.10),
		LowPriceMultiplier:          decimal.NewFromFloat(1.1),
		BuyReplaceThresholdPrice:    decimal.NewFromFloat(0.015),
		BuyReplaceThresholdSizePct:  decimal.NewFromFloat(0.25),
		SellReplaceThresholdPrice:   decimal.NewFromFloat(0.05),
		SellReplaceThresholdSizePct: decimal.NewFromFloat(0.30),
		MergeThreshold:              decimal.NewFromInt(20),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// DesiredOrder is a single side of the Quote Engine's output: a price/size
// the engine wants live, or nil if that side should have no resting order.
type DesiredOrder struct {
	TokenID string
	Price   decimal.Decimal
	Size    decimal.Decimal
	Side    Side
}

// OpenOrder represents the collapsed-aggregate view of live resting orders
// on one (token, side): total remaining size and the volume-weighted price.
type OpenOrder struct {
	OrderID  string // empty when this entry collapses several exchange orders from a pull
	TokenID  string
	Side     Side
	Price    decimal.Decimal
	Size     decimal.Decimal
	PlacedAt time.Time
}

// SignedOrder is the on-chain order format the exchange REST API expects.
// MakerAmount and TakerAmount are stablecoin-unit integers — the exchange
// client's concern; the core never constructs one of these.
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`
	Signer        string        `json:"signer"`
	Taker         string        `json:"taker"`
	TokenID       string        `json:"tokenId"`
	MakerAmount   string        `json:"makerAmount"`
	TakerAmount   string        `json:"takerAmount"`
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"`
}

// OrderPayload is the REST API request body for order placement.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType OrderType   `json:"orderType"`
	PostOnly  bool        `json:"postOnly,omitempty"`
}

// OrderResponse is the REST API response for one placed order.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// ExchangeOpenOrder is the raw shape list_open_orders returns: one entry
// per exchange-side order, before the Position & Order Store collapses
// same-(token,side) orders into an OpenOrder aggregate.
type ExchangeOpenOrder struct {
	OrderID     string
	ConditionID string
	TokenID     string
	Side        Side
	Price       decimal.Decimal
	Size        decimal.Decimal
	SizeMatched decimal.Decimal
}

// ExchangePosition is the raw shape list_positions returns.
type ExchangePosition struct {
	TokenID  string
	Size     decimal.Decimal
	AvgPrice decimal.Decimal
}

// CancelResult reports which order IDs were successfully cancelled.
type CancelResult struct {
	Cancelled []string
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level in the order book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket / wire events
// ————————————————————————————————————————————————————————————————————————
// These map to the JSON messages on the public book stream and the private
// user stream. Wire fields are strings (the transport's convention for
// preserving decimal precision over JSON); the Stream Handlers parse them
// into decimal.Decimal before the core ever sees them.

// WireBookEvent is a full order book snapshot from the public stream.
type WireBookEvent struct {
	EventType string           `json:"event_type"` // "book"
	AssetID   string           `json:"asset_id"`
	Market    string           `json:"market"`
	Timestamp string           `json:"timestamp"`
	Hash      string           `json:"hash"`
	Bids      []WirePriceLevel `json:"bids"`
	Asks      []WirePriceLevel `json:"asks"`
}

// WirePriceLevel is a {price, size} pair as the transport encodes it.
type WirePriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// WirePriceChange is a single level delta within a price_change event.
// Size "0" deletes the level.
type WirePriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"` // "BUY" or "SELL"
	Hash    string `json:"hash"`
}

// WirePriceChangeEvent is an incremental order book update, one or more
// level deltas applied atomically.
type WirePriceChangeEvent struct {
	EventType    string            `json:"event_type"` // "price_change"
	Market       string            `json:"market"`
	Timestamp    string            `json:"timestamp"`
	PriceChanges []WirePriceChange `json:"price_changes"`
}

// WireTradeEvent is a fill notification from the private user stream.
type WireTradeEvent struct {
	EventType string `json:"event_type"` // "trade"
	TradeID   string `json:"id"`
	Market    string `json:"market"`
	AssetID   string `json:"asset_id"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// WireOrderEvent is an order lifecycle notification from the private
// user stream.
type WireOrderEvent struct {
	EventType    string `json:"event_type"` // "order"
	OrderID      string `json:"id"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Status       string `json:"status"` // "live", "matched", "cancelled"
	Type         string `json:"type"`   // "PLACEMENT", "UPDATE", "CANCELLATION"
}

// WireSubscribeMsg is the initial subscription message on connect.
type WireSubscribeMsg struct {
	Auth     *WireAuth `json:"auth,omitempty"`
	Type     string    `json:"type"` // "market" or "user"
	Markets  []string  `json:"markets,omitempty"`
	AssetIDs []string  `json:"assets_ids,omitempty"`
}

// WireAuth carries L2 API credentials for the private stream handshake.
type WireAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WireUpdateMsg dynamically subscribes/unsubscribes after connect.
type WireUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}
