// Package config defines all configuration for the market-making core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables. No
// runtime trading behavior lives in the binary: every threshold the Quote
// Engine and Risk Evaluator consult is a named field here, not a
// hard-coded constant at the call site.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"predictionmm/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Wallet   WalletConfig   `mapstructure:"wallet"`
	API      APIConfig      `mapstructure:"api"`
	Registry RegistryConfig `mapstructure:"registry"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Control  ControlConfig  `mapstructure:"control"`
	Store    StoreConfig    `mapstructure:"store"`
	Sinks    SinksConfig    `mapstructure:"sinks"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds exchange API endpoints and optional pre-derived L2
// credentials. If ApiKey/Secret/Passphrase are empty, the bot derives them
// via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL string `mapstructure:"clob_base_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
	WSUserURL   string `mapstructure:"ws_user_url"`
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
}

// RegistryConfig points at the external Market Registry collaborator: the
// table of markets/parameters and per-market trade configs the core reads
// but never writes.
type RegistryConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	DefaultProfile  string        `mapstructure:"default_profile"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// EngineConfig names the Quote Engine's constants (spec.md §9 Design
// Notes: "hard cap and fixed thresholds ... expose as named parameters").
// Zero-value fields fall back to types.DefaultEngineParameters().
type EngineConfig struct {
	HardShareCapShares float64 `mapstructure:"hard_share_cap_shares"`

	LowPriceThreshold  float64 `mapstructure:"low_price_threshold"`
	LowPriceMultiplier float64 `mapstructure:"low_price_multiplier"`

	BuyReplaceThresholdPrice   float64 `mapstructure:"buy_replace_threshold_price"`
	BuyReplaceThresholdSizePct float64 `mapstructure:"buy_replace_threshold_size_pct"`

	SellReplaceThresholdPrice   float64 `mapstructure:"sell_replace_threshold_price"`
	SellReplaceThresholdSizePct float64 `mapstructure:"sell_replace_threshold_size_pct"`

	MergeThreshold float64 `mapstructure:"merge_threshold"`

	// BookOnlyRateLimit is the spec.md §4.4 30s rate limit applied only to
	// triggers caused by a book delta; private-event and periodic triggers
	// bypass it.
	BookOnlyRateLimit time.Duration `mapstructure:"book_only_rate_limit"`
	// ExchangeCallTimeout bounds every place/cancel/pull call (spec.md §5,
	// reference value 10s).
	ExchangeCallTimeout time.Duration `mapstructure:"exchange_call_timeout"`
	// PendingIntentTTL is how long a locally-observed trade id suppresses
	// size-accounting before the periodic sweep expires it (spec.md §4.5,
	// reference value ~60s).
	PendingIntentTTL time.Duration `mapstructure:"pending_intent_ttl"`
}

// Resolve converts the zero-value-friendly EngineConfig into
// types.EngineParameters, falling back to the documented defaults field by
// field so a partially-specified config file still behaves sanely.
func (e EngineConfig) Resolve() types.EngineParameters {
	d := types.DefaultEngineParameters()
	p := d

	if e.HardShareCapShares > 0 {
		p.HardShareCapShares = decimal.NewFromFloat(e.HardShareCapShares)
	}
	if e.LowPriceThreshold > 0 {
		p.LowPriceThreshold = decimal.NewFromFloat(e.LowPriceThreshold)
	}
	if e.LowPriceMultiplier > 0 {
		p.LowPriceMultiplier = decimal.NewFromFloat(e.LowPriceMultiplier)
	}
	if e.BuyReplaceThresholdPrice > 0 {
		p.BuyReplaceThresholdPrice = decimal.NewFromFloat(e.BuyReplaceThresholdPrice)
	}
	if e.BuyReplaceThresholdSizePct > 0 {
		p.BuyReplaceThresholdSizePct = decimal.NewFromFloat(e.BuyReplaceThresholdSizePct)
	}
	if e.SellReplaceThresholdPrice > 0 {
		p.SellReplaceThresholdPrice = decimal.NewFromFloat(e.SellReplaceThresholdPrice)
	}
	if e.SellReplaceThresholdSizePct > 0 {
		p.SellReplaceThresholdSizePct = decimal.NewFromFloat(e.SellReplaceThresholdSizePct)
	}
	if e.MergeThreshold > 0 {
		p.MergeThreshold = decimal.NewFromFloat(e.MergeThreshold)
	}
	return p
}

// BookOnlyRateLimitOrDefault returns the configured book-only rate limit,
// or the spec.md reference value of 30s.
func (e EngineConfig) BookOnlyRateLimitOrDefault() time.Duration {
	if e.BookOnlyRateLimit > 0 {
		return e.BookOnlyRateLimit
	}
	return 30 * time.Second
}

// ExchangeCallTimeoutOrDefault returns the configured exchange call
// timeout, or the spec.md reference value of 10s.
func (e EngineConfig) ExchangeCallTimeoutOrDefault() time.Duration {
	if e.ExchangeCallTimeout > 0 {
		return e.ExchangeCallTimeout
	}
	return 10 * time.Second
}

// PendingIntentTTLOrDefault returns the configured pending-intent TTL, or
// the spec.md reference value of ~60s.
func (e EngineConfig) PendingIntentTTLOrDefault() time.Duration {
	if e.PendingIntentTTL > 0 {
		return e.PendingIntentTTL
	}
	return 60 * time.Second
}

// ControlConfig sets the two ticker cadences the Periodic Control Loop runs
// (spec.md §4.6): position/order pull and reward/position snapshot. The
// registry refresh cadence is RegistryConfig.RefreshInterval.
type ControlConfig struct {
	PullInterval     time.Duration `mapstructure:"pull_interval"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

func (c ControlConfig) PullIntervalOrDefault() time.Duration {
	if c.PullInterval > 0 {
		return c.PullInterval
	}
	return 10 * time.Second
}

func (c ControlConfig) SnapshotIntervalOrDefault() time.Duration {
	if c.SnapshotInterval > 0 {
		return c.SnapshotInterval
	}
	return 300 * time.Second
}

// StoreConfig sets where the Risk-Off Registry and warm-cache position
// snapshots are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// SinksConfig points the trade-log/reward-snapshot/position-snapshot sinks
// at a directory of append-only JSON Lines files.
type SinksConfig struct {
	Dir string `mapstructure:"dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.Registry.BaseURL == "" {
		return fmt.Errorf("registry.base_url is required")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	if c.Sinks.Dir == "" {
		return fmt.Errorf("sinks.dir is required")
	}
	return nil
}
