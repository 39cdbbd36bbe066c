// Package config assembles the agent configuration from defaults, an optional
// YAML file and the environment, in that order of precedence (env wins).
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"floor-oracle/internal/breaker"
	"floor-oracle/internal/chain"
	"floor-oracle/internal/ethutil"
	"floor-oracle/internal/oracle"
	"floor-oracle/internal/pool"
	"floor-oracle/internal/price"
	"floor-oracle/internal/retry"
	"floor-oracle/internal/state"
	"floor-oracle/internal/trading"
)

type AssetConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

type PushConfig struct {
	MinChangePct   float64       `yaml:"min_change_pct"`
	DecreaseDelay  time.Duration `yaml:"decrease_delay"`
	PendingTolPct  float64       `yaml:"pending_tol_pct"`
	MaxStepDownPct float64       `yaml:"max_step_down_pct"`
	GasLimit       uint64        `yaml:"gas_limit"`
}

type TradeConfig struct {
	Mode            string        `yaml:"mode"`
	BaseTrade       string        `yaml:"base_trade"`
	SlippageBps     int64         `yaml:"slippage_bps"`
	BuyVariants     []int         `yaml:"buy_variants"`
	SellVariants    []int         `yaml:"sell_variants"`
	MinSell         string        `yaml:"min_sell"`
	GasLimit        uint64        `yaml:"gas_limit"`
	ApproveGasLimit uint64        `yaml:"approve_gas_limit"`
	Deadline        time.Duration `yaml:"deadline"`
}

type RateLimitConfig struct {
	MinDelay  time.Duration `yaml:"min_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	PerSecond float64       `yaml:"per_second"`
}

type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

type StateConfig struct {
	Dir     string `yaml:"dir"`
	Backend string `yaml:"backend"`
}

type Config struct {
	RPCURL     string `yaml:"rpc_url"`
	FloorURL   string `yaml:"floor_url"`
	Collection string `yaml:"collection"`

	Reference        string `yaml:"reference_token"`
	Factory          string `yaml:"factory"`
	SecondaryFactory string `yaml:"secondary_factory"`
	Router           string `yaml:"router"`
	Consumer         string `yaml:"consumer"`

	Assets        []AssetConfig     `yaml:"assets"`
	FloorAsset    string            `yaml:"floor_asset"`
	RateAsset     string            `yaml:"rate_asset"`
	FallbackPools map[string]string `yaml:"fallback_pools"`

	Push           PushConfig      `yaml:"push"`
	Trade          TradeConfig     `yaml:"trade"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Breaker        BreakerConfig   `yaml:"breaker"`
	State          StateConfig     `yaml:"state"`
	ConfirmTimeout time.Duration   `yaml:"confirm_timeout"`
	Interval       time.Duration   `yaml:"interval"`

	// Keys are only ever read from the environment.
	OracleKey string `yaml:"-"`
	TraderKey string `yaml:"-"`
}

// Default returns the Monad testnet deployment.
func Default() *Config {
	tc := trading.DefaultConfig()
	return &Config{
		RPCURL:     "https://testnet-rpc.monad.xyz",
		FloorURL:   "https://api-monad-testnet.reservoir.tools",
		Collection: "0x4bcd4aff190d715fa7201cce2e69dd72c0549b07",

		Reference: "0x760AfE86e5de5fa0Ee542fc7b7b713e1c5425701",
		Factory:   "0x82438CE666d9403e488bA720c7424434e8Aa47CD",
		Router:    "0x3a3eBAe0Eec80852FBC7B9E824C6756969cc8dc1",
		Consumer:  "0xb8Fee974031de01411656F908E13De4Ad9c74A9B",

		Assets: []AssetConfig{
			{Name: "OCTA", Token: "0xB4832932D819361e0d250c338eBf87f0757ed800"},
			{Name: "CRAA", Token: "0x7D7F4BDd43292f9E7Aae44707a7EEEB5655ca465"},
		},
		FloorAsset: "OCTA",
		RateAsset:  "CRAA",
		FallbackPools: map[string]string{
			"0xB4832932D819361e0d250c338eBf87f0757ed800": "0xa4ddfdeb408e37199a3784584d174c670591cb42",
			"0x7D7F4BDd43292f9E7Aae44707a7EEEB5655ca465": "0x5d5c70b9ce487b07b57fbfb6da083aa60d03fc28",
		},

		Push: PushConfig{
			MinChangePct:   0.05,
			DecreaseDelay:  time.Hour,
			PendingTolPct:  0.05,
			MaxStepDownPct: 0.15,
			GasLimit:       500_000,
		},
		Trade: TradeConfig{
			Mode:            "off",
			BaseTrade:       tc.BaseTrade.String(),
			SlippageBps:     tc.SlippageBps,
			BuyVariants:     tc.BuyVariants,
			SellVariants:    tc.SellVariants,
			MinSell:         tc.MinSell.String(),
			GasLimit:        tc.GasLimit,
			ApproveGasLimit: tc.ApproveGasLimit,
			Deadline:        tc.Deadline,
		},
		RateLimit: RateLimitConfig{
			MinDelay: 500 * time.Millisecond,
			MaxDelay: 1200 * time.Millisecond,
		},
		Breaker: BreakerConfig{
			Threshold: breaker.DefaultThreshold,
			Cooldown:  breaker.DefaultCooldown,
		},
		State: StateConfig{
			Dir:     "data",
			Backend: state.BackendFile,
		},
		ConfirmTimeout: 120 * time.Second,
		Interval:       25 * time.Minute,
	}
}

// Load reads the YAML file at path (optional), applies environment overrides
// and validates the result. The .env file must already be loaded.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func (e *envReader) float(name string, dst *float64) {
	var raw string
	e.str(name, &raw)
	if raw == "" {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = v
}

func (e *envReader) uint(name string, dst *uint64) {
	var raw string
	e.str(name, &raw)
	if raw == "" {
		return
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = v
}

func (e *envReader) int(name string, dst *int64) {
	var raw string
	e.str(name, &raw)
	if raw == "" {
		return
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = v
}

func (e *envReader) millis(name string, dst *time.Duration) {
	var ms int64 = -1
	e.int(name, &ms)
	if ms >= 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := &envReader{lookup: lookup}

	e.str("RPC_URL", &c.RPCURL)
	e.str("RES_BASE", &c.FloorURL)
	e.str("NFT_COLLECTION", &c.Collection)
	e.str("ORACLE_PK", &c.OracleKey)
	e.str("TRADER_PK", &c.TraderKey)

	e.float("MIN_CHANGE_PCT", &c.Push.MinChangePct)
	e.millis("DECREASE_DELAY_MS", &c.Push.DecreaseDelay)
	e.float("PENDING_TOL_PCT", &c.Push.PendingTolPct)
	e.float("MAX_STEP_DOWN_PCT", &c.Push.MaxStepDownPct)
	e.uint("GAS_LIMIT", &c.Push.GasLimit)

	e.str("TRADE_MODE", &c.Trade.Mode)
	e.str("BASE_TRADE_MON", &c.Trade.BaseTrade)
	e.int("TRADE_SLIPPAGE_BPS", &c.Trade.SlippageBps)

	e.millis("RATE_LIMIT_MIN_MS", &c.RateLimit.MinDelay)
	e.millis("RATE_LIMIT_MAX_MS", &c.RateLimit.MaxDelay)

	e.str("STATE_DIR", &c.State.Dir)
	e.str("STATE_BACKEND", &c.State.Backend)

	var pools string
	e.str("FALLBACK_POOLS", &pools)
	if pools != "" {
		m, err := ethutil.ParseAddressMap(pools)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("FALLBACK_POOLS: %w", err))
		} else {
			c.FallbackPools = make(map[string]string, len(m))
			for k, v := range m {
				c.FallbackPools[k.Hex()] = v.Hex()
			}
		}
	}

	if c.TraderKey == "" {
		c.TraderKey = c.OracleKey
	}
	return errors.Join(e.errs...)
}

func (c *Config) Validate() error {
	if err := chain.ValidateRPCURL(c.RPCURL); err != nil {
		return err
	}
	for name, raw := range map[string]string{
		"collection":      c.Collection,
		"reference_token": c.Reference,
		"factory":         c.Factory,
		"router":          c.Router,
		"consumer":        c.Consumer,
	} {
		if _, err := ethutil.ParseAddress(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.SecondaryFactory != "" {
		if _, err := ethutil.ParseAddress(c.SecondaryFactory); err != nil {
			return fmt.Errorf("secondary_factory: %w", err)
		}
	}

	if _, err := c.PriceAssets(); err != nil {
		return err
	}
	if _, err := c.Fallbacks(); err != nil {
		return err
	}
	if !c.hasAsset(c.FloorAsset) {
		return fmt.Errorf("floor asset %q is not in the asset list", c.FloorAsset)
	}
	if !c.hasAsset(c.RateAsset) || c.RateAsset == c.FloorAsset {
		return fmt.Errorf("rate asset %q must be a second listed asset", c.RateAsset)
	}

	p := c.Push
	if p.MinChangePct <= 0 || p.PendingTolPct <= 0 {
		return errors.New("min change and pending tolerance must be positive")
	}
	if p.MaxStepDownPct <= 0 || p.MaxStepDownPct >= 1 {
		return fmt.Errorf("max step down must be in (0, 1), got %v", p.MaxStepDownPct)
	}
	if p.DecreaseDelay < 0 {
		return errors.New("decrease delay must not be negative")
	}
	if p.GasLimit == 0 {
		return errors.New("gas limit must be positive")
	}

	switch c.Trade.Mode {
	case "on", "off":
	default:
		return fmt.Errorf("trade mode must be on or off, got %q", c.Trade.Mode)
	}
	if _, err := c.TradingConfig(); err != nil {
		return err
	}
	if c.ConfirmTimeout <= 0 {
		return errors.New("confirmation timeout must be positive")
	}
	return nil
}

// ValidateLive checks what live mode needs on top of Validate.
func (c *Config) ValidateLive() error {
	if c.OracleKey == "" {
		return errors.New("ORACLE_PK required in live mode")
	}
	if _, err := ParseKey(c.OracleKey); err != nil {
		return fmt.Errorf("ORACLE_PK: %w", err)
	}
	if c.TradingEnabled() {
		if _, err := ParseKey(c.TraderKey); err != nil {
			return fmt.Errorf("TRADER_PK: %w", err)
		}
	}
	return nil
}

func (c *Config) TradingEnabled() bool { return c.Trade.Mode == "on" }

func (c *Config) hasAsset(name string) bool {
	for _, a := range c.Assets {
		if a.Name == name {
			return true
		}
	}
	return false
}

// ParseKey parses a hex private key with or without 0x prefix.
func ParseKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, errors.New("empty private key")
	}
	return crypto.HexToECDSA(raw)
}

func (c *Config) PriceAssets() ([]price.Asset, error) {
	if len(c.Assets) == 0 {
		return nil, errors.New("at least one asset required")
	}
	seen := make(map[string]bool, len(c.Assets))
	out := make([]price.Asset, 0, len(c.Assets))
	for _, a := range c.Assets {
		if a.Name == "" {
			return nil, errors.New("asset name required")
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("duplicate asset %q", a.Name)
		}
		seen[a.Name] = true
		token, err := ethutil.ParseAddress(a.Token)
		if err != nil {
			return nil, fmt.Errorf("asset %s: %w", a.Name, err)
		}
		out = append(out, price.Asset{Name: a.Name, Token: token})
	}
	return out, nil
}

func (c *Config) Fallbacks() (map[common.Address]common.Address, error) {
	out := make(map[common.Address]common.Address, len(c.FallbackPools))
	for k, v := range c.FallbackPools {
		token, err := ethutil.ParseAddress(k)
		if err != nil {
			return nil, fmt.Errorf("fallback pool key: %w", err)
		}
		p, err := ethutil.ParseAddress(v)
		if err != nil {
			return nil, fmt.Errorf("fallback pool for %s: %w", k, err)
		}
		out[token] = p
	}
	return out, nil
}

// PoolConfig must only be called on a validated Config.
func (c *Config) PoolConfig() pool.Config {
	fallbacks, _ := c.Fallbacks()
	cfg := pool.Config{
		Reference: common.HexToAddress(c.Reference),
		Factory:   common.HexToAddress(c.Factory),
		Router:    common.HexToAddress(c.Router),
		Fallbacks: fallbacks,
	}
	if c.SecondaryFactory != "" {
		cfg.SecondaryFactory = common.HexToAddress(c.SecondaryFactory)
	}
	return cfg
}

func (c *Config) Thresholds() oracle.Thresholds {
	return oracle.Thresholds{
		MinChange:     decimal.NewFromFloat(c.Push.MinChangePct),
		DecreaseDelay: c.Push.DecreaseDelay,
		PendingTol:    decimal.NewFromFloat(c.Push.PendingTolPct),
		MaxStepDown:   decimal.NewFromFloat(c.Push.MaxStepDownPct),
	}
}

func (c *Config) TradingConfig() (trading.Config, error) {
	t := c.Trade
	out := trading.DefaultConfig()
	base, err := decimal.NewFromString(t.BaseTrade)
	if err != nil || !base.IsPositive() {
		return out, fmt.Errorf("base trade %q must be a positive number", t.BaseTrade)
	}
	minSell, err := decimal.NewFromString(t.MinSell)
	if err != nil || minSell.IsNegative() {
		return out, fmt.Errorf("min sell %q must be a non-negative number", t.MinSell)
	}
	if t.SlippageBps < 0 || t.SlippageBps >= 10_000 {
		return out, fmt.Errorf("slippage %d bps out of range", t.SlippageBps)
	}
	for _, v := range append(append([]int(nil), t.BuyVariants...), t.SellVariants...) {
		if v <= 0 || v > 100 {
			return out, fmt.Errorf("trade variant %d%% out of range", v)
		}
	}
	if len(t.BuyVariants) == 0 || len(t.SellVariants) == 0 {
		return out, errors.New("buy and sell variants required")
	}
	assets, err := c.PriceAssets()
	if err != nil {
		return out, err
	}
	out.Router = common.HexToAddress(c.Router)
	out.WrappedNative = common.HexToAddress(c.Reference)
	out.Assets = assets
	out.BaseTrade = base
	out.MinSell = minSell
	out.SlippageBps = t.SlippageBps
	out.BuyVariants = t.BuyVariants
	out.SellVariants = t.SellVariants
	if t.GasLimit > 0 {
		out.GasLimit = t.GasLimit
	}
	if t.ApproveGasLimit > 0 {
		out.ApproveGasLimit = t.ApproveGasLimit
	}
	if t.Deadline > 0 {
		out.Deadline = t.Deadline
	}
	return out, nil
}

func (c *Config) Pacer() *retry.Pacer {
	return retry.NewPacer(c.RateLimit.MinDelay, c.RateLimit.MaxDelay, c.RateLimit.PerSecond)
}
