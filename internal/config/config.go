// Package config loads the engine configuration from REBASE_ environment
// variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atmx/rebase-engine/internal/fixed"
	"github.com/atmx/rebase-engine/internal/model"
)

// Config holds all application configuration.
type Config struct {
	Port        string `mapstructure:"port"`
	LogLevel    string `mapstructure:"log_level"`
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	CacheTTLSec int    `mapstructure:"cache_ttl_sec"`
	NATSURL     string `mapstructure:"nats_url"`
	Feed        FeedConfig
	Payout      PayoutConfig
	Market      MarketConfig
}

// FeedConfig selects where prices come from. Step is used when no NATS
// URL is configured.
type FeedConfig struct {
	Step    uint64 `mapstructure:"step"`
	Subject string `mapstructure:"subject"`
}

// PayoutConfig holds the payout subject for NATS transfers and how often
// the outbox of undelivered payouts is flushed.
type PayoutConfig struct {
	Subject          string `mapstructure:"subject"`
	FlushIntervalSec int    `mapstructure:"flush_interval_sec"`
}

// FlushInterval returns the payout outbox flush interval.
func (p PayoutConfig) FlushInterval() time.Duration {
	return time.Duration(p.FlushIntervalSec) * time.Second
}

// MarketConfig holds the initialisation parameters of the market the
// server creates on first start.
type MarketConfig struct {
	ID             string `mapstructure:"id"`
	PriceFeed      string `mapstructure:"price_feed"`
	LastPrice      uint64 `mapstructure:"last_price"`
	MultiplierBps  uint64 `mapstructure:"multiplier_bps"`
	MaxProfitBps   uint64 `mapstructure:"max_profit_bps"`
	FundingDivisor uint64 `mapstructure:"funding_divisor"`
	AppFeeBps      uint64 `mapstructure:"app_fee_bps"`
}

// Params converts the market section into initialisation parameters.
func (m MarketConfig) Params() model.MarketParams {
	return model.MarketParams{
		ID:             m.ID,
		PriceFeed:      m.PriceFeed,
		LastPrice:      fixed.From(m.LastPrice),
		MultiplierBps:  fixed.From(m.MultiplierBps),
		MaxProfitBps:   fixed.From(m.MaxProfitBps),
		FundingDivisor: fixed.From(m.FundingDivisor),
		AppFeeBps:      fixed.From(m.AppFeeBps),
	}
}

// CacheTTL returns the Redis cache TTL.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

// SlogLevel parses LogLevel, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Load reads configuration from environment variables prefixed with REBASE_.
// Nested keys use underscores, e.g. REBASE_MARKET_MAX_PROFIT_BPS.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REBASE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl_sec", 30)
	v.SetDefault("nats_url", "")

	// Feed and payout defaults
	v.SetDefault("feed.step", 100)
	v.SetDefault("feed.subject", "rebase.prices")
	v.SetDefault("payout.subject", "rebase.payouts")
	v.SetDefault("payout.flush_interval_sec", 30)

	// Market defaults
	v.SetDefault("market.id", "default")
	v.SetDefault("market.price_feed", "")
	v.SetDefault("market.last_price", 100)
	v.SetDefault("market.multiplier_bps", 10000)
	v.SetDefault("market.max_profit_bps", 100)
	v.SetDefault("market.funding_divisor", 500)
	v.SetDefault("market.app_fee_bps", 0)

	cfg := &Config{
		Port:        v.GetString("port"),
		LogLevel:    v.GetString("log_level"),
		DatabaseURL: v.GetString("database_url"),
		RedisURL:    v.GetString("redis_url"),
		CacheTTLSec: v.GetInt("cache_ttl_sec"),
		NATSURL:     v.GetString("nats_url"),
	}

	cfg.Feed = FeedConfig{
		Step:    v.GetUint64("feed.step"),
		Subject: v.GetString("feed.subject"),
	}

	cfg.Payout = PayoutConfig{
		Subject:          v.GetString("payout.subject"),
		FlushIntervalSec: v.GetInt("payout.flush_interval_sec"),
	}

	cfg.Market = MarketConfig{
		ID:             v.GetString("market.id"),
		PriceFeed:      v.GetString("market.price_feed"),
		LastPrice:      v.GetUint64("market.last_price"),
		MultiplierBps:  v.GetUint64("market.multiplier_bps"),
		MaxProfitBps:   v.GetUint64("market.max_profit_bps"),
		FundingDivisor: v.GetUint64("market.funding_divisor"),
		AppFeeBps:      v.GetUint64("market.app_fee_bps"),
	}

	if cfg.CacheTTLSec <= 0 {
		return nil, fmt.Errorf("config: cache_ttl_sec must be positive, got %d", cfg.CacheTTLSec)
	}
	if cfg.Payout.FlushIntervalSec <= 0 {
		return nil, fmt.Errorf("config: payout.flush_interval_sec must be positive, got %d", cfg.Payout.FlushIntervalSec)
	}
	return cfg, nil
}
