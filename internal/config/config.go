// Package config loads the tracker configuration: defaults, then YAML, then
// PERPSCAN_* environment overrides. Invalid ranges and enums fail fast.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PERPSCAN_"

// Weights are the scoring weights plus the final top-N cut.
type Weights struct {
	Funding    float64 `yaml:"funding"`
	Volume     float64 `yaml:"volume"`
	Spread     float64 `yaml:"spread"`
	Volatility float64 `yaml:"volatility"`
	TopSymbols int     `yaml:"top_symbols"`
}

// BybitConfig tunes the REST and WS transports.
type BybitConfig struct {
	Testnet          bool    `yaml:"testnet"`
	HTTPTimeoutSec   int     `yaml:"http_timeout_sec"`
	MaxRetries       int     `yaml:"max_retries"`
	BackoffBaseMs    int     `yaml:"backoff_base_ms"`
	RateLimit        int     `yaml:"rate_limit"`
	RateWindowSec    float64 `yaml:"rate_window_sec"`
	BreakerFailures  int     `yaml:"breaker_failures"`
	BreakerOpenSec   int     `yaml:"breaker_open_sec"`
	WSIdleTimeoutSec int     `yaml:"ws_idle_timeout_sec"`
	WSSubscribeChunk int     `yaml:"ws_subscribe_chunk"`
	MaxPages         int     `yaml:"max_pages"`
}

// SchedulerConfig tunes the periodic duties.
type SchedulerConfig struct {
	RescanSec               int     `yaml:"rescan_sec"`
	ScanSec                 int     `yaml:"scan_sec"`
	FundingThresholdMinutes float64 `yaml:"funding_threshold_minutes"`
}

// Config is the full typed configuration surface.
type Config struct {
	FundingMin            *float64 `yaml:"funding_min"`
	FundingMax            *float64 `yaml:"funding_max"`
	VolumeMinMillions     float64  `yaml:"volume_min_millions"`
	SpreadMax             *float64 `yaml:"spread_max"`
	VolatilityMin         *float64 `yaml:"volatility_min"`
	VolatilityMax         *float64 `yaml:"volatility_max"`
	FundingTimeMinMinutes *float64 `yaml:"funding_time_min_minutes"`
	FundingTimeMaxMinutes *float64 `yaml:"funding_time_max_minutes"`

	Category               string  `yaml:"category"` // linear|inverse|both
	Limit                  int     `yaml:"limit"`
	VolatilityTTLSec       int     `yaml:"volatility_ttl_sec"`
	DisplayIntervalSeconds int     `yaml:"display_interval_seconds"`
	LiveTTLSec             int     `yaml:"live_ttl_sec"`
	Weights                Weights `yaml:"weights"`

	Bybit     BybitConfig     `yaml:"bybit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the baseline configuration before YAML and env overlays.
func Default() Config {
	return Config{
		VolumeMinMillions:      10,
		Category:               "both",
		Limit:                  200,
		VolatilityTTLSec:       120,
		DisplayIntervalSeconds: 5,
		LiveTTLSec:             120,
		Weights: Weights{
			Funding:    10,
			Volume:     0.5,
			Spread:     5,
			Volatility: 2,
			TopSymbols: 20,
		},
		Bybit: BybitConfig{
			HTTPTimeoutSec:   10,
			MaxRetries:       4,
			BackoffBaseMs:    500,
			RateLimit:        5,
			RateWindowSec:    1,
			BreakerFailures:  5,
			BreakerOpenSec:   60,
			WSIdleTimeoutSec: 30,
			WSSubscribeChunk: 200,
			MaxPages:         50,
		},
		Scheduler: SchedulerConfig{
			RescanSec:               60,
			ScanSec:                 5,
			FundingThresholdMinutes: 5,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, then validates it.
func Load(path string) (Config, error) {
	// .env files are a convenience for local runs; absence is fine.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg(".env loaded")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// knownEnv maps PERPSCAN_* suffixes to setters. Anything else under the
// prefix is warned about, not fatal.
var knownEnv = map[string]func(*Config, string) error{
	"FUNDING_MIN":               func(c *Config, v string) error { return setOptFloat(&c.FundingMin, v) },
	"FUNDING_MAX":               func(c *Config, v string) error { return setOptFloat(&c.FundingMax, v) },
	"VOLUME_MIN_MILLIONS":       func(c *Config, v string) error { return setFloat(&c.VolumeMinMillions, v) },
	"SPREAD_MAX":                func(c *Config, v string) error { return setOptFloat(&c.SpreadMax, v) },
	"VOLATILITY_MIN":            func(c *Config, v string) error { return setOptFloat(&c.VolatilityMin, v) },
	"VOLATILITY_MAX":            func(c *Config, v string) error { return setOptFloat(&c.VolatilityMax, v) },
	"FUNDING_TIME_MIN_MINUTES":  func(c *Config, v string) error { return setOptFloat(&c.FundingTimeMinMinutes, v) },
	"FUNDING_TIME_MAX_MINUTES":  func(c *Config, v string) error { return setOptFloat(&c.FundingTimeMaxMinutes, v) },
	"CATEGORY":                  func(c *Config, v string) error { c.Category = v; return nil },
	"LIMIT":                     func(c *Config, v string) error { return setInt(&c.Limit, v) },
	"VOLATILITY_TTL_SEC":        func(c *Config, v string) error { return setInt(&c.VolatilityTTLSec, v) },
	"DISPLAY_INTERVAL_SECONDS":  func(c *Config, v string) error { return setInt(&c.DisplayIntervalSeconds, v) },
	"LIVE_TTL_SEC":              func(c *Config, v string) error { return setInt(&c.LiveTTLSec, v) },
	"WEIGHT_FUNDING":            func(c *Config, v string) error { return setFloat(&c.Weights.Funding, v) },
	"WEIGHT_VOLUME":             func(c *Config, v string) error { return setFloat(&c.Weights.Volume, v) },
	"WEIGHT_SPREAD":             func(c *Config, v string) error { return setFloat(&c.Weights.Spread, v) },
	"WEIGHT_VOLATILITY":         func(c *Config, v string) error { return setFloat(&c.Weights.Volatility, v) },
	"TOP_SYMBOLS":               func(c *Config, v string) error { return setInt(&c.Weights.TopSymbols, v) },
	"TESTNET":                   func(c *Config, v string) error { return setBool(&c.Bybit.Testnet, v) },
	"RATE_LIMIT":                func(c *Config, v string) error { return setInt(&c.Bybit.RateLimit, v) },
	"RESCAN_SEC":                func(c *Config, v string) error { return setInt(&c.Scheduler.RescanSec, v) },
	"FUNDING_THRESHOLD_MINUTES": func(c *Config, v string) error { return setFloat(&c.Scheduler.FundingThresholdMinutes, v) },
	"METRICS_ADDR":              func(c *Config, v string) error { c.MetricsAddr = v; return nil },
}

func applyEnv(cfg *Config) error {
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		eq := strings.Index(kv, "=")
		key := kv[len(envPrefix):eq]
		val := kv[eq+1:]

		setter, ok := knownEnv[key]
		if !ok {
			log.Warn().Str("var", envPrefix+key).Msg("unknown environment override ignored")
			continue
		}
		if err := setter(cfg, val); err != nil {
			return fmt.Errorf("config: env %s%s: %w", envPrefix, key, err)
		}
	}
	return nil
}

// Validate checks every range and enum. First failure wins.
func (c Config) Validate() error {
	if c.Category != "linear" && c.Category != "inverse" && c.Category != "both" {
		return fmt.Errorf("config: category must be linear, inverse or both, got %q", c.Category)
	}
	if c.FundingMin != nil && c.FundingMax != nil && *c.FundingMin > *c.FundingMax {
		return fmt.Errorf("config: funding_min %g > funding_max %g", *c.FundingMin, *c.FundingMax)
	}
	if c.VolumeMinMillions < 0 {
		return fmt.Errorf("config: volume_min_millions must be >= 0, got %g", c.VolumeMinMillions)
	}
	if c.SpreadMax != nil && (*c.SpreadMax < 0 || *c.SpreadMax > 1) {
		return fmt.Errorf("config: spread_max must be in [0,1], got %g", *c.SpreadMax)
	}
	for name, v := range map[string]*float64{"volatility_min": c.VolatilityMin, "volatility_max": c.VolatilityMax} {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("config: %s must be in [0,1], got %g", name, *v)
		}
	}
	if c.VolatilityMin != nil && c.VolatilityMax != nil && *c.VolatilityMin > *c.VolatilityMax {
		return fmt.Errorf("config: volatility_min %g > volatility_max %g", *c.VolatilityMin, *c.VolatilityMax)
	}
	for name, v := range map[string]*float64{"funding_time_min_minutes": c.FundingTimeMinMinutes, "funding_time_max_minutes": c.FundingTimeMaxMinutes} {
		if v != nil && (*v < 0 || *v > 1440) {
			return fmt.Errorf("config: %s must be in [0,1440], got %g", name, *v)
		}
	}
	if c.Limit < 1 || c.Limit > 1000 {
		return fmt.Errorf("config: limit must be in [1,1000], got %d", c.Limit)
	}
	if c.VolatilityTTLSec < 10 || c.VolatilityTTLSec > 3600 {
		return fmt.Errorf("config: volatility_ttl_sec must be in [10,3600], got %d", c.VolatilityTTLSec)
	}
	if c.DisplayIntervalSeconds < 1 || c.DisplayIntervalSeconds > 300 {
		return fmt.Errorf("config: display_interval_seconds must be in [1,300], got %d", c.DisplayIntervalSeconds)
	}
	if c.Weights.TopSymbols < 1 {
		return fmt.Errorf("config: weights.top_symbols must be >= 1, got %d", c.Weights.TopSymbols)
	}
	if c.Bybit.RateLimit < 1 {
		return fmt.Errorf("config: bybit.rate_limit must be >= 1, got %d", c.Bybit.RateLimit)
	}
	if c.Scheduler.RescanSec < 1 {
		return fmt.Errorf("config: scheduler.rescan_sec must be >= 1, got %d", c.Scheduler.RescanSec)
	}
	if c.Scheduler.ScanSec < 1 {
		return fmt.Errorf("config: scheduler.scan_sec must be >= 1, got %d", c.Scheduler.ScanSec)
	}
	return nil
}

// Categories expands the category enum into the concrete list to scan.
func (c Config) Categories() []string {
	if c.Category == "both" {
		return []string{"linear", "inverse"}
	}
	return []string{c.Category}
}

// VolatilityTTL returns the TTL as a duration.
func (c Config) VolatilityTTL() time.Duration {
	return time.Duration(c.VolatilityTTLSec) * time.Second
}

// LiveTTL returns the realtime-row freshness bound as a duration.
func (c Config) LiveTTL() time.Duration {
	return time.Duration(c.LiveTTLSec) * time.Second
}

func setFloat(dst *float64, v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func setOptFloat(dst **float64, v string) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = &f
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}
