package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perpscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
category: linear
limit: 50
funding_min: 0.0002
weights:
  top_symbols: 5
bybit:
  testnet: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "linear", cfg.Category)
	assert.Equal(t, 50, cfg.Limit)
	require.NotNil(t, cfg.FundingMin)
	assert.Equal(t, 0.0002, *cfg.FundingMin)
	assert.Equal(t, 5, cfg.Weights.TopSymbols)
	assert.True(t, cfg.Bybit.Testnet)

	// Untouched keys keep their defaults.
	assert.Equal(t, 120, cfg.VolatilityTTLSec)
	assert.Equal(t, 10.0, cfg.Weights.Funding)
}

func TestLoad_UnknownYAMLKeyRejected(t *testing.T) {
	path := writeConfig(t, "fundign_min: 0.0002\n")
	_, err := Load(path)
	assert.Error(t, err, "typos must not silently pass")
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, "limit: 50\n")
	t.Setenv("PERPSCAN_LIMIT", "75")
	t.Setenv("PERPSCAN_CATEGORY", "inverse")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.Limit)
	assert.Equal(t, "inverse", cfg.Category)
}

func TestLoad_UnknownEnvVarIgnored(t *testing.T) {
	t.Setenv("PERPSCAN_NO_SUCH_KNOB", "1")
	_, err := Load("")
	assert.NoError(t, err, "unknown prefixed vars warn, never fail")
}

func TestLoad_BadEnvValueFails(t *testing.T) {
	t.Setenv("PERPSCAN_LIMIT", "many")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad category", func(c *Config) { c.Category = "spot" }},
		{"funding min above max", func(c *Config) {
			lo, hi := 0.5, 0.1
			c.FundingMin, c.FundingMax = &lo, &hi
		}},
		{"negative volume floor", func(c *Config) { c.VolumeMinMillions = -1 }},
		{"spread out of range", func(c *Config) { v := 1.5; c.SpreadMax = &v }},
		{"volatility out of range", func(c *Config) { v := -0.1; c.VolatilityMin = &v }},
		{"funding time window too large", func(c *Config) { v := 2000.0; c.FundingTimeMaxMinutes = &v }},
		{"limit zero", func(c *Config) { c.Limit = 0 }},
		{"ttl too small", func(c *Config) { c.VolatilityTTLSec = 5 }},
		{"ttl too large", func(c *Config) { c.VolatilityTTLSec = 7200 }},
		{"top symbols zero", func(c *Config) { c.Weights.TopSymbols = 0 }},
		{"rescan zero", func(c *Config) { c.Scheduler.RescanSec = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCategories(t *testing.T) {
	cfg := Default()
	assert.Equal(t, []string{"linear", "inverse"}, cfg.Categories())

	cfg.Category = "inverse"
	assert.Equal(t, []string{"inverse"}, cfg.Categories())
}
