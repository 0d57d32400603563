package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYMBOLS", "")
	t.Setenv("RULE_MONITOR_INTERVAL", "")
	t.Setenv("INITIAL_BALANCE", "")
	t.Setenv("JWT_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, cfg.Symbols)
	assert.Equal(t, 10*time.Second, cfg.RuleMonitorInterval)
	assert.Equal(t, 5*time.Minute, cfg.PendingTTL)
	assert.Equal(t, "10000", cfg.InitialBalance.String())
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SYMBOLS", " btc-usd , sol-usd,, ")
	t.Setenv("RULE_MONITOR_INTERVAL", "30")
	t.Setenv("PENDING_TTL", "90s")
	t.Setenv("USE_MOCK_FEED", "true")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("INITIAL_BALANCE", "2500.50")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC-USD", "SOL-USD"}, cfg.Symbols)
	assert.Equal(t, 30*time.Second, cfg.RuleMonitorInterval)
	assert.Equal(t, 90*time.Second, cfg.PendingTTL)
	assert.True(t, cfg.UseMockFeed)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, "2500.5", cfg.InitialBalance.String())
}

func TestLoadRejectsBadBalance(t *testing.T) {
	t.Setenv("INITIAL_BALANCE", "lots")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty jwt secret", func(c *Config) { c.JWTSecret = " " }},
		{"zero rule interval", func(c *Config) { c.RuleMonitorInterval = 0 }},
		{"negative ttl", func(c *Config) { c.PendingTTL = -time.Second }},
		{"no symbols", func(c *Config) { c.Symbols = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMasterKeys(t *testing.T) {
	got := masterKeys([]string{
		"MASTER_ENCRYPTION_KEY=k1",
		"MASTER_ENCRYPTION_KEY_V2=k2",
		"MASTER_ENCRYPTION_KEY_V0=ignored",
		"MASTER_ENCRYPTION_KEY_V3=",
		"MASTER_ENCRYPTION_KEY_VX=ignored",
		"PATH=/usr/bin",
	})
	assert.Equal(t, map[int]string{1: "k1", 2: "k2"}, got)
}
