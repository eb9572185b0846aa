package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "test-token")
	t.Setenv("TELEGRAM_CHAT_ID", "12345")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"ETH:15m", "BTC:15m", "ETH:1h", "BTC:1h"}, cfg.Markets)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, int64(12345), cfg.TelegramChatID)
	assert.Equal(t, 3, cfg.MinPatternToAlert)
	assert.Equal(t, 8, cfg.MaxPatternStreak)
	assert.Equal(t, 6, cfg.PreviewPatternTrigger)
	assert.Equal(t, 120, cfg.MaxWindowDriftSeconds)
	assert.Equal(t, 30, cfg.MaxLivePriceAgeSeconds)
	assert.True(t, cfg.IntegrityDiffThreshold.Equal(decimal.NewFromFloat(0.01)))
	assert.Equal(t, "tp80", cfg.PreviewTargetCode)

	assert.True(t, cfg.Thresholds["15m"]["ETH"].Equal(decimal.NewFromInt(5)))
	assert.True(t, cfg.Thresholds["15m"]["BTC"].Equal(decimal.NewFromInt(120)))
	assert.True(t, cfg.Thresholds["1h"]["ETH"].Equal(decimal.NewFromInt(20)))
	assert.True(t, cfg.Thresholds["1h"]["BTC"].Equal(decimal.NewFromInt(300)))
}

func TestLoadRequiresTelegramToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadChatID(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "test-token")
	t.Setenv("TELEGRAM_CHAT_ID", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
}

func TestThresholdOverride(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "test-token")
	t.Setenv("THRESHOLD_15M_ETH", "7.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Thresholds["15m"]["ETH"].Equal(decimal.NewFromFloat(7.5)))
}

func TestMarketsTrimmed(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "test-token")
	t.Setenv("MARKETS", "ETH:15m, BTC:1h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"ETH:15m", "BTC:1h"}, cfg.Markets)
}
