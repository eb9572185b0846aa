package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the bot
type Config struct {
	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Monitored markets, e.g. "ETH:15m,BTC:15m,ETH:1h,BTC:1h"
	Markets []string

	// Mode
	DryRun bool
	Debug  bool

	// Broker endpoints
	GammaAPIURL       string
	CryptoPriceAPIURL string
	BinanceAPIURL     string
	LiveFeedWSURL     string

	// Window reconciliation
	StatusAPIWindowRetries int
	MaxWindowDriftSeconds  int
	MaxLivePriceAgeSeconds int
	IntegrityDiffThreshold decimal.Decimal

	// Alert gating
	MinPatternToAlert  int
	MaxPatternStreak   int
	AlertBeforeSeconds float64
	AlertAfterSeconds  float64
	RequireDistance    bool
	Thresholds         map[string]map[string]decimal.Decimal
	AlertAuditLogs     bool

	// Preview
	PreviewEnabled        bool
	PreviewPatternTrigger int
	PreviewShares         int
	PreviewTargetCode     string

	// Auto-escalation cycle
	AutoLiveEnabled        bool
	AutoPatternStart       int
	AutoPatternMax         int
	AutoExecBeforeSeconds  float64
	AutoExecAfterSeconds   float64
	AutoScaleBeforeSeconds float64
	AutoScaleAfterSeconds  float64
	AutoBaseShares         int
	AutoMultiplier         int
	AutoStartMaxEntryPrice decimal.Decimal
	AutoStartTargetSpread  decimal.Decimal
	AutoScaledTargetCode   string

	// Execution limits
	MaxSharesPerTrade    int
	MaxUSDPerTrade       decimal.Decimal
	MaxMarketEntryPrice  decimal.Decimal
	ExitLimitMaxRetries  int
	ExitLimitRetryDelay  time.Duration
	ExitMonitorInterval  time.Duration
	DecisionTickInterval time.Duration

	// Exchange API
	ExchangeAPIURL string
	ExchangeAPIKey string

	// Database
	DatabasePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Markets: strings.Split(getEnv("MARKETS", "ETH:15m,BTC:15m,ETH:1h,BTC:1h"), ","),

		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		GammaAPIURL:       getEnv("GAMMA_API_URL", "https://gamma-api.polymarket.com"),
		CryptoPriceAPIURL: getEnv("CRYPTO_PRICE_API_URL", "https://polymarket.com/api/crypto/crypto-price"),
		BinanceAPIURL:     getEnv("BINANCE_API_URL", "https://api.binance.com"),
		LiveFeedWSURL:     getEnv("LIVE_FEED_WS_URL", "wss://ws-live-data.polymarket.com"),

		StatusAPIWindowRetries: getEnvInt("STATUS_API_WINDOW_RETRIES", 2),
		MaxWindowDriftSeconds:  getEnvInt("MAX_WINDOW_DRIFT_SECONDS", 120),
		MaxLivePriceAgeSeconds: getEnvInt("MAX_LIVE_PRICE_AGE_SECONDS", 30),
		IntegrityDiffThreshold: getEnvDecimal("INTEGRITY_DIFF_THRESHOLD", decimal.NewFromFloat(0.01)),

		MinPatternToAlert:  getEnvInt("MIN_PATTERN_TO_ALERT", 3),
		MaxPatternStreak:   getEnvInt("MAX_PATTERN_STREAK", 8),
		AlertBeforeSeconds: float64(getEnvInt("ALERT_BEFORE_SECONDS", 120)),
		AlertAfterSeconds:  float64(getEnvInt("ALERT_AFTER_SECONDS", 15)),
		RequireDistance:    getEnvBool("REQUIRE_DISTANCE", true),
		AlertAuditLogs:     getEnvBool("ALERT_AUDIT_LOGS", true),

		PreviewEnabled:        getEnvBool("PREVIEW_ENABLED", true),
		PreviewPatternTrigger: getEnvInt("PREVIEW_PATTERN_TRIGGER", 6),
		PreviewShares:         getEnvInt("PREVIEW_SHARES", 10),
		PreviewTargetCode:     getEnv("PREVIEW_TARGET_CODE", "tp80"),

		AutoLiveEnabled:        getEnvBool("AUTO_LIVE_ENABLED", false),
		AutoPatternStart:       getEnvInt("AUTO_PATTERN_START", 6),
		AutoPatternMax:         getEnvInt("AUTO_PATTERN_MAX", 8),
		AutoExecBeforeSeconds:  float64(getEnvInt("AUTO_EXEC_BEFORE_SECONDS", 45)),
		AutoExecAfterSeconds:   float64(getEnvInt("AUTO_EXEC_AFTER_SECONDS", 10)),
		AutoScaleBeforeSeconds: float64(getEnvInt("AUTO_SCALE_BEFORE_SECONDS", 90)),
		AutoScaleAfterSeconds:  float64(getEnvInt("AUTO_SCALE_AFTER_SECONDS", 10)),
		AutoBaseShares:         getEnvInt("AUTO_BASE_SHARES", 10),
		AutoMultiplier:         getEnvInt("AUTO_MULTIPLIER", 2),
		AutoStartMaxEntryPrice: getEnvDecimal("AUTO_START_MAX_ENTRY_PRICE", decimal.NewFromFloat(0.65)),
		AutoStartTargetSpread:  getEnvDecimal("AUTO_START_TARGET_SPREAD", decimal.NewFromFloat(0.10)),
		AutoScaledTargetCode:   getEnv("AUTO_SCALED_TARGET_CODE", "tp80"),

		MaxSharesPerTrade:    getEnvInt("MAX_SHARES_PER_TRADE", 200),
		MaxUSDPerTrade:       getEnvDecimal("MAX_USD_PER_TRADE", decimal.NewFromFloat(150)),
		MaxMarketEntryPrice:  getEnvDecimal("MAX_MARKET_ENTRY_PRICE", decimal.NewFromFloat(0.90)),
		ExitLimitMaxRetries:  getEnvInt("EXIT_LIMIT_MAX_RETRIES", 3),
		ExitLimitRetryDelay:  getEnvDuration("EXIT_LIMIT_RETRY_DELAY", 2*time.Second),
		ExitMonitorInterval:  getEnvDuration("EXIT_MONITOR_INTERVAL", 15*time.Second),
		DecisionTickInterval: getEnvDuration("DECISION_TICK_INTERVAL", 5*time.Second),

		ExchangeAPIURL: getEnv("EXCHANGE_API_URL", "https://clob.polymarket.com"),
		ExchangeAPIKey: os.Getenv("EXCHANGE_API_KEY"),

		DatabasePath: getEnv("DATABASE_PATH", "data/streakbot.db"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	cfg.Thresholds = buildThresholds()

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	for i, m := range cfg.Markets {
		cfg.Markets[i] = strings.TrimSpace(m)
	}

	// Validate required fields
	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	return cfg, nil
}

// buildThresholds assembles the absolute distance thresholds per
// (timeframe, asset), with env overrides like THRESHOLD_15M_ETH=5.
func buildThresholds() map[string]map[string]decimal.Decimal {
	defaults := map[string]map[string]decimal.Decimal{
		"15m": {
			"ETH": decimal.NewFromInt(5),
			"BTC": decimal.NewFromInt(120),
		},
		"1h": {
			"ETH": decimal.NewFromInt(20),
			"BTC": decimal.NewFromInt(300),
		},
	}
	out := make(map[string]map[string]decimal.Decimal, len(defaults))
	for timeframe, byAsset := range defaults {
		out[timeframe] = make(map[string]decimal.Decimal, len(byAsset))
		for asset, def := range byAsset {
			key := fmt.Sprintf("THRESHOLD_%s_%s", strings.ToUpper(timeframe), asset)
			out[timeframe][asset] = getEnvDecimal(key, def)
		}
	}
	return out
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
