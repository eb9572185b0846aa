// Streakbot - directional streak alert and auto-escalation bot for
// Polymarket crypto Up/Down windows.
//
// The bot watches fixed clock-aligned price windows (15m, 1h, ...) per
// asset, reconstructs the recent run of same-direction closes from its own
// store plus the market APIs, and fires a Telegram alert when the live
// window would extend the streak. Optional auto-trading escalates position
// size across consecutive windows of a confirmed cycle.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/broker"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/config"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/engine"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/exchange"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/feed"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/history"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/notify"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/pricesource"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/store"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	presets, err := parsePresets(cfg.Markets)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid MARKETS configuration")
	}

	log.Info().
		Str("version", version).
		Int("markets", len(presets)).
		Bool("dry_run", cfg.DryRun).
		Bool("auto_live", cfg.AutoLiveEnabled).
		Msg("⚡ Streakbot starting...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistent window store (degrades to memory-only on DB failure)
	recordStore := store.New(cfg.DatabasePath)

	// Telegram delivery
	telegram, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Telegram")
	}

	// Live price feed over WebSocket, one subscription covering every
	// monitored asset
	symbols := make([]string, 0, len(presets))
	seen := make(map[string]struct{})
	for _, p := range presets {
		for _, s := range p.TargetSymbols() {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			symbols = append(symbols, s)
		}
	}
	liveFeed := feed.New(cfg.LiveFeedWSURL, symbols)
	liveFeed.Start()

	// Market-data broker and the fallback-chain resolver on top of it
	brokerClient := broker.NewClient(cfg.GammaAPIURL, cfg.CryptoPriceAPIURL, cfg.BinanceAPIURL, cfg.MaxWindowDriftSeconds)
	resolver := pricesource.NewResolver(brokerClient, recordStore, liveFeed, cfg.StatusAPIWindowRetries, cfg.MaxLivePriceAgeSeconds)

	// Streak detection and retroactive history repair
	detector := history.NewDetector(recordStore, resolver, cfg.MaxPatternStreak)
	reconciler := history.NewReconciler(recordStore, resolver, cfg.MaxPatternStreak+1, cfg.IntegrityDiffThreshold)

	// Exchange execution (dry-run by default)
	executor := exchange.NewService(exchange.Options{
		BaseURL:             cfg.ExchangeAPIURL,
		APIKey:              cfg.ExchangeAPIKey,
		DryRun:              cfg.DryRun,
		MaxSharesPerTrade:   cfg.MaxSharesPerTrade,
		MaxUSDPerTrade:      cfg.MaxUSDPerTrade,
		MaxMarketEntryPrice: cfg.MaxMarketEntryPrice,
		ExitLimitMaxRetries: cfg.ExitLimitMaxRetries,
		ExitLimitRetryDelay: cfg.ExitLimitRetryDelay,
	})

	core := engine.New(
		presets,
		brokerClient,
		resolver,
		detector,
		reconciler,
		recordStore,
		telegram,
		executor,
		engine.Params{
			MinPatternToAlert:  cfg.MinPatternToAlert,
			MaxPatternStreak:   cfg.MaxPatternStreak,
			AlertBeforeSeconds: cfg.AlertBeforeSeconds,
			AlertAfterSeconds:  cfg.AlertAfterSeconds,
			RequireDistance:    cfg.RequireDistance,
			Thresholds:         cfg.Thresholds,
			AuditLogs:          cfg.AlertAuditLogs,

			PreviewEnabled:        cfg.PreviewEnabled,
			PreviewPatternTrigger: cfg.PreviewPatternTrigger,
			PreviewShares:         cfg.PreviewShares,
			PreviewTargetCode:     cfg.PreviewTargetCode,

			AutoEnabled:            cfg.AutoLiveEnabled,
			AutoPatternStart:       cfg.AutoPatternStart,
			AutoPatternMax:         cfg.AutoPatternMax,
			AutoExecBeforeSeconds:  cfg.AutoExecBeforeSeconds,
			AutoExecAfterSeconds:   cfg.AutoExecAfterSeconds,
			AutoScaleBeforeSeconds: cfg.AutoScaleBeforeSeconds,
			AutoScaleAfterSeconds:  cfg.AutoScaleAfterSeconds,
			AutoBaseShares:         cfg.AutoBaseShares,
			AutoMultiplier:         cfg.AutoMultiplier,
			AutoStartMaxEntryPrice: cfg.AutoStartMaxEntryPrice,
			AutoStartTargetSpread:  cfg.AutoStartTargetSpread,
			AutoScaledTargetCode:   cfg.AutoScaledTargetCode,

			TickInterval: cfg.DecisionTickInterval,
		},
	)

	// Order-status monitor resolves registered trades to a terminal state
	monitor := exchange.NewMonitor(executor, recordStore, telegram, cfg.ExitMonitorInterval)
	go monitor.Run(ctx)

	go core.Run(ctx)

	telegram.Send("🤖 Streakbot online")

	// Wait for shutdown signal
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	log.Info().Msg("Shutting down...")
	cancel()
	liveFeed.Stop()
	log.Info().Msg("👋 Streakbot stopped")
}

// parsePresets expands MARKETS entries like "ETH:15m" into presets.
func parsePresets(entries []string) ([]market.Preset, error) {
	presets := make([]market.Preset, 0, len(entries))
	for _, entry := range entries {
		crypto, timeframe, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		p, err := market.GetPreset(crypto, timeframe)
		if err != nil {
			return nil, err
		}
		presets = append(presets, p)
	}
	if len(presets) == 0 {
		presets = append(presets, market.MustPreset("ETH", "15m"))
	}
	return presets, nil
}
