package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/store"
)

// StatusClient is the slice of the exchange the monitor needs.
type StatusClient interface {
	OrderStatus(ctx context.Context, orderID string) (OrderState, error)
}

// TradeRegistry is the persisted set of in-flight trades.
type TradeRegistry interface {
	ActiveTrades() []store.TradeRecord
	DeleteTrade(id string)
}

// Notifier delivers close notifications.
type Notifier interface {
	Send(text string) bool
}

// Monitor polls order status for in-flight trades. It is the only writer of
// a trade's terminal state: a trade leaves the registry here, on confirmed
// fill or terminal failure, and nowhere else.
type Monitor struct {
	client   StatusClient
	registry TradeRegistry
	notifier Notifier
	interval time.Duration
}

func NewMonitor(client StatusClient, registry TradeRegistry, notifier Notifier, interval time.Duration) *Monitor {
	if interval < 3*time.Second {
		interval = 3 * time.Second
	}
	return &Monitor{client: client, registry: registry, notifier: notifier, interval: interval}
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.interval).Msg("Exit monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Exit monitor stopped")
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	for _, trade := range m.registry.ActiveTrades() {
		if trade.Stage == StageEntryPendingLimit || trade.ExitOrderID == "" {
			continue
		}
		state, err := m.client.OrderStatus(ctx, trade.ExitOrderID)
		if err != nil {
			// Transient: the next poll retries.
			continue
		}

		switch {
		case state.Filled:
			m.notifier.Send(fmt.Sprintf(
				"✅ Exit filled\nMarket: %s\nPattern: %s (level %d)\nShares: %s @ %s",
				trade.MarketKey, trade.Pattern, trade.Level, trade.Shares, trade.TargetExitPrice,
			))
			m.registry.DeleteTrade(trade.ID)
			log.Info().Str("trade_id", trade.ID).Str("market", trade.MarketKey).Msg("Trade closed with fill")
		case state.Terminal:
			reason := state.StatusText
			if reason == "" {
				reason = "terminal state"
			}
			m.notifier.Send(fmt.Sprintf(
				"⚠️ Exit order ended without fill (%s)\nMarket: %s\nPattern: %s (level %d)\nReview the position manually.",
				reason, trade.MarketKey, trade.Pattern, trade.Level,
			))
			m.registry.DeleteTrade(trade.ID)
			log.Warn().Str("trade_id", trade.ID).Str("reason", reason).Msg("Trade closed without fill")
		}
	}
}
