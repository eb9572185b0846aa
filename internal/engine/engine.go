// Package engine runs the decision tick: one pass per poll interval that
// evaluates every monitored market sequentially, drives the alert/preview
// state machine and the auto-escalation cycle, and delegates delivery and
// execution to collaborators.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/exchange"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/history"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/pricesource"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/store"
)

// Collaborator contracts. Implementations live in their own packages; tests
// substitute fakes.

type WindowResolver interface {
	ResolveCurrentWindow(ctx context.Context, preset market.Preset) (string, market.Window)
	UpDownTokens(ctx context.Context, slug string) (string, string, error)
}

type PriceResolver interface {
	ResolveOpen(ctx context.Context, preset market.Preset, w market.Window) (*decimal.Decimal, string)
	ResolveLive(ctx context.Context, preset market.Preset, w market.Window, now time.Time) (*decimal.Decimal, *time.Time, string)
}

type StreakSource interface {
	RecentDirections(ctx context.Context, preset market.Preset, current market.Window, currentOpen *decimal.Decimal, currentOpenOfficial bool) ([]market.Direction, string)
}

type HistoryReconciler interface {
	Reconcile(ctx context.Context, preset market.Preset, current market.Window, currentOpen *decimal.Decimal, currentOpenOfficial bool) []*market.Row
}

type StateStore interface {
	LoadWindowFlags(marketKey string) (store.WindowFlagRecord, bool)
	SaveWindowFlags(rec store.WindowFlagRecord)
	RecordLiveRead(preset market.Preset, w market.Window, price decimal.Decimal, ts time.Time)
	SaveTrade(rec *store.TradeRecord)
}

type Notifier interface {
	Send(text string) bool
	SendUrgent(text string) bool
	SendWithButtons(text string, buttons map[string]string) bool
}

type Executor interface {
	Execute(ctx context.Context, req exchange.Request) (*exchange.Trade, error)
	BuyPrice(ctx context.Context, tokenID string) (decimal.Decimal, error)
}

// Params are the decision-loop knobs.
type Params struct {
	MinPatternToAlert  int
	MaxPatternStreak   int
	AlertBeforeSeconds float64
	AlertAfterSeconds  float64
	RequireDistance    bool
	Thresholds         map[string]map[string]decimal.Decimal
	AuditLogs          bool

	PreviewEnabled        bool
	PreviewPatternTrigger int
	PreviewShares         int
	PreviewTargetCode     string

	AutoEnabled            bool
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

	// DefaultEntryPrice seeds preview economics when no odds snapshot is
	// available.
	DefaultEntryPrice decimal.Decimal

	TickInterval time.Duration
}

// Engine owns per-market window state and the auto-cycle registry. All
// state is touched only from the tick loop, so no locking is needed here.
type Engine struct {
	presets  []market.Preset
	windows  WindowResolver
	prices   PriceResolver
	streaks  StreakSource
	history  HistoryReconciler
	store    StateStore
	notifier Notifier
	executor Executor
	params   Params

	states map[string]*WindowState
	cycles map[string]*AutoCycleState
}

func New(
	presets []market.Preset,
	windows WindowResolver,
	prices PriceResolver,
	streaks StreakSource,
	history HistoryReconciler,
	stateStore StateStore,
	notifier Notifier,
	executor Executor,
	params Params,
) *Engine {
	if params.DefaultEntryPrice.IsZero() {
		params.DefaultEntryPrice = decimal.NewFromFloat(0.50)
	}
	params.PreviewTargetCode = ResolveTargetCode(params.PreviewTargetCode)
	params.AutoScaledTargetCode = ResolveTargetCode(params.AutoScaledTargetCode)
	return &Engine{
		presets:  presets,
		windows:  windows,
		prices:   prices,
		streaks:  streaks,
		history:  history,
		store:    stateStore,
		notifier: notifier,
		executor: executor,
		params:   params,
		states:   make(map[string]*WindowState),
		cycles:   make(map[string]*AutoCycleState),
	}
}

// Run executes the decision loop until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.params.TickInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", e.params.TickInterval).Int("markets", len(e.presets)).Msg("⚙️ Decision loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Decision loop stopped")
			return
		case <-ticker.C:
			e.ProcessTick(ctx, time.Now().UTC())
		}
	}
}

// ProcessTick evaluates every market once, sequentially. Sequential
// evaluation keeps audit dedupe, state transitions and persisted-flag
// writes single-writer.
func (e *Engine) ProcessTick(ctx context.Context, now time.Time) {
	for _, preset := range e.presets {
		e.processMarket(ctx, preset, now)
	}
}

func (e *Engine) processMarket(ctx context.Context, preset market.Preset, now time.Time) {
	key := preset.Key()
	state, ok := e.states[key]
	if !ok {
		state = newWindowState()
		e.states[key] = state
	}

	slug, w := e.windows.ResolveCurrentWindow(ctx, preset)
	windowKey := w.Key()
	secondsToEnd := w.SecondsToEnd(now)
	insideAlertBand := secondsToEnd <= e.params.AlertBeforeSeconds && secondsToEnd >= e.params.AlertAfterSeconds
	rolled := state.WindowKey != windowKey

	if rolled {
		state.reset(windowKey)
		if saved, found := e.store.LoadWindowFlags(key); found && saved.WindowKey == windowKey {
			state.AlertSent = saved.AlertSent
			state.PreviewSent = saved.PreviewSent
			state.AutoTradeSent = saved.AutoTradeSent
			state.AutoTradePattern = saved.AutoTradePattern
		}
	}

	openValue, openSource := e.prices.ResolveOpen(ctx, preset, w)
	if openValue != nil {
		// Never downgrade a direct open observation to a prev-close proxy.
		downgrade := (state.OpenSource == pricesource.OpenSourceOpen || state.OpenSource == pricesource.OpenSourceClose) &&
			openSource == pricesource.OpenSourcePrevClose
		if !downgrade {
			state.OpenPrice = openValue
			state.OpenSource = openSource
		}
	}
	openOfficial := state.OpenSource == pricesource.OpenSourceOpen

	if rolled && e.history != nil {
		e.history.Reconcile(ctx, preset, w, state.OpenPrice, openOfficial)
	}

	livePrice, liveTS, liveSource := e.prices.ResolveLive(ctx, preset, w, now)
	if livePrice == nil {
		if insideAlertBand {
			state.auditOnce(e.params.AuditLogs, key, "no_live_price_in_alert_window",
				fmt.Sprintf("No live price inside alert band, %s left", formatSeconds(secondsToEnd)))
		}
		return
	}
	if liveSource == pricesource.LiveSourceFeed && liveTS != nil {
		e.store.RecordLiveRead(preset, w, *livePrice, *liveTS)
	}
	state.observePrice(*livePrice)

	if state.OpenPrice == nil {
		if insideAlertBand {
			state.auditOnce(e.params.AuditLogs, key, "no_open_price_in_alert_window",
				fmt.Sprintf("No open price inside alert band, %s left", formatSeconds(secondsToEnd)))
		}
		return
	}

	if !insideAlertBand {
		return
	}

	skipAlertPreview := state.AlertSent && (!e.params.PreviewEnabled || state.PreviewSent)
	if skipAlertPreview && !e.params.AutoEnabled {
		return
	}

	currentDelta := livePrice.Sub(*state.OpenPrice)
	currentDir := market.DirectionUp
	if currentDelta.IsNegative() {
		currentDir = market.DirectionDown
	}

	directions, directionSource := e.streaks.RecentDirections(ctx, preset, w, state.OpenPrice, openOfficial)
	streakBefore := history.CountConsecutive(directions, currentDir, e.params.MaxPatternStreak)

	if streakBefore+1 < e.params.MinPatternToAlert {
		state.auditOnce(e.params.AuditLogs, key, "streak_too_short",
			fmt.Sprintf("No alert, streak too short: prev=%d, min=%d", streakBefore, e.params.MinPatternToAlert-1))
		return
	}

	distance := currentDelta.Abs()
	threshold, hasThreshold := e.threshold(preset)
	if e.params.RequireDistance && hasThreshold && threshold.IsPositive() && distance.LessThan(threshold) {
		state.auditOnce(e.params.AuditLogs, key, "distance_below_threshold",
			fmt.Sprintf("No alert, distance %s below threshold %s", distance.StringFixed(2), threshold.StringFixed(2)))
		return
	}

	overLimit := streakBefore >= e.params.MaxPatternStreak
	patternCount := streakBefore + 1
	if patternCount > e.params.MaxPatternStreak {
		patternCount = e.params.MaxPatternStreak
	}
	pattern := fmt.Sprintf("%s%d", currentDir, patternCount)
	if overLimit {
		pattern += "+"
	}

	if !state.AlertSent {
		e.sendAlert(preset, state, alertData{
			pattern:      pattern,
			direction:    currentDir,
			window:       w,
			secondsToEnd: secondsToEnd,
			livePrice:    *livePrice,
			distance:     distance,
			threshold:    threshold,
			hasThreshold: hasThreshold,
			source:       directionSource,
		})
	}

	if e.params.PreviewEnabled && !state.PreviewSent && patternCount >= e.params.PreviewPatternTrigger {
		e.sendPreview(preset, state, pattern, currentDir, w, secondsToEnd)
	}

	if e.params.AutoEnabled && e.executor != nil {
		e.runAutoCycle(ctx, preset, state, slug, pattern, patternCount, currentDir, w, windowKey, secondsToEnd)
	}
}

func (e *Engine) threshold(preset market.Preset) (decimal.Decimal, bool) {
	byAsset, ok := e.params.Thresholds[preset.Timeframe]
	if !ok {
		return decimal.Decimal{}, false
	}
	t, ok := byAsset[preset.Symbol]
	return t, ok
}

type alertData struct {
	pattern      string
	direction    market.Direction
	window       market.Window
	secondsToEnd float64
	livePrice    decimal.Decimal
	distance     decimal.Decimal
	threshold    decimal.Decimal
	hasThreshold bool
	source       string
}

func (e *Engine) sendAlert(preset market.Preset, state *WindowState, d alertData) {
	key := preset.Key()
	emoji := "🟢"
	if d.direction == market.DirectionDown {
		emoji = "🔴"
	}
	thresholdLabel := "OFF"
	if e.params.RequireDistance && d.hasThreshold && d.threshold.IsPositive() {
		thresholdLabel = d.threshold.StringFixed(2)
	}
	msg := fmt.Sprintf(
		"%s <b>%s %s %s</b>\nWindow: %s - %s (%s left)\nPrice: %s | Open: %s (%s)\nDistance: %s (threshold %s)\nRange: %s - %s",
		emoji, preset.Symbol, preset.Timeframe, d.pattern,
		d.window.Start.Format("15:04"), d.window.End.Format("15:04"), formatSeconds(d.secondsToEnd),
		d.livePrice.StringFixed(2), fmtUSD(state.OpenPrice), state.OpenSource,
		d.distance.StringFixed(2), thresholdLabel,
		fmtUSD(state.MinPrice), fmtUSD(state.MaxPrice),
	)

	if e.notifier.Send(msg) {
		state.AlertSent = true
		e.persistFlags(key, state)
		log.Info().
			Str("market", key).
			Str("pattern", d.pattern).
			Str("streak_source", d.source).
			Msg("🔔 Alert delivered")
	} else {
		state.auditOnce(e.params.AuditLogs, key, "alert_send_failed",
			"Alert generated but delivery was not confirmed; will retry next tick")
	}
}

func (e *Engine) sendPreview(preset market.Preset, state *WindowState, pattern string, dir market.Direction, w market.Window, secondsToEnd float64) {
	key := preset.Key()
	pc := e.buildPreview(preset, pattern, dir, w, secondsToEnd, e.params.PreviewShares)
	pc.ApplyTarget(e.params.PreviewTargetCode)

	if e.notifier.SendWithButtons(pc.Message(), TargetOptions()) {
		state.PreviewSent = true
		e.persistFlags(key, state)
		log.Info().Str("market", key).Str("pattern", pattern).Msg("📋 Preview delivered")
	} else {
		state.auditOnce(e.params.AuditLogs, key, "preview_send_failed",
			"Preview generated but delivery was not confirmed; will retry next tick")
	}
}

func (e *Engine) buildPreview(preset market.Preset, pattern string, dir market.Direction, w market.Window, secondsToEnd float64, shares int) PreviewContext {
	return PreviewContext{
		MarketKey:    preset.Key(),
		Pattern:      pattern,
		Direction:    dir,
		Window:       w,
		SecondsToEnd: secondsToEnd,
		Shares:       shares,
		EntryPrice:   e.params.DefaultEntryPrice,
	}
}

// runAutoCycle evaluates the escalation chain for one market. Any
// continuity violation for an active cycle resets it before the start
// condition of the same tick is considered.
func (e *Engine) runAutoCycle(
	ctx context.Context,
	preset market.Preset,
	state *WindowState,
	slug string,
	pattern string,
	patternCount int,
	dir market.Direction,
	w market.Window,
	windowKey string,
	secondsToEnd float64,
) {
	key := preset.Key()
	cycle, ok := e.cycles[key]
	if !ok {
		cycle = &AutoCycleState{NextLevel: e.params.AutoPatternStart}
		e.cycles[key] = cycle
	}

	if cycle.Active &&
		cycle.NextLevel <= e.params.AutoPatternMax &&
		windowKey != cycle.LastTradeWindowKey &&
		(patternCount != cycle.NextLevel || dir != cycle.Direction) {
		expected := cycle.NextLevel
		cycle.reset(e.params.AutoPatternStart)
		log.Info().Str("market", key).Int("expected_level", expected).Msg("Auto cycle reset: continuity not confirmed")
	}

	var level int
	hasLevel := false
	if !state.AutoTradeSent {
		if !cycle.Active {
			if patternCount == e.params.AutoPatternStart &&
				secondsToEnd <= e.params.AutoExecBeforeSeconds &&
				secondsToEnd >= e.params.AutoExecAfterSeconds {
				level = e.params.AutoPatternStart
				hasLevel = true
			}
		} else if cycle.NextLevel <= e.params.AutoPatternMax &&
			windowKey != cycle.LastTradeWindowKey &&
			patternCount == cycle.NextLevel &&
			dir == cycle.Direction &&
			secondsToEnd <= e.params.AutoScaleBeforeSeconds &&
			secondsToEnd >= e.params.AutoScaleAfterSeconds {
			level = cycle.NextLevel
			hasLevel = true
		}
	}
	if !hasLevel {
		return
	}

	upToken, downToken, err := e.windows.UpDownTokens(ctx, slug)
	if err != nil {
		state.auditOnce(e.params.AuditLogs, key, "auto_token_resolution_failed",
			fmt.Sprintf("Auto execution skipped, outcome tokens unresolved: %v", err))
		return
	}
	tokenID := upToken
	if dir == market.DirectionDown {
		tokenID = downToken
	}
	entryPrice, err := e.executor.BuyPrice(ctx, tokenID)
	if err != nil || !entryPrice.IsPositive() {
		state.auditOnce(e.params.AuditLogs, key, "auto_entry_price_unavailable",
			fmt.Sprintf("Auto execution skipped, no usable entry quote: %v", err))
		return
	}

	step := level - e.params.AutoPatternStart
	shares := e.params.AutoBaseShares
	for i := 0; i < step; i++ {
		shares *= e.params.AutoMultiplier
	}

	pc := e.buildPreview(preset, "AUTO "+pattern, dir, w, secondsToEnd, shares)
	pc.EntryPrice = entryPrice
	startLevel := level == e.params.AutoPatternStart
	var maxEntry *decimal.Decimal
	if startLevel {
		pc.ApplySpreadTarget(e.params.AutoStartTargetSpread)
		maxEntry = &e.params.AutoStartMaxEntryPrice
	} else {
		pc.ApplyTarget(e.params.AutoScaledTargetCode)
	}

	state.AutoTradeSent = true
	state.AutoTradePattern = fmt.Sprintf("%s-L%d", pattern, level)
	e.persistFlags(key, state)

	e.notifier.Send(fmt.Sprintf(
		"<b>AUTO live: execution submitted</b>\nMarket: %s\nPattern: %s (level %d)\nShares: %d\nExit: %s\nCloses in: %s",
		key, pattern, level, shares, pc.TargetName, formatSeconds(secondsToEnd),
	))

	trade, err := e.executor.Execute(ctx, exchange.Request{
		MarketKey:        key,
		WindowKey:        windowKey,
		Pattern:          pattern,
		Level:            level,
		Direction:        dir,
		TokenID:          tokenID,
		Shares:           decimal.NewFromInt(int64(shares)),
		EntryPrice:       pc.EntryPrice,
		TargetExitPrice:  pc.TargetExitPrice,
		MaxEntryPrice:    maxEntry,
		ForceMarketEntry: true,
	})
	if err != nil {
		cycle.reset(e.params.AutoPatternStart)
		switch {
		case errors.Is(err, exchange.ErrPriceGuard):
			e.notifier.Send(fmt.Sprintf(
				"<b>AUTO live: entry cancelled by price guard</b>\nMarket: %s\nPattern: %s (level %d)\nDetail: %v",
				key, pattern, level, err,
			))
		case errors.Is(err, exchange.ErrExitLimitExhausted):
			e.notifier.SendUrgent(fmt.Sprintf(
				"Exit limit retries exhausted\nMarket: %s\nPattern: %s (level %d)\nPosition may be open without a resting exit. Detail: %v",
				key, pattern, level, err,
			))
		default:
			e.notifier.Send(fmt.Sprintf(
				"<b>Auto-trading error</b>\nMarket: %s\nPattern: %s (level %d)\nDetail: %v\n<i>If the entry executed, review and place the exit manually.</i>",
				key, pattern, level, err,
			))
		}
		log.Warn().Err(err).Str("market", key).Int("level", level).Msg("Auto-trading failed")
		return
	}

	if level < e.params.AutoPatternMax {
		cycle.Active = true
		cycle.NextLevel = level + 1
		cycle.Direction = dir
		cycle.LastTradeWindowKey = windowKey
	} else {
		cycle.reset(e.params.AutoPatternStart)
	}

	if trade.Stage != exchange.StageEntryPendingLimit {
		e.store.SaveTrade(&store.TradeRecord{
			ID:              trade.ID,
			MarketKey:       key,
			WindowKey:       windowKey,
			Level:           level,
			Direction:       string(dir),
			Pattern:         pattern,
			Shares:          trade.Shares,
			EntryPrice:      trade.EntryPrice,
			TargetExitPrice: trade.TargetExitPrice,
			Stage:           trade.Stage,
			EntryOrderID:    trade.EntryOrderID,
			ExitOrderID:     trade.ExitOrderID,
		})
	}

	balanceLabel := "not available"
	if trade.BalanceAfter != nil {
		balanceLabel = trade.BalanceAfter.StringFixed(2)
	}
	e.notifier.Send(fmt.Sprintf(
		"<b>AUTO live: entry placed</b>\nMarket: %s\nPattern: %s (level %d)\nStage: %s\nShares: %s @ %s\nExit: %s\nBalance: %s",
		key, pattern, level, trade.Stage, trade.Shares, trade.EntryPrice, trade.TargetExitPrice, balanceLabel,
	))
	log.Info().
		Str("market", key).
		Str("pattern", pattern).
		Int("level", level).
		Str("stage", trade.Stage).
		Msg("🤝 Auto-trading executed")
}

func (e *Engine) persistFlags(key string, state *WindowState) {
	e.store.SaveWindowFlags(store.WindowFlagRecord{
		MarketKey:        key,
		WindowKey:        state.WindowKey,
		AlertSent:        state.AlertSent,
		PreviewSent:      state.PreviewSent,
		AutoTradeSent:    state.AutoTradeSent,
		AutoTradePattern: state.AutoTradePattern,
	})
}
