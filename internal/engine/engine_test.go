package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/exchange"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/pricesource"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/store"
)

var enginePreset = market.MustPreset("ETH", "15m")

type fakeWindows struct {
	w         market.Window
	upToken   string
	downToken string
	tokensErr error
}

func (f *fakeWindows) ResolveCurrentWindow(context.Context, market.Preset) (string, market.Window) {
	return "slug", f.w
}

func (f *fakeWindows) UpDownTokens(context.Context, string) (string, string, error) {
	if f.tokensErr != nil {
		return "", "", f.tokensErr
	}
	return f.upToken, f.downToken, nil
}

type fakePrices struct {
	open       *decimal.Decimal
	openSource string
	live       *decimal.Decimal
	liveTS     *time.Time
	liveSource string
}

func (f *fakePrices) ResolveOpen(context.Context, market.Preset, market.Window) (*decimal.Decimal, string) {
	return f.open, f.openSource
}

func (f *fakePrices) ResolveLive(context.Context, market.Preset, market.Window, time.Time) (*decimal.Decimal, *time.Time, string) {
	return f.live, f.liveTS, f.liveSource
}

type fakeStreaks struct {
	directions []market.Direction
}

func (f *fakeStreaks) RecentDirections(context.Context, market.Preset, market.Window, *decimal.Decimal, bool) ([]market.Direction, string) {
	return f.directions, "DB"
}

type fakeStateStore struct {
	flags     map[string]store.WindowFlagRecord
	liveReads int
	trades    []*store.TradeRecord
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{flags: make(map[string]store.WindowFlagRecord)}
}

func (f *fakeStateStore) LoadWindowFlags(marketKey string) (store.WindowFlagRecord, bool) {
	rec, ok := f.flags[marketKey]
	return rec, ok
}

func (f *fakeStateStore) SaveWindowFlags(rec store.WindowFlagRecord) {
	f.flags[rec.MarketKey] = rec
}

func (f *fakeStateStore) RecordLiveRead(market.Preset, market.Window, decimal.Decimal, time.Time) {
	f.liveReads++
}

func (f *fakeStateStore) SaveTrade(rec *store.TradeRecord) {
	f.trades = append(f.trades, rec)
}

type fakeNotifier struct {
	ok      bool
	sent    []string
	urgent  []string
	buttons []map[string]string
}

func (f *fakeNotifier) Send(text string) bool {
	f.sent = append(f.sent, text)
	return f.ok
}

func (f *fakeNotifier) SendUrgent(text string) bool {
	f.urgent = append(f.urgent, text)
	return f.ok
}

func (f *fakeNotifier) SendWithButtons(text string, buttons map[string]string) bool {
	f.buttons = append(f.buttons, buttons)
	return f.Send(text)
}

type fakeExecutor struct {
	requests []exchange.Request
	trade    *exchange.Trade
	err      error
	quote    decimal.Decimal
	quoteErr error
	quoted   []string
}

func (f *fakeExecutor) BuyPrice(_ context.Context, tokenID string) (decimal.Decimal, error) {
	f.quoted = append(f.quoted, tokenID)
	if f.quoteErr != nil {
		return decimal.Decimal{}, f.quoteErr
	}
	return f.quote, nil
}

func (f *fakeExecutor) Execute(_ context.Context, req exchange.Request) (*exchange.Trade, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.trade != nil {
		return f.trade, nil
	}
	return &exchange.Trade{
		ID:              "t-1",
		Shares:          req.Shares,
		EntryPrice:      req.EntryPrice,
		TargetExitPrice: req.TargetExitPrice,
		Stage:           exchange.StageEntryFilled,
	}, nil
}

func baseParams() Params {
	return Params{
		MinPatternToAlert:  3,
		MaxPatternStreak:   8,
		AlertBeforeSeconds: 120,
		AlertAfterSeconds:  15,
		RequireDistance:    true,
		Thresholds: map[string]map[string]decimal.Decimal{
			"15m": {"ETH": decimal.NewFromInt(5)},
		},

		PreviewEnabled:        true,
		PreviewPatternTrigger: 6,
		PreviewShares:         10,

		AutoEnabled:            false,
		AutoPatternStart:       6,
		AutoPatternMax:         8,
		AutoExecBeforeSeconds:  45,
		AutoExecAfterSeconds:   10,
		AutoScaleBeforeSeconds: 90,
		AutoScaleAfterSeconds:  10,
		AutoBaseShares:         10,
		AutoMultiplier:         2,
		AutoStartMaxEntryPrice: decimal.NewFromFloat(0.65),
		AutoStartTargetSpread:  decimal.NewFromFloat(0.10),

		TickInterval: time.Second,
	}
}

type harness struct {
	engine   *Engine
	windows  *fakeWindows
	prices   *fakePrices
	streaks  *fakeStreaks
	store    *fakeStateStore
	notifier *fakeNotifier
	executor *fakeExecutor
	now      time.Time
	window   market.Window
}

// newHarness sets up one market 30 seconds before window end: inside the
// alert band and both auto-trade bands.
func newHarness(t *testing.T, params Params) *harness {
	t.Helper()
	start := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	w := market.Window{Start: start, End: start.Add(15 * time.Minute)}
	now := w.End.Add(-30 * time.Second)

	h := &harness{
		windows: &fakeWindows{w: w, upToken: "tok-up", downToken: "tok-down"},
		prices: &fakePrices{
			open:       market.DecimalPtr(decimal.NewFromInt(100)),
			openSource: pricesource.OpenSourceOpen,
			live:       market.DecimalPtr(decimal.NewFromInt(110)),
			liveTS:     &now,
			liveSource: pricesource.LiveSourceFeed,
		},
		streaks:  &fakeStreaks{directions: []market.Direction{market.DirectionUp, market.DirectionUp}},
		store:    newFakeStateStore(),
		notifier: &fakeNotifier{ok: true},
		executor: &fakeExecutor{quote: decimal.NewFromFloat(0.50)},
		now:      now,
		window:   w,
	}
	h.engine = New(
		[]market.Preset{enginePreset},
		h.windows, h.prices, h.streaks, nil,
		h.store, h.notifier, h.executor,
		params,
	)
	return h
}

func (h *harness) tick() {
	h.engine.ProcessTick(context.Background(), h.now)
}

func TestAlertFiresOncePerWindow(t *testing.T) {
	h := newHarness(t, baseParams())

	h.tick()
	require.Len(t, h.notifier.sent, 1)
	assert.Contains(t, h.notifier.sent[0], "ETH 15m UP3")

	// Same window: no second alert.
	h.tick()
	assert.Len(t, h.notifier.sent, 1)

	// Flags persisted for restart recovery.
	rec, ok := h.store.LoadWindowFlags("ETH-15m")
	require.True(t, ok)
	assert.True(t, rec.AlertSent)
	assert.Equal(t, h.window.Key(), rec.WindowKey)
}

func TestAlertRetriesWhenDeliveryUnconfirmed(t *testing.T) {
	h := newHarness(t, baseParams())
	h.notifier.ok = false

	h.tick()
	require.Len(t, h.notifier.sent, 1)
	rec, ok := h.store.LoadWindowFlags("ETH-15m")
	assert.False(t, ok && rec.AlertSent)

	// Delivery recovers: the alert goes out on the next tick.
	h.notifier.ok = true
	h.tick()
	assert.Len(t, h.notifier.sent, 2)
	rec, ok = h.store.LoadWindowFlags("ETH-15m")
	require.True(t, ok)
	assert.True(t, rec.AlertSent)
}

func TestAlertRestoredFromPersistedFlags(t *testing.T) {
	h := newHarness(t, baseParams())
	h.store.flags["ETH-15m"] = store.WindowFlagRecord{
		MarketKey: "ETH-15m",
		WindowKey: h.window.Key(),
		AlertSent: true,
	}

	h.tick()
	assert.Empty(t, h.notifier.sent)
}

func TestNoAlertWhenStreakTooShort(t *testing.T) {
	h := newHarness(t, baseParams())
	h.streaks.directions = []market.Direction{market.DirectionUp}

	h.tick()
	assert.Empty(t, h.notifier.sent)
}

func TestNoAlertBelowDistanceThreshold(t *testing.T) {
	h := newHarness(t, baseParams())
	h.prices.live = market.DecimalPtr(decimal.NewFromFloat(103.2)) // distance 3.2 < 5

	h.tick()
	assert.Empty(t, h.notifier.sent)
}

func TestNoAlertOutsideBand(t *testing.T) {
	h := newHarness(t, baseParams())
	h.now = h.window.Start.Add(time.Minute) // 14 minutes to end

	h.tick()
	assert.Empty(t, h.notifier.sent)
}

func TestDirectionGapBreaksStreak(t *testing.T) {
	h := newHarness(t, baseParams())
	// Chain broken after two: UP, UP, DOWN, UP. With current UP the pattern
	// is 3, not 4.
	h.streaks.directions = []market.Direction{
		market.DirectionUp, market.DirectionUp, market.DirectionDown, market.DirectionUp,
	}

	h.tick()
	require.Len(t, h.notifier.sent, 1)
	assert.Contains(t, h.notifier.sent[0], "UP3")
}

func TestPatternCapGetsPlusSuffix(t *testing.T) {
	h := newHarness(t, baseParams())
	dirs := make([]market.Direction, 9)
	for i := range dirs {
		dirs[i] = market.DirectionUp
	}
	h.streaks.directions = dirs

	h.tick()
	require.NotEmpty(t, h.notifier.sent)
	assert.Contains(t, h.notifier.sent[0], "UP8+")
}

func TestDownDirectionWhenDeltaNegative(t *testing.T) {
	h := newHarness(t, baseParams())
	h.prices.live = market.DecimalPtr(decimal.NewFromInt(90))
	h.streaks.directions = []market.Direction{market.DirectionDown, market.DirectionDown}

	h.tick()
	require.Len(t, h.notifier.sent, 1)
	assert.Contains(t, h.notifier.sent[0], "DOWN3")
}

func TestPreviewSentAtTrigger(t *testing.T) {
	h := newHarness(t, baseParams())
	h.streaks.directions = []market.Direction{
		market.DirectionUp, market.DirectionUp, market.DirectionUp,
		market.DirectionUp, market.DirectionUp,
	}

	h.tick()
	require.Len(t, h.notifier.sent, 2)
	assert.Contains(t, h.notifier.sent[1], "Fixed exit 0.80")
	require.Len(t, h.notifier.buttons, 1)
	assert.Equal(t, "tp99", h.notifier.buttons[0]["Fixed exit 0.99"])

	rec, ok := h.store.LoadWindowFlags("ETH-15m")
	require.True(t, ok)
	assert.True(t, rec.PreviewSent)
}

func TestLiveReadRecordedOnlyForFeedSource(t *testing.T) {
	h := newHarness(t, baseParams())
	h.tick()
	assert.Equal(t, 1, h.store.liveReads)

	h2 := newHarness(t, baseParams())
	h2.prices.liveSource = pricesource.LiveSourceAPIClose
	h2.prices.liveTS = nil
	h2.tick()
	assert.Equal(t, 0, h2.store.liveReads)
}

func autoParams() Params {
	p := baseParams()
	p.AutoEnabled = true
	return p
}

func upStreak(n int) []market.Direction {
	dirs := make([]market.Direction, n)
	for i := range dirs {
		dirs[i] = market.DirectionUp
	}
	return dirs
}

func TestAutoCycleStartsAtStartLevel(t *testing.T) {
	h := newHarness(t, autoParams())
	h.streaks.directions = upStreak(5) // pattern 6 == start level

	h.tick()
	require.Len(t, h.executor.requests, 1)
	req := h.executor.requests[0]
	assert.Equal(t, 6, req.Level)
	assert.True(t, req.Shares.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, req.MaxEntryPrice)
	assert.True(t, req.MaxEntryPrice.Equal(decimal.NewFromFloat(0.65)))
	// Start level exits on entry + fixed spread, capped.
	assert.True(t, req.TargetExitPrice.Equal(decimal.NewFromFloat(0.60)))

	cycle := h.engine.cycles["ETH-15m"]
	require.NotNil(t, cycle)
	assert.True(t, cycle.Active)
	assert.Equal(t, 7, cycle.NextLevel)
	assert.Equal(t, market.DirectionUp, cycle.Direction)
	assert.Equal(t, h.window.Key(), cycle.LastTradeWindowKey)

	require.Len(t, h.store.trades, 1)
	assert.Equal(t, exchange.StageEntryFilled, h.store.trades[0].Stage)
}

func TestAutoCycleExecutesDirectionToken(t *testing.T) {
	h := newHarness(t, autoParams())
	h.streaks.directions = upStreak(5)

	h.tick()
	require.Len(t, h.executor.requests, 1)
	assert.Equal(t, "tok-up", h.executor.requests[0].TokenID)
	assert.Equal(t, []string{"tok-up"}, h.executor.quoted)

	// DOWN streak buys the down outcome.
	h2 := newHarness(t, autoParams())
	h2.prices.live = market.DecimalPtr(decimal.NewFromInt(90))
	h2.streaks.directions = []market.Direction{
		market.DirectionDown, market.DirectionDown, market.DirectionDown,
		market.DirectionDown, market.DirectionDown,
	}

	h2.tick()
	require.Len(t, h2.executor.requests, 1)
	assert.Equal(t, "tok-down", h2.executor.requests[0].TokenID)
}

func TestAutoCycleEntryPriceFromLiveQuote(t *testing.T) {
	h := newHarness(t, autoParams())
	h.executor.quote = decimal.NewFromFloat(0.58)
	h.streaks.directions = upStreak(5)

	h.tick()
	require.Len(t, h.executor.requests, 1)
	req := h.executor.requests[0]
	assert.True(t, req.EntryPrice.Equal(decimal.NewFromFloat(0.58)))
	// Start-level exit rides the quoted entry, not a placeholder.
	assert.True(t, req.TargetExitPrice.Equal(decimal.NewFromFloat(0.68)))
}

func TestAutoCycleRetriesWhenEntryUnresolved(t *testing.T) {
	h := newHarness(t, autoParams())
	h.windows.tokensErr = errors.New("catalog unavailable")
	h.streaks.directions = upStreak(5)

	h.tick()
	assert.Empty(t, h.executor.requests)
	rec, ok := h.store.LoadWindowFlags("ETH-15m")
	assert.False(t, ok && rec.AutoTradeSent)

	// Unusable quote is skipped the same way.
	h.windows.tokensErr = nil
	h.executor.quoteErr = errors.New("no book")
	h.tick()
	assert.Empty(t, h.executor.requests)

	// Resolution recovers: the execution goes out on a later tick.
	h.executor.quoteErr = nil
	h.tick()
	require.Len(t, h.executor.requests, 1)
}

func TestAutoCycleDoesNotStartOffLevel(t *testing.T) {
	h := newHarness(t, autoParams())
	h.streaks.directions = upStreak(6) // pattern 7 != start level 6

	h.tick()
	assert.Empty(t, h.executor.requests)
}

func TestAutoCycleContinuesWithScaledShares(t *testing.T) {
	h := newHarness(t, autoParams())
	h.engine.cycles["ETH-15m"] = &AutoCycleState{
		Active:             true,
		NextLevel:          7,
		Direction:          market.DirectionUp,
		LastTradeWindowKey: market.PrevWindow(h.window, 900).Key(),
	}
	h.streaks.directions = upStreak(6) // pattern 7 == expected level

	h.tick()
	require.Len(t, h.executor.requests, 1)
	req := h.executor.requests[0]
	assert.Equal(t, 7, req.Level)
	// base 10 * multiplier^1
	assert.True(t, req.Shares.Equal(decimal.NewFromInt(20)))
	assert.Nil(t, req.MaxEntryPrice)

	cycle := h.engine.cycles["ETH-15m"]
	assert.Equal(t, 8, cycle.NextLevel)
}

func TestAutoCycleResetsOnContinuityBreak(t *testing.T) {
	h := newHarness(t, autoParams())
	h.engine.cycles["ETH-15m"] = &AutoCycleState{
		Active:             true,
		NextLevel:          7,
		Direction:          market.DirectionUp,
		LastTradeWindowKey: market.PrevWindow(h.window, 900).Key(),
	}
	// Direction flipped: the streak the cycle rode is gone.
	h.prices.live = market.DecimalPtr(decimal.NewFromInt(90))
	h.streaks.directions = []market.Direction{market.DirectionDown, market.DirectionDown}

	h.tick()

	cycle := h.engine.cycles["ETH-15m"]
	assert.False(t, cycle.Active)
	assert.Equal(t, 6, cycle.NextLevel)
	// Reset happens before start evaluation, and DOWN3 is not the start
	// level, so nothing executes this tick.
	assert.Empty(t, h.executor.requests)
}

func TestAutoCycleResetThenStartSameTick(t *testing.T) {
	h := newHarness(t, autoParams())
	h.engine.cycles["ETH-15m"] = &AutoCycleState{
		Active:             true,
		NextLevel:          8,
		Direction:          market.DirectionDown,
		LastTradeWindowKey: market.PrevWindow(h.window, 900).Key(),
	}
	// UP6 contradicts the DOWN cycle but matches the start level: the cycle
	// resets first, then a fresh one starts on the same tick.
	h.streaks.directions = upStreak(5)

	h.tick()
	require.Len(t, h.executor.requests, 1)
	assert.Equal(t, 6, h.executor.requests[0].Level)
	assert.True(t, h.engine.cycles["ETH-15m"].Active)
}

func TestAutoCycleSkipsSameWindow(t *testing.T) {
	h := newHarness(t, autoParams())
	h.engine.cycles["ETH-15m"] = &AutoCycleState{
		Active:             true,
		NextLevel:          7,
		Direction:          market.DirectionUp,
		LastTradeWindowKey: h.window.Key(), // already traded this window
	}
	h.streaks.directions = upStreak(6)

	h.tick()
	assert.Empty(t, h.executor.requests)
}

func TestAutoCycleClosesAtMaxLevel(t *testing.T) {
	h := newHarness(t, autoParams())
	h.engine.cycles["ETH-15m"] = &AutoCycleState{
		Active:             true,
		NextLevel:          8,
		Direction:          market.DirectionUp,
		LastTradeWindowKey: market.PrevWindow(h.window, 900).Key(),
	}
	h.streaks.directions = upStreak(7)

	h.tick()
	require.Len(t, h.executor.requests, 1)
	assert.Equal(t, 8, h.executor.requests[0].Level)
	// base 10 * multiplier^2
	assert.True(t, h.executor.requests[0].Shares.Equal(decimal.NewFromInt(40)))

	cycle := h.engine.cycles["ETH-15m"]
	assert.False(t, cycle.Active)
	assert.Equal(t, 6, cycle.NextLevel)
}

func TestAutoCycleResetOnExecutionError(t *testing.T) {
	h := newHarness(t, autoParams())
	h.executor.err = errors.New("exchange unavailable")
	h.streaks.directions = upStreak(5)

	h.tick()

	cycle := h.engine.cycles["ETH-15m"]
	assert.False(t, cycle.Active)
	assert.Empty(t, h.store.trades)
	// Alert + submission notice + error message.
	assert.Contains(t, h.notifier.sent[len(h.notifier.sent)-1], "Auto-trading error")
}

func TestAutoCyclePriceGuardMessage(t *testing.T) {
	h := newHarness(t, autoParams())
	h.executor.err = fmt.Errorf("%w: 0.72 > max 0.65", exchange.ErrPriceGuard)
	h.streaks.directions = upStreak(5)

	h.tick()
	assert.Contains(t, h.notifier.sent[len(h.notifier.sent)-1], "price guard")
	assert.Empty(t, h.notifier.urgent)
}

func TestAutoCycleExitExhaustionIsUrgent(t *testing.T) {
	h := newHarness(t, autoParams())
	h.executor.err = fmt.Errorf("%w: 3 attempts", exchange.ErrExitLimitExhausted)
	h.streaks.directions = upStreak(5)

	h.tick()
	require.Len(t, h.notifier.urgent, 1)
	assert.Contains(t, h.notifier.urgent[0], "Exit limit retries exhausted")
}

func TestAutoCyclePendingLimitNotRegistered(t *testing.T) {
	h := newHarness(t, autoParams())
	h.executor.trade = &exchange.Trade{
		ID:    "t-pending",
		Stage: exchange.StageEntryPendingLimit,
	}
	h.streaks.directions = upStreak(5)

	h.tick()
	require.Len(t, h.executor.requests, 1)
	// Pending limit entries have no exit order to monitor.
	assert.Empty(t, h.store.trades)
}

func TestAutoTradeOncePerWindow(t *testing.T) {
	h := newHarness(t, autoParams())
	h.streaks.directions = upStreak(5)

	h.tick()
	require.Len(t, h.executor.requests, 1)

	// Flag set: no re-execution inside the same window even though the
	// conditions still hold.
	h.tick()
	assert.Len(t, h.executor.requests, 1)
}
