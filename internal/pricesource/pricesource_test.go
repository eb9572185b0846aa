package pricesource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/broker"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
)

var (
	testPreset = market.MustPreset("ETH", "15m")
	testNow    = time.Date(2025, 3, 14, 10, 5, 0, 0, time.UTC)
)

func testWindow() market.Window {
	return market.WindowAt(testNow, testPreset.WindowSeconds)
}

type fakeBroker struct {
	// responses keyed by window start epoch
	byEpoch map[int64]broker.OpenClose
	err     error
	calls   []broker.WindowQuery
}

func (f *fakeBroker) WindowOpenClose(_ context.Context, q broker.WindowQuery) (broker.OpenClose, error) {
	f.calls = append(f.calls, q)
	if f.err != nil {
		return broker.OpenClose{}, f.err
	}
	return f.byEpoch[q.Window.Start.Unix()], nil
}

type fakeRecordStore struct {
	closes    map[int64]*decimal.Decimal
	lastReads map[int64]*decimal.Decimal
}

func (f *fakeRecordStore) CloseForWindow(_ market.Preset, start time.Time) *decimal.Decimal {
	return f.closes[start.Unix()]
}

func (f *fakeRecordStore) LastLiveRead(_ market.Preset, start time.Time) *decimal.Decimal {
	return f.lastReads[start.Unix()]
}

type fakeFeed struct {
	price decimal.Decimal
	ts    time.Time
	ok    bool
}

func (f *fakeFeed) Snapshot(string) (decimal.Decimal, time.Time, bool) {
	return f.price, f.ts, f.ok
}

func dec(v float64) *decimal.Decimal {
	return market.DecimalPtr(decimal.NewFromFloat(v))
}

func emptyStore() *fakeRecordStore {
	return &fakeRecordStore{closes: map[int64]*decimal.Decimal{}, lastReads: map[int64]*decimal.Decimal{}}
}

func TestResolveOpenDirectOfficial(t *testing.T) {
	w := testWindow()
	b := &fakeBroker{byEpoch: map[int64]broker.OpenClose{
		w.Start.Unix(): {Open: dec(100), Source: market.SourcePolymarket},
	}}
	r := NewResolver(b, emptyStore(), &fakeFeed{}, 2, 30)

	open, source := r.ResolveOpen(context.Background(), testPreset, w)
	require.NotNil(t, open)
	assert.True(t, open.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, OpenSourceOpen, source)
}

func TestResolveOpenProxyLabeled(t *testing.T) {
	w := testWindow()
	b := &fakeBroker{byEpoch: map[int64]broker.OpenClose{
		w.Start.Unix(): {Open: dec(100), Source: market.SourceBinanceProxy},
	}}
	r := NewResolver(b, emptyStore(), &fakeFeed{}, 1, 30)

	_, source := r.ResolveOpen(context.Background(), testPreset, w)
	assert.Equal(t, OpenSourceOpenProxy, source)
}

func TestResolveOpenFallsBackToStoredPrevClose(t *testing.T) {
	w := testWindow()
	prev := market.PrevWindow(w, testPreset.WindowSeconds)
	s := emptyStore()
	s.closes[prev.Start.Unix()] = dec(99.5)

	r := NewResolver(&fakeBroker{byEpoch: map[int64]broker.OpenClose{}}, s, &fakeFeed{}, 1, 30)

	open, source := r.ResolveOpen(context.Background(), testPreset, w)
	require.NotNil(t, open)
	assert.True(t, open.Equal(decimal.NewFromFloat(99.5)))
	assert.Equal(t, OpenSourcePrevClose, source)
}

func TestResolveOpenRefetchesPrevClose(t *testing.T) {
	w := testWindow()
	prev := market.PrevWindow(w, testPreset.WindowSeconds)
	b := &fakeBroker{byEpoch: map[int64]broker.OpenClose{
		prev.Start.Unix(): {Close: dec(99.2), Completed: true, Source: market.SourcePolymarket},
	}}
	r := NewResolver(b, emptyStore(), &fakeFeed{}, 1, 30)

	open, source := r.ResolveOpen(context.Background(), testPreset, w)
	require.NotNil(t, open)
	assert.True(t, open.Equal(decimal.NewFromFloat(99.2)))
	assert.Equal(t, OpenSourcePrevClose, source)
}

func TestResolveOpenUsesPrevWindowLastRead(t *testing.T) {
	w := testWindow()
	prev := market.PrevWindow(w, testPreset.WindowSeconds)
	s := emptyStore()
	s.lastReads[prev.Start.Unix()] = dec(99.9)

	r := NewResolver(&fakeBroker{byEpoch: map[int64]broker.OpenClose{}}, s, &fakeFeed{}, 1, 30)

	open, source := r.ResolveOpen(context.Background(), testPreset, w)
	require.NotNil(t, open)
	assert.Equal(t, OpenSourceLastReadPrev, source)
}

func TestResolveOpenCloseIsLastResort(t *testing.T) {
	w := testWindow()
	b := &fakeBroker{byEpoch: map[int64]broker.OpenClose{
		w.Start.Unix(): {Close: dec(100.3), Source: market.SourcePolymarket},
	}}
	r := NewResolver(b, emptyStore(), &fakeFeed{}, 1, 30)

	open, source := r.ResolveOpen(context.Background(), testPreset, w)
	require.NotNil(t, open)
	assert.Equal(t, OpenSourceClose, source)
}

func TestResolveOpenNothingResolvable(t *testing.T) {
	r := NewResolver(&fakeBroker{err: errors.New("down")}, emptyStore(), &fakeFeed{}, 2, 30)

	open, source := r.ResolveOpen(context.Background(), testPreset, testWindow())
	assert.Nil(t, open)
	assert.Empty(t, source)
}

func TestFreshLivePriceAgeBound(t *testing.T) {
	feed := &fakeFeed{price: decimal.NewFromInt(101), ts: testNow.Add(-10 * time.Second), ok: true}
	r := NewResolver(&fakeBroker{}, emptyStore(), feed, 1, 30)

	price, ts := r.FreshLivePrice(testPreset, testNow)
	require.NotNil(t, price)
	require.NotNil(t, ts)

	// Stale reads are rejected.
	feed.ts = testNow.Add(-31 * time.Second)
	price, _ = r.FreshLivePrice(testPreset, testNow)
	assert.Nil(t, price)
}

func TestResolveLivePrefersFeed(t *testing.T) {
	w := testWindow()
	feed := &fakeFeed{price: decimal.NewFromFloat(101.5), ts: testNow.Add(-2 * time.Second), ok: true}
	b := &fakeBroker{byEpoch: map[int64]broker.OpenClose{
		w.Start.Unix(): {Close: dec(200), Source: market.SourcePolymarket},
	}}
	r := NewResolver(b, emptyStore(), feed, 1, 30)

	price, ts, source := r.ResolveLive(context.Background(), testPreset, w, testNow)
	require.NotNil(t, price)
	assert.True(t, price.Equal(decimal.NewFromFloat(101.5)))
	assert.NotNil(t, ts)
	assert.Equal(t, LiveSourceFeed, source)
	assert.Empty(t, b.calls)
}

func TestResolveLiveFallsBackToAPIClose(t *testing.T) {
	w := testWindow()
	b := &fakeBroker{byEpoch: map[int64]broker.OpenClose{
		w.Start.Unix(): {Close: dec(100.7), Source: market.SourcePolymarket},
	}}
	r := NewResolver(b, emptyStore(), &fakeFeed{}, 1, 30)

	price, ts, source := r.ResolveLive(context.Background(), testPreset, w, testNow)
	require.NotNil(t, price)
	assert.Nil(t, ts)
	assert.Equal(t, LiveSourceAPIClose, source)
}

func TestResolveLiveProxyLabels(t *testing.T) {
	w := testWindow()
	b := &fakeBroker{byEpoch: map[int64]broker.OpenClose{
		w.Start.Unix(): {Open: dec(100.1), Source: "coinbase"},
	}}
	r := NewResolver(b, emptyStore(), &fakeFeed{}, 1, 30)

	_, _, source := r.ResolveLive(context.Background(), testPreset, w, testNow)
	assert.Equal(t, LiveSourceAPIOpenProxy, source)
}

func TestResolveLiveBinanceOnlyForOneHour(t *testing.T) {
	// A 15m preset gets no Binance last resort.
	r := NewResolver(&fakeBroker{err: errors.New("down")}, emptyStore(), &fakeFeed{}, 1, 30)
	price, _, source := r.ResolveLive(context.Background(), testPreset, testWindow(), testNow)
	assert.Nil(t, price)
	assert.Equal(t, LiveSourceNone, source)
}

func TestClosedRowForWindowOfficial(t *testing.T) {
	w := testWindow()
	b := &fakeBroker{byEpoch: map[int64]broker.OpenClose{
		w.Start.Unix(): {Open: dec(100), Close: dec(101), Completed: true, Source: market.SourcePolymarket},
	}}
	r := NewResolver(b, emptyStore(), &fakeFeed{}, 1, 30)

	row := r.ClosedRowForWindow(context.Background(), testPreset, w, RowOptions{StrictOfficialOnly: true})
	require.NotNil(t, row)
	assert.True(t, row.OpenIsOfficial)
	assert.True(t, row.CloseIsOfficial)
	assert.Equal(t, market.DirectionUp, row.Direction)
}

func TestClosedRowForWindowStrictRejectsProxy(t *testing.T) {
	w := testWindow()
	b := &fakeBroker{byEpoch: map[int64]broker.OpenClose{
		w.Start.Unix(): {Open: dec(100), Close: dec(101), Completed: true, Source: market.SourceBinanceProxy},
	}}
	r := NewResolver(b, emptyStore(), &fakeFeed{}, 1, 30)

	row := r.ClosedRowForWindow(context.Background(), testPreset, w, RowOptions{StrictOfficialOnly: true})
	assert.Nil(t, row)

	// Without strictness the proxy row comes back flagged estimated.
	row = r.ClosedRowForWindow(context.Background(), testPreset, w, RowOptions{})
	require.NotNil(t, row)
	assert.True(t, row.Estimated())
	assert.False(t, row.OpenIsOfficial)
}

func TestClosedRowForWindowLastReadFallback(t *testing.T) {
	w := testWindow()
	s := emptyStore()
	s.lastReads[w.Start.Unix()] = dec(100.9)
	r := NewResolver(&fakeBroker{err: errors.New("down")}, s, &fakeFeed{}, 1, 30)

	row := r.ClosedRowForWindow(context.Background(), testPreset, w, RowOptions{AllowLastRead: true})
	require.NotNil(t, row)
	assert.True(t, row.CloseFromLastRead)
	assert.Equal(t, market.SourceLastReadPrev, row.CloseSource)
	assert.Nil(t, row.Open)
}
