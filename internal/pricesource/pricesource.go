package pricesource

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/broker"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
)

// Open price source labels, in precedence order.
const (
	OpenSourceOpen         = "OPEN"
	OpenSourceOpenProxy    = "OPEN_PROXY"
	OpenSourcePrevClose    = "PREV_CLOSE"
	OpenSourceLastReadPrev = "LAST_READ_PREV_WINDOW"
	OpenSourceClose        = "CLOSE"
	OpenSourceCloseProxy   = "CLOSE_PROXY"
)

// Live price source labels.
const (
	LiveSourceFeed          = "RTDS"
	LiveSourceAPIClose      = "API_CLOSE"
	LiveSourceAPICloseProxy = "API_CLOSE_PROXY"
	LiveSourceAPIOpen       = "API_OPEN"
	LiveSourceAPIOpenProxy  = "API_OPEN_PROXY"
	LiveSourceBinanceClose  = "BINANCE_CLOSE"
	LiveSourceBinanceOpen   = "BINANCE_OPEN"
	LiveSourceNone          = "NONE"
)

// Broker is the primary market-data collaborator.
type Broker interface {
	WindowOpenClose(ctx context.Context, q broker.WindowQuery) (broker.OpenClose, error)
}

// RecordStore is the slice of the persisted store the resolver reads.
type RecordStore interface {
	CloseForWindow(preset market.Preset, windowStart time.Time) *decimal.Decimal
	LastLiveRead(preset market.Preset, windowStart time.Time) *decimal.Decimal
}

// LiveFeed exposes the freshest live read per normalized symbol.
type LiveFeed interface {
	Snapshot(symbol string) (decimal.Decimal, time.Time, bool)
}

// Resolver implements the price source fallback chains. Every result
// carries a provenance label; callers must treat proxy labels as
// display-only, never as official.
type Resolver struct {
	broker     Broker
	store      RecordStore
	feed       LiveFeed
	retries    int
	maxLiveAge time.Duration
}

func NewResolver(b Broker, s RecordStore, f LiveFeed, retries, maxLiveAgeSeconds int) *Resolver {
	if retries < 1 {
		retries = 1
	}
	return &Resolver{
		broker:     b,
		store:      s,
		feed:       f,
		retries:    retries,
		maxLiveAge: time.Duration(maxLiveAgeSeconds) * time.Second,
	}
}

// ResolveOpen resolves the open price for a window with strict precedence:
// the broker's own open, the previous window's close (persisted, then
// re-fetched), the last live read from the previous window, and finally the
// broker's close as a labeled last resort.
func (r *Resolver) ResolveOpen(ctx context.Context, preset market.Preset, w market.Window) (*decimal.Decimal, string) {
	var closeCandidate *decimal.Decimal
	closeCandidateOfficial := false

	for attempt := 0; attempt < r.retries; attempt++ {
		oc, err := r.broker.WindowOpenClose(ctx, broker.WindowQuery{
			Window:  w,
			Symbol:  preset.Symbol,
			Variant: preset.Variant,
			Strict:  true,
		})
		if err != nil {
			continue
		}
		if oc.Open != nil {
			if market.SourceIsOfficial(oc.Source) {
				return oc.Open, OpenSourceOpen
			}
			return oc.Open, OpenSourceOpenProxy
		}
		if closeCandidate == nil && oc.Close != nil {
			closeCandidate = oc.Close
			closeCandidateOfficial = market.SourceIsOfficial(oc.Source)
		}
	}

	prev := market.PrevWindow(w, preset.WindowSeconds)
	prevClose := r.store.CloseForWindow(preset, prev.Start)
	if prevClose == nil {
		prevClose = r.prevCloseViaAPI(ctx, preset, prev)
	}
	if prevClose != nil {
		return prevClose, OpenSourcePrevClose
	}

	// Only the immediate previous window's last read is usable here; an
	// older read could invert the live delta sign.
	if lastRead := r.store.LastLiveRead(preset, prev.Start); lastRead != nil {
		return lastRead, OpenSourceLastReadPrev
	}

	if closeCandidate != nil {
		if closeCandidateOfficial {
			return closeCandidate, OpenSourceClose
		}
		return closeCandidate, OpenSourceCloseProxy
	}
	return nil, ""
}

func (r *Resolver) prevCloseViaAPI(ctx context.Context, preset market.Preset, prev market.Window) *decimal.Decimal {
	for attempt := 0; attempt < r.retries; attempt++ {
		oc, err := r.broker.WindowOpenClose(ctx, broker.WindowQuery{
			Window:           prev,
			Symbol:           preset.Symbol,
			Variant:          preset.Variant,
			Strict:           true,
			RequireCompleted: true,
		})
		if err != nil {
			continue
		}
		if oc.Close != nil {
			return oc.Close
		}
	}
	return nil
}

// FreshLivePrice returns the shared feed value for this preset when its age
// is within the freshness bound.
func (r *Resolver) FreshLivePrice(preset market.Preset, now time.Time) (*decimal.Decimal, *time.Time) {
	for _, sym := range preset.TargetSymbols() {
		price, ts, ok := r.feed.Snapshot(sym)
		if !ok {
			continue
		}
		age := now.Sub(ts)
		if age < 0 {
			age = 0
		}
		if age > r.maxLiveAge {
			continue
		}
		return &price, &ts
	}
	return nil, nil
}

// ResolveLive resolves a current price with precedence: fresh feed value,
// broker close then open for the in-progress window, and (1h only) the
// Binance reference as last resort.
func (r *Resolver) ResolveLive(ctx context.Context, preset market.Preset, w market.Window, now time.Time) (*decimal.Decimal, *time.Time, string) {
	if price, ts := r.FreshLivePrice(preset, now); price != nil {
		return price, ts, LiveSourceFeed
	}

	oneHour := preset.Timeframe == "1h"
	oc, err := r.broker.WindowOpenClose(ctx, broker.WindowQuery{
		Window:             w,
		Symbol:             preset.Symbol,
		Variant:            preset.Variant,
		Strict:             true,
		AllowProxyFallback: oneHour,
	})
	if err != nil {
		return r.liveBinanceProxy(ctx, preset, w)
	}

	proxy := !market.SourceIsOfficial(oc.Source)
	binance := oc.Source == market.SourceBinanceProxy
	if oc.Close != nil {
		switch {
		case binance:
			return oc.Close, nil, LiveSourceBinanceClose
		case proxy:
			return oc.Close, nil, LiveSourceAPICloseProxy
		default:
			return oc.Close, nil, LiveSourceAPIClose
		}
	}
	if oc.Open != nil {
		switch {
		case binance:
			return oc.Open, nil, LiveSourceBinanceOpen
		case proxy:
			return oc.Open, nil, LiveSourceAPIOpenProxy
		default:
			return oc.Open, nil, LiveSourceAPIOpen
		}
	}
	return r.liveBinanceProxy(ctx, preset, w)
}

func (r *Resolver) liveBinanceProxy(ctx context.Context, preset market.Preset, w market.Window) (*decimal.Decimal, *time.Time, string) {
	if preset.Timeframe != "1h" {
		return nil, nil, LiveSourceNone
	}
	oc, err := r.broker.WindowOpenClose(ctx, broker.WindowQuery{
		Window:             w,
		Symbol:             preset.Symbol,
		Variant:            preset.Variant,
		AllowProxyFallback: true,
	})
	if err != nil {
		return nil, nil, LiveSourceNone
	}
	if oc.Close != nil {
		return oc.Close, nil, LiveSourceBinanceClose
	}
	if oc.Open != nil {
		return oc.Open, nil, LiveSourceBinanceOpen
	}
	return nil, nil, LiveSourceNone
}

// RowOptions controls how ClosedRowForWindow builds a row.
type RowOptions struct {
	// StrictOfficialOnly rejects rows with any non-official field, which
	// is what alert-grade streak evaluation needs.
	StrictOfficialOnly bool
	// AllowLastRead lets the persisted last live read stand in for a
	// missing close, flagged accordingly.
	AllowLastRead bool
	// AllowExternal enables the Binance reference for 1h windows.
	AllowExternal bool
}

// ClosedRowForWindow reconciles one closed window into a row, or returns nil
// when nothing resolvable was found.
func (r *Resolver) ClosedRowForWindow(ctx context.Context, preset market.Preset, w market.Window, opts RowOptions) *market.Row {
	for attempt := 0; attempt < r.retries; attempt++ {
		oc, err := r.broker.WindowOpenClose(ctx, broker.WindowQuery{
			Window:             w,
			Symbol:             preset.Symbol,
			Variant:            preset.Variant,
			Strict:             true,
			RequireCompleted:   true,
			AllowProxyFallback: opts.AllowExternal && preset.Timeframe == "1h",
		})
		if err != nil {
			continue
		}
		official := market.SourceIsOfficial(oc.Source)
		if opts.StrictOfficialOnly && (!official || oc.Open == nil || oc.Close == nil) {
			return nil
		}
		row := market.Row{
			Window:          w,
			Open:            oc.Open,
			Close:           oc.Close,
			OpenIsOfficial:  official && oc.Open != nil,
			CloseIsOfficial: official && oc.Close != nil,
			OpenEstimated:   !official && oc.Open != nil,
			CloseEstimated:  !official && oc.Close != nil,
		}
		if official {
			row.OpenSource = market.SourcePolymarket
			row.CloseSource = market.SourcePolymarket
		} else {
			row.OpenSource = oc.Source
			row.CloseSource = oc.Source
		}
		row.Recompute()
		return &row
	}

	if opts.AllowLastRead {
		if lastRead := r.store.LastLiveRead(preset, w.Start); lastRead != nil {
			row := market.Row{
				Window:            w,
				Close:             lastRead,
				CloseFromLastRead: true,
				CloseSource:       market.SourceLastReadPrev,
			}
			row.Recompute()
			return &row
		}
	}
	return nil
}
