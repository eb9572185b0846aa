package market

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction classifies a closed window. Empty means unresolved.
type Direction string

const (
	DirectionUp      Direction = "UP"
	DirectionDown    Direction = "DOWN"
	DirectionUnknown Direction = ""
)

// Price source labels. Only the broker's completed-session endpoint is
// official; everything else is a proxy of some kind.
const (
	SourcePolymarket   = "polymarket"
	SourceBinanceProxy = "binance_proxy"

	SourceOpenOfficial   = "open_official"
	SourceOpenEstimated  = "open_estimated"
	SourceOpenUnverified = "open_unverified"
	SourceOpenMissing    = "open_missing"

	SourceCloseOfficial     = "close_official"
	SourceCloseEstimated    = "close_estimated"
	SourceCloseUnverified   = "close_unverified"
	SourceCloseMissing      = "close_missing"
	SourceLastReadPrev      = "last_read_prev_window"
	SourceNextOpenBackfill  = "next_open_backfill"
	SourcePrevCloseBackfill = "prev_close_backfill"
	SourceNextOpenOfficial  = "next_open_official"
)

// Row is one reconciled window record: a merged view of every price
// observation seen for that window, with per-field provenance.
type Row struct {
	Window Window

	Open  *decimal.Decimal
	Close *decimal.Decimal
	Delta *decimal.Decimal

	// CloseAPI keeps the broker's original close when a bridge correction
	// replaces Close with the next window's official open.
	CloseAPI *decimal.Decimal

	OpenEstimated     bool
	CloseEstimated    bool
	CloseFromLastRead bool
	DeltaEstimated    bool
	OpenIsOfficial    bool
	CloseIsOfficial   bool

	OpenSource  string
	CloseSource string

	Direction Direction

	IntegrityDiff  *decimal.Decimal
	IntegrityAlert bool

	UpdatedAt time.Time
}

// DirectionFromValues derives the direction, preferring an explicit delta and
// falling back to close-open. UP covers the zero-delta case.
func DirectionFromValues(open, close, delta *decimal.Decimal) Direction {
	d := delta
	if d == nil && open != nil && close != nil {
		v := close.Sub(*open)
		d = &v
	}
	if d == nil {
		return DirectionUnknown
	}
	if d.IsNegative() {
		return DirectionDown
	}
	return DirectionUp
}

// SourceIsOfficial reports whether a fetch source label is the broker's
// canonical endpoint.
func SourceIsOfficial(source string) bool {
	return strings.ToLower(strings.TrimSpace(source)) == SourcePolymarket
}

// InferOpenSource labels an open value whose source was not recorded.
func InferOpenSource(open *decimal.Decimal, official, estimated bool) string {
	switch {
	case open == nil:
		return SourceOpenMissing
	case official:
		return SourceOpenOfficial
	case estimated:
		return SourceOpenEstimated
	default:
		return SourceOpenUnverified
	}
}

// InferCloseSource labels a close value whose source was not recorded.
func InferCloseSource(close *decimal.Decimal, official, estimated, fromLastRead bool) string {
	switch {
	case close == nil:
		return SourceCloseMissing
	case fromLastRead:
		return SourceLastReadPrev
	case official:
		return SourceCloseOfficial
	case estimated:
		return SourceCloseEstimated
	default:
		return SourceCloseUnverified
	}
}

// Provisional reports whether the row still carries any non-official field.
// Provisional rows are good enough for display but not for alert streaks.
func (r *Row) Provisional() bool {
	if r.Open == nil || r.Close == nil {
		return true
	}
	return !(r.OpenIsOfficial && r.CloseIsOfficial)
}

// Estimated reports whether any field of the row is estimated or carried
// over from a live read.
func (r *Row) Estimated() bool {
	return r.OpenEstimated || r.CloseEstimated || r.DeltaEstimated || r.CloseFromLastRead
}

// Recompute refreshes delta and direction after open/close changed.
func (r *Row) Recompute() {
	if r.Open != nil && r.Close != nil {
		v := r.Close.Sub(*r.Open)
		r.Delta = &v
		r.DeltaEstimated = r.OpenEstimated || r.CloseEstimated
	} else {
		r.Delta = nil
	}
	r.Direction = DirectionFromValues(r.Open, r.Close, r.Delta)
}

// DecimalPtr is a small helper for building optional prices.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
