package history

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/pricesource"
)

// The store query over-fetches so the contiguity walk can skip rows newer
// than the expected epoch without running out of candidates.
const dbLookbackMultiplier = 4

// StoredRows is the persisted-store side of the dual streak source.
type StoredRows interface {
	ClosedRowsBefore(preset market.Preset, before time.Time, limit int, officialOnly bool) []market.Row
}

// RowFetcher is the broker re-query side of the dual streak source.
type RowFetcher interface {
	ClosedRowForWindow(ctx context.Context, preset market.Preset, w market.Window, opts pricesource.RowOptions) *market.Row
}

// Detector computes the contiguous run of closed-window directions
// immediately preceding the evaluation window.
type Detector struct {
	store     StoredRows
	fetcher   RowFetcher
	maxStreak int
}

func NewDetector(store StoredRows, fetcher RowFetcher, maxStreak int) *Detector {
	return &Detector{store: store, fetcher: fetcher, maxStreak: maxStreak}
}

// DirectionsFromRows walks rows (most-recent-first) backward from the window
// immediately before currentStart. The walk stops, without skipping, at a
// time gap, at a direction that fails to resolve, and implicitly at any row
// the caller filtered out for provenance. The current window's official open
// bridges the adjacent row's close; the bridge chain continues only through
// official opens.
func DirectionsFromRows(
	rows []market.Row,
	currentStart time.Time,
	windowSeconds int64,
	currentOpen *decimal.Decimal,
	currentOpenOfficial bool,
	limit int,
) []market.Direction {
	expectedEpoch := currentStart.Unix() - windowSeconds

	var nextOpen *decimal.Decimal
	if currentOpenOfficial && currentOpen != nil {
		nextOpen = currentOpen
	}

	var directions []market.Direction
	for _, row := range rows {
		rowEpoch := row.Window.Start.Unix()
		if rowEpoch > expectedEpoch {
			continue
		}
		if rowEpoch < expectedEpoch {
			// Gap: a missing window breaks the chain.
			break
		}

		closeFinal := row.Close
		if nextOpen != nil {
			closeFinal = nextOpen
		}
		var delta *decimal.Decimal
		if row.Open != nil && closeFinal != nil {
			d := closeFinal.Sub(*row.Open)
			delta = &d
		}
		direction := market.DirectionFromValues(row.Open, closeFinal, delta)
		if direction == market.DirectionUnknown {
			break
		}
		directions = append(directions, direction)
		if len(directions) >= limit {
			break
		}

		if row.OpenIsOfficial {
			nextOpen = row.Open
		} else {
			nextOpen = nil
		}
		expectedEpoch -= windowSeconds
	}
	return directions
}

// DirectionsFromStore reads the persisted rows (official provenance only)
// and walks them for the streak chain.
func (d *Detector) DirectionsFromStore(
	preset market.Preset,
	current market.Window,
	currentOpen *decimal.Decimal,
	currentOpenOfficial bool,
	limit int,
) []market.Direction {
	queryLimit := limit * dbLookbackMultiplier
	if queryLimit < limit {
		queryLimit = limit
	}
	rows := d.store.ClosedRowsBefore(preset, current.Start, queryLimit, true)
	return DirectionsFromRows(rows, current.Start, preset.WindowSeconds, currentOpen, currentOpenOfficial, limit)
}

// DirectionsFromAPI re-queries the broker window by window. Any missing or
// estimated window breaks the chain immediately; skipping would fabricate
// contiguity.
func (d *Detector) DirectionsFromAPI(
	ctx context.Context,
	preset market.Preset,
	current market.Window,
	currentOpen *decimal.Decimal,
	currentOpenOfficial bool,
	limit int,
) []market.Direction {
	var nextOpen *decimal.Decimal
	if currentOpenOfficial && currentOpen != nil {
		nextOpen = currentOpen
	}

	var directions []market.Direction
	for offset := 1; offset <= limit; offset++ {
		start := current.Start.Add(-time.Duration(int64(offset)*preset.WindowSeconds) * time.Second)
		w := market.Window{Start: start, End: start.Add(preset.Duration())}
		row := d.fetcher.ClosedRowForWindow(ctx, preset, w, pricesource.RowOptions{StrictOfficialOnly: true})
		if row == nil {
			break
		}
		if row.Estimated() {
			break
		}

		closeFinal := row.Close
		if nextOpen != nil {
			closeFinal = nextOpen
		}
		var delta *decimal.Decimal
		if row.Open != nil && closeFinal != nil {
			v := closeFinal.Sub(*row.Open)
			delta = &v
		}
		direction := market.DirectionFromValues(row.Open, closeFinal, delta)
		if direction == market.DirectionUnknown {
			break
		}
		directions = append(directions, direction)

		if row.OpenIsOfficial {
			nextOpen = row.Open
		} else {
			nextOpen = nil
		}
	}
	return directions
}

// RecentDirections computes both streak sources and keeps the longer
// contiguous chain, preferring the persisted store on ties. The broker side
// is only consulted when the store chain is shorter than the cap.
func (d *Detector) RecentDirections(
	ctx context.Context,
	preset market.Preset,
	current market.Window,
	currentOpen *decimal.Decimal,
	currentOpenOfficial bool,
) ([]market.Direction, string) {
	directions := d.DirectionsFromStore(preset, current, currentOpen, currentOpenOfficial, d.maxStreak)
	source := "DB"
	if len(directions) < d.maxStreak && d.fetcher != nil {
		api := d.DirectionsFromAPI(ctx, preset, current, currentOpen, currentOpenOfficial, d.maxStreak)
		if len(api) > len(directions) {
			directions = api
			source = "API"
		}
	}
	log.Debug().
		Str("market", preset.Key()).
		Str("source", source).
		Int("chain_len", len(directions)).
		Msg("Streak context")
	return directions, source
}

// CountConsecutive counts leading directions matching target, capped.
func CountConsecutive(directions []market.Direction, target market.Direction, max int) int {
	count := 0
	for _, dir := range directions {
		if dir != target {
			break
		}
		count++
		if max > 0 && count >= max {
			break
		}
	}
	return count
}
