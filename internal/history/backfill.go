// Package history repairs and evaluates sequences of closed windows: it
// backfills gaps between adjacent windows, retroactively corrects closes
// from the next window's confirmed open, and counts direction streaks.
package history

import (
	"github.com/shopspring/decimal"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
)

// Backfill repairs an ordered (most-recent-first) run of rows in place.
// A missing close is borrowed from the adjacent newer window's open, and a
// missing open from the adjacent older window's close; both borrowed values
// stay non-official. The pass is idempotent: running it twice produces the
// same rows.
func Backfill(rows []*market.Row) {
	if len(rows) == 0 {
		return
	}

	// Adjacent market continuity: close(older) ~= open(newer).
	for i := 1; i < len(rows); i++ {
		newer := rows[i-1]
		older := rows[i]
		if !Contiguous(older, newer) {
			continue
		}

		if older.Close == nil && newer.Open != nil {
			older.Close = newer.Open
			older.CloseEstimated = true
			older.CloseFromLastRead = false
			older.CloseIsOfficial = false
			older.CloseSource = market.SourceNextOpenBackfill
		}
		if newer.Open == nil && older.Close != nil {
			newer.Open = older.Close
			newer.OpenEstimated = true
			newer.OpenIsOfficial = false
			newer.OpenSource = market.SourcePrevCloseBackfill
		}
	}

	// Prefer direct delta (close - open).
	for _, row := range rows {
		if row.Delta != nil {
			continue
		}
		if row.Open == nil || row.Close == nil {
			continue
		}
		d := row.Close.Sub(*row.Open)
		row.Delta = &d
		if row.OpenEstimated || row.CloseEstimated {
			row.DeltaEstimated = true
		}
		row.Direction = market.DirectionFromValues(row.Open, row.Close, row.Delta)
	}

	// If delta is still missing, derive it from the previous closed session.
	for i := 0; i < len(rows)-1; i++ {
		row := rows[i]
		if row.Delta != nil {
			continue
		}
		if row.Close == nil || rows[i+1].Close == nil {
			continue
		}
		prevClose := rows[i+1].Close
		d := row.Close.Sub(*prevClose)
		row.Delta = &d
		row.DeltaEstimated = true
		if row.Open == nil {
			row.Open = prevClose
			row.OpenEstimated = true
			row.OpenIsOfficial = false
			row.OpenSource = market.SourcePrevCloseBackfill
		}
		row.Direction = market.DirectionFromValues(row.Open, row.Close, row.Delta)
	}
}

// Contiguous reports whether two rows are time-adjacent: the older window
// ends exactly where the newer one starts.
func Contiguous(older, newer *market.Row) bool {
	if older.Window.End.IsZero() || newer.Window.Start.IsZero() {
		return false
	}
	return older.Window.End.Unix() == newer.Window.Start.Unix()
}

// ApplyCloseIntegrityCorrections walks a most-recent-first run of closed
// rows and replaces each close with the next window's confirmed official
// open (bridge correction), recording the diff against the broker's
// original close and raising the integrity alert when it exceeds the
// tolerance. The chain continues backward only through consecutive windows
// whose own open is official; it breaks at the first non-official open.
// Afterward delta and direction are recomputed everywhere.
func ApplyCloseIntegrityCorrections(
	rows []*market.Row,
	current *market.Window,
	currentOpen *decimal.Decimal,
	currentOpenOfficial bool,
	tolerance decimal.Decimal,
) {
	if len(rows) == 0 {
		return
	}

	for _, row := range rows {
		if row.CloseAPI == nil {
			row.CloseAPI = row.Close
		}
		if row.OpenSource == "" {
			row.OpenSource = market.InferOpenSource(row.Open, row.OpenIsOfficial, row.OpenEstimated)
		}
		if row.CloseSource == "" {
			row.CloseSource = market.InferCloseSource(row.Close, row.CloseIsOfficial, row.CloseEstimated, row.CloseFromLastRead)
		}
	}

	var nextOpen *decimal.Decimal
	var nextOpenStart int64
	if currentOpenOfficial && currentOpen != nil && current != nil {
		nextOpen = currentOpen
		nextOpenStart = current.Start.Unix()
	}

	for _, row := range rows {
		bridge := nextOpen != nil && row.Window.End.Unix() == nextOpenStart

		if bridge {
			closeAPI := row.CloseAPI
			row.Close = nextOpen
			row.CloseSource = market.SourceNextOpenOfficial
			row.CloseEstimated = false
			row.CloseFromLastRead = false
			row.CloseIsOfficial = true

			if closeAPI != nil {
				diff := closeAPI.Sub(*nextOpen).Abs()
				row.IntegrityDiff = &diff
				row.IntegrityAlert = diff.GreaterThan(tolerance)
			} else {
				row.IntegrityDiff = nil
				row.IntegrityAlert = false
			}
		} else {
			nextOpen = nil
		}

		if row.Open != nil && row.OpenIsOfficial {
			nextOpen = row.Open
			nextOpenStart = row.Window.Start.Unix()
		} else {
			nextOpen = nil
		}
	}

	for _, row := range rows {
		row.Recompute()
	}
}
