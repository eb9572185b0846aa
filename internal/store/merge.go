package store

import (
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
)

// MergeRow merges a candidate observation into an existing row for the same
// window. Each of open and close is kept independently: a candidate only
// wins if it improves provenance (missing -> present, non-official ->
// official) or the existing field is missing. An official existing value is
// never replaced by a non-official candidate. Returns the merged row and
// whether it is writable (a row without a close is not persisted).
func MergeRow(existing *market.Row, candidate market.Row) (market.Row, bool) {
	row := candidate
	normalizeCandidate(&row)

	if existing != nil {
		// Keep existing non-null values when the candidate is null.
		if row.Open == nil && existing.Open != nil {
			row.Open = existing.Open
			row.OpenEstimated = existing.OpenEstimated
			row.OpenIsOfficial = existing.OpenIsOfficial
			row.OpenSource = existing.OpenSource
			if row.OpenSource == "" {
				row.OpenSource = market.InferOpenSource(existing.Open, existing.OpenIsOfficial, existing.OpenEstimated)
			}
		}
		if row.Close == nil && existing.Close != nil {
			row.Close = existing.Close
			row.CloseEstimated = existing.CloseEstimated
			row.CloseFromLastRead = existing.CloseFromLastRead
			row.CloseIsOfficial = existing.CloseIsOfficial
			row.CloseSource = existing.CloseSource
			if row.CloseSource == "" {
				row.CloseSource = market.InferCloseSource(existing.Close, existing.CloseIsOfficial, existing.CloseEstimated, existing.CloseFromLastRead)
			}
		}

		// Never degrade an official value to proxy/unverified.
		if existing.OpenIsOfficial && !row.OpenIsOfficial && existing.Open != nil {
			row.Open = existing.Open
			row.OpenEstimated = existing.OpenEstimated
			row.OpenIsOfficial = true
			row.OpenSource = existing.OpenSource
			if row.OpenSource == "" {
				row.OpenSource = market.SourcePolymarket
			}
		}
		if existing.CloseIsOfficial && !row.CloseIsOfficial && existing.Close != nil {
			row.Close = existing.Close
			row.CloseEstimated = existing.CloseEstimated
			row.CloseFromLastRead = existing.CloseFromLastRead
			row.CloseIsOfficial = true
			row.CloseSource = existing.CloseSource
			if row.CloseSource == "" {
				row.CloseSource = market.SourcePolymarket
			}
		}

		// Carry the stored delta only when open and close are unchanged.
		if row.Delta == nil && existing.Delta != nil {
			sameOpen := row.Open != nil && existing.Open != nil && row.Open.Equal(*existing.Open)
			sameClose := row.Close != nil && existing.Close != nil && row.Close.Equal(*existing.Close)
			if sameOpen && sameClose {
				row.Delta = existing.Delta
				row.DeltaEstimated = existing.DeltaEstimated
			}
		}
	}

	if row.Close == nil {
		return row, false
	}
	if row.Delta == nil && row.Open != nil {
		v := row.Close.Sub(*row.Open)
		row.Delta = &v
	}
	if row.Open != nil {
		row.DeltaEstimated = row.DeltaEstimated || row.OpenEstimated || row.CloseEstimated
	}
	row.Direction = market.DirectionFromValues(row.Open, row.Close, row.Delta)
	return row, true
}

// normalizeCandidate fills in source labels and squares the official flags
// with them before the merge.
func normalizeCandidate(row *market.Row) {
	if row.OpenSource == "" {
		row.OpenSource = market.InferOpenSource(row.Open, row.OpenIsOfficial, row.OpenEstimated)
	}
	if row.CloseSource == "" {
		row.CloseSource = market.InferCloseSource(row.Close, row.CloseIsOfficial, row.CloseEstimated, row.CloseFromLastRead)
	}
	if market.SourceIsOfficial(row.OpenSource) {
		row.OpenEstimated = false
		row.OpenIsOfficial = row.Open != nil
	}
	if market.SourceIsOfficial(row.CloseSource) {
		row.CloseEstimated = false
		row.CloseFromLastRead = false
		row.CloseIsOfficial = row.Close != nil
	}
}

// ShouldReplaceCached decides whether a freshly fetched row should replace a
// cached one. It mirrors the merge's provenance ordering: official beats
// non-official, present beats missing, confirmed beats estimated, and a
// last-read close never replaces a real one.
func ShouldReplaceCached(existing, candidate *market.Row) bool {
	if existing == nil {
		return true
	}

	if existing.OpenIsOfficial && !candidate.OpenIsOfficial {
		return false
	}
	if existing.CloseIsOfficial && !candidate.CloseIsOfficial {
		return false
	}
	if candidate.Open != nil && candidate.OpenIsOfficial && !existing.OpenIsOfficial {
		return true
	}
	if candidate.Close != nil && candidate.CloseIsOfficial && !existing.CloseIsOfficial {
		return true
	}

	if existing.Open == nil && candidate.Open != nil {
		return true
	}
	if candidate.Open != nil && existing.Open != nil && existing.OpenEstimated && !candidate.OpenEstimated {
		return true
	}

	if candidate.Close == nil {
		return false
	}
	if existing.Close == nil {
		return true
	}
	if existing.CloseEstimated && !candidate.CloseEstimated {
		return true
	}
	if existing.CloseFromLastRead && !candidate.CloseFromLastRead {
		return true
	}
	if candidate.CloseFromLastRead && !existing.CloseFromLastRead {
		return false
	}

	if existing.Delta == nil && candidate.Delta != nil {
		return true
	}
	if candidate.Delta != nil && existing.Delta != nil && existing.DeltaEstimated && !candidate.DeltaEstimated {
		return true
	}
	return false
}
