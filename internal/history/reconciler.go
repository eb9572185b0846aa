package history

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/pricesource"
)

// RowStore is the persisted side the reconciler reads and writes.
type RowStore interface {
	ClosedRowsBefore(preset market.Preset, before time.Time, limit int, officialOnly bool) []market.Row
	UpsertRow(preset market.Preset, row market.Row)
}

// Reconciler assembles the recent closed windows from store and broker,
// repairs them (backfill + bridge correction) and writes the repaired rows
// back. The store's merge keeps official provenance monotonic, so a repair
// can never downgrade a confirmed value.
type Reconciler struct {
	store     RowStore
	fetcher   RowFetcher
	lookback  int
	tolerance decimal.Decimal
}

func NewReconciler(store RowStore, fetcher RowFetcher, lookback int, tolerance decimal.Decimal) *Reconciler {
	if lookback < 1 {
		lookback = 1
	}
	return &Reconciler{store: store, fetcher: fetcher, lookback: lookback, tolerance: tolerance}
}

// Reconcile repairs the lookback windows immediately preceding the current
// one and persists the result. Returns the repaired rows, most recent
// first. Windows that resolve nowhere stay absent; the streak walk treats
// them as gaps.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	preset market.Preset,
	current market.Window,
	currentOpen *decimal.Decimal,
	currentOpenOfficial bool,
) []*market.Row {
	stored := r.store.ClosedRowsBefore(preset, current.Start, r.lookback*dbLookbackMultiplier, false)
	byEpoch := make(map[int64]*market.Row, len(stored))
	for i := range stored {
		row := stored[i]
		byEpoch[row.Window.Start.Unix()] = &row
	}

	var rows []*market.Row
	for offset := 1; offset <= r.lookback; offset++ {
		start := current.Start.Add(-time.Duration(int64(offset)*preset.WindowSeconds) * time.Second)
		if row, ok := byEpoch[start.Unix()]; ok {
			rows = append(rows, row)
			continue
		}
		if r.fetcher == nil {
			continue
		}
		w := market.Window{Start: start, End: start.Add(preset.Duration())}
		row := r.fetcher.ClosedRowForWindow(ctx, preset, w, pricesource.RowOptions{
			AllowLastRead: true,
			AllowExternal: true,
		})
		if row != nil {
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return nil
	}

	Backfill(rows)
	ApplyCloseIntegrityCorrections(rows, &current, currentOpen, currentOpenOfficial, r.tolerance)

	alerts := 0
	for _, row := range rows {
		if row.IntegrityAlert {
			alerts++
		}
		r.store.UpsertRow(preset, *row)
	}
	if alerts > 0 {
		log.Info().
			Str("market", preset.Key()).
			Int("integrity_alerts", alerts).
			Msg("Close integrity corrections above tolerance")
	}
	return rows
}
