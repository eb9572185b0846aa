package store

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
)

const (
	fallbackCacheTTL = 6 * time.Hour
	fallbackCacheMax = 512
)

// Store persists window records, last live reads, one-shot window flags and
// the in-flight trade registry. When the backing database is unavailable it
// degrades silently to an in-memory cache; every failure site is logged once
// per (location, error) so a dead database does not flood the logs.
type Store struct {
	db      *gorm.DB
	enabled bool
	cache   *rowCache
	once    *onceLogger
}

// Models

// WindowRecord is one reconciled row per (series, window start).
type WindowRecord struct {
	ID                uint      `gorm:"primaryKey;autoIncrement"`
	SeriesSlug        string    `gorm:"index:idx_series_window,unique"`
	WindowStartUTC    time.Time `gorm:"index:idx_series_window,unique"`
	WindowEndUTC      time.Time
	OpenUSD           decimal.NullDecimal `gorm:"type:decimal(20,8)"`
	CloseUSD          decimal.NullDecimal `gorm:"type:decimal(20,8)"`
	DeltaUSD          decimal.NullDecimal `gorm:"type:decimal(20,8)"`
	Direction         string
	OpenEstimated     bool
	CloseEstimated    bool
	CloseFromLastRead bool
	DeltaEstimated    bool
	OpenIsOfficial    bool
	CloseIsOfficial   bool
	OpenSource        string
	CloseSource       string
	UpdatedAt         time.Time
}

// LiveWindowRead keeps the freshest live-feed read seen inside a window, so
// the open-price fallback chain can use it after a restart.
type LiveWindowRead struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	SeriesSlug     string    `gorm:"index:idx_series_read,unique"`
	WindowStartUTC time.Time `gorm:"index:idx_series_read,unique"`
	WindowEndUTC   time.Time
	PriceUSD       decimal.Decimal `gorm:"type:decimal(20,8)"`
	PriceTS        time.Time
	UpdatedAt      time.Time
}

// WindowFlagRecord holds the persisted one-shot flags per market so a
// restart inside the same window does not re-fire alerts.
type WindowFlagRecord struct {
	MarketKey        string `gorm:"primaryKey"`
	WindowKey        string
	AlertSent        bool
	PreviewSent      bool
	AutoTradeSent    bool
	AutoTradePattern string
	UpdatedAt        time.Time
}

// TradeRecord is one in-flight automated trade awaiting exit confirmation.
type TradeRecord struct {
	ID              string `gorm:"primaryKey"`
	MarketKey       string `gorm:"index"`
	WindowKey       string
	Level           int
	Direction       string
	Pattern         string
	Shares          decimal.Decimal `gorm:"type:decimal(20,6)"`
	EntryPrice      decimal.Decimal `gorm:"type:decimal(10,6)"`
	TargetExitPrice decimal.Decimal `gorm:"type:decimal(10,6)"`
	Stage           string          `gorm:"index"`
	EntryOrderID    string
	ExitOrderID     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// New opens the database (SQLite path or postgres:// connection string) and
// migrates the schema. A failed open does not abort the bot: the store comes
// up disabled and serves from the in-memory cache only.
func New(dbPath string) *Store {
	s := &Store{
		cache: newRowCache(fallbackCacheTTL, fallbackCacheMax),
		once:  newOnceLogger(),
	}

	var db *gorm.DB
	var err error
	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
	} else {
		dir := filepath.Dir(dbPath)
		if dir != "" {
			if mkErr := os.MkdirAll(dir, 0755); mkErr != nil {
				log.Warn().Err(mkErr).Str("path", dbPath).Msg("Store directory unavailable, memory-only mode")
				return s
			}
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
	}
	if err != nil {
		log.Warn().Err(err).Str("path", dbPath).Msg("Store unavailable, memory-only mode")
		return s
	}

	if err := db.AutoMigrate(&WindowRecord{}, &LiveWindowRead{}, &WindowFlagRecord{}, &TradeRecord{}); err != nil {
		log.Warn().Err(err).Msg("Store migration failed, memory-only mode")
		return s
	}

	log.Info().Str("path", dbPath).Msg("Store initialized")
	s.db = db
	s.enabled = true
	return s
}

// Enabled reports whether the backing database is reachable.
func (s *Store) Enabled() bool {
	return s.enabled
}

// UpsertRow merges a candidate observation into the stored row for the same
// window, honoring monotonic official provenance. Rows without a close are
// not persisted.
func (s *Store) UpsertRow(preset market.Preset, candidate market.Row) {
	var existingRec *WindowRecord
	var existing *market.Row
	if s.enabled {
		existingRec = s.loadRecord(preset, candidate.Window.Start)
		if existingRec != nil {
			row := recordToRow(*existingRec)
			existing = &row
		}
	}
	if existing == nil {
		if cached, ok := s.cache.Get(preset.SeriesSlug, candidate.Window.Start.Unix()); ok {
			existing = &cached
		}
	}

	merged, writable := MergeRow(existing, candidate)
	if !writable {
		return
	}
	merged.UpdatedAt = time.Now().UTC()

	if s.enabled {
		// Save writes every column. A struct-based Assign would skip
		// zero-valued fields, leaving estimated flags stuck at true after
		// an official upgrade.
		rec := rowToRecord(preset, merged)
		if existingRec != nil {
			rec.ID = existingRec.ID
		}
		if err := s.db.Save(&rec).Error; err != nil {
			s.once.Log("upsert_row", err)
		}
	}
	s.putCacheIfBetter(preset, merged)
}

func (s *Store) putCacheIfBetter(preset market.Preset, row market.Row) {
	epoch := row.Window.Start.Unix()
	if cached, ok := s.cache.Get(preset.SeriesSlug, epoch); ok {
		if !ShouldReplaceCached(&cached, &row) {
			return
		}
	}
	s.cache.Put(preset.SeriesSlug, epoch, row)
}

func (s *Store) loadRecord(preset market.Preset, windowStart time.Time) *WindowRecord {
	if !s.enabled {
		return nil
	}
	var rec WindowRecord
	err := s.db.Where("series_slug = ? AND window_start_utc = ?", preset.SeriesSlug, windowStart.UTC()).
		First(&rec).Error
	if err == nil {
		return &rec
	}
	if err != gorm.ErrRecordNotFound {
		s.once.Log("load_row", err)
	}
	return nil
}

func (s *Store) loadRow(preset market.Preset, windowStart time.Time) *market.Row {
	if rec := s.loadRecord(preset, windowStart); rec != nil {
		row := recordToRow(*rec)
		return &row
	}
	if cached, ok := s.cache.Get(preset.SeriesSlug, windowStart.Unix()); ok {
		return &cached
	}
	return nil
}

// Row returns the merged persisted view for one window, or nil when the
// window is unknown.
func (s *Store) Row(preset market.Preset, windowStart time.Time) *market.Row {
	return s.loadRow(preset, windowStart)
}

// ClosedRowsBefore returns up to limit closed rows strictly before the given
// window start, most recent first. With officialOnly set, rows carrying any
// estimated, last-read or unverified provenance are excluded, which is what
// alert-grade streak evaluation requires.
func (s *Store) ClosedRowsBefore(preset market.Preset, before time.Time, limit int, officialOnly bool) []market.Row {
	if !s.enabled {
		return nil
	}
	q := s.db.Where("series_slug = ? AND window_start_utc < ? AND close_usd IS NOT NULL", preset.SeriesSlug, before.UTC())
	if officialOnly {
		q = q.Where("open_estimated = ? AND close_estimated = ? AND close_from_last_read = ? AND delta_estimated = ?",
			false, false, false, false).
			Where("open_is_official = ? AND close_is_official = ?", true, true)
	}
	var recs []WindowRecord
	if err := q.Order("window_start_utc DESC").Limit(limit).Find(&recs).Error; err != nil {
		s.once.Log("closed_rows_before", err)
		return nil
	}
	rows := make([]market.Row, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, recordToRow(rec))
	}
	return rows
}

// CloseForWindow returns the stored close for one window, or nil.
func (s *Store) CloseForWindow(preset market.Preset, windowStart time.Time) *decimal.Decimal {
	row := s.loadRow(preset, windowStart)
	if row == nil {
		return nil
	}
	return row.Close
}

// RecordLiveRead upserts the freshest live read for the given window.
func (s *Store) RecordLiveRead(preset market.Preset, w market.Window, price decimal.Decimal, ts time.Time) {
	if !s.enabled {
		return
	}
	rec := LiveWindowRead{
		SeriesSlug:     preset.SeriesSlug,
		WindowStartUTC: w.Start.UTC(),
		WindowEndUTC:   w.End.UTC(),
		PriceUSD:       price,
		PriceTS:        ts.UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	err := s.db.Where("series_slug = ? AND window_start_utc = ?", preset.SeriesSlug, rec.WindowStartUTC).
		Assign(rec).
		FirstOrCreate(&LiveWindowRead{}).Error
	if err != nil {
		s.once.Log("record_live_read", err)
	}
}

// LastLiveRead returns the persisted live read for one window, or nil.
func (s *Store) LastLiveRead(preset market.Preset, windowStart time.Time) *decimal.Decimal {
	if !s.enabled {
		return nil
	}
	var rec LiveWindowRead
	err := s.db.Where("series_slug = ? AND window_start_utc = ?", preset.SeriesSlug, windowStart.UTC()).
		First(&rec).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			s.once.Log("last_live_read", err)
		}
		return nil
	}
	return &rec.PriceUSD
}

// Window flag operations

func (s *Store) LoadWindowFlags(marketKey string) (WindowFlagRecord, bool) {
	if !s.enabled {
		return WindowFlagRecord{}, false
	}
	var rec WindowFlagRecord
	err := s.db.First(&rec, "market_key = ?", marketKey).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			s.once.Log("load_window_flags", err)
		}
		return WindowFlagRecord{}, false
	}
	return rec, true
}

func (s *Store) SaveWindowFlags(rec WindowFlagRecord) {
	if !s.enabled {
		return
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := s.db.Save(&rec).Error; err != nil {
		s.once.Log("save_window_flags", err)
	}
}

// Trade registry operations

func (s *Store) SaveTrade(rec *TradeRecord) {
	if !s.enabled {
		return
	}
	if err := s.db.Save(rec).Error; err != nil {
		s.once.Log("save_trade", err)
	}
}

func (s *Store) DeleteTrade(id string) {
	if !s.enabled {
		return
	}
	if err := s.db.Delete(&TradeRecord{}, "id = ?", id).Error; err != nil {
		s.once.Log("delete_trade", err)
	}
}

func (s *Store) ActiveTrades() []TradeRecord {
	if !s.enabled {
		return nil
	}
	var recs []TradeRecord
	if err := s.db.Order("created_at ASC").Find(&recs).Error; err != nil {
		s.once.Log("active_trades", err)
		return nil
	}
	return recs
}

// Conversions

func rowToRecord(preset market.Preset, row market.Row) WindowRecord {
	return WindowRecord{
		SeriesSlug:        preset.SeriesSlug,
		WindowStartUTC:    row.Window.Start.UTC(),
		WindowEndUTC:      row.Window.End.UTC(),
		OpenUSD:           toNullDecimal(row.Open),
		CloseUSD:          toNullDecimal(row.Close),
		DeltaUSD:          toNullDecimal(row.Delta),
		Direction:         string(row.Direction),
		OpenEstimated:     row.OpenEstimated,
		CloseEstimated:    row.CloseEstimated,
		CloseFromLastRead: row.CloseFromLastRead,
		DeltaEstimated:    row.DeltaEstimated,
		OpenIsOfficial:    row.OpenIsOfficial,
		CloseIsOfficial:   row.CloseIsOfficial,
		OpenSource:        row.OpenSource,
		CloseSource:       row.CloseSource,
		UpdatedAt:         row.UpdatedAt,
	}
}

func recordToRow(rec WindowRecord) market.Row {
	return market.Row{
		Window:            market.Window{Start: rec.WindowStartUTC.UTC(), End: rec.WindowEndUTC.UTC()},
		Open:              fromNullDecimal(rec.OpenUSD),
		Close:             fromNullDecimal(rec.CloseUSD),
		Delta:             fromNullDecimal(rec.DeltaUSD),
		Direction:         market.Direction(rec.Direction),
		OpenEstimated:     rec.OpenEstimated,
		CloseEstimated:    rec.CloseEstimated,
		CloseFromLastRead: rec.CloseFromLastRead,
		DeltaEstimated:    rec.DeltaEstimated,
		OpenIsOfficial:    rec.OpenIsOfficial,
		CloseIsOfficial:   rec.CloseIsOfficial,
		OpenSource:        rec.OpenSource,
		CloseSource:       rec.CloseSource,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func toNullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func fromNullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

// onceLogger logs a warning once per (location, error text).
type onceLogger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newOnceLogger() *onceLogger {
	return &onceLogger{seen: make(map[string]struct{})}
}

func (l *onceLogger) Log(location string, err error) {
	key := location + "|" + err.Error()
	l.mu.Lock()
	_, dup := l.seen[key]
	if !dup {
		l.seen[key] = struct{}{}
	}
	l.mu.Unlock()
	if dup {
		return
	}
	log.Warn().Err(err).Str("location", location).Msg("Store degraded, using cache")
}
