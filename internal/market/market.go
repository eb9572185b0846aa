package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timeframe metadata mirrors the up/down market catalog: each timeframe maps
// to a fixed window duration and the broker's variant code.
type TimeframeMeta struct {
	Display string
	Seconds int64
	Variant string
}

var Timeframes = map[string]TimeframeMeta{
	"15m": {Display: "15 minutes", Seconds: 15 * 60, Variant: "fifteen"},
	"1h":  {Display: "1 hour", Seconds: 60 * 60, Variant: "oneHour"},
	"4h":  {Display: "4 hours", Seconds: 4 * 60 * 60, Variant: "fourHour"},
	"1d":  {Display: "1 day", Seconds: 24 * 60 * 60, Variant: "day"},
}

var cryptoBases = map[string]struct {
	Series string
	Market string
}{
	"ETH": {Series: "eth-up-or-down", Market: "eth-updown"},
	"BTC": {Series: "btc-up-or-down", Market: "btc-updown"},
	"SOL": {Series: "solana-up-or-down", Market: "sol-updown"},
	"XRP": {Series: "xrp-up-or-down", Market: "xrp-updown"},
}

// Preset identifies one monitored market: an asset plus a timeframe, with the
// slugs the broker uses for its windowed up/down series.
type Preset struct {
	Symbol           string
	Timeframe        string
	Variant          string
	SeriesSlug       string
	MarketSlugPrefix string
	WindowSeconds    int64
}

// Key is the stable market identifier used for state, flags and logs.
func (p Preset) Key() string {
	return p.Symbol + "-" + p.Timeframe
}

func (p Preset) Duration() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// TargetSymbols returns the normalized live-feed symbols this preset accepts.
func (p Preset) TargetSymbols() []string {
	variants := []string{
		p.Symbol + "/USD",
		p.Symbol + "-USD",
		p.Symbol + "_USD",
	}
	out := make([]string, 0, len(variants))
	seen := make(map[string]struct{}, len(variants))
	for _, v := range variants {
		n := NormalizeSymbol(v)
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// GetPreset builds the preset for a supported (crypto, timeframe) pair.
func GetPreset(crypto, timeframe string) (Preset, error) {
	sym := strings.ToUpper(strings.TrimSpace(crypto))
	base, ok := cryptoBases[sym]
	if !ok {
		return Preset{}, fmt.Errorf("unsupported crypto: %s", crypto)
	}
	meta, ok := Timeframes[timeframe]
	if !ok {
		return Preset{}, fmt.Errorf("unsupported timeframe for %s: %s", sym, timeframe)
	}
	return Preset{
		Symbol:           sym,
		Timeframe:        timeframe,
		Variant:          meta.Variant,
		SeriesSlug:       base.Series + "-" + timeframe,
		MarketSlugPrefix: base.Market + "-" + timeframe,
		WindowSeconds:    meta.Seconds,
	}, nil
}

// MustPreset is GetPreset for known-good pairs; it panics on a bad one.
func MustPreset(crypto, timeframe string) Preset {
	p, err := GetPreset(crypto, timeframe)
	if err != nil {
		panic(err)
	}
	return p
}

// AvailableCryptos lists supported assets in stable order.
func AvailableCryptos() []string {
	out := make([]string, 0, len(cryptoBases))
	for c := range cryptoBases {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// NormalizeSymbol lowercases a feed symbol and unifies separators so that
// "ETH-USD", "eth_usd" and "ETH/USD" all key the same map entry.
func NormalizeSymbol(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "/")
	s = strings.ReplaceAll(s, "-", "/")
	return s
}

// Window is one fixed-duration trading interval, identified by its start.
type Window struct {
	Start time.Time
	End   time.Time
}

// Key is the canonical window identifier (UTC start, RFC3339).
func (w Window) Key() string {
	return w.Start.UTC().Format(time.RFC3339)
}

func (w Window) SecondsToEnd(now time.Time) float64 {
	return w.End.Sub(now).Seconds()
}

// FloorToWindowEpoch aligns an epoch down to the window grid.
func FloorToWindowEpoch(epoch, windowSeconds int64) int64 {
	return (epoch / windowSeconds) * windowSeconds
}

// WindowAt returns the duration-aligned window containing t.
func WindowAt(t time.Time, windowSeconds int64) Window {
	start := FloorToWindowEpoch(t.Unix(), windowSeconds)
	startT := time.Unix(start, 0).UTC()
	return Window{Start: startT, End: startT.Add(time.Duration(windowSeconds) * time.Second)}
}

// PrevWindow returns the immediately preceding window.
func PrevWindow(w Window, windowSeconds int64) Window {
	d := time.Duration(windowSeconds) * time.Second
	return Window{Start: w.Start.Add(-d), End: w.Start}
}

// SlugForStartEpoch builds the broker's market slug for a window start.
func SlugForStartEpoch(startEpoch int64, prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, startEpoch)
}
