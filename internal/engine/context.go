package engine

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
)

// DefaultTargetCode is the exit profile applied when none is chosen.
const DefaultTargetCode = "tp80"

// TargetProfile is one selectable exit target for a preview or automated
// execution.
type TargetProfile struct {
	Code  string
	Name  string
	Price decimal.Decimal
}

var targetProfiles = map[string]TargetProfile{
	"tp70": {Code: "tp70", Name: "Fixed exit 0.70", Price: decimal.NewFromFloat(0.70)},
	"tp80": {Code: "tp80", Name: "Fixed exit 0.80", Price: decimal.NewFromFloat(0.80)},
	"tp99": {Code: "tp99", Name: "Fixed exit 0.99", Price: decimal.NewFromFloat(0.99)},
}

// TargetOptions lists the selectable exit profiles as button label → code.
func TargetOptions() map[string]string {
	opts := make(map[string]string, len(targetProfiles))
	for code, profile := range targetProfiles {
		opts[profile.Name] = code
	}
	return opts
}

// ResolveTargetCode falls back to the default for unknown codes.
func ResolveTargetCode(raw string) string {
	code := strings.ToLower(strings.TrimSpace(raw))
	if _, ok := targetProfiles[code]; ok {
		return code
	}
	return DefaultTargetCode
}

// PreviewContext is the typed payload for one preview or automated
// execution candidate.
type PreviewContext struct {
	MarketKey    string
	Pattern      string
	Direction    market.Direction
	Window       market.Window
	SecondsToEnd float64

	Shares     int
	EntryPrice decimal.Decimal

	TargetCode      string
	TargetName      string
	TargetExitPrice decimal.Decimal
	TargetProfitPct decimal.Decimal

	USDEntry  decimal.Decimal
	USDExit   decimal.Decimal
	USDProfit decimal.Decimal
}

// ApplyTarget derives the exit economics from a fixed-price target profile.
func (p *PreviewContext) ApplyTarget(code string) {
	profile := targetProfiles[ResolveTargetCode(code)]
	p.TargetCode = profile.Code
	p.TargetName = profile.Name
	p.TargetExitPrice = profile.Price
	if p.EntryPrice.IsPositive() {
		p.TargetProfitPct = profile.Price.Div(p.EntryPrice).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
	}
	p.recomputeUSD()
}

// ApplySpreadTarget overrides the exit with a fixed spread above entry,
// capped at 0.99. Used for the cycle's start level.
func (p *PreviewContext) ApplySpreadTarget(spread decimal.Decimal) {
	exit := p.EntryPrice.Add(spread)
	cap := decimal.NewFromFloat(0.99)
	if exit.GreaterThan(cap) {
		exit = cap
	}
	p.TargetExitPrice = exit
	p.TargetName = fmt.Sprintf("Fixed spread +%s", spread.StringFixed(2))
	if p.EntryPrice.IsPositive() {
		p.TargetProfitPct = exit.Div(p.EntryPrice).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
	}
	p.recomputeUSD()
}

func (p *PreviewContext) recomputeUSD() {
	shares := decimal.NewFromInt(int64(p.Shares))
	p.USDEntry = shares.Mul(p.EntryPrice)
	p.USDExit = shares.Mul(p.TargetExitPrice)
	p.USDProfit = p.USDExit.Sub(p.USDEntry)
}

// Message renders the preview notification.
func (p *PreviewContext) Message() string {
	return fmt.Sprintf(
		"📋 <b>Trade preview %s</b>\nMarket: %s\nDirection: %s\nShares: %d @ %s\nExit: %s (%s)\nProjected: %s → %s (profit %s)\nCloses in: %s",
		p.Pattern,
		p.MarketKey,
		p.Direction,
		p.Shares,
		p.EntryPrice.StringFixed(3),
		p.TargetExitPrice.StringFixed(3),
		p.TargetName,
		p.USDEntry.StringFixed(2),
		p.USDExit.StringFixed(2),
		p.USDProfit.StringFixed(2),
		formatSeconds(p.SecondsToEnd),
	)
}

func formatSeconds(s float64) string {
	total := int(s)
	if total < 0 {
		total = 0
	}
	if total < 60 {
		return fmt.Sprintf("%ds", total)
	}
	return fmt.Sprintf("%dm%02ds", total/60, total%60)
}

func fmtUSD(d *decimal.Decimal) string {
	if d == nil {
		return "not available"
	}
	return d.StringFixed(2)
}
