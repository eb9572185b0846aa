package engine

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
)

// WindowState is the per-market, per-window working state. It is reset on
// window rollover, not destroyed: the same struct tracks the next window.
type WindowState struct {
	WindowKey  string
	OpenPrice  *decimal.Decimal
	OpenSource string
	MinPrice   *decimal.Decimal
	MaxPrice   *decimal.Decimal

	AlertSent        bool
	PreviewSent      bool
	AutoTradeSent    bool
	AutoTradePattern string

	// auditSeen deduplicates diagnostic log reasons within one window.
	auditSeen map[string]struct{}
}

func newWindowState() *WindowState {
	return &WindowState{auditSeen: make(map[string]struct{})}
}

// reset clears everything for a new window key.
func (s *WindowState) reset(windowKey string) {
	s.WindowKey = windowKey
	s.OpenPrice = nil
	s.OpenSource = ""
	s.MinPrice = nil
	s.MaxPrice = nil
	s.AlertSent = false
	s.PreviewSent = false
	s.AutoTradeSent = false
	s.AutoTradePattern = ""
	s.auditSeen = make(map[string]struct{})
}

func (s *WindowState) observePrice(p decimal.Decimal) {
	if s.MinPrice == nil || p.LessThan(*s.MinPrice) {
		v := p
		s.MinPrice = &v
	}
	if s.MaxPrice == nil || p.GreaterThan(*s.MaxPrice) {
		v := p
		s.MaxPrice = &v
	}
}

// auditOnce logs a diagnostic message at most once per reason per window.
func (s *WindowState) auditOnce(enabled bool, marketKey, reason, message string) {
	if !enabled {
		return
	}
	if _, seen := s.auditSeen[reason]; seen {
		return
	}
	s.auditSeen[reason] = struct{}{}
	log.Info().Str("market", marketKey).Str("reason", reason).Msg(message)
}

// AutoCycleState tracks the escalation chain across window rollovers.
type AutoCycleState struct {
	Active             bool
	NextLevel          int
	Direction          market.Direction
	LastTradeWindowKey string
}

// reset returns the cycle to the inactive start level.
func (c *AutoCycleState) reset(startLevel int) {
	c.Active = false
	c.NextLevel = startLevel
	c.Direction = market.DirectionUnknown
	c.LastTradeWindowKey = ""
}
