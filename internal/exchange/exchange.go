// Package exchange is the order-execution boundary: entry placement, exit
// placement with bounded retries, and order status polling. Failures the
// decision loop must react to specially are distinguished sentinel errors,
// not log strings.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
)

// Trade stages. ENTRY_PENDING_LIMIT is non-terminal: the entry order rests
// on the book and no exit exists yet, so the trade is not registered for
// exit monitoring.
const (
	StageEntryFilled       = "ENTRY_FILLED"
	StageEntryPendingLimit = "ENTRY_PENDING_LIMIT"
	StageExitPlaced        = "EXIT_PLACED"
)

// Non-retryable execution failures. The decision loop matches these with
// errors.Is: both reset the active auto-cycle, and the exhausted-exit case
// additionally goes out on the urgent message path.
var (
	ErrPriceGuard         = errors.New("entry blocked by price guard")
	ErrExitLimitExhausted = errors.New("exit limit retries exhausted")
)

// Request describes one automated execution.
type Request struct {
	MarketKey       string
	WindowKey       string
	Pattern         string
	Level           int
	Direction       market.Direction
	TokenID         string
	Shares          decimal.Decimal
	EntryPrice      decimal.Decimal
	TargetExitPrice decimal.Decimal

	// MaxEntryPrice, when set, rejects the entry outright if the seen
	// price exceeds it (start-level guard).
	MaxEntryPrice *decimal.Decimal
	// ForceMarketEntry skips the limit-cap pending path.
	ForceMarketEntry bool
	// EnforceRiskLimits applies the per-trade share/USD caps.
	EnforceRiskLimits bool
}

// Trade is the execution-side record produced by one request.
type Trade struct {
	ID              string
	MarketKey       string
	WindowKey       string
	Pattern         string
	Level           int
	Direction       market.Direction
	Shares          decimal.Decimal
	EntryPrice      decimal.Decimal
	TargetExitPrice decimal.Decimal
	Stage           string
	EntryOrderID    string
	ExitOrderID     string
	FilledSize      decimal.Decimal
	ExecutedAt      time.Time
	BalanceAfter    *decimal.Decimal
}

// OrderState is the polled status for one order.
type OrderState struct {
	Filled     bool
	Terminal   bool
	StatusText string
	FilledSize decimal.Decimal
}

// Service places orders against the exchange HTTP API.
type Service struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	dryRun     bool

	maxShares           int
	maxUSD              decimal.Decimal
	maxMarketEntryPrice decimal.Decimal
	exitMaxRetries      int
	exitRetryDelay      time.Duration
}

type Options struct {
	BaseURL             string
	APIKey              string
	DryRun              bool
	MaxSharesPerTrade   int
	MaxUSDPerTrade      decimal.Decimal
	MaxMarketEntryPrice decimal.Decimal
	ExitLimitMaxRetries int
	ExitLimitRetryDelay time.Duration
}

func NewService(opts Options) *Service {
	return &Service{
		httpClient:          &http.Client{Timeout: 15 * time.Second},
		baseURL:             strings.TrimRight(opts.BaseURL, "/"),
		apiKey:              opts.APIKey,
		dryRun:              opts.DryRun,
		maxShares:           opts.MaxSharesPerTrade,
		maxUSD:              opts.MaxUSDPerTrade,
		maxMarketEntryPrice: opts.MaxMarketEntryPrice,
		exitMaxRetries:      opts.ExitLimitMaxRetries,
		exitRetryDelay:      opts.ExitLimitRetryDelay,
	}
}

// Execute runs the full entry + exit flow for one request. When the seen
// entry price is above the market-entry cap and the request does not force
// a market entry, the entry rests as a capped limit order and the trade
// comes back at ENTRY_PENDING_LIMIT with no exit placed.
func (s *Service) Execute(ctx context.Context, req Request) (*Trade, error) {
	if req.Shares.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("invalid shares for execution: %s", req.Shares)
	}
	if req.EntryPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("invalid entry price for execution: %s", req.EntryPrice)
	}
	if req.MaxEntryPrice != nil && req.EntryPrice.GreaterThan(*req.MaxEntryPrice) {
		return nil, fmt.Errorf("%w: %s > max %s", ErrPriceGuard, req.EntryPrice, req.MaxEntryPrice)
	}
	if req.EnforceRiskLimits {
		if req.Shares.GreaterThan(decimal.NewFromInt(int64(s.maxShares))) {
			return nil, fmt.Errorf("shares exceed per-trade maximum (%s > %d)", req.Shares, s.maxShares)
		}
		usd := req.Shares.Mul(req.EntryPrice)
		if usd.GreaterThan(s.maxUSD) {
			return nil, fmt.Errorf("entry USD exceeds per-trade maximum (%s > %s)", usd, s.maxUSD)
		}
	}

	trade := &Trade{
		ID:              uuid.NewString(),
		MarketKey:       req.MarketKey,
		WindowKey:       req.WindowKey,
		Pattern:         req.Pattern,
		Level:           req.Level,
		Direction:       req.Direction,
		Shares:          req.Shares,
		EntryPrice:      req.EntryPrice,
		TargetExitPrice: req.TargetExitPrice,
		ExecutedAt:      time.Now().UTC(),
	}

	if s.dryRun {
		trade.Stage = StageExitPlaced
		trade.EntryOrderID = "dry-" + trade.ID
		trade.ExitOrderID = "dry-exit-" + trade.ID
		trade.FilledSize = req.Shares
		log.Info().Str("trade_id", trade.ID).Str("market", req.MarketKey).Msg("Dry-run execution")
		return trade, nil
	}

	capped := req.EntryPrice.GreaterThan(s.maxMarketEntryPrice) && !req.ForceMarketEntry
	if capped {
		orderID, err := s.postOrder(ctx, req.TokenID, "BUY", s.maxMarketEntryPrice, req.Shares, "GTC")
		if err != nil {
			return nil, err
		}
		trade.Stage = StageEntryPendingLimit
		trade.EntryOrderID = orderID
		trade.EntryPrice = s.maxMarketEntryPrice
		return trade, nil
	}

	orderID, err := s.postOrder(ctx, req.TokenID, "BUY", req.EntryPrice, req.Shares, "FOK")
	if err != nil {
		return nil, err
	}
	trade.EntryOrderID = orderID

	state, err := s.waitForOrder(ctx, orderID, 20*time.Second)
	if err != nil {
		return nil, fmt.Errorf("entry order status unavailable, no exit placed: %w", err)
	}
	if state.Terminal && !state.Filled {
		return nil, fmt.Errorf("entry order not executed (%s), no exit placed", state.StatusText)
	}
	trade.FilledSize = state.FilledSize
	if trade.FilledSize.IsZero() && state.Filled {
		trade.FilledSize = req.Shares
	}
	if trade.FilledSize.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("entry without confirmed fill, no exit placed")
	}
	trade.Stage = StageEntryFilled

	exitSize := trade.FilledSize
	if held, err := s.TokenBalance(ctx, req.TokenID); err == nil && held.GreaterThan(decimal.Zero) && held.LessThan(exitSize) {
		log.Warn().Str("token_id", req.TokenID).Str("filled", exitSize.String()).Str("held", held.String()).Msg("Exit size clamped to held balance")
		exitSize = held
	}

	exitID, err := s.PlaceExitWithRetry(ctx, req.TokenID, req.TargetExitPrice, exitSize)
	if err != nil {
		return trade, err
	}
	trade.ExitOrderID = exitID
	trade.Stage = StageExitPlaced
	if balance, err := s.Balance(ctx); err == nil {
		trade.BalanceAfter = &balance
	}
	return trade, nil
}

// PlaceExitWithRetry posts the exit limit order, retrying transient
// failures a bounded number of times. Exhaustion returns
// ErrExitLimitExhausted: the position is open with no resting exit, which
// is why callers escalate it.
func (s *Service) PlaceExitWithRetry(ctx context.Context, tokenID string, price, size decimal.Decimal) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= s.exitMaxRetries; attempt++ {
		orderID, err := s.postOrder(ctx, tokenID, "SELL", price, size, "GTC")
		if err == nil {
			return orderID, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("Exit limit order failed")
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrExitLimitExhausted, ctx.Err())
		case <-time.After(s.exitRetryDelay):
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %v", ErrExitLimitExhausted, s.exitMaxRetries, lastErr)
}

// OrderStatus polls one order.
func (s *Service) OrderStatus(ctx context.Context, orderID string) (OrderState, error) {
	if s.dryRun {
		return OrderState{Filled: true, StatusText: "matched"}, nil
	}
	body, err := s.do(ctx, http.MethodGet, "/data/order/"+orderID, nil)
	if err != nil {
		return OrderState{}, err
	}
	var resp struct {
		Status     string `json:"status"`
		SizeFilled string `json:"size_matched"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderState{}, err
	}
	filledSize := decimal.Zero
	if resp.SizeFilled != "" {
		if v, err := decimal.NewFromString(resp.SizeFilled); err == nil {
			filledSize = v
		}
	}
	status := strings.ToLower(resp.Status)
	return OrderState{
		Filled:     status == "matched" || status == "filled",
		Terminal:   status == "canceled" || status == "cancelled" || status == "expired" || status == "rejected",
		StatusText: resp.Status,
		FilledSize: filledSize,
	}, nil
}

// Balance returns the available collateral balance.
func (s *Service) Balance(ctx context.Context) (decimal.Decimal, error) {
	if s.dryRun {
		return decimal.NewFromInt(1000), nil
	}
	body, err := s.do(ctx, http.MethodGet, "/balance", nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	var resp struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(resp.Balance)
}

// BuyPrice returns the current buy-side quote for one outcome token. It is
// resolved immediately before an automated entry so the order and the
// price guard see the live market, not a placeholder.
func (s *Service) BuyPrice(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	if s.dryRun {
		return decimal.NewFromFloat(0.50), nil
	}
	body, err := s.do(ctx, http.MethodGet, "/price?token_id="+url.QueryEscape(tokenID)+"&side=BUY", nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Decimal{}, err
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("exchange: bad price quote %q: %w", resp.Price, err)
	}
	return price, nil
}

// TokenBalance returns the held size for one outcome token.
func (s *Service) TokenBalance(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	if s.dryRun {
		return decimal.Zero, nil
	}
	body, err := s.do(ctx, http.MethodGet, "/balance/"+tokenID, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	var resp struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(resp.Balance)
}

func (s *Service) waitForOrder(ctx context.Context, orderID string, timeout time.Duration) (OrderState, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		state, err := s.OrderStatus(ctx, orderID)
		if err == nil {
			if state.Filled || state.Terminal {
				return state, nil
			}
			lastErr = nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return OrderState{}, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if lastErr != nil {
		return OrderState{}, lastErr
	}
	return OrderState{StatusText: "pending"}, nil
}

func (s *Service) postOrder(ctx context.Context, tokenID, side string, price, size decimal.Decimal, orderType string) (string, error) {
	payload := map[string]interface{}{
		"token_id":   tokenID,
		"side":       side,
		"price":      price.String(),
		"size":       size.String(),
		"order_type": orderType,
	}
	body, err := s.do(ctx, http.MethodPost, "/order", payload)
	if err != nil {
		return "", err
	}
	var resp struct {
		OrderID string `json:"orderID"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	orderID := resp.OrderID
	if orderID == "" {
		orderID = resp.ID
	}
	if orderID == "" {
		return "", fmt.Errorf("exchange returned no order id")
	}
	return orderID, nil
}

func (s *Service) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("exchange: %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
