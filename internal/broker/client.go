package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
)

// Client talks to the primary market-data broker (Gamma catalog + crypto
// price endpoint) and the secondary Binance klines reference.
type Client struct {
	httpClient        *http.Client
	gammaBase         string
	cryptoPriceURL    string
	binanceBase       string
	maxWindowDriftSec int64
}

func NewClient(gammaBase, cryptoPriceURL, binanceBase string, maxWindowDriftSec int) *Client {
	return &Client{
		httpClient:        &http.Client{Timeout: 10 * time.Second},
		gammaBase:         strings.TrimRight(gammaBase, "/"),
		cryptoPriceURL:    cryptoPriceURL,
		binanceBase:       strings.TrimRight(binanceBase, "/"),
		maxWindowDriftSec: int64(maxWindowDriftSec),
	}
}

// WindowQuery describes one open/close fetch.
type WindowQuery struct {
	Window           market.Window
	Symbol           string
	Variant          string
	Strict           bool
	RequireCompleted bool
	// AllowProxyFallback lets a 1h query fall back to the Binance klines
	// reference when the primary rejects the request.
	AllowProxyFallback bool
}

// OpenClose is the broker's answer for one window. Open and Close may be nil
// independently. Source distinguishes the official endpoint from the
// Binance proxy.
type OpenClose struct {
	Open      *decimal.Decimal
	Close     *decimal.Decimal
	Completed bool
	UsedEnd   time.Time
	Source    string
}

var errNoUsableAnswer = errors.New("broker: no usable open/close answer")

type cryptoPriceResponse struct {
	OpenPrice  *float64 `json:"openPrice"`
	ClosePrice *float64 `json:"closePrice"`
	Completed  bool     `json:"completed"`
}

// WindowOpenClose fetches the open/close pair for one window. Candidate
// parameter sets are tried in order of decreasing strictness; in strict mode
// only fully-populated answers are accepted, and with RequireCompleted only
// completed sessions count. Transient failures fall through to the next
// candidate instead of propagating.
func (c *Client) WindowOpenClose(ctx context.Context, q WindowQuery) (OpenClose, error) {
	now := time.Now().UTC()
	start := q.Window.Start.UTC()
	end := q.Window.End.UTC()

	usedEnd := end
	if now.Before(usedEnd) {
		usedEnd = now
	}
	usedEnd = usedEnd.Truncate(time.Minute)
	includeEnd := usedEnd.After(start.Truncate(time.Minute)) && now.Sub(start) >= time.Minute

	type candidate struct {
		endDate bool
		variant bool
	}
	var candidates []candidate
	if includeEnd {
		candidates = append(candidates, candidate{endDate: true, variant: true})
		if !q.Strict {
			candidates = append(candidates, candidate{endDate: true})
		}
	}
	candidates = append(candidates, candidate{variant: true})
	if !q.Strict {
		candidates = append(candidates, candidate{})
	}

	proxyEligible := q.AllowProxyFallback && isOneHourWindow(q.Window)
	var lastErr error
	proxyReason := ""

	for _, cand := range candidates {
		params := url.Values{}
		params.Set("symbol", q.Symbol)
		params.Set("eventStartTime", start.Format(time.RFC3339))
		if cand.endDate {
			params.Set("endDate", usedEnd.Format(time.RFC3339))
		}
		if cand.variant && q.Variant != "" {
			params.Set("variant", q.Variant)
		}

		body, status, err := c.get(ctx, c.cryptoPriceURL+"?"+params.Encode())
		if err != nil {
			lastErr = err
			if proxyEligible && proxyReason == "" {
				proxyReason = proxyFallbackReason(status, string(body))
			}
			continue
		}

		var resp cryptoPriceResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			lastErr = err
			continue
		}
		open := floatPtrToDecimal(resp.OpenPrice)
		close := floatPtrToDecimal(resp.ClosePrice)
		if q.RequireCompleted && !resp.Completed {
			continue
		}
		if q.Strict && (open == nil || close == nil) {
			continue
		}
		return OpenClose{
			Open:      open,
			Close:     close,
			Completed: resp.Completed,
			UsedEnd:   usedEnd,
			Source:    market.SourcePolymarket,
		}, nil
	}

	if proxyEligible && proxyReason != "" {
		open, close, err := c.binanceOpenClose(ctx, q.Window, q.Symbol)
		if err == nil && (open != nil || close != nil) {
			log.Info().
				Str("symbol", q.Symbol).
				Time("window_start", start).
				Str("reason", proxyReason).
				Msg("Open/close via Binance proxy")
			return OpenClose{
				Open:      open,
				Close:     close,
				Completed: !now.Before(end),
				UsedEnd:   usedEnd,
				Source:    market.SourceBinanceProxy,
			}, nil
		}
	}

	if lastErr != nil {
		return OpenClose{}, lastErr
	}
	return OpenClose{}, errNoUsableAnswer
}

// proxyFallbackReason decides whether a rejected primary request should be
// retried against the secondary reference. Only hard request rejections and
// throttling qualify.
func proxyFallbackReason(status int, body string) string {
	switch status {
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(body), "invalid") {
			return "rejected_params"
		}
		return "bad_request"
	}
	return ""
}

func isOneHourWindow(w market.Window) bool {
	return w.End.Sub(w.Start) == time.Hour
}

// binanceOpenClose reads a coarse OHLC answer from Binance klines for the
// window range. The result is never official.
func (c *Client) binanceOpenClose(ctx context.Context, w market.Window, symbol string) (*decimal.Decimal, *decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol)+"USDT")
	params.Set("interval", "1h")
	params.Set("startTime", strconv.FormatInt(w.Start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(w.End.UnixMilli(), 10))
	params.Set("limit", "1")

	body, _, err := c.get(ctx, c.binanceBase+"/api/v3/klines?"+params.Encode())
	if err != nil {
		return nil, nil, err
	}

	var klines [][]json.RawMessage
	if err := json.Unmarshal(body, &klines); err != nil {
		return nil, nil, err
	}
	if len(klines) == 0 || len(klines[0]) < 5 {
		return nil, nil, errNoUsableAnswer
	}
	open, err := decimalFromRawString(klines[0][1])
	if err != nil {
		return nil, nil, err
	}
	close, err := decimalFromRawString(klines[0][4])
	if err != nil {
		return nil, nil, err
	}
	return open, close, nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json,text/plain,*/*")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		return body, resp.StatusCode, fmt.Errorf("broker: %s returned %d", rawURL, resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

func floatPtrToDecimal(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}

func decimalFromRawString(raw json.RawMessage) (*decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
