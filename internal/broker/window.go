package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Eriold/telegram-alert-trader-bot-sub000/internal/market"
)

type gammaMarket struct {
	EventStartTime string `json:"eventStartTime"`
	StartTime      string `json:"startTime"`
	StartDate      string `json:"startDate"`

	// JSON-encoded string arrays, e.g. `"[\"Up\", \"Down\"]"`.
	Outcomes     string `json:"outcomes"`
	ClobTokenIDs string `json:"clobTokenIds"`
}

// UpDownTokens resolves the CLOB token ids for the Up and Down outcomes of
// one market slug. The catalog encodes both lists as JSON strings, paired
// by index.
func (c *Client) UpDownTokens(ctx context.Context, slug string) (string, string, error) {
	body, _, err := c.get(ctx, c.gammaBase+"/markets/slug/"+slug)
	if err != nil {
		return "", "", err
	}
	var m gammaMarket
	if err := json.Unmarshal(body, &m); err != nil {
		return "", "", err
	}

	var outcomes, tokenIDs []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil {
		return "", "", fmt.Errorf("broker: bad outcomes for %s: %w", slug, err)
	}
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokenIDs); err != nil {
		return "", "", fmt.Errorf("broker: bad clobTokenIds for %s: %w", slug, err)
	}
	if len(outcomes) != len(tokenIDs) {
		return "", "", fmt.Errorf("broker: %d outcomes but %d token ids for %s", len(outcomes), len(tokenIDs), slug)
	}

	var up, down string
	for i, outcome := range outcomes {
		switch strings.ToLower(strings.TrimSpace(outcome)) {
		case "up":
			up = tokenIDs[i]
		case "down":
			down = tokenIDs[i]
		}
	}
	if up == "" || down == "" {
		return "", "", fmt.Errorf("broker: up/down outcomes not found for %s", slug)
	}
	return up, down, nil
}

// ResolveCurrentWindow returns the slug and bounds of the window currently
// in progress for a preset. The broker's catalog is asked first; if its
// answer drifts from the locally computed epoch-aligned window by more than
// the drift tolerance, or the catalog is unreachable, the local window wins.
func (c *Client) ResolveCurrentWindow(ctx context.Context, preset market.Preset) (string, market.Window) {
	local := market.WindowAt(time.Now().UTC(), preset.WindowSeconds)
	localSlug := market.SlugForStartEpoch(local.Start.Unix(), preset.MarketSlugPrefix)

	slug, w, err := c.currentWindowFromCatalog(ctx, preset)
	if err == nil {
		drift := w.Start.Unix() - local.Start.Unix()
		if drift < 0 {
			drift = -drift
		}
		if drift <= c.maxWindowDriftSec {
			return slug, w
		}
	}
	return localSlug, local
}

// currentWindowFromCatalog probes slug candidates around the aligned start.
// Hourly markets sometimes list on quarter-hour offsets, so those are tried
// too.
func (c *Client) currentWindowFromCatalog(ctx context.Context, preset market.Preset) (string, market.Window, error) {
	start := market.FloorToWindowEpoch(time.Now().UTC().Unix(), preset.WindowSeconds)

	offsets := []int64{0}
	if preset.WindowSeconds >= 3600 {
		offsets = append(offsets, 900, 1800, 2700)
	}

	seen := make(map[int64]struct{})
	var candidates []int64
	for _, offset := range offsets {
		base := start + offset
		for _, delta := range []int64{0, -preset.WindowSeconds, preset.WindowSeconds, -2 * preset.WindowSeconds, 2 * preset.WindowSeconds} {
			ts := base + delta
			if _, ok := seen[ts]; ok {
				continue
			}
			seen[ts] = struct{}{}
			candidates = append(candidates, ts)
		}
	}

	var lastErr error
	for _, ts := range candidates {
		slug := market.SlugForStartEpoch(ts, preset.MarketSlugPrefix)
		body, _, err := c.get(ctx, c.gammaBase+"/markets/slug/"+slug)
		if err != nil {
			lastErr = err
			continue
		}
		var m gammaMarket
		if err := json.Unmarshal(body, &m); err != nil {
			lastErr = err
			continue
		}
		rawStart := m.EventStartTime
		if rawStart == "" {
			rawStart = m.StartTime
		}
		if rawStart == "" {
			rawStart = m.StartDate
		}
		if rawStart == "" {
			lastErr = fmt.Errorf("broker: catalog returned no start time for %s", slug)
			continue
		}
		startDt, err := time.Parse(time.RFC3339, rawStart)
		if err != nil {
			lastErr = err
			continue
		}
		startDt = startDt.UTC()
		return slug, market.Window{
			Start: startDt,
			End:   startDt.Add(preset.Duration()),
		}, nil
	}

	if lastErr == nil {
		lastErr = errNoUsableAnswer
	}
	return "", market.Window{}, lastErr
}
