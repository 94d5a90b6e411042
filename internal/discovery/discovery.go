// Package discovery polls the Gamma events endpoint to decide which of the
// venue's markets are worth monitoring this cycle.
//
// Each refresh pages /events by descending volume, flattens the embedded
// markets, normalizes them through the volume and asset-id fallback chains,
// categorizes every question, and assigns monitoring tiers. The engine reads
// RefreshResults from the Results() channel and reconciles subscriptions to
// match the ACTIVE and WATCHLIST sets.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polywatch/internal/config"
	"polywatch/pkg/types"
)

// RefreshResult is one discovery cycle's output. Markets are sorted by
// opportunity score within each tier; only Active and Watchlist flow
// downstream.
type RefreshResult struct {
	Active    []*types.Market
	Watchlist []*types.Market
	Ignored   int
	ScannedAt time.Time
}

// Monitored returns ACTIVE ∪ WATCHLIST in rank order.
func (r *RefreshResult) Monitored() []*types.Market {
	out := make([]*types.Market, 0, len(r.Active)+len(r.Watchlist))
	out = append(out, r.Active...)
	out = append(out, r.Watchlist...)
	return out
}

// Discovery is the market-refresh loop.
type Discovery struct {
	http     *resty.Client
	cfg      config.DiscoveryConfig
	tiers    *TierAssigner
	logger   *slog.Logger
	resultCh chan RefreshResult
}

func New(cfg *config.Config, logger *slog.Logger) *Discovery {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(cfg.API.RequestTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Discovery{
		http:     client,
		cfg:      cfg.Discovery,
		tiers:    NewTierAssigner(cfg.Tiers),
		logger:   logger.With("component", "discovery"),
		resultCh: make(chan RefreshResult, 1),
	}
}

// Results returns the channel the engine reads refresh results from.
func (d *Discovery) Results() <-chan RefreshResult {
	return d.resultCh
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) {
	// Immediate refresh on startup so the engine has markets to subscribe.
	d.refresh(ctx)

	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh(ctx)
		}
	}
}

func (d *Discovery) refresh(ctx context.Context) {
	start := time.Now()
	raw, err := d.fetchEvents(ctx)
	if err != nil {
		// Consumer keeps its previous market set; the error is retryable on
		// the next tick.
		d.logger.Error("refresh failed", "error", err)
		return
	}

	result := d.classify(raw, time.Now())
	d.logger.Info("refresh complete",
		"events", len(raw),
		"active", len(result.Active),
		"watchlist", len(result.Watchlist),
		"ignored", result.Ignored,
		"took", time.Since(start).Round(time.Millisecond),
	)

	// Non-blocking send
	select {
	case d.resultCh <- result:
	default:
		// Replace stale result
		select {
		case <-d.resultCh:
		default:
		}
		d.resultCh <- result
	}
}

// fetchEvents pages the events endpoint ordered by descending volume, up to
// the configured scan cap.
func (d *Discovery) fetchEvents(ctx context.Context) ([]gammaEvent, error) {
	var all []gammaEvent
	offset := 0

	for offset < d.cfg.MaxEventsToScan {
		limit := d.cfg.PageSize
		if remaining := d.cfg.MaxEventsToScan - offset; remaining < limit {
			limit = remaining
		}

		var page []gammaEvent
		resp, err := d.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"active":    "true",
				"closed":    "false",
				"order":     "volume",
				"ascending": "false",
				"limit":     strconv.Itoa(limit),
				"offset":    strconv.Itoa(offset),
			}).
			SetResult(&page).
			Get("/events")
		if err != nil {
			return nil, fmt.Errorf("fetch events page %d: %w", offset, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("fetch events: status %d", resp.StatusCode())
		}

		all = append(all, page...)
		if len(page) < limit {
			break
		}
		offset += limit
	}

	return all, nil
}

// classify flattens events into deduplicated markets, normalizes each one,
// runs categorization and tier assignment, and sorts within tiers by
// opportunity score.
func (d *Discovery) classify(events []gammaEvent, now time.Time) RefreshResult {
	seen := make(map[string]bool)
	result := RefreshResult{ScannedAt: now}

	for i := range events {
		for j := range events[i].Markets {
			m, ok := normalize(&events[i].Markets[j], now)
			if !ok || seen[m.ID] {
				continue
			}
			seen[m.ID] = true

			if m.VolumeNum < d.cfg.MinVolumeThreshold {
				result.Ignored++
				continue
			}

			cat := Categorize(m.Question)
			m.Category = cat.Category
			m.CategoryScore = cat.Score
			m.Blacklisted = cat.Blacklisted
			m.MatchedKeywords = cat.Matched

			switch d.tiers.Assign(m, now) {
			case types.TierActive:
				result.Active = append(result.Active, m)
			case types.TierWatchlist:
				result.Watchlist = append(result.Watchlist, m)
			default:
				result.Ignored++
			}
		}
	}

	byScore := func(ms []*types.Market) {
		sort.Slice(ms, func(i, j int) bool {
			return ms[i].OpportunityScore > ms[j].OpportunityScore
		})
	}
	byScore(result.Active)
	byScore(result.Watchlist)

	// Cap the monitored set; WATCHLIST absorbs the cut first.
	if total := len(result.Active) + len(result.Watchlist); total > d.cfg.MaxMarketsToTrack {
		over := total - d.cfg.MaxMarketsToTrack
		if over >= len(result.Watchlist) {
			over -= len(result.Watchlist)
			result.Ignored += len(result.Watchlist)
			result.Watchlist = nil
			if over > 0 && over < len(result.Active) {
				result.Ignored += over
				result.Active = result.Active[:len(result.Active)-over]
			}
		} else {
			result.Ignored += over
			result.Watchlist = result.Watchlist[:len(result.Watchlist)-over]
		}
	}

	return result
}
