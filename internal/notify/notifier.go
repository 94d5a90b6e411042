// Package notify turns detector signals into Discord webhook alerts.
//
// Every signal passes through the same pipeline: posterior-adjusted
// scoring, a priority ladder, dedup, then rate slots. Slots are reserved
// before the HTTP call and rolled back if delivery fails, so a failed send
// never burns budget.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"polywatch/internal/config"
	"polywatch/pkg/types"
)

// Window for the global delivery budget.
const globalWindow = time.Minute

// Outcome says what happened to one processed signal.
type Outcome string

const (
	OutcomeDelivered    Outcome = "delivered"
	OutcomeBelowFloor   Outcome = "below_floor"
	OutcomeDeduped      Outcome = "deduped"
	OutcomeMarketCooled Outcome = "market_cooldown"
	OutcomeGlobalLimit  Outcome = "global_limit"
	OutcomePaused       Outcome = "paused"
	OutcomeDisabled     Outcome = "disabled"
	OutcomeSendFailed   Outcome = "send_failed"
)

// PosteriorSource answers the current posterior for a signal type.
type PosteriorSource interface {
	Posterior(st types.SignalType) types.Posterior
}

type dedupKey struct {
	marketID string
	sigType  types.SignalType
}

type Notifier struct {
	cfg        config.NotifierConfig
	http       *resty.Client
	posteriors PosteriorSource
	logger     *slog.Logger
	onAlert    func(types.SystemAlert)

	disabled  atomic.Bool
	delivered atomic.Int64
	filtered  atomic.Int64

	mu          sync.Mutex
	lastMarket  map[string]time.Time
	dedup       map[dedupKey]time.Time
	globalSent  []time.Time
	pausedUntil time.Time
}

// NewNotifier builds the notifier. onAlert receives operational alerts
// (webhook disabled, etc.) and may be nil.
func NewNotifier(cfg config.NotifierConfig, posteriors PosteriorSource, logger *slog.Logger, onAlert func(types.SystemAlert)) *Notifier {
	client := resty.New().
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(2).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Notifier{
		cfg:        cfg,
		http:       client,
		posteriors: posteriors,
		logger:     logger.With("component", "notifier"),
		onAlert:    onAlert,
		lastMarket: make(map[string]time.Time),
		dedup:      make(map[dedupKey]time.Time),
	}
}

// Delivered returns the number of alerts sent since start.
func (n *Notifier) Delivered() int64 { return n.delivered.Load() }

// Filtered returns the number of signals dropped before delivery.
func (n *Notifier) Filtered() int64 { return n.filtered.Load() }

// Disabled reports whether the webhook has been shut off after a hard
// client error.
func (n *Notifier) Disabled() bool { return n.disabled.Load() }

// Process scores, gates, and delivers one signal.
func (n *Notifier) Process(ctx context.Context, sig types.EarlySignal, now time.Time) Outcome {
	if n.cfg.WebhookURL == "" || n.disabled.Load() {
		n.filtered.Add(1)
		return OutcomeDisabled
	}

	post := n.posteriors.Posterior(sig.Type)

	n.mu.Lock()
	score := adjustedScore(sig, post, n.lastMarket[sig.MarketID], now, n.cfg.PerMarketCooldown)
	priority := priorityFor(score)
	if priority == PriorityNone {
		n.mu.Unlock()
		n.filtered.Add(1)
		return OutcomeBelowFloor
	}
	if now.Before(n.pausedUntil) {
		n.mu.Unlock()
		n.filtered.Add(1)
		return OutcomePaused
	}

	key := dedupKey{marketID: sig.MarketID, sigType: sig.Type}
	if last, ok := n.dedup[key]; ok && now.Sub(last) < n.cfg.DedupWindow {
		n.mu.Unlock()
		n.filtered.Add(1)
		return OutcomeDeduped
	}

	// CRITICAL skips the per-market cooldown; nothing skips the global
	// budget.
	if priority != PriorityCritical {
		if last, ok := n.lastMarket[sig.MarketID]; ok && now.Sub(last) < n.cfg.PerMarketCooldown {
			n.mu.Unlock()
			n.filtered.Add(1)
			return OutcomeMarketCooled
		}
	}
	n.pruneGlobalLocked(now)
	if len(n.globalSent) >= n.cfg.DiscordRateLimit {
		n.mu.Unlock()
		n.filtered.Add(1)
		return OutcomeGlobalLimit
	}

	// Reserve the slots, remembering the previous values for rollback.
	prevMarket, hadMarket := n.lastMarket[sig.MarketID]
	prevDedup, hadDedup := n.dedup[key]
	n.lastMarket[sig.MarketID] = now
	n.dedup[key] = now
	n.globalSent = append(n.globalSent, now)
	n.mu.Unlock()

	if err := n.send(ctx, sig, score, priority, post); err != nil {
		n.rollback(key, sig.MarketID, now, prevMarket, hadMarket, prevDedup, hadDedup)
		n.logger.Warn("alert delivery failed", "signal", sig.ID, "error", err)
		n.filtered.Add(1)
		return OutcomeSendFailed
	}

	n.delivered.Add(1)
	n.logger.Info("alert delivered",
		"signal", sig.ID,
		"market", sig.MarketID,
		"type", sig.Type,
		"priority", priority,
		"score", score,
	)
	return OutcomeDelivered
}

// pruneGlobalLocked drops reservation timestamps that fell out of the
// window. Caller holds the lock.
func (n *Notifier) pruneGlobalLocked(now time.Time) {
	cutoff := now.Add(-globalWindow)
	i := 0
	for i < len(n.globalSent) && n.globalSent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		n.globalSent = append(n.globalSent[:0], n.globalSent[i:]...)
	}
}

func (n *Notifier) rollback(key dedupKey, marketID string, reserved time.Time, prevMarket time.Time, hadMarket bool, prevDedup time.Time, hadDedup bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.globalSent) - 1; i >= 0; i-- {
		if n.globalSent[i].Equal(reserved) {
			n.globalSent = append(n.globalSent[:i], n.globalSent[i+1:]...)
			break
		}
	}
	if hadMarket {
		n.lastMarket[marketID] = prevMarket
	} else {
		delete(n.lastMarket, marketID)
	}
	if hadDedup {
		n.dedup[key] = prevDedup
	} else {
		delete(n.dedup, key)
	}
}

func (n *Notifier) send(ctx context.Context, sig types.EarlySignal, score float64, priority Priority, post types.Posterior) error {
	payload := buildPayload(sig, score, priority, post)

	resp, err := n.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(n.cfg.WebhookURL)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}

	code := resp.StatusCode()
	switch {
	case code < 300:
		return nil
	case code == 429:
		retryAfter := 5 * time.Second
		if s := resp.Header().Get("Retry-After"); s != "" {
			if secs, perr := strconv.ParseFloat(s, 64); perr == nil && secs > 0 {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		n.mu.Lock()
		n.pausedUntil = time.Now().Add(retryAfter)
		n.mu.Unlock()
		return fmt.Errorf("webhook rate limited, paused %s", retryAfter)
	case code >= 400 && code < 500:
		// A hard client error will not heal on retry; stop hitting the
		// endpoint and tell the operator.
		n.disabled.Store(true)
		alert := types.SystemAlert{
			Name:      "webhook_disabled",
			Level:     types.AlertError,
			Message:   fmt.Sprintf("webhook returned %d, delivery disabled", code),
			Component: "notifier",
			Operation: "send",
			Timestamp: time.Now(),
		}
		if n.onAlert != nil {
			n.onAlert(alert)
		}
		n.logger.Error("webhook disabled after client error", "status", code)
		return fmt.Errorf("webhook status %d", code)
	default:
		return fmt.Errorf("webhook status %d", code)
	}
}
