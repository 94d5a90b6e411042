package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"polywatch/internal/config"
	"polywatch/pkg/types"
)

type flatPosteriors struct{ byType map[types.SignalType]types.Posterior }

func (f *flatPosteriors) Posterior(st types.SignalType) types.Posterior {
	if f.byType != nil {
		if p, ok := f.byType[st]; ok {
			return p
		}
	}
	return types.Posterior{Type: st, BayesMean: 0.5}
}

func testNotifierCfg(url string) config.NotifierConfig {
	return config.NotifierConfig{
		WebhookURL:        url,
		DiscordRateLimit:  10,
		PerMarketCooldown: 60 * time.Second,
		DedupWindow:       60 * time.Second,
		RequestTimeout:    2 * time.Second,
	}
}

func signal(market string, st types.SignalType, confidence float64) types.EarlySignal {
	return types.EarlySignal{
		ID:         market + "-" + string(st),
		MarketID:   market,
		Question:   "q",
		Type:       st,
		Timestamp:  time.Now(),
		Confidence: confidence,
		Direction:  types.DirectionBullish,
	}
}

func TestGlobalBudgetCapsDeliveries(t *testing.T) {
	// Twenty medium-priority signals against a budget of ten: exactly ten
	// webhook posts go out, the rest are filtered.
	var posts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testNotifierCfg(srv.URL)
	cfg.PerMarketCooldown = 0 // isolate the global budget
	n := NewNotifier(cfg, &flatPosteriors{}, slog.Default(), nil)

	sigTypes := []types.SignalType{
		types.SignalOrderbookImbalance,
		types.SignalSpreadAnomaly,
		types.SignalVolumeSpike,
		types.SignalPriceMovement,
	}
	now := time.Now()
	var delivered, limited int
	for i := 0; i < 20; i++ {
		market := fmt.Sprintf("m%d", i%5)
		sig := signal(market, sigTypes[i/5], 0.6)
		switch n.Process(context.Background(), sig, now.Add(time.Duration(i)*time.Second)) {
		case OutcomeDelivered:
			delivered++
		case OutcomeGlobalLimit:
			limited++
		default:
			t.Fatalf("unexpected outcome for signal %d", i)
		}
	}

	assert.Equal(t, 10, delivered)
	assert.Equal(t, 10, limited)
	assert.EqualValues(t, 10, posts.Load())
	assert.EqualValues(t, 10, n.Delivered())
}

func TestBelowFloorNeverHitsWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("low-score signal must not reach the webhook")
	}))
	defer srv.Close()

	n := NewNotifier(testNotifierCfg(srv.URL), &flatPosteriors{}, slog.Default(), nil)
	out := n.Process(context.Background(), signal("m1", types.SignalVolumeSpike, 0.2), time.Now())
	assert.Equal(t, OutcomeBelowFloor, out)
}

func TestDedupWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(testNotifierCfg(srv.URL), &flatPosteriors{}, slog.Default(), nil)
	now := time.Now()

	sig := signal("m1", types.SignalOrderbookImbalance, 0.7)
	require.Equal(t, OutcomeDelivered, n.Process(context.Background(), sig, now))
	assert.Equal(t, OutcomeDeduped, n.Process(context.Background(), sig, now.Add(10*time.Second)))

	// Outside the window the pair is fresh again, but the per-market
	// cooldown still applies; step past both.
	assert.Equal(t, OutcomeDelivered, n.Process(context.Background(), sig, now.Add(2*time.Minute)))
}

func TestPerMarketCooldownAndCriticalBypass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(testNotifierCfg(srv.URL), &flatPosteriors{}, slog.Default(), nil)
	now := time.Now()

	require.Equal(t, OutcomeDelivered,
		n.Process(context.Background(), signal("m1", types.SignalVolumeSpike, 0.7), now))

	// Second signal for the same market inside the cooldown is held back.
	assert.Equal(t, OutcomeMarketCooled,
		n.Process(context.Background(), signal("m1", types.SignalSpreadAnomaly, 0.7), now.Add(5*time.Second)))

	// A critical signal jumps the market cooldown.
	assert.Equal(t, OutcomeDelivered,
		n.Process(context.Background(), signal("m1", types.SignalFrontRunning, 1.0), now.Add(6*time.Second)))
}

func TestRollbackOnSendFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(testNotifierCfg(srv.URL), &flatPosteriors{}, slog.Default(), nil)
	now := time.Now()
	sig := signal("m1", types.SignalOrderbookImbalance, 0.7)

	fail.Store(true)
	require.Equal(t, OutcomeSendFailed, n.Process(context.Background(), sig, now))

	// The failed attempt must not consume the dedup, cooldown, or global
	// slots.
	fail.Store(false)
	assert.Equal(t, OutcomeDelivered, n.Process(context.Background(), sig, now.Add(time.Second)))
}

func TestHardClientErrorDisablesWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	var alert *types.SystemAlert
	n := NewNotifier(testNotifierCfg(srv.URL), &flatPosteriors{}, slog.Default(), func(a types.SystemAlert) {
		alert = &a
	})

	out := n.Process(context.Background(), signal("m1", types.SignalVolumeSpike, 0.7), time.Now())
	assert.Equal(t, OutcomeSendFailed, out)
	assert.True(t, n.Disabled())
	require.NotNil(t, alert)
	assert.Equal(t, "webhook_disabled", alert.Name)
	assert.Equal(t, types.AlertError, alert.Level)

	// Once disabled nothing else goes out.
	out = n.Process(context.Background(), signal("m2", types.SignalVolumeSpike, 0.9), time.Now())
	assert.Equal(t, OutcomeDisabled, out)
}

func TestRateLimitPausesDeliveries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := NewNotifier(testNotifierCfg(srv.URL), &flatPosteriors{}, slog.Default(), nil)

	out := n.Process(context.Background(), signal("m1", types.SignalVolumeSpike, 0.7), time.Now())
	assert.Equal(t, OutcomeSendFailed, out)

	out = n.Process(context.Background(), signal("m2", types.SignalVolumeSpike, 0.7), time.Now())
	assert.Equal(t, OutcomePaused, out)
}

func TestAdjustedScoreWeighting(t *testing.T) {
	sig := signal("m1", types.SignalOrderbookImbalance, 0.6)
	now := time.Now()

	// Flat prior leaves the confidence as the score.
	flat := types.Posterior{BayesMean: 0.5}
	assert.InDelta(t, 0.6, adjustedScore(sig, flat, time.Time{}, now, time.Minute), 1e-9)

	// A proven type gets boosted by accuracy weight and EV.
	proven := types.Posterior{BayesMean: 0.8, ExpectedValue: 0.05, Count: 20, Accuracy: 0.8}
	score := adjustedScore(sig, proven, time.Time{}, now, time.Minute)
	assert.InDelta(t, 0.6*1.3+0.05, score, 1e-9)

	// A noisy type gets braked.
	noisy := types.Posterior{BayesMean: 0.3, Count: 20, Accuracy: 0.3}
	score = adjustedScore(sig, noisy, time.Time{}, now, time.Minute)
	assert.InDelta(t, 0.6*0.8-0.15, score, 1e-9)

	// A recent alert on the same market shaves the score.
	recent := adjustedScore(sig, flat, now.Add(-30*time.Second), now, time.Minute)
	assert.InDelta(t, 0.55, recent, 1e-9)
}

func TestPriorityLadder(t *testing.T) {
	assert.Equal(t, PriorityCritical, priorityFor(0.95))
	assert.Equal(t, PriorityCritical, priorityFor(0.90))
	assert.Equal(t, PriorityHigh, priorityFor(0.80))
	assert.Equal(t, PriorityMedium, priorityFor(0.60))
	assert.Equal(t, PriorityLow, priorityFor(0.40))
	assert.Equal(t, PriorityNone, priorityFor(0.30))
}

func TestEmbedPayloadShape(t *testing.T) {
	sig := signal("m1", types.SignalOrderbookImbalance, 0.8)
	sig.Metadata = types.ImbalanceMeta{Imbalance: 0.4, ZScore: 3.1}

	payload := buildPayload(sig, 0.82, PriorityHigh, types.Posterior{Count: 12, Accuracy: 0.75})
	require.Len(t, payload.Embeds, 1)
	e := payload.Embeds[0]
	assert.Equal(t, "[HIGH] orderbook imbalance", e.Title)
	assert.Equal(t, priorityColors[PriorityHigh], e.Color)
	assert.NotEmpty(t, e.Timestamp)
	assert.Equal(t, "polywatch", e.Footer.Text)

	var names []string
	for _, f := range e.Fields {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "Market")
	assert.Contains(t, names, "Type track record")
	assert.Contains(t, names, "Book imbalance")
}
