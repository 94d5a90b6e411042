// Package engine wires discovery, the WebSocket feed, per-market state, the
// detector family, correlation, performance tracking, persistence, and alert
// delivery into one supervised process.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"polywatch/internal/clob"
	"polywatch/internal/config"
	"polywatch/internal/correlate"
	"polywatch/internal/detect"
	"polywatch/internal/discovery"
	"polywatch/internal/health"
	"polywatch/internal/history"
	"polywatch/internal/notify"
	"polywatch/internal/perf"
	"polywatch/internal/state"
	"polywatch/internal/store"
	"polywatch/internal/ws"
	"polywatch/pkg/types"
)

const (
	// How long Stop waits for queued signals to flush before cancelling.
	shutdownDrainTimeout = 10 * time.Second
	// Per-market floor between persisted orderbook snapshots.
	snapshotPersistInterval = 30 * time.Second
	telemetryInterval       = 10 * time.Second
)

// Engine owns every long-lived component and their lifecycles.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	metrics    *health.Metrics
	healthSrv  *health.Server
	client     *clob.Client
	feed       *ws.Feed
	registry   *ws.SubscriptionRegistry
	batcher    *ws.Batcher
	disc       *discovery.Discovery
	states     *state.Store
	hist       *history.History
	family     *detect.Family
	correlator *correlate.Correlator
	tracker    *perf.Tracker
	notifier   *notify.Notifier
	bus        *signalBus
	pool       *statsPool
	cron       *cron.Cron

	mu            sync.RWMutex
	tracked       map[string]*types.Market
	lastMonitored []*types.Market

	persistMu   sync.Mutex
	lastPersist map[string]time.Time

	rediffCh       chan struct{}
	signalsEmitted atomic.Int64
	lastReconnects int64

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds the engine from configuration. The store is opened (and
// migrated) here; nothing else touches the network until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger.With("component", "engine"),
		store:       st,
		metrics:     health.NewMetrics(),
		client:      clob.NewClient(cfg.API, logger),
		registry:    ws.NewSubscriptionRegistry(),
		states:      state.NewStore(cfg.Microstructure),
		hist:        history.NewHistory(cfg.Tiers.RetentionWindow),
		family:      detect.NewFamily(cfg.Microstructure),
		bus:         newSignalBus(cfg.Workers.QueueSize),
		pool:        newStatsPool(cfg.Workers),
		cron:        cron.New(),
		tracked:     make(map[string]*types.Market),
		lastPersist: make(map[string]time.Time),
		rediffCh:    make(chan struct{}, 1),
	}

	e.feed = ws.NewFeed(cfg.API.WSMarketURL, cfg.WS, logger)
	e.batcher = ws.NewBatcher(e.feed, cfg.WS)
	e.disc = discovery.New(cfg, logger)
	e.tracker = perf.NewTracker(cfg.Performance, e, e.client, st, logger)
	e.notifier = notify.NewNotifier(cfg.Notifier, e.tracker, logger, e.onSystemAlert)
	e.correlator = correlate.NewCorrelator(cfg.Correlation, e.hist, e, logger)
	if cfg.Health.Enabled {
		e.healthSrv = health.NewServer(cfg.Health, e, e.metrics, logger)
	}
	return e, nil
}

// Start launches every component. It does not block; Stop tears down in the
// reverse order and waits for the group.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if posteriors, err := e.store.LoadPosteriors(ctx); err != nil {
		e.logger.Warn("posterior warm start failed", "error", err)
	} else if len(posteriors) > 0 {
		e.tracker.Seed(posteriors)
		e.logger.Info("posteriors seeded", "types", len(posteriors))
	}

	g, gctx := errgroup.WithContext(ctx)
	e.group = g

	g.Go(func() error { return e.feed.Run(gctx) })
	g.Go(func() error { e.batcher.Run(gctx); return nil })
	g.Go(func() error { e.disc.Run(gctx); return nil })
	g.Go(func() error { return e.correlator.Run(gctx) })
	g.Go(func() error { return e.tracker.Run(gctx) })
	g.Go(func() error { e.pool.Run(gctx); return nil })
	g.Go(func() error { return e.manageMarkets(gctx) })
	g.Go(func() error { return e.dispatchBatches(gctx) })
	g.Go(func() error { return e.consumeSignals(gctx) })
	g.Go(func() error { e.telemetryLoop(gctx); return nil })

	if e.healthSrv != nil {
		g.Go(func() error { return e.healthSrv.Start() })
		g.Go(func() error {
			<-gctx.Done()
			return e.healthSrv.Stop()
		})
	}

	if _, err := e.cron.AddFunc("@daily", e.pruneRetention); err != nil {
		return err
	}
	e.cron.Start()

	e.logger.Info("engine started")
	return nil
}

// Stop shuts down in order: no new subscriptions, drain queued signals,
// stop the loops and pools, then flush and close storage.
func (e *Engine) Stop() {
	e.logger.Info("engine stopping")

	e.registry.Close()
	e.drainSignals(shutdownDrainTimeout)

	if e.cancel != nil {
		e.cancel()
	}
	e.feed.Close()
	<-e.cron.Stop().Done()

	if e.group != nil {
		if err := e.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("component exited with error", "error", err)
		}
	}

	if err := e.store.Close(); err != nil {
		e.logger.Warn("store close failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

// drainSignals waits for the bus to empty, up to the timeout.
func (e *Engine) drainSignals(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for e.bus.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n := e.bus.Len(); n > 0 {
		e.logger.Warn("signals abandoned at shutdown", "count", n)
	}
}

// manageMarkets applies discovery refreshes and unknown-asset re-diffs to
// the subscription set.
func (e *Engine) manageMarkets(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case res, ok := <-e.disc.Results():
			if !ok {
				return nil
			}
			e.reconcile(ctx, &res)
		case <-e.rediffCh:
			e.mu.RLock()
			monitored := e.lastMonitored
			e.mu.RUnlock()
			e.logger.Info("re-diffing subscriptions after unknown-asset drops")
			e.applyDiff(ctx, monitored)
		}
	}
}

// reconcile folds one discovery refresh into the tracked set, persists the
// market rows, and reconciles subscriptions and per-market state.
func (e *Engine) reconcile(ctx context.Context, res *discovery.RefreshResult) {
	monitored := res.Monitored()

	tracked := make(map[string]*types.Market, len(monitored))
	for _, m := range monitored {
		tracked[m.ID] = m
	}
	e.mu.Lock()
	e.tracked = tracked
	e.lastMonitored = monitored
	e.mu.Unlock()

	e.metrics.MarketsTracked.WithLabelValues(string(types.TierActive)).Set(float64(len(res.Active)))
	e.metrics.MarketsTracked.WithLabelValues(string(types.TierWatchlist)).Set(float64(len(res.Watchlist)))

	var storeErrs int
	for _, m := range monitored {
		if err := e.store.UpsertMarket(ctx, m); err != nil {
			e.metrics.StoreErrors.Inc()
			storeErrs++
		}
	}
	if storeErrs > 0 {
		e.logger.Warn("market upserts failed", "count", storeErrs)
	}

	e.applyDiff(ctx, monitored)

	for _, id := range e.states.MarketIDs() {
		if _, keep := tracked[id]; !keep {
			e.states.Remove(id)
			e.hist.Remove(id)
		}
	}

	e.logger.Info("market set reconciled",
		"active", len(res.Active),
		"watchlist", len(res.Watchlist),
		"ignored", res.Ignored)
}

// applyDiff reconciles the registry against the monitored set and pushes
// the resulting subscribe/unsubscribe bursts to the feed.
func (e *Engine) applyDiff(ctx context.Context, monitored []*types.Market) {
	add, remove := e.registry.Diff(monitored)

	if len(add) > 0 {
		if err := e.feed.Subscribe(ctx, add); err != nil {
			e.registry.MarkState(add, types.SubFailed)
			e.logger.Warn("subscribe failed", "assets", len(add), "error", err)
		} else {
			e.registry.MarkState(add, types.SubActive)
		}
	}
	if len(remove) > 0 {
		if err := e.feed.Unsubscribe(ctx, remove); err != nil {
			e.logger.Warn("unsubscribe failed", "assets", len(remove), "error", err)
		}
	}
}

// consumeSignals drains the bus: persist, track, and deliver each signal.
func (e *Engine) consumeSignals(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.bus.Wait():
			for {
				sig, ok := e.bus.Pop()
				if !ok {
					break
				}
				e.handleSignal(ctx, sig)
			}
			e.metrics.BusDepth.Set(float64(e.bus.Len()))
		}
	}
}

func (e *Engine) handleSignal(ctx context.Context, sig types.EarlySignal) {
	if err := e.store.InsertSignal(ctx, &sig); err != nil {
		e.metrics.StoreErrors.Inc()
		e.logger.Warn("signal insert failed", "signal", sig.ID, "error", err)
	}

	e.tracker.Track(sig, e.marketVolume(sig.MarketID))

	outcome := e.notifier.Process(ctx, sig, time.Now())
	if outcome == notify.OutcomeDelivered {
		e.metrics.AlertsDelivered.Inc()
	} else {
		e.metrics.AlertsFiltered.WithLabelValues(string(outcome)).Inc()
	}
}

// publish pushes a signal onto the bus and records the emission.
func (e *Engine) publish(sig types.EarlySignal) {
	e.signalsEmitted.Add(1)
	e.metrics.SignalsEmitted.WithLabelValues(string(sig.Type)).Inc()
	if dropped := e.bus.Publish(sig); dropped > 0 {
		e.metrics.BusDropped.Add(float64(dropped))
	}
	e.metrics.BusDepth.Set(float64(e.bus.Len()))
}

// telemetryLoop keeps the counter-style metrics aligned with component
// internals and forwards correlation scans onto the bus.
func (e *Engine) telemetryLoop(ctx context.Context) {
	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case sigs := <-e.correlator.Signals():
			for _, sig := range sigs {
				e.publish(sig)
			}
		case <-ticker.C:
			if cur := e.feed.Reconnects(); cur > e.lastReconnects {
				e.metrics.WSReconnects.Add(float64(cur - e.lastReconnects))
				e.lastReconnects = cur
			}
		}
	}
}

// pruneRetention is the daily GC pass over persisted history.
func (e *Engine) pruneRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-e.cfg.Tiers.RetentionWindow)
	removed, err := e.store.PruneBefore(ctx, cutoff)
	if err != nil {
		e.metrics.StoreErrors.Inc()
		e.logger.Warn("retention prune failed", "error", err)
		return
	}
	if removed > 0 {
		e.logger.Info("retention prune complete", "rows", removed)
	}
}

// onSystemAlert persists operational alerts raised by components.
func (e *Engine) onSystemAlert(a types.SystemAlert) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.InsertSystemAlert(ctx, &a); err != nil {
		e.metrics.StoreErrors.Inc()
		e.logger.Warn("system alert insert failed", "alert", a.Name, "error", err)
	}
	e.logger.Warn("system alert", "name", a.Name, "level", string(a.Level), "message", a.Message)
}

// marketVolume returns the last known volume for a tracked market.
func (e *Engine) marketVolume(marketID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if m, ok := e.tracked[marketID]; ok {
		return m.VolumeNum
	}
	return 0
}

// TrackedMarkets returns the current monitored set for the correlator.
func (e *Engine) TrackedMarkets() []types.Market {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Market, 0, len(e.tracked))
	for _, m := range e.tracked {
		out = append(out, *m)
	}
	return out
}

// MidPrice answers the performance tracker's entry and horizon sampling.
func (e *Engine) MidPrice(marketID string) (float64, bool) {
	ms := e.states.Get(marketID)
	if ms == nil {
		return 0, false
	}
	mid := ms.Snapshot().MidPrice
	return mid, mid > 0
}

// Status implements the health server's snapshot.
func (e *Engine) Status() health.Status {
	e.mu.RLock()
	var active, watchlist int
	for _, m := range e.tracked {
		switch m.Tier {
		case types.TierActive:
			active++
		case types.TierWatchlist:
			watchlist++
		}
	}
	e.mu.RUnlock()

	var subs int
	for _, n := range e.registry.Counts() {
		subs += n
	}

	return health.Status{
		Connection: e.feed.State().String(),
		Reconnects: e.feed.Reconnects(),
		MarketsByTier: map[string]int{
			string(types.TierActive):    active,
			string(types.TierWatchlist): watchlist,
		},
		Subscriptions:   subs,
		SignalsEmitted:  e.signalsEmitted.Load(),
		AlertsDelivered: e.notifier.Delivered(),
		AlertsFiltered:  e.notifier.Filtered(),
		TrackedRecords:  e.tracker.ActiveCount(),
		Posteriors:      e.tracker.Posteriors(),
	}
}
