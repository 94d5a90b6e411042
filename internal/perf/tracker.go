// Package perf tracks how signals perform after emission. Each tracked
// signal is sampled at fixed forward horizons; the observed returns feed
// per-type posteriors that the notifier uses to weight future alerts.
package perf

import (
	"container/heap"
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"polywatch/internal/clob"
	"polywatch/internal/config"
	"polywatch/pkg/types"
)

// Band inside which a neutral-direction signal counts as a miss: the
// market had to actually move.
const neutralBandPct = 1.0

// PriceSource answers the current mid price for a tracked market.
type PriceSource interface {
	MidPrice(marketID string) (float64, bool)
}

// Resolver checks whether a market has resolved. Satisfied by the CLOB
// client.
type Resolver interface {
	GetMarket(ctx context.Context, conditionID string) (*clob.MarketStatus, error)
}

// Sink persists performance updates. Satisfied by the store.
type Sink interface {
	UpdateSignalPerformance(ctx context.Context, rec *types.PerformanceRecord) error
}

type task struct {
	due      time.Time
	signalID string
	horizon  types.Horizon
	index    int
}

type taskHeap []*task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h taskHeap) Peek() *task        { return h[0] }

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Tracker owns the active records, the sampling schedule, and the
// per-type posterior aggregates.
type Tracker struct {
	cfg      config.PerformanceConfig
	prices   PriceSource
	resolver Resolver
	sink     Sink
	logger   *slog.Logger

	mu      sync.Mutex
	records map[string]*types.PerformanceRecord
	stats   map[types.SignalType]*typeStats
	queue   taskHeap
	wake    chan struct{}
	taskCh  chan *task
}

func NewTracker(cfg config.PerformanceConfig, prices PriceSource, resolver Resolver, sink Sink, logger *slog.Logger) *Tracker {
	if cfg.SampleWorkers <= 0 {
		cfg.SampleWorkers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Tracker{
		cfg:      cfg,
		prices:   prices,
		resolver: resolver,
		sink:     sink,
		logger:   logger.With("component", "perf"),
		records:  make(map[string]*types.PerformanceRecord),
		stats:    make(map[types.SignalType]*typeStats),
		wake:     make(chan struct{}, 1),
		taskCh:   make(chan *task, cfg.QueueSize),
	}
}

// Track registers a signal for forward sampling. The entry price is read
// from the price source at call time; a signal whose market has no live
// price is not tracked.
func (t *Tracker) Track(sig types.EarlySignal, marketVolume float64) bool {
	entry, ok := t.prices.MidPrice(sig.MarketID)
	if !ok || entry <= 0 {
		t.logger.Debug("no entry price, signal not tracked", "signal", sig.ID, "market", sig.MarketID)
		return false
	}

	rec := &types.PerformanceRecord{
		SignalID:      sig.ID,
		MarketID:      sig.MarketID,
		Type:          sig.Type,
		Confidence:    sig.Confidence,
		EntryTime:     sig.Timestamp,
		EntryPrice:    entry,
		Direction:     sig.Direction,
		MarketVolume:  marketVolume,
		HorizonPrices: make(map[string]float64),
		HorizonPnL:    make(map[string]float64),
	}

	t.mu.Lock()
	t.records[sig.ID] = rec
	for _, h := range types.Horizons {
		heap.Push(&t.queue, &task{due: sig.Timestamp.Add(h.Offset), signalID: sig.ID, horizon: h})
	}
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return true
}

// Record returns a copy of the active record, for tests and status pages.
func (t *Tracker) Record(signalID string) (types.PerformanceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[signalID]
	if !ok {
		return types.PerformanceRecord{}, false
	}
	return *rec, true
}

// ActiveCount returns the number of records still being sampled.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Run drives the schedule: a dispatcher feeds due tasks to the worker
// pool until the context ends.
func (t *Tracker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < t.cfg.SampleWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range t.taskCh {
				t.Sample(ctx, task.signalID, task.horizon, time.Now())
			}
		}()
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		t.mu.Lock()
		var wait time.Duration = time.Hour
		if t.queue.Len() > 0 {
			wait = time.Until(t.queue.Peek().due)
		}
		t.mu.Unlock()

		if wait <= 0 {
			t.dispatchDue(time.Now())
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			close(t.taskCh)
			wg.Wait()
			return ctx.Err()
		case <-t.wake:
		case <-timer.C:
		}
	}
}

func (t *Tracker) dispatchDue(now time.Time) {
	t.mu.Lock()
	var due []*task
	for t.queue.Len() > 0 && !t.queue.Peek().due.After(now) {
		due = append(due, heap.Pop(&t.queue).(*task))
	}
	t.mu.Unlock()

	for _, task := range due {
		select {
		case t.taskCh <- task:
		default:
			// Workers are saturated; sample inline rather than lose the
			// horizon.
			t.Sample(context.Background(), task.signalID, task.horizon, now)
		}
	}
}

// Sample fills one horizon for one record. When the market no longer has a
// live price the resolver is consulted; an unreachable price leaves the
// horizon absent. Exported so tests can drive the clock directly.
func (t *Tracker) Sample(ctx context.Context, signalID string, horizon types.Horizon, now time.Time) {
	t.mu.Lock()
	rec, ok := t.records[signalID]
	t.mu.Unlock()
	if !ok {
		return
	}

	price, live := t.prices.MidPrice(rec.MarketID)
	if !live {
		t.tryResolve(ctx, rec, now)
		return
	}

	t.mu.Lock()
	t.fillHorizon(rec, horizon, price)
	last := horizon.Label == types.Horizons[len(types.Horizons)-1].Label
	if last {
		pnl := rec.HorizonPnL[horizon.Label]
		rec.FinalPnL = &pnl
		delete(t.records, signalID)
	}
	t.mu.Unlock()

	t.persist(ctx, rec)
}

// fillHorizon computes the signed return and folds it into the record and
// the type posteriors. Caller holds the lock.
func (t *Tracker) fillHorizon(rec *types.PerformanceRecord, horizon types.Horizon, price float64) {
	if _, dup := rec.HorizonPnL[horizon.Label]; dup {
		return
	}
	change := (price - rec.EntryPrice) / rec.EntryPrice
	pnl := change * float64(rec.Direction.Sign())
	if rec.Direction == types.DirectionNeutral {
		// Neutral signals bet on movement, either way.
		pnl = math.Abs(change)
	}

	rec.HorizonPrices[horizon.Label] = price
	rec.HorizonPnL[horizon.Label] = pnl
	if pnl > rec.MaxFavorable {
		rec.MaxFavorable = pnl
	}
	if pnl < rec.MaxAdverse {
		rec.MaxAdverse = pnl
	}

	st := t.statsFor(rec.Type)
	st.horizonSum[horizon.Label] += pnl
	st.horizonN[horizon.Label]++

	if rec.WasCorrect == nil {
		correct := pnl > 0
		if rec.Direction == types.DirectionNeutral {
			correct = math.Abs(change)*100 >= neutralBandPct
		}
		rec.WasCorrect = &correct
		rec.Magnitude = math.Abs(change)
		st.outcome(correct, pnl)
	}
}

// tryResolve checks the venue for a resolution and, if found, settles the
// record at the terminal price.
func (t *Tracker) tryResolve(ctx context.Context, rec *types.PerformanceRecord, now time.Time) {
	if t.resolver == nil {
		return
	}
	status, err := t.resolver.GetMarket(ctx, rec.MarketID)
	if err != nil {
		t.logger.Warn("resolution check failed", "market", rec.MarketID, "error", err)
		return
	}
	if status == nil || !status.Resolved {
		return
	}
	t.Resolve(rec.SignalID, status.WinningOutcome, now)
	t.persist(ctx, rec)
}

// Resolve settles a record against the winning outcome: the entry outcome
// going to 1 when it wins, 0 when it loses.
func (t *Tracker) Resolve(signalID string, winningOutcome int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[signalID]
	if !ok {
		return
	}
	terminal := 0.0
	if winningOutcome == rec.EntryOutcome {
		terminal = 1.0
	}
	change := (terminal - rec.EntryPrice) / rec.EntryPrice
	pnl := change * float64(rec.Direction.Sign())
	if rec.Direction == types.DirectionNeutral {
		pnl = math.Abs(change)
	}

	rec.Resolved = true
	rec.ResolutionTime = now
	rec.WinningOutcome = winningOutcome
	rec.FinalPnL = &pnl
	if rec.WasCorrect == nil {
		correct := pnl > 0
		rec.WasCorrect = &correct
		rec.Magnitude = math.Abs(change)
		t.statsFor(rec.Type).outcome(correct, pnl)
	}
	delete(t.records, signalID)
}

func (t *Tracker) persist(ctx context.Context, rec *types.PerformanceRecord) {
	if t.sink == nil {
		return
	}
	// Map headers must not leak outside the lock; sample workers keep
	// writing the live record while the sink reads the snapshot.
	t.mu.Lock()
	snapshot := *rec
	snapshot.HorizonPrices = make(map[string]float64, len(rec.HorizonPrices))
	for k, v := range rec.HorizonPrices {
		snapshot.HorizonPrices[k] = v
	}
	snapshot.HorizonPnL = make(map[string]float64, len(rec.HorizonPnL))
	for k, v := range rec.HorizonPnL {
		snapshot.HorizonPnL[k] = v
	}
	t.mu.Unlock()
	if err := t.sink.UpdateSignalPerformance(ctx, &snapshot); err != nil {
		t.logger.Warn("performance persist failed", "signal", rec.SignalID, "error", err)
	}
}
