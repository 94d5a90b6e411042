package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"polywatch/internal/config"
	"polywatch/pkg/types"
)

func sig(id string, confidence float64) types.EarlySignal {
	return types.EarlySignal{
		ID:         id,
		MarketID:   "0xabc",
		Type:       types.SignalOrderbookImbalance,
		Timestamp:  time.Now(),
		Confidence: confidence,
		Direction:  types.DirectionBullish,
	}
}

func TestBusPreservesOrder(t *testing.T) {
	bus := newSignalBus(8)
	bus.Publish(sig("a", 0.9))
	bus.Publish(sig("b", 0.9))

	first, ok := bus.Pop()
	if !ok || first.ID != "a" {
		t.Fatalf("first pop: got %q ok=%v", first.ID, ok)
	}
	second, _ := bus.Pop()
	if second.ID != "b" {
		t.Errorf("second pop: got %q", second.ID)
	}
	if _, ok := bus.Pop(); ok {
		t.Error("empty bus returned a signal")
	}
}

func TestBusEvictsOldestLowConfidenceOnOverflow(t *testing.T) {
	bus := newSignalBus(3)
	bus.Publish(sig("high-1", 0.9))
	bus.Publish(sig("low", 0.4))
	bus.Publish(sig("high-2", 0.9))

	if dropped := bus.Publish(sig("new", 0.8)); dropped != 1 {
		t.Fatalf("dropped: got %d, want 1", dropped)
	}

	var ids []string
	for {
		s, ok := bus.Pop()
		if !ok {
			break
		}
		ids = append(ids, s.ID)
	}
	want := []string{"high-1", "high-2", "new"}
	if len(ids) != len(want) {
		t.Fatalf("queue: got %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("queue[%d]: got %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestBusEvictsOldestWhenAllHighConfidence(t *testing.T) {
	bus := newSignalBus(2)
	bus.Publish(sig("a", 0.9))
	bus.Publish(sig("b", 0.9))
	bus.Publish(sig("c", 0.9))

	first, _ := bus.Pop()
	if first.ID != "b" {
		t.Errorf("first pop: got %q, want b", first.ID)
	}
}

func TestPoolRunsSmallInputsInline(t *testing.T) {
	pool := newStatsPool(config.WorkerConfig{PoolSize: 2, QueueSize: 4, SmallInputThreshold: 10})

	ran := false
	pool.Submit("m1", 5, func() { ran = true })
	if !ran {
		t.Fatal("small input did not run inline")
	}
}

func TestPoolDispatchesLargeInputs(t *testing.T) {
	pool := newStatsPool(config.WorkerConfig{PoolSize: 2, QueueSize: 8, SmallInputThreshold: 10})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	var mu sync.Mutex
	var runs int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		pool.Submit("m1", 100, func() {
			defer wg.Done()
			mu.Lock()
			runs++
			mu.Unlock()
		})
	}
	wg.Wait()
	cancel()
	<-done

	if runs != 8 {
		t.Errorf("runs: got %d, want 8", runs)
	}
}

func TestPoolKeepsPerMarketOrder(t *testing.T) {
	pool := newStatsPool(config.WorkerConfig{PoolSize: 4, QueueSize: 64, SmallInputThreshold: 0})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	// Interleave submissions for two markets; each market's tasks must run
	// in submission order even though the small-input path could tempt a
	// reorder.
	var mu sync.Mutex
	seen := map[string][]int{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		for _, market := range []string{"m1", "m2"} {
			wg.Add(1)
			seq := i
			id := market
			pool.Submit(id, 100, func() {
				defer wg.Done()
				mu.Lock()
				seen[id] = append(seen[id], seq)
				mu.Unlock()
			})
		}
	}
	wg.Wait()
	cancel()
	<-done

	for _, market := range []string{"m1", "m2"} {
		got := seen[market]
		if len(got) != 50 {
			t.Fatalf("%s: ran %d of 50 tasks", market, len(got))
		}
		for i, seq := range got {
			if seq != i {
				t.Fatalf("%s: task %d ran at position %d", market, seq, i)
			}
		}
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := &config.Config{}
	cfg.Store.Path = filepath.Join(t.TempDir(), "engine.db")
	cfg.Tiers.RetentionWindow = 24 * time.Hour
	cfg.Microstructure.TickBufferSize = 100
	cfg.Microstructure.MinSampleSize = 10
	cfg.Microstructure.EWMAAlpha = 0.1
	cfg.Microstructure.DepthLevels = 5
	cfg.Microstructure.SlopeWindow = 20
	cfg.Correlation.MinCorrelation = 0.6
	cfg.Correlation.Windows = []time.Duration{time.Hour}
	cfg.Correlation.MinMarketsForSignal = 3
	cfg.Correlation.Interval = time.Minute
	cfg.Performance.SampleWorkers = 1
	cfg.Performance.QueueSize = 16
	cfg.Performance.MaxPositionSizePct = 0.25
	cfg.Workers.PoolSize = 1
	cfg.Workers.QueueSize = 16

	e, err := New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.store.Close() })
	return e
}

func TestStatusSnapshotBeforeStart(t *testing.T) {
	e := newTestEngine(t)

	status := e.Status()
	if status.Connection != "DISCONNECTED" {
		t.Errorf("connection: got %q", status.Connection)
	}
	if status.SignalsEmitted != 0 {
		t.Errorf("signals: got %d", status.SignalsEmitted)
	}
	if status.MarketsByTier[string(types.TierActive)] != 0 {
		t.Errorf("tiers: got %v", status.MarketsByTier)
	}
}

func TestHandleSignalPersistsAndCounts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	e.publish(sig("sig-1", 0.8))
	s, ok := e.bus.Pop()
	if !ok {
		t.Fatal("bus empty after publish")
	}
	e.handleSignal(ctx, s)

	n, err := e.store.CountRows(ctx, "signals")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("signals persisted: got %d, want 1", n)
	}
	if got := e.signalsEmitted.Load(); got != 1 {
		t.Errorf("emitted: got %d", got)
	}
}

func TestMidPriceUnknownMarket(t *testing.T) {
	e := newTestEngine(t)
	if _, ok := e.MidPrice("0xmissing"); ok {
		t.Error("unknown market reported a price")
	}
}
