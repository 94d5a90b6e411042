package history

import (
	"math"
	"testing"
	"time"
)

func TestRecordDownsamples(t *testing.T) {
	h := NewHistory(time.Hour)
	now := time.Now()

	// Ten updates inside one second keep only the first sample.
	for i := 0; i < 10; i++ {
		h.Record("m1", now.Add(time.Duration(i)*50*time.Millisecond), 0.50, 0)
	}
	h.Record("m1", now.Add(2*time.Second), 0.51, 0)

	samples := h.Samples("m1", time.Hour, now.Add(2*time.Second))
	if len(samples) != 2 {
		t.Fatalf("expected 2 retained samples, got %d", len(samples))
	}
}

func TestRecordFoldsSubSecondVolume(t *testing.T) {
	h := NewHistory(time.Hour)
	now := time.Now()

	h.Record("m1", now, 0.50, 10)
	h.Record("m1", now.Add(200*time.Millisecond), 0.50, 5) // same slot

	samples := h.Samples("m1", time.Hour, now.Add(time.Second))
	if len(samples) != 1 || samples[0].Volume != 15 {
		t.Errorf("sub-second volume must fold into the retained sample: %+v", samples)
	}
}

func TestRetentionPrunes(t *testing.T) {
	h := NewHistory(10 * time.Minute)
	now := time.Now()

	h.Record("m1", now.Add(-time.Hour), 0.40, 0)
	h.Record("m1", now, 0.50, 0)

	samples := h.Samples("m1", 24*time.Hour, now)
	if len(samples) != 1 || samples[0].MidPrice != 0.50 {
		t.Errorf("stale sample must be pruned: %+v", samples)
	}
}

func TestChangePct(t *testing.T) {
	h := NewHistory(24 * time.Hour)
	now := time.Now()

	h.Record("m1", now.Add(-50*time.Minute), 0.50, 0)
	h.Record("m1", now, 0.52, 0)

	pct, ok := h.ChangePct("m1", time.Hour, now)
	if !ok {
		t.Fatal("expected a change value")
	}
	if pct < 3.99 || pct > 4.01 {
		t.Errorf("expected +4%%, got %f", pct)
	}

	if _, ok := h.ChangePct("m1", 10*time.Minute, now); ok {
		t.Error("single in-window sample must not report change")
	}
	if _, ok := h.ChangePct("missing", time.Hour, now); ok {
		t.Error("unknown market must not report change")
	}
}

func TestVolumeMultiple(t *testing.T) {
	h := NewHistory(24 * time.Hour)
	now := time.Now()

	// Baseline: 100 units over 4 hours. Recent hour: 90 of those units.
	h.Record("m1", now.Add(-3*time.Hour), 0.50, 10)
	h.Record("m1", now.Add(-30*time.Minute), 0.50, 90)

	mult, ok := h.VolumeMultiple("m1", time.Hour, 4*time.Hour, now)
	if !ok {
		t.Fatal("expected a multiple")
	}
	// (90/1h) / (100/4h) = 3.6
	if mult < 3.59 || mult > 3.61 {
		t.Errorf("expected 3.6x, got %f", mult)
	}

	if _, ok := h.VolumeMultiple("m1", time.Hour, 0, now); ok {
		t.Error("zero baseline window must not report")
	}
}

func TestPearsonIdenticalSeries(t *testing.T) {
	x := []float64{0.01, -0.02, 0.03, 0.005, -0.01}
	if r := Pearson(x, x); math.Abs(r-1.0) > 1e-9 {
		t.Errorf("identical series must correlate 1.0, got %f", r)
	}

	inv := make([]float64, len(x))
	for i, v := range x {
		inv[i] = -v
	}
	if r := Pearson(x, inv); math.Abs(r+1.0) > 1e-9 {
		t.Errorf("inverted series must correlate -1.0, got %f", r)
	}
}

func TestPearsonDegenerate(t *testing.T) {
	flat := []float64{0.5, 0.5, 0.5}
	varying := []float64{0.1, 0.2, 0.3}
	if r := Pearson(flat, varying); r != 0 {
		t.Errorf("flat series must correlate 0, got %f", r)
	}
	if r := Pearson([]float64{1}, []float64{1}); r != 0 {
		t.Errorf("single sample must correlate 0, got %f", r)
	}
	if r := Pearson(varying, varying[:2]); r != 0 {
		t.Errorf("mismatched lengths must correlate 0, got %f", r)
	}
}

func TestAlignedReturnsAndCorrelate(t *testing.T) {
	h := NewHistory(24 * time.Hour)
	base := time.Now().Add(-time.Hour)

	// Two markets moving in lockstep, sampled every minute.
	prices := []float64{0.50, 0.51, 0.50, 0.52, 0.53, 0.52, 0.54}
	for i, p := range prices {
		ts := base.Add(time.Duration(i) * time.Minute)
		h.Record("a", ts, p, 0)
		h.Record("b", ts, p+0.10, 0)
	}
	now := base.Add(time.Duration(len(prices)) * time.Minute)

	ra, rb := h.AlignedReturns("a", "b", time.Hour, time.Minute, now)
	if len(ra) != len(prices)-1 || len(rb) != len(ra) {
		t.Fatalf("aligned lengths: %d/%d", len(ra), len(rb))
	}

	r, n := h.Correlate("a", "b", time.Hour, time.Minute, now)
	if n < 2 {
		t.Fatalf("overlap too thin: %d", n)
	}
	if r < 0.99 {
		t.Errorf("lockstep markets must correlate near 1.0, got %f", r)
	}
}

func TestAlignedReturnsSkipsMissingBuckets(t *testing.T) {
	h := NewHistory(24 * time.Hour)
	base := time.Now().Add(-time.Hour)

	h.Record("a", base, 0.50, 0)
	h.Record("a", base.Add(time.Minute), 0.51, 0)
	h.Record("a", base.Add(2*time.Minute), 0.52, 0)
	// b misses the middle bucket.
	h.Record("b", base, 0.40, 0)
	h.Record("b", base.Add(2*time.Minute), 0.42, 0)

	now := base.Add(3 * time.Minute)
	ra, rb := h.AlignedReturns("a", "b", time.Hour, time.Minute, now)
	if len(ra) != 1 || len(rb) != 1 {
		t.Fatalf("expected 1 aligned return over shared buckets, got %d", len(ra))
	}
}

func TestRemove(t *testing.T) {
	h := NewHistory(time.Hour)
	now := time.Now()
	h.Record("m1", now, 0.5, 0)
	h.Remove("m1")

	if got := h.Samples("m1", time.Hour, now); len(got) != 0 {
		t.Errorf("removed market must have no samples: %+v", got)
	}
	if ids := h.MarketIDs(); len(ids) != 0 {
		t.Errorf("market ids must be empty: %v", ids)
	}
}
