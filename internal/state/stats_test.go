package state

import (
	"math"
	"math/rand"
	"testing"
)

func TestWelfordMatchesDirectComputation(t *testing.T) {
	samples := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	var w Welford
	for _, s := range samples {
		w.Update(s)
	}

	if math.Abs(w.Mean()-5) > 1e-9 {
		t.Errorf("mean: got %f, want 5", w.Mean())
	}
	if math.Abs(w.StdDev()-2) > 1e-9 {
		t.Errorf("stddev: got %f, want 2", w.StdDev())
	}
}

func TestZScoreZeroUntilWarm(t *testing.T) {
	var w Welford
	for i := 0; i < 5; i++ {
		w.Update(float64(i))
	}
	if z := w.ZScore(100, 10); z != 0 {
		t.Errorf("z must be 0 before warm-up, got %f", z)
	}
}

func TestZScoreBoundedUnderStationaryInput(t *testing.T) {
	// Synthetic stationary input: after warm-up, |z| stays well bounded.
	rng := rand.New(rand.NewSource(42))
	var w Welford
	for i := 0; i < 1000; i++ {
		x := rng.NormFloat64()
		if w.Count() > 10 {
			if z := w.ZScore(x, 10); math.Abs(z) > 10 {
				t.Fatalf("sample %d: |z| = %f exceeds 10 under stationary input", i, z)
			}
		}
		w.Update(x)
	}
}

func TestZScoreStepResponse(t *testing.T) {
	// A 5σ step must cross the z = 2 detection threshold within one sample.
	var w Welford
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		w.Update(rng.NormFloat64()) // σ ≈ 1
	}

	step := w.Mean() + 5*w.StdDev()
	if z := w.ZScore(step, 10); z < 2 {
		t.Errorf("5σ step produced z = %f, expected >= 2 immediately", z)
	}
}

func TestZScoreDegenerateSeries(t *testing.T) {
	var w Welford
	for i := 0; i < 20; i++ {
		w.Update(0.5)
	}
	if z := w.ZScore(0.5, 10); z != 0 {
		t.Errorf("constant series must report z = 0, got %f", z)
	}
}

func TestEWMA(t *testing.T) {
	e := NewEWMA(0.1)
	e.Update(10)
	if e.Value() != 10 {
		t.Errorf("first sample seeds directly, got %f", e.Value())
	}
	e.Update(20)
	if math.Abs(e.Value()-11) > 1e-9 {
		t.Errorf("expected 0.1·20 + 0.9·10 = 11, got %f", e.Value())
	}
}

func TestLeastSquaresSlope(t *testing.T) {
	if s := leastSquaresSlope([]float64{1, 2, 3, 4, 5}); math.Abs(s-1) > 1e-9 {
		t.Errorf("linear series slope: got %f, want 1", s)
	}
	if s := leastSquaresSlope([]float64{5, 5, 5, 5}); math.Abs(s) > 1e-9 {
		t.Errorf("flat series slope: got %f, want 0", s)
	}
	if s := leastSquaresSlope([]float64{10, 8, 6, 4}); math.Abs(s+2) > 1e-9 {
		t.Errorf("descending slope: got %f, want -2", s)
	}
	if s := leastSquaresSlope([]float64{1}); s != 0 {
		t.Errorf("single point slope must be 0, got %f", s)
	}
}
