package features

import (
	"math"
	"testing"
)

const epsilon = 1e-9

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

func TestRMS(t *testing.T) {
	cases := []struct {
		name string
		in   []float64
		want float64
	}{
		{"empty", nil, 0},
		{"constant", []float64{1, 1, 1, 1}, 1},
		{"mixed", []float64{3, 4}, math.Sqrt(12.5)},
	}
	for _, tc := range cases {
		if got := RMS(tc.in); !approxEqual(got, tc.want) {
			t.Errorf("%s: RMS(%v) = %v, want %v", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestPeak(t *testing.T) {
	cases := []struct {
		name string
		in   []float64
		want float64
	}{
		{"empty", nil, 0},
		{"constant", []float64{1, 1, 1}, 1},
		{"negative peak", []float64{-5, 2, 3}, 5},
	}
	for _, tc := range cases {
		if got := Peak(tc.in); !approxEqual(got, tc.want) {
			t.Errorf("%s: Peak(%v) = %v, want %v", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestKurtosis_ConstantSignalIsZero(t *testing.T) {
	x := make([]float64, 10000)
	for i := range x {
		x[i] = 1.0
	}
	if got := Kurtosis(x); got != 0 {
		t.Fatalf("expected kurtosis 0 for a constant signal, got %v", got)
	}
}

func TestKurtosis_TooFewSamples(t *testing.T) {
	if got := Kurtosis([]float64{5}); got != 0 {
		t.Fatalf("expected kurtosis 0 for a single sample, got %v", got)
	}
}

func TestCrestFactor(t *testing.T) {
	if got := CrestFactor(1.0, 1.0); !approxEqual(got, 1.0) {
		t.Fatalf("expected crest factor 1.0 for peak==rms, got %v", got)
	}
	if got := CrestFactor(5.0, 0.0); got != 0 {
		t.Fatalf("expected crest factor 0 when rms is 0, got %v", got)
	}
}

func TestDominantFrequency_TooFewSamples(t *testing.T) {
	if got := DominantFrequency([]float64{1}, 25600); got != 0 {
		t.Fatalf("expected 0 for a single sample, got %v", got)
	}
	if got := DominantFrequency(nil, 25600); got != 0 {
		t.Fatalf("expected 0 for an empty slice, got %v", got)
	}
}

func TestDominantFrequency_ConstantSignalIsZero(t *testing.T) {
	// A constant signal has all of its energy in the DC bin, which is
	// explicitly excluded, so the dominant frequency must be 0.
	x := make([]float64, 10000)
	for i := range x {
		x[i] = 1.0
	}
	if got := DominantFrequency(x, 25600); got != 0 {
		t.Fatalf("expected dominant frequency 0 for a constant signal, got %v", got)
	}
}

func TestDominantFrequency_FindsKnownSinusoid(t *testing.T) {
	const fs = 1000.0
	const n = 1000
	const targetHz = 50.0
	x := make([]float64, n)
	for i := range x {
		x[i] = math.Sin(2 * math.Pi * targetHz * float64(i) / fs)
	}
	got := DominantFrequency(x, fs)
	if math.Abs(got-targetHz) > fs/float64(n) {
		t.Fatalf("expected dominant frequency near %v Hz, got %v", targetHz, got)
	}
}

// TestCompute_ConstantWindow matches the documented end-to-end scenario of a
// 10000-sample window with h held at 1.0 and v held at 0.0.
func TestCompute_ConstantWindow(t *testing.T) {
	n := 10000
	h := make([]float64, n)
	v := make([]float64, n)
	for i := range h {
		h[i] = 1.0
		v[i] = 0.0
	}

	fs := Compute(h, v, 25600)

	if !approxEqual(fs.RMSH, 1.0) {
		t.Errorf("rms_h = %v, want 1.0", fs.RMSH)
	}
	if !approxEqual(fs.PeakH, 1.0) {
		t.Errorf("peak_h = %v, want 1.0", fs.PeakH)
	}
	if !approxEqual(fs.CrestFactorH, 1.0) {
		t.Errorf("crest_factor_h = %v, want 1.0", fs.CrestFactorH)
	}
	if fs.KurtosisH != 0 {
		t.Errorf("kurtosis_h = %v, want 0", fs.KurtosisH)
	}
	if fs.DominantFreqH != 0 {
		t.Errorf("dominant_freq_h = %v, want 0", fs.DominantFreqH)
	}

	if fs.RMSV != 0 {
		t.Errorf("rms_v = %v, want 0", fs.RMSV)
	}
	if fs.PeakV != 0 {
		t.Errorf("peak_v = %v, want 0", fs.PeakV)
	}
	if fs.CrestFactorV != 0 {
		t.Errorf("crest_factor_v = %v, want 0", fs.CrestFactorV)
	}
}
