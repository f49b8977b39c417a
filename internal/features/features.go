// Package features computes the per-window vibration statistics the
// analyzer attaches to every feature record: RMS, peak, kurtosis, crest
// factor and dominant frequency, independently for the horizontal and
// vertical accelerometer axes.
//
// Every function here is a pure, allocation-light transform over a slice of
// samples — no locks, no I/O — mirroring the single-goroutine computation
// style of internal/indicator in the pipeline this package replaces.
package features

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"vibrasense/internal/model"
)

// RMS returns the root-mean-square of x, or 0 for an empty slice.
func RMS(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sumSq float64
	for _, v := range x {
		sumSq += v * v
	}
	return sanitize(math.Sqrt(sumSq / float64(len(x))))
}

// Peak returns the largest absolute value in x, or 0 for an empty slice.
func Peak(x []float64) float64 {
	var peak float64
	for _, v := range x {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return sanitize(peak)
}

// Kurtosis returns the raw (non-excess) fourth standardized moment of x.
// Returns 0 when x has fewer than two points or zero standard deviation,
// since a constant signal has no meaningful shape to describe.
func Kurtosis(x []float64) float64 {
	n := len(x)
	if n < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range x {
		mean += v
	}
	mean /= float64(n)

	var m2, m4 float64
	for _, v := range x {
		d := v - mean
		d2 := d * d
		m2 += d2
		m4 += d2 * d2
	}
	m2 /= float64(n)
	m4 /= float64(n)

	if m2 == 0 {
		return 0
	}
	return sanitize(m4 / (m2 * m2))
}

// CrestFactor returns peak/rms, or 0 when rms is 0.
func CrestFactor(peak, rms float64) float64 {
	if rms == 0 {
		return 0
	}
	return sanitize(peak / rms)
}

// DominantFrequency returns the frequency, in Hz, of the largest-magnitude
// bin of x's real DFT, excluding the DC (0 Hz) bin. fs is the sampling rate
// in Hz. Returns 0 when x has fewer than two samples.
//
// No window function (Hann or otherwise) is applied before the transform:
// the pipeline reports the dominant frequency of the raw windowed signal as
// sampled, trading spectral leakage for simplicity and determinism.
func DominantFrequency(x []float64, fs float64) float64 {
	n := len(x)
	if n < 2 {
		return 0
	}

	fft := fourier.NewFFT(n)
	coeff := fft.Coefficients(nil, x)

	bestBin := -1
	bestMag := 0.0
	// coeff[0] is the DC term; the real-input FFT packs only the
	// non-negative half of the spectrum (n/2+1 bins), which is exactly the
	// positive half we want.
	for bin := 1; bin < len(coeff); bin++ {
		mag := cmplxAbs(coeff[bin])
		if mag > bestMag {
			bestMag = mag
			bestBin = bin
		}
	}
	if bestBin < 0 {
		return 0
	}
	return sanitize(math.Abs(float64(bestBin) * fs / float64(n)))
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

// sanitize collapses NaN/Inf results (e.g. from degenerate inputs) to 0
// rather than letting them escape into a broadcast or persisted record.
func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Compute derives the full per-axis feature set for one window.
func Compute(hData, vData []float64, samplingRateHz float64) model.FeatureSet {
	rmsH := RMS(hData)
	rmsV := RMS(vData)
	peakH := Peak(hData)
	peakV := Peak(vData)

	return model.FeatureSet{
		RMSH:          rmsH,
		RMSV:          rmsV,
		PeakH:         peakH,
		PeakV:         peakV,
		KurtosisH:     Kurtosis(hData),
		KurtosisV:     Kurtosis(vData),
		CrestFactorH:  CrestFactor(peakH, rmsH),
		CrestFactorV:  CrestFactor(peakV, rmsV),
		DominantFreqH: DominantFrequency(hData, samplingRateHz),
		DominantFreqV: DominantFrequency(vData, samplingRateHz),
	}
}
