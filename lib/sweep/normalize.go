package sweep

import (
	"math"

	"github.com/gotmc/phasenoise/lib/pnp"
)

// RawTrace is one captured sweep. Its buffers are sized to the profile once
// per acquisition and reused for every half.
type RawTrace struct {
	Freq []float64 // analyzer frequency, Hz
	Amp  []float64 // dBm once converted from counts

	RefLevelDBm float64
	AttenDB     float64
	ClipDB      float64
}

// NewRawTrace allocates a trace of n points.
func NewRawTrace(n int) *RawTrace {
	return &RawTrace{Freq: make([]float64, n), Amp: make([]float64, n)}
}

// NoiseCorrection is the factor that scales a reading in rbwHz to a 1 Hz
// bandwidth, including the detector's noise characteristic nf.
func NoiseCorrection(rbwHz, nf float64) float64 {
	return -10*math.Log10(rbwHz) + nf
}

// Normalize converts raw's dBm amplitudes to dBc/Hz. The carrier sits
// ClipDB above the reference level.
func Normalize(raw *RawTrace, rbwHz, nf, extMult float64) []float64 {
	out := make([]float64, len(raw.Amp))
	NormalizeInto(out, raw, rbwHz, nf, extMult)
	return out
}

// NormalizeInto is Normalize writing into dst, which must be at least as
// long as raw.Amp.
func NormalizeInto(dst []float64, raw *RawTrace, rbwHz, nf, extMult float64) {
	carrier := raw.RefLevelDBm + raw.ClipDB
	shift := NoiseCorrection(rbwHz, nf)
	if extMult > 0 {
		shift -= 20 * math.Log10(extMult)
	}
	for i, a := range raw.Amp {
		dst[i] = pnp.ClampDBc(a - carrier + shift)
	}
}
