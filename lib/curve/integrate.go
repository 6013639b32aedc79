package curve

import (
	"errors"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/integrate"
)

// Noise is the result of integrating a curve over an offset range.
type Noise struct {
	LowHz, HighHz float64

	// PM is the integrated single-sideband phase noise, linear.
	PM float64
	// FM is PM weighted by offset squared, Hz^2.
	FM float64

	CNRdB        float64
	RMSRad       float64
	RMSDeg       float64
	ResidualFMHz float64
	// JitterS is zero when the carrier frequency is unknown.
	JitterS float64
}

// ErrTooFewPoints is returned when fewer than two valid points fall in the
// integration range.
var ErrTooFewPoints = errors.New("fewer than two points to integrate")

// Integrate integrates dBc/Hz values at increasing offsets. Between
// neighbors the density is interpolated on linear power, so PM is the
// trapezoidal integral of the linear curve.
func Integrate(offsetHz, dBc []float64, carrierHz float64) (Noise, error) {
	if len(offsetHz) != len(dBc) {
		return Noise{}, fmt.Errorf("%d offsets for %d values", len(offsetHz), len(dBc))
	}
	if len(offsetHz) < 2 {
		return Noise{}, ErrTooFewPoints
	}
	lin := make([]float64, len(dBc))
	for i, v := range dBc {
		lin[i] = linear(v)
		if i > 0 && offsetHz[i] <= offsetHz[i-1] {
			return Noise{}, fmt.Errorf("offsets not increasing at %d", i)
		}
	}

	n := Noise{LowHz: offsetHz[0], HighHz: offsetHz[len(offsetHz)-1]}
	n.PM = integrate.Trapezoidal(offsetHz, lin)
	for i := 1; i < len(lin); i++ {
		fmid := (offsetHz[i] + offsetHz[i-1]) / 2
		df := offsetHz[i] - offsetHz[i-1]
		n.FM += (lin[i] + lin[i-1]) / 2 * fmid * fmid * df
	}
	n.CNRdB = toDB(n.PM)
	n.RMSRad = math.Sqrt(2 * n.PM)
	n.RMSDeg = n.RMSRad * 180 / math.Pi
	n.ResidualFMHz = math.Sqrt(2 * n.FM)
	if carrierHz > 0 {
		n.JitterS = n.RMSRad / (2 * math.Pi * carrierHz)
	}
	return n, nil
}

func (n Noise) String() string {
	s := fmt.Sprintf("%s to %s: %.2f dBc, %.3g rad (%.3g deg), residual FM %s",
		humanize.SIWithDigits(n.LowHz, 2, "Hz"),
		humanize.SIWithDigits(n.HighHz, 2, "Hz"),
		n.CNRdB, n.RMSRad, n.RMSDeg,
		humanize.SIWithDigits(n.ResidualFMHz, 3, "Hz"))
	if n.JitterS > 0 {
		s += ", jitter " + humanize.SIWithDigits(n.JitterS, 3, "s")
	}
	return s
}
