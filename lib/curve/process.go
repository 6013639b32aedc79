// Package curve turns a composite phase noise curve into display columns
// and integrates it. Averaging is always done on linear power.
package curve

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/gotmc/phasenoise/lib/pnp"
)

// Algorithm selects how columns are smoothed.
type Algorithm int

const (
	// Trailing averages the 2n+1 columns ending at each column and leaves
	// the column alone unless all of them are valid.
	Trailing Algorithm = iota
	// Symmetric averages up to n columns either side, narrowing near the
	// left edge; the right edge may be truncated.
	Symmetric
)

func (a Algorithm) String() string {
	switch a {
	case Trailing:
		return "trailing"
	case Symmetric:
		return "symmetric"
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

// ParseAlgorithm accepts the names printed by String.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "trailing":
		return Trailing, nil
	case "symmetric":
		return Symmetric, nil
	}
	return 0, fmt.Errorf("unknown smoothing algorithm %q", s)
}

// Spur suppression limits.
const (
	DefaultSpurDB = 20.0
	MinSpurDB     = 3.0
	MaxSpurDB     = 100.0
	MaxSmoothing  = 64
)

// Column is one display column.
type Column struct {
	OffsetHz float64
	DB       float64
	Linear   float64
	Valid    bool
	Smoothed float64
}

func linear(dB float64) float64 { return math.Pow(10, dB/10) }

func toDB(lin float64) float64 { return 10 * math.Log10(lin) }

// Sample point-samples src at width log-spaced offsets spanning its decade
// range.
func Sample(src *pnp.Source, width int) []Column {
	cols := make([]Column, width)
	lo, hi := src.Span()
	ratio := math.Log(hi / lo)
	for i := range cols {
		off := lo * math.Exp(ratio*float64(i)/float64(width))
		db, ok := src.SampledValue(off)
		cols[i] = Column{OffsetHz: off, DB: db, Valid: ok, Smoothed: db}
		if ok {
			cols[i].Linear = linear(db)
		}
	}
	return cols
}

// SpurWindow is the number of columns scanned either side of a candidate
// spur for a display width.
func SpurWindow(width int) int { return max(width/25, 1) }

// SuppressSpurs replaces columns standing at least spurDB above the lowest
// valid column on both sides within window columns. The replacement is the
// linear mean of the valid neighbors. Detection uses the unmodified values.
// A spurDB of zero disables suppression.
func SuppressSpurs(cols []Column, spurDB float64, window int) int {
	if spurDB <= 0 || window < 1 {
		return 0
	}
	orig := make([]Column, len(cols))
	copy(orig, cols)

	replaced := 0
	neighbors := make([]float64, 0, 2*window)
	for i, c := range orig {
		if !c.Valid {
			continue
		}
		leftMin, rightMin := math.Inf(1), math.Inf(1)
		neighbors = neighbors[:0]
		for k := 1; k <= window; k++ {
			if j := i - k; j >= 0 && orig[j].Valid {
				leftMin = math.Min(leftMin, orig[j].DB)
				neighbors = append(neighbors, orig[j].Linear)
			}
			if j := i + k; j < len(orig) && orig[j].Valid {
				rightMin = math.Min(rightMin, orig[j].DB)
				neighbors = append(neighbors, orig[j].Linear)
			}
		}
		if math.IsInf(leftMin, 1) || math.IsInf(rightMin, 1) {
			continue
		}
		if c.DB-leftMin < spurDB || c.DB-rightMin < spurDB {
			continue
		}
		mean := stat.Mean(neighbors, nil)
		cols[i].Linear = mean
		cols[i].DB = toDB(mean)
		replaced++
	}
	return replaced
}

// Smooth fills each column's Smoothed value. n == 0 copies DB unchanged.
func Smooth(cols []Column, n int, alg Algorithm) {
	if n <= 0 {
		for i := range cols {
			cols[i].Smoothed = cols[i].DB
		}
		return
	}
	window := make([]float64, 0, 2*n+1)
	for i := range cols {
		cols[i].Smoothed = cols[i].DB
		if !cols[i].Valid {
			continue
		}
		window = window[:0]
		switch alg {
		case Trailing:
			if i < 2*n {
				continue
			}
			complete := true
			for j := i - 2*n; j <= i; j++ {
				if !cols[j].Valid {
					complete = false
					break
				}
				window = append(window, cols[j].Linear)
			}
			if !complete {
				continue
			}
		case Symmetric:
			k := min(n, i)
			for j := i - k; j <= i+k && j < len(cols); j++ {
				if cols[j].Valid {
					window = append(window, cols[j].Linear)
				}
			}
		}
		if len(window) > 0 {
			cols[i].Smoothed = toDB(stat.Mean(window, nil))
		}
	}
}
