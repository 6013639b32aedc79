package curve

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Mode picks how Resample reduces the samples that fall in one bucket.
type Mode int

const (
	Point Mode = iota // first sample of the bucket
	Avg
	Min
	Max
)

// ParseMode accepts point, avg, min and max.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "point":
		return Point, nil
	case "avg":
		return Avg, nil
	case "min":
		return Min, nil
	case "max":
		return Max, nil
	}
	return 0, fmt.Errorf("unknown resample mode %q", s)
}

// Resample reduces or stretches values to width buckets. When there are
// fewer values than buckets, each bucket takes the nearest value.
func Resample(values []float64, width int, mode Mode) []float64 {
	if width <= 0 || len(values) == 0 {
		return nil
	}
	out := make([]float64, width)
	n := len(values)
	for i := range out {
		a := i * n / width
		b := max((i+1)*n/width, a+1)
		bucket := values[a:b]
		switch mode {
		case Avg:
			out[i] = stat.Mean(bucket, nil)
		case Min:
			out[i] = floats.Min(bucket)
		case Max:
			out[i] = floats.Max(bucket)
		default:
			out[i] = bucket[0]
		}
	}
	return out
}
