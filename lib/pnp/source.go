// Package pnp holds the composite phase-noise curve and reads and writes its
// line-oriented PNP record.
package pnp

import (
	"math"
	"sort"
)

// Decade range and clamping limits.
const (
	MinDecade = -6
	MaxDecade = 7

	MaxFreqHz = 999e12
	MinDBc    = -300.0
	MaxDBc    = 0.0
)

// Decade holds the traces captured for offsets [10^Exp, 10^(Exp+1)).
// Frequencies are absolute, i.e. carrier plus offset.
type Decade struct {
	Exp int

	Freq []float64 // TF, non-decreasing
	Ampl []float64 // TA, dBc/Hz
	NCF  float64

	OverlapFreq []float64 // OF, the start of the next decade
	OverlapAmpl []float64 // OA
	OverlapNCF  float64

	AttenDB    float64
	HasAtten   bool
	CarrierHz  float64
	CarrierDBm float64
	HasCarrier bool
}

// Source is one composite curve and its metadata.
type Source struct {
	Path string

	Caption   string
	Timestamp string
	Model     string
	Revision  string

	MinDecade, MaxDecade int
	NormalCount          int // DCC
	OverlapCount         int // OVC

	ExtIFHz     float64 // -1 when unused
	ExtLOHz     float64 // -1 when unused
	Multiplier  float64
	VBWFactor   float64
	SmoothLimit int

	ClipDB     float64
	HasClip    bool
	AttenDB    float64
	HasAtten   bool
	CarrierHz  float64
	CarrierDBm float64

	ElapsedS float64
	End      string

	Decades []Decade

	// Extremes of the normal traces after blending.
	MinDBcHz, MaxDBcHz float64
}

// NewSource allocates a source covering decades lo..hi.
func NewSource(lo, hi int) *Source {
	s := &Source{
		MinDecade:  lo,
		MaxDecade:  hi,
		ExtIFHz:    -1,
		ExtLOHz:    -1,
		Multiplier: 1,
		VBWFactor:  1,
	}
	s.Decades = make([]Decade, 0, hi-lo+1)
	for e := lo; e <= hi; e++ {
		s.Decades = append(s.Decades, Decade{Exp: e})
	}
	return s
}

// Decade returns the decade starting at 10^exp, or nil.
func (s *Source) Decade(exp int) *Decade {
	i := exp - s.MinDecade
	if i < 0 || i >= len(s.Decades) {
		return nil
	}
	return &s.Decades[i]
}

// DecadeOf returns the exponent of the decade containing offsetHz. Exact
// powers of ten belong to the decade they start.
func DecadeOf(offsetHz float64) int {
	e := int(math.Floor(math.Log10(offsetHz)))
	switch {
	case math.Pow10(e+1) <= offsetHz:
		e++
	case math.Pow10(e) > offsetHz:
		e--
	}
	return e
}

// Span returns the offset range [10^MinDecade, 10^(MaxDecade+1)).
func (s *Source) Span() (lo, hi float64) {
	return math.Pow10(s.MinDecade), math.Pow10(s.MaxDecade + 1)
}

// SampledValue returns the recorded amplitude nearest to carrier+offsetHz
// in the decade containing offsetHz. valid is false outside the source's
// decade range or when that decade has no points.
func (s *Source) SampledValue(offsetHz float64) (dBc float64, valid bool) {
	if offsetHz <= 0 || math.IsInf(offsetHz, 0) || math.IsNaN(offsetHz) {
		return 0, false
	}
	d := s.Decade(DecadeOf(offsetHz))
	if d == nil || len(d.Freq) == 0 {
		return 0, false
	}
	f := s.CarrierHz + offsetHz
	n := len(d.Freq)
	if f <= d.Freq[0] {
		return d.Ampl[0], true
	}
	if f >= d.Freq[n-1] {
		return d.Ampl[n-1], true
	}
	i := sort.SearchFloat64s(d.Freq, f)
	if f-d.Freq[i-1] < d.Freq[i]-f {
		i--
	}
	return d.Ampl[i], true
}

// Blend merges each decade's overlap trace into the start of the next
// decade's normal trace. The first len(overlap)/10 normal points are mixed
// with the overlap decimated 1-in-10, ramping from all-overlap at the first
// point to all-normal at the last.
func (s *Source) Blend() {
	for d := 0; d+1 < len(s.Decades); d++ {
		prev, next := &s.Decades[d], &s.Decades[d+1]
		n := min(len(prev.OverlapAmpl)/10, len(next.Ampl))
		if n < 2 {
			continue
		}
		// The last point is all-normal and stays as it is.
		for i := 0; i < n-1; i++ {
			alpha := float64(i) / float64(n-1)
			over := prev.OverlapAmpl[i*10]
			next.Ampl[i] = over + alpha*(next.Ampl[i]-over)
		}
	}
}

// updateExtremes recomputes MinDBcHz and MaxDBcHz over the normal traces.
func (s *Source) updateExtremes() {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, d := range s.Decades {
		for _, a := range d.Ampl {
			lo = math.Min(lo, a)
			hi = math.Max(hi, a)
		}
	}
	if math.IsInf(lo, 1) {
		lo, hi = 0, 0
	}
	s.MinDBcHz, s.MaxDBcHz = lo, hi
}

// ClampFreq limits an absolute frequency to [0, 999 THz].
func ClampFreq(hz float64) float64 {
	if math.IsNaN(hz) {
		return 0
	}
	return math.Min(math.Max(hz, 0), MaxFreqHz)
}

// ClampDBc limits an amplitude to [-300, 0] dBc.
func ClampDBc(dBc float64) float64 {
	if math.IsNaN(dBc) {
		return MinDBc
	}
	return math.Min(math.Max(dBc, MinDBc), MaxDBc)
}

// Bounds returns the offset range [10^Exp, 10^(Exp+1)) the decade covers.
func (d *Decade) Bounds() (lo, hi float64) {
	return math.Pow10(d.Exp), math.Pow10(d.Exp + 1)
}

// Offset converts an absolute frequency to an offset from the carrier.
func (s *Source) Offset(hz float64) float64 { return hz - s.CarrierHz }
