package curve

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/gotmc/phasenoise/lib/pnp"
)

// Settings control how a source is rendered into columns.
type Settings struct {
	Width     int
	Smoothing int
	Algorithm Algorithm
	// SpurDB is the spur threshold; zero disables suppression.
	SpurDB float64
}

// DefaultSettings renders 640 columns, unsmoothed, with spur suppression at
// the default threshold.
func DefaultSettings() Settings {
	return Settings{Width: 640, Algorithm: Symmetric, SpurDB: DefaultSpurDB}
}

// Validate checks the settings' ranges.
func (s Settings) Validate() error {
	switch {
	case s.Width < 2:
		return fmt.Errorf("display width %d", s.Width)
	case s.Smoothing < 0 || s.Smoothing > MaxSmoothing:
		return fmt.Errorf("smoothing %d outside 0..%d", s.Smoothing, MaxSmoothing)
	case s.SpurDB != 0 && (s.SpurDB < MinSpurDB || s.SpurDB > MaxSpurDB):
		return fmt.Errorf("spur threshold %g dB outside %g..%g", s.SpurDB, MinSpurDB, MaxSpurDB)
	case s.Algorithm != Trailing && s.Algorithm != Symmetric:
		return fmt.Errorf("unknown smoothing algorithm %d", s.Algorithm)
	}
	return nil
}

// Display caches the processed columns of one source. The cache is rebuilt
// lazily after the settings or the source change.
type Display struct {
	src      *pnp.Source
	settings Settings

	cols   []Column
	spurs  int
	lo, hi float64
	valid  bool
}

// NewDisplay returns a display of src.
func NewDisplay(src *pnp.Source, s Settings) (*Display, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Display{src: src, settings: s}, nil
}

// Source returns the displayed source.
func (d *Display) Source() *pnp.Source { return d.src }

// Settings returns the current settings.
func (d *Display) Settings() Settings { return d.settings }

// SetSettings changes the settings and drops the cache.
func (d *Display) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s != d.settings {
		d.settings = s
		d.Invalidate()
	}
	return nil
}

// Invalidate drops the cache, e.g. after the source was reloaded.
func (d *Display) Invalidate() { d.valid = false }

// Columns returns the processed columns: point sampling, spur suppression,
// then smoothing. The slice is owned by the display.
func (d *Display) Columns() []Column {
	if d.valid {
		return d.cols
	}
	s := d.settings
	d.cols = Sample(d.src, s.Width)
	d.spurs = SuppressSpurs(d.cols, s.SpurDB, SpurWindow(s.Width))
	Smooth(d.cols, s.Smoothing, s.Algorithm)

	var vals []float64
	for _, c := range d.cols {
		if c.Valid {
			vals = append(vals, c.Smoothed)
		}
	}
	d.lo, d.hi = 0, 0
	if len(vals) > 0 {
		d.lo, d.hi = floats.Min(vals), floats.Max(vals)
	}
	d.valid = true
	return d.cols
}

// Spurs returns the number of columns replaced by spur suppression.
func (d *Display) Spurs() int {
	d.Columns()
	return d.spurs
}

// Extremes returns the lowest and highest smoothed values.
func (d *Display) Extremes() (lo, hi float64) {
	d.Columns()
	return d.lo, d.hi
}

// Spot returns the smoothed value of the column nearest offsetHz on the
// log axis.
func (d *Display) Spot(offsetHz float64) (float64, bool) {
	cols := d.Columns()
	if offsetHz <= 0 || len(cols) == 0 {
		return 0, false
	}
	lo, hi := d.src.Span()
	if offsetHz < lo || offsetHz >= hi {
		return 0, false
	}
	i := sort.Search(len(cols), func(i int) bool { return cols[i].OffsetHz >= offsetHz })
	if i == len(cols) || (i > 0 && math.Log(offsetHz/cols[i-1].OffsetHz) < math.Log(cols[i].OffsetHz/offsetHz)) {
		i--
	}
	return cols[i].Smoothed, cols[i].Valid
}

// interpolate returns the smoothed density at offsetHz from the valid
// columns either side, interpolating linear power.
func (d *Display) interpolate(offsetHz float64) (float64, bool) {
	cols := d.Columns()
	var below, above *Column
	for i := range cols {
		c := &cols[i]
		if !c.Valid {
			continue
		}
		if c.OffsetHz <= offsetHz {
			below = c
		}
		if c.OffsetHz >= offsetHz {
			above = c
			break
		}
	}
	switch {
	case below == nil || above == nil:
		return 0, false
	case below == above || below.OffsetHz == above.OffsetHz:
		return below.Smoothed, true
	}
	la, lb := linear(below.Smoothed), linear(above.Smoothed)
	t := (offsetHz - below.OffsetHz) / (above.OffsetHz - below.OffsetHz)
	return toDB(la + (lb-la)*t), true
}

// Integrate integrates the smoothed curve over [lowHz, highHz]. The range
// ends are sampled by interpolation so the result does not depend on the
// column grid at the edges.
func (d *Display) Integrate(lowHz, highHz float64) (Noise, error) {
	if !(lowHz < highHz) {
		return Noise{}, fmt.Errorf("empty integration range %g..%g Hz", lowHz, highHz)
	}
	lv, ok := d.interpolate(lowHz)
	if !ok {
		return Noise{}, fmt.Errorf("%g Hz is outside the curve", lowHz)
	}
	hv, ok := d.interpolate(highHz)
	if !ok {
		return Noise{}, fmt.Errorf("%g Hz is outside the curve", highHz)
	}
	offs := []float64{lowHz}
	vals := []float64{lv}
	for _, c := range d.Columns() {
		if c.Valid && c.OffsetHz > lowHz && c.OffsetHz < highHz {
			offs = append(offs, c.OffsetHz)
			vals = append(vals, c.Smoothed)
		}
	}
	offs = append(offs, highHz)
	vals = append(vals, hv)
	return Integrate(offs, vals, d.src.CarrierHz)
}

// Range returns the offsets of the first and last valid columns.
func (d *Display) Range() (lo, hi float64, ok bool) {
	cols := d.Columns()
	first, last := -1, -1
	for i, c := range cols {
		if c.Valid {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return 0, 0, false
	}
	return cols[first].OffsetHz, cols[last].OffsetHz, true
}
