package curve

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/gotmc/phasenoise/lib/pnp"
)

const carrier = 10e6

// flatSource covers decades lo..hi at level dBc/Hz with 900 points each.
func flatSource(lo, hi int, level float64) *pnp.Source {
	s := pnp.NewSource(lo, hi)
	s.CarrierHz = carrier
	for k := range s.Decades {
		d := &s.Decades[k]
		dec := math.Pow10(d.Exp)
		for i := 0; i < 900; i++ {
			d.Freq = append(d.Freq, carrier+dec+float64(i)*dec/100)
			d.Ampl = append(d.Ampl, level)
		}
	}
	return s
}

func flatColumns(n int, level float64) []Column {
	cols := make([]Column, n)
	for i := range cols {
		cols[i] = Column{OffsetHz: float64(i + 1), DB: level, Linear: linear(level), Valid: true, Smoothed: level}
	}
	return cols
}

func TestSampleCoversDecades(t *testing.T) {
	cols := Sample(flatSource(1, 3, -110), 300)
	require.Len(t, cols, 300)
	assert.InDelta(t, 10.0, cols[0].OffsetHz, 1e-9)
	assert.Less(t, cols[299].OffsetHz, 1e4)
	for i, c := range cols {
		require.True(t, c.Valid, "column %d", i)
		assert.Equal(t, -110.0, c.DB)
		assert.InEpsilon(t, 1e-11, c.Linear, 1e-12)
		if i > 0 {
			assert.Greater(t, c.OffsetHz, cols[i-1].OffsetHz)
		}
	}
}

func randomColumns(t *rapid.T) []Column {
	n := rapid.IntRange(1, 80).Draw(t, "n")
	cols := make([]Column, n)
	for i := range cols {
		db := rapid.Float64Range(-170, -40).Draw(t, "db")
		cols[i] = Column{OffsetHz: float64(i + 1), DB: db, Linear: linear(db), Valid: rapid.Float64Range(0, 1).Draw(t, "v") < 0.9}
	}
	return cols
}

func TestSmoothZeroIsIdentity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cols := randomColumns(t)
		alg := Algorithm(rapid.IntRange(0, 1).Draw(t, "alg"))
		Smooth(cols, 0, alg)
		for i, c := range cols {
			if c.Smoothed != c.DB {
				t.Fatalf("column %d: smoothed %g, dB %g", i, c.Smoothed, c.DB)
			}
		}
	})
}

func TestSmoothTrailing(t *testing.T) {
	cols := flatColumns(6, -100)
	cols[5].DB, cols[5].Linear = -90, linear(-90)
	cols[1].Valid = false
	Smooth(cols, 1, Trailing)

	assert.Equal(t, -100.0, cols[0].Smoothed, "window runs off the left edge")
	assert.Equal(t, -100.0, cols[2].Smoothed, "invalid column in window")
	assert.Equal(t, -100.0, cols[3].Smoothed, "invalid column in window")
	assert.InDelta(t, -100.0, cols[4].Smoothed, 1e-9)
	want := 10 * math.Log10((2*linear(-100)+linear(-90))/3)
	assert.InDelta(t, want, cols[5].Smoothed, 1e-9)
}

func TestSmoothSymmetric(t *testing.T) {
	cols := flatColumns(5, -100)
	cols[0].DB, cols[0].Linear = -80, linear(-80)
	Smooth(cols, 2, Symmetric)

	assert.InDelta(t, -80.0, cols[0].Smoothed, 1e-9, "no room on the left")
	want1 := 10 * math.Log10((linear(-80)+2*linear(-100))/3)
	assert.InDelta(t, want1, cols[1].Smoothed, 1e-9, "half-width 1")
	want2 := 10 * math.Log10((linear(-80)+4*linear(-100))/5)
	assert.InDelta(t, want2, cols[2].Smoothed, 1e-9)
	assert.InDelta(t, -100.0, cols[4].Smoothed, 1e-9, "right edge truncated")
}

func TestSuppressSpurs(t *testing.T) {
	cols := flatColumns(20, -120)
	cols[10].DB, cols[10].Linear = -90, linear(-90)
	cols[5].DB, cols[5].Linear = -110, linear(-110)

	n := SuppressSpurs(cols, 20, 3)
	assert.Equal(t, 1, n)
	assert.InDelta(t, -120.0, cols[10].DB, 1e-9)
	assert.Equal(t, -110.0, cols[5].DB, "10 dB bump is below the threshold")

	cols[10].DB, cols[10].Linear = -90, linear(-90)
	assert.Zero(t, SuppressSpurs(cols, 0, 3), "disabled")
	assert.Equal(t, -90.0, cols[10].DB)
}

func TestSuppressSpursLeavesSmallDeviations(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cols := randomColumns(t)
		orig := append([]Column(nil), cols...)
		spur := rapid.Float64Range(MinSpurDB, MaxSpurDB).Draw(t, "spur")
		window := rapid.IntRange(1, 10).Draw(t, "window")
		SuppressSpurs(cols, spur, window)
		for i := range cols {
			if cols[i] == orig[i] {
				continue
			}
			left, right := math.Inf(1), math.Inf(1)
			for k := 1; k <= window; k++ {
				if j := i - k; j >= 0 && orig[j].Valid {
					left = math.Min(left, orig[j].DB)
				}
				if j := i + k; j < len(orig) && orig[j].Valid {
					right = math.Min(right, orig[j].DB)
				}
			}
			if orig[i].DB-left < spur || orig[i].DB-right < spur {
				t.Fatalf("column %d modified with deviation below %g dB", i, spur)
			}
		}
	})
}

func TestIntegrateFlat(t *testing.T) {
	const c = -100.0
	lo, hi := 1000.0, 100000.0
	var offs, vals []float64
	for i := 0; i <= 1000; i++ {
		offs = append(offs, lo+float64(i)*(hi-lo)/1000)
		vals = append(vals, c)
	}
	n, err := Integrate(offs, vals, 1e9)
	require.NoError(t, err)

	wantRad := math.Sqrt(2 * math.Pow(10, c/10) * (hi - lo))
	assert.InEpsilon(t, wantRad, n.RMSRad, 1e-9)
	assert.InEpsilon(t, wantRad*180/math.Pi, n.RMSDeg, 1e-9)
	assert.InDelta(t, c+10*math.Log10(hi-lo), n.CNRdB, 1e-9)
	assert.InEpsilon(t, wantRad/(2*math.Pi*1e9), n.JitterS, 1e-9)

	wantFM := math.Pow(10, c/10) * (hi*hi*hi - lo*lo*lo) / 3
	assert.InEpsilon(t, math.Sqrt(2*wantFM), n.ResidualFMHz, 1e-4)
	assert.Contains(t, n.String(), "jitter")
}

func TestIntegrateErrors(t *testing.T) {
	_, err := Integrate([]float64{1}, []float64{-100}, 0)
	assert.ErrorIs(t, err, ErrTooFewPoints)
	_, err = Integrate([]float64{1, 1}, []float64{-100, -100}, 0)
	assert.ErrorContains(t, err, "not increasing")
	_, err = Integrate([]float64{1, 2}, []float64{-100}, 0)
	assert.Error(t, err)

	n, err := Integrate([]float64{1, 2}, []float64{-100, -100}, 0)
	require.NoError(t, err)
	assert.Zero(t, n.JitterS)
	assert.NotContains(t, n.String(), "jitter")
}

func TestDisplayIntegrateFlat(t *testing.T) {
	src := flatSource(1, 3, -100)
	d, err := NewDisplay(src, Settings{Width: 400, Smoothing: 3, Algorithm: Symmetric, SpurDB: DefaultSpurDB})
	require.NoError(t, err)

	n, err := d.Integrate(100, 1000)
	require.NoError(t, err)
	assert.InEpsilon(t, math.Sqrt(2*1e-10*900), n.RMSRad, 1e-6)
	assert.InEpsilon(t, n.RMSRad/(2*math.Pi*carrier), n.JitterS, 1e-9)
	assert.Equal(t, 100.0, n.LowHz)
	assert.Equal(t, 1000.0, n.HighHz)

	lo, hi := d.Extremes()
	assert.InDelta(t, -100.0, lo, 1e-9)
	assert.InDelta(t, -100.0, hi, 1e-9)
	v, ok := d.Spot(500)
	require.True(t, ok)
	assert.InDelta(t, -100.0, v, 1e-9)
	_, ok = d.Spot(5)
	assert.False(t, ok)

	rlo, rhi, ok := d.Range()
	require.True(t, ok)
	assert.InDelta(t, 10.0, rlo, 1e-9)
	assert.Less(t, rhi, 1e4)
	_, err = d.Integrate(rlo, rhi)
	require.NoError(t, err)

	_, err = d.Integrate(1, 100)
	assert.ErrorContains(t, err, "outside the curve")
	_, err = d.Integrate(500, 500)
	assert.ErrorContains(t, err, "empty integration range")
}

func TestDisplayRecomputesOnSettings(t *testing.T) {
	src := flatSource(2, 2, -120)
	// Column 130 of 500 sits at 181.97 Hz and is the only one nearest the
	// 182 Hz point.
	src.Decades[0].Ampl[82] = -60
	d, err := NewDisplay(src, Settings{Width: 500, SpurDB: 20})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Spurs())
	_, hi := d.Extremes()
	assert.InDelta(t, -120.0, hi, 1e-9)

	require.NoError(t, d.SetSettings(Settings{Width: 500}))
	assert.Zero(t, d.Spurs())
	_, hi = d.Extremes()
	assert.Equal(t, -60.0, hi)

	assert.Error(t, d.SetSettings(Settings{Width: 500, SpurDB: 1}))
	assert.Equal(t, 0.0, d.Settings().SpurDB, "rejected settings are not applied")
}

func TestSettingsValidate(t *testing.T) {
	assert.NoError(t, DefaultSettings().Validate())
	for _, s := range []Settings{
		{Width: 1},
		{Width: 100, Smoothing: -1},
		{Width: 100, Smoothing: 65},
		{Width: 100, SpurDB: 101},
		{Width: 100, Algorithm: 7},
	} {
		assert.Error(t, s.Validate(), "%+v", s)
	}
}

func TestResample(t *testing.T) {
	v := []float64{1, 5, 2, 8, 3, 3}
	assert.Equal(t, []float64{1, 2, 3}, Resample(v, 3, Point))
	assert.Equal(t, []float64{3, 5, 3}, Resample(v, 3, Avg))
	assert.Equal(t, []float64{1, 2, 3}, Resample(v, 3, Min))
	assert.Equal(t, []float64{5, 8, 3}, Resample(v, 3, Max))
	assert.Equal(t, []float64{1, 1, 5, 5}, Resample([]float64{1, 5}, 4, Point))
	assert.Nil(t, Resample(nil, 3, Avg))

	m, err := ParseMode("max")
	require.NoError(t, err)
	assert.Equal(t, Max, m)
	_, err = ParseMode("median")
	assert.Error(t, err)
}

func TestParseAlgorithm(t *testing.T) {
	for _, a := range []Algorithm{Trailing, Symmetric} {
		got, err := ParseAlgorithm(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := ParseAlgorithm("median")
	assert.Error(t, err)
}
