package pnp

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const carrier = 10e6

// synthetic builds a source covering lo..hi with 900 normal and 1000
// overlap points per decade, filled by level(exp, i, overlap).
func synthetic(lo, hi int, level func(exp, i int, overlap bool) float64) *Source {
	s := NewSource(lo, hi)
	s.Caption = "synthetic"
	s.Timestamp = "Mon Oct 19 10:00:00 2026"
	s.Model = "HP8566B"
	s.Revision = "1.0"
	s.NormalCount, s.OverlapCount = 900, 1000
	s.CarrierHz, s.CarrierDBm = carrier, -3.5
	s.ClipDB, s.HasClip = 20, true
	for k := range s.Decades {
		d := &s.Decades[k]
		dec := math.Pow10(d.Exp)
		d.NCF = -40
		for i := 0; i < 900; i++ {
			d.Freq = append(d.Freq, carrier+dec+float64(i)*dec/100)
			d.Ampl = append(d.Ampl, level(d.Exp, i, false))
		}
		if d.Exp == hi {
			continue
		}
		d.OverlapNCF = -50
		for i := 0; i < 1000; i++ {
			d.OverlapFreq = append(d.OverlapFreq, carrier+10*dec+float64(i)*dec/100)
			d.OverlapAmpl = append(d.OverlapAmpl, level(d.Exp, i, true))
		}
	}
	return s
}

func flat(int, int, bool) float64 { return -120 }

func save(t *testing.T, src *Source) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.pnp")
	require.NoError(t, Save(path, src))
	return path
}

func TestFlatRecordEndToEnd(t *testing.T) {
	path := save(t, synthetic(2, 3, flat))

	src, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, src.Path)
	assert.Equal(t, "synthetic", src.Caption)
	assert.Equal(t, 2, src.MinDecade)
	assert.Equal(t, 3, src.MaxDecade)
	assert.Equal(t, -120.0, src.MinDBcHz)
	assert.Equal(t, -120.0, src.MaxDBcHz)
	assert.Equal(t, carrier, src.CarrierHz)
	assert.True(t, src.HasClip)

	for _, off := range []float64{500, 5000} {
		v, ok := src.SampledValue(off)
		require.True(t, ok, "offset %g", off)
		assert.Equal(t, -120.0, v, "offset %g", off)
	}
	_, ok := src.SampledValue(50)
	assert.False(t, ok, "below DRG")
	_, ok = src.SampledValue(1e4)
	assert.False(t, ok, "above DRG")
	_, ok = src.SampledValue(-1)
	assert.False(t, ok)
}

func TestWriteParseKeepsTraces(t *testing.T) {
	want := synthetic(-1, 1, func(exp, i int, overlap bool) float64 {
		return -float64(100 + exp*10 + i%7)
	})
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, want))

	got, err := Parse(&buf, WithoutBlending())
	require.NoError(t, err)
	require.Len(t, got.Decades, 3)
	for k := range want.Decades {
		w, g := want.Decades[k], got.Decades[k]
		assert.Equal(t, w.Exp, g.Exp)
		require.Len(t, g.Freq, len(w.Freq))
		require.Len(t, g.OverlapFreq, len(w.OverlapFreq))
		assert.InDeltaSlice(t, w.Freq, g.Freq, 1e-6)
		assert.InDeltaSlice(t, w.Ampl, g.Ampl, 1e-3)
		assert.Equal(t, w.NCF, g.NCF)
	}
}

func TestBlendRampsIntoNextDecade(t *testing.T) {
	level := func(exp, i int, overlap bool) float64 {
		if overlap {
			return -100
		}
		return -120
	}
	path := save(t, synthetic(2, 3, level))

	raw, err := Load(path, WithoutBlending())
	require.NoError(t, err)
	assert.Equal(t, -120.0, raw.Decade(3).Ampl[0])

	src, err := Load(path)
	require.NoError(t, err)
	next := src.Decade(3).Ampl
	assert.InDelta(t, -100.0, next[0], 1e-9, "all overlap at the first point")
	assert.InDelta(t, -120.0, next[99], 1e-9, "all normal at the last blended point")
	assert.InDelta(t, -110.0, (next[49]+next[50])/2, 1e-9)
	assert.Equal(t, -120.0, next[100], "past the blend window")
	assert.Equal(t, -120.0, src.Decade(2).Ampl[0], "first decade untouched")
	assert.Equal(t, -100.0, src.MaxDBcHz)
}

func TestBlendNeedsTwoPoints(t *testing.T) {
	s := NewSource(0, 1)
	s.Decades[0].OverlapAmpl = make([]float64, 15)
	s.Decades[1].Ampl = []float64{-120, -120}
	s.Blend()
	assert.Equal(t, []float64{-120, -120}, s.Decades[1].Ampl)
}

func TestBlendExactAtEndsAndOnEqualInputs(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 50).Draw(t, "n")
		level := rapid.Float64Range(-300, 0)
		s := NewSource(0, 1)
		over := make([]float64, 10*n)
		for i := range over {
			over[i] = level.Draw(t, "over")
		}
		normal := make([]float64, n)
		for i := range normal {
			normal[i] = level.Draw(t, "normal")
		}
		same := rapid.IntRange(0, n-1).Draw(t, "same")
		normal[same] = over[same*10]
		s.Decades[0].OverlapAmpl = over
		s.Decades[1].Ampl = append([]float64(nil), normal...)

		s.Blend()
		got := s.Decades[1].Ampl
		if got[0] != over[0] {
			t.Fatalf("first point %v, want overlap %v", got[0], over[0])
		}
		if got[n-1] != normal[n-1] {
			t.Fatalf("last point %v, want normal %v", got[n-1], normal[n-1])
		}
		if got[same] != normal[same] {
			t.Fatalf("point %d blends equal inputs to %v, want %v", same, got[same], normal[same])
		}
		for i, v := range got {
			lo, hi := math.Min(over[i*10], normal[i]), math.Max(over[i*10], normal[i])
			if v < lo-1e-9 || v > hi+1e-9 {
				t.Fatalf("point %d = %v outside [%v, %v]", i, v, lo, hi)
			}
		}
	})
}

func TestSampledValueNearest(t *testing.T) {
	src := synthetic(2, 3, func(exp, i int, overlap bool) float64 { return -float64(i) / 10 })
	rapid.Check(t, func(t *rapid.T) {
		off := rapid.Float64Range(100, 9999).Draw(t, "offset")
		d := src.Decade(DecadeOf(off))
		f := carrier + off
		best := 0
		for i := range d.Freq {
			if math.Abs(d.Freq[i]-f) < math.Abs(d.Freq[best]-f) {
				best = i
			}
		}
		v, ok := src.SampledValue(off)
		if !ok {
			t.Fatalf("offset %g not valid", off)
		}
		if next := min(best+1, len(d.Freq)-1); next != best && math.Abs(d.Freq[best]-f) == math.Abs(d.Freq[next]-f) {
			return // equidistant, either neighbor is acceptable
		}
		if v != d.Ampl[best] {
			t.Fatalf("offset %g: got %g, want %g", off, v, d.Ampl[best])
		}
	})
}

func TestSampledValueClampsToEnds(t *testing.T) {
	src := synthetic(2, 2, func(exp, i int, overlap bool) float64 { return -float64(i) })
	v, ok := src.SampledValue(999.99)
	require.True(t, ok)
	assert.Equal(t, -899.0, v, "past the last point")
	v, ok = src.SampledValue(100)
	require.True(t, ok)
	assert.Equal(t, 0.0, v)
}

func TestDecadeOf(t *testing.T) {
	tests := []struct {
		off  float64
		want int
	}{
		{1e-6, -6},
		{0.5, -1},
		{1, 0},
		{999.999, 2},
		{1000, 3},
		{1e7, 7},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DecadeOf(tt.off), "offset %g", tt.off)
	}
}

func TestParseTolerance(t *testing.T) {
	rec := strings.Join([]string{
		"; header comment",
		"CAP early caption",
		"EIF 21.4e6 Hz",
		"BOGUS 1",
		"DRG -9,9",
		"DRG 1,2",
		"MUL x",
		"CAR 1e6 Hz, -10 dBm",
		"DEC 0",
		"TRA 0: 1000001 Hz, -90 dBc",
		"TRA 1: 1000002 Hz, 5 dBc",
		"TRA 2: 1000000.5 Hz, -91 dBc",
		"TRA 3: 1000003 Hz, -400 dBc",
		"TRA broken",
		"DEC 42",
		"TRA 0: 1 Hz, -1 dBc",
		"EOF done",
	}, "\n")
	src, err := Parse(strings.NewReader(rec))
	require.NoError(t, err)
	assert.Equal(t, "early caption", src.Caption)
	assert.Equal(t, 21.4e6, src.ExtIFHz)
	assert.Equal(t, -1.0, src.ExtLOHz)
	assert.Equal(t, MinDecade, src.MinDecade, "first DRG clamped")
	assert.Equal(t, MaxDecade, src.MaxDecade)
	assert.Equal(t, 1.0, src.Multiplier)
	assert.Equal(t, "done", src.End)

	d := src.Decade(0)
	require.NotNil(t, d)
	assert.Equal(t, []float64{1000001, 1000002, 1000003}, d.Freq)
	assert.Equal(t, []float64{-90, 0, -300}, d.Ampl)
	assert.Equal(t, 0.0, src.MaxDBcHz)
	assert.Equal(t, -300.0, src.MinDBcHz)
}

func TestParseNeedsRange(t *testing.T) {
	_, err := Parse(strings.NewReader("CAP nothing\nDRG 3,1\n"))
	assert.ErrorContains(t, err, "no DRG")

	_, err = Load(filepath.Join(t.TempDir(), "missing.pnp"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSetCaptionKeepsOtherLines(t *testing.T) {
	path := save(t, synthetic(2, 3, flat))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, SetCaption(path, "new\ncaption"))
	after, err := os.ReadFile(path)
	require.NoError(t, err)

	b := strings.Split(string(before), "\n")
	a := strings.Split(string(after), "\n")
	require.Len(t, a, len(b))
	for i := range b {
		if strings.HasPrefix(b[i], "CAP ") {
			assert.Equal(t, "CAP new caption", a[i])
			continue
		}
		assert.Equal(t, b[i], a[i], "line %d", i+1)
	}

	src, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "new caption", src.Caption)
}

func TestSetCaptionInsertsAfterComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.pnp")
	require.NoError(t, os.WriteFile(path, []byte(";\r\n; legacy\r\n\r\nDRG 2,2\r\nEOF\r\n"), 0o600))

	require.NoError(t, SetCaption(path, "added"))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ";\r\n; legacy\r\nCAP added\r\n\r\nDRG 2,2\r\nEOF\r\n", string(got))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSetCaptionReplacesOnlyFirst(t *testing.T) {
	got := recaption([]byte("; CAP in a comment\ncap old\nDRG 1,1\nCAP second\n"), "x")
	assert.Equal(t, "; CAP in a comment\nCAP x\nDRG 1,1\nCAP second\n", string(got))

	got = recaption([]byte("DRG 1,1"), "x")
	assert.Equal(t, "CAP x\nDRG 1,1", string(got))
}

func TestSetCaptionMissingFile(t *testing.T) {
	err := SetCaption(filepath.Join(t.TempDir(), "nope.pnp"), "x")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// siblings lists the entries of dir other than the named ones.
func siblings(t *testing.T, dir string, except ...string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
next:
	for _, e := range entries {
		for _, name := range except {
			if e.Name() == name {
				continue next
			}
		}
		out = append(out, e.Name())
	}
	return out
}

func TestWriteAtomicFailureKeepsOriginal(t *testing.T) {
	path := save(t, synthetic(2, 3, flat))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	err = writeAtomic(path, 0o644, func(w io.Writer) error {
		if _, err := io.WriteString(w, "CAP half written\n"); err != nil {
			return err
		}
		return errors.New("disk full")
	})
	assert.ErrorContains(t, err, "disk full")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, siblings(t, filepath.Dir(path), filepath.Base(path)), "temporary file removed")
}

func TestWriteAtomicRenameFailure(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "busy.pnp")
	require.NoError(t, os.Mkdir(target, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "keep"), []byte("x"), 0o600))

	err := writeAtomic(target, 0o644, func(w io.Writer) error {
		_, err := io.WriteString(w, "CAP x\n")
		return err
	})
	require.Error(t, err)
	assert.DirExists(t, target)
	assert.FileExists(t, filepath.Join(target, "keep"))
	assert.Empty(t, siblings(t, dir, "busy.pnp"), "temporary file removed")
}

func TestBoundsAndOffset(t *testing.T) {
	src := synthetic(2, 3, flat)
	lo, hi := src.Decade(3).Bounds()
	assert.Equal(t, 1000.0, lo)
	assert.Equal(t, 10000.0, hi)
	assert.Equal(t, 100.0, src.Offset(src.Decade(2).Freq[0]))
}
