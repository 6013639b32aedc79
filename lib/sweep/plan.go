// Package sweep drives an analyzer through a decade-by-decade phase noise
// acquisition and normalizes the captured traces to dBc/Hz.
package sweep

import (
	"fmt"
	"math"

	"github.com/gotmc/phasenoise/lib/pnp"
	"github.com/gotmc/phasenoise/lib/profile"
)

// Settings are the operator choices that shape every decade's plan.
type Settings struct {
	MinDecade, MaxDecade int
	// Multiplier is the external frequency multiplication between the
	// device under test and the analyzer input.
	Multiplier float64
	// VBWFactor is the VBW:RBW ratio; near zero selects the profile's fixed
	// ratio.
	VBWFactor float64
	// ClipDB is how far the carrier is pushed above the reference level, a
	// multiple of 10 dB.
	ClipDB float64
}

// DefaultSettings covers 10 Hz to 10 MHz offsets with a 20 dB clip.
func DefaultSettings() Settings {
	return Settings{MinDecade: 1, MaxDecade: 6, Multiplier: 1, VBWFactor: 1, ClipDB: 20}
}

// Validate checks the settings against the supported decade range.
func (s Settings) Validate() error {
	switch {
	case s.MinDecade < pnp.MinDecade || s.MaxDecade > pnp.MaxDecade:
		return fmt.Errorf("decade range %d..%d outside %d..%d", s.MinDecade, s.MaxDecade, pnp.MinDecade, pnp.MaxDecade)
	case s.MinDecade > s.MaxDecade:
		return fmt.Errorf("decade range %d..%d is empty", s.MinDecade, s.MaxDecade)
	case s.Multiplier <= 0:
		return fmt.Errorf("external multiplier %g must be positive", s.Multiplier)
	case s.ClipDB < 0 || math.Mod(s.ClipDB, 10) != 0:
		return fmt.Errorf("clip %g dB is not a non-negative multiple of 10", s.ClipDB)
	}
	return nil
}

// Plan holds the parameters of one decade.
type Plan struct {
	Exp int
	// Start is the decade's lowest offset, 10^Exp.
	Start float64
	// Span is the analyzer span of each half, 10^(Exp+1).
	Span     float64
	RBW, VBW float64
	// Tune holds the analyzer center frequencies of the normal and overlap
	// halves.
	Tune       [2]float64
	ClipDB     float64
	HasOverlap bool
	// Substituted names the reason an alternate RBW filter was chosen.
	Substituted string
}

// PlanDecade computes the plan for decade exp around carrierHz.
func PlanDecade(p *profile.Profile, exp int, carrierHz float64, s Settings) Plan {
	start := math.Pow10(exp)
	span := math.Pow10(exp + 1)
	pl := Plan{
		Exp:        exp,
		Start:      start,
		Span:       span,
		RBW:        p.SelectRBW(start / 10),
		ClipDB:     s.ClipDB,
		HasOverlap: exp < s.MaxDecade,
	}
	if sub, ok := p.Substitution(start / 10); ok {
		pl.Substituted = sub.Reason
	}
	pl.VBW = p.SelectVBW(pl.RBW, s.VBWFactor)
	center := carrierHz*s.Multiplier + 5*start
	pl.Tune = [2]float64{center, center + span}
	return pl
}

// Plans computes every decade of a run. When the profile forbids clipping
// with any digital filter the run uses, the clip is dropped for all of them
// so the reference stays consistent across decades.
func Plans(p *profile.Profile, carrierHz float64, s Settings) []Plan {
	plans := make([]Plan, 0, s.MaxDecade-s.MinDecade+1)
	clip := s.ClipDB
	for e := s.MinDecade; e <= s.MaxDecade; e++ {
		pl := PlanDecade(p, e, carrierHz, s)
		if !p.ClipAllowed(pl.RBW) {
			clip = 0
		}
		plans = append(plans, pl)
	}
	for i := range plans {
		plans[i].ClipDB = clip
	}
	return plans
}

// offsetAt returns the offset from the analyzer-side carrier of point i of
// a half.
func (pl Plan) offsetAt(half, i, points int) float64 {
	return float64(half)*pl.Span + float64(i)*pl.Span/float64(points-1)
}

// keep reports whether point i of a half belongs in the record. The normal
// half keeps offsets in [Start, 10*Start); the overlap half keeps all.
func (pl Plan) keep(half, i, points int) bool {
	if half == 1 {
		return true
	}
	off := pl.offsetAt(0, i, points)
	return off >= pl.Start*(1-1e-9) && off < pl.Span*(1-1e-9)
}
