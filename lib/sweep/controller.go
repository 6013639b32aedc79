package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gotmc/query"
	"go.uber.org/multierr"

	"github.com/gotmc/phasenoise"
	"github.com/gotmc/phasenoise/lib/pnp"
	"github.com/gotmc/phasenoise/lib/profile"
)

// LocateStopSpan is the span at which the carrier search stops narrowing.
const LocateStopSpan = 5000.0

// Controller runs one acquisition over an exclusive bus. It is not safe for
// concurrent use.
type Controller struct {
	bus  phasenoise.Bus
	prof *profile.Profile
	log  *log.Logger

	settings  Settings
	carrierHz float64
	extIF     float64
	extLO     float64
	smooth    int
	interval  time.Duration
	caption   string
	revision  string
	onPlan    func(Plan)
	now       func() time.Time

	// Per-acquisition state.
	trace      *RawTrace
	refLevel   float64
	carrierDBm float64
}

// Option configures a Controller.
type Option func(*Controller)

// WithSettings replaces the default decade range, multiplier, VBW factor
// and clip.
func WithSettings(s Settings) Option { return func(c *Controller) { c.settings = s } }

// WithCarrier skips the carrier search and uses hz.
func WithCarrier(hz float64) Option { return func(c *Controller) { c.carrierHz = hz } }

// WithExternalIF records an external IF and LO frequency in the result.
func WithExternalIF(ifHz, loHz float64) Option {
	return func(c *Controller) { c.extIF, c.extLO = ifHz, loHz }
}

// WithSmoothLimit records the smoothing limit suggested for the curve.
func WithSmoothLimit(n int) Option { return func(c *Controller) { c.smooth = n } }

// WithPollInterval sets the delay between polls of unsettled readings.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.interval = phasenoise.ClampInterval(d) }
}

// WithCaption sets the caption of the result.
func WithCaption(s string) Option { return func(c *Controller) { c.caption = s } }

// WithRevision records the instrument firmware revision in the result.
func WithRevision(s string) Option { return func(c *Controller) { c.revision = s } }

// WithPlanHook calls fn with each decade's plan before it is swept.
func WithPlanHook(fn func(Plan)) Option { return func(c *Controller) { c.onPlan = fn } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithLogger logs the acquisition to l.
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) { c.log = l.WithPrefix("sweep") }
}

// New returns a controller for prof over bus.
func New(bus phasenoise.Bus, prof *profile.Profile, opts ...Option) (*Controller, error) {
	c := &Controller{
		bus:      bus,
		prof:     prof,
		log:      log.New(io.Discard),
		settings: DefaultSettings(),
		extIF:    -1,
		extLO:    -1,
		interval: phasenoise.DefaultPollInterval,
		onPlan:   func(Plan) {},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.settings.Validate(); err != nil {
		return nil, err
	}
	if c.carrierHz < 0 {
		return nil, fmt.Errorf("carrier frequency %g Hz is negative", c.carrierHz)
	}
	return c, nil
}

func (c *Controller) command(cmd string) error {
	if cmd == "" {
		return nil
	}
	if err := c.bus.Command(cmd); err != nil {
		return &phasenoise.BusError{Op: "command", Cmd: cmd, Err: err}
	}
	return nil
}

func (c *Controller) set(verb string, v float64) error {
	return c.command(profile.Cmd(verb, v))
}

// sweep triggers one sweep and, for dialects that need it, polls the
// completion query until the instrument reports the sweep done.
func (c *Controller) sweep(ctx context.Context) error {
	if err := phasenoise.Cancelled(ctx); err != nil {
		return err
	}
	v := c.prof.Verbs
	if err := c.command(v.Sweep); err != nil {
		return err
	}
	if !c.prof.Quirks.NeedsAck || v.Ack == "" {
		return nil
	}
	return phasenoise.WaitDone(ctx, c.bus, v.Ack, c.interval)
}

// LocateCarrier narrows the span around the strongest signal until it is
// within LocateStopSpan, then reads the marker frequency rounded to
// 10^minDecade and divided by the external multiplier.
func (c *Controller) LocateCarrier(ctx context.Context, minDecade int) (float64, error) {
	v := c.prof.Verbs
	prev := math.Inf(1)
	for {
		if err := c.sweep(ctx); err != nil {
			return 0, err
		}
		for _, cmd := range []string{v.Peak, v.MarkerToCenter} {
			if err := c.command(cmd); err != nil {
				return 0, err
			}
		}
		span, err := phasenoise.PollFloat(ctx, c.bus, v.QuerySpan, c.interval)
		if err != nil {
			return 0, err
		}
		c.log.Debug("carrier search", "span", span)
		if span <= LocateStopSpan {
			break
		}
		if span >= prev {
			c.log.Warn("span did not narrow, stopping search", "span", span)
			break
		}
		prev = span
		if err := c.set(v.Span, span/10); err != nil {
			return 0, err
		}
	}

	f, err := phasenoise.PollFloat(ctx, c.bus, v.MarkerFreq, c.interval)
	if err != nil {
		return 0, err
	}
	step := math.Pow10(minDecade)
	f = math.Round(f/step) * step
	hz := f / c.settings.Multiplier
	c.log.Info("carrier located", "hz", hz)
	return hz, nil
}

// Acquire runs the full measurement and returns the unblended composite
// curve. On any failure or cancellation the instrument is returned to
// continuous sweep and no curve is returned.
func (c *Controller) Acquire(ctx context.Context) (src *pnp.Source, err error) {
	start := c.now()
	carrier := c.carrierHz
	defer func() {
		if err != nil {
			if rerr := c.restore(carrier); rerr != nil {
				err = multierr.Append(err, fmt.Errorf("restoring idle state: %w", rerr))
			}
			src = nil
		}
	}()

	for _, cmd := range c.prof.Verbs.Init {
		if err := c.command(cmd); err != nil {
			return nil, err
		}
	}
	if carrier == 0 {
		if carrier, err = c.LocateCarrier(ctx, c.settings.MinDecade); err != nil {
			return nil, err
		}
	}

	s := c.settings
	src = pnp.NewSource(s.MinDecade, s.MaxDecade)
	src.Caption = c.caption
	src.Timestamp = pnp.FormatTime(start)
	src.Model = c.prof.Model
	src.Revision = c.revision
	src.ExtIFHz, src.ExtLOHz = c.extIF, c.extLO
	src.Multiplier = s.Multiplier
	src.VBWFactor = s.VBWFactor
	src.SmoothLimit = c.smooth
	src.CarrierHz = carrier

	plans := Plans(c.prof, carrier, s)
	if plans[0].ClipDB != s.ClipDB {
		c.log.Warn("clipping disabled, digital RBW in use", "requested", s.ClipDB)
	}
	src.ClipDB, src.HasClip = plans[0].ClipDB, true
	c.trace = NewRawTrace(c.prof.Points)

	for i, pl := range plans {
		if err := phasenoise.Cancelled(ctx); err != nil {
			return nil, err
		}
		c.onPlan(pl)
		c.log.Info("decade", "exp", pl.Exp, "rbw", pl.RBW, "vbw", pl.VBW)
		if pl.Substituted != "" {
			c.log.Info("RBW substituted", "rbw", pl.RBW, "reason", pl.Substituted)
		}
		if i == 0 {
			if err := c.establishReference(ctx, pl, carrier); err != nil {
				return nil, err
			}
			src.CarrierDBm = c.carrierDBm
		}
		d := src.Decade(pl.Exp)
		for h := 0; h < 2; h++ {
			if h == 1 && !pl.HasOverlap {
				break
			}
			if err := c.captureHalf(ctx, pl, h, carrier, src, d); err != nil {
				return nil, fmt.Errorf("decade %d half %d: %w", pl.Exp, h, err)
			}
		}
		if i == 0 {
			src.NormalCount = len(d.Freq)
		}
	}
	src.OverlapCount = c.prof.Points

	if rerr := c.restore(carrier); rerr != nil {
		c.log.Warn("restoring idle state", "err", rerr)
	}
	end := c.now()
	src.ElapsedS = end.Sub(start).Seconds()
	src.End = pnp.FormatTime(end)
	return src, nil
}

// establishReference puts the carrier at the reference level, reads the
// level back, then lowers the reference by the clip in 10 dB steps.
func (c *Controller) establishReference(ctx context.Context, pl Plan, carrier float64) error {
	v := c.prof.Verbs
	steps := []func() error{
		func() error { return c.set(v.Center, carrier*c.settings.Multiplier) },
		func() error { return c.set(v.Span, pl.Span) },
		func() error { return c.set(v.RBW, pl.RBW) },
		func() error { return c.set(v.VBW, pl.VBW) },
		func() error { return c.set(v.RefLevel, c.prof.ProvisionalRefLevel) },
		func() error { return c.sweep(ctx) },
		func() error { return c.command(v.Peak) },
		func() error { return c.command(v.MarkerToRef) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	rl, err := phasenoise.PollLevel(ctx, c.bus, v.QueryRefLevel, c.interval)
	if err != nil {
		return err
	}
	c.carrierDBm = rl
	c.log.Info("reference established", "dBm", rl, "clip", pl.ClipDB)

	for k := 1; k <= int(pl.ClipDB/10); k++ {
		if err := phasenoise.Cancelled(ctx); err != nil {
			return err
		}
		if v.RefLevelDown != "" {
			err = c.command(v.RefLevelDown)
		} else {
			err = c.set(v.RefLevel, rl-10*float64(k))
		}
		if err != nil {
			return err
		}
	}
	c.refLevel = rl - pl.ClipDB
	return nil
}

// captureHalf sweeps one half of a decade, normalizes it and appends the
// kept points to d.
func (c *Controller) captureHalf(ctx context.Context, pl Plan, half int, carrier float64, src *pnp.Source, d *pnp.Decade) error {
	v := c.prof.Verbs
	for _, cmd := range []string{
		profile.Cmd(v.RBW, pl.RBW),
		profile.Cmd(v.VBW, pl.VBW),
		profile.Cmd(v.Span, pl.Span),
		profile.Cmd(v.Center, pl.Tune[half]),
	} {
		if err := c.command(cmd); err != nil {
			return err
		}
	}
	if delay := c.prof.Quirks.SettleDelay; delay > 0 {
		if err := phasenoise.Sleep(ctx, delay); err != nil {
			return err
		}
	}
	if err := c.sweep(ctx); err != nil {
		return err
	}

	t := c.trace
	counts, err := ReadTrace(c.bus, c.prof, t.Amp)
	if err != nil {
		return err
	}
	if t.AttenDB, err = c.readBack(v.QueryAtten, math.NaN(), "attenuation", true); err != nil {
		return err
	}
	rbw, err := c.readBack(v.QueryRBW, pl.RBW, "rbw", false)
	if err != nil {
		return err
	}
	if t.RefLevelDBm, err = c.readBack(v.QueryRefLevel, c.refLevel, "reference level", true); err != nil {
		return err
	}
	t.ClipDB = pl.ClipDB
	if counts {
		for i, a := range t.Amp {
			t.Amp[i] = c.prof.CountsToDBm(a, t.RefLevelDBm)
		}
	}
	lo := pl.Tune[half] - pl.Span/2
	for i := range t.Freq {
		t.Freq[i] = lo + float64(i)*pl.Span/float64(len(t.Freq)-1)
	}

	ncf := NoiseCorrection(rbw, c.prof.NoiseCorrection)
	dBc := Normalize(t, rbw, c.prof.NoiseCorrection, c.settings.Multiplier)
	analyzerCarrier := carrier * c.settings.Multiplier
	for i := range dBc {
		if !pl.keep(half, i, len(dBc)) {
			continue
		}
		f := pnp.ClampFreq(carrier + t.Freq[i] - analyzerCarrier)
		if half == 0 {
			d.Freq = append(d.Freq, f)
			d.Ampl = append(d.Ampl, dBc[i])
		} else {
			d.OverlapFreq = append(d.OverlapFreq, f)
			d.OverlapAmpl = append(d.OverlapAmpl, dBc[i])
		}
	}
	if half == 0 {
		d.NCF = ncf
	} else {
		d.OverlapNCF = ncf
	}
	if !math.IsNaN(t.AttenDB) {
		if !d.HasAtten {
			d.AttenDB, d.HasAtten = t.AttenDB, true
		}
		if !src.HasAtten {
			src.AttenDB, src.HasAtten = t.AttenDB, true
		}
	}
	c.log.Debug("half captured", "exp", pl.Exp, "half", half, "rbw", rbw, "rl", t.RefLevelDBm, "att", t.AttenDB)
	return nil
}

// readBack queries a calibration value once. The commanded fallback is used
// when the dialect has no query or the reply does not parse; for levels an
// unset reply counts as unparsed. A bus failure is returned.
func (c *Controller) readBack(cmd string, fallback float64, what string, level bool) (float64, error) {
	if cmd == "" {
		return fallback, nil
	}
	v, err := query.Float64(c.bus, cmd)
	var numErr *strconv.NumError
	switch {
	case errors.As(err, &numErr):
	case err != nil:
		return 0, &phasenoise.BusError{Op: "query", Cmd: cmd, Err: err}
	case math.IsNaN(v), level && phasenoise.Unset(v):
	default:
		return v, nil
	}
	c.log.Warn("unusable read-back, using commanded value", "what", what, "err", err)
	return fallback, nil
}

// restore returns the instrument to a safe idle state: markers off,
// continuous sweep, centered on the carrier.
func (c *Controller) restore(carrier float64) error {
	v := c.prof.Verbs
	var err error
	err = multierr.Append(err, c.command(v.ClearMarkers))
	err = multierr.Append(err, c.command(v.Continuous))
	if carrier > 0 {
		err = multierr.Append(err, c.set(v.Center, carrier*c.settings.Multiplier))
	}
	return err
}
