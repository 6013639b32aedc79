package pnp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// TimeLayout is the strftime pattern used for TIM and EOF.
const TimeLayout = "%a %b %d %H:%M:%S %Y"

// FormatTime renders t the way TIM and EOF record it.
func FormatTime(t time.Time) string {
	s, err := strftime.Format(TimeLayout, t)
	if err != nil {
		// The layout is constant; this cannot fail.
		return t.Format(time.ANSIC)
	}
	return s
}

type loadConfig struct {
	blend  bool
	logger *log.Logger
}

// LoadOption configures Load and Parse.
type LoadOption func(*loadConfig)

// WithoutBlending leaves decade boundaries unblended, for diagnostics.
func WithoutBlending() LoadOption { return func(c *loadConfig) { c.blend = false } }

// WithLogger reports skipped and clamped lines to l.
func WithLogger(l *log.Logger) LoadOption {
	return func(c *loadConfig) { c.logger = l.WithPrefix("pnp") }
}

// Load reads the record at path.
func Load(path string, opts ...LoadOption) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := Parse(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Path = path
	return s, nil
}

// Parse reads one record. Malformed lines are skipped and out-of-range
// values clamped; only I/O errors and a missing decade range are fatal.
func Parse(r io.Reader, opts ...LoadOption) (*Source, error) {
	cfg := loadConfig{blend: true, logger: log.New(io.Discard)}
	for _, opt := range opts {
		opt(&cfg)
	}
	p := parser{
		log:     cfg.logger,
		pending: Source{ExtIFHz: -1, ExtLOHz: -1, Multiplier: 1, VBWFactor: 1},
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		p.line++
		p.parseLine(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if p.src == nil {
		return nil, fmt.Errorf("no DRG decade range")
	}
	if cfg.blend {
		p.src.Blend()
	}
	p.src.updateExtremes()
	return p.src, nil
}

type parser struct {
	log  *log.Logger
	line int

	// Header tags seen before DRG are held in pending until the source
	// exists.
	pending Source
	src     *Source
	cur     *Decade
	overlap bool
	seenCar bool
}

func (p *parser) warn(msg string, keyvals ...any) {
	p.log.Warn(msg, append([]any{"line", p.line}, keyvals...)...)
}

func (p *parser) source() *Source {
	if p.src != nil {
		return p.src
	}
	return &p.pending
}

func (p *parser) parseLine(raw string) {
	line := strings.TrimSpace(raw)
	if line == "" || line[0] == ';' || len(line) < 3 {
		return
	}
	tag := strings.ToUpper(line[:3])
	val := strings.TrimSpace(line[3:])
	s := p.source()

	switch tag {
	case "CAP":
		s.Caption = val
	case "TIM":
		s.Timestamp = val
	case "IMO":
		s.Model = val
	case "IRV":
		s.Revision = val
	case "EOF":
		s.End = val
	case "DRG":
		p.parseRange(val)
	case "DCC":
		if n, ok := p.integer(tag, val); ok {
			s.NormalCount = max(n, 0)
		}
	case "OVC":
		if n, ok := p.integer(tag, val); ok {
			s.OverlapCount = max(n, 0)
		}
	case "EIF":
		if v, ok := p.num(tag, val); ok {
			s.ExtIFHz = v
		}
	case "ELO":
		if v, ok := p.num(tag, val); ok {
			s.ExtLOHz = v
		}
	case "MUL":
		if v, ok := p.num(tag, val); ok && v > 0 {
			s.Multiplier = v
		}
	case "VBF":
		if v, ok := p.num(tag, val); ok {
			s.VBWFactor = v
		}
	case "SFL":
		if n, ok := p.integer(tag, val); ok {
			s.SmoothLimit = n
		}
	case "ELP":
		if v, ok := p.num(tag, val); ok {
			s.ElapsedS = v
		}
	case "CLP":
		if v, ok := p.num(tag, val); ok && !s.HasClip {
			s.ClipDB, s.HasClip = v, true
		}
	case "ATT":
		v, ok := p.num(tag, val)
		if !ok {
			return
		}
		if p.cur != nil {
			if !p.cur.HasAtten {
				p.cur.AttenDB, p.cur.HasAtten = v, true
			}
		}
		if !s.HasAtten {
			s.AttenDB, s.HasAtten = v, true
		}
	case "CAR":
		hz, dBm, ok := p.pair(tag, val)
		if !ok {
			return
		}
		hz = ClampFreq(hz)
		if !p.seenCar {
			s.CarrierHz, s.CarrierDBm, p.seenCar = hz, dBm, true
		}
		if p.cur != nil {
			p.cur.CarrierHz, p.cur.CarrierDBm, p.cur.HasCarrier = hz, dBm, true
		}
	case "DEC", "OVL":
		p.section(tag, val)
	case "NCF":
		v, ok := p.num(tag, val)
		if !ok || p.cur == nil {
			return
		}
		if p.overlap {
			p.cur.OverlapNCF = v
		} else {
			p.cur.NCF = v
		}
	case "TRA":
		p.trace(val)
	default:
		p.warn("unknown tag", "tag", tag)
	}
}

func (p *parser) parseRange(val string) {
	if p.src != nil {
		p.warn("duplicate DRG ignored")
		return
	}
	a, b, ok := strings.Cut(val, ",")
	if !ok {
		p.warn("malformed DRG", "value", val)
		return
	}
	lo, err1 := strconv.Atoi(strings.TrimSpace(a))
	hi, err2 := strconv.Atoi(strings.TrimSpace(b))
	if err1 != nil || err2 != nil || lo > hi {
		p.warn("malformed DRG", "value", val)
		return
	}
	lo, hi = max(lo, MinDecade), min(hi, MaxDecade)
	if lo > hi {
		p.warn("DRG outside supported decades", "value", val)
		return
	}
	src := NewSource(lo, hi)
	pend := p.pending
	pend.MinDecade, pend.MaxDecade, pend.Decades = src.MinDecade, src.MaxDecade, src.Decades
	p.src = &pend
}

func (p *parser) section(tag, val string) {
	p.cur = nil
	exp, ok := p.integer(tag, val)
	if !ok {
		return
	}
	if p.src == nil {
		p.warn("section before DRG", "tag", tag)
		return
	}
	d := p.src.Decade(exp)
	if d == nil {
		p.warn("section outside decade range", "tag", tag, "decade", exp)
		return
	}
	p.cur, p.overlap = d, tag == "OVL"
}

func (p *parser) trace(val string) {
	if p.cur == nil {
		p.warn("TRA outside a section")
		return
	}
	_, rest, ok := strings.Cut(val, ":")
	if !ok {
		p.warn("malformed TRA", "value", val)
		return
	}
	hz, dBc, ok := p.pair("TRA", rest)
	if !ok {
		return
	}
	if c := ClampFreq(hz); c != hz {
		p.warn("frequency clamped", "hz", hz)
		hz = c
	}
	if c := ClampDBc(dBc); c != dBc {
		p.warn("amplitude clamped", "dBc", dBc)
		dBc = c
	}
	if p.overlap {
		p.cur.OverlapFreq = append(p.cur.OverlapFreq, hz)
		p.cur.OverlapAmpl = append(p.cur.OverlapAmpl, dBc)
		return
	}
	if n := len(p.cur.Freq); n > 0 && hz < p.cur.Freq[n-1] {
		p.warn("out of order TRA skipped", "hz", hz)
		return
	}
	p.cur.Freq = append(p.cur.Freq, hz)
	p.cur.Ampl = append(p.cur.Ampl, dBc)
}

// number parses the leading numeric field of v, ignoring any unit.
func number(v string) (float64, error) {
	f := strings.Fields(v)
	if len(f) == 0 {
		return 0, fmt.Errorf("empty value")
	}
	return strconv.ParseFloat(f[0], 64)
}

func (p *parser) num(tag, val string) (float64, bool) {
	v, err := number(val)
	if err != nil {
		p.warn("malformed value", "tag", tag, "value", val)
		return 0, false
	}
	return v, true
}

func (p *parser) integer(tag, val string) (int, bool) {
	v, err := number(val)
	if err != nil || v != float64(int(v)) {
		p.warn("malformed integer", "tag", tag, "value", val)
		return 0, false
	}
	return int(v), true
}

func (p *parser) pair(tag, val string) (float64, float64, bool) {
	a, b, ok := strings.Cut(val, ",")
	if !ok {
		p.warn("malformed pair", "tag", tag, "value", val)
		return 0, 0, false
	}
	x, err1 := number(a)
	y, err2 := number(b)
	if err1 != nil || err2 != nil {
		p.warn("malformed pair", "tag", tag, "value", val)
		return 0, 0, false
	}
	return x, y, true
}

func fmtHz(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// Write emits src as a PNP record.
func Write(w io.Writer, src *Source) error {
	bw := bufio.NewWriter(w)
	p := func(format string, a ...any) { fmt.Fprintf(bw, format+"\n", a...) }

	p(";")
	p("; Phase noise record")
	p(";")
	p("CAP %s", sanitize(src.Caption))
	p("TIM %s", src.Timestamp)
	p("IMO %s", src.Model)
	p("IRV %s", src.Revision)
	p("")
	p("DRG %d,%d", src.MinDecade, src.MaxDecade)
	p("DCC %d", src.NormalCount)
	p("OVC %d", src.OverlapCount)
	p("")
	p("EIF %s Hz", fmtHz(src.ExtIFHz))
	p("ELO %s Hz", fmtHz(src.ExtLOHz))
	p("MUL %f", src.Multiplier)
	p("VBF %.2f", src.VBWFactor)
	p("SFL %d", src.SmoothLimit)
	if src.HasClip {
		p("CLP %g dB", src.ClipDB)
	}
	p("CAR %s Hz, %.2f dBm", fmtHz(src.CarrierHz), src.CarrierDBm)
	if src.HasAtten {
		p("ATT %g dB", src.AttenDB)
	}
	for i := range src.Decades {
		d := &src.Decades[i]
		p("")
		p("DEC %d", d.Exp)
		if d.HasCarrier {
			p("CAR %s Hz, %.2f dBm", fmtHz(d.CarrierHz), d.CarrierDBm)
		}
		if d.HasAtten {
			p("ATT %g dB", d.AttenDB)
		}
		p("NCF %.2f dB", d.NCF)
		for j := range d.Freq {
			p("   TRA %d: %s Hz, %.3f dBc", j, fmtHz(d.Freq[j]), d.Ampl[j])
		}
		if len(d.OverlapFreq) == 0 {
			continue
		}
		p("OVL %d", d.Exp)
		p("NCF %.2f dB", d.OverlapNCF)
		for j := range d.OverlapFreq {
			p("   TRA %d: %s Hz, %.3f dBc", j, fmtHz(d.OverlapFreq[j]), d.OverlapAmpl[j])
		}
	}
	p("")
	p("ELP %.1f s", src.ElapsedS)
	p("EOF %s", src.End)
	return bw.Flush()
}

// Save writes src to path through a temporary file, so an existing record
// is either fully replaced or left untouched.
func Save(path string, src *Source) error {
	return writeAtomic(path, 0o644, func(w io.Writer) error { return Write(w, src) })
}

// sanitize keeps a caption on one line.
func sanitize(s string) string {
	return strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(s))
}
