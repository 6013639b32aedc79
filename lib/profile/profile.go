// Package profile holds the static table of analyzer dialects the sweep
// controller is parameterized over. Profiles are loaded once from the
// embedded table and are never mutated.
package profile

import (
	_ "embed"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Transfer is the wire format of a trace dump.
type Transfer string

const (
	ASCII    Transfer = "ascii"    // comma or CR/LF separated values in dBm
	Binary16 Transfer = "binary16" // big-endian 16-bit words
	Binary8  Transfer = "binary8"  // one count per byte in a checksummed block
	Float32  Transfer = "float32"  // IEEE-754 singles in a definite-length block
)

// Counts describes how raw display counts map onto the screen.
type Counts struct {
	// Top is the count at the top graticule, i.e. at the reference level.
	Top float64 `yaml:"top"`
	// Bottom is the count at the bottom graticule.
	Bottom    float64 `yaml:"bottom"`
	DBPerDiv  float64 `yaml:"db_per_div"`
	Divisions float64 `yaml:"divisions"`
	// CentiDBm marks signed counts already in units of 0.01 dBm.
	CentiDBm bool `yaml:"centi_dbm"`
	// Framed marks a count block wrapped in '%' ... ';'.
	Framed bool `yaml:"framed"`
	// Checksum marks a count block with a length header and checksum
	// byte; otherwise the raw words are sent unframed.
	Checksum bool `yaml:"checksum"`
	// Preamble is ASCII the instrument sends ahead of the block.
	Preamble string `yaml:"preamble"`
}

// Substitution replaces an ideal RBW with an alternate filter.
type Substitution struct {
	From   float64 `yaml:"from"`
	To     float64 `yaml:"to"`
	Reason string  `yaml:"reason"`
}

// Verbs are the dialect's command and query strings. Setters are fmt
// templates taking one %s operand.
type Verbs struct {
	Init           []string `yaml:"init"`
	Sweep          string   `yaml:"sweep"`
	Continuous     string   `yaml:"continuous"`
	Peak           string   `yaml:"peak"`
	MarkerToCenter string   `yaml:"marker_to_center"`
	MarkerToRef    string   `yaml:"marker_to_ref"`
	ClearMarkers   string   `yaml:"clear_markers"`
	Detector       string   `yaml:"detector"`
	Center         string   `yaml:"center"`
	Span           string   `yaml:"span"`
	RBW            string   `yaml:"rbw"`
	VBW            string   `yaml:"vbw"`
	RefLevel       string   `yaml:"ref_level"`
	RefLevelDown   string   `yaml:"ref_level_down"`
	MarkerFreq     string   `yaml:"marker_freq_query"`
	MarkerAmpl     string   `yaml:"marker_ampl_query"`
	QuerySpan      string   `yaml:"span_query"`
	QueryRefLevel  string   `yaml:"ref_level_query"`
	QueryAtten     string   `yaml:"atten_query"`
	QueryRBW       string   `yaml:"rbw_query"`
	Trace          string   `yaml:"trace"`
	Ack            string   `yaml:"ack"`
}

// Quirks are per-family deviations from the common protocol.
type Quirks struct {
	SettleDelay               time.Duration `yaml:"settle_delay"`
	ForbidsClipWithDigitalRBW bool          `yaml:"forbids_clip_with_digital_rbw"`
	NeedsAck                  bool          `yaml:"needs_ack"`
	LittleEndian              bool          `yaml:"little_endian"`
}

// Profile describes one analyzer family.
type Profile struct {
	Name     string   `yaml:"name"`
	Model    string   `yaml:"model"`
	Family   string   `yaml:"family"`
	Points   int      `yaml:"points"`
	Transfer Transfer `yaml:"transfer"`
	Counts   Counts   `yaml:"counts"`

	RBW           []float64      `yaml:"rbw"`
	DigitalRBW    []float64      `yaml:"digital_rbw"`
	Substitutions []Substitution `yaml:"substitutions"`
	VBW           []float64      `yaml:"vbw"`
	VBWRatio      float64        `yaml:"vbw_ratio"`

	NoiseCorrection     float64 `yaml:"noise_correction"`
	ProvisionalRefLevel float64 `yaml:"provisional_ref_level"`
	MinSpan             float64 `yaml:"min_span"`

	Verbs  Verbs  `yaml:"verbs"`
	Quirks Quirks `yaml:"quirks"`
}

//go:embed profiles.yaml
var table []byte

var (
	loadOnce sync.Once
	profiles map[string]*Profile
	loadErr  error
)

func load() {
	var doc struct {
		Profiles []*Profile `yaml:"profiles"`
	}
	if loadErr = yaml.Unmarshal(table, &doc); loadErr != nil {
		loadErr = fmt.Errorf("parsing profile table: %w", loadErr)
		return
	}
	profiles = make(map[string]*Profile, len(doc.Profiles))
	for _, p := range doc.Profiles {
		if err := p.validate(); err != nil {
			loadErr = fmt.Errorf("profile %q: %w", p.Name, err)
			return
		}
		sort.Float64s(p.RBW)
		sort.Float64s(p.VBW)
		profiles[strings.ToLower(p.Name)] = p
	}
}

func (p *Profile) validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("missing name")
	case p.Points < 10:
		return fmt.Errorf("trace point count %d", p.Points)
	case len(p.RBW) == 0:
		return fmt.Errorf("empty RBW filter set")
	}
	switch p.Transfer {
	case ASCII, Float32:
	case Binary16, Binary8:
		if !p.Counts.CentiDBm && p.Counts.Top <= p.Counts.Bottom {
			return fmt.Errorf("count scale top %g <= bottom %g", p.Counts.Top, p.Counts.Bottom)
		}
	default:
		return fmt.Errorf("unknown transfer format %q", p.Transfer)
	}
	if p.Verbs.Sweep == "" || p.Verbs.Trace == "" || p.Verbs.Center == "" || p.Verbs.Span == "" {
		return fmt.Errorf("missing sweep, trace, center or span verb")
	}
	return nil
}

// Lookup returns the profile registered under name, ignoring case.
func Lookup(name string) (*Profile, error) {
	loadOnce.Do(load)
	if loadErr != nil {
		return nil, loadErr
	}
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown instrument profile %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return p, nil
}

// Names lists the registered profiles in sorted order.
func Names() []string {
	loadOnce.Do(load)
	names := make([]string, 0, len(profiles))
	for _, p := range profiles {
		names = append(names, p.Name)
	}
	slices.Sort(names)
	return names
}

const relTol = 1e-9

// SelectRBW picks the filter for an ideal bandwidth: the smallest available
// filter at or above ideal (the widest when none is), then any substitution
// registered for that filter.
func (p *Profile) SelectRBW(ideal float64) float64 {
	rbw := pickAtLeast(p.RBW, ideal)
	for _, s := range p.Substitutions {
		if sameHz(s.From, rbw) {
			return s.To
		}
	}
	return rbw
}

// Substitution reports the substitution applied to ideal, if any.
func (p *Profile) Substitution(ideal float64) (Substitution, bool) {
	rbw := pickAtLeast(p.RBW, ideal)
	for _, s := range p.Substitutions {
		if sameHz(s.From, rbw) {
			return s, true
		}
	}
	return Substitution{}, false
}

// SelectVBW picks the video bandwidth for rbw. A factor near zero selects
// the profile's fixed ratio.
func (p *Profile) SelectVBW(rbw, factor float64) float64 {
	if math.Abs(factor) < 1e-6 {
		factor = p.VBWRatio
		if factor == 0 {
			factor = 1
		}
	}
	ideal := rbw * factor
	if len(p.VBW) == 0 {
		return ideal
	}
	return pickAtLeast(p.VBW, ideal)
}

// IsDigital reports whether rbw is one of the digital IF filters.
func (p *Profile) IsDigital(rbw float64) bool {
	return slices.ContainsFunc(p.DigitalRBW, func(d float64) bool { return sameHz(d, rbw) })
}

// ClipAllowed reports whether the carrier may be pushed above the reference
// level while rbw is selected.
func (p *Profile) ClipAllowed(rbw float64) bool {
	return !(p.Quirks.ForbidsClipWithDigitalRBW && p.IsDigital(rbw))
}

// CountsToDBm converts one raw trace count into dBm for the given
// reference level.
func (p *Profile) CountsToDBm(count, refLevel float64) float64 {
	c := p.Counts
	if c.CentiDBm {
		return count / 100
	}
	rng := c.DBPerDiv * c.Divisions
	return refLevel - rng + (count-c.Bottom)*rng/(c.Top-c.Bottom)
}

// Cmd renders a setter verb with a numeric operand. An empty verb renders
// as an empty command, which callers skip.
func Cmd(verb string, v float64) string {
	if verb == "" {
		return ""
	}
	return fmt.Sprintf(verb, strconv.FormatFloat(v, 'f', -1, 64))
}

func pickAtLeast(set []float64, ideal float64) float64 {
	i := sort.SearchFloat64s(set, ideal*(1-relTol))
	if i == len(set) {
		return set[len(set)-1]
	}
	return set[i]
}

func sameHz(a, b float64) bool {
	return math.Abs(a-b) <= relTol*math.Max(math.Abs(a), math.Abs(b))
}
