// Package sweeptest provides a simulated spectrum analyzer for exercising
// acquisitions without hardware.
package sweeptest

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/gotmc/phasenoise"
)

// Analyzer simulates an HP 8566B showing one carrier with flat phase
// noise. It speaks just enough of the HP dialect for an acquisition.
type Analyzer struct {
	SignalHz   float64
	SignalDBm  float64
	NoiseDBcHz float64
	NF         float64

	// RLSentinels is the number of "not ready" replies to RL? before the
	// real level.
	RLSentinels int
	// FailTrace makes every binary read time out.
	FailTrace bool
	// Busy is the number of times DONE? times out before the sweep in
	// progress reports done.
	Busy int
	// FailQuery is a query that always times out.
	FailQuery string
	// OnQuery, if set, sees every query before it is answered.
	OnQuery func(cmd string)

	mu                         sync.Mutex
	center, span, rbw, vbw, rl float64
	markerHz                   float64
	cmds                       []string
	pending                    []byte
}

// NewAnalyzer returns an analyzer with a 0 dBm carrier at 10 MHz and
// -120 dBc/Hz noise.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		SignalHz:   10e6,
		NoiseDBcHz: -120,
		NF:         1.7,
		center:     10e6,
		span:       1e6,
		rbw:        3000,
	}
}

var _ phasenoise.Bus = (*Analyzer)(nil)

func (a *Analyzer) Command(cmd string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cmds = append(a.cmds, cmd)
	switch cmd {
	case "MKPK HI":
		a.markerHz = a.SignalHz
	case "MKCF":
		a.center = a.markerHz
	case "MKRL":
		a.rl = a.SignalDBm
	case "RL DN":
		a.rl -= 10
	case "O2;TA":
		a.dumpTrace(1001)
	default:
		verb, arg, ok := strings.Cut(cmd, " ")
		if !ok {
			return nil
		}
		v, err := strconv.ParseFloat(strings.TrimRight(arg, "HZDM"), 64)
		if err != nil {
			return nil
		}
		switch verb {
		case "CF":
			a.center = v
		case "SP":
			a.span = v
		case "RB":
			a.rbw = v
		case "VB":
			a.vbw = v
		case "RL":
			a.rl = v
		}
	}
	return nil
}

func (a *Analyzer) CommandAck(cmd string) error { return a.Command(cmd) }

func (a *Analyzer) Query(cmd string) (string, error) {
	if a.OnQuery != nil {
		a.OnQuery(cmd)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cmds = append(a.cmds, cmd)
	format := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	if cmd == a.FailQuery {
		return "", &phasenoise.BusError{Op: "query", Cmd: cmd, Err: phasenoise.ErrTimeout}
	}
	switch cmd {
	case "DONE?":
		if a.Busy > 0 {
			a.Busy--
			return "", phasenoise.ErrTimeout
		}
		return "1", nil
	case "SP?":
		return format(a.span), nil
	case "MKF?":
		return format(a.markerHz), nil
	case "RL?":
		if a.RLSentinels > 0 {
			a.RLSentinels--
			return "10000", nil
		}
		return format(a.rl), nil
	case "AT?":
		return "10", nil
	case "RB?":
		return format(a.rbw), nil
	}
	return "", phasenoise.ErrTimeout
}

func (a *Analyzer) ReadBinary(n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailTrace || len(a.pending) < n {
		return nil, phasenoise.ErrTimeout
	}
	b := a.pending[:n]
	a.pending = a.pending[n:]
	return b, nil
}

func (a *Analyzer) ReadLine() (string, error) { return "", phasenoise.ErrTimeout }

// dumpTrace renders the screen as 0..1000 display counts, 0.1 dB each,
// from the reference level down 100 dB.
func (a *Analyzer) dumpTrace(points int) {
	buf := make([]byte, 0, 2*points)
	for i := 0; i < points; i++ {
		hz := a.center - a.span/2 + float64(i)*a.span/float64(points-1)
		dBm := a.SignalDBm + a.NoiseDBcHz + 10*math.Log10(a.rbw) - a.NF
		if math.Abs(hz-a.SignalHz) < a.rbw {
			dBm = a.SignalDBm
		}
		count := math.Round((dBm - (a.rl - 100)) * 10)
		count = math.Min(math.Max(count, 0), 1023)
		buf = binary.BigEndian.AppendUint16(buf, uint16(count))
	}
	a.pending = buf
}

// Commands returns a copy of every command and query received so far.
func (a *Analyzer) Commands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cmds...)
}

// Count returns how many times cmd was received.
func (a *Analyzer) Count(cmd string) int {
	n := 0
	for _, c := range a.Commands() {
		if c == cmd {
			n++
		}
	}
	return n
}
