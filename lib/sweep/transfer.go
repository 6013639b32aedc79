package sweep

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gotmc/phasenoise"
	"github.com/gotmc/phasenoise/lib/profile"
	"github.com/gotmc/phasenoise/lib/tek"
)

// ReadTrace requests a trace dump and decodes it into dst, one value per
// point. counts is true when dst holds display counts that still need
// scaling with CountsToDBm, false when it already holds dBm.
func ReadTrace(bus phasenoise.Bus, p *profile.Profile, dst []float64) (counts bool, err error) {
	if err := bus.Command(p.Verbs.Trace); err != nil {
		return false, &phasenoise.BusError{Op: "command", Cmd: p.Verbs.Trace, Err: err}
	}
	var order binary.ByteOrder = binary.BigEndian
	if p.Quirks.LittleEndian {
		order = binary.LittleEndian
	}

	switch p.Transfer {
	case profile.Binary16:
		data, err := countBlock(bus, p, 2*len(dst))
		if err != nil {
			return false, err
		}
		words, err := tek.Words(data, order)
		if err != nil {
			return false, err
		}
		for i, w := range words {
			if p.Counts.CentiDBm {
				dst[i] = float64(int16(w))
			} else {
				dst[i] = float64(w)
			}
		}
		return true, nil

	case profile.Binary8:
		data, err := countBlock(bus, p, len(dst))
		if err != nil {
			return false, err
		}
		for i, b := range data {
			dst[i] = float64(b)
		}
		return true, nil

	case profile.Float32:
		data, err := tek.ReadDefiniteBlock(bus)
		if err != nil {
			return false, err
		}
		vals, err := tek.Floats(data, order)
		if err != nil {
			return false, err
		}
		if len(vals) != len(dst) {
			return false, fmt.Errorf("%w: %d values, want %d", phasenoise.ErrBlockLength, len(vals), len(dst))
		}
		copy(dst, vals)
		return false, nil

	case profile.ASCII:
		return false, readASCII(bus, dst)
	}
	return false, fmt.Errorf("unsupported transfer format %q", p.Transfer)
}

func countBlock(bus phasenoise.Bus, p *profile.Profile, n int) ([]byte, error) {
	if pre := p.Counts.Preamble; pre != "" {
		b, err := bus.ReadBinary(len(pre))
		if err != nil {
			return nil, err
		}
		if string(b) != pre {
			return nil, fmt.Errorf("%w: preamble %q, want %q", phasenoise.ErrBlockFormat, b, pre)
		}
	}
	if p.Counts.Checksum {
		return tek.ReadCountBlock(bus, p.Counts.Framed, n)
	}
	return bus.ReadBinary(n)
}

func isSeparator(r rune) bool {
	return r == ',' || r == '\r' || r == '\n' || r == ' ' || r == '\t' || r == ';'
}

// readASCII collects separator-delimited values chunk by chunk. Each read
// is bounded by the bus timeout; running dry early is a premature end.
func readASCII(bus phasenoise.Bus, dst []float64) error {
	n := 0
	for n < len(dst) {
		chunk, err := bus.ReadLine()
		if err != nil {
			if errors.Is(err, phasenoise.ErrTimeout) {
				return fmt.Errorf("%w after %d of %d values: %w", phasenoise.ErrPrematureEnd, n, len(dst), err)
			}
			return err
		}
		for _, f := range strings.FieldsFunc(chunk, isSeparator) {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return fmt.Errorf("%w: trace value %q", phasenoise.ErrBlockFormat, f)
			}
			if n < len(dst) {
				dst[n] = v
				n++
			}
		}
	}
	return nil
}
