package sweep

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotmc/phasenoise"
	"github.com/gotmc/phasenoise/lib/profile"
	"github.com/gotmc/phasenoise/lib/tek"
)

// dumpBus replays one canned trace response.
type dumpBus struct {
	cmds  []string
	data  []byte
	lines []string
}

func (b *dumpBus) Command(cmd string) error { b.cmds = append(b.cmds, cmd); return nil }
func (b *dumpBus) CommandAck(cmd string) error { return b.Command(cmd) }
func (b *dumpBus) Query(cmd string) (string, error) { return "", phasenoise.ErrTimeout }
func (b *dumpBus) ReadBinary(n int) ([]byte, error) {
	if len(b.data) < n {
		return nil, phasenoise.ErrTimeout
	}
	out := b.data[:n]
	b.data = b.data[n:]
	return out, nil
}

func (b *dumpBus) ReadLine() (string, error) {
	if len(b.lines) == 0 {
		return "", phasenoise.ErrTimeout
	}
	s := b.lines[0]
	b.lines = b.lines[1:]
	return s, nil
}

func lookup(t *testing.T, name string) *profile.Profile {
	t.Helper()
	p, err := profile.Lookup(name)
	require.NoError(t, err)
	return p
}

func TestReadTraceASCII(t *testing.T) {
	p := lookup(t, "hp8566b-ascii")
	bus := &dumpBus{lines: []string{"-10.5,-20.25,\r\n", "-30\r\n"}}
	dst := make([]float64, 3)
	counts, err := ReadTrace(bus, p, dst)
	require.NoError(t, err)
	assert.False(t, counts)
	assert.Equal(t, []float64{-10.5, -20.25, -30}, dst)
	assert.Equal(t, []string{"O3;TA"}, bus.cmds)
}

func TestReadTraceASCIIPremature(t *testing.T) {
	p := lookup(t, "hp8566b-ascii")
	bus := &dumpBus{lines: []string{"-10.5,-20.25,\r\n"}}
	_, err := ReadTrace(bus, p, make([]float64, 3))
	assert.ErrorIs(t, err, phasenoise.ErrPrematureEnd)
	assert.ErrorIs(t, err, phasenoise.ErrTimeout)
	assert.ErrorContains(t, err, "terminated prematurely")
	assert.ErrorContains(t, err, "2 of 3")

	bus = &dumpBus{lines: []string{"-1,garbage\n"}}
	_, err = ReadTrace(bus, p, make([]float64, 3))
	assert.ErrorIs(t, err, phasenoise.ErrBlockFormat)
}

func TestReadTraceBinary16(t *testing.T) {
	var data []byte
	for _, w := range []uint16{0, 500, 1000} {
		data = binary.BigEndian.AppendUint16(data, w)
	}
	dst := make([]float64, 3)
	counts, err := ReadTrace(&dumpBus{data: data}, lookup(t, "hp8566b"), dst)
	require.NoError(t, err)
	assert.True(t, counts)
	assert.Equal(t, []float64{0, 500, 1000}, dst)

	var le []byte
	for _, w := range []uint16{1792, 14592} {
		le = binary.LittleEndian.AppendUint16(le, w)
	}
	dst = make([]float64, 2)
	_, err = ReadTrace(&dumpBus{data: le}, lookup(t, "r3267"), dst)
	require.NoError(t, err)
	assert.Equal(t, []float64{1792, 14592}, dst)
}

func TestReadTraceCentiDBm(t *testing.T) {
	data := binary.BigEndian.AppendUint16(nil, uint16(0x10000-8725))
	dst := make([]float64, 1)
	_, err := ReadTrace(&dumpBus{data: data}, lookup(t, "hp70000"), dst)
	require.NoError(t, err)
	assert.Equal(t, -8725.0, dst[0])
}

func TestReadTraceBinary8(t *testing.T) {
	p := lookup(t, "tek490p")
	payload := []byte{25, 125, 225}
	data := append([]byte(p.Counts.Preamble), tek.Pack(payload, false)...)
	data = append(data, ';')
	bus := &dumpBus{data: data}
	dst := make([]float64, 3)
	counts, err := ReadTrace(bus, p, dst)
	require.NoError(t, err)
	assert.True(t, counts)
	assert.Equal(t, []float64{25, 125, 225}, dst)
	assert.Equal(t, []byte{';'}, bus.data, "trailer left for the bus to discard")

	bad := append([]byte("CURVE XXXXX:A,%"), tek.Pack(payload, false)...)
	_, err = ReadTrace(&dumpBus{data: bad}, p, dst)
	assert.ErrorIs(t, err, phasenoise.ErrBlockFormat)

	corrupt := append([]byte(p.Counts.Preamble), tek.Pack(payload, false)...)
	corrupt[len(p.Counts.Preamble)+3]++
	_, err = ReadTrace(&dumpBus{data: corrupt}, p, dst)
	assert.ErrorIs(t, err, phasenoise.ErrChecksum)
}

func TestReadTraceFloat32(t *testing.T) {
	var body []byte
	for _, v := range []float32{-50.5, -101.25} {
		body = binary.LittleEndian.AppendUint32(body, math.Float32bits(v))
	}
	dst := make([]float64, 2)
	counts, err := ReadTrace(&dumpBus{data: tek.DefiniteBlock(body)}, lookup(t, "fsp"), dst)
	require.NoError(t, err)
	assert.False(t, counts)
	assert.Equal(t, []float64{-50.5, -101.25}, dst)

	_, err = ReadTrace(&dumpBus{data: tek.DefiniteBlock(body)}, lookup(t, "fsp"), make([]float64, 3))
	assert.ErrorIs(t, err, phasenoise.ErrBlockLength)
}
