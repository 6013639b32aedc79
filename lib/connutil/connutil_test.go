package connutil

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/gotmc/phasenoise"
	"github.com/gotmc/phasenoise/lib/config"
)

// fakePort embeds the interface so only the methods used need exist.
type fakePort struct {
	serial.Port
	out      bytes.Buffer
	in       *strings.Reader
	timeout  time.Duration
	resets   int
	closed   bool
	closeErr error
}

func (p *fakePort) Write(b []byte) (int, error) { return p.out.Write(b) }

func (p *fakePort) Read(b []byte) (int, error) {
	if p.in == nil || p.in.Len() == 0 {
		return 0, nil
	}
	return p.in.Read(b)
}

func (p *fakePort) SetReadTimeout(d time.Duration) error { p.timeout = d; return nil }
func (p *fakePort) ResetInputBuffer() error              { p.resets++; return nil }
func (p *fakePort) Close() error                         { p.closed = true; return p.closeErr }

func withPort(t *testing.T, p *fakePort) *serial.Mode {
	t.Helper()
	var got serial.Mode
	old := openPort
	openPort = func(name string, mode *serial.Mode) (serial.Port, error) {
		got = *mode
		return p, nil
	}
	t.Cleanup(func() { openPort = old })
	return &got
}

func TestSetup(t *testing.T) {
	p := &fakePort{}
	mode := withPort(t, p)
	c := &Conn{SerialPort: "/dev/ttyUSB0", GpibPAD: 18, GpibSAD: 96}
	c.AddFlags(pflag.NewFlagSet("t", pflag.ContinueOnError))

	gpib, cleanup, err := c.Setup()
	require.NoError(t, err)
	require.NotNil(t, gpib)
	assert.Equal(t, 115200, mode.BaudRate)
	assert.Equal(t, DefaultDropout, p.timeout)
	assert.Contains(t, p.out.String(), "++addr 18 96\n")
	assert.Contains(t, p.out.String(), "++read_tmo_ms 500\n")

	p.out.Reset()
	require.NoError(t, cleanup())
	assert.Equal(t, "++loc\n", p.out.String())
	assert.True(t, p.closed)
	assert.Equal(t, 2, p.resets)
}

func TestCleanupCombinesErrors(t *testing.T) {
	p := &fakePort{closeErr: errors.New("port gone")}
	withPort(t, p)
	c := &Conn{SerialPort: "/dev/ttyUSB0", GpibPAD: 5, GpibSAD: -1}
	_, cleanup, err := c.Setup()
	require.NoError(t, err)
	assert.ErrorContains(t, cleanup(), "port gone")
}

func TestSetupRejectsBadAddress(t *testing.T) {
	p := &fakePort{}
	withPort(t, p)
	c := &Conn{SerialPort: "/dev/ttyUSB0", GpibPAD: 31, GpibSAD: -1}
	_, _, err := c.Setup()
	assert.ErrorContains(t, err, "invalid primary address 31")
	assert.True(t, p.closed, "port closed on failure")
}

func TestSetupNeedsPort(t *testing.T) {
	_, _, err := (&Conn{}).Setup()
	assert.ErrorContains(t, err, "no serial port")
}

func TestDropoutIsTimeout(t *testing.T) {
	p := dropoutPort{&fakePort{}}
	_, err := p.Read(make([]byte, 4))
	assert.ErrorIs(t, err, phasenoise.ErrTimeout)

	p = dropoutPort{&fakePort{in: strings.NewReader("ok")}}
	b := make([]byte, 4)
	n, err := p.Read(b)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(b[:n]))
}

func TestMergeKeepsExplicitFlags(t *testing.T) {
	fs := pflag.NewFlagSet("t", pflag.ContinueOnError)
	c := &Conn{SerialPort: "/dev/ttyUSB9"}
	c.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--pad", "7", "--delay", "20ms"}))

	b := config.Default().Bus
	b.Port = "/dev/ttyUSB1"
	b.WriteDelay = 50 * time.Millisecond
	b.AR488 = true
	c.Merge(b)

	assert.Equal(t, "/dev/ttyUSB1", c.SerialPort)
	assert.Equal(t, 7, c.GpibPAD, "flag wins")
	assert.Equal(t, -1, c.GpibSAD)
	assert.Equal(t, 20*time.Millisecond, c.Delay, "flag wins")
	assert.True(t, c.AR488)
}
