// Package connutil opens the serial port of a Prologix adapter and sets up
// the GPIB controller from command-line flags and configuration.
package connutil

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"go.bug.st/serial"
	"go.uber.org/multierr"

	"github.com/gotmc/phasenoise"
	"github.com/gotmc/phasenoise/lib/config"
	"github.com/gotmc/phasenoise/lib/find"
	"github.com/gotmc/phasenoise/lib/prologix"
)

// DefaultDropout is how long a read may wait for the next byte.
const DefaultDropout = 10 * time.Second

// Conn holds the connection settings.
type Conn struct {
	SerialPort  string
	Baud        int
	GpibPAD     int
	GpibSAD     int // -1 for none
	Delay       time.Duration
	Dropout     time.Duration
	GpibTimeout time.Duration
	AR488       bool
	Diag        bool
	Debug       bool
	Logger      *log.Logger

	fs *pflag.FlagSet
}

// openPort is replaced in tests.
var openPort = func(name string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(name, mode)
}

func (c *Conn) logger() *log.Logger {
	if c.Logger == nil {
		return log.New(io.Discard)
	}
	return c.Logger
}

// AddFlags registers the connection flags on fs, defaulting to the values
// already in c. An empty SerialPort is filled by looking for an adapter.
func (c *Conn) AddFlags(fs *pflag.FlagSet) {
	c.fs = fs
	if c.SerialPort == "" {
		port, err := find.Find(find.Any(find.Prologix, find.AR488, find.PiPico))
		if err != nil {
			c.logger().Debug("no adapter found", "err", err)
		}
		c.SerialPort = port
	}
	if c.Baud == 0 {
		c.Baud = 115200
	}
	if c.Dropout == 0 {
		c.Dropout = DefaultDropout
	}
	if c.GpibTimeout == 0 {
		c.GpibTimeout = 500 * time.Millisecond
	}
	fs.StringVar(&c.SerialPort, "port", c.SerialPort, "serial port of the Prologix VCP GPIB controller")
	fs.IntVar(&c.Baud, "baud", c.Baud, "serial baud rate")
	fs.IntVar(&c.GpibPAD, "pad", c.GpibPAD, "GPIB primary address of the instrument")
	fs.IntVar(&c.GpibSAD, "sad", c.GpibSAD, "GPIB secondary address of the instrument, -1 for none")
	fs.DurationVar(&c.Delay, "delay", c.Delay, "minimum delay between writes")
	fs.DurationVar(&c.Dropout, "timeout", c.Dropout, "read dropout timeout")
	fs.DurationVar(&c.GpibTimeout, "gpib-timeout", c.GpibTimeout, "controller GPIB read timeout (1ms..3s)")
	fs.BoolVar(&c.AR488, "ar488", c.AR488, "adapter is an AR488 rather than a Prologix")
	fs.BoolVar(&c.Diag, "diag", c.Diag, "pulse the adapter's bus lines before use")
	fs.BoolVar(&c.Debug, "debug-bus", c.Debug, "log controller traffic")
}

// Merge takes each value from b unless its flag was given explicitly.
func (c *Conn) Merge(b config.BusConfig) {
	changed := func(name string) bool { return c.fs != nil && c.fs.Changed(name) }
	if b.Port != "" && !changed("port") {
		c.SerialPort = b.Port
	}
	if b.Baud != 0 && !changed("baud") {
		c.Baud = b.Baud
	}
	if !changed("pad") {
		c.GpibPAD = b.PAD
	}
	if !changed("sad") {
		c.GpibSAD = b.SAD
	}
	if b.WriteDelay != 0 && !changed("delay") {
		c.Delay = b.WriteDelay
	}
	if b.ReadTimeout != 0 && !changed("gpib-timeout") {
		c.GpibTimeout = b.ReadTimeout
	}
	if b.AR488 && !changed("ar488") {
		c.AR488 = true
	}
}

// dropoutPort turns a serial read that returned nothing before the port's
// read timeout into ErrTimeout.
type dropoutPort struct {
	serial.Port
}

func (p dropoutPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == nil && len(b) > 0 {
		return 0, phasenoise.ErrTimeout
	}
	return n, err
}

// Setup opens the port and initializes the controller. The returned
// cleanup returns the instrument to local control and closes the port.
func (c *Conn) Setup(opts ...prologix.ControllerOption) (gpib *prologix.Controller, cleanup func() error, err error) {
	l := c.logger()
	if c.SerialPort == "" {
		return nil, nil, fmt.Errorf("no serial port given and no adapter found")
	}
	l.Info("opening", "port", c.SerialPort, "baud", c.Baud)

	port, err := openPort(c.SerialPort, &serial.Mode{
		BaudRate: c.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", c.SerialPort, err)
	}
	if err := port.SetReadTimeout(c.Dropout); err != nil {
		return nil, nil, multierr.Append(fmt.Errorf("setting read timeout: %w", err), port.Close())
	}
	if err := port.ResetInputBuffer(); err != nil {
		l.Warn("discarding stale input", "err", err)
	}

	base := []prologix.ControllerOption{
		prologix.WithLogger(l),
		prologix.WithReadTimeout(c.GpibTimeout),
	}
	if c.Delay > 0 {
		base = append(base, prologix.WithWriteDelay(c.Delay))
	}
	if c.GpibSAD >= 0 {
		base = append(base, prologix.WithSecondaryAddress(c.GpibSAD))
	}
	if c.AR488 {
		base = append(base, prologix.WithAR488())
	}
	if c.Debug {
		base = append(base, prologix.WithDebug())
	}

	gpib, err = prologix.NewController(dropoutPort{port}, c.GpibPAD, false, append(base, opts...)...)
	if err != nil {
		return nil, nil, multierr.Append(err, port.Close())
	}

	if c.Diag {
		if err := diagnose(gpib); err != nil {
			l.Warn("bus diagnostic", "err", err)
		}
	}

	cleanup = func() error {
		err := gpib.FrontPanel(true)
		if err != nil {
			err = fmt.Errorf("returning to local control: %w", err)
		}
		if rerr := port.ResetInputBuffer(); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("discarding unread input: %w", rerr))
		}
		if cerr := port.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing %s: %w", c.SerialPort, cerr))
		}
		return err
	}
	return gpib, cleanup, nil
}

// diagnose toggles the adapter's control and data lines so they can be
// checked with a probe.
func diagnose(gpib *prologix.Controller) error {
	var err error
	for _, step := range []struct {
		cmd  string
		wait time.Duration
	}{
		{"xdiag 1 255", time.Millisecond},
		{"xdiag 0 255", 100 * time.Millisecond},
		{"xdiag 0 0", 0},
		{"xdiag 1 0", 0},
	} {
		err = multierr.Append(err, gpib.CommandController(step.cmd))
		time.Sleep(step.wait)
	}
	return err
}
