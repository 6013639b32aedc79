// Copyright (c) 2020–2026 The phasenoise developers. All rights reserved.
// Project site: https://github.com/gotmc/phasenoise
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package prologix drives an instrument through a Prologix GPIB-USB
// controller (or an AR488 clone) and implements phasenoise.Bus.
package prologix

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/gotmc/phasenoise"
)

// Controller models a GPIB controller-in-charge.
type Controller struct {
	rw               io.ReadWriter
	rd               *bufio.Reader
	primaryAddr      int
	hasSecondaryAddr bool
	secondaryAddr    int
	auto             bool
	usbTerm          byte
	eotChar          byte
	gpibTerm         GpibTerm
	readTimeout      time.Duration
	writeDelay       time.Duration
	lastWrite        time.Time
	ackQuery         string
	debug            bool // if true, log controller traffic. Set via WithDebug().
	ar488            bool // compatibility with Arduino AR488 - see WithAR488 documentation for details.
	logger           *log.Logger

	// pending is set once "++read eoi" has been issued for the current
	// response; binary is set when that response was consumed by length.
	pending bool
	binary  bool
}

var _ phasenoise.Bus = (*Controller)(nil)

// ControllerOption applies an option to the controller.
type ControllerOption func(*Controller)

// NewController puts the adapter on rw into controller mode addressing the
// instrument at addr. With clear set the instrument also receives Selected
// Device Clear.
func NewController(
	rw io.ReadWriter,
	addr int,
	clear bool,
	opts ...ControllerOption,
) (*Controller, error) {
	c := Controller{
		rw:          rw,
		rd:          bufio.NewReader(rw),
		primaryAddr: addr,
		usbTerm:     '\n',
		eotChar:     '\n',
		gpibTerm:    AppendLF,
		readTimeout: 500 * time.Millisecond,
		ackQuery:    "*OPC?",
		logger:      log.New(io.Discard),
	}

	for _, opt := range opts {
		opt(&c)
	}

	if !isPrimaryAddressValid(c.primaryAddr) {
		return nil, fmt.Errorf("invalid primary address %d (must by 0-30)", c.primaryAddr)
	}

	addrCmd := fmt.Sprintf("addr %d", c.primaryAddr)
	if c.hasSecondaryAddr {
		if !isSecondaryAddressValid(c.secondaryAddr) {
			return nil, fmt.Errorf("invalid secondary address %d (must be 96-126)", c.secondaryAddr)
		}
		addrCmd = fmt.Sprintf("addr %d %d", c.primaryAddr, c.secondaryAddr)
	}
	cmds := []string{}
	if !c.ar488 {
		cmds = append(cmds,
			"verbose 0", // turn off verbosity if on
			"savecfg 0", // Disable saving of configuration parameters in EPROM
		)
	}
	cmds = append(cmds,
		addrCmd,  // Set the primary address.
		"mode 1", // Switch to controller mode.
		"auto 0", // Turn off read-after-write and address instrument to listen.
		"eoi 1",  // Enable EOI assertion with last character.
		fmt.Sprintf("eos %d", c.gpibTerm),
		fmt.Sprintf("read_tmo_ms %d", c.readTimeout.Milliseconds()),
		fmt.Sprintf("eot_char %d", c.eotChar),
		"eot_enable 1", // Append eot_char when EOI detected.
	)
	if !c.ar488 {
		cmds = append(cmds, "savecfg 1")
	}
	if clear {
		cmds = append(cmds, "clr")
	}
	for _, cmd := range cmds {
		if err := c.CommandController(cmd); err != nil {
			return nil, err
		}
	}

	return &c, nil
}

// WithSecondaryAddress sets a secondary address, which must be in the range of
// 96 and 126, inclusive.
func WithSecondaryAddress(addr int) ControllerOption {
	return func(c *Controller) {
		c.hasSecondaryAddr = true
		c.secondaryAddr = addr
	}
}

// WithDebug causes commands and responses to be logged at debug level.
func WithDebug() ControllerOption { return func(c *Controller) { c.debug = true } }

// WithAR488 skips the verbose and savecfg commands, which the Arduino AR488
// firmware rejects.
func WithAR488() ControllerOption { return func(c *Controller) { c.ar488 = true } }

// WithWriteDelay enforces a minimum gap between consecutive writes. Some
// older instruments drop commands that arrive back to back.
func WithWriteDelay(d time.Duration) ControllerOption {
	return func(c *Controller) { c.writeDelay = d }
}

// WithReadTimeout sets the controller's GPIB read timeout (read_tmo_ms),
// between 1 ms and 3 s.
func WithReadTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.readTimeout = min(max(d, time.Millisecond), 3*time.Second)
	}
}

// WithGpibTerm selects the terminator appended to instrument commands.
func WithGpibTerm(term GpibTerm) ControllerOption {
	return func(c *Controller) { c.gpibTerm = term }
}

// WithAckQuery sets the query CommandAck uses to confirm completion.
func WithAckQuery(q string) ControllerOption {
	return func(c *Controller) {
		if q != "" {
			c.ackQuery = q
		}
	}
}

// WithLogger routes controller logging to l.
func WithLogger(l *log.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l.WithPrefix("prologix") }
}

// write sends one USB line, honoring the write delay.
func (c *Controller) write(line string) error {
	if c.writeDelay > 0 {
		if wait := c.writeDelay - time.Since(c.lastWrite); wait > 0 {
			time.Sleep(wait)
		}
	}
	if c.debug {
		c.logger.Debug("write", "data", line)
	}
	_, err := io.WriteString(c.rw, line)
	c.lastWrite = time.Now()
	return err
}

// settle discards what remains of the previous response before a new
// command is sent.
func (c *Controller) settle() {
	if c.pending && c.binary {
		// The eot character follows a length-delimited block.
		_, _ = c.rd.ReadString(c.eotChar)
	}
	if n := c.rd.Buffered(); n > 0 {
		_, _ = c.rd.Discard(n)
	}
	c.pending, c.binary = false, false
}

// Command sends a SCPI/ASCII command to the instrument at the currently
// assigned GPIB address. All leading and trailing whitespace is removed
// before appending the USB terminator to the command sent to the Prologix.
func (c *Controller) Command(cmd string) error {
	c.settle()
	if err := c.write(fmt.Sprintf("%s%c", escape(strings.TrimSpace(cmd)), c.usbTerm)); err != nil {
		return &phasenoise.BusError{Op: "command", Cmd: cmd, Err: err}
	}
	return nil
}

// Commandf formats according to a format specifier and sends the result
// with Command.
func (c *Controller) Commandf(format string, a ...any) error {
	return c.Command(fmt.Sprintf(format, a...))
}

// CommandAck sends cmd, then asks the acknowledgement query once. An empty
// answer is reported as ErrNotReady so a caller can keep polling with
// phasenoise.WaitDone.
func (c *Controller) CommandAck(cmd string) error {
	if err := c.Command(cmd); err != nil {
		return err
	}
	s, err := c.Query(c.ackQuery)
	if err != nil {
		return &phasenoise.BusError{Op: "ack", Cmd: cmd, Err: err}
	}
	if strings.TrimSpace(s) == "" {
		return &phasenoise.BusError{Op: "ack", Cmd: cmd, Err: phasenoise.ErrNotReady}
	}
	return nil
}

// Query sends cmd and returns the first reply line, terminator included.
func (c *Controller) Query(cmd string) (string, error) {
	if err := c.Command(cmd); err != nil {
		return "", err
	}
	s, err := c.ReadLine()
	if err != nil {
		return "", &phasenoise.BusError{Op: "query", Cmd: cmd, Err: err}
	}
	c.pending = false
	if c.debug {
		c.logger.Debug("read", "data", s)
	}
	return s, nil
}

// requestRead asks the controller to address the instrument to talk, once
// per response.
func (c *Controller) requestRead() error {
	if c.pending || c.auto {
		return nil
	}
	if err := c.write(fmt.Sprintf("++read eoi%c", c.usbTerm)); err != nil {
		return err
	}
	c.pending = true
	return nil
}

// ReadLine returns the next eot-terminated chunk of the pending response.
func (c *Controller) ReadLine() (string, error) {
	if err := c.requestRead(); err != nil {
		return "", err
	}
	s, err := c.rd.ReadString(c.eotChar)
	if err != nil {
		if len(s) > 0 && errors.Is(err, io.EOF) {
			return s, nil
		}
		return s, readErr(err)
	}
	return s, nil
}

// ReadBinary returns exactly n bytes of the pending response.
func (c *Controller) ReadBinary(n int) ([]byte, error) {
	if err := c.requestRead(); err != nil {
		return nil, err
	}
	c.binary = true
	buf := make([]byte, n)
	got, err := io.ReadFull(c.rd, buf)
	if err != nil {
		return buf[:got], readErr(err)
	}
	if c.debug {
		c.logger.Debug("read binary", "bytes", n)
	}
	return buf, nil
}

func readErr(err error) error {
	switch {
	case errors.Is(err, phasenoise.ErrTimeout):
		return err
	case errors.Is(err, io.ErrNoProgress), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %w", phasenoise.ErrTimeout, err)
	}
	return err
}

// escape protects bytes the Prologix would otherwise strip from commands.
func escape(s string) string {
	if !strings.ContainsAny(s, "\r\n\x1b+") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r', '\n', 0x1b, '+':
			b.WriteByte(0x1b)
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// QueryController sends a ++ command to the adapter itself and returns its
// trimmed reply.
func (c *Controller) QueryController(cmd string) (string, error) {
	if err := c.CommandController(cmd); err != nil {
		return "", err
	}
	s, err := c.rd.ReadString(c.eotChar)
	if c.debug {
		c.logger.Debug("controller read", "data", s)
	}
	if err != nil {
		return "", readErr(err)
	}
	return strings.TrimSpace(s), nil
}

// CommandController sends cmd to the adapter as a ++ command. Nothing goes
// out on the GPIB.
func (c *Controller) CommandController(cmd string) error {
	c.settle()
	return c.write(fmt.Sprintf("++%s%c", strings.ToLower(strings.TrimSpace(cmd)), c.usbTerm))
}

// ClearDevice sends the Selected Device Clear (SDC) message.
func (c *Controller) ClearDevice() error { return c.CommandController("clr") }

// FrontPanel returns the instrument to local front panel control when
// enabled, and locks the front panel out otherwise.
func (c *Controller) FrontPanel(enable bool) error {
	if enable {
		return c.CommandController("loc")
	}
	return c.CommandController("llo")
}

// InstrumentAddress reads the configured primary and secondary address. The
// secondary address is zero when none is set.
func (c *Controller) InstrumentAddress() (primary, secondary int, err error) {
	s, err := c.QueryController("addr")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, 0, fmt.Errorf("empty address reply")
	}
	if primary, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, fmt.Errorf("parsing address %q: %w", s, err)
	}
	if len(fields) > 1 {
		if secondary, err = strconv.Atoi(fields[1]); err != nil {
			return 0, 0, fmt.Errorf("parsing secondary address %q: %w", s, err)
		}
	}
	return primary, secondary, nil
}

// Version returns the controller's version string.
func (c *Controller) Version() (string, error) { return c.QueryController("ver") }

// ReadTimeout reads back the controller's GPIB read timeout.
func (c *Controller) ReadTimeout() (time.Duration, error) {
	s, err := c.QueryController("read_tmo_ms")
	if err != nil {
		return 0, err
	}
	ms, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parsing read timeout %q: %w", s, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ServiceRequest reports whether the GPIB SRQ line is asserted.
func (c *Controller) ServiceRequest() (bool, error) {
	s, err := c.QueryController("srq")
	if err != nil {
		return false, err
	}
	return s == "1", nil
}

// GpibTerm provides the type for the available GPIB terminators.
type GpibTerm int

// Available GPIB terminators for the Prologix Controller.
const (
	AppendCRLF GpibTerm = iota
	AppendCR
	AppendLF
	AppendNothing
)

var gpibTermDesc = map[GpibTerm]string{
	AppendCRLF:    `Append CR+LF (\r\n) to instrument commands`,
	AppendCR:      `Append CR (\r) to instrument commands`,
	AppendLF:      `Append LF (\n) to instrument commands`,
	AppendNothing: `Do not append anything to instrument commands`,
}

func (term GpibTerm) String() string {
	return gpibTermDesc[term]
}

// isPrimaryAddressValid checks that the primary GPIB address is between 0 and
// 30, inclusive.
func isPrimaryAddressValid(addr int) bool {
	return addr >= 0 && addr <= 30
}

// isSecondaryAddressValid checks that the secondary GPIB address is between 96
// and 126, inclusive.
func isSecondaryAddressValid(addr int) bool {
	return addr >= 96 && addr <= 126
}
