// Package cmdlog logs the traffic on an instrument bus.
package cmdlog

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/gotmc/phasenoise"
)

func isASCII(s string) bool {
	return !strings.ContainsFunc(s, func(r rune) bool {
		switch {
		case r < 7:
			return true
		case r > 6 && r < 14:
			return false
		case r > 13 && r < 32:
			return true
		case r > 127:
			return true
		}
		return false
	})
}

var (
	CmdStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	R1Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	R2Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Bus wraps another bus and logs every exchange at debug level.
type Bus struct {
	inner phasenoise.Bus
	log   *log.Logger
}

var _ phasenoise.Bus = (*Bus)(nil)

// Wrap returns a logging bus around inner.
func Wrap(inner phasenoise.Bus, l *log.Logger) *Bus {
	return &Bus{inner: inner, log: l.WithPrefix("bus")}
}

// Render formats a reply for display. Binary replies are shown in hex.
func Render(a string) string {
	a = strings.TrimSuffix(a, "\n") // appended by ar488
	if len(a) == 1 && a[0] == 0xff {
		// Some instruments reply 0xff when there is nothing to say.
		a = ""
	}
	switch {
	case len(a) == 0:
		return R1Style.Render("<no response>")
	case isASCII(a):
		return R2Style.Render(fmt.Sprintf("[%d] %q", len(a), a))
	case len(a) < 32:
		return R2Style.Render(fmt.Sprintf("[%d] %q (% 2x)", len(a), a, []byte(a)))
	}
	return R2Style.Render(fmt.Sprintf("[%d] % 2x", len(a), []byte(a)))
}

func (b *Bus) done(cmd string, err error) {
	if err != nil {
		b.log.Debug(CmdStyle.Render(cmd), "err", ErrStyle.Render(err.Error()))
		return
	}
	b.log.Debug(CmdStyle.Render(cmd))
}

func (b *Bus) Command(cmd string) error {
	err := b.inner.Command(cmd)
	b.done(cmd, err)
	return err
}

func (b *Bus) CommandAck(cmd string) error {
	err := b.inner.CommandAck(cmd)
	b.done(cmd+" (ack)", err)
	return err
}

func (b *Bus) Query(cmd string) (string, error) {
	s, err := b.inner.Query(cmd)
	if err != nil {
		b.done(cmd, err)
		return s, err
	}
	b.log.Debug(CmdStyle.Render(cmd), "reply", Render(s))
	return s, nil
}

func (b *Bus) ReadBinary(n int) ([]byte, error) {
	buf, err := b.inner.ReadBinary(n)
	if err != nil {
		b.done(fmt.Sprintf("<read %d>", n), err)
		return buf, err
	}
	b.log.Debug(CmdStyle.Render(fmt.Sprintf("<read %d>", n)), "reply", Render(string(buf)))
	return buf, nil
}

func (b *Bus) ReadLine() (string, error) {
	s, err := b.inner.ReadLine()
	if err != nil {
		b.done("<read line>", err)
		return s, err
	}
	b.log.Debug(CmdStyle.Render("<read line>"), "reply", Render(s))
	return s, nil
}
