// Package find locates the USB serial port of a GPIB adapter.
package find

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// listPorts is replaced in tests.
var listPorts = enumerator.GetDetailedPortsList

// Port describes one USB serial port.
type Port = enumerator.PortDetails

// FilterFn picks ports.
type FilterFn func(*Port) bool

// Prologix matches the FTDI bridge in the Prologix GPIB-USB controller.
// Its serial numbers start with "PX".
func Prologix(p *Port) bool {
	return strings.EqualFold(p.VID, "0403") && strings.EqualFold(p.PID, "6001") &&
		(strings.HasPrefix(p.SerialNumber, "PX") || strings.Contains(p.Product, "GPIB"))
}

// AR488 matches an Arduino running the AR488 firmware.
func AR488(p *Port) bool {
	return strings.EqualFold(p.VID, "2341") || strings.Contains(p.Product, "Arduino")
}

// PiPico matches a Raspberry Pi Pico, another common AR488 host.
func PiPico(p *Port) bool {
	return strings.EqualFold(p.VID, "2e8a")
}

// SerialFilter matches one adapter by its USB serial number.
func SerialFilter(s string) FilterFn {
	return func(p *Port) bool { return p.SerialNumber == s }
}

// Any matches ports for which any of filters does.
func Any(filters ...FilterFn) FilterFn {
	return func(p *Port) bool {
		for _, f := range filters {
			if f(p) {
				return true
			}
		}
		return false
	}
}

// Find searches for a USB serial device. If filter is not nil, the first
// device for which it returns true is chosen. Otherwise there must be
// exactly one USB serial device.
func Find(filter FilterFn) (string, error) {
	ports, err := USBPorts()
	if err != nil {
		return "", err
	}
	if filter != nil {
		for _, p := range ports {
			if filter(p) {
				return p.Name, nil
			}
		}
		return "", fmt.Errorf("no matching ports among %d USB serial ports", len(ports))
	}
	switch len(ports) {
	case 0:
		return "", fmt.Errorf("no USB serial ports found")
	case 1:
		return ports[0].Name, nil
	}
	return "", fmt.Errorf("multiple USB serial ports:\n%s", Ports(ports))
}

// USBPorts lists the USB serial ports.
func USBPorts() (Ports, error) {
	all, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerating serial ports: %w", err)
	}
	var usb Ports
	for _, p := range all {
		if p.IsUSB {
			usb = append(usb, p)
		}
	}
	return usb, nil
}

// Describe renders one port on a line.
func Describe(p *Port) string {
	return fmt.Sprintf("%s vid/pid %s/%s product %q serial %s", p.Name, p.VID, p.PID, p.Product, p.SerialNumber)
}

// Ports is a list of ports that prints one per line.
type Ports []*Port

func (ps Ports) String() string {
	s := make([]string, 0, len(ps))
	for _, p := range ps {
		s = append(s, Describe(p))
	}
	return strings.Join(s, "\n")
}
