// Package serialport opens and speaks line-oriented protocols over the USB
// serial links of the rig: the target's CDC console and the stage
// controller.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ErrNotFound is returned when no port matches a lookup.
var ErrNotFound = errors.New("serial port not found")

// Porter is the minimal interface of an open serial port.
type Porter interface {
	io.ReadWriteCloser
}

// TimeoutPorter is implemented by ports that support read timeouts.
type TimeoutPorter interface {
	Porter
	SetReadTimeout(timeout time.Duration) error
}

// Opener opens the port at path.
type Opener func(path string, opts PortOptions) (Porter, error)

// Open opens a real serial port.
func Open(path string, opts PortOptions) (Porter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return port, nil
}

// PortInfo describes an enumerated port.
type PortInfo struct {
	Path    string
	Product string
	IsUSB   bool
}

// Lister enumerates the serial ports present on the host.
type Lister func() ([]PortInfo, error)

// ListPorts enumerates ports with their USB product strings.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("listing serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{Path: d.Name, Product: d.Product, IsUSB: d.IsUSB})
	}
	return out, nil
}

// FindByProduct returns the path of the first port whose USB product string
// equals name.
func FindByProduct(list Lister, name string) (string, error) {
	ports, err := list()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.Product == name {
			return p.Path, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, name)
}
