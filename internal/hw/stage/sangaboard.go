// Package stage drives the OpenFlexure delta stage through a Sangaboard
// motor controller on a USB serial link.
package stage

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/lfi-playground/lfi-demo/internal/hw"
	"github.com/lfi-playground/lfi-demo/internal/serialport"
)

// Stage is a delta stage on a Sangaboard. Coordinates are cartesian steps
// aligned with the camera.
type Stage struct {
	mu  sync.Mutex
	cmd *serialport.Commander
	tf  *transform
}

var _ hw.Stage = (*Stage)(nil)

// New drives a Sangaboard on an already opened port.
func New(port serialport.Porter, g Geometry) (*Stage, error) {
	tf, err := newTransform(g)
	if err != nil {
		return nil, err
	}
	return &Stage{cmd: serialport.NewCommander(port), tf: tf}, nil
}

// Open opens the Sangaboard at path.
func Open(open serialport.Opener, path string, g Geometry) (*Stage, error) {
	port, err := open(path, serialport.PortOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: sangaboard: %v", hw.ErrDeviceNotFound, err)
	}
	s, err := New(port, g)
	if err != nil {
		port.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stage) motorPosition() (hw.Coordinates, error) {
	reply, err := s.cmd.Query("p")
	if err != nil {
		return hw.Coordinates{}, err
	}
	fields := strings.Fields(reply)
	if len(fields) != 3 {
		return hw.Coordinates{}, fmt.Errorf("unexpected position reply %q", reply)
	}
	var c hw.Coordinates
	for i, f := range fields {
		v, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			return hw.Coordinates{}, fmt.Errorf("unexpected position reply %q: %w", reply, err)
		}
		c[i] = int32(v)
	}
	return c, nil
}

// SetPosition moves to c and returns once the board reports the move done.
func (s *Stage) SetPosition(c hw.Coordinates) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from, err := s.motorPosition()
	if err != nil {
		return err
	}
	to := s.tf.motors(c)
	log.Printf("[Stage] raw stage coordinates: %v", to)
	_, err = s.cmd.Query(fmt.Sprintf("mr %d %d %d", to[0]-from[0], to[1]-from[1], to[2]-from[2]))
	return err
}

func (s *Stage) Position() (hw.Coordinates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.motorPosition()
	if err != nil {
		return hw.Coordinates{}, err
	}
	return s.tf.cartesian(raw), nil
}

func (s *Stage) ZeroPosition() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.cmd.Query("zero")
	return err
}

// ReleaseMotors de-energises the stepper coils.
func (s *Stage) ReleaseMotors() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.cmd.Query("release")
	return err
}

func (s *Stage) Close() error {
	return s.cmd.Close()
}
