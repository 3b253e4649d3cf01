package sim

import (
	"sync"
	"time"

	"github.com/lfi-playground/lfi-demo/internal/hw"
)

// Stage is a simulated delta stage. Moves block for MoveDuration.
type Stage struct {
	MoveDuration time.Duration

	mu        sync.Mutex
	pos       hw.Coordinates
	moves     []hw.Coordinates
	releases  int
	inFlight  int
	maxFlight int
	closed    bool
}

var _ hw.Stage = (*Stage)(nil)

// NewStage returns a simulated stage taking one second per move.
func NewStage() *Stage {
	return &Stage{MoveDuration: time.Second}
}

func (s *Stage) SetPosition(c hw.Coordinates) error {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxFlight {
		s.maxFlight = s.inFlight
	}
	d := s.MoveDuration
	s.mu.Unlock()

	time.Sleep(d)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	s.pos = c
	s.moves = append(s.moves, c)
	return nil
}

func (s *Stage) Position() (hw.Coordinates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, nil
}

func (s *Stage) ZeroPosition() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = hw.Coordinates{}
	return nil
}

func (s *Stage) ReleaseMotors() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	return nil
}

func (s *Stage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Moves returns every position commanded so far.
func (s *Stage) Moves() []hw.Coordinates {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hw.Coordinates(nil), s.moves...)
}

// Releases counts motor releases.
func (s *Stage) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

// MaxConcurrentMoves is the highest number of overlapping SetPosition calls.
func (s *Stage) MaxConcurrentMoves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxFlight
}
