package serialmux

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// SimulatedStepper emulates the stepper controller firmware: G<pulse> moves
// to an absolute pulse count and S<idx> overwrites the position, both
// answered with OK once the move is complete. Anything else is answered
// with ERR.
type SimulatedStepper struct {
	*TestableSerialPort

	mu       sync.Mutex
	pulse    int
	stepTime time.Duration
}

// NewSimulatedStepper creates a simulated controller that takes stepTime per
// pulse to travel. It greets with a boot banner the way the real board does
// after the DTR reset.
func NewSimulatedStepper(stepTime time.Duration) *SimulatedStepper {
	s := &SimulatedStepper{
		TestableSerialPort: NewTestableSerialPort(),
		stepTime:           stepTime,
	}
	s.AddLine("stepper ready")
	return s
}

// Pulse returns the simulated absolute pulse count.
func (s *SimulatedStepper) Pulse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulse
}

// Write interprets each command line and schedules its reply.
func (s *SimulatedStepper) Write(p []byte) (int, error) {
	n, err := s.TestableSerialPort.Write(p)
	if err != nil {
		return n, err
	}
	for _, line := range strings.Split(strings.TrimSpace(string(p)), "\n") {
		s.handle(strings.TrimSpace(line))
	}
	return n, nil
}

func (s *SimulatedStepper) handle(cmd string) {
	if len(cmd) < 2 {
		s.AddLine("ERR empty")
		return
	}
	arg, err := strconv.Atoi(cmd[1:])
	if err != nil {
		s.AddLine("ERR bad argument")
		return
	}

	switch cmd[0] {
	case 'G':
		s.mu.Lock()
		delta := arg - s.pulse
		s.pulse = arg
		s.mu.Unlock()
		if delta < 0 {
			delta = -delta
		}
		travel := time.Duration(delta) * s.stepTime
		if travel <= 0 {
			s.AddLine("OK")
			return
		}
		time.AfterFunc(travel, func() { s.AddLine("OK") })
	case 'S':
		s.mu.Lock()
		s.pulse = arg * 10
		s.mu.Unlock()
		s.AddLine("OK")
	default:
		s.AddLine("ERR unknown command")
	}
}

// SimulatedOpener returns an Opener that ignores the path and connects to a
// fresh SimulatedStepper.
func SimulatedOpener(stepTime time.Duration) Opener {
	return func(path string, opts PortOptions) (SerialMuxInterface, error) {
		if _, err := opts.Normalise(); err != nil {
			return nil, err
		}
		return NewSerialMux(NewSimulatedStepper(stepTime)), nil
	}
}
