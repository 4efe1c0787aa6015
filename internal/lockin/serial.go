package lockin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/energyscan/internal/monitoring"
	"github.com/banshee-data/energyscan/internal/serialmux"
	"github.com/banshee-data/energyscan/internal/timeutil"
)

// Serial is a lock-in amplifier answering a query with "a,b,ref".
type Serial struct {
	mux     serialmux.SerialMuxInterface
	id      string
	lines   <-chan string
	query   string
	timeout time.Duration
	clock   timeutil.Clock
	name    string
	log     *logrus.Entry

	mu        sync.Mutex
	stop      context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewSerial starts reading mux and sends opts.Init. The mux is owned by the
// returned source and closed with it.
func NewSerial(ctx context.Context, mux serialmux.SerialMuxInterface, opts Options) (*Serial, error) {
	s := &Serial{
		mux:     mux,
		query:   opts.Query,
		timeout: opts.ReadTimeout,
		clock:   opts.Clock,
		name:    opts.Port,
		log:     monitoring.Component("lockin").WithField("port", opts.Port),
	}
	if s.query == "" {
		s.query = "?ODT"
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}

	s.id, s.lines = mux.Subscribe()
	monCtx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := mux.Monitor(monCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).Warn("lock-in monitor stopped")
		}
	}()

	if err := ctx.Err(); err != nil {
		s.Close()
		return nil, err
	}
	if len(opts.Init) > 0 {
		if err := s.ApplyParameters(opts.Init...); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// ApplyParameters writes each command verbatim.
func (s *Serial) ApplyParameters(cmds ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cmds {
		if err := s.mux.SendCommand(c); err != nil {
			return fmt.Errorf("lockin: send %q: %w", c, err)
		}
	}
	s.log.WithField("params", strings.Join(cmds, ";")).Debug("parameters applied")
	return nil
}

// ReadSample sends the query and returns the first reply that parses.
func (s *Serial) ReadSample(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mux.Flush(s.id)
	timer := s.clock.NewTimer(s.timeout)
	defer timer.Stop()

	if err := s.mux.SendCommand(s.query); err != nil {
		return Sample{}, fmt.Errorf("lockin: send query: %w", err)
	}
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return Sample{}, errors.New("lockin: serial channel closed")
			}
			sample, err := ParseSample(line)
			if err != nil {
				s.log.WithField("line", line).Debug("ignoring unparsable reply")
				continue
			}
			return sample, nil
		case <-timer.C():
			return Sample{}, fmt.Errorf("%w (%s after %q)", ErrReadTimeout, s.timeout, s.query)
		case <-ctx.Done():
			return Sample{}, ctx.Err()
		}
	}
}

// ParseSample decodes a "a,b,ref" reply.
func ParseSample(line string) (Sample, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 3 {
		return Sample{}, fmt.Errorf("lockin: want 3 fields, got %d in %q", len(parts), line)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Sample{}, fmt.Errorf("lockin: field %d of %q: %w", i, line, err)
		}
		v[i] = f
	}
	return Sample{A: v[0], B: v[1], Reference: v[2]}, nil
}

func (s *Serial) Describe() string { return "serial lock-in on " + s.name }

func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stop()
		err = s.mux.Close()
		<-s.done
	})
	return err
}
