// Package scan turns an energy grid into actuator positions and drives
// repeated acquisition runs over them.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/banshee-data/energyscan/internal/lockin"
	"github.com/banshee-data/energyscan/internal/monitoring"
	"github.com/banshee-data/energyscan/internal/spectrum"
	"github.com/banshee-data/energyscan/internal/timeutil"
)

// DefaultSettleDelay is the pause between reaching a point and sampling it.
const DefaultSettleDelay = 50 * time.Millisecond

// State is the scheduler lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateStopped   State = "stopped"
)

var (
	ErrBusy          = errors.New("scan: a scan is already running")
	ErrEmptyPlan     = errors.New("scan: plan has no points")
	ErrNotResumable  = errors.New("scan: only a stopped scan can be resumed")
	ErrNothingToRun  = errors.New("scan: no runs remaining")
	ErrZeroReference = errors.New("scan: zero reference signal")
)

// ZeroReferenceError aborts a scan when the lock-in reports no reference
// signal, which would make normalisation divide by zero.
type ZeroReferenceError struct {
	EnergyEV float64
}

func (e *ZeroReferenceError) Error() string {
	return fmt.Sprintf("scan: zero reference signal at %.4f eV", e.EnergyEV)
}

func (e *ZeroReferenceError) Unwrap() error { return ErrZeroReference }

// Positioner moves the actuator. *actuator.Actuator satisfies it.
type Positioner interface {
	Goto(target int) error
}

// RunSink receives each completed run. *average.Store satisfies it.
type RunSink interface {
	AddRun(run spectrum.Spectrum) error
	Reset()
}

// Status is a point-in-time copy of the scheduler's progress.
type Status struct {
	SessionID     string    `json:"session_id,omitempty"`
	State         State     `json:"state"`
	Repeat        int       `json:"repeat"`
	CompletedRuns int       `json:"completed_runs"`
	CurrentRun    int       `json:"current_run"`
	CurrentPoint  int       `json:"current_point"`
	PlanLength    int       `json:"plan_length"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`

	Err error `json:"-"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock substitutes the clock used for settle delays.
func WithClock(c timeutil.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithSettleDelay sets the per-point settle delay.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.settle = d }
}

// Scheduler runs a plan repeatedly, one scan at a time.
type Scheduler struct {
	pos    Positioner
	src    lockin.Source
	sink   RunSink
	clock  timeutil.Clock
	settle time.Duration
	events *eventQueue

	mu     sync.RWMutex
	status Status
	plan   *Plan
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds an idle scheduler.
func NewScheduler(pos Positioner, src lockin.Source, sink RunSink, opts ...Option) *Scheduler {
	s := &Scheduler{
		pos:    pos,
		src:    src,
		sink:   sink,
		clock:  timeutil.RealClock{},
		settle: DefaultSettleDelay,
		events: newEventQueue(),
		status: Status{State: StateIdle},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Events returns the single consumer channel. It is closed by Close.
func (s *Scheduler) Events() <-chan Event { return s.events.out }

// Snapshot returns a copy of the current status.
func (s *Scheduler) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Plan returns the plan of the current or last scan.
func (s *Scheduler) Plan() *Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan
}

// Start begins a new scan of plan repeated repeat times. The run sink is
// reset first.
func (s *Scheduler) Start(ctx context.Context, plan *Plan, repeat int) error {
	if plan == nil || plan.Len() == 0 {
		return ErrEmptyPlan
	}
	if repeat < 1 {
		return fmt.Errorf("%w: repeat %d", ErrInvalidGrid, repeat)
	}

	s.mu.Lock()
	if s.status.State == StateRunning {
		s.mu.Unlock()
		return ErrBusy
	}
	s.sink.Reset()
	s.plan = plan
	s.status = Status{
		SessionID:  uuid.NewString(),
		Repeat:     repeat,
		PlanLength: plan.Len(),
	}
	s.launchLocked(ctx, repeat)
	s.mu.Unlock()
	return nil
}

// Resume continues a stopped scan. The interrupted run restarts from its
// first point; runs already handed to the sink are kept.
func (s *Scheduler) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.State != StateStopped || s.plan == nil {
		return fmt.Errorf("%w (state %s)", ErrNotResumable, s.status.State)
	}
	remaining := s.status.Repeat - s.status.CompletedRuns
	if remaining <= 0 {
		return ErrNothingToRun
	}
	s.status.Err = nil
	s.status.Error = ""
	s.status.FinishedAt = time.Time{}
	s.launchLocked(ctx, remaining)
	return nil
}

func (s *Scheduler) launchLocked(ctx context.Context, runs int) {
	scanCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status.State = StateRunning
	s.status.CurrentRun = s.status.CompletedRuns
	s.status.CurrentPoint = 0
	s.status.StartedAt = s.clock.Now()
	s.events.Publish(StateEvent{SessionID: s.status.SessionID, State: StateRunning})

	s.logger().WithFields(logrus.Fields{
		"points": s.plan.Len(),
		"runs":   runs,
	}).Info("scan started")

	go s.run(scanCtx, s.plan, runs, s.done)
}

// Stop cancels a running scan. The scheduler reaches Stopped once the
// current wait or read returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Wait blocks until the current scan reaches a terminal state and returns
// its error, if any.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Snapshot().Err
}

// Close stops any scan and shuts the event stream.
func (s *Scheduler) Close() {
	s.Stop()
	_ = s.Wait(context.Background())
	s.events.Close()
}

func (s *Scheduler) logger() *logrus.Entry {
	return monitoring.Component("scan").WithField("session", s.status.SessionID)
}

func (s *Scheduler) run(ctx context.Context, plan *Plan, runs int, done chan struct{}) {
	defer close(done)

	for r := 0; r < runs; r++ {
		result, err := s.runOnce(ctx, plan)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				s.finish(StateStopped, nil)
			} else {
				s.finish(StateAborted, err)
			}
			return
		}
		if err := s.sink.AddRun(result); err != nil {
			s.finish(StateAborted, err)
			return
		}

		s.mu.Lock()
		s.status.CompletedRuns++
		completed := s.status.CompletedRuns
		s.status.CurrentRun = completed
		session := s.status.SessionID
		s.mu.Unlock()

		s.events.Publish(RunEvent{SessionID: session, Run: completed, Result: result})
		monitoring.Logf("scan %s: run %d complete", session, completed)
	}
	s.finish(StateCompleted, nil)
}

// runOnce sweeps the plan once and returns the normalised spectrum.
func (s *Scheduler) runOnce(ctx context.Context, plan *Plan) (spectrum.Spectrum, error) {
	n := plan.Len()
	out := spectrum.Spectrum{
		Energy: make([]float64, 0, n),
		A:      make([]float64, 0, n),
		B:      make([]float64, 0, n),
	}

	s.mu.RLock()
	session, run := s.status.SessionID, s.status.CurrentRun
	s.mu.RUnlock()

	for i, pt := range plan.Points {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		s.mu.Lock()
		s.status.CurrentPoint = i
		s.mu.Unlock()

		if err := s.pos.Goto(pt.Position); err != nil {
			return out, fmt.Errorf("scan: goto %d for %.4f eV: %w", pt.Position, pt.EnergyEV, err)
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err := s.clock.SleepContext(ctx, s.settle); err != nil {
			return out, err
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		sample, err := s.src.ReadSample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return out, fmt.Errorf("scan: read at %.4f eV: %w", pt.EnergyEV, err)
		}
		if sample.Reference == 0 {
			return out, &ZeroReferenceError{EnergyEV: pt.EnergyEV}
		}

		a, b := sample.A/sample.Reference, sample.B/sample.Reference
		out.Energy = append(out.Energy, pt.EnergyEV)
		out.A = append(out.A, a)
		out.B = append(out.B, b)

		s.events.Publish(PointEvent{
			SessionID: session,
			Run:       run,
			Index:     i,
			EnergyEV:  pt.EnergyEV,
			Position:  pt.Position,
			A:         a,
			B:         b,
			Reference: sample.Reference,
		})
	}
	return out, nil
}

func (s *Scheduler) finish(state State, err error) {
	s.mu.Lock()
	s.status.State = state
	s.status.Err = err
	if err != nil {
		s.status.Error = err.Error()
	}
	s.status.FinishedAt = s.clock.Now()
	// release the run context from its parent
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	session := s.status.SessionID
	log := s.logger().WithField("completed_runs", s.status.CompletedRuns)
	s.mu.Unlock()

	if err != nil {
		log.WithError(err).Warn("scan aborted")
	} else {
		log.Infof("scan %s", state)
	}
	s.events.Publish(StateEvent{SessionID: session, State: state, Err: err})
}
