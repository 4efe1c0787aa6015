// Package actuator drives the stepper-based wavelength positioner over a
// line-oriented serial protocol.
//
// The controller firmware accepts two commands:
//
//	G<pulse>  absolute move, answered with a line containing OK or ERR
//	S<idx>    declare the current position without moving
//
// One position unit (idx) is SubStepsPerUnit pulses. Every Goto and Sync is
// serialised so commands never interleave on the wire, and the confirmed
// position only changes after the controller acknowledges a move.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/energyscan/internal/monitoring"
	"github.com/banshee-data/energyscan/internal/serialmux"
	"github.com/banshee-data/energyscan/internal/timeutil"
)

// State is the connection and motion state of the actuator.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Moving
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Moving:
		return "moving"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds the safe window and timing constants.
type Config struct {
	MinPosition     int
	MaxPosition     int
	BaseTimeout     time.Duration
	PerUnitTime     time.Duration
	SubStepsPerUnit int
	SettleWindow    time.Duration
	Port            serialmux.PortOptions
}

// DefaultConfig matches the stock controller: 10 pulses per idx at 2ms per
// pulse, half a second of slack, one second of boot chatter after connect.
func DefaultConfig() Config {
	return Config{
		MinPosition:     0,
		MaxPosition:     999,
		BaseTimeout:     500 * time.Millisecond,
		PerUnitTime:     20 * time.Millisecond,
		SubStepsPerUnit: 10,
		SettleWindow:    time.Second,
	}
}

// Option configures an Actuator.
type Option func(*Actuator)

// WithClock replaces the clock used for settle and acknowledgement timing.
func WithClock(c timeutil.Clock) Option {
	return func(a *Actuator) { a.clock = c }
}

// WithOpener replaces the function used to open the serial device.
func WithOpener(open serialmux.Opener) Option {
	return func(a *Actuator) { a.open = open }
}

// WithLister replaces the port enumerator used for autodetection.
func WithLister(list serialmux.Lister) Option {
	return func(a *Actuator) { a.list = list }
}

// Actuator owns the positioner connection and its confirmed position.
type Actuator struct {
	cfg   Config
	clock timeutil.Clock
	open  serialmux.Opener
	list  serialmux.Lister
	log   *logrus.Entry

	// cmdMu is held for the whole of every command transaction.
	cmdMu sync.Mutex

	mu          sync.RWMutex
	state       State
	position    int
	portName    string
	mux         serialmux.SerialMuxInterface
	subID       string
	lines       <-chan string
	stopMonitor context.CancelFunc
	monitorDone chan struct{}

	watchMu  sync.Mutex
	watchers map[string]chan int
	nextID   int
}

// New creates a disconnected actuator. Zero timing fields in cfg take the
// DefaultConfig values.
func New(cfg Config, opts ...Option) *Actuator {
	def := DefaultConfig()
	if cfg.BaseTimeout == 0 {
		cfg.BaseTimeout = def.BaseTimeout
	}
	if cfg.PerUnitTime == 0 {
		cfg.PerUnitTime = def.PerUnitTime
	}
	if cfg.SubStepsPerUnit <= 0 {
		cfg.SubStepsPerUnit = def.SubStepsPerUnit
	}

	a := &Actuator{
		cfg:      cfg,
		clock:    timeutil.RealClock{},
		open:     serialmux.OpenSerialMux,
		list:     serialmux.ListPorts,
		log:      monitoring.Component("actuator"),
		watchers: make(map[string]chan int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the effective configuration.
func (a *Actuator) Config() Config { return a.cfg }

// State returns the current state.
func (a *Actuator) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Position returns the last confirmed position.
func (a *Actuator) Position() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.position
}

// PortName returns the resolved serial port, or "" when disconnected.
func (a *Actuator) PortName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.portName
}

// Mux exposes the underlying serial mux for admin routes. It returns nil
// when disconnected.
func (a *Actuator) Mux() serialmux.SerialMuxInterface {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mux
}

func (a *Actuator) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// AckDeadline is how long a move from one position to another may take
// before it counts as unacknowledged.
func (a *Actuator) AckDeadline(from, to int) time.Duration {
	delta := to - from
	if delta < 0 {
		delta = -delta
	}
	return a.cfg.BaseTimeout + time.Duration(delta)*a.cfg.PerUnitTime
}

// Connect resolves and opens the controller port, lets the board finish its
// reset chatter and discards it. hint, when non-empty, is used verbatim.
func (a *Actuator) Connect(ctx context.Context, hint string) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	a.mu.Lock()
	if a.mux != nil {
		a.mu.Unlock()
		return ErrAlreadyConnected
	}
	a.state = Connecting
	a.mu.Unlock()

	path, err := a.resolvePort(hint)
	if err != nil {
		a.setState(Faulted)
		return err
	}

	mux, err := a.open(path, a.cfg.Port)
	if err != nil {
		a.setState(Faulted)
		return fmt.Errorf("actuator: open %s: %w", path, err)
	}

	id, lines := mux.Subscribe()
	monCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := mux.Monitor(monCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.WithError(err).Warn("serial monitor stopped")
		}
	}()

	if err := a.clock.SleepContext(ctx, a.cfg.SettleWindow); err != nil {
		cancel()
		mux.Close()
		<-done
		a.setState(Disconnected)
		return err
	}
	dropped := mux.Flush(id)

	a.mu.Lock()
	a.mux = mux
	a.subID = id
	a.lines = lines
	a.portName = path
	a.stopMonitor = cancel
	a.monitorDone = done
	a.state = Ready
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"port": path, "mode": a.cfg.Port.String(), "discarded": dropped,
	}).Info("positioner connected")
	return nil
}

// Goto moves to target and waits for the controller to acknowledge it.
// Moving to the current position is a no-op.
func (a *Actuator) Goto(target int) error {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	a.mu.RLock()
	connected, from := a.mux != nil, a.position
	a.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}
	if target == from {
		return nil
	}
	if target < a.cfg.MinPosition || target > a.cfg.MaxPosition {
		return &SafetyLimitError{Target: target, Min: a.cfg.MinPosition, Max: a.cfg.MaxPosition}
	}

	a.setState(Moving)
	cmd := fmt.Sprintf("G%d", target*a.cfg.SubStepsPerUnit)
	if _, err := a.exchange(cmd, a.AckDeadline(from, target)); err != nil {
		err.From, err.To = from, target
		return a.fault(err)
	}
	a.confirm(target)
	return nil
}

// exchange writes cmd and waits up to deadline for the controller's OK or
// ERR, skipping any other line. Lines queued before the write are dropped
// so only the reply to cmd can complete it. The caller holds cmdMu.
func (a *Actuator) exchange(cmd string, deadline time.Duration) (string, *ProtocolError) {
	a.mu.RLock()
	mux, id, lines := a.mux, a.subID, a.lines
	a.mu.RUnlock()

	fail := func(kind ProtocolKind, line string, err error) *ProtocolError {
		return &ProtocolError{Kind: kind, Command: cmd, Deadline: deadline, Line: line, Err: err}
	}
	if mux == nil {
		return "", fail(ChannelFailed, "", ErrNotConnected)
	}

	mux.Flush(id)
	timer := a.clock.NewTimer(deadline)
	defer timer.Stop()

	if err := mux.SendCommand(cmd); err != nil {
		return "", fail(ChannelFailed, "", err)
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return "", fail(ChannelFailed, "", errors.New("serial channel closed"))
			}
			line = strings.TrimSpace(line)
			switch serialmux.ClassifyLine(line) {
			case serialmux.AckOK:
				return line, nil
			case serialmux.AckErr:
				return line, fail(DeviceReported, line, nil)
			default:
				a.log.WithField("line", line).Debug("ignoring unsolicited line")
			}
		case <-timer.C():
			return "", fail(AckTimeout, "", nil)
		}
	}
}

func (a *Actuator) confirm(pos int) {
	a.mu.Lock()
	a.position = pos
	a.state = Ready
	a.mu.Unlock()
	a.notify(pos)
}

func (a *Actuator) fault(err *ProtocolError) error {
	a.mu.Lock()
	// Close may have run while the command was in flight
	if a.mux != nil {
		a.state = Faulted
	}
	a.mu.Unlock()
	a.log.WithFields(logrus.Fields{"command": err.Command, "kind": err.Kind.String()}).Warn("move failed")
	return err
}

// Sync declares the current physical position without moving. It always
// succeeds locally; telling the controller is best-effort, but its reply is
// consumed within BaseTimeout so it cannot acknowledge a later move.
func (a *Actuator) Sync(position int) {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	a.mu.Lock()
	a.position = position
	connected := a.mux != nil
	if connected {
		a.state = Ready
	}
	a.mu.Unlock()
	a.notify(position)

	if !connected {
		return
	}
	if _, err := a.exchange(fmt.Sprintf("S%d", position), a.cfg.BaseTimeout); err != nil {
		a.log.WithError(err).WithField("position", position).Warn("sync not confirmed by controller")
	}
}

// Command sends a raw controller command in its own transaction and
// returns the OK or ERR line that answers it. It waits behind any move in
// progress and allows for a full-travel move. The confirmed position is not
// changed, so a raw G command leaves it stale until the next Goto or Sync.
func (a *Actuator) Command(cmd string) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || strings.ContainsAny(cmd, "\r\n") {
		return "", fmt.Errorf("actuator: invalid command %q", cmd)
	}

	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()

	if a.Mux() == nil {
		return "", ErrNotConnected
	}
	line, err := a.exchange(cmd, a.AckDeadline(a.cfg.MinPosition, a.cfg.MaxPosition))
	if err != nil {
		a.log.WithFields(logrus.Fields{"command": cmd, "kind": err.Kind.String()}).Warn("raw command failed")
		return line, err
	}
	a.log.WithFields(logrus.Fields{"command": cmd, "reply": line}).Info("raw command")
	return line, nil
}

// Watch registers for position-changed notifications. The channel holds
// only the latest position; slow readers miss intermediate values.
func (a *Actuator) Watch() (string, <-chan int) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	a.nextID++
	id := fmt.Sprintf("w%d", a.nextID)
	ch := make(chan int, 1)
	a.watchers[id] = ch
	return id, ch
}

// Unwatch removes and closes a watcher channel.
func (a *Actuator) Unwatch(id string) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	if ch, ok := a.watchers[id]; ok {
		close(ch)
		delete(a.watchers, id)
	}
}

func (a *Actuator) notify(pos int) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	for _, ch := range a.watchers {
		select {
		case ch <- pos:
		default:
			// replace the stale value
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- pos:
			default:
			}
		}
	}
}

// Close releases the serial port. A command in flight fails with a
// ChannelFailed ProtocolError. Close is idempotent.
func (a *Actuator) Close() error {
	a.mu.Lock()
	mux, stop, done := a.mux, a.stopMonitor, a.monitorDone
	a.mux, a.lines, a.subID, a.portName = nil, nil, "", ""
	a.stopMonitor, a.monitorDone = nil, nil
	a.state = Disconnected
	a.mu.Unlock()

	if mux == nil {
		return nil
	}
	stop()
	err := mux.Close()
	<-done
	a.log.Info("positioner disconnected")
	return err
}
