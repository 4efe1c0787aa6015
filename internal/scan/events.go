package scan

import (
	"sync"

	"github.com/banshee-data/energyscan/internal/spectrum"
)

// Event is published by the scheduler. It is one of PointEvent, RunEvent
// or StateEvent.
type Event interface {
	Session() string
}

// PointEvent carries one normalised reading.
type PointEvent struct {
	SessionID string  `json:"session_id"`
	Run       int     `json:"run"`
	Index     int     `json:"index"`
	EnergyEV  float64 `json:"energy_ev"`
	Position  int     `json:"position"`
	A         float64 `json:"a"`
	B         float64 `json:"b"`
	Reference float64 `json:"reference"`
}

// RunEvent carries a completed run.
type RunEvent struct {
	SessionID string            `json:"session_id"`
	Run       int               `json:"run"`
	Result    spectrum.Spectrum `json:"result"`
}

// StateEvent reports a scheduler state transition. Err is set for Aborted.
type StateEvent struct {
	SessionID string `json:"session_id"`
	State     State  `json:"state"`
	Err       error  `json:"-"`
}

func (e PointEvent) Session() string { return e.SessionID }
func (e RunEvent) Session() string   { return e.SessionID }
func (e StateEvent) Session() string { return e.SessionID }

// eventQueue decouples the scan loop from the consumer: Publish never
// blocks and a single forwarder goroutine drains into out.
type eventQueue struct {
	mu     sync.Mutex
	buf    []Event
	wake   chan struct{}
	out    chan Event
	quit   chan struct{}
	closed sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		quit: make(chan struct{}),
	}
	go q.forward()
	return q
}

func (q *eventQueue) Publish(ev Event) {
	q.mu.Lock()
	q.buf = append(q.buf, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) forward() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.quit:
				return
			}
		}
		ev := q.buf[0]
		q.buf[0] = nil
		q.buf = q.buf[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.quit:
			return
		}
	}
}

func (q *eventQueue) Close() {
	q.closed.Do(func() { close(q.quit) })
}
