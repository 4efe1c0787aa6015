package scan

import (
	"context"
	"time"

	"github.com/banshee-data/energyscan/internal/monitoring"
	"github.com/banshee-data/energyscan/internal/timeutil"
)

// DefaultPreflightStepDelay paces preflight steps.
const DefaultPreflightStepDelay = 20 * time.Millisecond

// MessageCancelled is the terminal message of an interrupted preflight.
const MessageCancelled = "cancelled"

type PreflightOptions struct {
	StepDelay time.Duration // DefaultPreflightStepDelay when zero; negative disables
	Clock     timeutil.Clock
	Progress  func(percent int)
}

// PreflightResult is the single terminal outcome of a preflight. Message is
// empty on success, "cancelled" on interruption, or the error text.
type PreflightResult struct {
	Message string `json:"message"`
	Steps   int    `json:"steps"`
	Err     error  `json:"-"`
}

// OK reports whether every step was acknowledged.
func (r PreflightResult) OK() bool { return r.Message == "" }

// Preflight walks the actuator one unit at a time from idx0 to idx1
// inclusive, stopping at the first failure. Positions already reached are
// not rolled back.
func Preflight(ctx context.Context, pos Positioner, idx0, idx1 int, opts PreflightOptions) PreflightResult {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.StepDelay == 0 {
		opts.StepDelay = DefaultPreflightStepDelay
	}

	dir := 1
	if idx1 < idx0 {
		dir = -1
	}
	total := (idx1-idx0)*dir + 1

	log := monitoring.Component("preflight")
	for i := 1; i <= total; i++ {
		if ctx.Err() != nil {
			return PreflightResult{Message: MessageCancelled, Steps: i - 1, Err: ctx.Err()}
		}
		idx := idx0 + (i-1)*dir
		if err := pos.Goto(idx); err != nil {
			log.WithError(err).Warnf("step to %d failed", idx)
			return PreflightResult{Message: err.Error(), Steps: i - 1, Err: err}
		}
		if opts.Progress != nil {
			opts.Progress(i * 100 / total)
		}
		if i < total && opts.StepDelay > 0 {
			if err := opts.Clock.SleepContext(ctx, opts.StepDelay); err != nil {
				return PreflightResult{Message: MessageCancelled, Steps: i, Err: err}
			}
		}
	}
	log.Infof("preflight %d -> %d ok (%d steps)", idx0, idx1, total)
	return PreflightResult{Steps: total}
}

// Tracker is a Positioner that knows where it is.
type Tracker interface {
	Positioner
	Position() int
}

// Walk moves pos to target one unit at a time, reporting progress like
// Preflight. Manual moves use it so long travel stays interruptible.
func Walk(ctx context.Context, pos Tracker, target int, opts PreflightOptions) PreflightResult {
	cur := pos.Position()
	if cur == target {
		if opts.Progress != nil {
			opts.Progress(100)
		}
		return PreflightResult{}
	}
	dir := 1
	if target < cur {
		dir = -1
	}
	return Preflight(ctx, pos, cur+dir, target, opts)
}
