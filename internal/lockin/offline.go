package lockin

import (
	"context"
	"math"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/banshee-data/energyscan/internal/monitoring"
	"github.com/banshee-data/energyscan/internal/timeutil"
)

// Offline synthesises A = 1e-3 sin t, B = 1e-3 cos t with a unit reference,
// t being the clock time in seconds.
type Offline struct {
	clock timeutil.Clock
	log   *logrus.Entry

	mu      sync.Mutex
	applied []string
}

func NewOffline(clock timeutil.Clock) *Offline {
	return &Offline{clock: clock, log: monitoring.Component("lockin")}
}

func (o *Offline) ApplyParameters(cmds ...string) error {
	line := strings.Join(cmds, ";")
	if line == "" {
		line = "(none)"
	}
	o.mu.Lock()
	o.applied = append(o.applied, line)
	o.mu.Unlock()
	o.log.WithField("params", line).Info("offline source: parameters applied")
	return nil
}

// Applied returns every parameter line recorded so far.
func (o *Offline) Applied() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.applied...)
}

func (o *Offline) ReadSample(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	t := float64(o.clock.Now().UnixNano()) / 1e9
	return Sample{A: 1e-3 * math.Sin(t), B: 1e-3 * math.Cos(t), Reference: 1.0}, nil
}

func (o *Offline) Describe() string { return "offline (synthetic)" }

func (o *Offline) Close() error { return nil }
