package scan

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// maxGridPoints bounds a single run.
const maxGridPoints = 100000

var ErrInvalidGrid = errors.New("scan: invalid energy grid")

// GridSpec describes an energy sweep repeated Repeat times.
type GridSpec struct {
	StartEV float64 `json:"start_ev" yaml:"start_ev"`
	EndEV   float64 `json:"end_ev" yaml:"end_ev"`
	StepEV  float64 `json:"step_ev" yaml:"step_ev"`
	Repeat  int     `json:"repeat" yaml:"repeat"`
}

// Normalise returns g with the step sign matching the sweep direction.
func (g GridSpec) Normalise() GridSpec {
	if (g.EndEV-g.StartEV)*g.StepEV < 0 {
		g.StepEV = -g.StepEV
	}
	return g
}

// Validate checks a normalised grid.
func (g GridSpec) Validate() error {
	for _, v := range []float64{g.StartEV, g.EndEV, g.StepEV} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidGrid)
		}
	}
	if g.StepEV == 0 {
		return fmt.Errorf("%w: step must be non-zero", ErrInvalidGrid)
	}
	if g.StartEV <= 0 || g.EndEV <= 0 {
		return fmt.Errorf("%w: energies must be positive (start %g, end %g)", ErrInvalidGrid, g.StartEV, g.EndEV)
	}
	if (g.EndEV-g.StartEV)*g.StepEV < 0 {
		return fmt.Errorf("%w: step %g points away from end", ErrInvalidGrid, g.StepEV)
	}
	if g.Repeat < 1 {
		return fmt.Errorf("%w: repeat must be at least 1, got %d", ErrInvalidGrid, g.Repeat)
	}
	if steps := g.steps(); math.IsNaN(steps) || math.IsInf(steps, 0) || steps+1 > maxGridPoints {
		return fmt.Errorf("%w: %g points exceeds limit of %d", ErrInvalidGrid, steps+1, maxGridPoints)
	}
	return nil
}

// steps is the number of intervals between the first and last grid point,
// the end included when it lies within half a step of a grid point. It stays
// a float so an oversized grid is caught before any integer conversion.
func (g GridSpec) steps() float64 {
	return math.Floor((g.EndEV-g.StartEV)/g.StepEV + 0.5)
}

// count is the number of grid points, or 0 when the grid is out of range.
func (g GridSpec) count() int {
	steps := g.steps()
	if !(steps >= 0 && steps < maxGridPoints) {
		return 0
	}
	return int(steps) + 1
}

// Energies lists start, start+step, ... for a valid grid, and nil for a
// grid whose length is out of range.
func (g GridSpec) Energies() []float64 {
	n := g.count()
	switch {
	case n == 0:
		return nil
	case n == 1:
		return []float64{g.StartEV}
	}
	return floats.Span(make([]float64, n), g.StartEV, g.StartEV+float64(n-1)*g.StepEV)
}
