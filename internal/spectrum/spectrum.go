// Package spectrum holds normalised scan results and their on-disk .asc
// representation.
package spectrum

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

var ErrShapeMismatch = errors.New("spectrum: runs do not share the same energy grid")

// Spectrum is a set of parallel per-energy values: A and B are the two
// signal components already divided by the reference.
type Spectrum struct {
	Energy []float64 `json:"energy"`
	A      []float64 `json:"a"`
	B      []float64 `json:"b"`
}

func (s Spectrum) Len() int { return len(s.Energy) }

// Validate checks that the three columns have equal length.
func (s Spectrum) Validate() error {
	if len(s.A) != len(s.Energy) || len(s.B) != len(s.Energy) {
		return fmt.Errorf("spectrum: column lengths differ (energy=%d a=%d b=%d)", len(s.Energy), len(s.A), len(s.B))
	}
	return nil
}

// Clone returns a deep copy.
func (s Spectrum) Clone() Spectrum {
	return Spectrum{
		Energy: append([]float64(nil), s.Energy...),
		A:      append([]float64(nil), s.A...),
		B:      append([]float64(nil), s.B...),
	}
}

// energyTolerance absorbs float noise between grids built from the same spec.
const energyTolerance = 1e-9

// Mean returns the point-wise mean of runs. All runs must share the energy
// grid of the first.
func Mean(runs ...Spectrum) (Spectrum, error) {
	if len(runs) == 0 {
		return Spectrum{}, errors.New("spectrum: mean of zero runs")
	}
	first := runs[0]
	if err := first.Validate(); err != nil {
		return Spectrum{}, err
	}

	n := first.Len()
	sumA := make([]float64, n)
	sumB := make([]float64, n)
	for i, r := range runs {
		if err := r.Validate(); err != nil {
			return Spectrum{}, fmt.Errorf("run %d: %w", i, err)
		}
		if r.Len() != n || !floats.EqualApprox(r.Energy, first.Energy, energyTolerance) {
			return Spectrum{}, fmt.Errorf("run %d: %w", i, ErrShapeMismatch)
		}
		floats.Add(sumA, r.A)
		floats.Add(sumB, r.B)
	}
	inv := 1 / float64(len(runs))
	floats.Scale(inv, sumA)
	floats.Scale(inv, sumB)

	return Spectrum{
		Energy: append([]float64(nil), first.Energy...),
		A:      sumA,
		B:      sumB,
	}, nil
}
