// Package calibration maps between actuator positions and wavelengths by
// linear interpolation over a table of measured calibration points.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/interp"

	"github.com/banshee-data/energyscan/internal/fsutil"
	"github.com/banshee-data/energyscan/internal/monitoring"
)

var (
	ErrInsufficientCalibration = errors.New("calibration: at least two points are required")
	ErrOutOfCalibratedRange    = errors.New("calibration: value outside calibrated range")
	ErrNonMonotonic            = errors.New("calibration: wavelength is not strictly monotonic in position")
	ErrInvalidPoint            = errors.New("calibration: invalid point")
)

// Point is one measured pairing of actuator position and wavelength.
type Point struct {
	Position   int     `json:"idx"`
	Wavelength float64 `json:"nm"`
}

// Axis names the quantity a query was made in.
type Axis string

const (
	AxisPosition   Axis = "position"
	AxisWavelength Axis = "wavelength"
)

// OutOfRangeError reports a query outside the span covered by the table.
type OutOfRangeError struct {
	Axis     Axis
	Value    float64
	Min, Max float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("calibration: %s %g outside calibrated range [%g, %g]", e.Axis, e.Value, e.Min, e.Max)
}

func (e *OutOfRangeError) Unwrap() error { return ErrOutOfCalibratedRange }

// table is an immutable snapshot. Queries hold a pointer to one and never see
// a later mutation.
type table struct {
	points []Point

	posLo, posHi float64
	nmLo, nmHi   float64

	toNM  interp.PiecewiseLinear
	toPos interp.PiecewiseLinear
}

func newTable(points []Point) (*table, error) {
	t := &table{points: points}
	if len(points) < 2 {
		return t, nil
	}

	pos := make([]float64, len(points))
	nm := make([]float64, len(points))
	for i, p := range points {
		pos[i] = float64(p.Position)
		nm[i] = p.Wavelength
	}

	increasing := nm[1] > nm[0]
	for i := 1; i < len(nm); i++ {
		if nm[i] == nm[i-1] || (nm[i] > nm[i-1]) != increasing {
			return nil, fmt.Errorf("%w: idx %d (%g nm) after idx %d (%g nm)",
				ErrNonMonotonic, points[i].Position, nm[i], points[i-1].Position, nm[i-1])
		}
	}

	if err := t.toNM.Fit(pos, nm); err != nil {
		return nil, fmt.Errorf("fit position axis: %w", err)
	}

	// the inverse fit needs strictly increasing wavelengths
	xs, ys := nm, pos
	if !increasing {
		xs = reversed(nm)
		ys = reversed(pos)
	}
	if err := t.toPos.Fit(xs, ys); err != nil {
		return nil, fmt.Errorf("fit wavelength axis: %w", err)
	}

	t.posLo, t.posHi = pos[0], pos[len(pos)-1]
	t.nmLo, t.nmHi = xs[0], xs[len(xs)-1]
	return t, nil
}

func reversed(s []float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

// Mapper owns a calibration table and the file it persists to.
type Mapper struct {
	mu   sync.RWMutex
	snap *table
	path string
	fsys fsutil.FileSystem
}

// New returns an empty mapper that persists to path. An empty path keeps
// the table in memory only.
func New(fsys fsutil.FileSystem, path string) *Mapper {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &Mapper{snap: &table{}, path: path, fsys: fsys}
}

// FromPoints builds an in-memory mapper from points in any order.
func FromPoints(points ...Point) (*Mapper, error) {
	m := New(nil, "")
	sorted, err := normalisePoints(points)
	if err != nil {
		return nil, err
	}
	snap, err := newTable(sorted)
	if err != nil {
		return nil, err
	}
	m.snap = snap
	return m, nil
}

// normalisePoints validates, sorts by position and collapses duplicate
// positions so the last occurrence wins.
func normalisePoints(points []Point) ([]Point, error) {
	byPos := make(map[int]float64, len(points))
	for _, p := range points {
		if err := validatePoint(p); err != nil {
			return nil, err
		}
		byPos[p.Position] = p.Wavelength
	}
	out := make([]Point, 0, len(byPos))
	for pos, nm := range byPos {
		out = append(out, Point{Position: pos, Wavelength: nm})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func validatePoint(p Point) error {
	if math.IsNaN(p.Wavelength) || math.IsInf(p.Wavelength, 0) || p.Wavelength <= 0 {
		return fmt.Errorf("%w: wavelength %g at idx %d", ErrInvalidPoint, p.Wavelength, p.Position)
	}
	return nil
}

func (m *Mapper) snapshot() *table {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// PositionFromWavelength returns the interpolated (fractional) position for nm.
func (m *Mapper) PositionFromWavelength(nm float64) (float64, error) {
	t := m.snapshot()
	if len(t.points) < 2 {
		return 0, ErrInsufficientCalibration
	}
	if math.IsNaN(nm) || nm < t.nmLo || nm > t.nmHi {
		return 0, &OutOfRangeError{Axis: AxisWavelength, Value: nm, Min: t.nmLo, Max: t.nmHi}
	}
	return t.toPos.Predict(nm), nil
}

// WavelengthFromPosition returns the interpolated wavelength in nm for pos.
func (m *Mapper) WavelengthFromPosition(pos float64) (float64, error) {
	t := m.snapshot()
	if len(t.points) < 2 {
		return 0, ErrInsufficientCalibration
	}
	if math.IsNaN(pos) || pos < t.posLo || pos > t.posHi {
		return 0, &OutOfRangeError{Axis: AxisPosition, Value: pos, Min: t.posLo, Max: t.posHi}
	}
	return t.toNM.Predict(pos), nil
}

// AddPoint inserts or overwrites the point at position and persists the
// table. An insert that would break monotonicity is rejected and the table
// is left unchanged. So is one that cannot be persisted.
func (m *Mapper) AddPoint(position int, nm float64) error {
	p := Point{Position: position, Wavelength: nm}
	if err := validatePoint(p); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	points := append(append([]Point(nil), m.snap.points...), p)
	sorted, err := normalisePoints(points)
	if err != nil {
		return err
	}
	next, err := newTable(sorted)
	if err != nil {
		return err
	}

	if m.path != "" {
		if err := writeTable(m.fsys, m.path, sorted); err != nil {
			return err
		}
	}
	m.snap = next
	monitoring.Component("calibration").WithFields(monitoring.Fields{
		"idx": position, "nm": nm, "points": len(sorted),
	}).Info("calibration point added")
	return nil
}

// Save writes the table to path and makes it the persistence target.
func (m *Mapper) Save(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := writeTable(m.fsys, path, m.snap.points); err != nil {
		return err
	}
	m.path = path
	return nil
}

// Points returns a copy of the table, sorted by position.
func (m *Mapper) Points() []Point {
	return append([]Point(nil), m.snapshot().points...)
}

func (m *Mapper) Len() int { return len(m.snapshot().points) }

func (m *Mapper) Path() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.path
}

// PositionRange returns the covered position span. ok is false when the
// table cannot answer queries.
func (m *Mapper) PositionRange() (lo, hi int, ok bool) {
	t := m.snapshot()
	if len(t.points) < 2 {
		return 0, 0, false
	}
	return t.points[0].Position, t.points[len(t.points)-1].Position, true
}
