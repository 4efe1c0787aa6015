package calibration

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/energyscan/internal/fsutil"
	"github.com/banshee-data/energyscan/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func twoPoint(t *testing.T) *Mapper {
	t.Helper()
	m, err := FromPoints(Point{100, 600}, Point{200, 500})
	require.NoError(t, err)
	return m
}

func TestMapper_MidpointRoundTrip(t *testing.T) {
	m := twoPoint(t)

	pos, err := m.PositionFromWavelength(550)
	require.NoError(t, err)
	assert.Equal(t, 150.0, pos)

	nm, err := m.WavelengthFromPosition(150)
	require.NoError(t, err)
	assert.Equal(t, 550.0, nm)
}

func TestMapper_Endpoints(t *testing.T) {
	m := twoPoint(t)

	nm, err := m.WavelengthFromPosition(100)
	require.NoError(t, err)
	assert.Equal(t, 600.0, nm)

	pos, err := m.PositionFromWavelength(500)
	require.NoError(t, err)
	assert.Equal(t, 200.0, pos)
}

func TestMapper_OutOfRange(t *testing.T) {
	m := twoPoint(t)

	_, err := m.WavelengthFromPosition(250)
	require.ErrorIs(t, err, ErrOutOfCalibratedRange)
	var oor *OutOfRangeError
	require.True(t, errors.As(err, &oor))
	assert.Equal(t, AxisPosition, oor.Axis)
	assert.Equal(t, 250.0, oor.Value)
	assert.Equal(t, 100.0, oor.Min)
	assert.Equal(t, 200.0, oor.Max)

	_, err = m.PositionFromWavelength(700)
	require.ErrorIs(t, err, ErrOutOfCalibratedRange)
	require.True(t, errors.As(err, &oor))
	assert.Equal(t, AxisWavelength, oor.Axis)
	assert.Equal(t, 500.0, oor.Min)
	assert.Equal(t, 600.0, oor.Max)
}

func TestMapper_InsufficientCalibration(t *testing.T) {
	one, err := FromPoints(Point{100, 600})
	require.NoError(t, err)
	empty := New(fsutil.NewMemoryFileSystem(), "")

	for name, m := range map[string]*Mapper{"one point": one, "empty": empty} {
		t.Run(name, func(t *testing.T) {
			_, err := m.PositionFromWavelength(600)
			assert.ErrorIs(t, err, ErrInsufficientCalibration)
			_, err = m.WavelengthFromPosition(100)
			assert.ErrorIs(t, err, ErrInsufficientCalibration)
			_, _, ok := m.PositionRange()
			assert.False(t, ok)
		})
	}
}

func TestMapper_IncreasingWavelength(t *testing.T) {
	m, err := FromPoints(Point{0, 400}, Point{500, 600}, Point{1000, 700})
	require.NoError(t, err)

	pos, err := m.PositionFromWavelength(650)
	require.NoError(t, err)
	assert.InDelta(t, 750.0, pos, 1e-9)

	nm, err := m.WavelengthFromPosition(250)
	require.NoError(t, err)
	assert.InDelta(t, 500.0, nm, 1e-9)
}

func TestMapper_MonotonicQueries(t *testing.T) {
	m, err := FromPoints(Point{10, 700}, Point{40, 650}, Point{90, 520}, Point{120, 500})
	require.NoError(t, err)

	prev := -1.0
	for nm := 500.0; nm <= 700.0; nm += 2.5 {
		pos, err := m.PositionFromWavelength(nm)
		require.NoError(t, err)
		// wavelength decreases with position, so position falls as nm rises
		if prev >= 0 {
			assert.LessOrEqual(t, pos, prev, "nm=%g", nm)
		}
		prev = pos
	}
}

func TestFromPoints_SortsAndOverwritesDuplicates(t *testing.T) {
	m, err := FromPoints(Point{200, 500}, Point{100, 600}, Point{200, 510})
	require.NoError(t, err)

	want := []Point{{100, 600}, {200, 510}}
	if diff := cmp.Diff(want, m.Points()); diff != "" {
		t.Errorf("Points() mismatch (-want +got):\n%s", diff)
	}
}

func TestFromPoints_RejectsNonMonotonic(t *testing.T) {
	_, err := FromPoints(Point{100, 600}, Point{200, 500}, Point{300, 550})
	assert.ErrorIs(t, err, ErrNonMonotonic)

	_, err = FromPoints(Point{100, 600}, Point{200, 600})
	assert.ErrorIs(t, err, ErrNonMonotonic)
}

func TestMapper_AddPoint(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	m := New(fsys, "calibration.csv")

	require.NoError(t, m.AddPoint(200, 500))
	assert.Equal(t, 1, m.Len())
	require.NoError(t, m.AddPoint(100, 600))
	require.NoError(t, m.AddPoint(150, 545))
	require.NoError(t, m.AddPoint(150, 550)) // overwrite

	assert.Equal(t, []Point{{100, 600}, {150, 550}, {200, 500}}, m.Points())

	data, err := fsys.ReadFile("calibration.csv")
	require.NoError(t, err)
	assert.Equal(t, "idx,nm\n100,600\n150,550\n200,500\n", string(data))
}

func TestMapper_AddPointRejected(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	m := New(fsys, "calibration.csv")
	require.NoError(t, m.AddPoint(100, 600))
	require.NoError(t, m.AddPoint(200, 500))

	err := m.AddPoint(300, 550)
	assert.ErrorIs(t, err, ErrNonMonotonic)
	err = m.AddPoint(300, -1)
	assert.ErrorIs(t, err, ErrInvalidPoint)

	assert.Equal(t, []Point{{100, 600}, {200, 500}}, m.Points(), "table unchanged after rejected insert")

	fsys.WriteErr = errors.New("read-only filesystem")
	err = m.AddPoint(300, 450)
	require.Error(t, err)
	assert.Equal(t, 2, m.Len(), "failed persist leaves table unchanged")
}

func TestMapper_ConcurrentQueriesDuringInsert(t *testing.T) {
	m := New(fsutil.NewMemoryFileSystem(), "")
	require.NoError(t, m.AddPoint(0, 800))
	require.NoError(t, m.AddPoint(1000, 400))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				pos, err := m.PositionFromWavelength(600)
				if assert.NoError(t, err) {
					assert.InDelta(t, 500, pos, 1e-9)
				}
			}
		}()
	}
	for p := 100; p < 1000; p += 100 {
		require.NoError(t, m.AddPoint(p, 800-0.4*float64(p)))
	}
	wg.Wait()
}
