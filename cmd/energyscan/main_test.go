package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/energyscan/internal/average"
	"github.com/banshee-data/energyscan/internal/calibration"
	"github.com/banshee-data/energyscan/internal/fsutil"
	"github.com/banshee-data/energyscan/internal/monitoring"
	"github.com/banshee-data/energyscan/internal/serialmux"
	"github.com/banshee-data/energyscan/internal/spectrum"
	"github.com/banshee-data/energyscan/internal/version"
)

func init() {
	color.NoColor = true
	monitoring.SetLogger(nil)
}

// station writes a config into a temp dir with the calibration table and
// checkpoints kept alongside it.
func station(t *testing.T, extra string) (dir, cfg string) {
	t.Helper()
	dir = t.TempDir()
	cfg = filepath.Join(dir, "station.yaml")
	body := "calibration_path: " + filepath.Join(dir, "calibration.csv") + "\n" +
		"backup_dir: " + filepath.Join(dir, "backup") + "\n" + extra
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o644))
	return dir, cfg
}

func writeCalibration(t *testing.T, dir string) {
	t.Helper()
	table := "idx,nm\n0,700\n999,600\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calibration.csv"), []byte(table), 0o644))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version.Version)
	assert.Contains(t, out, version.GitSHA)
}

func TestBadLogLevel(t *testing.T) {
	_, err := run(t, "--log-level", "loud", "version")
	assert.Error(t, err)
}

func TestCalibrationAddShowConvert(t *testing.T) {
	dir, cfg := station(t, "")

	out, err := run(t, "--config", cfg, "calibration", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "(0 points)")
	assert.Contains(t, out, "not usable")

	_, err = run(t, "--config", cfg, "calibration", "add", "0", "700")
	require.NoError(t, err)
	out, err = run(t, "--config", cfg, "calibration", "add", "999", "600")
	require.NoError(t, err)
	assert.Contains(t, out, "added idx 999 = 600.000 nm (2 points")

	m, err := calibration.Load(fsutil.OSFileSystem{}, filepath.Join(dir, "calibration.csv"))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	out, err = run(t, "--config", cfg, "calibration", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "covers idx 0..999")

	out, err = run(t, "--config", cfg, "calibration", "convert", "650", "--unit", "nm")
	require.NoError(t, err)
	assert.Contains(t, out, "1.9074 eV = 650.000 nm")
	assert.Contains(t, out, "position: 500 (")

	out, err = run(t, "--config", cfg, "calibration", "convert", "3.0")
	require.NoError(t, err)
	assert.Contains(t, out, "413.281 nm")
	assert.Contains(t, out, "outside")
}

func TestCalibrationAddRejectsNonMonotonic(t *testing.T) {
	dir, cfg := station(t, "")
	writeCalibration(t, dir)
	before, err := os.ReadFile(filepath.Join(dir, "calibration.csv"))
	require.NoError(t, err)

	out, err := run(t, "--config", cfg, "calibration", "add", "500", "720")
	assert.ErrorIs(t, err, calibration.ErrNonMonotonic)
	assert.Contains(t, out, "rejected")

	after, err := os.ReadFile(filepath.Join(dir, "calibration.csv"))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestCalibrationConvertBadUnit(t *testing.T) {
	_, cfg := station(t, "")
	_, err := run(t, "--config", cfg, "calibration", "convert", "2", "--unit", "hz")
	assert.ErrorContains(t, err, "invalid unit")
}

func TestPlot(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "12.asc")
	s := spectrum.Spectrum{Energy: []float64{1.93, 1.94, 1.95}, A: []float64{1, 2, 1}, B: []float64{0, 1, 0}}
	data, err := spectrum.Encode(s)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(in, data, 0o644))

	out, err := run(t, "plot", in)
	require.NoError(t, err)
	assert.Contains(t, out, "3 points")
	info, err := os.Stat(filepath.Join(dir, "12.png"))
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestPorts(t *testing.T) {
	old := listPorts
	t.Cleanup(func() { listPorts = old })

	listPorts = func() ([]serialmux.PortInfo, error) { return nil, nil }
	out, err := run(t, "ports")
	require.NoError(t, err)
	assert.Contains(t, out, "no serial ports found")

	listPorts = func() ([]serialmux.PortInfo, error) {
		return []serialmux.PortInfo{
			{Name: "/dev/ttyS0", Description: "built-in"},
			{Name: "/dev/ttyACM0", Description: "Arduino Uno"},
		}, nil
	}
	out, err = run(t, "ports")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "*"), lines[1])
	assert.False(t, strings.HasPrefix(lines[0], "*"), lines[0])
}

func TestGotoNeedsExactlyOneTarget(t *testing.T) {
	_, cfg := station(t, "")
	_, err := run(t, "--config", cfg, "goto", "--offline")
	assert.ErrorContains(t, err, "exactly one")
	_, err = run(t, "--config", cfg, "goto", "--offline", "--idx", "3", "--nm", "650")
	assert.ErrorContains(t, err, "exactly one")
}

func fastOffline(t *testing.T) {
	old := simulatedPulseTime
	simulatedPulseTime = 10 * time.Microsecond
	t.Cleanup(func() { simulatedPulseTime = old })
}

const fastTiming = "connect_settle: 0s\npoint_settle: 0s\npreflight_step_delay: 0s\n"

func TestGotoOffline(t *testing.T) {
	fastOffline(t)
	dir, cfg := station(t, fastTiming)
	writeCalibration(t, dir)

	out, err := run(t, "--config", cfg, "goto", "--offline", "--idx", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "goto 5 ok (5 steps)")

	out, err = run(t, "--config", cfg, "goto", "--offline", "--nm", "650", "--direct")
	require.NoError(t, err)
	assert.Contains(t, out, "goto 500 ok")

	_, err = run(t, "--config", cfg, "goto", "--offline", "--idx", "2000", "--direct")
	assert.Error(t, err)
}

func TestGotoByNMOffline(t *testing.T) {
	fastOffline(t)
	dir, cfg := station(t, fastTiming)
	writeCalibration(t, dir)

	// 500 is about 650 nm and wavelength falls about 0.1 nm per position
	out, err := run(t, "--config", cfg, "goto", "--offline", "--at", "500", "--by-nm", "-5", "--direct")
	require.NoError(t, err)
	assert.Contains(t, out, "goto 550 ok")

	out, err = run(t, "--config", cfg, "goto", "--offline", "--at", "500", "--by-nm", "2.5")
	require.NoError(t, err)
	assert.Contains(t, out, "goto 475 ok (25 steps)")

	_, err = run(t, "--config", cfg, "goto", "--offline", "--by-nm", "1")
	assert.ErrorContains(t, err, "needs --at")
	_, err = run(t, "--config", cfg, "goto", "--offline", "--at", "500", "--by-nm", "1", "--idx", "3")
	assert.ErrorContains(t, err, "exactly one")
	_, err = run(t, "--config", cfg, "goto", "--offline", "--at", "500", "--by-nm", "500", "--direct")
	assert.Error(t, err, "jog beyond the calibrated range")
}

func TestSyncOffline(t *testing.T) {
	fastOffline(t)
	_, cfg := station(t, fastTiming)
	out, err := run(t, "--config", cfg, "sync", "--offline", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "position set to 42")
}

func TestPreflightOffline(t *testing.T) {
	fastOffline(t)
	dir, cfg := station(t, fastTiming)
	writeCalibration(t, dir)

	out, err := run(t, "--config", cfg, "preflight", "--offline", "--from", "0", "--to", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "100%")
	assert.Contains(t, out, "preflight ok (11 steps)")
}

func TestScanOffline(t *testing.T) {
	fastOffline(t)
	dir, cfg := station(t, fastTiming)
	writeCalibration(t, dir)
	mean := filepath.Join(dir, "mean.asc")

	out, err := run(t, "--config", cfg, "scan", "--offline",
		"--start", "1.93", "--end", "1.94", "--step", "0.005", "--repeat", "2",
		"--save-every", "1", "--keep", "1", "--save-mean", mean)
	require.NoError(t, err)
	assert.Contains(t, out, "scan completed: 2/2 runs")

	entries, err := os.ReadDir(filepath.Join(dir, "backup"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"2.asc"}, names)

	s, err := average.LoadFile(fsutil.OSFileSystem{}, mean)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
	assert.InDelta(t, 1.93, s.Energy[0], 1e-9)
}

func TestScanRejectsUncalibratedGrid(t *testing.T) {
	_, cfg := station(t, fastTiming)
	_, err := run(t, "--config", cfg, "scan", "--offline", "--repeat", "1")
	assert.ErrorIs(t, err, calibration.ErrInsufficientCalibration)
}
