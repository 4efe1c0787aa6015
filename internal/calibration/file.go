package calibration

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/energyscan/internal/fsutil"
	"github.com/banshee-data/energyscan/internal/monitoring"
)

// Load reads an idx,nm table from path. A missing file yields an empty
// mapper that will create the file on the first AddPoint. Malformed rows are
// skipped.
func Load(fsys fsutil.FileSystem, path string) (*Mapper, error) {
	m := New(fsys, path)
	data, err := m.fsys.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		monitoring.Logf("calibration: %s not found, starting with an empty table", path)
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read calibration %s: %w", path, err)
	}

	points, skipped := parseTable(data)
	if skipped > 0 {
		monitoring.Logf("calibration: skipped %d malformed rows in %s", skipped, path)
	}
	sorted, err := normalisePoints(points)
	if err != nil {
		return nil, fmt.Errorf("load calibration %s: %w", path, err)
	}
	snap, err := newTable(sorted)
	if err != nil {
		return nil, fmt.Errorf("load calibration %s: %w", path, err)
	}
	m.snap = snap
	return m, nil
}

func parseTable(data []byte) (points []Point, skipped int) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	idxCol, nmCol := 0, 1
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		if first {
			first = false
			if hi, hn := column(rec, "idx"), column(rec, "nm"); hi >= 0 && hn >= 0 {
				idxCol, nmCol = hi, hn
				continue
			}
		}
		if len(rec) <= idxCol || len(rec) <= nmCol {
			skipped++
			continue
		}
		idx, err1 := strconv.ParseFloat(strings.TrimSpace(rec[idxCol]), 64)
		nm, err2 := strconv.ParseFloat(strings.TrimSpace(rec[nmCol]), 64)
		if err1 != nil || err2 != nil || math.IsNaN(idx) || math.IsInf(idx, 0) || validatePoint(Point{Wavelength: nm}) != nil {
			skipped++
			continue
		}
		points = append(points, Point{Position: int(math.Round(idx)), Wavelength: nm})
	}
	return points, skipped
}

func column(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

func writeTable(fsys fsutil.FileSystem, path string, points []Point) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"idx", "nm"})
	for _, p := range points {
		_ = w.Write([]string{strconv.Itoa(p.Position), strconv.FormatFloat(p.Wavelength, 'g', -1, 64)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode calibration: %w", err)
	}
	if err := fsutil.WriteFileAtomic(fsys, path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("save calibration %s: %w", path, err)
	}
	return nil
}
