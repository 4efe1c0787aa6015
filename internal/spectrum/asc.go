package spectrum

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Block headers written to .asc files.
const (
	HeaderA = "energy\tX/EDC"
	HeaderB = "energy\tY/EDC"
)

// Write renders s as two tab-separated blocks (energy, A) and (energy, B)
// separated by a blank line.
func Write(w io.Writer, s Spectrum) error {
	if err := s.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, HeaderA)
	for i, e := range s.Energy {
		fmt.Fprintf(bw, "%.6e\t%.6e\n", e, s.A[i])
	}
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, HeaderB)
	for i, e := range s.Energy {
		fmt.Fprintf(bw, "%.6e\t%.6e\n", e, s.B[i])
	}
	return bw.Flush()
}

// Encode is Write into a byte slice.
func Encode(s Spectrum) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, s); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type block int

const (
	blockNone block = iota
	blockA
	blockB
)

// Read parses an .asc file. Lines outside a block and lines that do not
// hold two numbers are skipped. Energies come from the A block; when the
// blocks differ in length the result is truncated to the shorter one.
func Read(r io.Reader) (Spectrum, error) {
	var s Spectrum
	var energyB []float64
	mode := blockNone

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(line), "energy") {
			switch {
			case strings.Contains(line, "X"):
				mode = blockA
				continue
			case strings.Contains(line, "Y"):
				mode = blockB
				continue
			}
		}
		e, v, ok := parsePair(line)
		if !ok {
			continue
		}
		switch mode {
		case blockA:
			s.Energy = append(s.Energy, e)
			s.A = append(s.A, v)
		case blockB:
			energyB = append(energyB, e)
			s.B = append(s.B, v)
		}
	}
	if err := sc.Err(); err != nil {
		return Spectrum{}, fmt.Errorf("spectrum: read: %w", err)
	}

	if len(s.Energy) == 0 && len(energyB) > 0 {
		s.Energy = energyB
		s.A = make([]float64, len(energyB))
	}
	n := min(len(s.Energy), len(s.B))
	if len(s.B) == 0 {
		n = len(s.Energy)
		s.B = make([]float64, n)
	}
	s.Energy, s.A, s.B = s.Energy[:n], s.A[:n], s.B[:n]
	return s, nil
}

func parsePair(line string) (float64, float64, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, false
	}
	e, err1 := strconv.ParseFloat(fields[0], 64)
	v, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return e, v, true
}
