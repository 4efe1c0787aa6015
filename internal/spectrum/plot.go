package spectrum

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	colourA = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	colourB = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

func buildPlot(s Spectrum, title string) (*plot.Plot, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Energy (eV)"
	p.Y.Label.Text = "ΔR/R"
	p.Add(plotter.NewGrid())

	ptsA := make(plotter.XYs, s.Len())
	ptsB := make(plotter.XYs, s.Len())
	for i, e := range s.Energy {
		ptsA[i] = plotter.XY{X: e, Y: s.A[i]}
		ptsB[i] = plotter.XY{X: e, Y: s.B[i]}
	}

	lineA, err := plotter.NewLine(ptsA)
	if err != nil {
		return nil, err
	}
	lineA.Color = colourA
	lineA.Width = vg.Points(1)
	lineA.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	lineB, err := plotter.NewLine(ptsB)
	if err != nil {
		return nil, err
	}
	lineB.Color = colourB
	lineB.Width = vg.Points(1)
	lineB.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(lineA, lineB)
	p.Legend.Add("X/EDC", lineA)
	p.Legend.Add("Y/EDC", lineB)
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// RenderPNG draws both components against energy.
func RenderPNG(w io.Writer, s Spectrum, title string) error {
	p, err := buildPlot(s, title)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("spectrum: render: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// SavePlot writes the plot to path; the format follows the extension.
func SavePlot(path string, s Spectrum, title string) error {
	p, err := buildPlot(s, title)
	if err != nil {
		return err
	}
	return p.Save(10*vg.Inch, 5*vg.Inch, path)
}
