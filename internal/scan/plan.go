package scan

import (
	"fmt"
	"math"

	"github.com/banshee-data/energyscan/internal/units"
)

// WavelengthMapper converts wavelengths to actuator positions.
type WavelengthMapper interface {
	PositionFromWavelength(nm float64) (float64, error)
}

// PlanPoint is one stop of a run.
type PlanPoint struct {
	EnergyEV     float64 `json:"energy_ev"`
	WavelengthNM float64 `json:"wavelength_nm"`
	Position     int     `json:"position"`
}

// Plan is the fixed sequence of stops for a scan. It is not modified after
// BuildPlan returns.
type Plan struct {
	Grid   GridSpec    `json:"grid"`
	Points []PlanPoint `json:"points"`
}

func (p *Plan) Len() int { return len(p.Points) }

// Energies returns the energy of every stop.
func (p *Plan) Energies() []float64 {
	out := make([]float64, len(p.Points))
	for i, pt := range p.Points {
		out[i] = pt.EnergyEV
	}
	return out
}

// BuildPlan converts the grid to wavelengths and rounds the mapped positions.
// Any energy outside the calibrated range fails the whole plan.
func BuildPlan(grid GridSpec, mapper WavelengthMapper) (*Plan, error) {
	grid = grid.Normalise()
	if err := grid.Validate(); err != nil {
		return nil, err
	}

	energies := grid.Energies()
	plan := &Plan{Grid: grid, Points: make([]PlanPoint, 0, len(energies))}
	for _, ev := range energies {
		nm, err := units.WavelengthNM(ev)
		if err != nil {
			return nil, err
		}
		pos, err := mapper.PositionFromWavelength(nm)
		if err != nil {
			return nil, fmt.Errorf("scan: map %.4f eV (%.2f nm): %w", ev, nm, err)
		}
		plan.Points = append(plan.Points, PlanPoint{
			EnergyEV:     ev,
			WavelengthNM: nm,
			Position:     int(math.Round(pos)),
		})
	}
	return plan, nil
}
