// Package units provides the photon energy and wavelength conversions shared
// by the scan planner and the CLI.
package units

import (
	"fmt"
	"math"
)

// HC is Planck's constant times the speed of light in eV·nm, so that
// wavelength_nm = HC / energy_eV.
const HC = 1239.84193

// Unit constants accepted by the CLI for target values.
const (
	EV = "ev"
	NM = "nm"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{EV, NM}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// WavelengthNM converts a photon energy in eV to a wavelength in nm.
func WavelengthNM(energyEV float64) (float64, error) {
	if energyEV <= 0 || math.IsNaN(energyEV) || math.IsInf(energyEV, 0) {
		return 0, fmt.Errorf("energy must be a positive finite value, got %g eV", energyEV)
	}
	return HC / energyEV, nil
}

// EnergyEV converts a wavelength in nm to a photon energy in eV.
func EnergyEV(wavelengthNM float64) (float64, error) {
	if wavelengthNM <= 0 || math.IsNaN(wavelengthNM) || math.IsInf(wavelengthNM, 0) {
		return 0, fmt.Errorf("wavelength must be a positive finite value, got %g nm", wavelengthNM)
	}
	return HC / wavelengthNM, nil
}

// ToWavelengthNM interprets value in the given unit and returns nm.
func ToWavelengthNM(value float64, unit string) (float64, error) {
	switch unit {
	case NM:
		if value <= 0 {
			return 0, fmt.Errorf("wavelength must be positive, got %g nm", value)
		}
		return value, nil
	case EV:
		return WavelengthNM(value)
	default:
		return 0, fmt.Errorf("unknown unit %q: expected ev or nm", unit)
	}
}
