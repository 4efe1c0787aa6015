package main

import (
	"errors"
	"fmt"
	"math"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/banshee-data/energyscan/internal/calibration"
	"github.com/banshee-data/energyscan/internal/units"
)

func NewCalibrationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calibration",
		Short:   "Inspect and extend the position to wavelength table",
		GroupID: gCalibration,
	}
	cmd.AddCommand(
		newCalibrationShowCommand(),
		newCalibrationAddCommand(),
		newCalibrationConvertCommand(),
	)
	return cmd
}

func newCalibrationShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the calibration table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := loadStation()
			if err != nil {
				return err
			}
			m, err := loadMapper(st)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%d points)\n", bold("%s", m.Path()), m.Len())
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(tw, "idx\tnm\teV\t")
			for _, p := range m.Points() {
				ev, _ := units.EnergyEV(p.Wavelength)
				fmt.Fprintf(tw, "%d\t%.3f\t%.4f\t\n", p.Position, p.Wavelength, ev)
			}
			tw.Flush()

			if lo, hi, ok := m.PositionRange(); ok {
				nmLo, _ := m.WavelengthFromPosition(float64(lo))
				nmHi, _ := m.WavelengthFromPosition(float64(hi))
				fmt.Fprintf(out, "covers idx %d..%d (%.2f..%.2f nm)\n", lo, hi, nmLo, nmHi)
			} else {
				fmt.Fprintln(out, bad("not usable: at least two points are needed"))
			}
			return nil
		},
	}
}

func newCalibrationAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <position> <nm>",
		Short: "Add or replace a calibration point",
		Long: `Add or replace a calibration point and save the table.

A point that would make wavelength stop being strictly monotonic in position
is rejected and the file is left untouched.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parseIntArg(args[:1], "position")
			if err != nil {
				return err
			}
			nm, err := parseFloatArg(args[1], "wavelength")
			if err != nil {
				return err
			}
			st, err := loadStation()
			if err != nil {
				return err
			}
			m, err := loadMapper(st)
			if err != nil {
				return err
			}
			if err := m.AddPoint(pos, nm); err != nil {
				if errors.Is(err, calibration.ErrNonMonotonic) {
					fmt.Fprintln(cmd.OutOrStdout(), bad("rejected: idx %d at %.3f nm breaks monotonicity", pos, nm))
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), good("added idx %d = %.3f nm (%d points in %s)", pos, nm, m.Len(), m.Path()))
			return nil
		},
	}
}

func newCalibrationConvertCommand() *cobra.Command {
	var unit string
	cmd := &cobra.Command{
		Use:   "convert <value>",
		Short: "Convert between eV, nm and positions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !units.IsValid(unit) {
				return fmt.Errorf("invalid unit %q: expected ev or nm", unit)
			}
			v, err := parseFloatArg(args[0], "value")
			if err != nil {
				return err
			}
			nm, err := units.ToWavelengthNM(v, unit)
			if err != nil {
				return err
			}
			ev, err := units.EnergyEV(nm)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%.4f eV = %.3f nm\n", ev, nm)

			st, err := loadStation()
			if err != nil {
				return err
			}
			m, err := loadMapper(st)
			if err != nil {
				return err
			}
			pos, err := m.PositionFromWavelength(nm)
			if err != nil {
				fmt.Fprintf(out, "position: %v\n", err)
				return nil
			}
			fmt.Fprintf(out, "position: %d (%.2f)\n", int(math.Round(pos)), pos)
			return nil
		},
	}
	cmd.Flags().StringVarP(&unit, "unit", "u", units.EV, "unit of the value (ev or nm)")
	return cmd
}
