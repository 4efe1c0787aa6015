package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"

	"github.com/banshee-data/energyscan/internal/actuator"
	"github.com/banshee-data/energyscan/internal/config"
	"github.com/banshee-data/energyscan/internal/scan"
	"github.com/banshee-data/energyscan/internal/units"
)

// progressPrinter redraws a single percentage line.
func progressPrinter(w io.Writer, label string) func(int) {
	return func(p int) {
		fmt.Fprintf(w, "\r%s %3d%%", label, p)
		if p >= 100 {
			fmt.Fprintln(w)
		}
	}
}

func reportWalk(out io.Writer, what string, res scan.PreflightResult) error {
	switch {
	case res.OK():
		fmt.Fprintln(out, good("%s ok (%d steps)", what, res.Steps))
		return nil
	case res.Message == scan.MessageCancelled:
		fmt.Fprintln(out, bold("\n%s cancelled after %d steps", what, res.Steps))
		return nil
	default:
		fmt.Fprintln(out, bad("\n%s failed after %d steps: %s", what, res.Steps, res.Message))
		return res.Err
	}
}

func NewPreflightCommand() *cobra.Command {
	var (
		conn     connFlags
		grid     gridFlags
		from, to int
	)
	cmd := &cobra.Command{
		Use:     "preflight",
		Short:   "Step through the scan range one position at a time",
		GroupID: gScan,
		Long: `Step the positioner one unit at a time across a range to prove every step is
acknowledged before committing to a long scan.

By default the range is the travel of the grid given by --start/--end/--step.
--from and --to override it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := loadStation()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("from") || !cmd.Flags().Changed("to") {
				lo, hi, err := gridTravel(st, grid.grid)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("from") {
					from = lo
				}
				if !cmd.Flags().Changed("to") {
					to = hi
				}
			}

			ctx, stop := interruptContext(cmd.Context())
			defer stop()
			act, err := connectActuator(ctx, st, conn)
			if err != nil {
				return err
			}
			defer act.Close()

			delay := st.GetPreflightStepDelay()
			if delay == 0 {
				delay = -1
			}
			res := scan.Preflight(ctx, act, from, to, scan.PreflightOptions{
				StepDelay: delay,
				Progress:  progressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("preflight %d -> %d", from, to)),
			})
			return reportWalk(cmd.OutOrStdout(), "preflight", res)
		},
	}
	conn.register(cmd.Flags())
	grid.register(cmd.Flags())
	cmd.Flags().IntVar(&from, "from", 0, "first position")
	cmd.Flags().IntVar(&to, "to", 0, "last position")
	return cmd
}

// gridTravel returns the first and last position of the grid's plan.
func gridTravel(st *config.Station, g scan.GridSpec) (int, int, error) {
	mapper, err := loadMapper(st)
	if err != nil {
		return 0, 0, err
	}
	plan, err := scan.BuildPlan(g, mapper)
	if err != nil {
		return 0, 0, err
	}
	return plan.Points[0].Position, plan.Points[plan.Len()-1].Position, nil
}

// resolveTarget turns exactly one of --idx, --nm, --ev or --by-nm into a
// position. --by-nm jogs from the --at position by a wavelength step.
func resolveTarget(cmd *cobra.Command, st *config.Station, idx int, nm, ev, byNM float64, at int) (int, error) {
	set := 0
	for _, name := range []string{"idx", "nm", "ev", "by-nm"} {
		if cmd.Flags().Changed(name) {
			set++
		}
	}
	if set != 1 {
		return 0, errors.New("give exactly one of --idx, --nm, --ev or --by-nm")
	}
	if cmd.Flags().Changed("idx") {
		return idx, nil
	}

	mapper, err := loadMapper(st)
	if err != nil {
		return 0, err
	}
	switch {
	case cmd.Flags().Changed("by-nm"):
		if !cmd.Flags().Changed("at") {
			return 0, errors.New("--by-nm needs --at to know where the positioner is")
		}
		from, err := mapper.WavelengthFromPosition(float64(at))
		if err != nil {
			return 0, err
		}
		nm = from + byNM
	case cmd.Flags().Changed("ev"):
		if nm, err = units.ToWavelengthNM(ev, units.EV); err != nil {
			return 0, err
		}
	}
	if nm, err = units.ToWavelengthNM(nm, units.NM); err != nil {
		return 0, err
	}
	pos, err := mapper.PositionFromWavelength(nm)
	if err != nil {
		return 0, err
	}
	return int(math.Round(pos)), nil
}

func NewGotoCommand() *cobra.Command {
	var (
		conn   connFlags
		idx    int
		nm, ev float64
		byNM   float64
		at     int
		direct bool
	)
	cmd := &cobra.Command{
		Use:     "goto",
		Short:   "Move the positioner to a position, wavelength or energy",
		GroupID: gMotion,
		Long: `Move the positioner to a position (--idx), a wavelength (--nm) or a photon
energy (--ev). Wavelength and energy targets go through the calibration table.
--by-nm jogs by a wavelength step from the position given with --at.

The move is made one unit at a time with progress unless --direct is given.
--at declares where the positioner currently is before moving.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := loadStation()
			if err != nil {
				return err
			}
			target, err := resolveTarget(cmd, st, idx, nm, ev, byNM, at)
			if err != nil {
				return err
			}

			ctx, stop := interruptContext(cmd.Context())
			defer stop()
			act, err := connectActuator(ctx, st, conn)
			if err != nil {
				return err
			}
			defer act.Close()
			if cmd.Flags().Changed("at") {
				act.Sync(at)
			}

			return moveTo(ctx, cmd, act, target, direct)
		},
	}
	fs := cmd.Flags()
	conn.register(fs)
	fs.IntVar(&idx, "idx", 0, "target position")
	fs.Float64Var(&nm, "nm", 0, "target wavelength (nm)")
	fs.Float64Var(&ev, "ev", 0, "target energy (eV)")
	fs.Float64Var(&byNM, "by-nm", 0, "relative wavelength step (nm) from --at")
	fs.IntVar(&at, "at", 0, "current position of the positioner")
	fs.BoolVar(&direct, "direct", false, "send a single move instead of stepping")
	return cmd
}

func moveTo(ctx context.Context, cmd *cobra.Command, act *actuator.Actuator, target int, direct bool) error {
	out := cmd.OutOrStdout()
	what := fmt.Sprintf("goto %d", target)
	if direct {
		if err := act.Goto(target); err != nil {
			fmt.Fprintln(out, bad("%s failed: %v", what, err))
			return err
		}
		fmt.Fprintln(out, good("%s ok", what))
		return nil
	}
	res := scan.Walk(ctx, act, target, scan.PreflightOptions{
		StepDelay: -1,
		Progress:  progressPrinter(cmd.ErrOrStderr(), what),
	})
	return reportWalk(out, what, res)
}

func NewSyncCommand() *cobra.Command {
	var conn connFlags
	cmd := &cobra.Command{
		Use:     "sync <position>",
		Short:   "Declare the positioner's current position",
		GroupID: gMotion,
		Long: `Declare the positioner's current position without moving it.

Use this after moving the grating by hand, or after a fault, so later moves are
measured from the right place. The controller is told with S<position>.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parseIntArg(args, "position")
			if err != nil {
				return err
			}
			st, err := loadStation()
			if err != nil {
				return err
			}
			act, err := connectActuator(cmd.Context(), st, conn)
			if err != nil {
				return err
			}
			defer act.Close()
			act.Sync(pos)
			fmt.Fprintln(cmd.OutOrStdout(), good("position set to %d", act.Position()))
			return nil
		},
	}
	conn.register(cmd.Flags())
	return cmd
}
