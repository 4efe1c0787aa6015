package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/banshee-data/energyscan/internal/actuator"
	"github.com/banshee-data/energyscan/internal/calibration"
	"github.com/banshee-data/energyscan/internal/version"
)

var (
	logLevel   = "info"
	configPath = ""
)

var (
	gScan        = "Scanning:"
	gMotion      = "Positioner:"
	gCalibration = "Calibration and files:"
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}
	return nil
}

func handleCmdError(err error) {
	switch {
	case errors.Is(err, actuator.ErrDeviceNotFound):
		fmt.Fprintln(os.Stderr, "\nError: no positioner found")
		fmt.Fprintln(os.Stderr, "  - Check the controller is plugged in and run 'energyscan ports'")
		fmt.Fprintln(os.Stderr, "  - Or name the port with --port, or try --offline")
	case errors.Is(err, calibration.ErrInsufficientCalibration):
		fmt.Fprintln(os.Stderr, "\nError: calibration needs at least two points")
		fmt.Fprintln(os.Stderr, "  - Add points with 'energyscan calibration add <position> <nm>'")
	case errors.Is(err, calibration.ErrOutOfCalibratedRange):
		fmt.Fprintln(os.Stderr, "\nError: target lies outside the calibrated range")
		fmt.Fprintln(os.Stderr, "  - See 'energyscan calibration show'")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "energyscan",
		Short: "energyscan drives a monochromator through an energy sweep and averages the lock-in signal",
		Long: `energyscan drives a stepper-positioned monochromator through a grid of photon
energies, samples a lock-in amplifier at every point, and keeps a running
average of repeated runs with periodic checkpoints on disk.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogger()
		},
	}

	cmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "station config file (default "+defaultConfigHint+")")

	cmd.AddGroup(
		&cobra.Group{ID: gScan, Title: gScan},
		&cobra.Group{ID: gMotion, Title: gMotion},
		&cobra.Group{ID: gCalibration, Title: gCalibration},
	)

	cmd.AddCommand(
		NewScanCommand(),
		NewPreflightCommand(),
		NewGotoCommand(),
		NewSyncCommand(),
		NewCalibrationCommand(),
		NewPlotCommand(),
		NewPortsCommand(),
		NewVersionCommand(),
	)

	return cmd
}

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version.String())
		},
	}
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

func good(format string, a ...interface{}) string {
	return color.New(color.Bold, color.FgGreen).Sprintf(format, a...)
}

func bad(format string, a ...interface{}) string {
	return color.New(color.Bold, color.FgRed).Sprintf(format, a...)
}
