package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/banshee-data/energyscan/internal/actuator"
	"github.com/banshee-data/energyscan/internal/calibration"
	"github.com/banshee-data/energyscan/internal/config"
	"github.com/banshee-data/energyscan/internal/fsutil"
	"github.com/banshee-data/energyscan/internal/lockin"
	"github.com/banshee-data/energyscan/internal/scan"
	"github.com/banshee-data/energyscan/internal/serialmux"
)

const defaultConfigHint = config.DefaultConfigPath + " if present"

// simulatedPulseTime is the travel time per pulse of the --offline stepper.
var simulatedPulseTime = 2 * time.Millisecond

// loadStation reads --config, or the default file when it exists.
func loadStation() (*config.Station, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err != nil {
			return config.EmptyStation(), nil
		}
		path = config.DefaultConfigPath
	}
	st, err := config.LoadStation(path)
	if err != nil {
		return nil, err
	}
	logrus.WithField("path", path).Debug("loaded station config")
	return st, nil
}

func loadMapper(st *config.Station) (*calibration.Mapper, error) {
	return calibration.Load(fsutil.OSFileSystem{}, st.GetCalibrationPath())
}

// connection flags shared by every command that talks to hardware
type connFlags struct {
	port    string
	offline bool
}

func (c *connFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&c.port, "port", "", "positioner serial port (autodetect when empty and not set in config)")
	fs.BoolVar(&c.offline, "offline", false, "use a simulated positioner and synthetic signal")
}

func actuatorConfig(st *config.Station) actuator.Config {
	return actuator.Config{
		MinPosition:     st.GetMinPosition(),
		MaxPosition:     st.GetMaxPosition(),
		BaseTimeout:     st.GetBaseTimeout(),
		PerUnitTime:     st.GetPerUnitTime(),
		SubStepsPerUnit: st.GetSubStepsPerUnit(),
		SettleWindow:    st.GetConnectSettle(),
		Port:            serialmux.PortOptions{BaudRate: st.GetBaudRate()},
	}
}

// connectActuator opens and settles the positioner.
func connectActuator(ctx context.Context, st *config.Station, c connFlags) (*actuator.Actuator, error) {
	hint := c.port
	if hint == "" {
		hint = st.GetPort()
	}
	var opts []actuator.Option
	if c.offline {
		opts = append(opts, actuator.WithOpener(serialmux.SimulatedOpener(simulatedPulseTime)))
		hint = "simulated"
	}

	a := actuator.New(actuatorConfig(st), opts...)
	logrus.WithField("port", hint).Info("connecting to positioner")
	if err := a.Connect(ctx, hint); err != nil {
		return nil, err
	}
	logrus.WithField("port", a.PortName()).Info("positioner ready")
	return a, nil
}

func openSource(ctx context.Context, st *config.Station, c connFlags, signalPort string) (lockin.Source, error) {
	kind := st.GetSignalSource()
	if c.offline {
		kind = lockin.KindOffline
	}
	port := signalPort
	if port == "" {
		port = st.GetSignalPort()
	}
	src, err := lockin.New(ctx, lockin.Options{
		Kind:        kind,
		Port:        port,
		PortOptions: serialmux.PortOptions{BaudRate: st.GetSignalBaud()},
		Query:       st.GetSignalQuery(),
		Init:        st.GetSignalInit(),
	})
	if err != nil {
		if errors.Is(err, lockin.ErrNoPort) {
			return nil, fmt.Errorf("%w: set signal_port in the config or pass --signal-port", err)
		}
		return nil, err
	}
	logrus.WithField("source", src.Describe()).Info("signal source ready")
	return src, nil
}

// grid flags shared by scan and preflight
type gridFlags struct {
	grid scan.GridSpec
}

func (g *gridFlags) register(fs *pflag.FlagSet) {
	fs.Float64Var(&g.grid.StartEV, "start", 1.93, "first energy (eV)")
	fs.Float64Var(&g.grid.EndEV, "end", 2.0, "last energy (eV)")
	fs.Float64Var(&g.grid.StepEV, "step", 0.001, "energy step (eV); the sign follows start to end")
	fs.IntVar(&g.grid.Repeat, "repeat", 12, "number of runs over the grid")
}
