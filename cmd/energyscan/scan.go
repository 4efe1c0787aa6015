package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/banshee-data/energyscan/internal/api"
	"github.com/banshee-data/energyscan/internal/average"
	"github.com/banshee-data/energyscan/internal/config"
	"github.com/banshee-data/energyscan/internal/fsutil"
	"github.com/banshee-data/energyscan/internal/scan"
)

type scanFlags struct {
	conn       connFlags
	grid       gridFlags
	saveEvery  int
	keep       int
	backupDir  string
	listen     string
	signalPort string
	params     []string
	saveMean   string
}

func NewScanCommand() *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:     "scan",
		Short:   "Run an averaged energy scan",
		GroupID: gScan,
		Long: `Run an averaged energy scan.

The grid is converted to positions through the calibration table, then swept
--repeat times. Every --save-every runs the mean of those runs is written to
the backup directory as <n>.asc and only the newest --keep files are kept.

Interrupt once to stop after the current step; interrupt again to exit. With
--listen the process stays up after a stop so the scan can be resumed with
POST /debug/scan-resume.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := loadStation()
			if err != nil {
				return err
			}
			return runScan(cmd, st, f)
		},
	}

	fs := cmd.Flags()
	f.conn.register(fs)
	f.grid.register(fs)
	fs.IntVar(&f.saveEvery, "save-every", 0, "checkpoint every K runs (config save_every, default 3)")
	fs.IntVar(&f.keep, "keep", 0, "checkpoint files to keep (config keep, default 3)")
	fs.StringVar(&f.backupDir, "backup-dir", "", "checkpoint directory (config backup_dir, default backup)")
	fs.StringVar(&f.listen, "listen", "", "debug HTTP listen address, e.g. localhost:8080 (config listen)")
	fs.StringVar(&f.signalPort, "signal-port", "", "lock-in serial port (config signal_port)")
	fs.StringArrayVar(&f.params, "param", nil, "pre-encoded lock-in command sent before scanning (repeatable)")
	fs.StringVar(&f.saveMean, "save-mean", "", "write the running mean to this file when the scan ends")
	return cmd
}

func intOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func stringOr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func runScan(cmd *cobra.Command, st *config.Station, f *scanFlags) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	mapper, err := loadMapper(st)
	if err != nil {
		return err
	}
	plan, err := scan.BuildPlan(f.grid.grid, mapper)
	if err != nil {
		return err
	}

	store, err := average.New(average.Config{
		Dir:       stringOr(f.backupDir, st.GetBackupDir()),
		SaveEvery: intOr(f.saveEvery, st.GetSaveEvery()),
		Keep:      intOr(f.keep, st.GetKeep()),
		FS:        fsutil.OSFileSystem{},
	})
	if err != nil {
		return err
	}

	act, err := connectActuator(ctx, st, f.conn)
	if err != nil {
		return err
	}
	defer act.Close()

	src, err := openSource(ctx, st, f.conn, f.signalPort)
	if err != nil {
		return err
	}
	defer src.Close()
	if len(f.params) > 0 {
		if err := src.ApplyParameters(f.params...); err != nil {
			return fmt.Errorf("apply lock-in parameters: %w", err)
		}
	}

	sched := scan.NewScheduler(act, src, store, scan.WithSettleDelay(st.GetPointSettle()))
	defer sched.Close()
	go logEvents(sched.Events(), plan.Grid.Repeat)

	if listen := stringOr(f.listen, st.GetListen()); listen != "" {
		srv := api.NewServer(api.Options{
			Scans:    sched,
			Avg:      store,
			Actuator: act,
			Serial:   act.Mux(),
			Context:  ctx,
		})
		go func() {
			if err := api.Serve(ctx, listen, srv.ServeMux()); err != nil {
				logrus.WithError(err).Error("debug HTTP server failed")
			}
		}()
		f.listen = listen
	}

	interrupted := make(chan struct{})
	finished := make(chan struct{})
	defer close(finished)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
		case <-finished:
			return
		}
		logrus.Warn("interrupt: stopping after the current step (interrupt again to exit)")
		close(interrupted)
		sched.Stop()
		select {
		case <-sigs:
			os.Exit(130)
		case <-finished:
		}
	}()

	logrus.WithFields(logrus.Fields{
		"points": plan.Len(),
		"repeat": plan.Grid.Repeat,
		"from":   plan.Points[0].Position,
		"to":     plan.Points[plan.Len()-1].Position,
	}).Info("starting scan")
	if err := sched.Start(ctx, plan, plan.Grid.Repeat); err != nil {
		return err
	}

	var scanErr error
	for {
		scanErr = sched.Wait(context.Background())
		if sched.Snapshot().State != scan.StateStopped || f.listen == "" {
			break
		}
		logrus.Infof("scan stopped; POST http://%s/debug/scan-resume to continue", f.listen)
		if !waitForResume(sched, interrupted) {
			break
		}
	}

	snap := sched.Snapshot()
	out := cmd.OutOrStdout()
	switch snap.State {
	case scan.StateCompleted:
		fmt.Fprintln(out, good("scan completed: %d/%d runs", snap.CompletedRuns, snap.Repeat))
	case scan.StateStopped:
		fmt.Fprintln(out, bold("scan stopped: %d/%d runs", snap.CompletedRuns, snap.Repeat))
	default:
		fmt.Fprintln(out, bad("scan %s after %d/%d runs: %v", snap.State, snap.CompletedRuns, snap.Repeat, scanErr))
	}

	if f.saveMean != "" {
		if err := store.SaveMean(f.saveMean); err != nil {
			logrus.WithError(err).Warn("running mean not saved")
		} else {
			fmt.Fprintf(out, "running mean written to %s\n", f.saveMean)
		}
	}
	return scanErr
}

// waitForResume blocks until the scan is running again or the user
// interrupts.
func waitForResume(sched *scan.Scheduler, interrupted <-chan struct{}) bool {
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-interrupted:
			return false
		case <-t.C:
			if sched.Snapshot().State == scan.StateRunning {
				return true
			}
		}
	}
}

func logEvents(events <-chan scan.Event, repeat int) {
	for ev := range events {
		switch e := ev.(type) {
		case scan.PointEvent:
			logrus.WithFields(logrus.Fields{
				"run":   e.Run + 1,
				"point": e.Index,
				"ev":    fmt.Sprintf("%.4f", e.EnergyEV),
				"pos":   e.Position,
				"a":     e.A,
				"b":     e.B,
				"ref":   e.Reference,
			}).Debug("sample")
		case scan.RunEvent:
			logrus.Infof("run %d/%d complete", e.Run, repeat)
		case scan.StateEvent:
			entry := logrus.WithField("session", e.SessionID)
			if e.Err != nil {
				entry = entry.WithError(e.Err)
			}
			entry.Debugf("scan %s", e.State)
		}
	}
}
