package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/energyscan/internal/httputil"
	"github.com/banshee-data/energyscan/internal/scan"
	"github.com/banshee-data/energyscan/internal/serialmux"
)

// echartsAssetsHost serves the echarts javascript for the debug pages.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// AttachAdminRoutes mounts the scan debug pages under /debug/, plus the
// serial pages when an actuator port is attached. Raw commands from those
// pages take the same path as /command.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.Handle("scan", "current scan status (JSON)", http.HandlerFunc(s.showScan))
	debug.HandleSilent("scan-stop", http.HandlerFunc(s.handleScanStop))
	debug.HandleSilent("scan-resume", http.HandlerFunc(s.handleScanResume))
	debug.Handle("average", "running mean of completed runs", http.HandlerFunc(s.handleAverageChart))

	if s.m != nil {
		var send serialmux.CommandFunc
		if s.act != nil {
			send = s.command
		}
		s.m.AttachAdminRoutes(mux, send)
	}
}

func (s *Server) handleScanStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.scans == nil {
		httputil.Unavailable(w, "scheduler")
		return
	}
	s.scans.Stop()
	httputil.WriteJSONOK(w, s.scans.Snapshot())
}

func (s *Server) handleScanResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.scans == nil {
		httputil.Unavailable(w, "scheduler")
		return
	}
	if err := s.scans.Resume(s.ctx); err != nil {
		if errors.Is(err, scan.ErrNotResumable) || errors.Is(err, scan.ErrNothingToRun) {
			httputil.Conflict(w, err.Error())
			return
		}
		httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.scans.Snapshot())
}

func (s *Server) handleAverageChart(w http.ResponseWriter, r *http.Request) {
	if s.avg == nil {
		http.Error(w, "No averaging store", http.StatusServiceUnavailable)
		return
	}
	mean, ok := s.avg.Mean()
	if !ok {
		http.Error(w, "No completed runs yet", http.StatusNotFound)
		return
	}
	snap := s.avg.Snapshot()

	x := make([]string, mean.Len())
	a := make([]opts.LineData, mean.Len())
	b := make([]opts.LineData, mean.Len())
	for i := range mean.Energy {
		x[i] = strconv.FormatFloat(mean.Energy[i], 'f', 4, 64)
		a[i] = opts.LineData{Value: mean.A[i]}
		b[i] = opts.LineData{Value: mean.B[i]}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Running average", Width: "100%", Height: "640px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Running average", Subtitle: fmt.Sprintf("runs=%d checkpoints=%d", snap.Completed, snap.Batches)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Energy (eV)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Signal / reference"}),
	)
	line.SetXAxis(x).
		AddSeries("X/EDC", a).
		AddSeries("Y/EDC", b)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
