// Package api serves the station's HTTP surface: a small JSON API for the
// running scan and the /debug/ pages used at the bench.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/banshee-data/energyscan/internal/actuator"
	"github.com/banshee-data/energyscan/internal/average"
	"github.com/banshee-data/energyscan/internal/httputil"
	"github.com/banshee-data/energyscan/internal/monitoring"
	"github.com/banshee-data/energyscan/internal/scan"
	"github.com/banshee-data/energyscan/internal/serialmux"
	"github.com/banshee-data/energyscan/internal/spectrum"
)

// ScanController is the part of the scheduler the API drives.
type ScanController interface {
	Snapshot() scan.Status
	Plan() *scan.Plan
	Stop()
	Resume(ctx context.Context) error
}

// AverageSource exposes the running mean. *average.Store satisfies it.
type AverageSource interface {
	Mean() (spectrum.Spectrum, bool)
	Snapshot() average.Snapshot
}

// Positioner is the actuator surface the API reads and drives.
// *actuator.Actuator satisfies it.
type Positioner interface {
	Position() int
	State() actuator.State
	Command(cmd string) (string, error)
	Watch() (string, <-chan int)
	Unwatch(id string)
}

// ErrScanRunning is returned for raw commands while a scan owns the
// positioner.
var ErrScanRunning = fmt.Errorf("%w: a scan is running", serialmux.ErrCommandRejected)

// Server holds the handlers' dependencies. Any of them may be nil, in which
// case the matching routes answer 503.
type Server struct {
	scans ScanController
	avg   AverageSource
	act   Positioner
	m     serialmux.SerialMuxInterface
	ctx   context.Context
}

// Options wires a Server.
type Options struct {
	Scans    ScanController
	Avg      AverageSource
	Actuator Positioner
	// Serial is the actuator's multiplexed port, used for the serial debug
	// pages. Raw commands still go through Actuator.
	Serial serialmux.SerialMuxInterface
	// Context bounds scans resumed over HTTP and open position streams.
	Context context.Context
}

func NewServer(o Options) *Server {
	ctx := o.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{
		scans: o.Scans,
		avg:   o.Avg,
		act:   o.Actuator,
		m:     o.Serial,
		ctx:   ctx,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

var (
	okColour       = color.New(color.FgGreen, color.Bold)
	redirectColour = color.New(color.FgYellow)
	errorColour    = color.New(color.FgRed, color.Bold)
	pathColour     = color.New(color.FgCyan)
)

func statusCodeColor(statusCode int) string {
	code := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return okColour.Sprint(code)
	case statusCode >= 300 && statusCode < 400:
		return redirectColour.Sprint(code)
	case statusCode >= 400:
		return errorColour.Sprint(code)
	default:
		return code
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			pathColour.Sprint(r.RequestURI),
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the JSON API with the debug pages attached.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scan", s.showScan)
	mux.HandleFunc("/api/scan/plan", s.showPlan)
	mux.HandleFunc("/api/average", s.showAverage)
	mux.HandleFunc("/api/position", s.showPosition)
	mux.HandleFunc("/api/position/stream", s.streamPosition)
	mux.HandleFunc("/command", s.sendCommandHandler)
	s.AttachAdminRoutes(mux)
	return mux
}

// Serve runs an HTTP server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           LoggingMiddleware(h),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("Starting HTTP server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	monitoring.Logf("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// command sends a raw controller command unless a scan is running. The
// actuator serialises it with every other command on the port.
func (s *Server) command(cmd string) (string, error) {
	if s.scans != nil && s.scans.Snapshot().State == scan.StateRunning {
		return "", ErrScanRunning
	}
	return s.act.Command(cmd)
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.act == nil {
		http.Error(w, "Actuator not connected", http.StatusServiceUnavailable)
		return
	}

	command := strings.TrimSpace(r.FormValue("command"))
	if command == "" {
		http.Error(w, "Missing command", http.StatusBadRequest)
		return
	}
	reply, err := s.command(command)
	var pe *actuator.ProtocolError
	switch {
	case err == nil:
	case errors.Is(err, serialmux.ErrCommandRejected):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, actuator.ErrNotConnected):
		http.Error(w, "Actuator not connected", http.StatusServiceUnavailable)
		return
	case errors.As(err, &pe):
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	io.WriteString(w, reply)
}

func (s *Server) showScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.scans == nil {
		httputil.Unavailable(w, "scheduler")
		return
	}
	httputil.WriteJSONOK(w, s.scans.Snapshot())
}

func (s *Server) showPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.scans == nil {
		httputil.Unavailable(w, "scheduler")
		return
	}
	plan := s.scans.Plan()
	if plan == nil {
		httputil.NotFound(w, "No plan")
		return
	}
	httputil.WriteJSONOK(w, plan)
}

type averageResponse struct {
	average.Snapshot
	Mean *spectrum.Spectrum `json:"mean,omitempty"`
}

func (s *Server) showAverage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.avg == nil {
		httputil.Unavailable(w, "averaging store")
		return
	}
	resp := averageResponse{Snapshot: s.avg.Snapshot()}
	if mean, ok := s.avg.Mean(); ok {
		resp.Mean = &mean
	}
	httputil.WriteJSONOK(w, resp)
}

type positionResponse struct {
	Position int    `json:"position"`
	State    string `json:"state"`
}

func (s *Server) currentPosition() positionResponse {
	return positionResponse{Position: s.act.Position(), State: s.act.State().String()}
}

func (s *Server) showPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.act == nil {
		httputil.Unavailable(w, "actuator")
		return
	}
	httputil.WriteJSONOK(w, s.currentPosition())
}

// streamPosition sends the position as server-sent events: the current
// value first, then every confirmed or declared change.
func (s *Server) streamPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.act == nil {
		httputil.Unavailable(w, "actuator")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, changes := s.act.Watch()
	defer s.act.Unwatch(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	send := func(p positionResponse) bool {
		body, err := json.Marshal(p)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !send(s.currentPosition()) {
		return
	}
	for {
		select {
		case pos, ok := <-changes:
			if !ok {
				return
			}
			if !send(positionResponse{Position: pos, State: s.act.State().String()}) {
				return
			}
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}
