package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/energyscan/internal/actuator"
	"github.com/banshee-data/energyscan/internal/average"
	"github.com/banshee-data/energyscan/internal/fsutil"
	"github.com/banshee-data/energyscan/internal/monitoring"
	"github.com/banshee-data/energyscan/internal/scan"
	"github.com/banshee-data/energyscan/internal/serialmux"
	"github.com/banshee-data/energyscan/internal/spectrum"
	"github.com/banshee-data/energyscan/internal/timeutil"
)

func init() { monitoring.SetLogger(nil) }

type fakeScans struct {
	mu        sync.Mutex
	status    scan.Status
	plan      *scan.Plan
	stops     int
	resumeErr error
}

func (f *fakeScans) Snapshot() scan.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeScans) Plan() *scan.Plan { return f.plan }

func (f *fakeScans) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.status.State = scan.StateStopped
}

func (f *fakeScans) Resume(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.status.State = scan.StateRunning
	return nil
}

func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func newStoreWithRuns(t *testing.T, runs ...spectrum.Spectrum) *average.Store {
	t.Helper()
	st, err := average.New(average.Config{Dir: "backup", SaveEvery: 3, Keep: 3, FS: fsutil.NewMemoryFileSystem()})
	require.NoError(t, err)
	for _, r := range runs {
		require.NoError(t, st.AddRun(r))
	}
	return st
}

func TestShowScan(t *testing.T) {
	scans := &fakeScans{status: scan.Status{SessionID: "abc", State: scan.StateRunning, Repeat: 4, CompletedRuns: 1}}
	mux := NewServer(Options{Scans: scans}).ServeMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scan", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got scan.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "abc", got.SessionID)
	assert.Equal(t, scan.StateRunning, got.State)
	assert.Equal(t, 1, got.CompletedRuns)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/scan", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestShowPlan(t *testing.T) {
	scans := &fakeScans{}
	mux := NewServer(Options{Scans: scans}).ServeMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scan/plan", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	scans.plan = &scan.Plan{Points: []scan.PlanPoint{{EnergyEV: 1.95, WavelengthNM: 635.8, Position: 636}}}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scan/plan", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"position":636`)
}

func TestMissingDependenciesAnswer503(t *testing.T) {
	mux := NewServer(Options{}).ServeMux()
	for _, path := range []string{"/api/scan", "/api/scan/plan", "/api/average", "/api/position"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/command", strings.NewReader("command=G10"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestShowAverage(t *testing.T) {
	run := spectrum.Spectrum{Energy: []float64{1.93, 1.94}, A: []float64{1, 3}, B: []float64{2, 4}}
	mux := NewServer(Options{Avg: newStoreWithRuns(t)}).ServeMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/average", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"mean"`)

	mux = NewServer(Options{Avg: newStoreWithRuns(t, run)}).ServeMux()
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/average", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Completed int               `json:"completed"`
		Mean      spectrum.Spectrum `json:"mean"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, 1, got.Completed)
	assert.Equal(t, run.A, got.Mean.A)
}

type fakeActuator struct {
	mu    sync.Mutex
	pos   int
	cmds  []string
	reply string
	err   error
}

func (f *fakeActuator) Position() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *fakeActuator) State() actuator.State { return actuator.Ready }

func (f *fakeActuator) Command(cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return f.reply, f.err
}

func (f *fakeActuator) Watch() (string, <-chan int) { return "w", make(chan int) }
func (f *fakeActuator) Unwatch(string)              {}

func connectedActuator(t *testing.T, respond func(string) []string) (*actuator.Actuator, *serialmux.TestableSerialPort) {
	t.Helper()
	port := serialmux.NewTestableSerialPort()
	port.Responder = respond
	act := actuator.New(actuator.DefaultConfig(),
		actuator.WithClock(timeutil.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))),
		actuator.WithOpener(serialmux.FakeOpener(port, nil)))
	require.NoError(t, act.Connect(context.Background(), "/dev/ttyTEST"))
	t.Cleanup(func() { _ = act.Close() })
	return act, port
}

func postForm(mux http.Handler, path, command string) *httptest.ResponseRecorder {
	req := localHostRequest(http.MethodPost, path, strings.NewReader(url.Values{"command": {command}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestShowPosition(t *testing.T) {
	mux := NewServer(Options{Actuator: &fakeActuator{pos: 412}}).ServeMux()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/position", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"position":412,"state":"ready"}`, rec.Body.String())
}

func TestStreamPosition(t *testing.T) {
	act, _ := connectedActuator(t, func(string) []string { return []string{"OK"} })
	srv := httptest.NewServer(NewServer(Options{Actuator: act}).ServeMux())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/position/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			}
		}
	}
	assert.JSONEq(t, `{"position":0,"state":"ready"}`, next())

	require.NoError(t, act.Goto(7))
	assert.JSONEq(t, `{"position":7,"state":"ready"}`, next())
}

func TestSendCommand(t *testing.T) {
	act := &fakeActuator{reply: "OK"}
	mux := NewServer(Options{Actuator: act}).ServeMux()

	tests := []struct {
		name       string
		method     string
		form       url.Values
		wantStatus int
	}{
		{"ok", http.MethodPost, url.Values{"command": {"S42"}}, http.StatusOK},
		{"empty", http.MethodPost, url.Values{"command": {""}}, http.StatusBadRequest},
		{"get", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/command", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
	assert.Equal(t, []string{"S42"}, act.cmds)

	act.err = &actuator.ProtocolError{Kind: actuator.DeviceReported, Command: "X", Line: "ERR unknown"}
	rec := postForm(mux, "/command", "X")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR unknown")

	act.err = actuator.ErrNotConnected
	assert.Equal(t, http.StatusServiceUnavailable, postForm(mux, "/command", "S1").Code)
}

func TestSendCommand_RejectedWhileScanRunning(t *testing.T) {
	act, port := connectedActuator(t, func(string) []string { return []string{"OK"} })
	scans := &fakeScans{status: scan.Status{State: scan.StateRunning}}
	mux := NewServer(Options{Scans: scans, Actuator: act, Serial: act.Mux()}).ServeMux()

	for _, path := range []string{"/command", "/debug/send-command-api"} {
		rec := postForm(mux, path, "S3")
		assert.Equal(t, http.StatusConflict, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "scan is running", path)
	}
	assert.Empty(t, port.WrittenLines())

	scans.Stop()
	rec := postForm(mux, "/command", "S3")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, []string{"S3"}, port.WrittenLines())
	assert.Equal(t, 0, act.Position(), "raw commands leave the confirmed position alone")
}

func TestSendCommand_WaitsForMoveInFlight(t *testing.T) {
	act, port := connectedActuator(t, nil)
	mux := NewServer(Options{Actuator: act, Serial: act.Mux()}).ServeMux()

	moved := make(chan error, 1)
	go func() { moved <- act.Goto(100) }()
	require.Eventually(t, func() bool { return len(port.WrittenLines()) == 1 }, 2*time.Second, time.Millisecond)

	answered := make(chan *httptest.ResponseRecorder, 1)
	go func() { answered <- postForm(mux, "/debug/send-command-api", "S3") }()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"G1000"}, port.WrittenLines(), "raw command written during a move")
	select {
	case err := <-moved:
		t.Fatalf("move confirmed without its own acknowledgement: %v", err)
	default:
	}

	port.AddLine("OK")
	require.NoError(t, <-moved)
	assert.Equal(t, 100, act.Position())

	require.Eventually(t, func() bool { return len(port.WrittenLines()) == 2 }, 2*time.Second, time.Millisecond)
	port.AddLine("OK")
	select {
	case rec := <-answered:
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `reply "OK"`)
	case <-time.After(2 * time.Second):
		t.Fatal("raw command not answered")
	}
}

func TestDebugScanStopAndResume(t *testing.T) {
	scans := &fakeScans{status: scan.Status{State: scan.StateRunning}}
	mux := NewServer(Options{Scans: scans}).ServeMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/scan-stop", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Zero(t, scans.stops)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodPost, "/debug/scan-stop", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, scans.stops)
	assert.Contains(t, rec.Body.String(), `"state":"stopped"`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodPost, "/debug/scan-resume", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"running"`)

	scans.resumeErr = scan.ErrNotResumable
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodPost, "/debug/scan-resume", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDebugScanStatus(t *testing.T) {
	scans := &fakeScans{status: scan.Status{SessionID: "s1", State: scan.StateCompleted}}
	mux := NewServer(Options{Scans: scans}).ServeMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/scan", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"session_id":"s1"`)
}

func TestDebugAverageChart(t *testing.T) {
	mux := NewServer(Options{Avg: newStoreWithRuns(t)}).ServeMux()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/average", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	run := spectrum.Spectrum{Energy: []float64{1.93, 1.94}, A: []float64{1, 3}, B: []float64{2, 4}}
	mux = NewServer(Options{Avg: newStoreWithRuns(t, run)}).ServeMux()
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/average", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "X/EDC")
	assert.Contains(t, body, "1.9300")
	assert.Contains(t, body, echartsAssetsHost)
}

func TestDebugSerialRoutesMounted(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	mux := NewServer(Options{Serial: serialmux.NewSerialMux(port)}).ServeMux()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, localHostRequest(http.MethodPost, "/debug/tail", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "tail mounted")

	// without an actuator there is nothing to serialise raw commands through
	rec = postForm(mux, "/debug/send-command-api", "G100")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, port.WrittenLines())

	act := &fakeActuator{reply: "OK"}
	mux = NewServer(Options{Actuator: act, Serial: serialmux.NewSerialMux(port)}).ServeMux()
	rec = postForm(mux, "/debug/send-command-api", "G100")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"G100"}, act.cmds)
	assert.Empty(t, port.WrittenLines())
}

func TestStatusCodeColor(t *testing.T) {
	for _, code := range []int{200, 302, 404, 500, 100} {
		assert.Contains(t, statusCodeColor(code), "0", code)
	}
}
