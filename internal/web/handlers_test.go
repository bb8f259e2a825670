package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cjeanneret/pvtgo/internal/logic/plan"
)

const validPlanJSON = `{"name":"probe","steps":[{"marker":1,"targets":[{"axis":"x","position":2}]}]}`

// ---------- Handler helpers ----------

func newTestHandlers(runPlan RunPlanFunc) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	h := NewHandlers(
		NewStatusBroadcaster(),
		runPlan,
		FormConfig{
			Controller: "sim",
			Group:      1,
			Axes:       []AxisInfo{{Name: "x", Velocity: 100, Acceleration: 1000, Jerk: 10000}},
		},
		staticFS,
	)
	h.minInterval = 0
	return h
}

func noopRun(_ context.Context, p *plan.Plan) (*plan.Result, error) {
	return &plan.Result{RunID: "run-1", Plan: p.Name, Marker: 1}, nil
}

func postRun(h *Handlers, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.HandleRun(w, req)
	return w
}

// waitIdle waits for the run goroutine to clear the running flag.
func waitIdle(t *testing.T, h *Handlers) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		running := h.running
		h.mu.Unlock()
		if !running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run did not finish")
}

// ---------- HandleRun ----------

func TestHandleRun_ValidPost(t *testing.T) {
	got := make(chan *plan.Plan, 1)
	h := newTestHandlers(func(ctx context.Context, p *plan.Plan) (*plan.Result, error) {
		got <- p
		return noopRun(ctx, p)
	})

	w := postRun(h, validPlanJSON)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "started" {
		t.Errorf("response status = %q, want \"started\"", resp["status"])
	}
	if resp["request_id"] == "" {
		t.Error("response should carry a request id")
	}

	select {
	case p := <-got:
		if p.Name != "probe" || len(p.Steps) != 1 || p.Steps[0].Targets[0].Position != 2 {
			t.Errorf("plan = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("plan was not run")
	}
	waitIdle(t, h)
}

func TestHandleRun_YAMLBody(t *testing.T) {
	h := newTestHandlers(noopRun)
	w := postRun(h, "name: y\nsteps:\n  - marker: 1\n    targets: [{axis: x, position: 1}]\n")
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	waitIdle(t, h)
}

func TestHandleRun_GetMethodNotAllowed(t *testing.T) {
	h := newTestHandlers(noopRun)
	req := httptest.NewRequest(http.MethodGet, "/run", nil)
	w := httptest.NewRecorder()

	h.HandleRun(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleRun_InvalidPlan(t *testing.T) {
	cases := map[string]string{
		"not a plan":     "not json",
		"no steps":       `{"name":"empty","steps":[]}`,
		"no targets":     `{"steps":[{"marker":1}]}`,
		"unknown field":  `{"steps":[{"marker":1,"targets":[{"axis":"x","position":1}]}],"speed":3}`,
		"negative blend": `{"steps":[{"marker":1,"pre_blend":-1,"targets":[{"axis":"x","position":1}]}]}`,
		"empty body":     "",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			h := newTestHandlers(noopRun)
			if w := postRun(h, body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestHandleRun_OversizedBody(t *testing.T) {
	h := newTestHandlers(noopRun)
	big := strings.Repeat("x", 2<<20) // 2 MB

	w := postRun(h, big)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d (oversized body)", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRun_NilRunPlan(t *testing.T) {
	h := newTestHandlers(nil)

	w := postRun(h, validPlanJSON)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleRun_ConcurrentRun(t *testing.T) {
	started := make(chan struct{})
	blocking := make(chan struct{})
	slowRun := func(ctx context.Context, p *plan.Plan) (*plan.Result, error) {
		close(started)
		<-blocking
		return noopRun(ctx, p)
	}

	h := newTestHandlers(slowRun)

	if w := postRun(h, validPlanJSON); w.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want %d", w.Code, http.StatusAccepted)
	}
	<-started

	if w := postRun(h, validPlanJSON); w.Code != http.StatusConflict {
		t.Errorf("concurrent request: status = %d, want %d", w.Code, http.StatusConflict)
	}

	close(blocking)
	waitIdle(t, h)
}

func TestHandleRun_RateLimiting(t *testing.T) {
	h := newTestHandlers(noopRun)
	h.minInterval = DefaultMinRunInterval

	if w := postRun(h, validPlanJSON); w.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want %d", w.Code, http.StatusAccepted)
	}
	waitIdle(t, h)

	// Second request within the interval is rate-limited
	if w := postRun(h, validPlanJSON); w.Code != http.StatusTooManyRequests {
		t.Errorf("rate-limited request: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}

func TestHandleRun_FailureIsBroadcast(t *testing.T) {
	h := newTestHandlers(func(context.Context, *plan.Plan) (*plan.Result, error) {
		return &plan.Result{Marker: 4}, errors.New("axis y: fault while executing PVT trajectory: LSN active")
	})
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	if w := postRun(h, validPlanJSON); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Level != "error" || !strings.Contains(evt.Msg, "LSN active") {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for failure event")
	}
	waitIdle(t, h)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	h.HandleStatus(w, req)
	var s Status
	if err := json.NewDecoder(w.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Running {
		t.Error("status should not be running")
	}
	if s.Last == nil || s.Last.Marker != 4 {
		t.Errorf("last = %+v, want marker 4", s.Last)
	}
	if !strings.Contains(s.LastError, "LSN active") {
		t.Errorf("last_error = %q", s.LastError)
	}
}

func TestHandleRun_CancelledWithServer(t *testing.T) {
	h := newTestHandlers(func(ctx context.Context, p *plan.Plan) (*plan.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.baseCtx = ctx

	if w := postRun(h, validPlanJSON); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	cancel()
	waitIdle(t, h)

	h.mu.Lock()
	defer h.mu.Unlock()
	if !errors.Is(h.lastErr, context.Canceled) {
		t.Errorf("last error = %v, want context.Canceled", h.lastErr)
	}
}

// ---------- HandleConfig ----------

func TestHandleConfig(t *testing.T) {
	h := newTestHandlers(noopRun)
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()

	h.HandleConfig(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var fc FormConfig
	if err := json.NewDecoder(w.Body).Decode(&fc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fc.Controller != "sim" {
		t.Errorf("Controller = %q, want sim", fc.Controller)
	}
	if len(fc.Axes) != 1 || fc.Axes[0].Name != "x" || fc.Axes[0].Velocity != 100 {
		t.Errorf("Axes = %+v", fc.Axes)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(noopRun)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	h.ServeIndex(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

// ---------- Server ----------

func TestServer_Routes(t *testing.T) {
	srv := httptest.NewServer(NewServer(":0", NewStatusBroadcaster(), noopRun, FormConfig{Controller: "sim"}).Mux())
	defer srv.Close()

	cases := []struct {
		path string
		want string
	}{
		{"/", "pvtgo"},
		{"/config", `"controller":"sim"`},
		{"/status", `"running":false`},
		{"/metrics", "go_goroutines"},
		{"/static/style.css", "font-family"},
	}
	for _, tc := range cases {
		resp, err := http.Get(srv.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status = %d", tc.path, resp.StatusCode)
		}
		if !strings.Contains(string(body), tc.want) {
			t.Errorf("GET %s: body does not contain %q", tc.path, tc.want)
		}
	}
}

func TestStatusStream_DeliversEvents(t *testing.T) {
	b := NewStatusBroadcaster()
	srv := httptest.NewServer(NewServer(":0", b, nil, FormConfig{}).Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(time.Second)
	for b.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	b.BroadcastMsg("streamed")

	buf := make([]byte, 0, 512)
	tmp := make([]byte, 256)
	for !strings.Contains(string(buf), "streamed") {
		n, err := resp.Body.Read(tmp)
		if err != nil {
			t.Fatalf("read: %v (got %q)", err, buf)
		}
		buf = append(buf, tmp[:n]...)
	}
	if !strings.Contains(string(buf), "data: {") {
		t.Errorf("stream = %q, want SSE data lines", buf)
	}
}
