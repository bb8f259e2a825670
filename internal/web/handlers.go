package web

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/pvtgo/internal/logic/plan"
)

const (
	// MaxRunBodyBytes caps the plan posted to /run.
	MaxRunBodyBytes = 1 << 20
	// DefaultMinRunInterval is the minimum time between two accepted runs.
	DefaultMinRunInterval = 5 * time.Second
)

// RunPlanFunc executes a plan and blocks until it ends.
// It is called from the POST /run handler in a goroutine.
type RunPlanFunc func(ctx context.Context, p *plan.Plan) (*plan.Result, error)

// AxisInfo describes one axis for the web UI.
type AxisInfo struct {
	Name         string  `json:"name"`
	Velocity     float64 `json:"velocity"`
	Acceleration float64 `json:"acceleration"`
	Jerk         float64 `json:"jerk"`
}

// FormConfig holds what the UI shows before a run (from config).
type FormConfig struct {
	Controller string     `json:"controller"`
	Group      int        `json:"group"`
	Axes       []AxisInfo `json:"axes"`
	Plan       *plan.Plan `json:"plan,omitempty"` // prefilled plan
}

// Status is the state reported by GET /status.
type Status struct {
	Running   bool         `json:"running"`
	RequestID string       `json:"request_id,omitempty"`
	Last      *plan.Result `json:"last,omitempty"`
	LastError string       `json:"last_error,omitempty"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	RunPlan      RunPlanFunc
	FormDefaults FormConfig
	staticFS     fs.FS

	baseCtx     context.Context
	minInterval time.Duration

	mu        sync.Mutex
	running   bool
	requestID string
	lastStart time.Time
	last      *plan.Result
	lastErr   error
}

// NewHandlers creates handlers with the given dependencies.
// If runPlan is nil, POST /run will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, runPlan RunPlanFunc, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		RunPlan:      runPlan,
		FormDefaults: formDefaults,
		staticFS:     staticFS,
		baseCtx:      context.Background(),
		minInterval:  DefaultMinRunInterval,
	}
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// HandleStatus returns the current run state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	s := Status{Running: h.running, RequestID: h.requestID, Last: h.last}
	if h.lastErr != nil {
		s.LastError = h.lastErr.Error()
	}
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, s)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleRun handles POST /run to start a plan. The body is a plan in JSON
// (or YAML).
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p, err := plan.Read(http.MaxBytesReader(w, r.Body, MaxRunBodyBytes))
	if err != nil {
		http.Error(w, "invalid plan: "+err.Error(), http.StatusBadRequest)
		return
	}

	if h.RunPlan == nil {
		http.Error(w, "motion not configured", http.StatusServiceUnavailable)
		return
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		http.Error(w, "a plan is already running", http.StatusConflict)
		return
	}
	if !h.lastStart.IsZero() && time.Since(h.lastStart) < h.minInterval {
		h.mu.Unlock()
		http.Error(w, "too many runs, retry later", http.StatusTooManyRequests)
		return
	}
	id := uuid.New().String()
	h.running = true
	h.requestID = id
	h.lastStart = time.Now()
	h.mu.Unlock()

	// Run in goroutine; clear running when done
	go func() {
		res, err := h.RunPlan(h.baseCtx, p)

		h.mu.Lock()
		h.running = false
		h.last, h.lastErr = res, err
		h.mu.Unlock()

		switch {
		case errors.Is(err, context.Canceled):
			h.Broadcaster.Broadcast("error", "Plan "+p.Name+" cancelled")
		case err != nil:
			h.Broadcaster.Broadcast("error", "Plan failed: "+err.Error())
			log.Printf("plan %s failed: %v", id, err)
		default:
			h.Broadcaster.Broadcast("info", "Plan "+p.Name+" complete (run "+res.RunID+")")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "request_id": id})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
