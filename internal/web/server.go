package web

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed static/*
var staticFiles embed.FS

const shutdownTimeout = 5 * time.Second

// Server serves the run UI, the plan endpoints and /metrics.
type Server struct {
	addr     string
	handlers *Handlers
	mux      *http.ServeMux
}

// NewServer creates a server for addr. Plans posted to /run are executed
// with runPlan.
func NewServer(addr string, broadcaster *StatusBroadcaster, runPlan RunPlanFunc, formDefaults FormConfig) *Server {
	assets, err := fs.Sub(staticFiles, "static")
	if err != nil {
		// static/ is embedded at build time
		panic(err)
	}
	s := &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, runPlan, formDefaults, assets),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	h := s.handlers
	s.mux.HandleFunc("POST /run", h.HandleRun)
	s.mux.HandleFunc("GET /config", h.HandleConfig)
	s.mux.HandleFunc("GET /status", h.HandleStatus)
	s.mux.HandleFunc("GET /status/stream", h.HandleStatusStream)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	s.mux.HandleFunc("GET /{$}", h.ServeIndex)
}

// Mux returns the handler with every route registered.
func (s *Server) Mux() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down. Runs started over
// HTTP share ctx and are stopped with it.
func (s *Server) Run(ctx context.Context) error {
	s.handlers.baseCtx = ctx
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
