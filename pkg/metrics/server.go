package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// RunStatus is the JSON shape served at /last-run.
type RunStatus struct {
	Ref       string    `json:"ref"`
	ChainID   string    `json:"chain_id,omitempty"`
	Step      int       `json:"step,omitempty"`
	Outcome   string    `json:"outcome"`
	ExitCode  int       `json:"exit_code"`
	StartedAt time.Time `json:"started_at"`
}

// Server exposes /health, /metrics and /last-run while a run is in flight.
type Server struct {
	srv *http.Server

	mu      sync.RWMutex
	lastRun *RunStatus
}

// NewServer builds the status server on the given listen address.
func NewServer(listen string, set *Set) *Server {
	s := &Server{}

	r := mux.NewRouter()
	r.Handle("/metrics", set.Handler()).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/last-run", s.handleLastRun).Methods("GET")

	s.srv = &http.Server{
		Addr:         listen,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// SetLastRun publishes the current run for /last-run.
func (s *Server) SetLastRun(status RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = &status
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	last := s.lastRun
	s.mu.RUnlock()

	if last == nil {
		http.Error(w, "no run recorded", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(last)
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		// Best-effort: a taken port must not fail the run itself.
		_ = s.srv.ListenAndServe()
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
