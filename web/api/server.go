// Package api exposes a read-only status view of forecast runs: JSON
// endpoints for aggregate counts and a websocket stream of progress events.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sudhira1404/forecast-orchestrator/internal/domain"
	"github.com/sudhira1404/forecast-orchestrator/internal/jobstore"
)

// Store is the read side of the job store the API needs
type Store interface {
	StatusCounts(runID string, ftype domain.ForecastType) (jobstore.Counts, error)
	FailedItems(runID string, ftype domain.ForecastType) ([]jobstore.FailedItem, error)
}

// Event is one progress update pushed to websocket clients
type Event struct {
	RunID       string    `json:"run_id"`
	Phase       string    `json:"phase"`
	Initialized int       `json:"initialized"`
	Running     int       `json:"running"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Time        time.Time `json:"time"`
}

// Server is the status HTTP server
type Server struct {
	store  Store
	addr   string
	mux    *http.ServeMux
	hub    *Hub
	server *http.Server
}

// NewServer creates a new status server
func NewServer(store Store, addr string) *Server {
	s := &Server{
		store: store,
		addr:  addr,
		mux:   http.NewServeMux(),
		hub:   NewHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())
	s.mux.HandleFunc("/ws", s.wsHandler())
}

// Start starts the HTTP server; it shuts down when ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{Addr: s.addr, Handler: s.mux}

	go func() {
		<-ctx.Done()
		s.server.Close()
	}()

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Publish pushes a progress event to all websocket clients
func (s *Server) Publish(ev Event) {
	s.hub.Broadcast(ev)
}

// statusResponse is the /api/status payload
type statusResponse struct {
	RunID        string          `json:"run_id"`
	Availability jobstore.Counts `json:"availability"`
	Delivery     jobstore.Counts `json:"delivery"`
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := r.URL.Query().Get("run")
		if runID == "" {
			writeError(w, http.StatusBadRequest, "run query parameter is required")
			return
		}

		avail, err := s.store.StatusCounts(runID, domain.ForecastAvailability)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		del, err := s.store.StatusCounts(runID, domain.ForecastDelivery)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, statusResponse{RunID: runID, Availability: avail, Delivery: del})
	}
}

// phaseDetail is one phase's slice of the run detail payload
type phaseDetail struct {
	Counts      jobstore.Counts       `json:"counts"`
	FailedItems []jobstore.FailedItem `json:"failed_items,omitempty"`
}

// runResponse is the /api/runs/{id} payload
type runResponse struct {
	RunID        string      `json:"run_id"`
	Availability phaseDetail `json:"availability"`
	Delivery     phaseDetail `json:"delivery"`
}

func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if runID == "" || strings.Contains(runID, "/") {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}

		resp := runResponse{RunID: runID}
		for _, ftype := range []domain.ForecastType{domain.ForecastAvailability, domain.ForecastDelivery} {
			counts, err := s.store.StatusCounts(runID, ftype)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			failed, err := s.store.FailedItems(runID, ftype)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			detail := phaseDetail{Counts: counts, FailedItems: failed}
			if ftype == domain.ForecastAvailability {
				resp.Availability = detail
			} else {
				resp.Delivery = detail
			}
		}

		writeJSON(w, resp)
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
