// ABOUTME: Observability HTTP server for the coordinator process.
// ABOUTME: Serves health, a read-only worker registry listing, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Be-Secure/kestra/internal/store"
)

// Server holds the dependencies for the observability HTTP layer. It is
// read-only: all mutations to the registry happen through the liveness loop
// and the workers themselves.
type Server struct {
	store *store.Store
}

// NewServer creates a Server backed by st.
func NewServer(st *store.Store) *Server {
	return &Server{store: st}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Get("/v1/workers", srv.handleListWorkers)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// handleHealthz pings the database; the coordinator is only healthy if its
// coordination substrate is reachable.
func (srv *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := srv.store.Pool().Ping(ctx); err != nil {
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// workerView is the JSON shape returned by /v1/workers.
type workerView struct {
	ID            string    `json:"id"`
	WorkerGroup   string    `json:"worker_group"`
	Hostname      string    `json:"hostname"`
	Status        string    `json:"status"`
	StartTime     time.Time `json:"start_time"`
	HeartbeatDate time.Time `json:"heartbeat_date"`
}

// handleListWorkers lists registry rows, optionally filtered by ?status=
// and ?group=.
func (srv *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	filter := store.InstanceFilter{
		Status:      r.URL.Query().Get("status"),
		WorkerGroup: r.URL.Query().Get("group"),
	}

	instances, err := srv.store.FindInstances(r.Context(), filter)
	if err != nil {
		slog.ErrorContext(r.Context(), "list workers failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	views := make([]workerView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, workerView{
			ID:            inst.ID.String(),
			WorkerGroup:   inst.WorkerGroup,
			Hostname:      inst.Hostname,
			Status:        string(inst.Status),
			StartTime:     inst.StartTime,
			HeartbeatDate: inst.HeartbeatDate,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		slog.ErrorContext(r.Context(), "encode workers response failed", "error", err)
	}
}
