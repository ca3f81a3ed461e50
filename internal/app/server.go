package app

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// routes assembles the read-only status API.
func (a *App) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", a.handleHealth)
	r.Get("/runs", a.handleListRuns)
	r.Get("/runs/{id}", a.handleGetRun)
	return r
}

// startStatusServer runs the status API in the background. The engine's
// verdict never depends on it.
func (a *App) startStatusServer(port int) {
	r := a.routes()
	addr := fmt.Sprintf(":%d", port)
	go func() {
		a.logger.Info("Status API listening.", "address", addr)
		if err := http.ListenAndServe(addr, r); err != nil {
			a.logger.Error("Status API server failed.", "error", err)
		}
	}()
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (a *App) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if a.runs == nil {
		http.Error(w, "run history disabled", http.StatusServiceUnavailable)
		return
	}
	runs, err := a.runs.ListRuns(50)
	if err != nil {
		a.logger.Error("Listing runs failed.", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func (a *App) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if a.runs == nil {
		http.Error(w, "run history disabled", http.StatusServiceUnavailable)
		return
	}
	run, jobs, err := a.runs.GetRun(chi.URLParam(r, "id"))
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("Fetching run failed.", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"run": run, "jobs": jobs})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
