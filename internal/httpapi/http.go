// Package httpapi is the local runner's HTTP surface: an ingest trigger
// compatible with the telephony webhook, and ops endpoints over the ledger.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/aviov/ct-toru/internal/config"
	"github.com/aviov/ct-toru/internal/jobs"
	"github.com/aviov/ct-toru/internal/logging"
	"github.com/aviov/ct-toru/internal/metrics"
	"github.com/aviov/ct-toru/internal/store"
)

// Router builds the HTTP handlers.
type Router struct {
	cfg    config.Config
	store  *store.Store
	runner *jobs.Runner
	logger *logrus.Logger
}

func NewRouter(cfg config.Config, st *store.Store, runner *jobs.Runner, logger *logrus.Logger) *Router {
	return &Router{cfg: cfg, store: st, runner: runner, logger: logger}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ingest", r.ingest)
	mux.HandleFunc("/ops/status", r.status)
	mux.HandleFunc("/ops/jobs", r.jobs)
	mux.HandleFunc("/ops/jobs/enqueue", r.enqueue)
	mux.HandleFunc("/ops/jobs/", r.jobDetail)
	mux.HandleFunc("/ops/health", r.health)
	mux.HandleFunc("/api/calls", r.calls)
}

// ingest accepts the telephony webhook: caller + uniqueid, both required.
func (r *Router) ingest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := logging.WithRequest(r.logger, req)
	var body struct {
		Caller   string `json:"caller"`
		UniqueID string `json:"uniqueid"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "request must contain JSON data", http.StatusBadRequest)
		return
	}
	if body.Caller == "" || body.UniqueID == "" {
		http.Error(w, "'caller' and 'uniqueid' are required", http.StatusBadRequest)
		return
	}
	job, err := r.runner.Enqueue(req.Context(), body.UniqueID, jobs.StageIngest, map[string]any{
		"caller":   body.Caller,
		"uniqueid": body.UniqueID,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.WithFields(logrus.Fields{"caller": body.Caller, "uniqueId": body.UniqueID, "jobId": job.ID}).
		Info("ingest accepted")
	respondJSON(w, job)
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	calls, _ := r.store.ListCalls(ctx, 5)
	jobList, _ := r.store.ListJobs(ctx, 10)
	respondJSON(w, map[string]any{
		"calls":   calls,
		"jobs":    jobList,
		"workers": r.cfg.WorkerCount,
		"metrics": metrics.Snapshot(),
	})
}

func (r *Router) jobs(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.ListJobs(req.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, list)
}

func (r *Router) calls(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.ListCalls(req.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, list)
}

func (r *Router) enqueue(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		CallID string     `json:"call_id"`
		Stage  jobs.Stage `json:"stage"`
		Params any        `json:"params"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, ok := body.Params.(map[string]any)
	if !ok {
		p = map[string]any{}
	}
	job, err := r.runner.Enqueue(req.Context(), body.CallID, body.Stage, p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, job)
}

func (r *Router) jobDetail(w http.ResponseWriter, req *http.Request) {
	// /ops/jobs/{id} or /ops/jobs/{id}/logs
	path := req.URL.Path
	if strings.HasSuffix(path, "/logs") {
		idStr := strings.TrimSuffix(strings.TrimPrefix(path, "/ops/jobs/"), "/logs")
		id, _ := strconv.ParseInt(idStr, 10, 64)
		respondJSON(w, r.runner.Logs(id))
		return
	}
	idStr := strings.TrimPrefix(path, "/ops/jobs/")
	id, _ := strconv.ParseInt(idStr, 10, 64)
	list, err := r.store.ListJobs(req.Context(), 200)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, j := range list {
		if j.ID == id {
			respondJSON(w, j)
			return
		}
	}
	http.NotFound(w, req)
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
