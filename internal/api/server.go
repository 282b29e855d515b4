package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Smile2578/anabai-queue/internal/jobs"
	"github.com/Smile2578/anabai-queue/internal/manager"
	"github.com/Smile2578/anabai-queue/internal/ratelimit"
	"github.com/Smile2578/anabai-queue/internal/telemetry"
)

// Server wires the HTTP surface consumed by producers and operators.
type Server struct {
	mgr     *manager.Manager
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable enqueue rate
// limiting.
func New(mgr *manager.Manager, limiter *ratelimit.TokenBucket) *Server {
	return &Server{mgr: mgr, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs", s.handleListAll)
	r.Route("/queues/{queue}", func(r chi.Router) {
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Post("/jobs/{id}/retry", s.handleRetry)
		r.Delete("/jobs/{id}", s.handleDelete)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Get("/counts", s.handleCounts)
		r.Get("/failed", s.handleFailed)
		r.Get("/archive", s.handleArchive)
		r.Get("/stats", s.handleStats)
	})
	return r
}

type enqueueRequest struct {
	Payload         json.RawMessage `json:"payload"`
	MaxAttempts     int             `json:"max_attempts,omitempty"`
	BackoffKind     string          `json:"backoff_kind,omitempty"`
	BackoffDelayMs  int64           `json:"backoff_delay_ms,omitempty"`
	DelayMs         int64           `json:"delay_ms,omitempty"`
	DeduplicationID string          `json:"deduplication_id,omitempty"`
}

type enqueueResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.WithLabelValues(queueName).Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}

	var opts jobs.Options
	opts.MaxAttempts = req.MaxAttempts
	opts.DeduplicationID = req.DeduplicationID
	if req.BackoffKind != "" {
		opts.Backoff = jobs.Backoff{
			Kind:      jobs.BackoffKind(req.BackoffKind),
			BaseDelay: time.Duration(req.BackoffDelayMs) * time.Millisecond,
		}
	}
	if req.DelayMs > 0 {
		opts.Delay = time.Duration(req.DelayMs) * time.Millisecond
	}

	job, err := s.mgr.EnqueueJob(r.Context(), queueName, req.Payload, &opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: job.ID, Status: "queued"})
}

type jobStatusResponse struct {
	JobID       string            `json:"job_id"`
	Status      string            `json:"status"`
	Progress    json.RawMessage   `json:"progress,omitempty"`
	ProcessedOn *time.Time        `json:"processed_on,omitempty"`
	FinishedOn  *time.Time        `json:"finished_on,omitempty"`
	Data        json.RawMessage   `json:"data,omitempty"`
	LastError   *jobs.FailureInfo `json:"last_error,omitempty"`
	Attempts    int               `json:"attempts"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	id := chi.URLParam(r, "id")

	job, err := s.mgr.JobStatus(r.Context(), queueName, id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobStatusResponse{
		JobID:       job.ID,
		Status:      string(job.State),
		Progress:    job.Progress,
		ProcessedOn: job.ProcessedAt,
		FinishedOn:  job.FinishedAt,
		Data:        job.Result,
		LastError:   job.LastError,
		Attempts:    job.AttemptsMade,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	var states []jobs.State
	if v := r.URL.Query().Get("state"); v != "" {
		st := jobs.State(v)
		if !st.Valid() {
			http.Error(w, "unknown state", http.StatusBadRequest)
			return
		}
		states = []jobs.State{st}
	}
	list, err := s.mgr.ListJobs(r.Context(), queueName, states, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleListAll(w http.ResponseWriter, r *http.Request) {
	all, err := s.mgr.ListAllJobs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.mgr.RetryJob(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enqueueResponse{JobID: job.ID, Status: "queued"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.DeleteJob(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Pause(chi.URLParam(r, "queue")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Resume(chi.URLParam(r, "queue")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.mgr.Counts(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// handleFailed lists permanently failed jobs for operator inspection.
func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	list, err := s.mgr.ListJobs(r.Context(), chi.URLParam(r, "queue"), []jobs.State{jobs.StateFailed}, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// handleArchive lists jobs the retention sweep moved to the archive.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	list, err := s.mgr.ArchivedJobs(r.Context(), chi.URLParam(r, "queue"), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// handleStats serves the collector's snapshots: the latest one by default, a
// windowed aggregate with ?window=, the raw series with &raw=1.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	col := s.mgr.Metrics()

	if v := r.URL.Query().Get("window"); v != "" {
		window, err := time.ParseDuration(v)
		if err != nil {
			http.Error(w, "invalid window", http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("raw") == "1" {
			writeJSON(w, http.StatusOK, map[string]any{"snapshots": col.GetRange(queueName, window)})
			return
		}
		agg, ok := col.GetAggregate(queueName, window)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
			return
		}
		writeJSON(w, http.StatusOK, agg)
		return
	}

	latest, ok := col.GetLatest(queueName)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, jobs.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, jobs.ErrStoreUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
