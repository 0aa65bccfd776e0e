package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"repro-screening/internal/config"
	"repro-screening/internal/lock"
	"repro-screening/internal/models"
	"repro-screening/internal/queue"
	"repro-screening/internal/ratelimit"
	"repro-screening/internal/screening"
	"repro-screening/internal/store"
	"repro-screening/internal/telemetry"
	"repro-screening/internal/thread"
)

// JobStore is the Task Run persistence the intake API needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdatePayload(ctx context.Context, id string, payload map[string]any) error
	MarkFailure(ctx context.Context, id string, meta map[string]any) error
	MarkRevoked(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
	AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error)
}

// LockChecker reports whether a target's Lock Marker is held.
type LockChecker interface {
	Held(repoURL string) (bool, error)
}

// Poster creates the pending status comment.
type Poster interface {
	Post(ctx context.Context, req *screening.Request, phase thread.Phase, msg thread.Message) error
}

// Server wires HTTP handlers for the intake API.
type Server struct {
	cfg     config.Config
	store   JobStore
	queue   *queue.RedisQueue
	limiter *ratelimit.TokenBucket
	locks   LockChecker
	thread  Poster
	logger  *slog.Logger
}

// Deps groups the server's collaborators. Limiter, Locks and Thread are optional.
type Deps struct {
	Store   JobStore
	Queue   *queue.RedisQueue
	Limiter *ratelimit.TokenBucket
	Locks   LockChecker
	Thread  Poster
	Logger  *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   d.Store,
		queue:   d.Queue,
		limiter: d.Limiter,
		locks:   d.Locks,
		thread:  d.Thread,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.queue.Ping(r.Context()); err != nil {
			http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/revoke", s.handleRevoke)
	r.Get("/jobs/{id}/audit", s.handleAudit)
	r.Get("/dlq", s.handleDLQ)
	return r
}

// RequestBody is the JSON form of a Screening Request.
type RequestBody struct {
	TaskName        string            `json:"task_name"`
	IssueID         int               `json:"issue_id"`
	RepoURL         string            `json:"repo_url"`
	CommitHash      string            `json:"commit_hash"`
	BinderHash      string            `json:"binder_hash"`
	Email           string            `json:"email,omitempty"`
	Production      bool              `json:"is_prod"`
	Sandbox         bool              `json:"is_sandbox"`
	NoCustomRuntime bool              `json:"no_custom_runtime"`
	Extra           map[string]string `json:"extra,omitempty"`
}

func (b RequestBody) request() screening.Request {
	return screening.Request{
		TaskName:        b.TaskName,
		IssueID:         b.IssueID,
		RepoURL:         b.RepoURL,
		CommitHash:      b.CommitHash,
		BinderHash:      b.BinderHash,
		Email:           b.Email,
		Production:      b.Production,
		Sandbox:         b.Sandbox,
		NoCustomRuntime: b.NoCustomRuntime,
		Extra:           b.Extra,
	}
}

// EnqueueRequest is the body of POST /jobs.
type EnqueueRequest struct {
	Type           string      `json:"type"`
	Priority       string      `json:"priority,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	Request        RequestBody `json:"request"`
}

// EnqueueResponse is returned once a Task Run exists.
type EnqueueResponse struct {
	JobID      string `json:"job_id"`
	Idempotent bool   `json:"idempotent,omitempty"`
}

// JobStatus is the body of GET /jobs/{id}.
type JobStatus struct {
	JobID  string         `json:"job_id"`
	Type   string         `json:"type"`
	State  models.Status  `json:"state"`
	Result map[string]any `json:"result,omitempty"`
	Error  map[string]any `json:"error,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if !models.KnownType(body.Type) {
		http.Error(w, fmt.Sprintf("unknown job type %q", body.Type), http.StatusBadRequest)
		return
	}
	req := body.Request.request()
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if models.IsBuild(body.Type) && s.locks != nil {
		held, err := s.locks.Held(req.RepoURL)
		if err != nil {
			http.Error(w, "lock check failed", http.StatusInternalServerError)
			return
		}
		if held {
			telemetry.LockRejects.Inc()
			http.Error(w, "a build for this repository is already running", http.StatusConflict)
			return
		}
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+lock.Normalize(req.RepoURL))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, idempotent, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Type:           body.Type,
		Priority:       body.Priority,
		Payload:        req.Payload(),
		IdempotencyKey: body.IdempotencyKey,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
		RunAt:          time.Now().UTC(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if idempotent {
		writeJSON(w, http.StatusAccepted, EnqueueResponse{JobID: job.ID, Idempotent: true})
		return
	}

	req.TaskID = job.ID
	if req.Tracked() && s.thread != nil {
		if err := s.thread.Post(r.Context(), &req, thread.PhasePending, thread.Message{}); err != nil {
			s.logger.Error("pending comment not created", "taskID", job.ID, "issue", req.IssueID, "error", err)
			_ = s.store.MarkFailure(r.Context(), job.ID, map[string]any{"exc_type": "upstream", "exc_message": err.Error()})
			http.Error(w, "status comment could not be created: "+err.Error(), http.StatusBadGateway)
			return
		}
	}
	if err := s.store.UpdatePayload(r.Context(), job.ID, req.Payload()); err != nil {
		s.abandon(r.Context(), &req, job.ID, "request not stored", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.queue.Enqueue(r.Context(), job.ID, job.Priority, job.NextRunAt); err != nil {
		s.abandon(r.Context(), &req, job.ID, "request not queued", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), job.ID, "enqueued", fmt.Sprintf("type=%s repo=%s commit=%s", job.Type, req.RepoURL, req.CommitHash))
	telemetry.EnqueueCounter.Inc()
	s.logger.Info("job enqueued", "taskID", job.ID, "type", job.Type, "issue", req.IssueID)

	writeJSON(w, http.StatusAccepted, EnqueueResponse{JobID: job.ID})
}

// abandon settles a Task Run that will never reach a worker. Once the pending
// comment exists it must not be left pending.
func (s *Server) abandon(ctx context.Context, req *screening.Request, jobID, what string, cause error) {
	s.logger.Error(what, "taskID", jobID, "error", cause)
	_ = s.store.MarkFailure(ctx, jobID, map[string]any{"exc_type": "internal", "exc_message": cause.Error()})
	if !req.Tracked() || s.thread == nil {
		return
	}
	msg := thread.Message{Text: fmt.Sprintf("%s: %s", what, cause.Error())}
	if err := s.thread.Post(ctx, req, thread.PhaseFailure, msg); err != nil {
		s.logger.Error("failure comment not posted", "taskID", jobID, "error", err)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	resp := JobStatus{JobID: job.ID, Type: job.Type, State: job.Status}
	switch job.Status {
	case models.StatusFailure:
		resp.Error = job.Meta
	default:
		resp.Result = job.Meta
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status.Terminal() {
		http.Error(w, fmt.Sprintf("job already %s", job.Status), http.StatusConflict)
		return
	}
	if err := s.queue.Cancel(r.Context(), job.ID); err != nil {
		http.Error(w, "failed to cancel queue item", http.StatusInternalServerError)
		return
	}
	if err := s.store.MarkRevoked(r.Context(), job.ID); err != nil {
		http.Error(w, "failed to revoke job", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), job.ID, "revoked", "revoke requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.StatusRevoked)})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	events, err := s.store.AuditTrail(r.Context(), job.ID)
	if err != nil {
		http.Error(w, "failed to read audit trail", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return models.Job{}, false
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return models.Job{}, false
	}
	return job, true
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
