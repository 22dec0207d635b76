package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"enrichment-scheduler/internal/models"
	"enrichment-scheduler/internal/queue"
	"enrichment-scheduler/internal/ratelimit"
	"enrichment-scheduler/internal/telemetry"
)

const (
	codeRateLimited = "RATE_LIMITED"
	maxBodyBytes    = 1 << 20
)

// Limiter throttles enqueues per user.
type Limiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for producers, remote workers, and operators.
type Server struct {
	queue   *queue.Queue
	limiter Limiter
	metrics *telemetry.Metrics
	log     *zap.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(q *queue.Queue, limiter Limiter, metrics *telemetry.Metrics, log *zap.Logger) *Server {
	if metrics == nil {
		metrics = telemetry.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{queue: q, limiter: limiter, metrics: metrics, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", s.metrics.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Post("/lease", s.handleLease)
		r.Get("/stats", s.handleStats)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/heartbeat", s.handleHeartbeat)
		r.Post("/{id}/complete", s.handleComplete)
		r.Post("/{id}/fail", s.handleFail)
		r.Post("/{id}/release", s.handleRelease)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/jobs/reset-failed", s.handleResetFailed)
		r.Post("/reclaim", s.handleReclaim)
		r.Post("/cleanup", s.handleCleanup)
	})
	return r
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), req.UserID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !d.Allowed {
			s.metrics.RateLimitRejects.Inc()
			secs := int(d.RetryAfter.Round(time.Second) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			writeErrorBody(w, http.StatusTooManyRequests, codeRateLimited, "enqueue rate limit exceeded")
			return
		}
	}

	res, err := s.queue.Enqueue(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type leaseRequest struct {
	Types            []string `json:"types"`
	UserID           string   `json:"userId"`
	LeaseMs          int64    `json:"leaseMs"`
	IncludeScheduled bool     `json:"includeScheduled"`
	Limit            int      `json:"limit"`
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	lease, ok, err := s.queue.LeaseNext(r.Context(), queue.LeaseRequest{
		Types:            req.Types,
		UserID:           req.UserID,
		Lease:            millis(req.LeaseMs),
		IncludeScheduled: req.IncludeScheduled,
		Limit:            req.Limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

type heartbeatRequest struct {
	ExtendByMs int64 `json:"extendByMs"`
	LeaseToken int   `json:"leaseToken"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}
	expires, err := s.queue.Heartbeat(r.Context(), chi.URLParam(r, "id"), queue.HeartbeatRequest{
		ExtendBy:   millis(req.ExtendByMs),
		LeaseToken: req.LeaseToken,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]time.Time{"leaseExpiresAt": expires})
}

type completeRequest struct {
	Result     map[string]any `json:"result"`
	LeaseToken int            `json:"leaseToken"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.queue.Complete(r.Context(), chi.URLParam(r, "id"), queue.CompleteRequest{
		Result:     req.Result,
		LeaseToken: req.LeaseToken,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusSucceeded})
}

type failRequest struct {
	Error          string `json:"error"`
	RetryBackoffMs *int64 `json:"retryBackoffMs"`
	AllowRetry     *bool  `json:"allowRetry"`
	LeaseToken     int    `json:"leaseToken"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if !s.decode(w, r, &req) {
		return
	}
	fr := queue.FailRequest{Error: req.Error, AllowRetry: req.AllowRetry, LeaseToken: req.LeaseToken}
	if req.RetryBackoffMs != nil {
		if *req.RetryBackoffMs < 0 {
			writeErrorBody(w, http.StatusBadRequest, string(queue.CodeInvalidArgument), "retryBackoffMs must not be negative")
			return
		}
		d := millis(*req.RetryBackoffMs)
		fr.RetryBackoff = &d
	}
	res, err := s.queue.Fail(r.Context(), chi.URLParam(r, "id"), fr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type releaseRequest struct {
	Reason        string     `json:"reason"`
	RescheduleFor *time.Time `json:"rescheduleFor"`
	LeaseToken    int        `json:"leaseToken"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.queue.Release(r.Context(), chi.URLParam(r, "id"), queue.ReleaseRequest{
		Reason:        req.Reason,
		RescheduleFor: req.RescheduleFor,
		LeaseToken:    req.LeaseToken,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleResetFailed(w http.ResponseWriter, r *http.Request) {
	var req queue.ResetRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.queue.ResetFailed(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.queue.ReclaimExpired(r.Context(), req.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RetentionMs int64 `json:"retentionMs"`
		BatchSize   int   `json:"batchSize"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.queue.CleanupSucceeded(r.Context(), queue.CleanupRequest{
		Retention: millis(req.RetentionMs),
		BatchSize: req.BatchSize,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// decode reads an optional JSON body into v. An empty body leaves v zero.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeErrorBody(w, http.StatusBadRequest, string(queue.CodeInvalidArgument), "invalid json: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := queue.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case queue.CodeNotFound:
		status = http.StatusNotFound
	case queue.CodeNotInProgress, queue.CodeLeaseLost:
		status = http.StatusConflict
	case queue.CodeInvalidArgument:
		status = http.StatusBadRequest
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		msg = "internal error"
	}
	writeErrorBody(w, status, string(code), msg)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeErrorBody(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
