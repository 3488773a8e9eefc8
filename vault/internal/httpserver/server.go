// Package httpserver exposes the verification service over HTTP. The surface
// is read-only: every method other than GET, HEAD and OPTIONS is refused
// before routing.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/casevault/evidence/vault/internal/auth"
	"github.com/casevault/evidence/vault/internal/metrics"
	"github.com/casevault/evidence/vault/internal/models"
	"github.com/casevault/evidence/vault/internal/verifier"
)

// IntegrityHeader carries the integrity status of a served record.
const IntegrityHeader = "X-Evidence-Integrity"

type Server struct {
	svc     *verifier.Service
	auth    *auth.Verifier
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(svc *verifier.Service, authn *auth.Verifier, log *zap.Logger, m *metrics.Metrics) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{svc: svc, auth: authn, log: log.Named("http"), metrics: m}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(readOnly)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.GetHead)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Get("/evidence/{id}", s.handleRead)
		r.Get("/evidence/{id}/audit", s.handleAudit)
		r.Get("/cases/{caseId}/report", s.handleCaseReport)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "not found")
	})
	return r
}

// readOnly refuses mutating methods on every path, routed or not.
func readOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
		default:
			respondJSON(w, http.StatusForbidden, map[string]string{"error": models.ErrReadOnly.Error()})
		}
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.ObserveRequest(r.Method, route, status, elapsed)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.svc.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = "down"
		status["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "up"
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.svc.Read(r.Context(), id, actor(r))
	switch {
	case err == nil, errors.Is(err, models.ErrIntegrityViolation):
		w.Header().Set(IntegrityHeader, rec.Integrity.Status)
		respondJSON(w, http.StatusOK, rec)
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, "evidence not found")
	default:
		s.log.Error("read failed", zap.String("evidence_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "read failed")
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	audit, err := s.svc.Audit(r.Context(), id, actor(r))
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, audit)
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, "evidence not found")
	default:
		s.log.Error("audit failed", zap.String("evidence_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "audit failed")
	}
}

func (s *Server) handleCaseReport(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseId")
	stats, err := s.svc.CaseReport(r.Context(), caseID)
	if err != nil {
		s.log.Error("case report failed", zap.String("case_id", caseID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "case report failed")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func actor(r *http.Request) string {
	if p, ok := auth.FromContext(r.Context()); ok {
		return p.Subject
	}
	return "anonymous"
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
