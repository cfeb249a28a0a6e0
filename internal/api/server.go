// Package api exposes the HTTP interface for the inference service.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radshift/inference-api/internal/archive"
	"github.com/radshift/inference-api/internal/config"
	"github.com/radshift/inference-api/internal/inference"
	"github.com/radshift/inference-api/internal/metrics"
	"github.com/radshift/inference-api/internal/model"
)

// AuthHeader carries the shared API credential on every request.
const AuthHeader = "API_AUTH_SECRET"

// maxUploadBytes bounds the request body accepted for a submission.
const maxUploadBytes = 512 << 20

// Server wires HTTP handlers to the inference service.
type Server struct {
	router  chi.Router
	service *inference.Service
	catalog *model.Catalog
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(service *inference.Service, catalog *model.Catalog, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service: service,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
	}
	metrics.Init()

	requestTimeout := cfg.ServerTimeout()
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	// Prometheus scrapers cannot present the API credential, so the
	// metrics surface stays outside the auth group. It exposes only
	// operational counters, never run ids or payloads.
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.Auth.Secret))
		r.Get("/v1/ping", s.ping)
		r.Post("/v1/model/start/{model}", s.startModel)
		r.Get("/v1/model/results/{run_id}", s.downloadResult)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ping is the liveness probe. It returns an empty body and, by running
// behind the auth middleware, exercises the credential check.
func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) startModel(w http.ResponseWriter, r *http.Request) {
	rawRef := chi.URLParam(r, "model")
	ref, err := model.Parse(rawRef, s.catalog)
	if err != nil {
		s.logger.Info("rejected model reference", zap.String("model", rawRef), zap.Error(err))
		metrics.ObserveSubmission(rawRef, "rejected")
		writeBadRequest(w, extraInvalidModelID)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		s.logger.Error("read request body failed", zap.String("model", ref.String()), zap.Error(err))
		writeBadRequest(w, extraInvalidZipFile)
		return
	}

	runID, err := s.service.Submit(r.Context(), ref, payload)
	if err != nil {
		if errors.Is(err, archive.ErrInvalidArchive) {
			s.logger.Info("rejected input archive", zap.String("model", ref.String()), zap.Error(err))
			metrics.ObserveSubmission(ref.Name, "rejected")
			writeBadRequest(w, extraInvalidZipFile)
			return
		}
		s.logger.Error("submission failed", zap.String("model", ref.String()), zap.Error(err))
		metrics.ObserveSubmission(ref.Name, "error")
		writeInternalError(w, "")
		return
	}

	metrics.ObserveSubmission(ref.Name, "accepted")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusCreated)
	if _, err := w.Write([]byte(runID)); err != nil {
		s.logger.Error("write run id failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func (s *Server) downloadResult(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")

	status, rc, err := s.service.Result(r.Context(), runID)
	if err != nil {
		s.logger.Error("result query failed", zap.String("run_id", runID), zap.Error(err))
		writeInternalError(w, "")
		return
	}
	metrics.ObservePoll(string(status))

	switch status {
	case inference.StatusNotFound:
		writeNotFound(w, extraInvalidRunID)
	case inference.StatusInProgress:
		w.WriteHeader(http.StatusAccepted)
	case inference.StatusFailed:
		writeInternalError(w, "")
	case inference.StatusComplete:
		defer func() {
			if closeErr := rc.Close(); closeErr != nil {
				s.logger.Warn("close result stream failed", zap.String("run_id", runID), zap.Error(closeErr))
			}
		}()
		w.Header().Set("Content-Type", "application/zip")
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, rc); err != nil {
			// Headers are already sent; all we can do is log.
			s.logger.Error("stream result failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
}

func authMiddleware(secret string) func(http.Handler) http.Handler {
	expected := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := []byte(r.Header.Get(AuthHeader))
			if subtle.ConstantTimeCompare(supplied, expected) != 1 {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeInternalError(w, "")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}
