package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/correlator-io/reconciler/internal/api/middleware"
	"github.com/correlator-io/reconciler/internal/storage"
)

const (
	healthCheckTimeout     = 2 * time.Second
	expectedURLParts       = 2
	contentTypeProblemJSON = "application/problem+json"
	versionHeader          = "X-Reconciler-Version"
)

type (
	// HealthStatus is the /health response.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route binds a mux pattern to a handler. Permission is required of
	// authenticated clients; public routes leave it empty.
	Route struct {
		Path       string
		Handler    http.HandlerFunc
		Permission string
	}
)

func (s *Server) setupRoutes(mux *http.ServeMux) {
	s.registerPublicRoutes(
		mux,
		Route{Path: "GET /ping", Handler: s.handlePing},
		Route{Path: "GET /ready", Handler: s.handleReady},
		Route{Path: "GET /health", Handler: s.handleHealth},
		Route{Path: "GET /metrics", Handler: promhttp.Handler().ServeHTTP},
		Route{Path: "/", Handler: s.handleNotFound},
	)

	s.registerProtectedRoutes(
		mux,
		Route{"POST /api/v1/search", s.handleSearch, storage.PermissionCatalogRead},
		Route{"POST /api/v1/entities", s.handleSaveEntity, storage.PermissionCatalogWrite},
		Route{"GET /api/v1/entities/{id}", s.handleGetEntity, storage.PermissionCatalogRead},
		Route{"DELETE /api/v1/entities/{id}", s.handleDeleteEntity, storage.PermissionCatalogWrite},
		Route{"GET /api/v1/entities/{id}/downstream", s.handleDownstream, storage.PermissionCatalogRead},
		Route{"POST /api/v1/reconcile/entities", s.handleReconcileEntities, storage.PermissionReconcile},
		Route{"POST /api/v1/reconcile/lineage", s.handleReconcileLineage, storage.PermissionReconcile},
	)
}

// registerPublicRoutes registers routes that bypass authentication. Only
// health and metrics endpoints belong here.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// "GET /ping" matches r.URL.Path "/ping".
		path := route.Path
		if parts := strings.Fields(path); len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", route.Path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux, routes ...Route) {
	for _, route := range routes {
		mux.HandleFunc(route.Path, middleware.RequirePermission(route.Permission, s.logger, route.Handler))
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set(versionHeader, s.deps.Version)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady answers 503 while the catalog backend fails its health check.
// Backends without a health check are always ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			s.logger.Error("Catalog health check failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)

			WriteErrorResponse(w, r, s.logger, ServiceUnavailable("catalog unavailable"))

			return
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("ready")); err != nil {
		s.logger.Error("Failed to write ready response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	w.Header().Set(versionHeader, s.deps.Version)
	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: "reconciler",
		Version:     s.deps.Version,
		Uptime:      uptime,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writeJSON marshals before writing any header, so encoding failures still
// produce a clean 500.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// writeError logs err and answers with its problem mapping.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	problem := ProblemFromError(err)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}

	s.logger.LogAttrs(r.Context(), level, op+" failed",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.Int("status", problem.Status),
		slog.String("error", err.Error()),
	)

	WriteErrorResponse(w, r, s.logger, problem)
}

// decodeJSON reads a JSON body into dst, enforcing content type and size.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) *ProblemDetail {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		return UnsupportedMediaType("Content-Type must be application/json")
	}

	if r.ContentLength > s.config.MaxRequestSize {
		return PayloadTooLarge(fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize))
	}

	if r.ContentLength == 0 {
		return BadRequest("Request body cannot be empty")
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return PayloadTooLarge(fmt.Sprintf("Request body exceeds maximum size of %d bytes", tooLarge.Limit))
		}

		return BadRequest("Invalid JSON: " + err.Error())
	}

	return nil
}

// hasJSONContentType accepts application/json with optional parameters.
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
