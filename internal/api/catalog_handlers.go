package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/correlator-io/reconciler/internal/api/middleware"
	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/events"
)

// DownstreamResponse is the GET /api/v1/entities/{id}/downstream response.
type DownstreamResponse struct {
	StartID    string           `json:"startId"`
	Limit      int              `json:"limit"`
	AssetsOnly bool             `json:"assetsOnly"`
	Entities   []catalog.Entity `json:"entities"`
}

// handleSearch handles POST /api/v1/search with a catalog.Query body.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var q catalog.Query
	if problem := s.decodeJSON(w, r, &q); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if err := q.Validate(); err != nil {
		s.writeError(w, r, "search", err)

		return
	}

	res, err := s.deps.Catalog.Search(r.Context(), q)
	if err != nil {
		s.writeError(w, r, "search", err)

		return
	}

	if res.Entities == nil {
		res.Entities = []catalog.Entity{}
	}

	s.writeJSON(w, r, http.StatusOK, res)
}

// handleSaveEntity handles POST /api/v1/entities with a catalog.Draft body.
// Answers 201 when the store created something, 200 for an update.
func (s *Server) handleSaveEntity(w http.ResponseWriter, r *http.Request) {
	var d catalog.Draft
	if problem := s.decodeJSON(w, r, &d); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if err := d.Validate(); err != nil {
		s.writeError(w, r, "save entity", err)

		return
	}

	res, err := s.deps.Catalog.Save(r.Context(), d)
	if err != nil {
		s.writeError(w, r, "save entity", err)

		return
	}

	status := http.StatusOK
	if len(res.Created) > 0 {
		status = http.StatusCreated

		s.publish(r, events.EntityCreated, res.Created)
	}

	s.writeJSON(w, r, status, res)
}

// handleGetEntity handles GET /api/v1/entities/{id}.
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))

	e, err := s.deps.Catalog.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "get entity", err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, e)
}

// handleDeleteEntity handles DELETE /api/v1/entities/{id}.
func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))

	res, err := s.deps.Catalog.Delete(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "delete entity", err)

		return
	}

	s.publish(r, events.EntityDeleted, res.Deleted)
	s.writeJSON(w, r, http.StatusOK, res)
}

// handleDownstream handles GET /api/v1/entities/{id}/downstream?limit=&assetsOnly=.
func (s *Server) handleDownstream(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))

	limit, assetsOnly, problem := s.parseTraversal(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	it, err := s.deps.Catalog.TraverseDownstream(r.Context(), id, catalog.TraverseOptions{
		MaxNodes:   limit,
		AssetsOnly: assetsOnly,
	})
	if err != nil {
		s.writeError(w, r, "downstream", err)

		return
	}

	entities, err := catalog.Collect(r.Context(), it, limit)
	if err != nil {
		s.writeError(w, r, "downstream", err)

		return
	}

	if entities == nil {
		entities = []catalog.Entity{}
	}

	s.writeJSON(w, r, http.StatusOK, DownstreamResponse{
		StartID:    id,
		Limit:      limit,
		AssetsOnly: assetsOnly,
		Entities:   entities,
	})
}

func (s *Server) parseTraversal(r *http.Request) (int, bool, *ProblemDetail) {
	q := r.URL.Query()

	limit := s.config.DefaultTraversal
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxTraversalLimit {
			return 0, false, BadRequest(fmt.Sprintf("limit must be an integer between 1 and %d", maxTraversalLimit))
		}

		limit = n
	}

	assetsOnly := false
	if raw := q.Get("assetsOnly"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return 0, false, BadRequest("assetsOnly must be a boolean")
		}

		assetsOnly = b
	}

	return limit, assetsOnly, nil
}

// publish emits one change event per entity. Failures are logged only.
func (s *Server) publish(r *http.Request, t events.Type, entities []catalog.Entity) {
	if len(entities) == 0 {
		return
	}

	runID := middleware.GetCorrelationID(r.Context())

	evs := make([]events.ChangeEvent, 0, len(entities))
	for _, e := range entities {
		evs = append(evs, events.NewEvent(t, e, runID))
	}

	if err := s.deps.Publisher.Publish(r.Context(), evs...); err != nil {
		s.logger.Warn("failed to publish change events",
			slog.String("correlation_id", runID),
			slog.String("type", string(t)),
			slog.String("error", err.Error()),
		)
	}
}
