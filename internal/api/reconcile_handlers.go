package api

import (
	"log/slog"
	"net/http"

	"github.com/correlator-io/reconciler/internal/api/middleware"
	"github.com/correlator-io/reconciler/internal/pipeline"
)

// runner builds a pipeline runner for one request, using the correlation ID
// as its run ID.
func (s *Server) runner(r *http.Request) (*pipeline.Runner, *ProblemDetail) {
	if s.deps.Reconciler == nil {
		return nil, ServiceUnavailable("reconciliation is not configured on this server")
	}

	opts := []pipeline.Option{
		pipeline.WithDeleter(s.deps.Catalog),
		pipeline.WithPublisher(s.deps.Publisher),
		pipeline.WithRunID(middleware.GetCorrelationID(r.Context())),
		pipeline.WithLogger(s.logger),
	}

	if s.deps.Builder != nil {
		opts = append(opts, pipeline.WithBuilder(s.deps.Builder))
	}

	runner, err := pipeline.New(s.deps.Reconciler, s.deps.Manifest, opts...)
	if err != nil {
		return nil, ProblemFromError(err)
	}

	return runner, nil
}

// handleReconcileEntities handles POST /api/v1/reconcile/entities.
// Reconciles the manifest's connection, then each listing's bucket and objects.
//
// Response codes:
//   - 200 OK: every identity resolved or created
//   - 400 Bad Request: malformed body or invalid listing
//   - 502/503: the catalog failed or did not converge
func (s *Server) handleReconcileEntities(w http.ResponseWriter, r *http.Request) {
	var req ReconcileEntitiesRequest
	if problem := s.decodeJSON(w, r, &req); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if len(req.Listings) == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("listings cannot be empty"))

		return
	}

	runner, problem := s.runner(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	report, err := runner.RunAssets(r.Context(), req.listings()...)
	if err != nil {
		s.logger.Warn("asset run stopped early",
			slog.String("run_id", runner.RunID()),
			slog.Int("reconciled", len(report.Entities)),
		)
		s.writeError(w, r, "reconcile entities", err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, newAssetRunResponse(report))
}

// handleReconcileLineage handles POST /api/v1/reconcile/lineage.
// Every endpoint must already exist in the catalog.
func (s *Server) handleReconcileLineage(w http.ResponseWriter, r *http.Request) {
	var req ReconcileLineageRequest
	if problem := s.decodeJSON(w, r, &req); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if len(req.Edges) == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("edges cannot be empty"))

		return
	}

	edges, err := req.edges()
	if err != nil {
		s.writeError(w, r, "reconcile lineage", err)

		return
	}

	if s.deps.Builder == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("lineage is not configured on this server"))

		return
	}

	runner, problem := s.runner(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	report, err := runner.RunLineage(r.Context(), edges)
	if err != nil {
		s.logger.Warn("lineage run stopped early",
			slog.String("run_id", runner.RunID()),
			slog.Int("ensured", len(report.Edges)),
		)
		s.writeError(w, r, "reconcile lineage", err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, newLineageRunResponse(report))
}
