package api

import (
	"fmt"
	"strings"

	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/ingestion"
	"github.com/correlator-io/reconciler/internal/pipeline"
)

// Request and response bodies of the reconcile endpoints.
type (
	// ReconcileEntitiesRequest is the POST /api/v1/reconcile/entities body.
	ReconcileEntitiesRequest struct {
		Listings []ListingRequest `json:"listings"`
	}

	// ListingRequest is one bucket and its object keys.
	ListingRequest struct {
		Bucket string   `json:"bucket"`
		Keys   []string `json:"keys"`
	}

	// ReconcileLineageRequest is the POST /api/v1/reconcile/lineage body.
	ReconcileLineageRequest struct {
		Edges []EdgeRequest `json:"edges"`
	}

	// EdgeRequest names two endpoints and the process between them. An empty
	// ProcessName becomes "<source> to <target>".
	EdgeRequest struct {
		Source      TupleRequest `json:"source"`
		Target      TupleRequest `json:"target"`
		ProcessName string       `json:"processName,omitempty"`
	}

	// TupleRequest is an identity tuple. Scope is a connection name, alias or
	// qualified name.
	TupleRequest struct {
		Kind  string `json:"kind"`
		Name  string `json:"name"`
		Scope string `json:"scope"`
	}

	// AssetRunResponse reports a reconcile/entities run.
	AssetRunResponse struct {
		RunID      string                   `json:"runId"`
		Connection catalog.Entity           `json:"connection"`
		Entities   []EntityOutcomeResponse  `json:"entities"`
		Created    int                      `json:"created"`
		Existing   int                      `json:"existing"`
		ByKind     map[string]KindCountBody `json:"byKind"`
		DurationMs int64                    `json:"durationMs"`
	}

	// EntityOutcomeResponse is one reconciled identity.
	EntityOutcomeResponse struct {
		Kind    string         `json:"kind"`
		Name    string         `json:"name"`
		Scope   string         `json:"scope,omitempty"`
		Created bool           `json:"created"`
		Entity  catalog.Entity `json:"entity"`
	}

	// KindCountBody counts outcomes of one kind.
	KindCountBody struct {
		Created  int `json:"created"`
		Existing int `json:"existing"`
	}

	// LineageRunResponse reports a reconcile/lineage run.
	LineageRunResponse struct {
		RunID      string                `json:"runId"`
		Edges      []EdgeOutcomeResponse `json:"edges"`
		Created    int                   `json:"created"`
		Existing   int                   `json:"existing"`
		NoOp       int                   `json:"noop"`
		Unverified int                   `json:"unverified"`
		DurationMs int64                 `json:"durationMs"`
	}

	// EdgeOutcomeResponse is one ensured edge.
	EdgeOutcomeResponse struct {
		ProcessName string `json:"processName"`
		Status      string `json:"status"`
		SourceID    string `json:"sourceId"`
		TargetID    string `json:"targetId"`
		ProcessID   string `json:"processId,omitempty"`
		Verified    bool   `json:"verified"`
	}
)

func (req ReconcileEntitiesRequest) listings() []ingestion.Listing {
	out := make([]ingestion.Listing, 0, len(req.Listings))
	for _, l := range req.Listings {
		out = append(out, ingestion.Listing{Bucket: strings.TrimSpace(l.Bucket), Keys: l.Keys})
	}

	return out
}

func (req ReconcileLineageRequest) edges() ([]ingestion.EdgeTuple, error) {
	out := make([]ingestion.EdgeTuple, 0, len(req.Edges))

	for i, e := range req.Edges {
		src, err := e.Source.tuple()
		if err != nil {
			return nil, fmt.Errorf("edge %d source: %w", i, err)
		}

		tgt, err := e.Target.tuple()
		if err != nil {
			return nil, fmt.Errorf("edge %d target: %w", i, err)
		}

		name := strings.TrimSpace(e.ProcessName)
		if name == "" {
			name = ingestion.ProcessName(src.Name, tgt.Name)
		}

		out = append(out, ingestion.EdgeTuple{Source: src, Target: tgt, ProcessName: name})
	}

	return out, nil
}

func (t TupleRequest) tuple() (ingestion.IdentityTuple, error) {
	kind := catalog.KindTable
	if strings.TrimSpace(t.Kind) != "" {
		k, err := catalog.ParseKind(t.Kind)
		if err != nil {
			return ingestion.IdentityTuple{}, err
		}

		kind = k
	}

	return ingestion.IdentityTuple{
		Kind:  kind,
		Name:  strings.TrimSpace(t.Name),
		Scope: strings.TrimSpace(t.Scope),
	}, nil
}

func newAssetRunResponse(rep *pipeline.AssetReport) AssetRunResponse {
	resp := AssetRunResponse{
		RunID:      rep.RunID,
		Connection: rep.Connection,
		Entities:   make([]EntityOutcomeResponse, 0, len(rep.Entities)),
		Created:    rep.Created,
		Existing:   rep.Existing,
		ByKind:     make(map[string]KindCountBody),
		DurationMs: rep.Duration.Milliseconds(),
	}

	for _, o := range rep.Entities {
		resp.Entities = append(resp.Entities, EntityOutcomeResponse{
			Kind:    o.Tuple.Kind.String(),
			Name:    o.Tuple.Name,
			Scope:   o.Tuple.Scope,
			Created: o.Created,
			Entity:  o.Entity,
		})
	}

	for kind, c := range rep.Summary() {
		resp.ByKind[kind.String()] = KindCountBody{Created: c.Created, Existing: c.Existing}
	}

	return resp
}

func newLineageRunResponse(rep *pipeline.LineageReport) LineageRunResponse {
	resp := LineageRunResponse{
		RunID:      rep.RunID,
		Edges:      make([]EdgeOutcomeResponse, 0, len(rep.Edges)),
		Created:    rep.Created,
		Existing:   rep.Existing,
		NoOp:       rep.NoOp,
		Unverified: rep.Unverified,
		DurationMs: rep.Duration.Milliseconds(),
	}

	for _, e := range rep.Edges {
		resp.Edges = append(resp.Edges, EdgeOutcomeResponse{
			ProcessName: e.ProcessName,
			Status:      e.Status.String(),
			SourceID:    e.Source.ID,
			TargetID:    e.Target.ID,
			ProcessID:   e.Process.ID,
			Verified:    e.Verified,
		})
	}

	return resp
}
