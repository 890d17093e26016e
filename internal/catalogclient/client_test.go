package catalogclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/reconciler/internal/api"
	"github.com/correlator-io/reconciler/internal/api/middleware"
	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/config"
	"github.com/correlator-io/reconciler/internal/storage"
)

const connQN = "default/postgres/1700000000"

func newRoundTrip(t *testing.T) (*Client, *storage.MemoryCatalog) {
	t.Helper()

	memory := storage.NewMemoryCatalog()

	srv := api.NewServer(&api.ServerConfig{
		Port:             8080,
		Host:             "127.0.0.1",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		MaxRequestSize:   1 << 20,
		DefaultTraversal: 100,
	}, api.Dependencies{Catalog: memory, Logger: config.DiscardLogger()}, nil, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := New(NewConfig(ts.URL, ""), WithLogger(config.DiscardLogger()))
	require.NoError(t, err)

	return client, memory
}

func seedLineage(t *testing.T, c *Client) (catalog.Entity, catalog.Entity) {
	t.Helper()

	ctx := t.Context()

	_, err := c.Save(ctx, catalog.Draft{
		Kind: catalog.KindConnection, Name: "warehouse-pg", QualifiedName: connQN, ConnectorType: "postgres",
	})
	require.NoError(t, err)

	table := func(name string) catalog.Entity {
		res, err := c.Save(ctx, catalog.Draft{
			Kind:                    catalog.KindTable,
			Name:                    name,
			QualifiedName:           catalog.TableQualifiedName(connQN, name),
			ScopeQualifiedName:      connQN,
			ConnectionQualifiedName: connQN,
			ConnectorType:           "postgres",
		})
		require.NoError(t, err)
		require.Len(t, res.Created, 1)

		return res.Created[0]
	}

	src, dst := table("orders"), table("orders_daily")

	edge := catalog.LineageEdge{
		ProcessName:             "orders to orders_daily",
		Sources:                 []catalog.Ref{src.Ref()},
		Targets:                 []catalog.Ref{dst.Ref()},
		ConnectionQualifiedName: connQN,
	}

	_, err = c.Save(ctx, edge.Draft())
	require.NoError(t, err)

	return src, dst
}

func TestClient_RoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	client, _ := newRoundTrip(t)
	ctx := t.Context()

	src, dst := seedLineage(t, client)

	t.Run("search", func(t *testing.T) {
		res, err := client.Search(ctx, catalog.Query{Filters: []catalog.Filter{
			catalog.KindIs(catalog.KindTable),
			catalog.Eq(catalog.FieldName, "orders"),
			catalog.Eq(catalog.FieldConnectionQualifiedName, connQN),
		}})
		require.NoError(t, err)
		require.Len(t, res.Entities, 1)
		assert.Equal(t, src.ID, res.Entities[0].ID)
		assert.Equal(t, int64(1), res.ApproximateCount)
	})

	t.Run("get", func(t *testing.T) {
		got, err := client.Get(ctx, dst.ID)
		require.NoError(t, err)
		assert.Equal(t, dst.QualifiedName, got.QualifiedName)
		assert.Equal(t, catalog.KindTable, got.Kind)
	})

	t.Run("get missing maps to ErrNotFound", func(t *testing.T) {
		_, err := client.Get(ctx, "missing")
		require.ErrorIs(t, err, catalog.ErrNotFound)
	})

	t.Run("invalid draft maps to ErrInvalidInput", func(t *testing.T) {
		_, err := client.Save(ctx, catalog.Draft{Kind: catalog.KindTable, Name: "orphan", QualifiedName: "x"})
		require.ErrorIs(t, err, catalog.ErrInvalidInput)
	})

	t.Run("traverse downstream", func(t *testing.T) {
		it, err := client.TraverseDownstream(ctx, src.ID, catalog.TraverseOptions{AssetsOnly: true})
		require.NoError(t, err)

		entities, err := catalog.Collect(ctx, it, 0)
		require.NoError(t, err)
		require.Len(t, entities, 1)
		assert.Equal(t, dst.ID, entities[0].ID)
	})

	t.Run("delete", func(t *testing.T) {
		res, err := client.Delete(ctx, dst.ID)
		require.NoError(t, err)
		require.Len(t, res.Deleted, 1)

		_, err = client.Get(ctx, dst.ID)
		require.ErrorIs(t, err, catalog.ErrNotFound)
	})

	t.Run("health", func(t *testing.T) {
		require.NoError(t, client.HealthCheck(ctx))
	})
}

func TestClient_RemoteErrorCarriesCode(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var calls int

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++

		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": http.StatusBadRequest,
			"detail": "Auth request failed, possibly due to expired token",
			"code":   "ATLAS-400-00-029",
		})
	}))
	t.Cleanup(ts.Close)

	client, err := New(NewConfig(ts.URL, ""))
	require.NoError(t, err)

	_, err = client.Save(t.Context(), catalog.Draft{Kind: catalog.KindConnection, Name: "c", QualifiedName: connQN})
	require.Error(t, err)

	var remote *catalog.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusBadRequest, remote.Status)
	assert.True(t, catalog.IsTransientAuth(err))
	assert.Equal(t, 1, calls)
}

func TestClient_SendsHeaders(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var got http.Header

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"approximateCount":0,"entities":[]}`))
	}))
	t.Cleanup(ts.Close)

	client, err := New(NewConfig(ts.URL+"/", "reconciler_ak_secret"))
	require.NoError(t, err)

	ctx := middleware.WithCorrelationIDValue(t.Context(), "run-7")

	_, err = client.Search(ctx, catalog.Query{Filters: []catalog.Filter{catalog.KindIs(catalog.KindTable)}})
	require.NoError(t, err)

	assert.Equal(t, "reconciler_ak_secret", got.Get("X-Api-Key"))
	assert.Equal(t, "run-7", got.Get("X-Correlation-ID"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
}

func TestDecodeProblem(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"not found code", 404, `{"detail":"gone","code":"RECONCILER-404-NOT-FOUND"}`, catalog.ErrNotFound},
		{"bare 404", 404, `not here`, catalog.ErrNotFound},
		{"conflict", 409, `{"detail":"taken","code":"RECONCILER-409-CONFLICT"}`, catalog.ErrConflict},
		{"creation failed", 502, `{"detail":"empty","code":"RECONCILER-502-CREATION-FAILED"}`, catalog.ErrCreationFailed},
		{"not converged", 503, `{"detail":"lag","code":"RECONCILER-503-NOT-CONVERGED"}`, catalog.ErrNotConverged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, decodeProblem(tt.status, []byte(tt.body)), tt.want)
		})
	}

	t.Run("unknown code", func(t *testing.T) {
		err := decodeProblem(500, []byte(`{"detail":"boom"}`))

		var remote *catalog.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, 500, remote.Status)
		assert.Equal(t, "boom", remote.Message)
	})
}

func TestConfigValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		cfg  *Config
		want error
	}{
		{"valid", NewConfig("https://catalog.internal:8080", "k"), nil},
		{"empty", NewConfig("", ""), ErrBaseURLEmpty},
		{"relative", NewConfig("catalog.internal", ""), ErrInvalidBaseURL},
		{"ftp", NewConfig("ftp://catalog.internal", ""), ErrInvalidBaseURL},
		{"timeout", &Config{BaseURL: "http://x", Timeout: 0, RPS: 1, Burst: 1}, ErrInvalidTimeout},
		{"rate", &Config{BaseURL: "http://x", Timeout: time.Second, RPS: 0, Burst: 1}, ErrInvalidRateLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.want == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("RECONCILER_CATALOG_URL", "http://localhost:8080")
	t.Setenv("RECONCILER_API_KEY", "reconciler_ak_x")
	t.Setenv("RECONCILER_CATALOG_RPS", "2.5")

	cfg := LoadConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, "reconciler_ak_x", cfg.APIKey)
	assert.InDelta(t, 2.5, cfg.RPS, 0.0001)
	assert.Equal(t, defaultBurst, cfg.Burst)
}
