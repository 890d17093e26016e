package ingestion

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/config"
)

const (
	// DefaultManifestPath is where the run manifest is looked up when no path is given.
	DefaultManifestPath = ".reconciler.yaml"

	// ManifestPathEnvVar overrides DefaultManifestPath.
	ManifestPathEnvVar = "RECONCILER_MANIFEST_PATH"

	defaultConnectionName = "s3-connection"
	defaultConnectorType  = "s3"
)

//nolint:tagliatelle // snake_case is intentional for YAML config files
type (
	// Manifest describes one reconcile run: where assets live and how lineage
	// CSV columns map to catalog entities.
	Manifest struct {
		Owner   string          `yaml:"owner"`
		Assets  AssetsManifest  `yaml:"assets"`
		Lineage LineageManifest `yaml:"lineage"`
		// ConnectionAliases maps short names used in column settings to connection
		// names or qualified names.
		ConnectionAliases map[string]string `yaml:"connection_aliases"`
	}

	// AssetsManifest configures the asset run.
	AssetsManifest struct {
		Connection    string `yaml:"connection"`
		ConnectorType string `yaml:"connector_type"`
		ARNSuffix     string `yaml:"arn_suffix"`
		ObjectPrefix  string `yaml:"object_prefix"`
		Description   string `yaml:"description"`
	}

	// LineageManifest configures the lineage run.
	LineageManifest struct {
		StableDagIDs bool    `yaml:"stable_dag_ids"`
		ExactEdge    bool    `yaml:"exact_edge"`
		EmptyAsNoOp  bool    `yaml:"empty_as_noop"`
		Verify       bool    `yaml:"verify"`
		Columns      Columns `yaml:"columns"`
	}

	// Columns maps the three CSV columns to entity kinds and connections.
	Columns struct {
		Source       Column `yaml:"source"`
		Intermediate Column `yaml:"intermediate"`
		Target       Column `yaml:"target"`
	}

	// Column says what a CSV value names. Connection is a connection name, a
	// connection qualified name, or a key of ConnectionAliases.
	Column struct {
		Kind          string `yaml:"kind"`
		Connection    string `yaml:"connection"`
		ConnectorType string `yaml:"connector_type"`
	}
)

// DefaultManifest returns the manifest used when no file is present.
func DefaultManifest() *Manifest {
	return &Manifest{
		Assets: AssetsManifest{
			Connection:    defaultConnectionName,
			ConnectorType: defaultConnectorType,
		},
		Lineage: LineageManifest{
			Verify: true,
			Columns: Columns{
				Source:       Column{Kind: catalog.KindTable.String()},
				Intermediate: Column{Kind: catalog.KindLeaf.String()},
				Target:       Column{Kind: catalog.KindTable.String()},
			},
		},
		ConnectionAliases: make(map[string]string),
	}
}

// LoadManifest loads the run manifest from path.
//
// Behavior:
//   - Returns the default manifest (not an error) if the file doesn't exist
//   - Returns the default manifest and logs a warning if the file can't be read or parsed
//   - Fields missing from the file keep their defaults
func LoadManifest(path string) (*Manifest, error) {
	m := DefaultManifest()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Manifest not found, continuing with defaults",
				slog.String("path", path))

			return m, nil
		}

		slog.Warn("Failed to read manifest, continuing with defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return m, nil
	}

	if len(data) == 0 {
		return m, nil
	}

	if err := yaml.Unmarshal(data, m); err != nil {
		slog.Warn("Failed to parse manifest, continuing with defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultManifest(), nil
	}

	if m.ConnectionAliases == nil {
		m.ConnectionAliases = make(map[string]string)
	}

	return m, nil
}

// LoadManifestFromEnv loads the manifest from RECONCILER_MANIFEST_PATH, falling
// back to ".reconciler.yaml" in the current directory.
func LoadManifestFromEnv() (*Manifest, error) {
	return LoadManifest(config.GetEnvStr(ManifestPathEnvVar, DefaultManifestPath))
}

// ResolveConnection follows one alias hop. Unknown references are returned as given.
func (m *Manifest) ResolveConnection(ref string) string {
	ref = strings.TrimSpace(ref)

	if target, ok := m.ConnectionAliases[ref]; ok && strings.TrimSpace(target) != "" {
		return strings.TrimSpace(target)
	}

	return ref
}
