package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/config"
)

const (
	directionInput  = "input"
	directionOutput = "output"

	entityColumns = `e.id, e.kind, e.name, e.qualified_name, e.scope_qualified_name,
		e.connection_qualified_name, e.connector_type, e.attributes, e.created_at`
)

var (
	// ErrDatabaseUnavailable wraps failures caused by a lost or refused database connection.
	ErrDatabaseUnavailable = errors.New("database unavailable")

	_ catalog.Catalog = (*PostgresCatalog)(nil)
)

// filterColumns maps plain-valued search fields to their column.
var filterColumns = map[catalog.Field]string{
	catalog.FieldName:                    "e.name",
	catalog.FieldQualifiedName:           "e.qualified_name",
	catalog.FieldScopeQualifiedName:      "e.scope_qualified_name",
	catalog.FieldConnectionQualifiedName: "e.connection_qualified_name",
	catalog.FieldConnectorType:           "e.connector_type",
}

type (
	// PostgresCatalog is the durable catalog. Unlike a remote search index it
	// is read-after-write consistent, so lookups succeed on the first probe.
	PostgresCatalog struct {
		conn   *Connection
		logger *slog.Logger
	}

	// PostgresCatalogOption configures a PostgresCatalog.
	PostgresCatalogOption func(*PostgresCatalog)

	// rowScanner is satisfied by *sql.Row and *sql.Rows.
	rowScanner interface {
		Scan(dest ...any) error
	}
)

// WithCatalogLogger sets the catalog's logger.
func WithCatalogLogger(l *slog.Logger) PostgresCatalogOption {
	return func(c *PostgresCatalog) {
		c.logger = l
	}
}

// NewPostgresCatalog builds a catalog over conn. Returns ErrNoDatabaseConnection if conn is nil.
func NewPostgresCatalog(conn *Connection, opts ...PostgresCatalogOption) (*PostgresCatalog, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	c := &PostgresCatalog{conn: conn, logger: config.NewLogger()}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// HealthCheck delegates to the connection.
func (c *PostgresCatalog) HealthCheck(ctx context.Context) error {
	return c.conn.HealthCheck(ctx)
}

// Search implements catalog.Searcher.
func (c *PostgresCatalog) Search(ctx context.Context, q catalog.Query) (catalog.SearchResult, error) {
	if err := q.Validate(); err != nil {
		return catalog.SearchResult{}, err
	}

	where, args, err := buildWhere(q.Filters)
	if err != nil {
		return catalog.SearchResult{}, err
	}

	var total int64

	countSQL := "SELECT count(*) FROM catalog_entities e" + where
	if err := c.conn.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return catalog.SearchResult{}, classify("count entities", err)
	}

	order := " ORDER BY e.qualified_name"
	if q.SortByCreatedAsc {
		order = " ORDER BY e.created_at ASC, e.id ASC"
	}

	args = append(args, q.Limit(), q.Offset)
	selectSQL := "SELECT " + entityColumns + " FROM catalog_entities e" + where + order +
		" LIMIT $" + strconv.Itoa(len(args)-1) + " OFFSET $" + strconv.Itoa(len(args))

	entities, err := c.queryEntities(ctx, selectSQL, args...)
	if err != nil {
		return catalog.SearchResult{}, err
	}

	return catalog.SearchResult{ApproximateCount: total, Entities: entities}, nil
}

// Save implements catalog.Saver as an upsert on qualified name. A process's
// inputs and outputs are replaced wholesale on update.
func (c *PostgresCatalog) Save(ctx context.Context, d catalog.Draft) (catalog.MutationResult, error) {
	if err := d.Validate(); err != nil {
		return catalog.MutationResult{}, err
	}

	attributes, err := json.Marshal(d.Attributes)
	if err != nil {
		return catalog.MutationResult{}, fmt.Errorf("marshal attributes of %s: %w", d.QualifiedName, err)
	}

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return catalog.MutationResult{}, classify("begin save", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	// xmax = 0 only for rows this statement inserted.
	const upsert = `
		INSERT INTO catalog_entities (
			id, kind, type_name, name, qualified_name, scope_qualified_name,
			connection_qualified_name, connector_type, attributes
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (qualified_name) DO UPDATE SET
			name = EXCLUDED.name,
			scope_qualified_name = EXCLUDED.scope_qualified_name,
			connection_qualified_name = EXCLUDED.connection_qualified_name,
			connector_type = EXCLUDED.connector_type,
			attributes = EXCLUDED.attributes,
			updated_at = NOW()
		WHERE catalog_entities.kind = EXCLUDED.kind
			AND catalog_entities.name = EXCLUDED.name
			AND catalog_entities.scope_qualified_name = EXCLUDED.scope_qualified_name
		RETURNING id, created_at, (xmax = 0) AS inserted`

	var (
		saved    catalog.Entity
		inserted bool
	)

	err = tx.QueryRowContext(ctx, upsert,
		uuid.NewString(), d.Kind.String(), d.Kind.TypeName(), d.Name, d.QualifiedName,
		d.ScopeQualifiedName, d.ConnectionQualifiedName, d.ConnectorType, attributes,
	).Scan(&saved.ID, &saved.CreatedAt, &inserted)

	if errors.Is(err, sql.ErrNoRows) {
		return catalog.MutationResult{}, fmt.Errorf("%w: %s is held by another entity",
			catalog.ErrConflict, d.QualifiedName)
	}

	if err != nil {
		return catalog.MutationResult{}, classify("upsert "+d.QualifiedName, err)
	}

	if d.Kind == catalog.KindLineageEdge {
		if err := replaceEdges(ctx, tx, saved.ID, d); err != nil {
			return catalog.MutationResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return catalog.MutationResult{}, classify("commit save", err)
	}

	saved = d.Entity(saved.ID, saved.CreatedAt.UTC())

	c.logger.Debug("saved catalog entity",
		slog.String("id", saved.ID),
		slog.String("kind", saved.Kind.String()),
		slog.String("qualified_name", saved.QualifiedName),
		slog.Bool("created", inserted),
	)

	if inserted {
		return catalog.MutationResult{Created: []catalog.Entity{saved}}, nil
	}

	return catalog.MutationResult{Updated: []catalog.Entity{saved}}, nil
}

// Get implements catalog.Getter.
func (c *PostgresCatalog) Get(ctx context.Context, id string) (catalog.Entity, error) {
	if _, err := uuid.Parse(id); err != nil {
		return catalog.Entity{}, fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
	}

	entities, err := c.queryEntities(ctx,
		"SELECT "+entityColumns+" FROM catalog_entities e WHERE e.id = $1", id)
	if err != nil {
		return catalog.Entity{}, err
	}

	if len(entities) == 0 {
		return catalog.Entity{}, fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
	}

	return entities[0], nil
}

// TraverseDownstream implements catalog.Traverser with a recursive CTE that
// follows input edges into processes and output edges out of them. Results are
// ordered by hop distance; a process sorts just before the assets it writes.
func (c *PostgresCatalog) TraverseDownstream(
	ctx context.Context,
	startID string,
	opts catalog.TraverseOptions,
) (catalog.Iterator, error) {
	if _, err := c.Get(ctx, startID); err != nil {
		return nil, err
	}

	const traverse = `
		WITH RECURSIVE downstream (entity_id, process_id, depth) AS (
			SELECT o.entity_id, i.process_id, 1
			FROM process_edges i
			JOIN process_edges o ON o.process_id = i.process_id AND o.direction = 'output'
			WHERE i.entity_id = $1 AND i.direction = 'input'
			UNION
			SELECT o.entity_id, i.process_id, d.depth + 1
			FROM downstream d
			JOIN process_edges i ON i.entity_id = d.entity_id AND i.direction = 'input'
			JOIN process_edges o ON o.process_id = i.process_id AND o.direction = 'output'
			WHERE d.depth < $2
		),
		nodes (id, rank) AS (
			SELECT process_id, MIN(depth) * 2 - 1 FROM downstream GROUP BY process_id
			UNION ALL
			SELECT entity_id, MIN(depth) * 2 FROM downstream WHERE entity_id <> $1 GROUP BY entity_id
		)
		SELECT ` + entityColumns + `
		FROM nodes n
		JOIN catalog_entities e ON e.id = n.id
		WHERE NOT $3::boolean OR e.kind <> 'lineage_edge'
		ORDER BY n.rank, e.created_at, e.id
		LIMIT $4`

	limit := opts.Cap()

	entities, err := c.queryEntities(ctx, traverse, startID, limit, opts.AssetsOnly, limit)
	if err != nil {
		return nil, err
	}

	return catalog.NewSliceIterator(entities), nil
}

// Delete implements catalog.Deleter. Edges touching the entity go with it.
func (c *PostgresCatalog) Delete(ctx context.Context, id string) (catalog.MutationResult, error) {
	existing, err := c.Get(ctx, id)
	if err != nil {
		return catalog.MutationResult{}, err
	}

	res, err := c.conn.ExecContext(ctx, "DELETE FROM catalog_entities WHERE id = $1", id)
	if err != nil {
		return catalog.MutationResult{}, classify("delete "+id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return catalog.MutationResult{}, classify("delete "+id, err)
	}

	if n == 0 {
		return catalog.MutationResult{}, fmt.Errorf("%w: %s", catalog.ErrNotFound, id)
	}

	return catalog.MutationResult{Deleted: []catalog.Entity{existing}}, nil
}

func (c *PostgresCatalog) queryEntities(ctx context.Context, query string, args ...any) ([]catalog.Entity, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query entities", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var (
		entities  []catalog.Entity
		processes []string
	)

	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}

		if e.Kind == catalog.KindLineageEdge {
			processes = append(processes, e.ID)
		}

		entities = append(entities, e)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterate entities", err)
	}

	if len(processes) == 0 {
		return entities, nil
	}

	refs, err := c.loadEdges(ctx, processes)
	if err != nil {
		return nil, err
	}

	for i := range entities {
		if edges, ok := refs[entities[i].ID]; ok {
			entities[i].Inputs = edges[directionInput]
			entities[i].Outputs = edges[directionOutput]
		}
	}

	return entities, nil
}

// loadEdges returns process id -> direction -> refs, in saved order.
func (c *PostgresCatalog) loadEdges(ctx context.Context, processIDs []string) (map[string]map[string][]catalog.Ref, error) {
	const query = `
		SELECT pe.process_id, pe.direction, pe.entity_id, t.kind
		FROM process_edges pe
		JOIN catalog_entities t ON t.id = pe.entity_id
		WHERE pe.process_id = ANY($1)
		ORDER BY pe.process_id, pe.direction, pe.position`

	rows, err := c.conn.QueryContext(ctx, query, pq.Array(processIDs))
	if err != nil {
		return nil, classify("load process edges", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	out := make(map[string]map[string][]catalog.Ref, len(processIDs))

	for rows.Next() {
		var processID, direction, entityID, kind string
		if err := rows.Scan(&processID, &direction, &entityID, &kind); err != nil {
			return nil, classify("scan process edge", err)
		}

		k, err := catalog.ParseKind(kind)
		if err != nil {
			return nil, err
		}

		if out[processID] == nil {
			out[processID] = make(map[string][]catalog.Ref, 2) //nolint:mnd
		}

		out[processID][direction] = append(out[processID][direction], catalog.Ref{Kind: k, ID: entityID})
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterate process edges", err)
	}

	return out, nil
}

func replaceEdges(ctx context.Context, tx *sql.Tx, processID string, d catalog.Draft) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM process_edges WHERE process_id = $1", processID); err != nil {
		return classify("clear process edges", err)
	}

	const insert = `
		INSERT INTO process_edges (process_id, entity_id, direction, position)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`

	for direction, refs := range map[string][]catalog.Ref{directionInput: d.Inputs, directionOutput: d.Outputs} {
		for pos, ref := range refs {
			if _, err := uuid.Parse(ref.ID); err != nil {
				return fmt.Errorf("%w: process %q references unknown entity %s", catalog.ErrInvalidInput, d.Name, ref.ID)
			}

			_, err := tx.ExecContext(ctx, insert, processID, ref.ID, direction, pos)
			if isForeignKeyViolation(err) {
				return fmt.Errorf("%w: process %q references unknown entity %s", catalog.ErrInvalidInput, d.Name, ref.ID)
			}

			if err != nil {
				return classify("insert process edge", err)
			}
		}
	}

	return nil
}

func scanEntity(row rowScanner) (catalog.Entity, error) {
	var (
		e          catalog.Entity
		kind       string
		attributes []byte
	)

	err := row.Scan(
		&e.ID, &kind, &e.Name, &e.QualifiedName, &e.ScopeQualifiedName,
		&e.ConnectionQualifiedName, &e.ConnectorType, &attributes, &e.CreatedAt,
	)
	if err != nil {
		return catalog.Entity{}, classify("scan entity", err)
	}

	if e.Kind, err = catalog.ParseKind(kind); err != nil {
		return catalog.Entity{}, err
	}

	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &e.Attributes); err != nil {
			return catalog.Entity{}, fmt.Errorf("decode attributes of %s: %w", e.ID, err)
		}
	}

	e.CreatedAt = e.CreatedAt.UTC()

	return e, nil
}

// buildWhere renders filters as a WHERE clause with positional arguments.
func buildWhere(filters []catalog.Filter) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	clauses := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))

	for _, f := range filters {
		args = append(args, f.Value)
		ph := "$" + strconv.Itoa(len(args))

		switch f.Field {
		case catalog.FieldKind:
			k, err := catalog.ParseKind(f.Value)
			if err != nil {
				return "", nil, err
			}

			args[len(args)-1] = k.String()
			clauses = append(clauses, "e.kind = "+ph)
		case catalog.FieldInput, catalog.FieldOutput:
			direction := directionInput
			if f.Field == catalog.FieldOutput {
				direction = directionOutput
			}

			clauses = append(clauses, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM process_edges pe WHERE pe.process_id = e.id AND pe.direction = '%s' AND pe.entity_id::text = %s)",
				direction, ph))
		default:
			column, ok := filterColumns[f.Field]
			if !ok {
				return "", nil, fmt.Errorf("%w: unknown search field %q", catalog.ErrInvalidInput, f.Field)
			}

			if f.Op == catalog.OpPrefix {
				clauses = append(clauses, "starts_with("+column+", "+ph+")")
			} else {
				clauses = append(clauses, column+" = "+ph)
			}
		}
	}

	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// classify tags connection-level failures with ErrDatabaseUnavailable.
func classify(op string, err error) error {
	if isDatabaseConnectionError(err) {
		return fmt.Errorf("%w: %s: %w", ErrDatabaseUnavailable, op, err)
	}

	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s: %w", catalog.ErrInvalidInput, op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}
