package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/ingestion"
	"github.com/correlator-io/reconciler/internal/pipeline"
	"github.com/correlator-io/reconciler/internal/reconcile"
)

// ErrNoListings is returned when assets is run without --listing or --s3-bucket.
var ErrNoListings = errors.New("at least one --listing or --s3-bucket is required")

type (
	outcomeView struct {
		Kind   catalog.Kind   `json:"kind"`
		Name   string         `json:"name"`
		Scope  string         `json:"scope,omitempty"`
		Status string         `json:"status"`
		Entity catalog.Entity `json:"entity"`
	}

	assetReportView struct {
		RunID      string        `json:"runId"`
		Connection string        `json:"connection,omitempty"`
		Created    int           `json:"created"`
		Existing   int           `json:"existing"`
		DurationMS int64         `json:"durationMs"`
		Entities   []outcomeView `json:"entities"`
		Error      string        `json:"error,omitempty"`
	}

	edgeView struct {
		ProcessName string `json:"processName"`
		SourceID    string `json:"sourceId"`
		TargetID    string `json:"targetId"`
		ProcessID   string `json:"processId,omitempty"`
		Status      string `json:"status"`
		Verified    bool   `json:"verified"`
	}

	lineageReportView struct {
		RunID      string     `json:"runId"`
		Created    int        `json:"created"`
		Existing   int        `json:"existing"`
		NoOp       int        `json:"noop"`
		Unverified int        `json:"unverified"`
		DurationMS int64      `json:"durationMs"`
		Edges      []edgeView `json:"edges"`
		Error      string     `json:"error,omitempty"`
	}
)

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

func runIDOption(runID string) []pipeline.Option {
	if runID == "" {
		return nil
	}

	return []pipeline.Option{pipeline.WithRunID(runID)}
}

func newAssetsCmd(withApp appRunner, out printerFor) *cobra.Command {
	var (
		files   []string
		buckets []string
		runID   string
	)

	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Reconcile the manifest connection and every bucket and object in the listings",
		Example: "  reconciler assets --listing exports/sales-landing.xml\n" +
			"  reconciler --store postgres assets --s3-bucket sales-landing",
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			sources := make([]pipeline.ListingSource, 0, len(files)+len(buckets))
			for _, f := range files {
				sources = append(sources, pipeline.FileListing{Path: f})
			}

			if len(buckets) > 0 {
				lister, err := ingestion.NewS3Lister(ingestion.LoadS3Config())
				if err != nil {
					return fmt.Errorf("s3 lister: %w", err)
				}

				for _, b := range buckets {
					sources = append(sources, pipeline.BucketListing{Lister: lister, Bucket: b})
				}
			}

			if len(sources) == 0 {
				return ErrNoListings
			}

			listings, err := pipeline.LoadListings(cmd.Context(), sources...)
			if err != nil {
				return err
			}

			runner, err := a.runner(runIDOption(runID)...)
			if err != nil {
				return err
			}

			report, runErr := runner.RunAssets(cmd.Context(), listings...)
			if err := printAssetReport(out(cmd), report, runErr); err != nil {
				return err
			}

			return runErr
		}),
	}

	cmd.Flags().StringSliceVar(&files, "listing", nil, "exported ListBucketResult XML file (repeatable)")
	cmd.Flags().StringSliceVar(&buckets, "s3-bucket", nil, "live S3 bucket to list (repeatable)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id stamped on events (default: generated)")

	return cmd
}

func printAssetReport(p *printer, report *pipeline.AssetReport, runErr error) error {
	if report == nil {
		return nil
	}

	if p.json() {
		view := assetReportView{
			RunID:      report.RunID,
			Connection: report.Connection.QualifiedName,
			Created:    report.Created,
			Existing:   report.Existing,
			DurationMS: report.Duration.Milliseconds(),
			Entities:   make([]outcomeView, 0, len(report.Entities)),
			Error:      errString(runErr),
		}

		for _, o := range report.Entities {
			view.Entities = append(view.Entities, outcomeView{
				Kind:   o.Tuple.Kind,
				Name:   o.Tuple.Name,
				Scope:  o.Tuple.Scope,
				Status: status(o.Created),
				Entity: o.Entity,
			})
		}

		return p.JSON(view)
	}

	rows := make([][]string, 0, len(report.Entities))
	for _, o := range report.Entities {
		rows = append(rows, []string{o.Entity.Kind.String(), o.Entity.Name, o.Entity.QualifiedName, status(o.Created)})
	}

	if err := p.Table([]string{"KIND", "NAME", "QUALIFIED NAME", "STATUS"}, rows); err != nil {
		return err
	}

	return p.Linef("run %s: %d created, %d existing in %s",
		report.RunID, report.Created, report.Existing, report.Duration.Round(time.Millisecond))
}

func newLineageCmd(withApp appRunner, out printerFor) *cobra.Command {
	var (
		csvPath string
		runID   string
	)

	cmd := &cobra.Command{
		Use:     "lineage",
		Short:   "Ensure a lineage edge for every row of a source,intermediate,target CSV",
		Example: "  reconciler --manifest manifest.yaml lineage --csv lineage.csv",
		Args:    cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			edges, err := ingestion.ReadLineageCSVFile(csvPath, a.manifest)
			if err != nil {
				return err
			}

			runner, err := a.runner(runIDOption(runID)...)
			if err != nil {
				return err
			}

			report, runErr := runner.RunLineage(cmd.Context(), edges)
			if err := printLineageReport(out(cmd), report, runErr); err != nil {
				return err
			}

			return runErr
		}),
	}

	cmd.Flags().StringVar(&csvPath, "csv", "", "lineage CSV file")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id stamped on events (default: generated)")
	_ = cmd.MarkFlagRequired("csv")

	return cmd
}

func printLineageReport(p *printer, report *pipeline.LineageReport, runErr error) error {
	if report == nil {
		return nil
	}

	if p.json() {
		view := lineageReportView{
			RunID:      report.RunID,
			Created:    report.Created,
			Existing:   report.Existing,
			NoOp:       report.NoOp,
			Unverified: report.Unverified,
			DurationMS: report.Duration.Milliseconds(),
			Edges:      make([]edgeView, 0, len(report.Edges)),
			Error:      errString(runErr),
		}

		for _, e := range report.Edges {
			view.Edges = append(view.Edges, edgeView{
				ProcessName: e.ProcessName,
				SourceID:    e.Source.ID,
				TargetID:    e.Target.ID,
				ProcessID:   e.Process.ID,
				Status:      e.Status.String(),
				Verified:    e.Verified,
			})
		}

		return p.JSON(view)
	}

	rows := make([][]string, 0, len(report.Edges))
	for _, e := range report.Edges {
		rows = append(rows, []string{e.ProcessName, e.Source.QualifiedName, e.Target.QualifiedName, e.Status.String()})
	}

	if err := p.Table([]string{"PROCESS", "SOURCE", "TARGET", "STATUS"}, rows); err != nil {
		return err
	}

	return p.Linef("run %s: %d created, %d existing, %d noop, %d unverified in %s",
		report.RunID, report.Created, report.Existing, report.NoOp, report.Unverified,
		report.Duration.Round(time.Millisecond))
}

func newFindCmd(withApp appRunner, out printerFor) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Look up entities through the search index",
	}

	var connectorType string

	connection := &cobra.Command{
		Use:   "connection NAME",
		Short: "Resolve a connection by name",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			e, err := a.resolver.ResolveEntity(cmd.Context(),
				catalog.IdentityKey{Kind: catalog.KindConnection, Name: args[0]},
				reconcile.WithConnectorType(connectorType),
			)
			if err != nil {
				return err
			}

			return out(cmd).Entity(e)
		}),
	}
	connection.Flags().StringVar(&connectorType, "connector-type", "", "only match connections of this connector type")

	var inConnection string

	asset := &cobra.Command{
		Use:   "asset KIND NAME",
		Short: "Find an asset by kind and name within a connection",
		Example: "  reconciler find asset table orders --connection warehouse\n" +
			"  reconciler find asset container sales-landing --connection default/s3/1700000000",
		Args: cobra.ExactArgs(2), //nolint:mnd
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			kind, err := catalog.ParseKind(args[0])
			if err != nil {
				return err
			}

			qn, err := a.connectionQN(cmd.Context(), inConnection)
			if err != nil {
				return fmt.Errorf("connection %q: %w", inConnection, err)
			}

			e, err := a.resolver.FindInConnection(cmd.Context(), kind, args[1], qn)
			if err != nil {
				return err
			}

			return out(cmd).Entity(e)
		}),
	}
	asset.Flags().StringVar(&inConnection, "connection", "", "connection name, alias or qualified name")
	_ = asset.MarkFlagRequired("connection")

	var limit int

	list := &cobra.Command{
		Use:   "list CONNECTION",
		Short: "List the entities owned by a connection",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			qn, err := a.connectionQN(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("connection %q: %w", args[0], err)
			}

			entities, err := a.resolver.ListInConnection(cmd.Context(), qn, limit)
			if err != nil {
				return err
			}

			return out(cmd).Entities(entities)
		}),
	}
	list.Flags().IntVar(&limit, "limit", catalog.DefaultPageSize, "maximum entities to return")

	cmd.AddCommand(connection, asset, list)

	return cmd
}

func newGetCmd(withApp appRunner, out printerFor) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Fetch an entity by id",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			e, err := a.resolver.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return out(cmd).Entity(e)
		}),
	}
}

func newPurgeCmd(withApp appRunner, out printerFor) *cobra.Command {
	return &cobra.Command{
		Use:   "purge ID",
		Short: "Delete an entity by id",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			runner, err := a.runner()
			if err != nil {
				return err
			}

			deleted, err := runner.Purge(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			return out(cmd).Entities(deleted)
		}),
	}
}

func newVerifyCmd(withApp appRunner, out printerFor) *cobra.Command {
	return &cobra.Command{
		Use:   "verify SOURCE_ID TARGET_ID",
		Short: "Report whether the target is reachable downstream of the source",
		Args:  cobra.ExactArgs(2), //nolint:mnd
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			ok, err := a.builder.Verify(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			p := out(cmd)
			if p.json() {
				return p.JSON(map[string]any{"source": args[0], "target": args[1], "reachable": ok})
			}

			return p.Linef("reachable: %s", strconv.FormatBool(ok))
		}),
	}
}
