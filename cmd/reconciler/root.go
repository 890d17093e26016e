package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/correlator-io/reconciler/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

const name = "reconciler"

type rootOptions struct {
	store        string
	manifestPath string
	output       string
}

func main() {
	os.Exit(execute())
}

func execute() int {
	cmd := newRootCmd(config.NewLoggerTo(os.Stderr), nil)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		return 1
	}

	return 0
}

// newRootCmd builds the command tree. Logs go to logger; results go to the
// command's output writer.
func newRootCmd(logger *slog.Logger, open storeOpener) *cobra.Command {
	if open == nil {
		open = openStore
	}

	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   name,
		Short: "Reconcile storage assets and lineage into a metadata catalog",
		Long: "Resolve-or-create catalog entities for bucket listings and lineage CSVs " +
			"against an eventually consistent search index, and serve the catalog over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return validateFormat(opts.output)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.store, "store", config.GetEnvStr(config.Key("STORE"), storeMemory),
		"catalog store: memory, postgres or remote")
	flags.StringVar(&opts.manifestPath, "manifest", "",
		"manifest YAML (default $RECONCILER_MANIFEST_PATH, then .reconciler.yaml)")
	flags.StringVarP(&opts.output, "output", "o", formatText, "output format: text or json")

	// withApp builds the app for one invocation and closes it afterwards.
	withApp := func(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, logger, open)
			if err != nil {
				return err
			}

			defer func() {
				if err := a.Close(); err != nil {
					logger.Warn("Failed to release resources", slog.String("error", err.Error()))
				}
			}()

			return run(cmd, a, args)
		}
	}

	out := func(cmd *cobra.Command) *printer {
		return newPrinter(cmd.OutOrStdout(), opts.output)
	}

	root.AddCommand(
		newAssetsCmd(withApp, out),
		newLineageCmd(withApp, out),
		newFindCmd(withApp, out),
		newGetCmd(withApp, out),
		newPurgeCmd(withApp, out),
		newVerifyCmd(withApp, out),
		newServeCmd(withApp),
		newVersionCmd(out),
	)

	return root
}

type (
	appRunner  func(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error
	printerFor func(cmd *cobra.Command) *printer
)

func newVersionCmd(out printerFor) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := out(cmd)
			if p.json() {
				return p.JSON(map[string]string{"name": name, "version": version, "commit": commit})
			}

			return p.Linef("%s %s (%s)", name, version, commit)
		},
	}
}
