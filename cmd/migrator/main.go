// Package main provides the database migration tool for the reconciler's
// Postgres catalog store. Migrations are embedded in the binary unless
// RECONCILER_MIGRATIONS_PATH points at a directory.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/correlator-io/reconciler/internal/config"
)

var version = "dev"

const name = "migrator"

func main() {
	if err := newRootCmd(config.NewLoggerTo(os.Stderr), nil).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openFunc builds a Runner for a command; tests substitute their own.
type openFunc func(ctx context.Context, cfg *Config, logger *slog.Logger) (migrationRunner, error)

type migrationRunner interface {
	Up() error
	Down() error
	Status() (Status, error)
	Drop() error
	Close() error
}

func defaultOpen(ctx context.Context, cfg *Config, logger *slog.Logger) (migrationRunner, error) {
	return NewRunner(ctx, cfg, logger)
}

func newRootCmd(logger *slog.Logger, open openFunc) *cobra.Command {
	if open == nil {
		open = defaultOpen
	}

	root := &cobra.Command{
		Use:           name,
		Short:         "Database migration tool for the reconciler catalog store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	withRunner := func(run func(cmd *cobra.Command, r migrationRunner) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg := LoadConfig()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}

			r, err := open(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := r.Close(); err != nil {
					logger.Warn("Failed to close migration runner", slog.String("error", err.Error()))
				}
			}()

			return run(cmd, r)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE:  withRunner(func(_ *cobra.Command, r migrationRunner) error { return r.Up() }),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE:  withRunner(func(_ *cobra.Command, r migrationRunner) error { return r.Down() }),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the schema version and pending migrations",
			Args:  cobra.NoArgs,
			RunE: withRunner(func(cmd *cobra.Command, r migrationRunner) error {
				st, err := r.Status()
				if err != nil {
					return err
				}

				printStatus(cmd.OutOrStdout(), st)

				return nil
			}),
		},
		newDropCmd(withRunner),
		&cobra.Command{
			Use:   "version",
			Short: "Print the migrator version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", name, version)
			},
		},
	)

	return root
}

func newDropCmd(
	withRunner func(func(*cobra.Command, migrationRunner) error) func(*cobra.Command, []string) error,
) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop all tables (asks for confirmation unless --yes)",
		Args:  cobra.NoArgs,
		RunE: withRunner(func(cmd *cobra.Command, r migrationRunner) error {
			if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout()) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Operation cancelled.")

				return nil
			}

			return r.Drop()
		}),
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

func confirm(in io.Reader, out io.Writer) bool {
	_, _ = fmt.Fprint(out, "WARNING: This will drop all tables. Are you sure? (y/N): ")

	line, _ := bufio.NewReader(in).ReadString('\n')

	return strings.EqualFold(strings.TrimSpace(line), "y")
}

func printStatus(w io.Writer, st Status) {
	if !st.Applied {
		_, _ = fmt.Fprintf(w, "Database schema: none applied\nMigrator supports: v%03d\nPending: %d\n", st.Latest, st.Latest)

		return
	}

	state := "clean"
	if st.Dirty {
		state = "dirty (needs manual intervention)"
	}

	_, _ = fmt.Fprintf(w, "Database schema: v%03d (%s)\nMigrator supports: v%03d\n", st.Version, state, st.Latest)

	switch pending := st.Pending(); {
	case pending == 0:
		_, _ = fmt.Fprintln(w, "Up to date")
	case pending > 0:
		_, _ = fmt.Fprintf(w, "Pending: %d\n", pending)
	default:
		_, _ = fmt.Fprintln(w, "Database schema is newer than this migrator")
	}
}
