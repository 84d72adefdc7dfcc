package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eboa-io/eboa/migrations"
)

// ErrDropNotConfirmed is returned by migrate drop without --yes.
var ErrDropNotConfirmed = errors.New("drop removes every table; rerun with --yes to confirm")

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the EBOA database schema",
		Long: `Apply or roll back the schema migrations embedded in this binary.

Environment:
  DATABASE_URL          PostgreSQL connection string (required)
  EBOA_MIGRATION_TABLE  migration tracking table (default: schema_migrations)`,
	}

	var confirmed bool

	drop := &cobra.Command{
		Use:   "drop",
		Short: "Drop all tables",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if !confirmed {
				return ErrDropNotConfirmed
			}

			return withRunner((*migrations.Runner).Drop)
		},
	}
	drop.Flags().BoolVar(&confirmed, "yes", false, "confirm dropping every table")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return withRunner((*migrations.Runner).Up)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return withRunner((*migrations.Runner).Down)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withRunner(func(r *migrations.Runner) error {
					st, err := r.Status()
					if err != nil {
						return err
					}

					state := "clean"
					if st.Dirty {
						state = "dirty"
					}

					fmt.Fprintf(cmd.OutOrStdout(), "version %03d (%s), latest %03d, pending %d\n",
						st.Version, state, st.Latest, st.Pending())

					return nil
				})
			},
		},
		drop,
	)

	return cmd
}

func withRunner(fn func(*migrations.Runner) error) error {
	cfg, err := migrations.LoadConfig()
	if err != nil {
		return err
	}

	runner, err := migrations.NewRunner(cfg, migrations.WithLogger(newLogger()))
	if err != nil {
		return err
	}

	defer func() { _ = runner.Close() }()

	return fn(runner)
}
