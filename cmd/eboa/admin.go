package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/eboa-io/eboa/internal/engine"
	"github.com/eboa-io/eboa/internal/valuetree"
)

func newInsertValuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "insert-values <event-uuid> <values.json>",
		Short: "Append a typed value tree to a stored event",
		Long: `Append the typed value tree in values.json (a JSON array of nodes) to the
values of a stored event. Every node is coerced first; one invalid node rejects
the whole tree.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid event uuid %q: %w", args[0], err)
			}

			nodes, err := readValueTree(args[1])
			if err != nil {
				return err
			}

			a, err := newApp(newLogger())
			if err != nil {
				return err
			}
			defer a.Close()

			return a.processor.InsertEventValues(cmd.Context(), eventID, nodes)
		},
	}
}

func readValueTree(path string) ([]valuetree.Node, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var nodes []valuetree.Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("%s is not a value tree: %w", path, err)
	}

	return nodes, nil
}

func newSolveAlertCmd() *cobra.Command {
	var (
		entity        string
		justification string
	)

	cmd := &cobra.Command{
		Use:   "solve-alert <alert-uuid>",
		Short: "Mark an alert solved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alertID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid alert uuid %q: %w", args[0], err)
			}

			if !engine.EntityType(entity).IsValid() {
				return fmt.Errorf("unknown entity %q", entity)
			}

			a, err := newApp(newLogger())
			if err != nil {
				return err
			}
			defer a.Close()

			return a.store.SolveAlert(cmd.Context(), engine.EntityType(entity), alertID, justification)
		},
	}

	cmd.Flags().StringVar(&entity, "entity", string(engine.EntityEvent),
		"entity type of the alert: event, annotation, source or explicit_ref")
	cmd.Flags().StringVar(&justification, "justification", "", "reason the alert is solved")

	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the database is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(newLogger())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.processor.HealthCheck(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "ok")

			return nil
		},
	}
}
