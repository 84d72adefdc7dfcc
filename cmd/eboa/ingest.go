package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eboa-io/eboa/internal/config"
	"github.com/eboa-io/eboa/internal/engine"
)

const defaultParallelism = 4

// ErrOperationsFailed is returned by ingest when at least one operation was rejected.
var ErrOperationsFailed = errors.New("operations failed")

// fileResult is the line printed for every ingested file.
type fileResult struct {
	File     string          `json:"file"`
	Statuses []engine.Status `json:"statuses"`
}

// documentTreater is the part of the processor the ingest command needs.
type documentTreater interface {
	TreatJSON(ctx context.Context, data []byte) []engine.Status
}

func newIngestCmd() *cobra.Command {
	var parallelism int

	cmd := &cobra.Command{
		Use:   "ingest <file-or-dir>...",
		Short: "Ingest operation documents from JSON files",
		Long: `Ingest one or more operation documents. Directories are expanded to the
*.json files they contain. Files are treated in parallel; the operations of a
file are treated in order, each in its own transaction.

One JSON line with the statuses of its operations is printed per file.

Examples:
  eboa ingest S2A_REP_PASS_E.json
  eboa ingest --parallelism 8 /data/inbox`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectFiles(args)
			if err != nil {
				return err
			}

			logger := newLogger()

			a, err := newApp(logger)
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := ingestFiles(cmd.Context(), a.processor, files, parallelism)
			if err != nil {
				return err
			}

			return report(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().IntVar(&parallelism, "parallelism",
		config.GetEnvInt("EBOA_INGEST_PARALLELISM", defaultParallelism),
		"number of files treated concurrently")

	return cmd
}

// collectFiles expands directories to their *.json files and returns every
// path once, sorted.
func collectFiles(args []string) ([]string, error) {
	seen := make(map[string]bool)

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", arg, err)
		}

		if !info.IsDir() {
			seen[arg] = true

			continue
		}

		matches, err := filepath.Glob(filepath.Join(arg, "*.json"))
		if err != nil {
			return nil, err
		}

		for _, m := range matches {
			seen[m] = true
		}
	}

	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}

	sort.Strings(files)

	return files, nil
}

// ingestFiles treats files with at most parallelism documents in flight.
// An unreadable file stops the run; rejected operations do not.
func ingestFiles(ctx context.Context, treater documentTreater, files []string, parallelism int) ([]fileResult, error) {
	if parallelism < 1 {
		parallelism = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	results := make([]fileResult, len(files))

	for i, file := range files {
		g.Go(func() error {
			data, err := os.ReadFile(file) //nolint:gosec // paths come from the command line
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", file, err)
			}

			statuses := treater.TreatJSON(ctx, data)

			results[i] = fileResult{File: file, Statuses: statuses}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// report prints one line per file and fails when any operation was rejected.
func report(w io.Writer, results []fileResult) error {
	enc := json.NewEncoder(w)

	total, failed := 0, 0

	var failedFiles []string

	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return err
		}

		fileFailed := false

		for _, s := range r.Statuses {
			total++

			if !s.OK() {
				failed++
				fileFailed = true
			}
		}

		if fileFailed {
			failedFiles = append(failedFiles, r.File)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d (%s)", ErrOperationsFailed, failed, total, strings.Join(failedFiles, ", "))
	}

	return nil
}
