// Command warehouse ingests wearable export files from a staging directory
// into BigQuery.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fitglue/warehouse/pkg/bootstrap"
	"github.com/fitglue/warehouse/pkg/domain/fit_parser"
	"github.com/fitglue/warehouse/pkg/domain/hashing"
	"github.com/fitglue/warehouse/pkg/infrastructure/bigquery"
	"github.com/fitglue/warehouse/pkg/infrastructure/sentry"
	"github.com/fitglue/warehouse/pkg/infrastructure/storage"
	"github.com/fitglue/warehouse/pkg/pipeline"
)

var version = "dev"

func main() {
	os.Exit(execute())
}

func execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "warehouse",
		Short:         "Fitness export ingestion pipeline",
		Long:          "Ingests FIT activity files and wellness metric exports into BigQuery, deduplicating by content hash.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newRunCmd(), newHashCmd(), newInspectCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one ingestion pass over the staging directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := bootstrap.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := bootstrap.NewLogger(cfg.LogLevel)
			if err := sentry.Init(sentry.Config{
				DSN:     cfg.SentryDSN,
				Release: version,
			}, logger); err != nil {
				logger.Warn("Sentry disabled", "error", err)
			}
			defer sentry.Flush(2 * time.Second)

			ctx := cmd.Context()
			store, err := bigquery.New(ctx, cfg.ProjectID, cfg.DatasetID, cfg.Location, logger)
			if err != nil {
				return fmt.Errorf("connect to BigQuery: %w", err)
			}
			defer store.Close()

			p := pipeline.New(cfg, store, logger)
			if cfg.GCSArtifactBucket != "" {
				blobs, err := storage.New(ctx)
				if err != nil {
					return fmt.Errorf("connect to GCS: %w", err)
				}
				p.Blobs = blobs
			}

			summary, err := p.Run(ctx)
			if err != nil {
				sentry.CaptureError(err)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Processed %d file(s): %d succeeded, %d failed\n",
				summary.Total, summary.Succeeded, summary.Failed)
			if summary.Failed > 0 {
				return fmt.Errorf("%d file(s) failed, see the failed directory", summary.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file overriding environment defaults")
	return cmd
}

// fieldStats accumulates min/max/avg over one numeric detail-record field.
type fieldStats struct {
	count    int
	min, max float64
	sum      float64
}

func (fs *fieldStats) update(v float64) {
	if fs.count == 0 || v < fs.min {
		fs.min = v
	}
	if fs.count == 0 || v > fs.max {
		fs.max = v
	}
	fs.count++
	fs.sum += v
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Decode a FIT file and print what the pipeline would upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			digest := hashing.Digest(data)
			res, err := fit_parser.Parse(data, digest, filepath.Base(args[0]))
			if err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "file_hash: %s\n\n=== SESSION ===\n", digest)
			sw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, key := range sortedKeys(res.Session) {
				fmt.Fprintf(sw, "%s\t%v\n", key, res.Session[key])
			}
			sw.Flush()

			stats := map[string]*fieldStats{}
			for _, rec := range res.Records {
				for key, val := range rec {
					var v float64
					switch t := val.(type) {
					case int64:
						v = float64(t)
					case float64:
						v = t
					default:
						continue
					}
					fs, ok := stats[key]
					if !ok {
						fs = &fieldStats{}
						stats[key] = fs
					}
					fs.update(v)
				}
			}

			fmt.Fprintf(out, "\n=== RECORDS: %d ===\n", len(res.Records))
			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "Field\tCount\tCoverage\tMin\tMax\tAvg")
			for _, key := range sortedKeys(stats) {
				fs := stats[key]
				coverage := float64(fs.count) / float64(len(res.Records)) * 100
				fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%.2f\t%.2f\t%.2f\n",
					key, fs.count, coverage, fs.min, fs.max, fs.sum/float64(fs.count))
			}
			w.Flush()

			for _, decodeErr := range res.DecodeErrors {
				fmt.Fprintf(out, "decode warning: %s\n", decodeErr)
			}
			return nil
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash FILE...",
		Short: "Print the content digest used for deduplication",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				digest, err := hashing.FileDigest(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", digest, path)
			}
			return nil
		},
	}
}
