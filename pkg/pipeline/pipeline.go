// Package pipeline sequences the ingestion run: archive expansion, candidate
// discovery, dedup gating, per-file normalization and upload, and terminal
// routing into the processed/failed areas.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	shared "github.com/fitglue/warehouse/pkg"
	"github.com/fitglue/warehouse/pkg/bootstrap"
	"github.com/fitglue/warehouse/pkg/domain/archive"
	"github.com/fitglue/warehouse/pkg/domain/dedup"
	"github.com/fitglue/warehouse/pkg/domain/fit_parser"
	"github.com/fitglue/warehouse/pkg/domain/metrics_csv"
	"github.com/fitglue/warehouse/pkg/domain/metrics_xlsx"
	"github.com/fitglue/warehouse/pkg/schema"
)

// candidate file suffixes recognized for ingestion, matched
// case-insensitively.
var ingestSuffixes = map[string]struct{}{
	".fit":  {},
	".csv":  {},
	".xlsx": {},
}

// Summary aggregates the outcome of one run.
type Summary struct {
	Succeeded int
	Failed    int
	Total     int
}

type Pipeline struct {
	cfg    *bootstrap.Config
	store  shared.TableStore
	logger *slog.Logger

	// Blobs, when set together with the artifact bucket, receives a copy of
	// each successfully parsed file's raw bytes before the file leaves the
	// staging area.
	Blobs shared.BlobStore

	// Now is overridable for collision-rename tests.
	Now func() time.Time
}

func New(cfg *bootstrap.Config, store shared.TableStore, logger *slog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, store: store, logger: logger}
}

// Run executes the full pipeline. The returned error is non-nil only for
// terminal failures (invalid configuration, unreachable destination) that
// abort the run before any file is touched; per-file failures are counted in
// the summary and never abort the run.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	if err := p.cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	// Tables must exist before discovery: the dedup gate queries them.
	p.logger.Info("Initializing destination store")
	if err := p.ensureDestination(ctx); err != nil {
		return nil, err
	}

	// Expansion settles fully before discovery so the directory is stable.
	p.logger.Info("Expanding archives")
	expander := &archive.Expander{
		Root:         p.cfg.InputDir,
		ProcessedDir: p.cfg.ProcessedDir,
		FailedDir:    p.cfg.FailedDir,
		Logger:       p.logger,
		Now:          p.Now,
	}
	if err := expander.Expand(); err != nil {
		return nil, err
	}

	p.logger.Info("Discovering candidate files")
	files, err := p.discover()
	if err != nil {
		return nil, err
	}
	p.logger.Info("Found candidate files", "count", len(files))

	gate := &dedup.Gate{
		Store:  p.store,
		Tables: []string{schema.SessionsTable, schema.MetricsTable},
		Logger: p.logger,
	}
	// The processed-hash snapshot is computed once, before any fan-out.
	candidates, err := gate.Unprocessed(ctx, files)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Total: len(candidates)}
	if len(candidates) == 0 {
		p.logger.Info("No unprocessed files found, pipeline complete")
		return summary, nil
	}
	p.logger.Info("Processing files", "count", len(candidates))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, cand := range candidates {
		g.Go(func() error {
			ok := p.processFile(gctx, cand)
			dest := p.cfg.ProcessedDir
			if !ok {
				dest = p.cfg.FailedDir
			}
			p.moveFile(cand.Path, dest)

			mu.Lock()
			if ok {
				summary.Succeeded++
			} else {
				summary.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	// Per-file outcomes are folded into the summary; the closures never
	// return an error.
	_ = g.Wait()

	p.logger.Info("Pipeline complete",
		"succeeded", summary.Succeeded, "failed", summary.Failed, "total", summary.Total)
	return summary, nil
}

func (p *Pipeline) ensureDestination(ctx context.Context) error {
	if err := p.store.EnsureDataset(ctx); err != nil {
		return fmt.Errorf("ensure dataset: %w", err)
	}
	tables := []struct {
		name  string
		table schema.Table
		opts  schema.TableOptions
	}{
		{schema.SessionsTable, schema.Sessions, schema.SessionsOptions},
		{schema.DetailsTable, schema.Details, schema.DetailsOptions},
		{schema.MetricsTable, schema.Metrics, schema.MetricsOptions},
	}
	for _, t := range tables {
		if err := p.store.EnsureTable(ctx, t.name, t.table, t.opts); err != nil {
			return fmt.Errorf("ensure table %s: %w", t.name, err)
		}
	}
	return nil
}

// discover enumerates ingestible files under the staging root, skipping the
// terminal areas and collapsing path variants that reach the same file.
func (p *Pipeline) discover() ([]string, error) {
	seen := map[string]struct{}{}
	var files []string

	err := filepath.WalkDir(p.cfg.InputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != p.cfg.InputDir &&
				(filepath.Clean(path) == filepath.Clean(p.cfg.ProcessedDir) ||
					filepath.Clean(path) == filepath.Clean(p.cfg.FailedDir)) {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := ingestSuffixes[strings.ToLower(filepath.Ext(d.Name()))]; !ok {
			return nil
		}

		resolved := path
		if abs, err := filepath.Abs(path); err == nil {
			resolved = abs
			if real, err := filepath.EvalSymlinks(abs); err == nil {
				resolved = real
			}
		}
		if _, dup := seen[resolved]; dup {
			return nil
		}
		seen[resolved] = struct{}{}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", p.cfg.InputDir, err)
	}

	sort.Strings(files)
	return files, nil
}

// processFile normalizes and uploads one candidate. It returns false for any
// per-file failure; errors never propagate past this boundary.
func (p *Pipeline) processFile(ctx context.Context, cand dedup.Candidate) bool {
	name := filepath.Base(cand.Path)
	logger := p.logger.With("file", name, "file_hash", cand.Digest)
	logger.Info("Processing file")

	data, err := os.ReadFile(cand.Path)
	if err != nil {
		logger.Error("Failed to read file", "error", err)
		return false
	}

	// Cheap content probes pick the normalizer; a file that matches no probe
	// falls back to its extension so the format-specific parser reports why
	// it is unusable.
	ok := false
	switch {
	case fit_parser.LooksLikeFit(data):
		ok = p.uploadFit(ctx, data, cand.Digest, name, logger)
	case metrics_csv.LooksLikeMetricsCSV(data):
		ok = p.uploadMetricsCSV(ctx, data, cand.Digest, name, logger)
	case metrics_xlsx.LooksLikeMetricsXLSX(data):
		ok = p.uploadMetricsXLSX(ctx, data, cand.Digest, name, logger)
	default:
		switch strings.ToLower(filepath.Ext(name)) {
		case ".fit":
			ok = p.uploadFit(ctx, data, cand.Digest, name, logger)
		case ".csv":
			ok = p.uploadMetricsCSV(ctx, data, cand.Digest, name, logger)
		case ".xlsx":
			ok = p.uploadMetricsXLSX(ctx, data, cand.Digest, name, logger)
		default:
			logger.Error("File does not match any expected format")
			return false
		}
	}
	if !ok {
		return false
	}

	p.backupArtifact(ctx, cand.Digest, name, data, logger)
	logger.Info("Successfully processed file")
	return true
}

func (p *Pipeline) uploadFit(ctx context.Context, data []byte, digest, name string, logger *slog.Logger) bool {
	res, err := fit_parser.Parse(data, digest, name)
	if err != nil {
		logger.Error("Failed to parse FIT file", "error", err)
		return false
	}
	for _, decodeErr := range res.DecodeErrors {
		logger.Warn("Partial FIT decode", "decode_error", decodeErr)
	}
	if len(res.Records) == 0 {
		logger.Warn("No records found in FIT file, skipping upload")
		return false
	}

	logger.Info("Uploading session", "records", len(res.Records))
	err = p.store.UploadSessionAndRecords(ctx, res.Session, res.Records,
		schema.SessionsTable, schema.DetailsTable, p.cfg.BatchSize)
	if err != nil {
		logger.Error("Upload failed", "error", err)
		return false
	}
	return true
}

func (p *Pipeline) uploadMetricsCSV(ctx context.Context, data []byte, digest, name string, logger *slog.Logger) bool {
	res, err := metrics_csv.Parse(data, digest, name, schema.Metrics.FieldNames())
	if err != nil {
		logger.Error("Failed to parse metrics CSV", "error", err)
		return false
	}
	for _, field := range res.UnknownFields {
		logger.Warn("Unknown metric field not in destination schema, dropped", "field", field)
	}
	return p.uploadMetrics(ctx, res.Records, logger)
}

func (p *Pipeline) uploadMetricsXLSX(ctx context.Context, data []byte, digest, name string, logger *slog.Logger) bool {
	records, err := metrics_xlsx.Parse(data, digest, name)
	if err != nil {
		logger.Error("Failed to parse metrics spreadsheet", "error", err)
		return false
	}
	return p.uploadMetrics(ctx, records, logger)
}

func (p *Pipeline) uploadMetrics(ctx context.Context, records []shared.Row, logger *slog.Logger) bool {
	if len(records) == 0 {
		logger.Warn("No metric rows produced, skipping upload")
		return false
	}
	logger.Info("Uploading metrics", "rows", len(records))
	if err := p.store.InsertBatch(ctx, schema.MetricsTable, records, p.cfg.BatchSize); err != nil {
		logger.Error("Upload failed", "error", err)
		return false
	}
	return true
}

// backupArtifact copies the raw input bytes to the artifact bucket. Failures
// are logged but do not fail the file; the upload already succeeded.
func (p *Pipeline) backupArtifact(ctx context.Context, digest, name string, data []byte, logger *slog.Logger) {
	if p.Blobs == nil || p.cfg.GCSArtifactBucket == "" {
		return
	}
	object := "raw/" + digest + "/" + name
	if err := p.Blobs.Write(ctx, p.cfg.GCSArtifactBucket, object, data); err != nil {
		logger.Warn("Failed to back up raw artifact", "object", object, "error", err)
	}
}

// moveFile relocates a handled file into a terminal area. The destination
// name is claimed with os.Link, which fails instead of overwriting, so
// concurrent workers moving same-named files within the same second cannot
// clobber each other. A taken name escalates to a timestamp suffix, then to
// a counter. A source missing at move time was already handled by a
// concurrent actor and is skipped.
func (p *Pipeline) moveFile(path, destDir string) {
	name := filepath.Base(path)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		p.logger.Warn("Cannot move file, already gone", "file", name)
		return
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for attempt := 0; ; attempt++ {
		var candidate string
		switch attempt {
		case 0:
			candidate = name
		case 1:
			candidate = stem + "_" + p.now().Format("20060102_150405") + ext
		default:
			candidate = fmt.Sprintf("%s_%s_%d%s", stem, p.now().Format("20060102_150405"), attempt-1, ext)
		}
		dest := filepath.Join(destDir, candidate)

		err := os.Link(path, dest)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			// Hard links need a shared filesystem; the claimed-name loop
			// degrades to a plain rename onto the unclaimed candidate.
			if err := os.Rename(path, dest); err != nil {
				p.logger.Error("Failed to move file", "file", name, "error", err)
				return
			}
			p.logger.Info("Moved file", "file", name, "to", filepath.Base(destDir))
			return
		}

		if err := os.Remove(path); err != nil {
			p.logger.Warn("Failed to remove staged copy after move", "file", name, "error", err)
		}
		p.logger.Info("Moved file", "file", name, "to", filepath.Base(destDir))
		return
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
