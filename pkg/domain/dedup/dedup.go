// Package dedup filters candidate files against the digests already present
// in the destination store. The gate is path-insensitive: the content digest
// is the sole key, never the file name.
package dedup

import (
	"context"
	"log/slog"
	"path/filepath"

	shared "github.com/fitglue/warehouse/pkg"
	"github.com/fitglue/warehouse/pkg/domain/hashing"
)

// HashColumn is the digest column shared by all dedup-participating tables.
const HashColumn = "file_hash"

// Candidate is a staged file that passed the gate.
type Candidate struct {
	Path   string
	Digest string
}

// Gate computes the processed-hash snapshot once per run and filters
// candidates against it.
type Gate struct {
	Store  shared.TableStore
	Tables []string // tables participating in dedup (sessions, metrics)
	Logger *slog.Logger
}

// ProcessedHashes queries the distinct digests already stored across the
// participating tables. A table that does not exist yet contributes nothing;
// that is the first-run bootstrap case, not an error.
func (g *Gate) ProcessedHashes(ctx context.Context) (map[string]struct{}, error) {
	hashes := map[string]struct{}{}
	for _, table := range g.Tables {
		values, err := g.Store.DistinctValues(ctx, table, HashColumn)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			hashes[v] = struct{}{}
		}
	}

	if len(hashes) == 0 {
		g.Logger.Info("No previously processed files found in store")
	} else {
		g.Logger.Info("Found previously processed files in store", "count", len(hashes))
	}
	return hashes, nil
}

// Unprocessed hashes each candidate and keeps those whose digest is absent
// from the store. Byte-identical files within one run collapse to the first
// path seen. A file whose digest cannot be computed is logged and excluded
// from this run, not retried.
func (g *Gate) Unprocessed(ctx context.Context, files []string) ([]Candidate, error) {
	processed, err := g.ProcessedHashes(ctx)
	if err != nil {
		return nil, err
	}

	var unprocessed []Candidate
	claimed := map[string]string{}
	for _, path := range files {
		digest, err := hashing.FileDigest(path)
		if err != nil {
			g.Logger.Error("Failed to hash candidate, excluding from run", "file", filepath.Base(path), "error", err)
			continue
		}

		if _, done := processed[digest]; done {
			g.Logger.Debug("Already processed", "file", filepath.Base(path))
			continue
		}
		if first, dup := claimed[digest]; dup {
			g.Logger.Info("Duplicate content in staging area, skipping",
				"file", filepath.Base(path), "duplicate_of", filepath.Base(first))
			continue
		}

		claimed[digest] = path
		unprocessed = append(unprocessed, Candidate{Path: path, Digest: digest})
		g.Logger.Info("New file", "file", filepath.Base(path))
	}

	return unprocessed, nil
}
