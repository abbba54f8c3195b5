// Package archive discovers and unpacks compressed inputs in the staging
// directory before file discovery runs. Extraction can reveal nested
// archives, so the scan-extract cycle repeats until it reaches a fixed
// point, bounded by a hard pass ceiling.
package archive

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mholt/archiver/v3"
)

// DefaultMaxPasses bounds the scan-extract cycle. Archives nested deeper
// than this remain unexpanded and are reported as a warning.
const DefaultMaxPasses = 10

// generic archive suffixes handled by the unpack utility; longest first so
// ".tar.gz" wins over ".gz".
var unpackSuffixes = []string{
	".tar.gz", ".tar.bz2", ".tar.xz",
	".tgz", ".tbz2", ".txz",
	".tar", ".zip",
}

type Expander struct {
	Root         string
	ProcessedDir string // receives an "archives" subdirectory
	FailedDir    string // receives an "archives" subdirectory
	MaxPasses    int
	Logger       *slog.Logger

	// Now is overridable for collision-rename tests.
	Now func() time.Time
}

// Expand runs the scan-extract cycle to completion or to the pass ceiling.
// Extraction failure for one archive routes it to failed/archives and the
// cycle continues; only setup errors (unable to create the terminal
// directories) abort.
func (e *Expander) Expand() error {
	processedArchives := filepath.Join(e.ProcessedDir, "archives")
	failedArchives := filepath.Join(e.FailedDir, "archives")
	for _, dir := range []string{processedArchives, failedArchives} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create archive dir %s: %w", dir, err)
		}
	}

	maxPasses := e.MaxPasses
	if maxPasses <= 0 {
		maxPasses = DefaultMaxPasses
	}

	for pass := 1; pass <= maxPasses; pass++ {
		archives, err := e.scan()
		if err != nil {
			return err
		}
		if len(archives) == 0 {
			return nil
		}
		e.Logger.Info("Extracting archives", "pass", pass, "count", len(archives))

		extracted := 0
		for _, path := range archives {
			if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
				// Already handled by an earlier iteration.
				continue
			}

			if err := e.extract(path); err != nil {
				e.Logger.Error("Failed to extract archive", "archive", filepath.Base(path), "error", err)
				e.moveArchive(path, failedArchives)
				continue
			}
			extracted++
			e.moveArchive(path, processedArchives)
		}

		// Zero successful extractions means nothing new can appear on the
		// next scan; stop rather than loop on persistent failures.
		if extracted == 0 {
			return nil
		}
	}

	if remaining, err := e.scan(); err == nil && len(remaining) > 0 {
		e.Logger.Warn("Archive expansion pass ceiling reached; some nested archives remain unexpanded",
			"remaining", len(remaining), "max_passes", maxPasses)
	}
	return nil
}

// scan walks the staging root for known archive suffixes, skipping the
// processed/failed terminal areas.
func (e *Expander) scan() ([]string, error) {
	var archives []string
	err := filepath.WalkDir(e.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A directory vanishing mid-walk is not fatal to the scan.
			return nil
		}
		if d.IsDir() {
			if path != e.Root && (samePath(path, e.ProcessedDir) || samePath(path, e.FailedDir)) {
				return filepath.SkipDir
			}
			return nil
		}
		if isArchive(d.Name()) {
			archives = append(archives, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", e.Root, err)
	}
	return archives, nil
}

// extract unpacks one archive into its own containing directory. General
// archives go through the unpack utility; a bare gzip file is decompressed
// into a sibling file with the .gz suffix stripped.
func (e *Expander) extract(path string) error {
	if isBareGzip(path) {
		return gunzipFile(path, strings.TrimSuffix(path, filepath.Ext(path)))
	}
	return archiver.Unarchive(path, filepath.Dir(path))
}

// moveArchive relocates a handled archive into a terminal area, renaming
// with a timestamp prefix on name collision. Move failures are logged, not
// propagated; the source either stays for the next run or was already gone.
func (e *Expander) moveArchive(path, destDir string) {
	dest := filepath.Join(destDir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		dest = filepath.Join(destDir, e.now().Format("20060102_150405")+"_"+filepath.Base(path))
	}
	if err := os.Rename(path, dest); err != nil {
		e.Logger.Error("Failed to move archive", "archive", filepath.Base(path), "error", err)
	}
}

func (e *Expander) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func gunzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("gzip %s: %w", filepath.Base(src), err)
	}
	defer gz.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, gz); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("decompress %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}

func isArchive(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range unpackSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return isBareGzip(lower)
}

// isBareGzip reports whether name is a single-file gzip, as opposed to a
// gzip-compressed tar.
func isBareGzip(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".gz") && !strings.HasSuffix(lower, ".tar.gz")
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
