package archive

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newExpander(t *testing.T) (*Expander, string) {
	t.Helper()
	root := t.TempDir()
	e := &Expander{
		Root:         root,
		ProcessedDir: filepath.Join(root, "processed"),
		FailedDir:    filepath.Join(root, "failed"),
		Logger:       testLogger(),
	}
	return e, root
}

func writeZip(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func zipBytes(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExpand_FlatZip(t *testing.T) {
	e, root := newExpander(t)
	writeZip(t, filepath.Join(root, "export.zip"), map[string][]byte{
		"ride.fit":    []byte("fit-bytes"),
		"metrics.csv": []byte("Timestamp,Type,Value\n"),
	})

	require.NoError(t, e.Expand())

	assert.FileExists(t, filepath.Join(root, "ride.fit"))
	assert.FileExists(t, filepath.Join(root, "metrics.csv"))
	assert.FileExists(t, filepath.Join(root, "processed", "archives", "export.zip"))
	assert.NoFileExists(t, filepath.Join(root, "export.zip"))
}

func TestExpand_NestedArchiveTerminates(t *testing.T) {
	e, root := newExpander(t)
	inner := zipBytes(t, map[string][]byte{"walk.fit": []byte("inner-fit")})
	writeZip(t, filepath.Join(root, "outer.zip"), map[string][]byte{"inner.zip": inner})

	require.NoError(t, e.Expand())

	assert.FileExists(t, filepath.Join(root, "walk.fit"))
	assert.FileExists(t, filepath.Join(root, "processed", "archives", "outer.zip"))
	assert.FileExists(t, filepath.Join(root, "processed", "archives", "inner.zip"))

	remaining, err := e.scan()
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestExpand_PassCeilingLeavesDeepNestingUnexpanded(t *testing.T) {
	e, root := newExpander(t)
	e.MaxPasses = 1

	inner := zipBytes(t, map[string][]byte{"walk.fit": []byte("inner-fit")})
	writeZip(t, filepath.Join(root, "outer.zip"), map[string][]byte{"inner.zip": inner})

	require.NoError(t, e.Expand())

	// The single pass handled the outer archive; the inner one surfaced too
	// late and stays behind for the next run.
	assert.FileExists(t, filepath.Join(root, "processed", "archives", "outer.zip"))
	assert.FileExists(t, filepath.Join(root, "inner.zip"))
	assert.NoFileExists(t, filepath.Join(root, "walk.fit"))

	remaining, err := e.scan()
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	// A subsequent run finishes the job.
	require.NoError(t, e.Expand())
	assert.FileExists(t, filepath.Join(root, "walk.fit"))
	assert.FileExists(t, filepath.Join(root, "processed", "archives", "inner.zip"))
}

func TestExpand_CorruptArchiveRoutedToFailed(t *testing.T) {
	e, root := newExpander(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.zip"), []byte("not a zip"), 0o644))
	writeZip(t, filepath.Join(root, "good.zip"), map[string][]byte{"a.csv": []byte("x")})

	require.NoError(t, e.Expand())

	assert.FileExists(t, filepath.Join(root, "failed", "archives", "broken.zip"))
	assert.FileExists(t, filepath.Join(root, "processed", "archives", "good.zip"))
	assert.FileExists(t, filepath.Join(root, "a.csv"))
}

func TestExpand_BareGzipStripsSuffix(t *testing.T) {
	e, root := newExpander(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte("Timestamp,Type,Value\n2024-01-01 00:00:00,Pulse,60\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(filepath.Join(root, "wellness.csv.gz"), buf.Bytes(), 0o644))

	require.NoError(t, e.Expand())

	data, err := os.ReadFile(filepath.Join(root, "wellness.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Pulse,60")
	assert.FileExists(t, filepath.Join(root, "processed", "archives", "wellness.csv.gz"))
}

func TestExpand_CollisionRename(t *testing.T) {
	e, root := newExpander(t)
	e.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC) }

	archiveDir := filepath.Join(root, "processed", "archives")
	require.NoError(t, os.MkdirAll(archiveDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(archiveDir, "export.zip"), []byte("earlier run"), 0o644))

	writeZip(t, filepath.Join(root, "export.zip"), map[string][]byte{"b.fit": []byte("y")})

	require.NoError(t, e.Expand())

	assert.FileExists(t, filepath.Join(archiveDir, "20240301_123045_export.zip"))
	// The earlier run's archive is untouched.
	data, err := os.ReadFile(filepath.Join(archiveDir, "export.zip"))
	require.NoError(t, err)
	assert.Equal(t, "earlier run", string(data))
}

func TestIsArchive(t *testing.T) {
	for _, name := range []string{"a.zip", "a.tar", "a.tar.gz", "a.tgz", "a.tar.bz2", "a.tbz2", "a.tar.xz", "a.txz", "a.csv.gz", "A.ZIP"} {
		assert.True(t, isArchive(name), name)
	}
	for _, name := range []string{"a.fit", "a.csv", "a.xlsx", "gzip.txt"} {
		assert.False(t, isArchive(name), name)
	}
}

func TestIsBareGzip(t *testing.T) {
	assert.True(t, isBareGzip("wellness.csv.gz"))
	assert.False(t, isBareGzip("export.tar.gz"))
}
