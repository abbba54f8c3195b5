package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/muktihari/fit/encoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"
	"github.com/muktihari/fit/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shared "github.com/fitglue/warehouse/pkg"
	"github.com/fitglue/warehouse/pkg/bootstrap"
	"github.com/fitglue/warehouse/pkg/schema"
	"github.com/fitglue/warehouse/pkg/testing/mocks"
)

const metricsCSV = "Timestamp,Type,Value\n" +
	"2024-03-01 06:00:00,Sleep Hours,7.5\n" +
	"2024-03-01 06:00:00,Pulse,48\n" +
	"2024-03-01 07:00:00,Pulse,52\n"

func newTestPipeline(t *testing.T) (*Pipeline, *mocks.MockTableStore, *bootstrap.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := &bootstrap.Config{
		ProjectID:    "test-project",
		DatasetID:    "fitness_data",
		InputDir:     filepath.Join(root, "files"),
		ProcessedDir: filepath.Join(root, "processed"),
		FailedDir:    filepath.Join(root, "failed"),
		BatchSize:    100,
		Workers:      1,
	}
	require.NoError(t, cfg.EnsureDirs())
	store := mocks.NewMockTableStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, store, logger), store, cfg
}

func stage(t *testing.T, cfg *bootstrap.Config, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(cfg.InputDir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func encodeFitActivity(t *testing.T) []byte {
	t.Helper()
	start := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	fit := &proto.FIT{}
	fileID := mesgdef.NewFileId(nil).
		SetType(typedef.FileActivity).
		SetManufacturer(typedef.ManufacturerGarmin).
		SetProduct(1735).
		SetTimeCreated(start)
	fit.Messages = append(fit.Messages, fileID.ToMesg(nil))
	for i := 0; i < 10; i++ {
		rec := mesgdef.NewRecord(nil).
			SetTimestamp(start.Add(time.Duration(i) * time.Second)).
			SetHeartRate(uint8(120 + i))
		fit.Messages = append(fit.Messages, rec.ToMesg(nil))
	}
	session := mesgdef.NewSession(nil).
		SetTimestamp(start.Add(30 * time.Minute)).
		SetStartTime(start).
		SetSport(typedef.SportRunning)
	fit.Messages = append(fit.Messages, session.ToMesg(nil))

	var buf bytes.Buffer
	require.NoError(t, encoder.New(&buf).Encode(fit))
	return buf.Bytes()
}

func TestRun_MetricsCSVEndToEnd(t *testing.T) {
	p, store, cfg := newTestPipeline(t)
	stage(t, cfg, "wellness.csv", []byte(metricsCSV))

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Summary{Succeeded: 1, Failed: 0, Total: 1}, summary)

	rows := store.Rows[schema.MetricsTable]
	require.Len(t, rows, 2) // pivoted: one row per distinct timestamp
	assert.Equal(t, 7.5, rows[0]["sleep_hours"])
	assert.Equal(t, int64(48), rows[0]["pulse"])

	assert.FileExists(t, filepath.Join(cfg.ProcessedDir, "wellness.csv"))
	assert.NoFileExists(t, filepath.Join(cfg.InputDir, "wellness.csv"))
}

func TestRun_Idempotence(t *testing.T) {
	p, store, cfg := newTestPipeline(t)
	stage(t, cfg, "wellness.csv", []byte(metricsCSV))

	first, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.Succeeded)
	uploaded := len(store.Rows[schema.MetricsTable])

	// The same bytes reappear under a different name. The digest is already
	// in the store, so nothing uploads and nothing moves.
	stale := stage(t, cfg, "wellness_copy.csv", []byte(metricsCSV))
	second, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Summary{Total: 0}, second)
	assert.Len(t, store.Rows[schema.MetricsTable], uploaded)
	assert.FileExists(t, stale)
}

func TestRun_DedupPathInsensitivity(t *testing.T) {
	p, store, cfg := newTestPipeline(t)
	stage(t, cfg, "a.csv", []byte(metricsCSV))
	stage(t, cfg, "b.csv", []byte(metricsCSV))

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	// Byte-identical content under two names is one candidate, one upload.
	assert.Equal(t, 1, summary.Succeeded)
	assert.Len(t, store.Rows[schema.MetricsTable], 2)
}

func TestRun_PartialFailureRoutesToFailed(t *testing.T) {
	p, store, cfg := newTestPipeline(t)
	stage(t, cfg, "run.fit", encodeFitActivity(t))

	// Detail rows land, then the summary insert is forced to fail.
	store.InsertBatchFunc = func(ctx context.Context, table string, rows []shared.Row, batchSize int) error {
		if table == schema.SessionsTable {
			return errors.New("insert quota exceeded")
		}
		store.Rows[table] = append(store.Rows[table], rows...)
		return nil
	}

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Summary{Succeeded: 0, Failed: 1, Total: 1}, summary)
	assert.Len(t, store.Rows[schema.DetailsTable], 10)
	assert.Empty(t, store.Rows[schema.SessionsTable])
	assert.FileExists(t, filepath.Join(cfg.FailedDir, "run.fit"))
}

func TestRun_UnrecognizedContentRoutesToFailed(t *testing.T) {
	p, _, cfg := newTestPipeline(t)
	stage(t, cfg, "junk.fit", []byte("not a telemetry file at all"))

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Summary{Succeeded: 0, Failed: 1, Total: 1}, summary)
	assert.FileExists(t, filepath.Join(cfg.FailedDir, "junk.fit"))
}

func TestRun_ExpandsArchiveBeforeDiscovery(t *testing.T) {
	p, store, cfg := newTestPipeline(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("export/wellness.csv")
	require.NoError(t, err)
	_, err = w.Write([]byte(metricsCSV))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	stage(t, cfg, "export.zip", buf.Bytes())

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Len(t, store.Rows[schema.MetricsTable], 2)
	assert.FileExists(t, filepath.Join(cfg.ProcessedDir, "archives", "export.zip"))
}

func TestRun_SessionUploadWithRawArtifactBackup(t *testing.T) {
	p, store, cfg := newTestPipeline(t)
	cfg.GCSArtifactBucket = "warehouse-raw"
	blobs := mocks.NewMockBlobStore()
	p.Blobs = blobs
	stage(t, cfg, "run.fit", encodeFitActivity(t))

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	require.Len(t, store.Rows[schema.SessionsTable], 1)
	assert.Len(t, store.Rows[schema.DetailsTable], 10)
	assert.Len(t, blobs.Objects, 1)
}

func TestRun_WorkersProcessIndependently(t *testing.T) {
	p, store, cfg := newTestPipeline(t)
	cfg.Workers = 4
	stage(t, cfg, "a.csv", []byte(metricsCSV))
	stage(t, cfg, "b.csv", []byte(metricsCSV+"2024-03-02 06:00:00,Pulse,50\n"))
	stage(t, cfg, "junk.fit", []byte("garbage"))

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.NotEmpty(t, store.Rows[schema.MetricsTable])
}

func TestRun_FatalWhenDestinationUnreachable(t *testing.T) {
	p, store, cfg := newTestPipeline(t)
	stage(t, cfg, "wellness.csv", []byte(metricsCSV))
	store.EnsureDatasetFunc = func(ctx context.Context) error {
		return errors.New("permission denied")
	}

	_, err := p.Run(context.Background())
	require.Error(t, err)
	// Terminal failure aborts before any file is touched.
	assert.FileExists(t, filepath.Join(cfg.InputDir, "wellness.csv"))
}

func TestRun_InvalidConfigFatal(t *testing.T) {
	p, _, cfg := newTestPipeline(t)
	cfg.BatchSize = 0

	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
}

func TestMoveFile_CollisionRename(t *testing.T) {
	p, _, cfg := newTestPipeline(t)
	p.Now = func() time.Time { return time.Date(2024, 7, 1, 12, 30, 5, 0, time.UTC) }

	stage(t, cfg, "dup.csv", []byte("one"))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ProcessedDir, "dup.csv"), []byte("old"), 0o644))

	p.moveFile(filepath.Join(cfg.InputDir, "dup.csv"), cfg.ProcessedDir)
	assert.FileExists(t, filepath.Join(cfg.ProcessedDir, "dup_20240701_123005.csv"))
}

func TestMoveFile_NeverOverwritesWithinSameSecond(t *testing.T) {
	p, _, cfg := newTestPipeline(t)
	p.Now = func() time.Time { return time.Date(2024, 7, 1, 12, 30, 5, 0, time.UTC) }

	// Both the plain name and this second's timestamped name are taken, as
	// when a concurrent worker just claimed them.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ProcessedDir, "dup.csv"), []byte("first"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ProcessedDir, "dup_20240701_123005.csv"), []byte("second"), 0o644))

	stage(t, cfg, "dup.csv", []byte("third"))
	p.moveFile(filepath.Join(cfg.InputDir, "dup.csv"), cfg.ProcessedDir)

	data, err := os.ReadFile(filepath.Join(cfg.ProcessedDir, "dup_20240701_123005_1.csv"))
	require.NoError(t, err)
	assert.Equal(t, "third", string(data))

	// The earlier claims are untouched.
	first, err := os.ReadFile(filepath.Join(cfg.ProcessedDir, "dup.csv"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(first))
	second, err := os.ReadFile(filepath.Join(cfg.ProcessedDir, "dup_20240701_123005.csv"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(second))
	assert.NoFileExists(t, filepath.Join(cfg.InputDir, "dup.csv"))
}

func TestMoveFile_MissingSourceSkipped(t *testing.T) {
	p, _, cfg := newTestPipeline(t)
	// Must not panic or create anything.
	p.moveFile(filepath.Join(cfg.InputDir, "gone.csv"), cfg.ProcessedDir)
	entries, err := os.ReadDir(cfg.ProcessedDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
