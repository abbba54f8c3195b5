package shared

import (
	"context"

	"github.com/fitglue/warehouse/pkg/schema"
)

// Row is a single destination-table row. Values are plain Go scalars plus
// time.Time for temporal fields; the sink owns serialization.
type Row = map[string]any

// --- Persistence Interfaces ---

// TableStore is the structured destination for normalized rows. The
// production implementation is BigQuery; tests substitute an in-memory fake.
type TableStore interface {
	// EnsureDataset creates the destination dataset if absent. Idempotent.
	EnsureDataset(ctx context.Context) error

	// EnsureTable creates the table if absent, applying partitioning and
	// clustering at creation time only. For an existing table it appends any
	// declared fields missing from the live schema and never alters or drops
	// existing ones.
	EnsureTable(ctx context.Context, name string, table schema.Table, opts schema.TableOptions) error

	// InsertBatch writes rows in batches of batchSize. All batches are
	// attempted; row-level errors are aggregated and returned as a single
	// failure, so a non-nil error means the caller must treat the whole
	// insert as failed.
	InsertBatch(ctx context.Context, table string, rows []Row, batchSize int) error

	// UploadSessionAndRecords writes detail rows first, then the single
	// session summary row. If the detail insert fails the summary is never
	// written. If the summary insert fails after the details succeeded, the
	// detail rows remain persisted (weak atomicity, surfaced in logs).
	UploadSessionAndRecords(ctx context.Context, session Row, records []Row, sessionsTable, detailsTable string, batchSize int) error

	// DistinctValues returns the distinct values of a STRING column. A table
	// that does not exist yet yields an empty result, not an error (the
	// first-run bootstrap case).
	DistinctValues(ctx context.Context, table, column string) ([]string, error)
}

// --- Storage Interfaces ---

type BlobStore interface {
	Write(ctx context.Context, bucket, object string, data []byte) error
	Read(ctx context.Context, bucket, object string) ([]byte, error)
}
