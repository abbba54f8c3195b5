// Package bigquery adapts the BigQuery API to the TableStore interface:
// dataset/table bootstrap, additive schema reconciliation, and batched
// streaming inserts.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	shared "github.com/fitglue/warehouse/pkg"
	"github.com/fitglue/warehouse/pkg/schema"
)

type Client struct {
	bq        *bigquery.Client
	projectID string
	datasetID string
	location  string
	logger    *slog.Logger
}

var _ shared.TableStore = (*Client)(nil)

func New(ctx context.Context, projectID, datasetID, location string, logger *slog.Logger) (*Client, error) {
	bq, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	logger.Info("Initialized BigQuery client", "project", projectID, "dataset", datasetID)
	return &Client{
		bq:        bq,
		projectID: projectID,
		datasetID: datasetID,
		location:  location,
		logger:    logger,
	}, nil
}

func (c *Client) Close() error {
	return c.bq.Close()
}

// EnsureDataset creates the dataset if absent. Idempotent.
func (c *Client) EnsureDataset(ctx context.Context) error {
	ds := c.bq.Dataset(c.datasetID)
	if _, err := ds.Metadata(ctx); err == nil {
		c.logger.Info("Dataset exists", "dataset", c.datasetID)
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("get dataset %s: %w", c.datasetID, err)
	}

	if err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: c.location}); err != nil {
		return fmt.Errorf("create dataset %s: %w", c.datasetID, err)
	}
	c.logger.Info("Created dataset", "dataset", c.datasetID)
	return nil
}

// EnsureTable creates the table with partitioning/clustering if absent.
// For an existing table it appends declared fields missing from the live
// schema; existing fields are never altered or dropped, and partitioning and
// clustering are creation-time-only.
func (c *Client) EnsureTable(ctx context.Context, name string, table schema.Table, opts schema.TableOptions) error {
	ref := c.bq.Dataset(c.datasetID).Table(name)

	meta, err := ref.Metadata(ctx)
	if err == nil {
		return c.reconcile(ctx, ref, meta, name, table)
	}
	if !isNotFound(err) {
		return fmt.Errorf("get table %s: %w", name, err)
	}

	create := &bigquery.TableMetadata{Schema: toBQSchema(table.Fields)}
	if opts.PartitionField != "" {
		create.TimePartitioning = &bigquery.TimePartitioning{
			Type:  bigquery.DayPartitioningType,
			Field: opts.PartitionField,
		}
	}
	if len(opts.ClusteringFields) > 0 {
		create.Clustering = &bigquery.Clustering{Fields: opts.ClusteringFields}
	}

	if err := ref.Create(ctx, create); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	c.logger.Info("Created table", "table", name, "fields", len(table.Fields))
	return nil
}

func (c *Client) reconcile(ctx context.Context, ref *bigquery.Table, meta *bigquery.TableMetadata, name string, table schema.Table) error {
	existing := make(map[string]struct{}, len(meta.Schema))
	for _, f := range meta.Schema {
		existing[f.Name] = struct{}{}
	}

	missing := table.Missing(existing)
	if len(missing) == 0 {
		c.logger.Info("No schema changes needed", "table", name)
		return nil
	}

	names := make([]string, len(missing))
	for i, f := range missing {
		names[i] = f.Name
	}
	c.logger.Info("Appending missing fields", "table", name, "fields", names)

	updated := append(bigquery.Schema{}, meta.Schema...)
	updated = append(updated, toBQSchema(missing)...)
	if _, err := ref.Update(ctx, bigquery.TableMetadataToUpdate{Schema: updated}, meta.ETag); err != nil {
		return fmt.Errorf("update schema of %s: %w", name, err)
	}
	return nil
}

// InsertBatch streams rows in fixed-size batches. Every batch is attempted;
// row-level errors are aggregated into one failure so the caller treats the
// whole insert as failed if any row failed. Transient transport errors are
// retried with exponential backoff before counting as a batch failure.
func (c *Client) InsertBatch(ctx context.Context, table string, rows []shared.Row, batchSize int) error {
	if len(rows) == 0 {
		c.logger.Warn("No rows to insert", "table", table)
		return nil
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	inserter := c.bq.Dataset(c.datasetID).Table(table).Inserter()

	var errs *multierror.Error
	for i, batch := range chunkRows(rows, batchSize) {
		savers := make([]*rowSaver, len(batch))
		for j, row := range batch {
			savers[j] = &rowSaver{row: row}
		}

		put := func() error {
			err := inserter.Put(ctx, savers)
			var rowErrs bigquery.PutMultiError
			if errors.As(err, &rowErrs) {
				// Row-level rejections are not transient.
				return backoff.Permanent(err)
			}
			return err
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.Retry(put, policy); err != nil {
			c.logger.Error("Batch insert failed", "table", table, "batch", i+1, "error", err)
			errs = multierror.Append(errs, fmt.Errorf("batch %d: %w", i+1, err))
			continue
		}
		c.logger.Debug("Inserted batch", "table", table, "batch", i+1, "rows", len(batch))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	c.logger.Info("Inserted rows", "table", table, "rows", len(rows))
	return nil
}

// UploadSessionAndRecords writes the detail rows first, then the single
// summary row. If the detail insert fails the summary is never written; if
// the summary insert fails after the details succeeded, the detail rows
// remain persisted. That partial state is logged loudly rather than hidden.
func (c *Client) UploadSessionAndRecords(ctx context.Context, session shared.Row, records []shared.Row, sessionsTable, detailsTable string, batchSize int) error {
	c.logger.Info("Uploading records", "table", detailsTable, "rows", len(records))
	if err := c.InsertBatch(ctx, detailsTable, records, batchSize); err != nil {
		return fmt.Errorf("insert details: %w", err)
	}

	c.logger.Info("Uploading session summary", "table", sessionsTable)
	if err := c.InsertBatch(ctx, sessionsTable, []shared.Row{session}, 1); err != nil {
		c.logger.Error("Session summary insert failed after details were persisted; detail rows for this digest remain without a summary",
			"session_id", session["session_id"], "file_hash", session["file_hash"])
		return fmt.Errorf("insert session summary: %w", err)
	}
	return nil
}

// DistinctValues returns the distinct values of a STRING column. A missing
// table yields an empty result; that is the first-run bootstrap case.
func (c *Client) DistinctValues(ctx context.Context, table, column string) ([]string, error) {
	sql := fmt.Sprintf("SELECT DISTINCT %s FROM `%s.%s.%s`", column, c.projectID, c.datasetID, table)

	it, err := c.bq.Query(sql).Read(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query %s.%s: %w", table, column, err)
	}

	var values []string
	for {
		var row []bigquery.Value
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate %s.%s: %w", table, column, err)
		}
		if len(row) > 0 {
			if s, ok := row[0].(string); ok {
				values = append(values, s)
			}
		}
	}
	return values, nil
}

// rowSaver serializes one row for streaming insert, converting temporal
// values to canonical RFC3339 text. Insert IDs are disabled; dedup is owned
// by the content-hash gate, not best-effort streaming dedup.
type rowSaver struct {
	row shared.Row
}

func (s *rowSaver) Save() (map[string]bigquery.Value, string, error) {
	out := make(map[string]bigquery.Value, len(s.row))
	for k, v := range s.row {
		out[k] = serializeValue(v)
	}
	return out, bigquery.NoDedupeID, nil
}

func serializeValue(v any) bigquery.Value {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case *time.Time:
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339)
	default:
		return v
	}
}

func chunkRows(rows []shared.Row, size int) [][]shared.Row {
	var chunks [][]shared.Row
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}

func toBQSchema(fields []schema.Field) bigquery.Schema {
	out := make(bigquery.Schema, len(fields))
	for i, f := range fields {
		out[i] = &bigquery.FieldSchema{
			Name:     f.Name,
			Type:     toBQType(f.Type),
			Required: f.Required,
		}
	}
	return out
}

func toBQType(t schema.FieldType) bigquery.FieldType {
	switch t {
	case schema.TypeTimestamp:
		return bigquery.TimestampFieldType
	case schema.TypeInteger:
		return bigquery.IntegerFieldType
	case schema.TypeFloat:
		return bigquery.FloatFieldType
	default:
		return bigquery.StringFieldType
	}
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
