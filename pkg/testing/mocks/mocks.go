package mocks

import (
	"context"
	"fmt"
	"sync"

	shared "github.com/fitglue/warehouse/pkg"
	"github.com/fitglue/warehouse/pkg/schema"
)

// --- Mock Table Store ---

// MockTableStore is an in-memory TableStore. By default it behaves like an
// empty, well-functioning store: EnsureTable records the declared schema,
// InsertBatch appends rows, DistinctValues reads them back. Any behavior can
// be overridden per test via the corresponding Func field.
type MockTableStore struct {
	mu sync.Mutex

	EnsureDatasetFunc  func(ctx context.Context) error
	EnsureTableFunc    func(ctx context.Context, name string, table schema.Table, opts schema.TableOptions) error
	InsertBatchFunc    func(ctx context.Context, table string, rows []shared.Row, batchSize int) error
	DistinctValuesFunc func(ctx context.Context, table, column string) ([]string, error)

	Tables  map[string]schema.Table
	Options map[string]schema.TableOptions
	Rows    map[string][]shared.Row

	// Calls records method invocations in order, e.g. "insert:details".
	Calls []string
}

func NewMockTableStore() *MockTableStore {
	return &MockTableStore{
		Tables:  map[string]schema.Table{},
		Options: map[string]schema.TableOptions{},
		Rows:    map[string][]shared.Row{},
	}
}

func (m *MockTableStore) record(call string) {
	m.Calls = append(m.Calls, call)
}

func (m *MockTableStore) EnsureDataset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ensure_dataset")
	if m.EnsureDatasetFunc != nil {
		return m.EnsureDatasetFunc(ctx)
	}
	return nil
}

func (m *MockTableStore) EnsureTable(ctx context.Context, name string, table schema.Table, opts schema.TableOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ensure_table:" + name)
	if m.EnsureTableFunc != nil {
		return m.EnsureTableFunc(ctx, name, table, opts)
	}
	if existing, ok := m.Tables[name]; ok {
		// Additive reconciliation only; creation-time options untouched.
		existing.Fields = append(existing.Fields, table.Missing(existing.FieldNames())...)
		m.Tables[name] = existing
		return nil
	}
	m.Tables[name] = table
	m.Options[name] = opts
	return nil
}

func (m *MockTableStore) InsertBatch(ctx context.Context, table string, rows []shared.Row, batchSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(fmt.Sprintf("insert:%s:%d", table, len(rows)))
	if m.InsertBatchFunc != nil {
		return m.InsertBatchFunc(ctx, table, rows, batchSize)
	}
	m.Rows[table] = append(m.Rows[table], rows...)
	return nil
}

func (m *MockTableStore) UploadSessionAndRecords(ctx context.Context, session shared.Row, records []shared.Row, sessionsTable, detailsTable string, batchSize int) error {
	// Details first, then the summary; the summary is never written when the
	// detail insert fails. Mirrors the production sink's ordering contract.
	if err := m.InsertBatch(ctx, detailsTable, records, batchSize); err != nil {
		return fmt.Errorf("insert details: %w", err)
	}
	if err := m.InsertBatch(ctx, sessionsTable, []shared.Row{session}, 1); err != nil {
		return fmt.Errorf("insert session summary: %w", err)
	}
	return nil
}

func (m *MockTableStore) DistinctValues(ctx context.Context, table, column string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("distinct:" + table)
	if m.DistinctValuesFunc != nil {
		return m.DistinctValuesFunc(ctx, table, column)
	}
	seen := map[string]struct{}{}
	var values []string
	for _, row := range m.Rows[table] {
		v, ok := row[column].(string)
		if !ok {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	return values, nil
}

// --- Mock Blob Store ---

type MockBlobStore struct {
	mu      sync.Mutex
	Objects map[string][]byte

	WriteFunc func(ctx context.Context, bucket, object string, data []byte) error
	ReadFunc  func(ctx context.Context, bucket, object string) ([]byte, error)
}

func NewMockBlobStore() *MockBlobStore {
	return &MockBlobStore{Objects: map[string][]byte{}}
}

func (m *MockBlobStore) Write(ctx context.Context, bucket, object string, data []byte) error {
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, bucket, object, data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Objects[bucket+"/"+object] = append([]byte(nil), data...)
	return nil
}

func (m *MockBlobStore) Read(ctx context.Context, bucket, object string) ([]byte, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(ctx, bucket, object)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Objects[bucket+"/"+object]
	if !ok {
		return nil, fmt.Errorf("object not found: %s/%s", bucket, object)
	}
	return data, nil
}
