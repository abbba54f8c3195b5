// Package schema declares the destination table layouts and the additive
// diff used to reconcile them against a live table.
package schema

// FieldType is the logical column type understood by the table store.
type FieldType string

const (
	TypeString    FieldType = "STRING"
	TypeTimestamp FieldType = "TIMESTAMP"
	TypeInteger   FieldType = "INTEGER"
	TypeFloat     FieldType = "FLOAT"
)

type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

type Table struct {
	Fields []Field
}

// TableOptions are creation-time-only table properties. They are never
// retrofitted onto an existing table.
type TableOptions struct {
	PartitionField   string
	ClusteringFields []string
}

// FieldNames returns the set of declared field names, usable as the
// normalizer allow-list.
func (t Table) FieldNames() map[string]struct{} {
	names := make(map[string]struct{}, len(t.Fields))
	for _, f := range t.Fields {
		names[f.Name] = struct{}{}
	}
	return names
}

// Missing returns the declared fields absent from an existing table's live
// field set, in declaration order. Reconciliation appends exactly these;
// existing fields are never altered or dropped.
func (t Table) Missing(existing map[string]struct{}) []Field {
	var missing []Field
	for _, f := range t.Fields {
		if _, ok := existing[f.Name]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}
