// Package metrics_csv normalizes long-format wellness exports: one row per
// (Timestamp, Type, Value) triple, pivoted into one output row per distinct
// timestamp.
package metrics_csv

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	shared "github.com/fitglue/warehouse/pkg"
)

const timestampLayout = "2006-01-02 15:04:05"

// Result is the normalized output of one metrics CSV. UnknownFields lists
// produced field names that were dropped by the allow-list, one entry per
// distinct name, for the caller to log as schema-drift warnings.
type Result struct {
	Records       []shared.Row
	UnknownFields []string
}

// LooksLikeMetricsCSV is the cheap probe used for format routing: the header
// row must contain the Timestamp, Type and Value columns.
func LooksLikeMetricsCSV(data []byte) bool {
	r := csv.NewReader(bytes.NewReader(data))
	header, err := r.Read()
	if err != nil {
		return false
	}
	have := make(map[string]struct{}, len(header))
	for _, h := range header {
		have[strings.TrimSpace(h)] = struct{}{}
	}
	for _, want := range []string{"Timestamp", "Type", "Value"} {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}

// Parse pivots the long-format table into one row per distinct raw timestamp
// string, in first-seen order.
//
// The Type value is cleaned into a base field name. A Value of the composite
// form "Min : 18 / Max : 48 / Avg : 29" splits into one field per pair,
// named <base>_<cleanedKey>; otherwise the base name is used directly.
// Numeric-looking values coerce to int64 or float64 by presence of a decimal
// point; anything else stays as trimmed text. Fields not in the allow-list
// are dropped (a nil allow-list admits everything).
func Parse(data []byte, digest, filename string, allowed map[string]struct{}) (*Result, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", filename, err)
	}
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, want := range []string{"Timestamp", "Type", "Value"} {
		if _, ok := idx[want]; !ok {
			return nil, fmt.Errorf("%s: missing required column %q", filename, want)
		}
	}

	// Ordered accumulation: rows keyed by raw timestamp string, output in
	// first-seen order so re-parsing is deterministic.
	byTimestamp := map[string]shared.Row{}
	var order []string
	unknown := map[string]struct{}{}
	var unknownOrder []string

	dropUnknown := func(name string) bool {
		if allowed == nil {
			return false
		}
		if _, ok := allowed[name]; ok {
			return false
		}
		if _, seen := unknown[name]; !seen {
			unknown[name] = struct{}{}
			unknownOrder = append(unknownOrder, name)
		}
		return true
	}

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filename, err)
		}

		tsStr := field(rec, idx["Timestamp"])
		metricType := field(rec, idx["Type"])
		valueStr := field(rec, idx["Value"])
		if tsStr == "" || metricType == "" {
			continue
		}

		row, ok := byTimestamp[tsStr]
		if !ok {
			row = shared.Row{
				"file_hash":  digest,
				"filename":   filename,
				"timestamp":  parseTimestamp(tsStr),
				"created_at": time.Now().UTC(),
			}
			byTimestamp[tsStr] = row
			order = append(order, tsStr)
		}

		base := cleanName(metricType)

		if strings.Contains(valueStr, " / ") {
			for _, part := range strings.Split(valueStr, " / ") {
				key, val, found := strings.Cut(part, " : ")
				if !found {
					continue
				}
				name := base + "_" + cleanName(key)
				if dropUnknown(name) {
					continue
				}
				row[name] = coerce(val)
			}
		} else {
			if dropUnknown(base) {
				continue
			}
			row[base] = coerce(valueStr)
		}
	}

	result := &Result{UnknownFields: unknownOrder}
	for _, ts := range order {
		result.Records = append(result.Records, byTimestamp[ts])
	}
	return result, nil
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// parseTimestamp keeps the raw string when the layout does not match; some
// exports vary the format and the sink accepts both.
func parseTimestamp(s string) any {
	if ts, err := time.Parse(timestampLayout, s); err == nil {
		return ts.UTC()
	}
	return s
}

// cleanName lowercases, maps spaces to underscores, and strips everything
// outside [a-z0-9_].
func cleanName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	lower = strings.ReplaceAll(lower, " ", "_")
	var b strings.Builder
	for _, c := range lower {
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func coerce(val string) any {
	trimmed := strings.TrimSpace(val)
	if strings.Contains(trimmed, ".") {
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return f
		}
	} else if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return i
	}
	return trimmed
}
