// Package metrics_xlsx normalizes wide-format wellness spreadsheets: one row
// per day, with a fixed column-to-field mapping into the metrics table.
package metrics_xlsx

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	shared "github.com/fitglue/warehouse/pkg"
)

// columnMapping translates spreadsheet headers into destination field names.
var columnMapping = map[string]string{
	"Date":                  "timestamp",
	"Resting HR":            "resting_heart_rate",
	"Max HR":                "max_heart_rate",
	"Min HR":                "min_heart_rate",
	"Avg HR":                "avg_heart_rate",
	"Total sleep time(min)": "sleep_hours",
	"Deep":                  "time_in_deep_sleep",
	"Light":                 "time_in_light_sleep",
	"Awake":                 "time_awake",
	"Ave. HRV/ms":           "hrv_avg",
}

// minuteColumns are sleep durations exported in minutes; the destination
// stores hours.
var minuteColumns = map[string]struct{}{
	"Total sleep time(min)": {},
	"Deep":                  {},
	"Light":                 {},
	"Awake":                 {},
}

var integerFields = map[string]struct{}{
	"resting_heart_rate": {},
	"max_heart_rate":     {},
	"min_heart_rate":     {},
	"avg_heart_rate":     {},
}

var requiredHeaders = []string{"User ID", "Date", "Resting HR"}

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	"1/2/2006",
	"01-02-06",
	"2-Jan-06",
}

// LooksLikeMetricsXLSX is the cheap probe used for format routing: the first
// sheet's header row must contain the expected columns.
func LooksLikeMetricsXLSX(data []byte) bool {
	header, err := readHeader(data)
	if err != nil {
		return false
	}
	for _, want := range requiredHeaders {
		if _, ok := header[want]; !ok {
			return false
		}
	}
	return true
}

// Parse maps each data row into a metrics row. Sleep columns convert from
// minutes to hours (two decimals); Avg HR additionally populates the integer
// "pulse" alias. A row whose Date cell does not resolve to a timestamp is
// dropped entirely.
func Parse(data []byte, digest, filename string) ([]shared.Row, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open spreadsheet %s: %w", filename, err)
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, fmt.Errorf("read sheet of %s: %w", filename, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: empty sheet", filename)
	}

	header := map[string]int{}
	for i, name := range rows[0] {
		header[strings.TrimSpace(name)] = i
	}
	for _, want := range requiredHeaders {
		if _, ok := header[want]; !ok {
			return nil, fmt.Errorf("%s: missing required column %q", filename, want)
		}
	}

	var records []shared.Row
	for _, cells := range rows[1:] {
		row := shared.Row{
			"file_hash":  digest,
			"filename":   filename,
			"created_at": time.Now().UTC(),
		}

		for col, fieldName := range columnMapping {
			i, ok := header[col]
			if !ok {
				continue
			}
			raw := cell(cells, i)
			if raw == "" {
				continue
			}

			if _, isMinutes := minuteColumns[col]; isMinutes {
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					continue
				}
				row[fieldName] = math.Round(v/60*100) / 100
				continue
			}

			if fieldName == "timestamp" {
				if ts, ok := parseDate(raw); ok {
					row["timestamp"] = ts
				}
				continue
			}

			if _, isInt := integerFields[fieldName]; isInt {
				if v, err := strconv.ParseFloat(raw, 64); err == nil {
					row[fieldName] = int64(v)
				}
				continue
			}

			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				row[fieldName] = v
			} else {
				row[fieldName] = raw
			}
		}

		// Avg HR doubles as the legacy pulse column.
		if i, ok := header["Avg HR"]; ok {
			if raw := cell(cells, i); raw != "" {
				if v, err := strconv.ParseFloat(raw, 64); err == nil {
					row["pulse"] = int64(v)
				}
			}
		}

		// No resolvable timestamp, no row: the timestamp is the
		// dedup/ordering key for this stream too.
		if _, ok := row["timestamp"]; !ok {
			continue
		}
		records = append(records, row)
	}

	return records, nil
}

func readHeader(data []byte) (map[string]struct{}, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := f.Rows(f.GetSheetName(0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("empty sheet")
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	header := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		header[strings.TrimSpace(c)] = struct{}{}
	}
	return header, nil
}

func cell(cells []string, i int) string {
	if i < 0 || i >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[i])
}

func parseDate(raw string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	// Excel serial date numbers survive GetRows as plain numbers when the
	// cell has no date style.
	if serial, err := strconv.ParseFloat(raw, 64); err == nil && serial > 0 {
		if ts, err := excelize.ExcelDateToTime(serial, false); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
