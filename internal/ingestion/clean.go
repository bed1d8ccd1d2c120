package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedFormat is returned when a raw file is neither CSV nor XLSX.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	timeLayouts = []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05.000000",
		"2006-01-02 15:04:05.000000000",
		"2006-01-02T15:04:05",
		"2006/01/02",
		"01/02/2006",
		"02/01/2006",
	}
)

// Column names with special handling during cleaning.
const (
	ColumnUpdatedAt = "updated_at"
	ColumnPrice     = "price"
	ColumnIngestTS  = "_ingest_ts"
)

// ColumnKind is the storage type of a cleaned column.
type ColumnKind int

const (
	KindString ColumnKind = iota
	KindFloat
	KindTimestamp
)

// CleanTable is a raw file after normalization. Cells hold nil, string,
// float64 or time.Time according to the column kind.
type CleanTable struct {
	Columns    []string
	Kinds      []ColumnKind
	Rows       [][]any
	IngestedAt time.Time
}

type tableData struct {
	headers []string
	rows    [][]string
}

// Clean parses a raw CSV or XLSX payload and normalizes it: column names are
// trimmed and lowercased, string cells trimmed, updated_at and price coerced
// (unparseable values become null) and every row stamped with ingestedAt.
func Clean(fileName string, payload []byte, ingestedAt time.Time) (CleanTable, error) {
	table, err := parseTable(fileName, payload)
	if err != nil {
		return CleanTable{}, err
	}

	out := CleanTable{
		Columns:    append(append([]string{}, table.headers...), ColumnIngestTS),
		Kinds:      make([]ColumnKind, 0, len(table.headers)+1),
		Rows:       make([][]any, 0, len(table.rows)),
		IngestedAt: ingestedAt.UTC(),
	}
	for _, header := range table.headers {
		out.Kinds = append(out.Kinds, kindOf(header))
	}
	out.Kinds = append(out.Kinds, KindTimestamp)

	for _, row := range table.rows {
		cells := make([]any, len(out.Columns))
		for i, raw := range row {
			cells[i] = coerceValue(out.Kinds[i], strings.TrimSpace(raw))
		}
		cells[len(cells)-1] = out.IngestedAt
		out.Rows = append(out.Rows, cells)
	}
	return out, nil
}

func kindOf(header string) ColumnKind {
	switch header {
	case ColumnPrice:
		return KindFloat
	case ColumnUpdatedAt:
		return KindTimestamp
	default:
		return KindString
	}
}

func coerceValue(kind ColumnKind, raw string) any {
	if raw == "" {
		return nil
	}
	switch kind {
	case KindFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case KindTimestamp:
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil
		}
		return ts.UTC()
	default:
		return raw
	}
}

func parseTable(fileName string, payload []byte) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload)
	case ".xlsx":
		return parseExcel(payload)
	default:
		return tableData{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records)
}

func parseExcel(payload []byte) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows)
}

// normalizeTable takes the first non-empty row as the header.
func normalizeTable(records [][]string) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	var headerRow []string
	var dataRows [][]string
	for _, row := range records {
		if isBlank(row) {
			continue
		}
		if headerRow == nil {
			headerRow = row
			continue
		}
		dataRows = append(dataRows, row)
	}
	if headerRow == nil {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(headerRow)
	for i := range dataRows {
		dataRows[i] = padRow(dataRows[i], len(headers))
	}

	return tableData{headers: headers, rows: dataRows}, nil
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.ToLower(strings.TrimSpace(value))
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}
