package ingestion

import (
	"errors"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
)

var ingestedAt = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

func columnIndex(t *testing.T, table CleanTable, name string) int {
	t.Helper()
	for i, column := range table.Columns {
		if column == name {
			return i
		}
	}
	t.Fatalf("column %q not found in %v", name, table.Columns)
	return -1
}

func TestCleanCSVNormalizesColumnsAndValues(t *testing.T) {
	data := "\ufeff Product_ID , Product Name,Category,PRICE,Currency,Updated_At\n" +
		"P1,  Widget  ,Tools,19.99,USD,2024-04-30 10:00:00\n" +
		"\n" +
		"P2,Gadget,Tools,n/a,USD,not a date\n" +
		"P3,Gizmo,Tools,,EUR\n"

	table, err := Clean("products_20240501T120000Z.csv", []byte(data), ingestedAt)
	if err != nil {
		t.Fatalf("clean returned error: %v", err)
	}

	want := []string{"product_id", "product_name", "category", "price", "currency", "updated_at", ColumnIngestTS}
	if len(table.Columns) != len(want) {
		t.Fatalf("unexpected columns: %v", table.Columns)
	}
	for i := range want {
		if table.Columns[i] != want[i] {
			t.Fatalf("column %d: expected %q, got %q", i, want[i], table.Columns[i])
		}
	}
	if len(table.Rows) != 3 {
		t.Fatalf("expected 3 rows after dropping blanks, got %d", len(table.Rows))
	}

	name := columnIndex(t, table, "product_name")
	price := columnIndex(t, table, "price")
	updated := columnIndex(t, table, "updated_at")
	stamp := columnIndex(t, table, ColumnIngestTS)

	if got := table.Rows[0][name]; got != "Widget" {
		t.Fatalf("expected trimmed name, got %#v", got)
	}
	if got := table.Rows[0][price]; got != 19.99 {
		t.Fatalf("expected price 19.99, got %#v", got)
	}
	if got, ok := table.Rows[0][updated].(time.Time); !ok || !got.Equal(time.Date(2024, 4, 30, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected updated_at: %#v", table.Rows[0][updated])
	}
	if table.Rows[1][price] != nil {
		t.Fatalf("expected invalid price to become null, got %#v", table.Rows[1][price])
	}
	if table.Rows[1][updated] != nil {
		t.Fatalf("expected invalid timestamp to become null, got %#v", table.Rows[1][updated])
	}
	if table.Rows[2][price] != nil || table.Rows[2][updated] != nil {
		t.Fatalf("expected short row to be padded with nulls: %#v", table.Rows[2])
	}
	for i, row := range table.Rows {
		if row[stamp] != ingestedAt {
			t.Fatalf("row %d: expected ingest timestamp, got %#v", i, row[stamp])
		}
	}
	if table.Kinds[price] != KindFloat || table.Kinds[updated] != KindTimestamp || table.Kinds[name] != KindString {
		t.Fatalf("unexpected kinds: %v", table.Kinds)
	}
}

func TestCleanXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"product_id", "product_name", "price"},
		{"P1", "Widget", "12.50"},
		{"P2", "Gadget", "7"},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	table, err := Clean("products.xlsx", buf.Bytes(), ingestedAt)
	if err != nil {
		t.Fatalf("clean returned error: %v", err)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(table.Rows))
	}
	if got := table.Rows[0][columnIndex(t, table, "price")]; got != 12.5 {
		t.Fatalf("expected price 12.5, got %#v", got)
	}
}

func TestCleanRejectsUnsupportedFormat(t *testing.T) {
	_, err := Clean("products.json", []byte("{}"), ingestedAt)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestCleanRejectsEmptyFile(t *testing.T) {
	if _, err := Clean("empty.csv", []byte("\n\n"), ingestedAt); err == nil {
		t.Fatalf("expected error for file without header")
	}
}

func TestSanitizeHeadersDeduplicates(t *testing.T) {
	got := sanitizeHeaders([]string{"Price", " price ", "", "Unit-Cost"})
	want := []string{"price", "price_2", "column_3", "unit_cost"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("header %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
