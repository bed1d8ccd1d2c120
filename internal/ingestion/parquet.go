package ingestion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/shopspring/decimal"

	"github.com/rpattn/productdim/internal/domain"
)

// Batch columns and the legacy names they are also read from.
var batchColumns = map[string][]string{
	"entity_id": {"entity_id", "product_id"},
	"name":      {"name", "product_name"},
	"category":  {"category"},
	"price":     {"price"},
	"currency":  {"currency"},
}

func arrowType(kind ColumnKind) arrow.DataType {
	switch kind {
	case KindFloat:
		return arrow.PrimitiveTypes.Float64
	case KindTimestamp:
		return arrow.FixedWidthTypes.Timestamp_us
	default:
		return arrow.BinaryTypes.String
	}
}

// WriteParquet stores table at path, replacing any previous file atomically.
func WriteParquet(path string, table CleanTable) error {
	fields := make([]arrow.Field, len(table.Columns))
	for i, name := range table.Columns {
		fields[i] = arrow.Field{Name: name, Type: arrowType(table.Kinds[i]), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	for _, row := range table.Rows {
		for i, cell := range row {
			if err := appendCell(builder.Field(i), cell); err != nil {
				return fmt.Errorf("column %s: %w", table.Columns[i], err)
			}
		}
	}
	record := builder.NewRecord()
	defer record.Release()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create processed directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.parquet")
	if err != nil {
		return fmt.Errorf("failed to create temp parquet file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	writer, err := pqarrow.NewFileWriter(schema, tmp, props, pqarrow.DefaultWriterProps())
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	if err := writer.Write(record); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write parquet: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize parquet: %w", err)
	}
	// The writer may already have closed tmp.
	_ = tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move parquet into place: %w", err)
	}
	return nil
}

func appendCell(b array.Builder, cell any) error {
	if cell == nil {
		b.AppendNull()
		return nil
	}
	switch builder := b.(type) {
	case *array.StringBuilder:
		value, ok := cell.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", cell)
		}
		builder.Append(value)
	case *array.Float64Builder:
		value, ok := cell.(float64)
		if !ok {
			return fmt.Errorf("expected float64, got %T", cell)
		}
		builder.Append(value)
	case *array.TimestampBuilder:
		value, ok := cell.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", cell)
		}
		builder.Append(arrow.Timestamp(value.UnixMicro()))
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	return nil
}

// ReadBatch loads a processed Parquet file as a batch of incoming records.
// The batch source is the file's base name.
func ReadBatch(ctx context.Context, path string) (domain.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Batch{}, fmt.Errorf("%w: %s", domain.ErrMissingInput, path)
		}
		return domain.Batch{}, fmt.Errorf("failed to open batch: %w", err)
	}
	defer f.Close()

	table, err := pqarrow.ReadTable(ctx, f, parquet.NewReaderProperties(memory.DefaultAllocator),
		pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("failed to read parquet %s: %w", filepath.Base(path), err)
	}
	defer table.Release()

	batch := domain.Batch{Source: filepath.Base(path)}
	indices := resolveColumns(table.Schema())
	if _, ok := indices["entity_id"]; !ok {
		return domain.Batch{}, fmt.Errorf("batch %s has no entity_id or product_id column", batch.Source)
	}
	if idx, ok := findColumn(table.Schema(), ColumnIngestTS); ok {
		indices[ColumnIngestTS] = idx
	}

	reader := array.NewTableReader(table, 1024)
	defer reader.Release()

	row := 0
	for reader.Next() {
		rec := reader.Record()
		for i := 0; i < int(rec.NumRows()); i++ {
			row++
			incoming, err := recordAt(rec, indices, i)
			if err != nil {
				return domain.Batch{}, fmt.Errorf("batch %s row %d: %w", batch.Source, row, err)
			}
			incoming.Row = row
			batch.Records = append(batch.Records, incoming)

			if idx, ok := indices[ColumnIngestTS]; ok && batch.IngestedAt.IsZero() {
				if ts, ok := rec.Column(idx).(*array.Timestamp); ok && ts.IsValid(i) {
					unit := ts.DataType().(*arrow.TimestampType).Unit
					batch.IngestedAt = ts.Value(i).ToTime(unit).UTC()
				}
			}
		}
	}
	if err := reader.Err(); err != nil {
		return domain.Batch{}, fmt.Errorf("failed to iterate batch %s: %w", batch.Source, err)
	}
	return batch, nil
}

func resolveColumns(schema *arrow.Schema) map[string]int {
	indices := make(map[string]int, len(batchColumns))
	for column, aliases := range batchColumns {
		for _, alias := range aliases {
			if idx, ok := findColumn(schema, alias); ok {
				indices[column] = idx
				break
			}
		}
	}
	return indices
}

func findColumn(schema *arrow.Schema, name string) (int, bool) {
	for i, field := range schema.Fields() {
		if strings.EqualFold(strings.TrimSpace(field.Name), name) {
			return i, true
		}
	}
	return 0, false
}

func recordAt(rec arrow.Record, indices map[string]int, i int) (domain.IncomingRecord, error) {
	text := func(column string) string {
		idx, ok := indices[column]
		if !ok {
			return ""
		}
		value, _ := cellText(rec.Column(idx), i)
		return strings.TrimSpace(value)
	}

	out := domain.IncomingRecord{
		EntityID: text("entity_id"),
		Name:     text("name"),
		Category: text("category"),
		Currency: text("currency"),
	}

	if idx, ok := indices["price"]; ok {
		price, err := cellDecimal(rec.Column(idx), i)
		if err != nil {
			return domain.IncomingRecord{}, err
		}
		out.Price = price
	}
	return out, nil
}

// cellText renders a cell of any supported column type as text.
func cellText(arr arrow.Array, i int) (string, bool) {
	if arr.IsNull(i) {
		return "", false
	}
	switch col := arr.(type) {
	case *array.String:
		return col.Value(i), true
	case *array.LargeString:
		return col.Value(i), true
	case *array.Int64:
		return strconv.FormatInt(col.Value(i), 10), true
	case *array.Int32:
		return strconv.FormatInt(int64(col.Value(i)), 10), true
	case *array.Float64:
		return strconv.FormatFloat(col.Value(i), 'f', -1, 64), true
	default:
		return arr.ValueStr(i), true
	}
}

func cellDecimal(arr arrow.Array, i int) (decimal.NullDecimal, error) {
	if arr.IsNull(i) {
		return decimal.NullDecimal{}, nil
	}
	switch col := arr.(type) {
	case *array.Float64:
		return decimal.NewNullDecimal(decimal.NewFromFloat(col.Value(i))), nil
	case *array.Int64:
		return decimal.NewNullDecimal(decimal.NewFromInt(col.Value(i))), nil
	default:
		raw, _ := cellText(arr, i)
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return decimal.NullDecimal{}, nil
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.NullDecimal{}, fmt.Errorf("invalid price %q: %w", raw, err)
		}
		return decimal.NewNullDecimal(d), nil
	}
}
