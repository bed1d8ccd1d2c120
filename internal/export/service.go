package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/productdim/internal/domain"
	"github.com/rpattn/productdim/internal/repository"
)

// Format selects the file type written by an export.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts "csv" or "xlsx" in any case.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatCSV, "":
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", raw)
	}
}

// Header is the column order of exported dimension rows.
var Header = []string{
	"surrogate_key", "entity_id", "name", "category", "price", "currency",
	"valid_from", "valid_to", "is_current", "created_at",
}

const sheetName = "product_dim"

type Request struct {
	Format Format
	// EntityID restricts the export to one entity's history when set.
	EntityID string
}

type Result struct {
	Path         string
	Rows         int
	BytesWritten int64
}

// Service writes the versioned dimension to files in the export directory.
type Service struct {
	store     repository.DimensionStore
	exportDir string
	clock     clockwork.Clock
	log       *slog.Logger
}

func NewService(log *slog.Logger, store repository.DimensionStore, exportDir string, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{store: store, exportDir: exportDir, clock: clock, log: log}
}

// Export writes every version (or one entity's versions) ordered by entity
// and valid_from. The file appears under its final name only when complete.
func (s *Service) Export(ctx context.Context, req Request) (Result, error) {
	format := req.Format
	if format == "" {
		format = FormatCSV
	}
	if err := s.ensureExportDirectory(); err != nil {
		return Result{}, err
	}

	versions, err := s.store.ListVersions(ctx, req.EntityID)
	if err != nil {
		return Result{}, fmt.Errorf("list versions: %w", err)
	}

	tempFile, err := os.CreateTemp(s.exportDir, fmt.Sprintf(".export-*.%s", format))
	if err != nil {
		return Result{}, fmt.Errorf("create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
		}
	}()

	var written int64
	switch format {
	case FormatCSV:
		written, err = writeCSV(tempFile, versions)
	case FormatXLSX:
		written, err = writeXLSX(tempFile, versions)
	default:
		err = fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return Result{}, err
	}

	if err := tempFile.Sync(); err != nil {
		return Result{}, fmt.Errorf("sync export file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return Result{}, fmt.Errorf("close export file: %w", err)
	}

	finalPath := filepath.Join(s.exportDir, s.finalFileName(req.EntityID, format))
	if err := os.Rename(tempPath, finalPath); err != nil {
		return Result{}, fmt.Errorf("promote export file: %w", err)
	}
	cleanup = false

	result := Result{Path: finalPath, Rows: len(versions), BytesWritten: written}
	s.log.Info("export completed", "rows", result.Rows, "path", finalPath, "bytes", written)
	return result, nil
}

func writeCSV(f *os.File, versions []domain.VersionRow) (int64, error) {
	buffered := bufio.NewWriterSize(f, 1<<20)
	counter := &countingWriter{writer: buffered}
	csvWriter := csv.NewWriter(counter)

	if err := csvWriter.Write(Header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	for _, v := range versions {
		if err := csvWriter.Write(FormatRow(v)); err != nil {
			return 0, fmt.Errorf("write version %d: %w", v.SurrogateKey, err)
		}
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return 0, fmt.Errorf("final flush: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return 0, fmt.Errorf("final buffered flush: %w", err)
	}
	return counter.count, nil
}

func writeXLSX(f *os.File, versions []domain.VersionRow) (int64, error) {
	book := excelize.NewFile()
	defer func() { _ = book.Close() }()

	if err := book.SetSheetName(book.GetSheetName(0), sheetName); err != nil {
		return 0, fmt.Errorf("name sheet: %w", err)
	}
	stream, err := book.NewStreamWriter(sheetName)
	if err != nil {
		return 0, fmt.Errorf("open sheet stream: %w", err)
	}

	header := make([]any, len(Header))
	for i, h := range Header {
		header[i] = h
	}
	if err := stream.SetRow("A1", header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	for i, v := range versions {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return 0, err
		}
		row := FormatRow(v)
		values := make([]any, len(row))
		for j, value := range row {
			values[j] = value
		}
		// Keep keys and prices numeric so spreadsheets can aggregate them.
		values[0] = v.SurrogateKey
		if v.Price.Valid {
			price, _ := v.Price.Decimal.Float64()
			values[4] = price
		}
		if err := stream.SetRow(cell, values); err != nil {
			return 0, fmt.Errorf("write version %d: %w", v.SurrogateKey, err)
		}
	}
	if err := stream.Flush(); err != nil {
		return 0, fmt.Errorf("flush sheet: %w", err)
	}

	written, err := book.WriteTo(f)
	if err != nil {
		return 0, fmt.Errorf("write workbook: %w", err)
	}
	return written, nil
}

// FormatRow renders a version in Header order.
func FormatRow(v domain.VersionRow) []string {
	price := ""
	if v.Price.Valid {
		price = v.Price.Decimal.String()
	}
	validTo := ""
	if v.ValidTo != nil {
		validTo = v.ValidTo.String()
	}
	createdAt := ""
	if !v.CreatedAt.IsZero() {
		createdAt = v.CreatedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		strconv.FormatInt(v.SurrogateKey, 10),
		v.EntityID,
		v.Name,
		v.Category,
		price,
		v.Currency,
		v.ValidFrom.String(),
		validTo,
		strconv.FormatBool(v.IsCurrent),
		createdAt,
	}
}

func (s *Service) ensureExportDirectory() error {
	if strings.TrimSpace(s.exportDir) == "" {
		return errors.New("export directory is not configured")
	}
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return fmt.Errorf("ensure export directory: %w", err)
	}
	return nil
}

func (s *Service) finalFileName(entityID string, format Format) string {
	base := "product_dim"
	if component := sanitizeFileComponent(entityID); component != "" {
		base = fmt.Sprintf("%s-%s", base, component)
	}
	return fmt.Sprintf("%s-%s.%s", base, s.clock.Now().UTC().Format("20060102T150405Z"), format)
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			builder.WriteRune(r)
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "export"
	}
	return result
}

type countingWriter struct {
	writer *bufio.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}
