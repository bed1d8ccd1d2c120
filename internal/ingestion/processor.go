package ingestion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/productdim/internal/domain"
	"github.com/rpattn/productdim/internal/metrics"
)

// FileResult is the outcome of cleaning one landed file.
type FileResult struct {
	Source string
	Output string
	Rows   int
	Err    error
}

// ProcessSummary reports a ProcessAll run in landed-file order.
type ProcessSummary struct {
	Files []FileResult
}

func (s ProcessSummary) Failed() int {
	failed := 0
	for _, f := range s.Files {
		if f.Err != nil {
			failed++
		}
	}
	return failed
}

// Processor cleans landed raw files into Parquet batches.
type Processor struct {
	landing      Landing
	processedDir string
	concurrency  int
	clock        clockwork.Clock
	log          *slog.Logger
}

func NewProcessor(log *slog.Logger, landing Landing, processedDir string, concurrency int, clock clockwork.Clock) *Processor {
	if concurrency < 1 {
		concurrency = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Processor{
		landing:      landing,
		processedDir: processedDir,
		concurrency:  concurrency,
		clock:        clock,
		log:          log,
	}
}

// ProcessedName maps a landed file to its batch file name.
func ProcessedName(landed string) string {
	return strings.TrimSuffix(landed, filepath.Ext(landed)) + ".parquet"
}

// ProcessAll cleans every landed CSV or XLSX file. A file that fails is
// reported in the summary and does not stop the others. When nothing has
// been landed the error matches domain.ErrMissingInput.
func (p *Processor) ProcessAll(ctx context.Context) (ProcessSummary, error) {
	names, err := p.landing.List(ctx)
	if err != nil {
		return ProcessSummary{}, err
	}

	var raw []string
	for _, name := range names {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".csv", ".xlsx":
			raw = append(raw, name)
		}
	}
	if len(raw) == 0 {
		return ProcessSummary{}, fmt.Errorf("%w: no raw files landed", domain.ErrMissingInput)
	}
	sort.Strings(raw)

	results := make([]FileResult, len(raw))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, name := range raw {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = p.processFile(gctx, name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ProcessSummary{Files: results}, err
	}

	for _, result := range results {
		if result.Err != nil {
			metrics.FilesProcessedTotal.WithLabelValues("failed").Inc()
			p.log.Error("failed to process file", "source", result.Source, "error", result.Err)
			continue
		}
		metrics.FilesProcessedTotal.WithLabelValues("processed").Inc()
		p.log.Info("processed file", "source", result.Source, "output", result.Output, "rows", result.Rows)
	}
	return ProcessSummary{Files: results}, nil
}

func (p *Processor) processFile(ctx context.Context, name string) FileResult {
	result := FileResult{Source: name}

	reader, err := p.landing.Open(ctx, name)
	if err != nil {
		result.Err = err
		return result
	}
	payload, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		result.Err = fmt.Errorf("failed to read %s: %w", name, err)
		return result
	}

	table, err := Clean(name, payload, p.clock.Now())
	if err != nil {
		result.Err = fmt.Errorf("failed to clean %s: %w", name, err)
		return result
	}

	output := filepath.Join(p.processedDir, ProcessedName(name))
	if err := WriteParquet(output, table); err != nil {
		result.Err = fmt.Errorf("failed to write %s: %w", output, err)
		return result
	}

	result.Output = output
	result.Rows = len(table.Rows)
	return result
}
