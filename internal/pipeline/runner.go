package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rpattn/productdim/internal/domain"
	"github.com/rpattn/productdim/internal/ingestion"
)

// RunReport collects the outcome of every stage of a full run.
type RunReport struct {
	Landed  []string
	Missing []string
	Process ingestion.ProcessSummary
	Merge   Summary
	// Skipped names stages that had no input.
	Skipped []string
}

// Runner chains ingest, process and merge.
type Runner struct {
	ingester  *ingestion.Ingester
	processor *ingestion.Processor
	driver    *Driver
	log       *slog.Logger
}

func NewRunner(log *slog.Logger, ingester *ingestion.Ingester, processor *ingestion.Processor, driver *Driver) *Runner {
	return &Runner{ingester: ingester, processor: processor, driver: driver, log: log}
}

// Run lands files, cleans everything landed and merges everything processed.
// A stage without input is skipped and reported; the remaining stages still
// run. Schema failures and cancellation stop the run.
func (r *Runner) Run(ctx context.Context, files []string, asOf *domain.Date) (RunReport, error) {
	var report RunReport

	for _, name := range files {
		location, err := r.ingester.Ingest(ctx, name)
		if errors.Is(err, domain.ErrMissingInput) {
			r.log.Warn("source file missing, skipping", "file", name)
			report.Missing = append(report.Missing, name)
			continue
		}
		if err != nil {
			return report, err
		}
		report.Landed = append(report.Landed, location)
	}

	processed, err := r.processor.ProcessAll(ctx)
	switch {
	case errors.Is(err, domain.ErrMissingInput):
		r.log.Warn("no raw files to process, skipping stage")
		report.Skipped = append(report.Skipped, "process")
	case err != nil:
		return report, err
	}
	report.Process = processed

	merged, err := r.driver.Run(ctx, asOf)
	switch {
	case errors.Is(err, domain.ErrMissingInput):
		r.log.Warn("no processed batches to merge, skipping stage")
		report.Skipped = append(report.Skipped, "merge")
	case err != nil:
		return report, err
	}
	report.Merge = merged
	return report, nil
}
