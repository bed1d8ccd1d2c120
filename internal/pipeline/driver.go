package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/rpattn/productdim/internal/domain"
	"github.com/rpattn/productdim/internal/ingestion"
	"github.com/rpattn/productdim/internal/metrics"
	"github.com/rpattn/productdim/internal/repository"
	"github.com/rpattn/productdim/internal/scd"
)

// BatchOutcome is the result of one processed file.
type BatchOutcome struct {
	Source string
	Status domain.BatchRunStatus
	Result scd.Result
	Err    error
}

// Summary reports a merge run in file order.
type Summary struct {
	RunID     uuid.UUID
	BatchDate domain.Date
	Batches   []BatchOutcome
}

func (s Summary) count(status domain.BatchRunStatus) int {
	n := 0
	for _, b := range s.Batches {
		if b.Status == status {
			n++
		}
	}
	return n
}

func (s Summary) Committed() int { return s.count(domain.BatchRunCommitted) }
func (s Summary) Failed() int    { return s.count(domain.BatchRunFailed) }
func (s Summary) Skipped() int   { return s.count(domain.BatchRunSkipped) }

// Driver merges every processed batch into the dimension, one transaction
// per batch, in lexical file-name order.
type Driver struct {
	store        repository.DimensionStore
	runs         repository.BatchRunRepository
	engine       *scd.Engine
	processedDir string
	clock        clockwork.Clock
	log          *slog.Logger

	// Replay merges batches again even when their last recorded run committed.
	Replay bool
}

func NewDriver(log *slog.Logger, store repository.DimensionStore, runs repository.BatchRunRepository, processedDir string, clock clockwork.Clock) *Driver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Driver{
		store:        store,
		runs:         runs,
		engine:       scd.NewEngine(log, store, clock),
		processedDir: processedDir,
		clock:        clock,
		log:          log,
	}
}

// BatchDate resolves the effective date of a run: asOf when set, otherwise
// the clock's current UTC date.
func (d *Driver) BatchDate(asOf *domain.Date) domain.Date {
	if asOf != nil {
		return *asOf
	}
	return domain.DateOf(d.clock.Now().UTC())
}

// ProcessedFiles lists the Parquet batches waiting to be merged.
func (d *Driver) ProcessedFiles() ([]string, error) {
	entries, err := os.ReadDir(d.processedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: processed directory %s", domain.ErrMissingInput, d.processedDir)
		}
		return nil, fmt.Errorf("failed to read processed directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".parquet") {
			continue
		}
		files = append(files, filepath.Join(d.processedDir, entry.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no processed batches in %s", domain.ErrMissingInput, d.processedDir)
	}
	sort.Strings(files)
	return files, nil
}

// Run merges all processed batches. A schema failure aborts the run before any
// batch is touched; a failing batch is rolled back, recorded, and the next
// batch still runs. The returned error is only non-nil for run-level failures.
func (d *Driver) Run(ctx context.Context, asOf *domain.Date) (Summary, error) {
	summary := Summary{RunID: uuid.New(), BatchDate: d.BatchDate(asOf)}

	if err := d.store.EnsureSchema(ctx); err != nil {
		return summary, err
	}

	files, err := d.ProcessedFiles()
	if err != nil {
		return summary, err
	}

	log := d.log.With("run_id", summary.RunID.String(), "batch_date", summary.BatchDate.String())
	log.Info("merging processed batches", "batches", len(files))

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		outcome := d.mergeFile(ctx, summary, path)
		summary.Batches = append(summary.Batches, outcome)
		metrics.BatchesTotal.WithLabelValues(string(outcome.Status)).Inc()
	}

	log.Info("merge run finished",
		"committed", summary.Committed(),
		"failed", summary.Failed(),
		"skipped", summary.Skipped(),
	)
	return summary, nil
}

func (d *Driver) mergeFile(ctx context.Context, summary Summary, path string) BatchOutcome {
	started := d.clock.Now().UTC()
	outcome := BatchOutcome{Source: filepath.Base(path)}

	if !d.Replay && d.alreadyCommitted(ctx, outcome.Source) {
		d.log.Debug("batch already merged, skipping", "batch", outcome.Source)
		outcome.Status = domain.BatchRunSkipped
		return outcome
	}

	batch, err := ingestion.ReadBatch(ctx, path)
	switch {
	case err != nil:
		outcome.Status = domain.BatchRunFailed
		outcome.Err = err
	case batch.Len() == 0:
		outcome.Status = domain.BatchRunSkipped
		d.log.Warn("skipping empty batch", "batch", outcome.Source)
	default:
		outcome.Result, outcome.Err = d.engine.ApplyBatch(ctx, batch, summary.BatchDate)
		outcome.Status = domain.BatchRunCommitted
		if outcome.Err != nil {
			outcome.Status = domain.BatchRunFailed
		}
	}

	if outcome.Err != nil {
		d.log.Error("batch failed", "batch", outcome.Source, "error", outcome.Err)
	}
	d.record(ctx, summary, outcome, started)
	return outcome
}

func (d *Driver) alreadyCommitted(ctx context.Context, source string) bool {
	if d.runs == nil {
		return false
	}
	runs, err := d.runs.List(ctx, source, 1, 0)
	if err != nil {
		d.log.Warn("failed to look up previous runs", "batch", source, "error", err)
		return false
	}
	return len(runs) > 0 && runs[0].Status == domain.BatchRunCommitted
}

// record writes the batch run outside the batch transaction so failures are
// kept even though their writes were rolled back.
func (d *Driver) record(ctx context.Context, summary Summary, outcome BatchOutcome, started time.Time) {
	if d.runs == nil {
		return
	}

	run := domain.BatchRun{
		ID:          uuid.New(),
		RunID:       summary.RunID,
		Source:      outcome.Source,
		BatchDate:   summary.BatchDate,
		Status:      outcome.Status,
		Rows:        outcome.Result.Rows,
		Inserted:    outcome.Result.Inserted,
		Changed:     outcome.Result.Changed,
		Unchanged:   outcome.Result.Unchanged,
		Duplicates:  outcome.Result.Duplicates,
		StartedAt:   started,
		CompletedAt: d.clock.Now().UTC(),
	}
	if outcome.Err != nil {
		message := outcome.Err.Error()
		run.ErrorMessage = &message

		var transitionErr *scd.TransitionError
		if errors.As(outcome.Err, &transitionErr) {
			entityID := transitionErr.EntityID
			run.EntityID = &entityID
		}
	}

	if err := d.runs.Record(context.WithoutCancel(ctx), run); err != nil {
		d.log.Error("failed to record batch run", "batch", outcome.Source, "error", err)
	}
}
