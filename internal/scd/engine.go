package scd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rpattn/productdim/internal/domain"
	"github.com/rpattn/productdim/internal/metrics"
	"github.com/rpattn/productdim/internal/repository"
)

// Transition is one committed decision of the engine.
type Transition struct {
	EntityID       string
	Classification domain.Classification
	// SurrogateKey is the inserted version, zero when nothing was written.
	SurrogateKey int64
	// ClosedKey is the retired version of a CHANGED transition.
	ClosedKey int64
	Changes   []domain.AttributeChange
}

// Result summarizes a merged batch.
type Result struct {
	Source     string
	BatchDate  domain.Date
	Rows       int
	Duplicates int
	Inserted   int
	Changed    int
	Unchanged  int
	// AlreadyClosed counts closes skipped because the version was retired
	// by someone else.
	AlreadyClosed int
	Transitions   []Transition
	Duration      time.Duration
}

// Engine applies batches of incoming records to the dimension.
type Engine struct {
	store repository.DimensionStore
	clock clockwork.Clock
	log   *slog.Logger
}

func NewEngine(log *slog.Logger, store repository.DimensionStore, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{store: store, clock: clock, log: log}
}

// ApplyBatch merges batch into the dimension as of batchDate inside a single
// transaction. When any transition fails nothing is written and the returned
// error is a *TransitionError naming the offending entity.
func (e *Engine) ApplyBatch(ctx context.Context, batch domain.Batch, batchDate domain.Date) (Result, error) {
	start := e.clock.Now()
	records, duplicates := batch.Deduplicate()
	result := Result{
		Source:     batch.Source,
		BatchDate:  batchDate,
		Rows:       batch.Len(),
		Duplicates: duplicates,
	}
	log := e.log.With("batch", batch.Source, "batch_date", batchDate.String())
	if duplicates > 0 {
		log.Warn("collapsed repeated entity ids, keeping last occurrence", "duplicates", duplicates)
	}

	var applied Result
	err := e.store.WithinBatch(ctx, func(tx repository.DimensionTx) error {
		applied = Result{}
		createdAt := e.clock.Now().UTC()

		snapshot, err := tx.LoadCurrentSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("batch %s: %w", batch.Source, err)
		}

		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			transition, err := e.apply(ctx, tx, snapshot, rec, batchDate, createdAt, log)
			if err != nil {
				return &TransitionError{
					EntityID:       rec.EntityID,
					Source:         batch.Source,
					Row:            rec.Row,
					Classification: transition.Classification,
					Err:            err,
				}
			}
			applied.record(transition)
			if transition.Classification == domain.ClassificationChanged && transition.ClosedKey == 0 {
				applied.AlreadyClosed++
			}
		}
		return nil
	})

	result.Duration = e.clock.Since(start)
	metrics.BatchDuration.Observe(result.Duration.Seconds())
	if err != nil {
		log.Error("batch rolled back", "error", err)
		return result, err
	}

	result.Inserted = applied.Inserted
	result.Changed = applied.Changed
	result.Unchanged = applied.Unchanged
	result.AlreadyClosed = applied.AlreadyClosed
	result.Transitions = applied.Transitions
	metrics.TransitionsTotal.WithLabelValues(string(domain.ClassificationNew)).Add(float64(result.Inserted))
	metrics.TransitionsTotal.WithLabelValues(string(domain.ClassificationChanged)).Add(float64(result.Changed))
	metrics.TransitionsTotal.WithLabelValues(string(domain.ClassificationUnchanged)).Add(float64(result.Unchanged))

	log.Info("batch committed",
		"rows", result.Rows,
		"inserted", result.Inserted,
		"changed", result.Changed,
		"unchanged", result.Unchanged,
		"duration", result.Duration,
	)
	return result, nil
}

func (r *Result) record(t Transition) {
	switch t.Classification {
	case domain.ClassificationNew:
		r.Inserted++
	case domain.ClassificationChanged:
		r.Changed++
	case domain.ClassificationUnchanged:
		r.Unchanged++
	}
	r.Transitions = append(r.Transitions, t)
}

// apply performs the transition for rec and keeps snapshot in step with the
// rows written.
func (e *Engine) apply(
	ctx context.Context,
	tx repository.DimensionTx,
	snapshot domain.Snapshot,
	rec domain.IncomingRecord,
	batchDate domain.Date,
	createdAt time.Time,
	log *slog.Logger,
) (Transition, error) {
	current := snapshot.Lookup(rec.EntityID)
	transition := Transition{
		EntityID:       rec.EntityID,
		Classification: domain.Classify(rec, current),
	}
	if rec.EntityID == "" {
		return transition, fmt.Errorf("%w: record has no entity id", domain.ErrConstraintViolation)
	}

	switch transition.Classification {
	case domain.ClassificationUnchanged:
		return transition, nil

	case domain.ClassificationChanged:
		transition.Changes = domain.Diff(current.Attributes(), rec)
		if !batchDate.After(current.ValidFrom) {
			return transition, fmt.Errorf("%w: current version %d starts %s, batch date is %s",
				domain.ErrRevisionOutOfOrder, current.SurrogateKey, current.ValidFrom, batchDate)
		}

		err := tx.CloseVersion(ctx, current.SurrogateKey, batchDate.AddDays(-1))
		switch {
		case errors.Is(err, domain.ErrAlreadyClosed):
			log.Warn("current version was already closed",
				"entity_id", rec.EntityID, "surrogate_key", current.SurrogateKey)
		case err != nil:
			return transition, err
		default:
			transition.ClosedKey = current.SurrogateKey
		}
	}

	key, err := tx.InsertNewVersion(ctx, rec, batchDate, createdAt)
	if err != nil {
		return transition, err
	}
	transition.SurrogateKey = key

	row := domain.NewVersionRow(rec, batchDate, createdAt)
	row.SurrogateKey = key
	snapshot[rec.EntityID] = row

	log.Debug("applied transition",
		"entity_id", rec.EntityID,
		"classification", transition.Classification,
		"surrogate_key", key,
		"changes", len(transition.Changes),
	)
	return transition, nil
}
