package scd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/productdim/internal/domain"
	"github.com/rpattn/productdim/internal/repository"
)

var (
	day1 = domain.MustParseDate("2024-01-01")
	day2 = domain.MustParseDate("2024-01-02")
	day3 = domain.MustParseDate("2024-01-03")
)

func newTestEngine(store repository.DimensionStore) *Engine {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC))
	return NewEngine(slog.New(slog.DiscardHandler), store, clock)
}

func product(id, name, price string) domain.IncomingRecord {
	return domain.IncomingRecord{
		EntityID: id,
		Name:     name,
		Category: "Hardware",
		Price:    domain.NewPrice(price),
		Currency: "EUR",
	}
}

func unpriced(id, name string) domain.IncomingRecord {
	rec := product(id, name, "0")
	rec.Price = decimal.NullDecimal{}
	return rec
}

func batchOf(source string, records ...domain.IncomingRecord) domain.Batch {
	for i := range records {
		records[i].Row = i + 1
	}
	return domain.Batch{Source: source, Records: records}
}

// requireDimensionInvariants checks one current row per entity and
// contiguous, non-overlapping windows.
func requireDimensionInvariants(t *testing.T, store repository.DimensionStore) {
	t.Helper()
	versions, err := store.ListVersions(context.Background(), "")
	require.NoError(t, err)

	byEntity := map[string][]domain.VersionRow{}
	for _, v := range versions {
		byEntity[v.EntityID] = append(byEntity[v.EntityID], v)
	}

	for id, history := range byEntity {
		current := 0
		for i, v := range history {
			if v.IsCurrent {
				current++
				require.Nil(t, v.ValidTo, "current version of %s must be open", id)
				require.Equal(t, len(history)-1, i, "current version of %s must be the latest", id)
				continue
			}
			require.NotNil(t, v.ValidTo, "closed version of %s must have valid_to", id)
			require.False(t, v.ValidTo.Before(v.ValidFrom), "window of %s is inverted", id)
			require.Equal(t, history[i+1].ValidFrom.AddDays(-1), *v.ValidTo,
				"windows of %s must be contiguous", id)
		}
		require.Equal(t, 1, current, "entity %s must have exactly one current version", id)
	}
}

func TestApplyBatch_NewEntity(t *testing.T) {
	store := repository.NewMemoryDimensionStore()
	engine := newTestEngine(store)

	result, err := engine.ApplyBatch(context.Background(), batchOf("a.parquet", product("P1", "Widget", "10.00")), day1)
	require.NoError(t, err)
	require.Equal(t, 1, result.Inserted)
	require.Len(t, result.Transitions, 1)
	require.Equal(t, domain.ClassificationNew, result.Transitions[0].Classification)

	versions, err := store.ListVersions(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, day1, versions[0].ValidFrom)
	require.True(t, versions[0].IsCurrent)
	require.Equal(t, time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC), versions[0].CreatedAt)
	requireDimensionInvariants(t, store)
}

func TestApplyBatch_IdenticalRecordWritesNothing(t *testing.T) {
	store := repository.NewMemoryDimensionStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	_, err := engine.ApplyBatch(ctx, batchOf("a.parquet", product("P1", "Widget", "10.00")), day1)
	require.NoError(t, err)

	// Same price in a different representation.
	result, err := engine.ApplyBatch(ctx, batchOf("b.parquet", product("P1", " Widget ", "10")), day2)
	require.NoError(t, err)
	require.Equal(t, 1, result.Unchanged)
	require.Zero(t, result.Inserted)
	require.Zero(t, result.Changed)

	versions, err := store.ListVersions(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, versions, 1)
}

func TestApplyBatch_PriceChangeClosesPreviousVersion(t *testing.T) {
	store := repository.NewMemoryDimensionStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	first, err := engine.ApplyBatch(ctx, batchOf("a.parquet", product("P1", "Widget", "10.00")), day1)
	require.NoError(t, err)
	originalKey := first.Transitions[0].SurrogateKey

	result, err := engine.ApplyBatch(ctx, batchOf("b.parquet", product("P1", "Widget", "12.00")), day2)
	require.NoError(t, err)
	require.Equal(t, 1, result.Changed)

	transition := result.Transitions[0]
	require.Equal(t, originalKey, transition.ClosedKey)
	require.Equal(t, []domain.AttributeChange{{Field: "price", Before: "10", After: "12"}}, transition.Changes)

	versions, err := store.ListVersions(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, originalKey, versions[0].SurrogateKey)
	require.Equal(t, day1, *versions[0].ValidTo)
	require.False(t, versions[0].IsCurrent)
	require.Equal(t, day2, versions[1].ValidFrom)
	require.True(t, versions[1].Price.Decimal.Equal(decimal.RequireFromString("12")))
	requireDimensionInvariants(t, store)
}

func TestApplyBatch_MidBatchFailureRollsBack(t *testing.T) {
	store := repository.NewMemoryDimensionStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	_, err := engine.ApplyBatch(ctx, batchOf("a.parquet", product("P1", "Widget", "10.00")), day1)
	require.NoError(t, err)
	before, err := store.ListVersions(ctx, "")
	require.NoError(t, err)

	store.InsertHook = func(rec domain.IncomingRecord) error {
		if rec.EntityID == "P3" {
			return fmt.Errorf("%w: simulated rejection", domain.ErrConstraintViolation)
		}
		return nil
	}

	batch := batchOf("b.parquet",
		product("P1", "Widget", "11.00"),
		product("P2", "Gadget", "3.50"),
		product("P3", "Gizmo", "7.25"),
	)
	_, err = engine.ApplyBatch(ctx, batch, day2)
	require.ErrorIs(t, err, domain.ErrConstraintViolation)

	var transitionErr *TransitionError
	require.ErrorAs(t, err, &transitionErr)
	require.Equal(t, "P3", transitionErr.EntityID)
	require.Equal(t, "b.parquet", transitionErr.Source)
	require.Equal(t, 3, transitionErr.Row)
	require.Equal(t, domain.ClassificationNew, transitionErr.Classification)

	after, err := store.ListVersions(ctx, "")
	require.NoError(t, err)
	require.Equal(t, before, after, "failed batch must leave no trace")

	// The batch is retryable once the cause is gone.
	store.InsertHook = nil
	result, err := engine.ApplyBatch(ctx, batch, day2)
	require.NoError(t, err)
	require.Equal(t, 2, result.Inserted)
	require.Equal(t, 1, result.Changed)
	requireDimensionInvariants(t, store)
}

func TestApplyBatch_ReplayIsIdempotent(t *testing.T) {
	store := repository.NewMemoryDimensionStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	batch := batchOf("a.parquet", product("P1", "Widget", "10"), product("P2", "Gadget", "3"))
	_, err := engine.ApplyBatch(ctx, batch, day1)
	require.NoError(t, err)
	first, err := store.ListVersions(ctx, "")
	require.NoError(t, err)

	result, err := engine.ApplyBatch(ctx, batch, day1)
	require.NoError(t, err)
	require.Equal(t, 2, result.Unchanged)

	second, err := store.ListVersions(ctx, "")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestApplyBatch_DuplicatesKeepLastOccurrence(t *testing.T) {
	store := repository.NewMemoryDimensionStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	batch := batchOf("a.parquet",
		product("P1", "Widget", "10"),
		product("P2", "Gadget", "3"),
		product("P1", "Widget", "15"),
	)
	result, err := engine.ApplyBatch(ctx, batch, day1)
	require.NoError(t, err)
	require.Equal(t, 3, result.Rows)
	require.Equal(t, 1, result.Duplicates)
	require.Equal(t, 2, result.Inserted)
	require.Equal(t, "P1", result.Transitions[0].EntityID)

	versions, err := store.ListVersions(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, "15", versions[0].Price.Decimal.String())
	requireDimensionInvariants(t, store)
}

func TestApplyBatch_RevisionOutOfOrder(t *testing.T) {
	tests := []struct {
		name      string
		batchDate domain.Date
	}{
		{"same day", day2},
		{"earlier day", day1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := repository.NewMemoryDimensionStore()
			engine := newTestEngine(store)
			ctx := context.Background()

			_, err := engine.ApplyBatch(ctx, batchOf("a.parquet", product("P1", "Widget", "10")), day2)
			require.NoError(t, err)

			_, err = engine.ApplyBatch(ctx, batchOf("b.parquet", product("P1", "Widget", "12")), tt.batchDate)
			require.ErrorIs(t, err, domain.ErrRevisionOutOfOrder)
			require.ErrorIs(t, err, domain.ErrConstraintViolation)

			versions, err := store.ListVersions(ctx, "P1")
			require.NoError(t, err)
			require.Len(t, versions, 1)
			require.Equal(t, "10", versions[0].Price.Decimal.String())
		})
	}
}

func TestApplyBatch_EmptyEntityIDFailsBatch(t *testing.T) {
	store := repository.NewMemoryDimensionStore()
	engine := newTestEngine(store)

	_, err := engine.ApplyBatch(context.Background(), batchOf("a.parquet", product("P1", "Widget", "1"), product("", "Orphan", "1")), day1)
	require.ErrorIs(t, err, domain.ErrConstraintViolation)

	versions, err := store.ListVersions(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, versions)
}

func TestApplyBatch_SequenceKeepsInvariants(t *testing.T) {
	store := repository.NewMemoryDimensionStore()
	engine := newTestEngine(store)
	ctx := context.Background()

	batches := []struct {
		date  domain.Date
		batch domain.Batch
	}{
		{day1, batchOf("a.parquet", product("P1", "Widget", "10"), product("P2", "Gadget", "3"))},
		{day2, batchOf("b.parquet", product("P1", "Widget Pro", "10"), product("P3", "Gizmo", "1"))},
		{day3, batchOf("c.parquet", product("P1", "Widget Pro", "11"), product("P2", "Gadget", "3"), unpriced("P3", "Gizmo"))},
	}
	for _, b := range batches {
		_, err := engine.ApplyBatch(ctx, b.batch, b.date)
		require.NoError(t, err)
		requireDimensionInvariants(t, store)
	}

	history, err := store.ListVersions(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		require.Less(t, history[i-1].SurrogateKey, history[i].SurrogateKey)
	}
}

// closedElsewhereStore simulates a concurrent writer retiring versions
// between snapshot load and close.
type closedElsewhereStore struct {
	*repository.MemoryDimensionStore
}

func (s closedElsewhereStore) WithinBatch(ctx context.Context, fn func(repository.DimensionTx) error) error {
	return s.MemoryDimensionStore.WithinBatch(ctx, func(tx repository.DimensionTx) error {
		return fn(closedElsewhereTx{tx})
	})
}

type closedElsewhereTx struct {
	repository.DimensionTx
}

func (tx closedElsewhereTx) CloseVersion(context.Context, int64, domain.Date) error {
	return fmt.Errorf("close version: %w", domain.ErrAlreadyClosed)
}

func TestApplyBatch_AlreadyClosedDoesNotMaskInsertFailure(t *testing.T) {
	mem := repository.NewMemoryDimensionStore()
	ctx := context.Background()

	_, err := newTestEngine(mem).ApplyBatch(ctx, batchOf("a.parquet", product("P1", "Widget", "10")), day1)
	require.NoError(t, err)

	// The memory store still has P1 current, so the insert is rejected after
	// the close is skipped; the warning path must not mask that error.
	_, err = newTestEngine(closedElsewhereStore{mem}).ApplyBatch(ctx, batchOf("b.parquet", product("P1", "Widget", "12")), day2)
	require.ErrorIs(t, err, domain.ErrConstraintViolation)
	require.False(t, errors.Is(err, domain.ErrNotFound))
}

// retiredByOtherWriterStore closes the version itself and then reports it as
// already closed, as a store would after losing a race to another writer.
type retiredByOtherWriterStore struct {
	*repository.MemoryDimensionStore
}

func (s retiredByOtherWriterStore) WithinBatch(ctx context.Context, fn func(repository.DimensionTx) error) error {
	return s.MemoryDimensionStore.WithinBatch(ctx, func(tx repository.DimensionTx) error {
		return fn(retiredByOtherWriterTx{tx})
	})
}

type retiredByOtherWriterTx struct {
	repository.DimensionTx
}

func (tx retiredByOtherWriterTx) CloseVersion(ctx context.Context, key int64, validTo domain.Date) error {
	if err := tx.DimensionTx.CloseVersion(ctx, key, validTo); err != nil {
		return err
	}
	return fmt.Errorf("close version: %w", domain.ErrAlreadyClosed)
}

func TestApplyBatch_AlreadyClosedIsTolerated(t *testing.T) {
	mem := repository.NewMemoryDimensionStore()
	ctx := context.Background()

	_, err := newTestEngine(mem).ApplyBatch(ctx, batchOf("a.parquet", product("P1", "Widget", "10")), day1)
	require.NoError(t, err)

	result, err := newTestEngine(retiredByOtherWriterStore{mem}).ApplyBatch(ctx, batchOf("b.parquet", product("P1", "Widget", "12")), day2)
	require.NoError(t, err)
	require.Equal(t, 1, result.Changed)
	require.Equal(t, 1, result.AlreadyClosed)
	require.Zero(t, result.Transitions[0].ClosedKey)
	require.NotZero(t, result.Transitions[0].SurrogateKey)

	history, err := mem.ListVersions(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.False(t, history[0].IsCurrent)
	require.True(t, history[1].IsCurrent)
	requireDimensionInvariants(t, mem)
}

func TestApplyBatch_CancelledContext(t *testing.T) {
	store := repository.NewMemoryDimensionStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestEngine(store).ApplyBatch(ctx, batchOf("a.parquet", product("P1", "Widget", "10")), day1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestApplyBatch_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := repository.NewSQLiteDimensionStore(ctx, slog.New(slog.DiscardHandler), filepath.Join(t.TempDir(), "dim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(ctx))

	engine := newTestEngine(store)
	_, err = engine.ApplyBatch(ctx, batchOf("a.parquet", product("P1", "Widget", "19.99"), product("P2", "Gadget", "3")), day1)
	require.NoError(t, err)

	result, err := engine.ApplyBatch(ctx, batchOf("b.parquet", product("P1", "Widget", "19.990"), product("P2", "Gadget", "4")), day2)
	require.NoError(t, err)
	require.Equal(t, 1, result.Unchanged)
	require.Equal(t, 1, result.Changed)
	requireDimensionInvariants(t, store)
}
