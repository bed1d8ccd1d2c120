package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/productdim/internal/domain"
	"github.com/rpattn/productdim/internal/ingestion"
	"github.com/rpattn/productdim/internal/metrics"
	"github.com/rpattn/productdim/internal/repository"
	"github.com/rpattn/productdim/internal/scd"
)

var now = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func writeBatch(t *testing.T, dir, name, csv string) {
	t.Helper()
	table, err := ingestion.Clean(name+".csv", []byte(csv), now)
	require.NoError(t, err)
	require.NoError(t, ingestion.WriteParquet(filepath.Join(dir, name+".parquet"), table))
}

func newDriver(t *testing.T, processedDir string) (*Driver, *repository.MemoryDimensionStore, *repository.MemoryBatchRunRepository) {
	t.Helper()
	store := repository.NewMemoryDimensionStore()
	runs := repository.NewMemoryBatchRunRepository()
	return NewDriver(discardLogger(), store, runs, processedDir, clockwork.NewFakeClockAt(now)), store, runs
}

func asOf(raw string) *domain.Date {
	d := domain.MustParseDate(raw)
	return &d
}

func TestDriverIsolatesFailingBatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeBatch(t, dir, "products_a", "product_id,product_name,price\nP1,Widget,10.00\n")
	writeBatch(t, dir, "products_b", "product_id,product_name,price\nP2,Gadget,5\n,Nameless,1\n")
	writeBatch(t, dir, "products_c", "product_id,product_name,price\nP3,Gizmo,7\n")

	driver, store, runs := newDriver(t, dir)
	committedBefore := testutil.ToFloat64(metrics.BatchesTotal.WithLabelValues("committed"))
	failedBefore := testutil.ToFloat64(metrics.BatchesTotal.WithLabelValues("failed"))

	summary, err := driver.Run(ctx, asOf("2024-01-01"))
	require.NoError(t, err)

	require.Equal(t, committedBefore+2, testutil.ToFloat64(metrics.BatchesTotal.WithLabelValues("committed")))
	require.Equal(t, failedBefore+1, testutil.ToFloat64(metrics.BatchesTotal.WithLabelValues("failed")))
	require.Len(t, summary.Batches, 3)
	require.Equal(t, []string{"products_a.parquet", "products_b.parquet", "products_c.parquet"},
		[]string{summary.Batches[0].Source, summary.Batches[1].Source, summary.Batches[2].Source})
	require.Equal(t, 2, summary.Committed())
	require.Equal(t, 1, summary.Failed())
	require.ErrorIs(t, summary.Batches[1].Err, domain.ErrConstraintViolation)

	var transitionErr *scd.TransitionError
	require.True(t, errors.As(summary.Batches[1].Err, &transitionErr))
	require.Equal(t, "products_b.parquet", transitionErr.Source)

	versions, err := store.ListVersions(ctx, "")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, "P1", versions[0].EntityID)
	require.Equal(t, "P3", versions[1].EntityID)

	failed, err := runs.List(ctx, "products_b.parquet", 0, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, domain.BatchRunFailed, failed[0].Status)
	require.NotNil(t, failed[0].ErrorMessage)
	require.NotNil(t, failed[0].EntityID)
	require.Equal(t, "", *failed[0].EntityID)
	require.Equal(t, summary.RunID, failed[0].RunID)
	require.Equal(t, domain.MustParseDate("2024-01-01"), failed[0].BatchDate)
}

func TestDriverSkipsCommittedBatchesOnNextRun(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeBatch(t, dir, "products_20240101", "product_id,product_name,price\nP1,Widget,10.00\n")

	driver, store, _ := newDriver(t, dir)
	first, err := driver.Run(ctx, asOf("2024-01-01"))
	require.NoError(t, err)
	require.Equal(t, 1, first.Committed())

	writeBatch(t, dir, "products_20240201", "product_id,product_name,price\nP1,Widget,12.00\n")
	second, err := driver.Run(ctx, asOf("2024-02-01"))
	require.NoError(t, err)
	require.Equal(t, 1, second.Skipped())
	require.Equal(t, 1, second.Committed())
	require.Equal(t, 1, second.Batches[1].Result.Changed)

	versions, err := store.ListVersions(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, "2024-01-31", versions[0].ValidTo.String())
	require.False(t, versions[0].IsCurrent)
	require.Equal(t, "2024-02-01", versions[1].ValidFrom.String())
	require.True(t, versions[1].IsCurrent)
}

func TestDriverReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeBatch(t, dir, "products", "product_id,product_name,price\nP1,Widget,19.99\nP2,Gadget,\n")

	driver, store, _ := newDriver(t, dir)
	_, err := driver.Run(ctx, asOf("2024-01-01"))
	require.NoError(t, err)
	before, err := store.ListVersions(ctx, "")
	require.NoError(t, err)

	driver.Replay = true
	summary, err := driver.Run(ctx, asOf("2024-01-01"))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Committed())
	require.Equal(t, 2, summary.Batches[0].Result.Unchanged)

	after, err := store.ListVersions(ctx, "")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestDriverSchemaFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeBatch(t, dir, "products", "product_id,price\nP1,1\n")

	driver, store, runs := newDriver(t, dir)
	store.SchemaErr = errors.New("disk full")

	_, err := driver.Run(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrSchema)

	recorded, err := runs.List(context.Background(), "", 0, 0)
	require.NoError(t, err)
	require.Empty(t, recorded)
}

func TestDriverWithoutProcessedBatches(t *testing.T) {
	driver, _, _ := newDriver(t, filepath.Join(t.TempDir(), "missing"))
	_, err := driver.Run(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrMissingInput)

	empty := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(empty, "notes.txt"), []byte("x"), 0o644))
	driver, _, _ = newDriver(t, empty)
	_, err = driver.Run(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrMissingInput)
}

func TestDriverBatchDateDefaultsToClock(t *testing.T) {
	driver, _, _ := newDriver(t, t.TempDir())
	require.Equal(t, "2024-02-01", driver.BatchDate(nil).String())
	require.Equal(t, "2023-12-31", driver.BatchDate(asOf("2023-12-31")).String())
}

func TestRunnerChainsStages(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	sampleDir := filepath.Join(root, "sample")
	rawDir := filepath.Join(root, "raw")
	processedDir := filepath.Join(root, "processed")
	require.NoError(t, os.MkdirAll(sampleDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sampleDir, "products.csv"),
		[]byte("product_id,product_name,category,price,currency\nP1,Widget,Tools,10.00,USD\nP2,Gadget,Toys,3.50,EUR\n"), 0o644))

	clock := clockwork.NewFakeClockAt(now)
	landing := ingestion.NewFSLanding(rawDir)
	driver, store, _ := newDriver(t, processedDir)
	runner := NewRunner(discardLogger(),
		ingestion.NewIngester(discardLogger(), sampleDir, landing, clock),
		ingestion.NewProcessor(discardLogger(), landing, processedDir, 2, clock),
		driver,
	)

	report, err := runner.Run(ctx, []string{"products.csv", "absent.csv"}, nil)
	require.NoError(t, err)
	require.Len(t, report.Landed, 1)
	require.Equal(t, []string{"absent.csv"}, report.Missing)
	require.Empty(t, report.Skipped)
	require.Zero(t, report.Process.Failed())
	require.Equal(t, 1, report.Merge.Committed())
	require.Equal(t, 2, report.Merge.Batches[0].Result.Inserted)

	versions, err := store.ListVersions(ctx, "P2")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	require.Equal(t, "3.5", versions[0].Price.Decimal.String())
	require.Equal(t, "2024-02-01", versions[0].ValidFrom.String())
}

func TestRunnerSkipsStagesWithoutInput(t *testing.T) {
	root := t.TempDir()
	landing := ingestion.NewFSLanding(filepath.Join(root, "raw"))
	driver, _, _ := newDriver(t, filepath.Join(root, "processed"))
	runner := NewRunner(discardLogger(),
		ingestion.NewIngester(discardLogger(), filepath.Join(root, "sample"), landing, nil),
		ingestion.NewProcessor(discardLogger(), landing, filepath.Join(root, "processed"), 1, nil),
		driver,
	)

	report, err := runner.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"process", "merge"}, report.Skipped)
}
