package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/rpattn/productdim/internal/db"
	"github.com/rpattn/productdim/internal/domain"
)

func startPostgres(t *testing.T) *db.Connection {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("productdim"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("password"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = testcontainers.TerminateContainer(container, testcontainers.StopContext(terminateCtx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := db.NewConnectionFromDSN(ctx, testLogger(), dsn)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestPostgresDimensionStore(t *testing.T) {
	conn := startPostgres(t)
	exerciseDimensionStore(t, NewPostgresDimensionStore(testLogger(), conn))
}

func TestPostgresBatchRunRepository(t *testing.T) {
	conn := startPostgres(t)
	ctx := context.Background()
	require.NoError(t, NewPostgresDimensionStore(testLogger(), conn).EnsureSchema(ctx))

	exerciseBatchRunRepository(t, NewPostgresBatchRunRepository(conn.Pool))
}

func TestPostgresDimensionStore_RejectsInvertedWindow(t *testing.T) {
	conn := startPostgres(t)
	ctx := context.Background()
	store := NewPostgresDimensionStore(testLogger(), conn)
	require.NoError(t, store.EnsureSchema(ctx))

	err := store.WithinBatch(ctx, func(tx DimensionTx) error {
		key, err := tx.InsertNewVersion(ctx, widget("P1", "Widget", "1"), domain.MustParseDate("2024-01-05"), time.Now())
		if err != nil {
			return err
		}
		return tx.CloseVersion(ctx, key, domain.MustParseDate("2024-01-01"))
	})
	require.ErrorIs(t, err, domain.ErrConstraintViolation)
}
