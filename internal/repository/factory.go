package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rpattn/productdim/internal/db"
)

// Stores bundles the repositories one run works against.
type Stores struct {
	Dimension DimensionStore
	BatchRuns BatchRunRepository
}

// Close releases the underlying connection.
func (s Stores) Close() error {
	if s.Dimension == nil {
		return nil
	}
	return s.Dimension.Close()
}

// Open connects to the store selected by cfg.Driver.
func Open(ctx context.Context, log *slog.Logger, cfg db.Config) (Stores, error) {
	switch cfg.Driver {
	case db.DriverPostgres:
		conn, err := db.NewConnection(ctx, log, cfg)
		if err != nil {
			return Stores{}, err
		}
		return Stores{
			Dimension: NewPostgresDimensionStore(log, conn),
			BatchRuns: NewPostgresBatchRunRepository(conn.Pool),
		}, nil
	case db.DriverSQLite, "":
		store, err := NewSQLiteDimensionStore(ctx, log, cfg.SQLitePath)
		if err != nil {
			return Stores{}, err
		}
		return Stores{
			Dimension: store,
			BatchRuns: NewSQLiteBatchRunRepository(store.DB()),
		}, nil
	case db.DriverMemory:
		return Stores{
			Dimension: NewMemoryDimensionStore(),
			BatchRuns: NewMemoryBatchRunRepository(),
		}, nil
	default:
		return Stores{}, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
