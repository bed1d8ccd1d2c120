package repository

import (
	"context"
	"time"

	"github.com/rpattn/productdim/internal/domain"
)

// DimensionStore owns the schema and the row access of the versioned dimension table.
type DimensionStore interface {
	// EnsureSchema creates the dimension table when absent. It is idempotent and
	// returns an error matching domain.ErrSchema on failure.
	EnsureSchema(ctx context.Context) error

	// WithinBatch runs fn inside one transaction. All writes made through the
	// DimensionTx commit together when fn returns nil and roll back otherwise.
	WithinBatch(ctx context.Context, fn func(DimensionTx) error) error

	// ListVersions returns every version of entityID ordered by valid_from, or
	// of all entities when entityID is empty.
	ListVersions(ctx context.Context, entityID string) ([]domain.VersionRow, error)

	Close() error
}

// DimensionTx is the row access available inside a batch transaction.
type DimensionTx interface {
	// LoadCurrentSnapshot returns all current versions keyed by entity id.
	LoadCurrentSnapshot(ctx context.Context) (domain.Snapshot, error)

	// InsertNewVersion appends a current version of rec starting on validFrom
	// and returns its surrogate key. Store rejections match
	// domain.ErrConstraintViolation.
	InsertNewVersion(ctx context.Context, rec domain.IncomingRecord, validFrom domain.Date, createdAt time.Time) (int64, error)

	// CloseVersion retires the version with the given surrogate key. It returns
	// domain.ErrNotFound when the key does not exist and domain.ErrAlreadyClosed
	// when the version is no longer current.
	CloseVersion(ctx context.Context, surrogateKey int64, validTo domain.Date) error
}

// BatchRunRepository stores merge outcomes for operators.
type BatchRunRepository interface {
	Record(ctx context.Context, run domain.BatchRun) error
	// List returns runs newest first, restricted to source when it is not empty.
	List(ctx context.Context, source string, limit int, offset int) ([]domain.BatchRun, error)
}
