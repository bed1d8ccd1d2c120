package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rpattn/productdim/internal/domain"
)

// MemoryDimensionStore keeps the dimension in process memory. It enforces the
// same uniqueness rules as the SQL schema and is used by tests and dry runs.
type MemoryDimensionStore struct {
	mu      sync.Mutex
	rows    []domain.VersionRow
	nextKey int64

	// InsertHook, when set, runs before every insert and aborts it with the
	// returned error.
	InsertHook func(rec domain.IncomingRecord) error
	// SchemaErr, when set, is returned by EnsureSchema.
	SchemaErr error
}

// NewMemoryDimensionStore creates an empty in-memory store.
func NewMemoryDimensionStore() *MemoryDimensionStore {
	return &MemoryDimensionStore{nextKey: 1}
}

func (s *MemoryDimensionStore) EnsureSchema(context.Context) error {
	if s.SchemaErr != nil {
		return fmt.Errorf("%w: %w", domain.ErrSchema, s.SchemaErr)
	}
	return nil
}

// WithinBatch serializes batches and applies fn's writes only when it succeeds.
func (s *MemoryDimensionStore) WithinBatch(ctx context.Context, fn func(DimensionTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryDimensionTx{
		rows:    append([]domain.VersionRow(nil), s.rows...),
		nextKey: s.nextKey,
		hook:    s.InsertHook,
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.rows = tx.rows
	s.nextKey = tx.nextKey
	return nil
}

func (s *MemoryDimensionStore) ListVersions(_ context.Context, entityID string) ([]domain.VersionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.VersionRow{}
	for _, row := range s.rows {
		if entityID == "" || row.EntityID == entityID {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		if out[i].ValidFrom != out[j].ValidFrom {
			return out[i].ValidFrom.Before(out[j].ValidFrom)
		}
		return out[i].SurrogateKey < out[j].SurrogateKey
	})
	return out, nil
}

func (s *MemoryDimensionStore) Close() error {
	return nil
}

type memoryDimensionTx struct {
	rows    []domain.VersionRow
	nextKey int64
	hook    func(rec domain.IncomingRecord) error
}

func (t *memoryDimensionTx) LoadCurrentSnapshot(context.Context) (domain.Snapshot, error) {
	snapshot := make(domain.Snapshot)
	for _, row := range t.rows {
		if row.IsCurrent {
			snapshot[row.EntityID] = row
		}
	}
	return snapshot, nil
}

func (t *memoryDimensionTx) InsertNewVersion(_ context.Context, rec domain.IncomingRecord, validFrom domain.Date, createdAt time.Time) (int64, error) {
	if t.hook != nil {
		if err := t.hook(rec); err != nil {
			return 0, fmt.Errorf("failed to insert version for %s: %w", rec.EntityID, err)
		}
	}
	if rec.EntityID == "" {
		return 0, fmt.Errorf("failed to insert version: %w: empty entity id", domain.ErrConstraintViolation)
	}

	for _, row := range t.rows {
		if row.EntityID != rec.EntityID {
			continue
		}
		if row.IsCurrent {
			return 0, fmt.Errorf("failed to insert version for %s: %w: current version %d exists",
				rec.EntityID, domain.ErrConstraintViolation, row.SurrogateKey)
		}
		if row.ValidFrom == validFrom {
			return 0, fmt.Errorf("failed to insert version for %s: %w: version starting %s exists",
				rec.EntityID, domain.ErrConstraintViolation, validFrom)
		}
	}

	row := domain.NewVersionRow(rec, validFrom, createdAt)
	row.SurrogateKey = t.nextKey
	t.nextKey++
	t.rows = append(t.rows, row)
	return row.SurrogateKey, nil
}

func (t *memoryDimensionTx) CloseVersion(_ context.Context, surrogateKey int64, validTo domain.Date) error {
	for i, row := range t.rows {
		if row.SurrogateKey != surrogateKey {
			continue
		}
		if !row.IsCurrent {
			return fmt.Errorf("close version %d: %w", surrogateKey, domain.ErrAlreadyClosed)
		}
		if validTo.Before(row.ValidFrom) {
			return fmt.Errorf("failed to close version %d: %w: valid_to %s precedes valid_from %s",
				surrogateKey, domain.ErrConstraintViolation, validTo, row.ValidFrom)
		}
		t.rows[i] = row.Closed(validTo)
		return nil
	}
	return fmt.Errorf("close version %d: %w", surrogateKey, domain.ErrNotFound)
}
