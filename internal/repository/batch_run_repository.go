package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/productdim/internal/domain"
)

const defaultBatchRunLimit = 200

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultBatchRunLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

type postgresBatchRunRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresBatchRunRepository wires a repository backed by pgxpool.
func NewPostgresBatchRunRepository(pool *pgxpool.Pool) BatchRunRepository {
	return &postgresBatchRunRepository{pool: pool}
}

func (r *postgresBatchRunRepository) Record(ctx context.Context, run domain.BatchRun) error {
	if r.pool == nil {
		return fmt.Errorf("batch run repository not initialized")
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO batch_runs
		 (id, run_id, source, batch_date, status, rows_total, inserted, changed, unchanged, duplicates,
		  entity_id, error_message, started_at, completed_at)
		 VALUES ($1, $2, $3, CAST($4::text AS DATE), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		run.ID,
		run.RunID,
		run.Source,
		run.BatchDate.String(),
		string(run.Status),
		run.Rows,
		run.Inserted,
		run.Changed,
		run.Unchanged,
		run.Duplicates,
		run.EntityID,
		run.ErrorMessage,
		run.StartedAt.UTC(),
		run.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record batch run: %w", err)
	}
	return nil
}

func (r *postgresBatchRunRepository) List(ctx context.Context, source string, limit int, offset int) ([]domain.BatchRun, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("batch run repository not initialized")
	}
	limit, offset = normalizePage(limit, offset)

	rows, err := r.pool.Query(
		ctx,
		`SELECT id, run_id, source, batch_date::text, status, rows_total, inserted, changed, unchanged,
		        duplicates, entity_id, error_message, started_at, completed_at
		 FROM batch_runs
		 WHERE $1 = '' OR source = $1
		 ORDER BY started_at DESC
		 LIMIT $2 OFFSET $3`,
		source,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.BatchRun{}
	for rows.Next() {
		var (
			run         domain.BatchRun
			batchDate   string
			status      string
			entityID    pgtype.Text
			errMessage  pgtype.Text
			startedAt   pgtype.Timestamptz
			completedAt pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&run.ID,
			&run.RunID,
			&run.Source,
			&batchDate,
			&status,
			&run.Rows,
			&run.Inserted,
			&run.Changed,
			&run.Unchanged,
			&run.Duplicates,
			&entityID,
			&errMessage,
			&startedAt,
			&completedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan batch run: %w", scanErr)
		}

		run.Status = domain.BatchRunStatus(status)
		if date, parseErr := domain.ParseDate(batchDate); parseErr == nil {
			run.BatchDate = date
		}
		if entityID.Valid {
			value := entityID.String
			run.EntityID = &value
		}
		if errMessage.Valid {
			value := errMessage.String
			run.ErrorMessage = &value
		}
		if startedAt.Valid {
			run.StartedAt = startedAt.Time.UTC()
		}
		if completedAt.Valid {
			run.CompletedAt = completedAt.Time.UTC()
		}

		runs = append(runs, run)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate batch runs: %w", rowsErr)
	}
	return runs, nil
}

type sqliteBatchRunRepository struct {
	db *sql.DB
}

// NewSQLiteBatchRunRepository wires a repository sharing the dimension's SQLite handle.
func NewSQLiteBatchRunRepository(db *sql.DB) BatchRunRepository {
	return &sqliteBatchRunRepository{db: db}
}

func (r *sqliteBatchRunRepository) Record(ctx context.Context, run domain.BatchRun) error {
	if r.db == nil {
		return fmt.Errorf("batch run repository not initialized")
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO batch_runs
		 (id, run_id, source, batch_date, status, rows_total, inserted, changed, unchanged, duplicates,
		  entity_id, error_message, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(),
		run.RunID.String(),
		run.Source,
		run.BatchDate.String(),
		string(run.Status),
		run.Rows,
		run.Inserted,
		run.Changed,
		run.Unchanged,
		run.Duplicates,
		run.EntityID,
		run.ErrorMessage,
		run.StartedAt.UTC().Format(sqliteTimeLayout),
		run.CompletedAt.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to record batch run: %w", err)
	}
	return nil
}

func (r *sqliteBatchRunRepository) List(ctx context.Context, source string, limit int, offset int) ([]domain.BatchRun, error) {
	if r.db == nil {
		return nil, fmt.Errorf("batch run repository not initialized")
	}
	limit, offset = normalizePage(limit, offset)

	rows, err := r.db.QueryContext(
		ctx,
		`SELECT id, run_id, source, batch_date, status, rows_total, inserted, changed, unchanged,
		        duplicates, entity_id, error_message, started_at, completed_at
		 FROM batch_runs
		 WHERE ?1 = '' OR source = ?1
		 ORDER BY started_at DESC
		 LIMIT ?2 OFFSET ?3`,
		source,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.BatchRun{}
	for rows.Next() {
		var (
			run                    domain.BatchRun
			id, runID              string
			batchDate, status      string
			entityID, errMessage   sql.NullString
			startedAt, completedAt string
		)
		if scanErr := rows.Scan(
			&id,
			&runID,
			&run.Source,
			&batchDate,
			&status,
			&run.Rows,
			&run.Inserted,
			&run.Changed,
			&run.Unchanged,
			&run.Duplicates,
			&entityID,
			&errMessage,
			&startedAt,
			&completedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan batch run: %w", scanErr)
		}

		run.ID, _ = uuid.Parse(id)
		run.RunID, _ = uuid.Parse(runID)
		run.Status = domain.BatchRunStatus(status)
		if date, parseErr := domain.ParseDate(batchDate); parseErr == nil {
			run.BatchDate = date
		}
		if entityID.Valid {
			value := entityID.String
			run.EntityID = &value
		}
		if errMessage.Valid {
			value := errMessage.String
			run.ErrorMessage = &value
		}
		if ts, parseErr := time.Parse(sqliteTimeLayout, startedAt); parseErr == nil {
			run.StartedAt = ts
		}
		if ts, parseErr := time.Parse(sqliteTimeLayout, completedAt); parseErr == nil {
			run.CompletedAt = ts
		}

		runs = append(runs, run)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate batch runs: %w", rowsErr)
	}
	return runs, nil
}

// MemoryBatchRunRepository keeps batch runs in process memory.
type MemoryBatchRunRepository struct {
	mu   sync.Mutex
	runs []domain.BatchRun
}

func NewMemoryBatchRunRepository() *MemoryBatchRunRepository {
	return &MemoryBatchRunRepository{}
}

func (r *MemoryBatchRunRepository) Record(_ context.Context, run domain.BatchRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	r.runs = append(r.runs, run)
	return nil
}

func (r *MemoryBatchRunRepository) List(_ context.Context, source string, limit int, offset int) ([]domain.BatchRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit, offset = normalizePage(limit, offset)

	filtered := []domain.BatchRun{}
	for _, run := range r.runs {
		if source == "" || run.Source == source {
			filtered = append(filtered, run)
		}
	}
	// Newest first; equal timestamps keep reverse insertion order.
	for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
		filtered[i], filtered[j] = filtered[j], filtered[i]
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].StartedAt.After(filtered[j].StartedAt)
	})

	if offset >= len(filtered) {
		return []domain.BatchRun{}, nil
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end], nil
}
