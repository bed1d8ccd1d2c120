package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/rpattn/productdim/internal/db"
	"github.com/rpattn/productdim/internal/domain"
)

const versionColumns = `surrogate_key, entity_id, name, category, price, currency, valid_from, valid_to, is_current, created_at`

// pgVersionColumns renders numeric and date columns as text so they cross the
// boundary in their canonical form.
const pgVersionColumns = `surrogate_key, entity_id, name, category, price::text, currency,
	valid_from::text, valid_to::text, is_current, created_at`

// pgQuerier is satisfied by both the pool and a transaction.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresDimensionStore implements DimensionStore on top of pgxpool.
type PostgresDimensionStore struct {
	conn *db.Connection
	log  *slog.Logger
}

// NewPostgresDimensionStore wires a dimension store backed by conn.
func NewPostgresDimensionStore(log *slog.Logger, conn *db.Connection) *PostgresDimensionStore {
	return &PostgresDimensionStore{conn: conn, log: log}
}

func (s *PostgresDimensionStore) EnsureSchema(ctx context.Context) error {
	if s.conn == nil || s.conn.Pool == nil {
		return fmt.Errorf("%w: postgres dimension store not initialized", domain.ErrSchema)
	}
	status, err := db.RunPostgresMigrations(s.log, s.conn.Pool)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSchema, err)
	}

	var exists bool
	if err := s.conn.Pool.QueryRow(ctx, `SELECT to_regclass('product_dim') IS NOT NULL`).Scan(&exists); err != nil {
		return fmt.Errorf("%w: failed to verify product_dim: %w", domain.ErrSchema, err)
	}
	if !exists {
		return fmt.Errorf("%w: product_dim missing after migration version %d", domain.ErrSchema, status.Version)
	}
	return nil
}

func (s *PostgresDimensionStore) WithinBatch(ctx context.Context, fn func(DimensionTx) error) error {
	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&postgresDimensionTx{q: tx})
	})
}

func (s *PostgresDimensionStore) ListVersions(ctx context.Context, entityID string) ([]domain.VersionRow, error) {
	rows, err := s.conn.Pool.Query(ctx,
		`SELECT `+pgVersionColumns+`
		 FROM product_dim
		 WHERE $1 = '' OR entity_id = $1
		 ORDER BY entity_id, valid_from, surrogate_key`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return collectPostgresVersions(rows)
}

func (s *PostgresDimensionStore) Close() error {
	s.conn.Close()
	return nil
}

type postgresDimensionTx struct {
	q pgQuerier
}

func (t *postgresDimensionTx) LoadCurrentSnapshot(ctx context.Context) (domain.Snapshot, error) {
	// Row locks keep a second run from closing the same versions underneath us.
	rows, err := t.q.Query(ctx,
		`SELECT `+pgVersionColumns+`
		 FROM product_dim
		 WHERE is_current
		 FOR UPDATE`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load current snapshot: %w", err)
	}
	versions, err := collectPostgresVersions(rows)
	if err != nil {
		return nil, err
	}

	snapshot := make(domain.Snapshot, len(versions))
	for _, v := range versions {
		snapshot[v.EntityID] = v
	}
	return snapshot, nil
}

func (t *postgresDimensionTx) InsertNewVersion(ctx context.Context, rec domain.IncomingRecord, validFrom domain.Date, createdAt time.Time) (int64, error) {
	var price *string
	if rec.Price.Valid {
		text := rec.Price.Decimal.String()
		price = &text
	}

	var key int64
	err := t.q.QueryRow(ctx,
		`INSERT INTO product_dim
		 (entity_id, name, category, price, currency, valid_from, valid_to, is_current, created_at)
		 VALUES ($1, $2, $3, CAST($4::text AS NUMERIC), $5, CAST($6::text AS DATE), NULL, TRUE, $7)
		 RETURNING surrogate_key`,
		rec.EntityID,
		rec.Name,
		rec.Category,
		price,
		rec.Currency,
		validFrom.String(),
		createdAt.UTC(),
	).Scan(&key)
	if err != nil {
		return 0, fmt.Errorf("failed to insert version for %s: %w", rec.EntityID, mapPostgresWriteError(err))
	}
	return key, nil
}

func (t *postgresDimensionTx) CloseVersion(ctx context.Context, surrogateKey int64, validTo domain.Date) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE product_dim
		 SET valid_to = CAST($2::text AS DATE), is_current = FALSE
		 WHERE surrogate_key = $1 AND is_current`,
		surrogateKey,
		validTo.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to close version %d: %w", surrogateKey, mapPostgresWriteError(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current bool
	err = t.q.QueryRow(ctx, `SELECT is_current FROM product_dim WHERE surrogate_key = $1`, surrogateKey).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("close version %d: %w", surrogateKey, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to inspect version %d: %w", surrogateKey, err)
	}
	return fmt.Errorf("close version %d: %w", surrogateKey, domain.ErrAlreadyClosed)
}

func collectPostgresVersions(rows pgx.Rows) ([]domain.VersionRow, error) {
	defer rows.Close()

	versions := []domain.VersionRow{}
	for rows.Next() {
		var (
			v                        domain.VersionRow
			name, category, currency pgtype.Text
			price, validFrom         pgtype.Text
			validTo                  pgtype.Text
			createdAt                pgtype.Timestamptz
		)
		if err := rows.Scan(
			&v.SurrogateKey,
			&v.EntityID,
			&name,
			&category,
			&price,
			&currency,
			&validFrom,
			&validTo,
			&v.IsCurrent,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}

		v.Name = name.String
		v.Category = category.String
		v.Currency = currency.String
		if createdAt.Valid {
			v.CreatedAt = createdAt.Time.UTC()
		}
		if err := decodeVersionText(&v, price, validFrom, validTo); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate versions: %w", err)
	}
	return versions, nil
}

func decodeVersionText(v *domain.VersionRow, price, validFrom, validTo pgtype.Text) error {
	if price.Valid {
		d, err := decimal.NewFromString(price.String)
		if err != nil {
			return fmt.Errorf("version %d has invalid price %q: %w", v.SurrogateKey, price.String, err)
		}
		v.Price = decimal.NewNullDecimal(d)
	}

	from, err := domain.ParseDate(validFrom.String)
	if err != nil {
		return fmt.Errorf("version %d: %w", v.SurrogateKey, err)
	}
	v.ValidFrom = from

	if validTo.Valid {
		to, err := domain.ParseDate(validTo.String)
		if err != nil {
			return fmt.Errorf("version %d: %w", v.SurrogateKey, err)
		}
		v.ValidTo = &to
	}
	return nil
}

// mapPostgresWriteError tags integrity and data exceptions as constraint violations.
func mapPostgresWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "22")) {
		return fmt.Errorf("%w: %s (%s)", domain.ErrConstraintViolation, pgErr.Message, pgErr.Code)
	}
	return err
}
