package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/rpattn/productdim/internal/db"
	"github.com/rpattn/productdim/internal/domain"
)

// sqliteTimeLayout keeps stored timestamps fixed-width so they sort as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteDimensionStore implements DimensionStore on a local SQLite file.
type SQLiteDimensionStore struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// NewSQLiteDimensionStore opens (creating if needed) the database file at path.
func NewSQLiteDimensionStore(ctx context.Context, log *slog.Logger, path string) (*SQLiteDimensionStore, error) {
	handle, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &SQLiteDimensionStore{db: handle, path: path, log: log}, nil
}

// DB exposes the underlying handle so sibling repositories can share it.
func (s *SQLiteDimensionStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteDimensionStore) EnsureSchema(ctx context.Context) error {
	if _, err := db.RunSQLiteMigrations(s.log, s.path); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSchema, err)
	}

	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'product_dim'`,
	).Scan(&name)
	if err != nil {
		return fmt.Errorf("%w: failed to verify product_dim: %w", domain.ErrSchema, err)
	}
	return nil
}

func (s *SQLiteDimensionStore) WithinBatch(ctx context.Context, fn func(DimensionTx) error) error {
	return db.WithSQLTx(ctx, s.db, func(tx *sql.Tx) error {
		return fn(&sqliteDimensionTx{q: tx})
	})
}

func (s *SQLiteDimensionStore) ListVersions(ctx context.Context, entityID string) ([]domain.VersionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+`
		 FROM product_dim
		 WHERE ?1 = '' OR entity_id = ?1
		 ORDER BY entity_id, valid_from, surrogate_key`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return collectSQLiteVersions(rows)
}

func (s *SQLiteDimensionStore) Close() error {
	return s.db.Close()
}

type sqliteDimensionTx struct {
	q sqlQuerier
}

func (t *sqliteDimensionTx) LoadCurrentSnapshot(ctx context.Context) (domain.Snapshot, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM product_dim WHERE is_current = 1`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load current snapshot: %w", err)
	}
	versions, err := collectSQLiteVersions(rows)
	if err != nil {
		return nil, err
	}

	snapshot := make(domain.Snapshot, len(versions))
	for _, v := range versions {
		snapshot[v.EntityID] = v
	}
	return snapshot, nil
}

func (t *sqliteDimensionTx) InsertNewVersion(ctx context.Context, rec domain.IncomingRecord, validFrom domain.Date, createdAt time.Time) (int64, error) {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO product_dim
		 (entity_id, name, category, price, currency, valid_from, valid_to, is_current, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, 1, ?)`,
		rec.EntityID,
		rec.Name,
		rec.Category,
		rec.Price,
		rec.Currency,
		validFrom.String(),
		createdAt.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert version for %s: %w", rec.EntityID, mapSQLiteWriteError(err))
	}
	key, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read surrogate key for %s: %w", rec.EntityID, err)
	}
	return key, nil
}

func (t *sqliteDimensionTx) CloseVersion(ctx context.Context, surrogateKey int64, validTo domain.Date) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE product_dim
		 SET valid_to = ?, is_current = 0
		 WHERE surrogate_key = ? AND is_current = 1`,
		validTo.String(),
		surrogateKey,
	)
	if err != nil {
		return fmt.Errorf("failed to close version %d: %w", surrogateKey, mapSQLiteWriteError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to close version %d: %w", surrogateKey, err)
	}
	if affected == 1 {
		return nil
	}

	var current bool
	err = t.q.QueryRowContext(ctx, `SELECT is_current FROM product_dim WHERE surrogate_key = ?`, surrogateKey).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("close version %d: %w", surrogateKey, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to inspect version %d: %w", surrogateKey, err)
	}
	return fmt.Errorf("close version %d: %w", surrogateKey, domain.ErrAlreadyClosed)
}

func collectSQLiteVersions(rows *sql.Rows) ([]domain.VersionRow, error) {
	defer rows.Close()

	versions := []domain.VersionRow{}
	for rows.Next() {
		var (
			v                        domain.VersionRow
			name, category, currency sql.NullString
			price                    decimal.NullDecimal
			validFrom                string
			validTo                  sql.NullString
			createdAt                string
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
		v.Price = price

		from, err := domain.ParseDate(validFrom)
		if err != nil {
			return nil, fmt.Errorf("version %d: %w", v.SurrogateKey, err)
		}
		v.ValidFrom = from
		if validTo.Valid {
			to, err := domain.ParseDate(validTo.String)
			if err != nil {
				return nil, fmt.Errorf("version %d: %w", v.SurrogateKey, err)
			}
			v.ValidTo = &to
		}
		ts, err := time.Parse(sqliteTimeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("version %d: invalid created_at %q: %w", v.SurrogateKey, createdAt, err)
		}
		v.CreatedAt = ts.UTC()

		versions = append(versions, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate versions: %w", err)
	}
	return versions, nil
}

func mapSQLiteWriteError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrConstraint || sqliteErr.Code == sqlite3.ErrMismatch) {
		return fmt.Errorf("%w: %s", domain.ErrConstraintViolation, sqliteErr.Error())
	}
	return err
}
