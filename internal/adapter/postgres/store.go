package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/ratekeeper/internal/domain/taxrate"
)

const versionColumns = `id, kind, scope, payload, source, version, is_active, created_by, notes, created_at`

// Store implements versionstore.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanVersion(row scannable) (taxrate.ConfigVersion, error) {
	var (
		v      taxrate.ConfigVersion
		kind   string
		scope  *string
		source string
		id     uuid.UUID
	)
	err := row.Scan(&id, &kind, &scope, &v.Payload, &source, &v.Version,
		&v.IsActive, &v.CreatedBy, &v.Notes, &v.CreatedAt)
	if err != nil {
		return v, err
	}
	v.ID = id.String()
	v.Kind = taxrate.Kind(kind)
	v.Source = taxrate.Source(source)
	if scope != nil {
		v.Scope = *scope
	}
	return v, nil
}

func (s *Store) GetActive(ctx context.Context, kind taxrate.Kind, scope string) (*taxrate.ConfigVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+`
		 FROM parameter_versions
		 WHERE kind = $1 AND scope IS NOT DISTINCT FROM $2 AND is_active`,
		string(kind), nullIfEmpty(scope))

	v, err := scanVersion(row)
	if err != nil {
		return nil, notFoundWrap(err, "get active %s", taxrate.Key(kind, scope))
	}
	return &v, nil
}

// Save runs in one transaction holding an advisory lock on the key, so
// concurrent saves for a key queue behind each other even before the key has
// any row to lock. The unique indexes back the invariant if the lock is ever
// bypassed.
func (s *Store) Save(ctx context.Context, req taxrate.SaveRequest) (*taxrate.ConfigVersion, error) {
	key := taxrate.Key(req.Kind, req.Scope)
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("save %s: new id: %w", key, err)
	}

	var saved taxrate.ConfigVersion
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return fmt.Errorf("lock: %w", err)
		}

		var current int
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM parameter_versions
			 WHERE kind = $1 AND scope IS NOT DISTINCT FROM $2`,
			string(req.Kind), nullIfEmpty(req.Scope)).Scan(&current); err != nil {
			return fmt.Errorf("max version: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE parameter_versions SET is_active = FALSE
			 WHERE kind = $1 AND scope IS NOT DISTINCT FROM $2 AND is_active`,
			string(req.Kind), nullIfEmpty(req.Scope)); err != nil {
			return fmt.Errorf("deactivate: %w", err)
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO parameter_versions (id, kind, scope, payload, source, version, is_active, created_by, notes)
			 VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $8)
			 RETURNING `+versionColumns,
			id, string(req.Kind), nullIfEmpty(req.Scope), []byte(req.Payload),
			string(req.Source), current+1, req.CreatedBy, req.Notes)
		saved, err = scanVersion(row)
		if err != nil {
			return conflictWrap(err, "insert")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", key, err)
	}
	return &saved, nil
}

func (s *Store) ListVersions(ctx context.Context, q taxrate.HistoryQuery) ([]taxrate.ConfigVersion, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if q.AllScopes {
		rows, err = s.pool.Query(ctx,
			`SELECT `+versionColumns+`
			 FROM parameter_versions
			 WHERE kind = $1
			 ORDER BY created_at DESC, version DESC
			 LIMIT $2`,
			string(q.Kind), q.Limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+versionColumns+`
			 FROM parameter_versions
			 WHERE kind = $1 AND scope IS NOT DISTINCT FROM $2
			 ORDER BY version DESC
			 LIMIT $3`,
			string(q.Kind), nullIfEmpty(q.Scope), q.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list versions %s: %w", q.Kind, err)
	}
	defer rows.Close()

	var out []taxrate.ConfigVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) GetVersion(ctx context.Context, kind taxrate.Kind, scope string, version int) (*taxrate.ConfigVersion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+`
		 FROM parameter_versions
		 WHERE kind = $1 AND scope IS NOT DISTINCT FROM $2 AND version = $3`,
		string(kind), nullIfEmpty(scope), version)

	v, err := scanVersion(row)
	if err != nil {
		return nil, notFoundWrap(err, "get %s v%d", taxrate.Key(kind, scope), version)
	}
	return &v, nil
}
