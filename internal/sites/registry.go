package sites

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"import-status-tracker/internal/models"
)

// ErrNotFound is returned for sites that do not exist (or were deleted).
var ErrNotFound = errors.New("site not found")

// Registry wraps pgxpool for site metadata lookups.
type Registry struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Registry, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Registry{pool: pool}, nil
}

func (r *Registry) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// GetSite fetches a site by id.
func (r *Registry) GetSite(ctx context.Context, siteID int64) (models.Site, error) {
	var s models.Site
	err := r.pool.QueryRow(ctx, `
		SELECT idsite, name, created_at FROM sites WHERE idsite = $1
	`, siteID).Scan(&s.ID, &s.Name, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Site{}, fmt.Errorf("site %d: %w", siteID, ErrNotFound)
	}
	if err != nil {
		return models.Site{}, fmt.Errorf("scan site: %w", err)
	}
	return s, nil
}

// UpsertSite registers a site so imports can target it.
func (r *Registry) UpsertSite(ctx context.Context, s models.Site) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sites (idsite, name, created_at)
		VALUES ($1, $2, COALESCE($3, NOW()))
		ON CONFLICT (idsite) DO UPDATE SET name = EXCLUDED.name
	`, s.ID, s.Name, nullTime(s))
	if err != nil {
		return fmt.Errorf("upsert site %d: %w", s.ID, err)
	}
	return nil
}

func nullTime(s models.Site) any {
	if s.CreatedAt.IsZero() {
		return nil
	}
	return s.CreatedAt
}
