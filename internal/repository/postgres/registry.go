package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leslychao/datapulse-sub000/internal/domain"
)

// RegistryStore resolves fetchable sources for an account: the source catalog
// filtered down to providers the account holds an active connection for.
type RegistryStore struct {
	pool *pgxpool.Pool
}

func NewRegistryStore(pool *pgxpool.Pool) *RegistryStore {
	return &RegistryStore{pool: pool}
}

func (s *RegistryStore) ResolveSources(ctx context.Context, accountID, eventType string) ([]domain.Source, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.provider, c.source_id, c.handle, c.rate_limit_group
		FROM source_catalog c
		JOIN provider_connections pc
		  ON pc.provider = c.provider AND pc.account_id = $1 AND pc.active
		WHERE c.event_type = $2 AND c.active
		ORDER BY c.provider, c.source_id
	`, accountID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []domain.Source
	for rows.Next() {
		var src domain.Source
		if err := rows.Scan(&src.Provider, &src.SourceID, &src.Handle, &src.RateLimitGroup); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}
