// Package rawstore lands fetched snapshot rows in Postgres. Rows are written
// with chunked multi-VALUES inserts keyed by (request, event type, source,
// sequence), so re-fetching a source after a retry overwrites nothing and
// duplicates nothing — the idempotent downstream write the at-least-once
// pipeline assumes.
package rawstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Row is one raw record extracted from a provider snapshot.
type Row struct {
	RequestID string
	EventType string
	SourceID  string
	Seq       int
	AccountID string
	Provider  string
	Payload   json.RawMessage
	FetchedAt time.Time
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InsertBatch writes rows in chunks. PostgreSQL caps a statement at 65535
// parameters; 8 parameters per row keeps chunks comfortably under it.
func (s *Store) InsertBatch(ctx context.Context, rows []Row) error {
	const maxRowsPerChunk = 5000

	for start := 0; start < len(rows); start += maxRowsPerChunk {
		end := start + maxRowsPerChunk
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.insertChunk(ctx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertChunk(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		INSERT INTO raw_rows (request_id, event_type, source_id, seq, account_id, provider, payload, fetched_at)
		VALUES `)

	args := make([]interface{}, 0, len(rows)*8)
	for i, r := range rows {
		if i > 0 {
			queryBuilder.WriteString(", ")
		}
		base := i * 8
		queryBuilder.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))

		args = append(args,
			r.RequestID,
			r.EventType,
			r.SourceID,
			r.Seq,
			r.AccountID,
			r.Provider,
			r.Payload,
			r.FetchedAt,
		)
	}

	queryBuilder.WriteString(" ON CONFLICT (request_id, event_type, source_id, seq) DO NOTHING")

	_, err := s.pool.Exec(ctx, queryBuilder.String(), args...)
	return err
}
