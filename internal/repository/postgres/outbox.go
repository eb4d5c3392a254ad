package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leslychao/datapulse-sub000/internal/clock"
	"github.com/leslychao/datapulse-sub000/internal/domain"
)

// OutboxStore is the durable delayed-redelivery queue. Due rows are claimed
// with FOR UPDATE SKIP LOCKED so multiple publisher instances drain the same
// table without double-sending, and each row is finalized SENT or FAILED
// exactly once inside the claiming transaction.
type OutboxStore struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewOutboxStore(pool *pgxpool.Pool, clk clock.Clock) *OutboxStore {
	return &OutboxStore{pool: pool, clock: clk}
}

func (s *OutboxStore) Enqueue(ctx context.Context, unit domain.ExecutionUnit, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	notBefore := s.clock.Now().Add(delay)
	unit.NotBefore = &notBefore

	payload, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("marshal unit: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO outbox (aggregate_key, payload, ttl_millis, not_before, status)
		VALUES ($1, $2, $3, $4, $5)
	`, unit.AggregateKey(), payload, delay.Milliseconds(), notBefore, domain.OutboxStatusNew)
	if err != nil {
		return fmt.Errorf("enqueue outbox row: %w", err)
	}
	return nil
}

// DrainDue claims up to limit due NEW rows and publishes each through the
// callback. A publish error marks only that row FAILED; the source state's
// retry counter, not the outbox row, governs whether the source gets another
// chance.
func (s *OutboxStore) DrainDue(ctx context.Context, limit int, now time.Time, publish func(context.Context, domain.ExecutionUnit) error) (sent, failed int, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin drain tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, payload FROM outbox
		WHERE status = $1 AND not_before <= $2
		ORDER BY not_before
		FOR UPDATE SKIP LOCKED
		LIMIT $3
	`, domain.OutboxStatusNew, now, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("lock outbox batch: %w", err)
	}

	type lockedRow struct {
		id      int64
		payload []byte
	}
	var locked []lockedRow
	for rows.Next() {
		var r lockedRow
		if err := rows.Scan(&r.id, &r.payload); err != nil {
			rows.Close()
			return 0, 0, err
		}
		locked = append(locked, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if len(locked) == 0 {
		return 0, 0, tx.Rollback(ctx)
	}

	batch := &pgx.Batch{}
	for _, r := range locked {
		var unit domain.ExecutionUnit
		status := domain.OutboxStatusSent

		if uerr := json.Unmarshal(r.payload, &unit); uerr != nil {
			status = domain.OutboxStatusFailed
		} else if perr := publish(ctx, unit); perr != nil {
			status = domain.OutboxStatusFailed
		}

		if status == domain.OutboxStatusSent {
			sent++
		} else {
			failed++
		}
		batch.Queue(`UPDATE outbox SET status = $2 WHERE id = $1`, r.id, status)
	}

	br := tx.SendBatch(ctx, batch)
	for range locked {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return 0, 0, fmt.Errorf("finalize outbox rows: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, 0, err
	}

	return sent, failed, tx.Commit(ctx)
}
