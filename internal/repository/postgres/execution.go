package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leslychao/datapulse-sub000/internal/domain"
)

// ExecutionStore persists executions and their per-source states. Every
// status transition is a conditional UPDATE guarded by the expected prior
// status; zero rows affected means another delivery got there first and the
// caller receives domain.ErrStaleTransition. No row locks are taken outside
// the single statement.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionColumns = `request_id, account_id, event_type, date_from, date_to, status,
       total_sources, completed_sources, failed_sources, started_at, ended_at, aggregated_at`

const sourceStateColumns = `request_id, event_type, source_id, provider, handle, status,
       attempt, max_attempts, next_attempt_at, last_error_code, last_error_message, last_error_at,
       created_at, updated_at`

func (s *ExecutionStore) CreatePlan(ctx context.Context, exec *domain.Execution, states []*domain.SourceState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin plan tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insertExecution = `
		INSERT INTO executions (request_id, account_id, event_type, date_from, date_to,
		                        status, total_sources, completed_sources, failed_sources, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, $8)
	`
	_, err = tx.Exec(ctx, insertExecution,
		exec.RequestID,
		exec.AccountID,
		exec.EventType,
		exec.DateFrom,
		exec.DateTo,
		domain.ExecutionStatusNew,
		exec.TotalSources,
		exec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	batch := &pgx.Batch{}
	for _, st := range states {
		batch.Queue(`
			INSERT INTO source_states (request_id, event_type, source_id, provider, handle,
			                           status, attempt, max_attempts, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)
		`, st.RequestID, st.EventType, st.SourceID, st.Provider, st.Handle,
			domain.SourceStatusNew, st.MaxAttempts, st.CreatedAt)
	}

	br := tx.SendBatch(ctx, batch)
	for range states {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert source states: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close source state batch: %w", err)
	}

	// State is durable; the execution is live before any unit is dispatched.
	const activate = `UPDATE executions SET status = $2 WHERE request_id = $1 AND status = $3`
	if _, err := tx.Exec(ctx, activate, exec.RequestID, domain.ExecutionStatusInProgress, domain.ExecutionStatusNew); err != nil {
		return fmt.Errorf("activate execution: %w", err)
	}
	exec.Status = domain.ExecutionStatusInProgress

	return tx.Commit(ctx)
}

func (s *ExecutionStore) GetExecution(ctx context.Context, requestID string) (*domain.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE request_id = $1`, requestID)
	return scanExecution(row)
}

func (s *ExecutionStore) GetSourceState(ctx context.Context, key domain.SourceKey) (*domain.SourceState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sourceStateColumns+` FROM source_states
		 WHERE request_id = $1 AND event_type = $2 AND source_id = $3`,
		key.RequestID, key.EventType, key.SourceID)
	return scanSourceState(row)
}

func (s *ExecutionStore) ListSourceStates(ctx context.Context, requestID string) ([]*domain.SourceState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sourceStateColumns+` FROM source_states
		 WHERE request_id = $1 ORDER BY provider, source_id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*domain.SourceState
	for rows.Next() {
		st, err := scanSourceState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func (s *ExecutionStore) ClaimSource(ctx context.Context, key domain.SourceKey) (*domain.SourceState, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE source_states
		SET status = $4, updated_at = NOW()
		WHERE request_id = $1 AND event_type = $2 AND source_id = $3
		  AND status = ANY($5)
		RETURNING `+sourceStateColumns,
		key.RequestID, key.EventType, key.SourceID,
		domain.SourceStatusInProgress,
		[]string{string(domain.SourceStatusNew), string(domain.SourceStatusRetryScheduled)},
	)

	st, err := scanSourceState(row)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrStaleTransition
	}
	return st, err
}

func (s *ExecutionStore) CompleteSource(ctx context.Context, key domain.SourceKey, now time.Time) (*domain.Execution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE source_states
		SET status = $4, next_attempt_at = NULL, updated_at = $5
		WHERE request_id = $1 AND event_type = $2 AND source_id = $3 AND status = $6
	`, key.RequestID, key.EventType, key.SourceID,
		domain.SourceStatusCompleted, now, domain.SourceStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("complete source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrStaleTransition
	}

	row := tx.QueryRow(ctx, `
		UPDATE executions
		SET completed_sources = completed_sources + 1,
		    status = CASE
		        WHEN completed_sources + 1 + failed_sources >= total_sources AND failed_sources = 0
		        THEN $2 ELSE status END,
		    ended_at = CASE
		        WHEN completed_sources + 1 + failed_sources >= total_sources
		        THEN $3 ELSE ended_at END
		WHERE request_id = $1
		RETURNING `+executionColumns,
		key.RequestID, domain.ExecutionStatusCompleted, now)

	exec, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("advance execution counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *ExecutionStore) FailSourceTerminal(ctx context.Context, key domain.SourceKey, errCode, errMsg string, now time.Time) (*domain.Execution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin fail tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE source_states
		SET status = $4, attempt = attempt + 1, next_attempt_at = NULL,
		    last_error_code = $5, last_error_message = $6, last_error_at = $7, updated_at = $7
		WHERE request_id = $1 AND event_type = $2 AND source_id = $3 AND status = $8
	`, key.RequestID, key.EventType, key.SourceID,
		domain.SourceStatusFailedTerminal, errCode, errMsg, now, domain.SourceStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("fail source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrStaleTransition
	}

	row := tx.QueryRow(ctx, `
		UPDATE executions
		SET failed_sources = failed_sources + 1, status = $2, ended_at = $3
		WHERE request_id = $1
		RETURNING `+executionColumns,
		key.RequestID, domain.ExecutionStatusFailed, now)

	exec, err := scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("advance execution counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return exec, nil
}

func (s *ExecutionStore) ScheduleRetry(ctx context.Context, key domain.SourceKey, nextAttempt time.Time, errCode, errMsg string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE source_states
		SET status = $4, attempt = attempt + 1, next_attempt_at = $5,
		    last_error_code = $6, last_error_message = $7, last_error_at = $8, updated_at = $8
		WHERE request_id = $1 AND event_type = $2 AND source_id = $3 AND status = $9
	`, key.RequestID, key.EventType, key.SourceID,
		domain.SourceStatusRetryScheduled, nextAttempt, errCode, errMsg, now,
		domain.SourceStatusInProgress)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

func (s *ExecutionStore) Reschedule(ctx context.Context, key domain.SourceKey, nextAttempt time.Time, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE source_states
		SET status = $4, next_attempt_at = $5, updated_at = $6
		WHERE request_id = $1 AND event_type = $2 AND source_id = $3 AND status = $7
	`, key.RequestID, key.EventType, key.SourceID,
		domain.SourceStatusRetryScheduled, nextAttempt, now, domain.SourceStatusInProgress)
	if err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

func (s *ExecutionStore) ListResolvedUnaggregated(ctx context.Context, limit int) ([]*domain.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE aggregated_at IS NULL
		  AND completed_sources + failed_sources >= total_sources
		ORDER BY started_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func (s *ExecutionStore) ListOverdueUnaggregated(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE aggregated_at IS NULL AND started_at < $1
		ORDER BY started_at
		LIMIT $2
	`, startedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func (s *ExecutionStore) MarkAggregated(ctx context.Context, requestID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions SET aggregated_at = $2
		WHERE request_id = $1 AND aggregated_at IS NULL
	`, requestID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *ExecutionStore) ListStuckUnits(ctx context.Context, olderThan time.Time, limit int) ([]domain.ExecutionUnit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.request_id, e.account_id, s.event_type, s.source_id, s.provider, s.handle,
		       e.date_from, e.date_to
		FROM source_states s
		JOIN executions e ON e.request_id = s.request_id
		WHERE (s.status = $1 AND s.created_at < $3)
		   OR (s.status = $2 AND s.next_attempt_at < $3)
		ORDER BY s.updated_at
		LIMIT $4
	`, domain.SourceStatusNew, domain.SourceStatusRetryScheduled, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []domain.ExecutionUnit
	for rows.Next() {
		var u domain.ExecutionUnit
		err := rows.Scan(&u.RequestID, &u.AccountID, &u.EventType, &u.SourceID,
			&u.Provider, &u.SourceHandle, &u.DateFrom, &u.DateTo)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func collectExecutions(rows pgx.Rows) ([]*domain.Execution, error) {
	var execs []*domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func scanExecution(row pgx.Row) (*domain.Execution, error) {
	var e domain.Execution
	err := row.Scan(
		&e.RequestID,
		&e.AccountID,
		&e.EventType,
		&e.DateFrom,
		&e.DateTo,
		&e.Status,
		&e.TotalSources,
		&e.CompletedSources,
		&e.FailedSources,
		&e.StartedAt,
		&e.EndedAt,
		&e.AggregatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanSourceState(row pgx.Row) (*domain.SourceState, error) {
	var st domain.SourceState
	err := row.Scan(
		&st.RequestID,
		&st.EventType,
		&st.SourceID,
		&st.Provider,
		&st.Handle,
		&st.Status,
		&st.Attempt,
		&st.MaxAttempts,
		&st.NextAttemptAt,
		&st.LastErrorCode,
		&st.LastErrorMessage,
		&st.LastErrorAt,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}
