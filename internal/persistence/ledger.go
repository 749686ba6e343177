package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrIdempotencyRecordNotFound means no ledger record exists for the key.
var ErrIdempotencyRecordNotFound = errors.New("idempotency record not found")

// GetIdempotencyRecord returns the ledger record for an operation key.
func (s *Store) GetIdempotencyRecord(ctx context.Context, operationKey string) (*IdempotencyRecord, error) {
	var (
		rec         IdempotencyRecord
		fingerprint sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT operation_key, quote_id, task_id, task_hash, state,
			result_fingerprint, attempt_count, first_seen_at, last_seen_at
		FROM idempotency_records
		WHERE operation_key = ?;
	`, operationKey).Scan(
		&rec.OperationKey,
		&rec.QuoteID,
		&rec.TaskID,
		&rec.TaskHash,
		&rec.State,
		&fingerprint,
		&rec.AttemptCount,
		&rec.FirstSeenAt,
		&rec.LastSeenAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIdempotencyRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select idempotency record: %w", err)
	}
	rec.ResultFingerprint = fingerprint.String
	return &rec, nil
}

// ListIdempotencyRecordsByQuote returns a quote's ledger records in first-seen order.
func (s *Store) ListIdempotencyRecordsByQuote(ctx context.Context, quoteID string) ([]IdempotencyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_key, quote_id, task_id, task_hash, state,
			result_fingerprint, attempt_count, first_seen_at, last_seen_at
		FROM idempotency_records
		WHERE quote_id = ?
		ORDER BY first_seen_at ASC, operation_key ASC;
	`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("list idempotency records: %w", err)
	}
	defer rows.Close()

	var out []IdempotencyRecord
	for rows.Next() {
		var (
			rec         IdempotencyRecord
			fingerprint sql.NullString
		)
		if err := rows.Scan(
			&rec.OperationKey,
			&rec.QuoteID,
			&rec.TaskID,
			&rec.TaskHash,
			&rec.State,
			&fingerprint,
			&rec.AttemptCount,
			&rec.FirstSeenAt,
			&rec.LastSeenAt,
		); err != nil {
			return nil, fmt.Errorf("scan idempotency record: %w", err)
		}
		rec.ResultFingerprint = fingerprint.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("idempotency record rows: %w", err)
	}
	return out, nil
}
