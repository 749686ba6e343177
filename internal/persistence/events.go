package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// appendTransitionEventTx writes one audit row inside the caller's
// transaction. It is the only write path into transition_events: there are
// no update or delete statements against that table anywhere in the package.
func (s *Store) appendTransitionEventTx(ctx context.Context, tx *sql.Tx, ev TransitionEvent) error {
	actor := ev.ActorID
	if actor == "" {
		actor = "engine"
	}
	correlation := ev.CorrelationID
	if correlation == "" {
		correlation = "-"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transition_events (
			task_id, quote_id, from_state, to_state, transition_reason,
			error_class, actor_id, correlation_id, occurred_at
		)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, ev.TaskID, ev.QuoteID, string(ev.FromState), string(ev.ToState),
		ev.Reason, ev.ErrorClass, actor, correlation, ev.OccurredAt.UTC()); err != nil {
		return fmt.Errorf("append transition event: %w", err)
	}
	return nil
}

const eventColumns = `event_id, task_id, quote_id, COALESCE(from_state, ''),
	to_state, transition_reason, COALESCE(error_class, ''),
	actor_id, correlation_id, occurred_at`

func scanEvent(scan func(dest ...any) error, ev *TransitionEvent) error {
	return scan(
		&ev.EventID,
		&ev.TaskID,
		&ev.QuoteID,
		&ev.FromState,
		&ev.ToState,
		&ev.Reason,
		&ev.ErrorClass,
		&ev.ActorID,
		&ev.CorrelationID,
		&ev.OccurredAt,
	)
}

// ListEventsByTask returns the full transition history of a task, oldest
// first. The first event is always the enqueue, with no from-state.
func (s *Store) ListEventsByTask(ctx context.Context, taskID string) ([]TransitionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM transition_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events by task: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListEventsByQuote returns every transition event for a quote's tasks.
func (s *Store) ListEventsByQuote(ctx context.Context, quoteID string) ([]TransitionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM transition_events
		WHERE quote_id = ?
		ORDER BY event_id ASC;
	`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("list events by quote: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListEventsByWindow returns events with from <= occurred_at < to, ordered by
// insertion. limit <= 0 means no limit.
func (s *Store) ListEventsByWindow(ctx context.Context, from, to time.Time, limit int) ([]TransitionEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM transition_events
		WHERE occurred_at >= ? AND occurred_at < ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list events by window: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// CountEventsByReason aggregates event counts per transition reason, for the
// monitoring surface.
func (s *Store) CountEventsByReason(ctx context.Context, from, to time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transition_reason, COUNT(*)
		FROM transition_events
		WHERE occurred_at >= ? AND occurred_at < ?
		GROUP BY transition_reason;
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("count events by reason: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			reason string
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		out[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event count rows: %w", err)
	}
	return out, nil
}

func collectEvents(rows *sql.Rows) ([]TransitionEvent, error) {
	var out []TransitionEvent
	for rows.Next() {
		var ev TransitionEvent
		if err := scanEvent(rows.Scan, &ev); err != nil {
			return nil, fmt.Errorf("scan transition event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transition event rows: %w", err)
	}
	return out, nil
}
