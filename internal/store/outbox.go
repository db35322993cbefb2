package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"codeatlas/internal/types"
)

// AppendEventTx appends an outbox event inside the caller's transaction.
// The event is delivered at-least-once once the transaction commits.
func (s *Store) AppendEventTx(ctx context.Context, tx *sql.Tx, eventType, aggregateID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox (event_type, aggregate_id, payload, status) VALUES (?, ?, ?, ?)`,
		eventType, aggregateID, data, types.OutboxNew)
	if err != nil {
		return fmt.Errorf("failed to append outbox event: %w", err)
	}
	return nil
}

// FetchNewEvents returns up to limit undispatched events in id order.
func (s *Store) FetchNewEvents(ctx context.Context, limit int) ([]types.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, aggregate_id, payload, status, attempts, created_at
		 FROM outbox WHERE status = ? ORDER BY id LIMIT ?`,
		types.OutboxNew, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch outbox events: %w", err)
	}
	defer rows.Close()

	var events []types.OutboxEvent
	for rows.Next() {
		var e types.OutboxEvent
		var created string
		if err := rows.Scan(&e.ID, &e.EventType, &e.AggregateID, &e.Payload, &e.Status, &e.Attempts, &created); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkEventDispatched marks one event dispatched. Called only after the
// corresponding queue enqueue succeeded.
func (s *Store) MarkEventDispatched(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, processed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		types.OutboxDispatched, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event dispatched: %w", err)
	}
	return nil
}

// RecordEventFailure bumps the attempt counter; past maxAttempts the
// event is parked as failed so it can't hot-loop the publisher.
func (s *Store) RecordEventFailure(ctx context.Context, id int64, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= ? THEN ? ELSE status END
		 WHERE id = ?`,
		maxAttempts, types.OutboxFailed, id)
	if err != nil {
		return fmt.Errorf("failed to record outbox failure: %w", err)
	}
	return nil
}

// OutboxCounts returns event counts grouped by status.
func (s *Store) OutboxCounts(ctx context.Context) (map[types.OutboxStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM outbox GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox events: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.OutboxStatus]int)
	for rows.Next() {
		var status types.OutboxStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// AcquireLease takes or renews the named single-writer lease. Returns
// true when holder owns the lease until now+ttl. The lease is the SQLite
// analogue of an advisory lock: multiple publisher instances are safe
// because only the holder drains the outbox.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	expires := now.Add(ttl).Format("2006-01-02 15:04:05")

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox_lease (name, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE outbox_lease.holder = excluded.holder OR outbox_lease.expires_at < ?`,
		name, holder, expires, now.Format("2006-01-02 15:04:05"))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLease drops the lease if held by holder.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM outbox_lease WHERE name = ? AND holder = ?", name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}
