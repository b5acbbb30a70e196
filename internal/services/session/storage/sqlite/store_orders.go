package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ordertech/lanesync/internal/services/session/storage"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// EnqueuePendingOrder inserts one offline order into the queue.
func (s *Store) EnqueuePendingOrder(ctx context.Context, order storage.PendingOrder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return fmt.Errorf("order id is required")
	}
	if strings.TrimSpace(order.DeviceID) == "" {
		return fmt.Errorf("device id is required")
	}
	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO pending_orders (
		   id, order_number, device_id, payload, total,
		   created_at, attempts, last_attempt_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, order.OrderNumber, order.DeviceID, order.Payload, order.Total,
		toMillis(createdAt), order.Attempts, toMillis(order.LastAttemptAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("enqueue pending order: %w", err)
	}
	return nil
}

// ListPendingOrders returns the queue for a device, oldest first.
func (s *Store) ListPendingOrders(ctx context.Context, deviceID string) ([]storage.PendingOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, order_number, device_id, payload, total,
		        created_at, attempts, last_attempt_at
		   FROM pending_orders
		  WHERE device_id = ?
		  ORDER BY created_at ASC`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	defer rows.Close()

	var orders []storage.PendingOrder
	for rows.Next() {
		var order storage.PendingOrder
		var createdAt, lastAttemptAt int64
		if err := rows.Scan(&order.ID, &order.OrderNumber, &order.DeviceID,
			&order.Payload, &order.Total, &createdAt,
			&order.Attempts, &lastAttemptAt); err != nil {
			return nil, fmt.Errorf("list pending orders: %w", err)
		}
		order.CreatedAt = fromMillis(createdAt)
		order.LastAttemptAt = fromMillis(lastAttemptAt)
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	return orders, nil
}

// MarkOrderAttempt records one failed submission attempt.
func (s *Store) MarkOrderAttempt(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("order id is required")
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE pending_orders
		    SET attempts = attempts + 1, last_attempt_at = ?
		  WHERE id = ?`,
		toMillis(at), id,
	)
	if err != nil {
		return fmt.Errorf("mark order attempt: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark order attempt: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RemovePendingOrder drops a submitted order from the queue.
func (s *Store) RemovePendingOrder(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("order id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM pending_orders WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove pending order: %w", err)
	}
	return nil
}

// NextOrderSequence increments and returns the daily receipt counter.
func (s *Store) NextOrderSequence(ctx context.Context, day string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}
	day = strings.TrimSpace(day)
	if day == "" {
		return 0, fmt.Errorf("day is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin order sequence: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO order_sequences (day, counter) VALUES (?, 1)
		 ON CONFLICT(day) DO UPDATE SET counter = counter + 1`,
		day,
	); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("bump order sequence: %w", err)
	}
	var counter int
	row := tx.QueryRowContext(ctx,
		`SELECT counter FROM order_sequences WHERE day = ?`, day)
	if err := row.Scan(&counter); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("read order sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit order sequence: %w", err)
	}
	return counter, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
