package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ordertech/lanesync/internal/services/session/storage"
)

// SaveActivation upserts the activation record for a device.
func (s *Store) SaveActivation(ctx context.Context, record storage.ActivationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	deviceID := strings.TrimSpace(record.DeviceID)
	if deviceID == "" {
		return fmt.Errorf("device id is required")
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO activation_records (
		   device_id, token, tenant_id, last_success_at,
		   auth_failures, network_failures, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   token = excluded.token,
		   tenant_id = excluded.tenant_id,
		   last_success_at = excluded.last_success_at,
		   auth_failures = excluded.auth_failures,
		   network_failures = excluded.network_failures,
		   updated_at = excluded.updated_at`,
		deviceID,
		record.Token,
		record.TenantID,
		toMillis(record.LastSuccessAt),
		record.AuthFailures,
		record.NetworkFailures,
		toMillis(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("save activation: %w", err)
	}
	return nil
}

// GetActivation returns the activation record for a device.
func (s *Store) GetActivation(ctx context.Context, deviceID string) (storage.ActivationRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ActivationRecord{}, err
	}
	if err := s.ready(); err != nil {
		return storage.ActivationRecord{}, err
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return storage.ActivationRecord{}, fmt.Errorf("device id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT device_id, token, tenant_id, last_success_at,
		        auth_failures, network_failures, updated_at
		   FROM activation_records
		  WHERE device_id = ?`,
		deviceID,
	)

	var record storage.ActivationRecord
	var lastSuccessAt, updatedAt int64
	err := row.Scan(
		&record.DeviceID,
		&record.Token,
		&record.TenantID,
		&lastSuccessAt,
		&record.AuthFailures,
		&record.NetworkFailures,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ActivationRecord{}, storage.ErrNotFound
		}
		return storage.ActivationRecord{}, fmt.Errorf("get activation: %w", err)
	}
	record.LastSuccessAt = fromMillis(lastSuccessAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// DeleteActivation removes the activation record for a device.
func (s *Store) DeleteActivation(ctx context.Context, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM activation_records WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("delete activation: %w", err)
	}
	return nil
}
