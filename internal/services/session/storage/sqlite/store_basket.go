package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ordertech/lanesync/internal/services/session/storage"
)

// SaveLocalBasket replaces the persisted local basket for a device.
func (s *Store) SaveLocalBasket(ctx context.Context, deviceID string, lines []storage.BasketLine) error {
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

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save local basket: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM local_basket_lines WHERE device_id = ?`, deviceID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear local basket: %w", err)
	}
	for i, line := range lines {
		sku := strings.TrimSpace(line.SKU)
		if sku == "" {
			continue
		}
		options, err := json.Marshal(line.Options)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode line options: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO local_basket_lines (
			   device_id, sku, name, qty, unit_price, options, image_url, position
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			deviceID, sku, line.Name, line.Qty, line.UnitPrice,
			string(options), line.ImageURL, i,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save local basket line: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save local basket: %w", err)
	}
	return nil
}

// GetLocalBasket returns the persisted local basket lines in insertion
// order.
func (s *Store) GetLocalBasket(ctx context.Context, deviceID string) ([]storage.BasketLine, error) {
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
		`SELECT sku, name, qty, unit_price, options, image_url
		   FROM local_basket_lines
		  WHERE device_id = ?
		  ORDER BY position ASC`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("get local basket: %w", err)
	}
	defer rows.Close()

	var lines []storage.BasketLine
	for rows.Next() {
		var line storage.BasketLine
		var options sql.NullString
		if err := rows.Scan(&line.SKU, &line.Name, &line.Qty,
			&line.UnitPrice, &options, &line.ImageURL); err != nil {
			return nil, fmt.Errorf("get local basket: %w", err)
		}
		if options.Valid && options.String != "" {
			if err := json.Unmarshal([]byte(options.String), &line.Options); err != nil {
				return nil, fmt.Errorf("decode line options: %w", err)
			}
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get local basket: %w", err)
	}
	return lines, nil
}

// ClearLocalBasket removes the persisted local basket for a device.
func (s *Store) ClearLocalBasket(ctx context.Context, deviceID string) error {
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
		`DELETE FROM local_basket_lines WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("clear local basket: %w", err)
	}
	return nil
}
