package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres-backed AlertStore. Due relies on the partial index
// on next_due_at so the sweep never scans closed or frozen rows.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const alertColumns = `id, device_address, tenant_id, triggered_at, level, last_transition,
	server_acked, device_acked, preset, custom_timing, next_due_at, cleared_at, created_at, updated_at`

func scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	err := row.Scan(&a.ID, &a.DeviceAddress, &a.TenantID, &a.TriggeredAt, &a.Level,
		&a.LastTransition, &a.ServerAcked, &a.DeviceAcked, &a.Preset, &a.CustomTiming,
		&a.NextDueAt, &a.ClearedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	return &a, nil
}

func (s *Store) Create(ctx context.Context, a *Alert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, device_address, tenant_id, triggered_at, level,
			last_transition, preset, custom_timing, next_due_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.DeviceAddress, a.TenantID, a.TriggeredAt, a.Level,
		a.LastTransition, a.Preset, a.CustomTiming, a.NextDueAt)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Alert, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	return scanAlert(row)
}

func (s *Store) GetOpenByDevice(ctx context.Context, address string) (*Alert, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE device_address = $1 AND cleared_at IS NULL
		ORDER BY triggered_at DESC LIMIT 1`, address)
	return scanAlert(row)
}

func (s *Store) Due(ctx context.Context, now time.Time) ([]Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE cleared_at IS NULL
		  AND NOT server_acked AND NOT device_acked
		  AND next_due_at IS NOT NULL AND next_due_at <= $1
		ORDER BY next_due_at`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func (s *Store) Advance(ctx context.Context, id string, level int, nextDue *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET last_transition = CASE WHEN $2 > level THEN now() ELSE last_transition END,
		    level = GREATEST(level, $2),
		    next_due_at = $3,
		    updated_at = now()
		WHERE id = $1 AND cleared_at IS NULL`, id, level, nextDue)
	if err != nil {
		return fmt.Errorf("failed to advance alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.openOr(ctx, id, ErrAlertCleared)
	}
	return nil
}

func (s *Store) Ack(ctx context.Context, id string, byDevice bool) error {
	column := "server_acked"
	if byDevice {
		column = "device_acked"
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts SET `+column+` = TRUE, updated_at = now()
		WHERE id = $1 AND cleared_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to ack alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.openOr(ctx, id, ErrAlertCleared)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts SET cleared_at = now(), next_due_at = NULL, updated_at = now()
		WHERE id = $1 AND cleared_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to clear alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.openOr(ctx, id, ErrAlertCleared)
	}
	return nil
}

// openOr distinguishes a missing row from one whose lifecycle has ended.
func (s *Store) openOr(ctx context.Context, id string, closed error) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check alert: %w", err)
	}
	if !exists {
		return ErrAlertNotFound
	}
	return closed
}

func (s *Store) TenantTiming(ctx context.Context, tenantID string) ([]int64, error) {
	var secs []int64
	err := s.pool.QueryRow(ctx,
		`SELECT thresholds FROM tenant_presets WHERE tenant_id = $1`, tenantID).Scan(&secs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load tenant preset: %w", err)
	}
	return secs, nil
}

func (s *Store) SetTenantTiming(ctx context.Context, tenantID string, secs []int64) error {
	if secs == nil {
		_, err := s.pool.Exec(ctx, `DELETE FROM tenant_presets WHERE tenant_id = $1`, tenantID)
		if err != nil {
			return fmt.Errorf("failed to remove tenant preset: %w", err)
		}
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_presets (tenant_id, thresholds) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET thresholds = EXCLUDED.thresholds, updated_at = now()`,
		tenantID, secs)
	if err != nil {
		return fmt.Errorf("failed to set tenant preset: %w", err)
	}
	return nil
}
