package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres-backed ledger.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Record(ctx context.Context, e Entry) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal metadata: %v", ErrLedgerUnavailable, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_entries (device_address, action, trigger_source, actor, reason, metadata, success)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.DeviceAddress, e.Action, e.Trigger, e.Actor, e.Reason, metadataJSON, e.Success)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return nil
}

func (s *Store) ListByDevice(ctx context.Context, address string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_address, action, trigger_source, actor, reason, metadata, success, created_at
		FROM audit_entries WHERE device_address = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`,
		address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var metadataJSON []byte
		if err := rows.Scan(&e.ID, &e.DeviceAddress, &e.Action, &e.Trigger,
			&e.Actor, &e.Reason, &metadataJSON, &e.Success, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
