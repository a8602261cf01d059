package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres-backed registry.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const deviceColumns = `address, tenant_id, claimed_at, unclaimed_at, fingerprint, broker_password, recovery_key, created_at, updated_at`

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	var tenantID *string
	err := row.Scan(&d.Address, &tenantID, &d.ClaimedAt, &d.UnclaimedAt,
		&d.Fingerprint, &d.BrokerPassword, &d.RecoveryKey, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}
	if tenantID != nil {
		d.TenantID = *tenantID
	}
	return &d, nil
}

func (s *Store) CreateDevice(ctx context.Context, address string) (*Device, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO devices (address) VALUES ($1)
		ON CONFLICT (address) DO NOTHING
		RETURNING `+deviceColumns, address)

	d, err := scanDevice(row)
	if errors.Is(err, ErrDeviceNotFound) {
		return nil, ErrDeviceExists
	}
	return d, err
}

func (s *Store) GetByAddress(ctx context.Context, address string) (*Device, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE address = $1`, address)
	return scanDevice(row)
}

func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// Claim binds the device to a tenant and installs its first credential set.
// The WHERE clause makes concurrent claims race-safe: only one wins.
func (s *Store) Claim(ctx context.Context, address, tenantID, password, fingerprint, recoveryKey string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET tenant_id = $2, claimed_at = now(), unclaimed_at = NULL,
		    broker_password = $3, fingerprint = $4, recovery_key = $5, updated_at = now()
		WHERE address = $1 AND (claimed_at IS NULL OR unclaimed_at IS NOT NULL)`,
		address, tenantID, password, fingerprint, recoveryKey)
	if err != nil {
		return fmt.Errorf("failed to claim device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByAddress(ctx, address); err != nil {
			return err
		}
		return ErrAlreadyClaimed
	}
	return nil
}

// Unclaim soft-deletes the binding: the row and its history survive, but
// the device must not authenticate until reclaimed.
func (s *Store) Unclaim(ctx context.Context, address string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET unclaimed_at = now(), broker_password = '', fingerprint = '', updated_at = now()
		WHERE address = $1 AND claimed_at IS NOT NULL AND unclaimed_at IS NULL`,
		address)
	if err != nil {
		return fmt.Errorf("failed to unclaim device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByAddress(ctx, address); err != nil {
			return err
		}
		return ErrNotClaimed
	}
	return nil
}

// Move transfers ownership between tenants, preserving identity and
// credentials. It does not pass through the unclaimed state.
func (s *Store) Move(ctx context.Context, address, newTenantID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices SET tenant_id = $2, updated_at = now()
		WHERE address = $1 AND claimed_at IS NOT NULL AND unclaimed_at IS NULL`,
		address, newTenantID)
	if err != nil {
		return fmt.Errorf("failed to move device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByAddress(ctx, address); err != nil {
			return err
		}
		return ErrNotClaimed
	}
	return nil
}

func (s *Store) SetCredential(ctx context.Context, address, password, fingerprint string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices SET broker_password = $2, fingerprint = $3, updated_at = now()
		WHERE address = $1`,
		address, password, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to set credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// Restore writes a previously captured device row back, used as the
// compensating step when a lifecycle operation must roll back.
func (s *Store) Restore(ctx context.Context, d *Device) error {
	var tenantID *string
	if d.TenantID != "" {
		tenantID = &d.TenantID
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices
		SET tenant_id = $2, claimed_at = $3, unclaimed_at = $4,
		    broker_password = $5, fingerprint = $6, recovery_key = $7, updated_at = now()
		WHERE address = $1`,
		d.Address, tenantID, d.ClaimedAt, d.UnclaimedAt, d.BrokerPassword, d.Fingerprint, d.RecoveryKey)
	if err != nil {
		return fmt.Errorf("failed to restore device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// IssueClaimCode creates a single-use code bound to the issuing tenant and
// returns the plaintext exactly once.
func (s *Store) IssueClaimCode(ctx context.Context, tenantID string, ttl time.Duration) (*ClaimCode, string, error) {
	code, err := GenerateClaimCode()
	if err != nil {
		return nil, "", err
	}

	cc := &ClaimCode{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		CodeHash:  HashCode(code),
		Status:    CodeActive,
		ExpiresAt: time.Now().Add(ttl),
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO claim_codes (id, tenant_id, code_hash, status, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		cc.ID, cc.TenantID, cc.CodeHash, cc.Status, cc.ExpiresAt)
	if err := row.Scan(&cc.CreatedAt); err != nil {
		return nil, "", fmt.Errorf("failed to store claim code: %w", err)
	}

	return cc, code, nil
}

// ConsumeClaimCode atomically transitions an active, unexpired code to
// claimed. Concurrent consumers race on the WHERE clause; only one wins.
func (s *Store) ConsumeClaimCode(ctx context.Context, codeHash, deviceAddress string) (*ClaimCode, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE claim_codes
		SET status = 'claimed', consumed_by = $2, consumed_at = now()
		WHERE code_hash = $1 AND status = 'active' AND expires_at > now()
		RETURNING id, tenant_id, code_hash, status, expires_at, consumed_by, consumed_at, created_at`,
		codeHash, deviceAddress)

	cc, err := scanClaimCode(row)
	if err == nil {
		return cc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to consume claim code: %w", err)
	}

	// Distinguish the rejection reason for the caller.
	row = s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, code_hash, status, expires_at, consumed_by, consumed_at, created_at
		FROM claim_codes WHERE code_hash = $1`, codeHash)
	cc, err = scanClaimCode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to look up claim code: %w", err)
	}
	if cc.Status == CodeClaimed {
		return nil, ErrCodeConsumed
	}
	return nil, ErrCodeExpired
}

// ReleaseClaimCode returns a consumed code to active after a rolled-back
// claim, so a transient broker failure does not burn the code.
func (s *Store) ReleaseClaimCode(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE claim_codes
		SET status = 'active', consumed_by = NULL, consumed_at = NULL
		WHERE id = $1 AND status = 'claimed'`, id)
	if err != nil {
		return fmt.Errorf("failed to release claim code: %w", err)
	}
	return nil
}

func scanClaimCode(row pgx.Row) (*ClaimCode, error) {
	var cc ClaimCode
	var consumedBy *string
	err := row.Scan(&cc.ID, &cc.TenantID, &cc.CodeHash, &cc.Status, &cc.ExpiresAt,
		&consumedBy, &cc.ConsumedAt, &cc.CreatedAt)
	if err != nil {
		return nil, err
	}
	if consumedBy != nil {
		cc.ConsumedBy = *consumedBy
	}
	return &cc, nil
}
