package operators

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed operator store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Create(ctx context.Context, username, passwordHash, role string) (*Operator, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO operators (username, password_hash, role)
		VALUES ($1, $2, $3)
		RETURNING id, username, password_hash, role, created_at`,
		username, passwordHash, role)

	op, err := scanOperator(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrUsernameExists
		}
		return nil, fmt.Errorf("failed to create operator: %w", err)
	}
	return op, nil
}

func (s *PGStore) GetByUsername(ctx context.Context, username string) (*Operator, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, role, created_at
		FROM operators WHERE username = $1`, username)
	return scanOperator(row)
}

func (s *PGStore) List(ctx context.Context) ([]Operator, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, username, password_hash, role, created_at
		FROM operators ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list operators: %w", err)
	}
	defer rows.Close()

	var ops []Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM operators WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete operator: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOperatorNotFound
	}
	return nil
}

func scanOperator(row pgx.Row) (*Operator, error) {
	var op Operator
	err := row.Scan(&op.ID, &op.Username, &op.PasswordHash, &op.Role, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, err
	}
	return &op, nil
}
