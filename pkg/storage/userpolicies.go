package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gatelimit/gatelimit/pkg/policy"
)

const userPolicyColumns = `id, user_id, tenant_id, policy_id, enabled, created_at, updated_at`

// UserPolicyRepo persists per-user policy bindings. It implements
// policy.UserPolicyReader.
type UserPolicyRepo struct {
	db *sql.DB
}

func NewUserPolicyRepo(db *sql.DB) *UserPolicyRepo {
	return &UserPolicyRepo{db: db}
}

func (r *UserPolicyRepo) Create(ctx context.Context, b *policy.UserPolicy) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_policies (`+userPolicyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, b.ID, b.UserID, b.TenantID, b.PolicyID, b.Enabled, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert user policy: %w", err)
	}
	return nil
}

func (r *UserPolicyRepo) GetByID(ctx context.Context, id uuid.UUID) (*policy.UserPolicy, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userPolicyColumns+` FROM user_policies WHERE id = $1
	`, id)
	return scanUserPolicy(row)
}

// UserBinding returns the binding for one (user, tenant) pair regardless of
// its enabled flag; the resolver skips disabled bindings itself.
func (r *UserPolicyRepo) UserBinding(ctx context.Context, userID string, tenantID uuid.UUID) (*policy.UserPolicy, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userPolicyColumns+` FROM user_policies
		WHERE user_id = $1 AND tenant_id = $2
	`, userID, tenantID)
	return scanUserPolicy(row)
}

func (r *UserPolicyRepo) List(ctx context.Context, tenantID *uuid.UUID) ([]policy.UserPolicy, error) {
	query := `SELECT ` + userPolicyColumns + ` FROM user_policies ORDER BY created_at DESC`
	args := []interface{}{}
	if tenantID != nil {
		query = `SELECT ` + userPolicyColumns + ` FROM user_policies WHERE tenant_id = $1 ORDER BY created_at DESC`
		args = append(args, *tenantID)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list user policies: %w", err)
	}
	defer rows.Close()

	var out []policy.UserPolicy
	for rows.Next() {
		b, err := scanUserPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (r *UserPolicyRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM user_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete user policy: %w", err)
	}
	return requireRow(res)
}

func scanUserPolicy(s scanner) (*policy.UserPolicy, error) {
	var b policy.UserPolicy
	err := s.Scan(&b.ID, &b.UserID, &b.TenantID, &b.PolicyID, &b.Enabled, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan user policy: %w", err)
	}
	return &b, nil
}
