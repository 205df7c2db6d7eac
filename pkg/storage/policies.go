package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gatelimit/gatelimit/pkg/policy"
)

const policyColumns = `id, name, tenant_id, scope, algorithm, max_requests, window_seconds, burst_capacity, refill_rate, fail_mode, enabled, is_default, created_at, updated_at`

// PolicyRepo persists policies. It implements policy.PolicyReader.
type PolicyRepo struct {
	db *sql.DB
}

func NewPolicyRepo(db *sql.DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

func (r *PolicyRepo) Create(ctx context.Context, p *policy.Policy) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO policies (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, p.ID, p.Name, nullUUID(p.TenantID), string(p.Scope), string(p.Algorithm),
		p.MaxRequests, p.WindowSeconds, nullInt64(p.BurstCapacity), nullFloat64(p.RefillRate),
		string(p.FailMode), p.Enabled, p.IsDefault, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert policy: %w", err)
	}
	return nil
}

func (r *PolicyRepo) Update(ctx context.Context, p *policy.Policy) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE policies
		SET name = $2, tenant_id = $3, scope = $4, algorithm = $5, max_requests = $6,
		    window_seconds = $7, burst_capacity = $8, refill_rate = $9, fail_mode = $10,
		    enabled = $11, is_default = $12, updated_at = $13
		WHERE id = $1
	`, p.ID, p.Name, nullUUID(p.TenantID), string(p.Scope), string(p.Algorithm),
		p.MaxRequests, p.WindowSeconds, nullInt64(p.BurstCapacity), nullFloat64(p.RefillRate),
		string(p.FailMode), p.Enabled, p.IsDefault, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: update policy: %w", err)
	}
	return requireRow(res)
}

func (r *PolicyRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete policy: %w", err)
	}
	return requireRow(res)
}

func (r *PolicyRepo) PolicyByID(ctx context.Context, id uuid.UUID) (*policy.Policy, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)
	return scanPolicy(row)
}

// List returns policies, newest first, optionally filtered by tenant.
func (r *PolicyRepo) List(ctx context.Context, tenantID *uuid.UUID) ([]policy.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies ORDER BY created_at DESC`
	args := []interface{}{}
	if tenantID != nil {
		query = `SELECT ` + policyColumns + ` FROM policies WHERE tenant_id = $1 ORDER BY created_at DESC`
		args = append(args, *tenantID)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list policies: %w", err)
	}
	defer rows.Close()

	var out []policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// TenantDefault returns the tenant's default policy regardless of its
// enabled flag; the resolver decides what a disabled default means.
func (r *PolicyRepo) TenantDefault(ctx context.Context, tenantID uuid.UUID) (*policy.Policy, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+` FROM policies
		WHERE tenant_id = $1 AND is_default
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID)
	return scanPolicy(row)
}

func (r *PolicyRepo) GlobalDefault(ctx context.Context) (*policy.Policy, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+` FROM policies
		WHERE tenant_id IS NULL AND is_default
		ORDER BY created_at DESC
		LIMIT 1
	`)
	return scanPolicy(row)
}

func scanPolicy(s scanner) (*policy.Policy, error) {
	var (
		p        policy.Policy
		tenantID uuid.NullUUID
		burst    sql.NullInt64
		refill   sql.NullFloat64
	)
	err := s.Scan(&p.ID, &p.Name, &tenantID, &p.Scope, &p.Algorithm,
		&p.MaxRequests, &p.WindowSeconds, &burst, &refill,
		&p.FailMode, &p.Enabled, &p.IsDefault, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan policy: %w", err)
	}
	p.TenantID = uuidPtr(tenantID)
	p.BurstCapacity = int64Ptr(burst)
	p.RefillRate = float64Ptr(refill)
	return &p, nil
}

// requireRow converts a zero-row write into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: rows affected: %w", err)
	}
	if n == 0 {
		return policy.ErrNotFound
	}
	return nil
}
