package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gatelimit/gatelimit/pkg/policy"
)

const apiKeyColumns = `id, key_hash, key_prefix, tenant_id, policy_id, enabled, expires_at, created_at, updated_at`

// ApiKeyRepo persists API keys. Only the hash and display prefix are ever
// stored. It implements policy.ApiKeyReader.
type ApiKeyRepo struct {
	db *sql.DB
}

func NewApiKeyRepo(db *sql.DB) *ApiKeyRepo {
	return &ApiKeyRepo{db: db}
}

func (r *ApiKeyRepo) Create(ctx context.Context, k *policy.ApiKey) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (`+apiKeyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, k.ID, k.KeyHash, k.KeyPrefix, k.TenantID, nullUUID(k.PolicyID),
		k.Enabled, nullTime(k.ExpiresAt), k.CreatedAt, k.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert api key: %w", err)
	}
	return nil
}

func (r *ApiKeyRepo) GetByID(ctx context.Context, id uuid.UUID) (*policy.ApiKey, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id)
	return scanApiKey(row)
}

func (r *ApiKeyRepo) ApiKeyByHash(ctx context.Context, keyHash string) (*policy.ApiKey, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, keyHash)
	return scanApiKey(row)
}

func (r *ApiKeyRepo) List(ctx context.Context, tenantID *uuid.UUID) ([]policy.ApiKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY created_at DESC`
	args := []interface{}{}
	if tenantID != nil {
		query = `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE tenant_id = $1 ORDER BY created_at DESC`
		args = append(args, *tenantID)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()

	var out []policy.ApiKey
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (r *ApiKeyRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete api key: %w", err)
	}
	return requireRow(res)
}

func scanApiKey(s scanner) (*policy.ApiKey, error) {
	var (
		k        policy.ApiKey
		policyID uuid.NullUUID
		expires  sql.NullTime
	)
	err := s.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.TenantID, &policyID,
		&k.Enabled, &expires, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan api key: %w", err)
	}
	k.PolicyID = uuidPtr(policyID)
	k.ExpiresAt = timePtr(expires)
	return &k, nil
}
