package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gatelimit/gatelimit/pkg/policy"
)

const policyRuleColumns = `id, policy_id, resource_pattern, http_methods, priority, enabled, created_at, updated_at`

// PolicyRuleRepo persists URL-pattern rules. It implements
// policy.PolicyRuleReader.
type PolicyRuleRepo struct {
	db *sql.DB
}

func NewPolicyRuleRepo(db *sql.DB) *PolicyRuleRepo {
	return &PolicyRuleRepo{db: db}
}

func (r *PolicyRuleRepo) Create(ctx context.Context, rule *policy.PolicyRule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO policy_rules (`+policyRuleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rule.ID, rule.PolicyID, rule.ResourcePattern, rule.HTTPMethods,
		rule.Priority, rule.Enabled, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert policy rule: %w", err)
	}
	return nil
}

// EnabledRules returns enabled rules in match order: priority descending,
// then creation ascending.
func (r *PolicyRuleRepo) EnabledRules(ctx context.Context) ([]policy.PolicyRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+policyRuleColumns+` FROM policy_rules
		WHERE enabled
		ORDER BY priority DESC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list enabled policy rules: %w", err)
	}
	defer rows.Close()
	return collectPolicyRules(rows)
}

func (r *PolicyRuleRepo) List(ctx context.Context) ([]policy.PolicyRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+policyRuleColumns+` FROM policy_rules
		ORDER BY priority DESC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list policy rules: %w", err)
	}
	defer rows.Close()
	return collectPolicyRules(rows)
}

func (r *PolicyRuleRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM policy_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete policy rule: %w", err)
	}
	return requireRow(res)
}

func collectPolicyRules(rows *sql.Rows) ([]policy.PolicyRule, error) {
	var out []policy.PolicyRule
	for rows.Next() {
		rule, err := scanPolicyRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

func scanPolicyRule(s scanner) (*policy.PolicyRule, error) {
	var rule policy.PolicyRule
	err := s.Scan(&rule.ID, &rule.PolicyID, &rule.ResourcePattern, &rule.HTTPMethods,
		&rule.Priority, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan policy rule: %w", err)
	}
	return &rule, nil
}
