package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gatelimit/gatelimit/pkg/policy"
)

const ipRuleColumns = `id, tenant_id, policy_id, ip_address, ip_cidr, rule_type, enabled, created_at, updated_at`

// IpRuleRepo persists IP rules. CIDR containment is evaluated in SQL, so
// the resolver only ranks what already matched. It implements
// policy.IpRuleReader.
type IpRuleRepo struct {
	db *sql.DB
}

func NewIpRuleRepo(db *sql.DB) *IpRuleRepo {
	return &IpRuleRepo{db: db}
}

func (r *IpRuleRepo) Create(ctx context.Context, rule *policy.IpRule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ip_rules (`+ipRuleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rule.ID, nullUUID(rule.TenantID), rule.PolicyID,
		nullString(rule.IPAddress), nullString(rule.IPCidr),
		string(rule.RuleType), rule.Enabled, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert ip rule: %w", err)
	}
	return nil
}

func (r *IpRuleRepo) GetByID(ctx context.Context, id uuid.UUID) (*policy.IpRule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ipRuleColumns+` FROM ip_rules WHERE id = $1`, id)
	return scanIpRule(row)
}

// RulesForIP returns every enabled RATE_LIMIT rule matching the address,
// either exactly or by CIDR containment.
func (r *IpRuleRepo) RulesForIP(ctx context.Context, ip string) ([]policy.IpRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ipRuleColumns+` FROM ip_rules
		WHERE enabled
		  AND rule_type = 'RATE_LIMIT'
		  AND (ip_address = $1::inet OR ip_cidr >>= $1::inet)
	`, ip)
	if err != nil {
		return nil, fmt.Errorf("storage: match ip rules: %w", err)
	}
	defer rows.Close()

	var out []policy.IpRule
	for rows.Next() {
		rule, err := scanIpRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

// List returns rules of one type, or all when ruleType is empty.
func (r *IpRuleRepo) List(ctx context.Context, ruleType policy.RuleType) ([]policy.IpRule, error) {
	query := `SELECT ` + ipRuleColumns + ` FROM ip_rules ORDER BY created_at DESC`
	args := []interface{}{}
	if ruleType != "" {
		query = `SELECT ` + ipRuleColumns + ` FROM ip_rules WHERE rule_type = $1 ORDER BY created_at DESC`
		args = append(args, string(ruleType))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list ip rules: %w", err)
	}
	defer rows.Close()

	var out []policy.IpRule
	for rows.Next() {
		rule, err := scanIpRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

func (r *IpRuleRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM ip_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete ip rule: %w", err)
	}
	return requireRow(res)
}

func scanIpRule(s scanner) (*policy.IpRule, error) {
	var (
		rule     policy.IpRule
		tenantID uuid.NullUUID
		ip       sql.NullString
		cidr     sql.NullString
	)
	err := s.Scan(&rule.ID, &tenantID, &rule.PolicyID, &ip, &cidr,
		&rule.RuleType, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan ip rule: %w", err)
	}
	rule.TenantID = uuidPtr(tenantID)
	rule.IPAddress = stringPtr(ip)
	rule.IPCidr = stringPtr(cidr)
	return &rule, nil
}
