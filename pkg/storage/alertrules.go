package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gatelimit/gatelimit/pkg/policy"
)

const alertRuleColumns = `id, name, policy_id, threshold_percentage, window_seconds, cooldown_seconds, enabled, last_triggered_at, created_at, updated_at`

// AlertRuleRepo persists alert rules and arbitrates trigger claims. It
// implements alerts.RuleStore.
type AlertRuleRepo struct {
	db *sql.DB
}

func NewAlertRuleRepo(db *sql.DB) *AlertRuleRepo {
	return &AlertRuleRepo{db: db}
}

func (r *AlertRuleRepo) Create(ctx context.Context, rule *policy.AlertRule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alert_rules (`+alertRuleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rule.ID, rule.Name, rule.PolicyID, rule.ThresholdPercentage,
		rule.WindowSeconds, rule.CooldownSeconds, rule.Enabled,
		nullTime(rule.LastTriggeredAt), rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert alert rule: %w", err)
	}
	return nil
}

func (r *AlertRuleRepo) AlertRuleByID(ctx context.Context, id uuid.UUID) (*policy.AlertRule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+alertRuleColumns+` FROM alert_rules WHERE id = $1
	`, id)
	return scanAlertRule(row)
}

func (r *AlertRuleRepo) EnabledAlertRules(ctx context.Context) ([]policy.AlertRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+alertRuleColumns+` FROM alert_rules
		WHERE enabled
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list enabled alert rules: %w", err)
	}
	defer rows.Close()
	return collectAlertRules(rows)
}

func (r *AlertRuleRepo) List(ctx context.Context) ([]policy.AlertRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+alertRuleColumns+` FROM alert_rules
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("storage: list alert rules: %w", err)
	}
	defer rows.Close()
	return collectAlertRules(rows)
}

// ClaimTrigger stamps last_triggered_at when the cooldown has elapsed or the
// rule never fired. The conditional UPDATE makes the claim atomic, so only
// one evaluator instance fires per cooldown window.
func (r *AlertRuleRepo) ClaimTrigger(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE alert_rules
		SET last_triggered_at = $2, updated_at = $2
		WHERE id = $1
		  AND (last_triggered_at IS NULL
		       OR last_triggered_at <= $2 - make_interval(secs => cooldown_seconds))
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("storage: claim alert trigger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: claim alert trigger: %w", err)
	}
	return n == 1, nil
}

func (r *AlertRuleRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete alert rule: %w", err)
	}
	return requireRow(res)
}

func collectAlertRules(rows *sql.Rows) ([]policy.AlertRule, error) {
	var out []policy.AlertRule
	for rows.Next() {
		rule, err := scanAlertRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

func scanAlertRule(s scanner) (*policy.AlertRule, error) {
	var (
		rule policy.AlertRule
		last sql.NullTime
	)
	err := s.Scan(&rule.ID, &rule.Name, &rule.PolicyID, &rule.ThresholdPercentage,
		&rule.WindowSeconds, &rule.CooldownSeconds, &rule.Enabled,
		&last, &rule.CreatedAt, &rule.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan alert rule: %w", err)
	}
	if last.Valid {
		rule.LastTriggeredAt = &last.Time
	}
	return &rule, nil
}
