// Package alerts evaluates deny-rate alert rules against recent traffic and
// fans out notifications. A single evaluator tick walks every enabled rule;
// the trigger claim is a conditional store update so concurrent instances
// fire each rule at most once per cooldown.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatelimit/gatelimit/pkg/analytics"
	"github.com/gatelimit/gatelimit/pkg/clock"
	"github.com/gatelimit/gatelimit/pkg/notify"
	"github.com/gatelimit/gatelimit/pkg/policy"
	"github.com/gatelimit/gatelimit/pkg/telemetry"
)

// RuleStore reads alert rules and arbitrates trigger claims.
type RuleStore interface {
	EnabledAlertRules(ctx context.Context) ([]policy.AlertRule, error)
	AlertRuleByID(ctx context.Context, id uuid.UUID) (*policy.AlertRule, error)
	// ClaimTrigger sets lastTriggeredAt to now if and only if the rule's
	// cooldown has elapsed (or it never fired). It reports whether this
	// caller won the claim.
	ClaimTrigger(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

// Stats supplies windowed deny-rate figures. *analytics.Aggregator
// implements it.
type Stats interface {
	Window(ctx context.Context, policyID uuid.UUID, from, to time.Time) (analytics.WindowStats, error)
}

// Evaluator walks alert rules once per scheduler tick.
type Evaluator struct {
	rules     RuleStore
	stats     Stats
	policies  policy.PolicyReader
	notifiers []notify.Notifier
	clock     clock.Clock
	log       *zap.Logger
	metrics   *telemetry.Collector
}

// NewEvaluator wires the alert loop.
func NewEvaluator(rules RuleStore, stats Stats, policies policy.PolicyReader, notifiers []notify.Notifier, clk clock.Clock, log *zap.Logger, metrics *telemetry.Collector) *Evaluator {
	return &Evaluator{
		rules:     rules,
		stats:     stats,
		policies:  policies,
		notifiers: notifiers,
		clock:     clk,
		log:       log.Named("alerts"),
		metrics:   metrics,
	}
}

// Tick evaluates every enabled rule. One rule's failure never stops the
// walk; only a failure to list the rules is returned.
func (e *Evaluator) Tick(ctx context.Context) error {
	rules, err := e.rules.EnabledAlertRules(ctx)
	if err != nil {
		return fmt.Errorf("alerts: list rules: %w", err)
	}
	for _, rule := range rules {
		if err := e.evaluate(ctx, rule); err != nil {
			e.log.Error("alert rule evaluation failed",
				zap.String("rule", rule.Name),
				zap.String("rule_id", rule.ID.String()),
				zap.Error(err))
		}
	}
	return nil
}

func (e *Evaluator) evaluate(ctx context.Context, rule policy.AlertRule) error {
	now := e.clock.Now()
	from := now.Add(-time.Duration(rule.WindowSeconds) * time.Second)

	stats, err := e.stats.Window(ctx, rule.PolicyID, from, now)
	if err != nil {
		return fmt.Errorf("window stats: %w", err)
	}
	pct := stats.DenyRate * 100
	if pct < rule.ThresholdPercentage {
		return nil
	}
	if !cooldownElapsed(rule, now) {
		return nil
	}

	claimed, err := e.rules.ClaimTrigger(ctx, rule.ID, now)
	if err != nil {
		return fmt.Errorf("claim trigger: %w", err)
	}
	if !claimed {
		return nil
	}

	e.fire(ctx, rule, stats, now, false)
	return nil
}

// TestFire fans out one rule regardless of its threshold or cooldown. The
// notification is marked as a test.
func (e *Evaluator) TestFire(ctx context.Context, ruleID uuid.UUID) error {
	rule, err := e.rules.AlertRuleByID(ctx, ruleID)
	if err != nil {
		return fmt.Errorf("alerts: load rule: %w", err)
	}

	now := e.clock.Now()
	from := now.Add(-time.Duration(rule.WindowSeconds) * time.Second)
	stats, err := e.stats.Window(ctx, rule.PolicyID, from, now)
	if err != nil {
		// A test fire should go out even when the store is unhappy.
		e.log.Warn("test fire proceeding without stats", zap.Error(err))
		stats = analytics.WindowStats{}
	}

	e.fire(ctx, *rule, stats, now, true)
	return nil
}

func cooldownElapsed(rule policy.AlertRule, now time.Time) bool {
	if rule.LastTriggeredAt == nil {
		return true
	}
	return now.Sub(*rule.LastTriggeredAt) >= time.Duration(rule.CooldownSeconds)*time.Second
}

func (e *Evaluator) fire(ctx context.Context, rule policy.AlertRule, stats analytics.WindowStats, now time.Time, test bool) {
	pct := stats.DenyRate * 100
	n := notify.Notification{
		RuleID:              rule.ID,
		RuleName:            rule.Name,
		PolicyID:            rule.PolicyID,
		CurrentDenyRate:     pct,
		ThresholdPercentage: rule.ThresholdPercentage,
		WindowSeconds:       rule.WindowSeconds,
		TotalRequests:       stats.Total,
		DeniedRequests:      stats.Denied,
		TriggeredAt:         now,
		Severity:            notify.SeverityFor(pct),
		Test:                test,
	}
	if pol, err := e.policies.PolicyByID(ctx, rule.PolicyID); err == nil {
		n.PolicyName = pol.Name
	}

	e.metrics.AlertFired(strings.ToLower(string(n.Severity)))
	e.log.Info("alert fired",
		zap.String("rule", rule.Name),
		zap.String("severity", string(n.Severity)),
		zap.Float64("deny_rate_pct", pct),
		zap.Bool("test", test))

	for _, nt := range e.notifiers {
		if !nt.Enabled() {
			continue
		}
		if err := nt.Send(ctx, n); err != nil {
			e.log.Error("notifier failed",
				zap.String("notifier", nt.Name()),
				zap.String("rule", rule.Name),
				zap.Error(err))
		}
	}
}
