package notify

import (
	"context"

	"go.uber.org/zap"
)

// Log writes notifications to the service log. It is the default channel
// and the only one that needs no credentials.
type Log struct {
	log     *zap.Logger
	enabled bool
}

// NewLog returns a log notifier.
func NewLog(log *zap.Logger, enabled bool) *Log {
	return &Log{log: log.Named("alert"), enabled: enabled}
}

func (l *Log) Name() string  { return "log" }
func (l *Log) Enabled() bool { return l.enabled }

func (l *Log) Send(ctx context.Context, n Notification) error {
	l.log.Warn("rate limit alert",
		zap.String("severity", string(n.Severity)),
		zap.String("rule", n.RuleName),
		zap.String("rule_id", n.RuleID.String()),
		zap.String("policy", n.PolicyName),
		zap.String("policy_id", n.PolicyID.String()),
		zap.Float64("deny_rate_pct", n.CurrentDenyRate),
		zap.Float64("threshold_pct", n.ThresholdPercentage),
		zap.Int64("window_seconds", n.WindowSeconds),
		zap.Int64("total", n.TotalRequests),
		zap.Int64("denied", n.DeniedRequests),
		zap.Bool("test", n.Test),
		zap.Time("triggered_at", n.TriggeredAt))
	return nil
}
