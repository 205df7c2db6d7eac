// Package notify delivers alert notifications. Notifiers are pluggable;
// the evaluator fans out to every enabled one and isolates their failures.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Severity grades an alert by its deny rate.
type Severity string

const (
	SeverityCritical  Severity = "CRITICAL"
	SeverityWarning   Severity = "WARNING"
	SeverityAttention Severity = "ATTENTION"
)

// SeverityFor grades a deny rate given in percent.
func SeverityFor(denyRatePercent float64) Severity {
	switch {
	case denyRatePercent >= 80:
		return SeverityCritical
	case denyRatePercent >= 50:
		return SeverityWarning
	default:
		return SeverityAttention
	}
}

// Notification is one fired alert. CurrentDenyRate is in percent to sit
// next to ThresholdPercentage.
type Notification struct {
	RuleID              uuid.UUID
	RuleName            string
	PolicyID            uuid.UUID
	PolicyName          string
	CurrentDenyRate     float64
	ThresholdPercentage float64
	WindowSeconds       int64
	TotalRequests       int64
	DeniedRequests      int64
	TriggeredAt         time.Time
	Severity            Severity

	// Test marks admin-triggered fan-outs that bypassed the threshold.
	Test bool
}

// Notifier is one delivery channel.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	Enabled() bool
	Name() string
}
